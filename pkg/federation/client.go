package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tezfed/pkg/httpsig"
	"tezfed/pkg/identity"
)

const (
	DefaultDeliveryTimeout = 30 * time.Second
	maxResponseBytes       = 64 << 10
)

// StatusError is a non-2xx answer from a peer.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("peer returned %d", e.StatusCode)
	}
	return fmt.Sprintf("peer returned %d: %s", e.StatusCode, e.Body)
}

// DeliveryResult is the peer's answer to an inbox POST.
type DeliveryResult struct {
	StatusCode int
	Body       []byte
}

// Delivered reports whether the peer accepted the bundle. 207 means some
// recipients were unknown, which is still a completed delivery.
func (r *DeliveryResult) Delivered() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type ClientConfig struct {
	HTTPClient *http.Client
	Codec      *httpsig.Codec
	// Timeout bounds a single request.
	Timeout time.Duration
}

// Client sends signed requests to peer relays. Deliver makes exactly one
// attempt; retrying deliveries is the outbox's job. Handshake retries
// transient failures in-line.
type Client struct {
	http    *http.Client
	codec   *httpsig.Codec
	signer  identity.Signer
	timeout time.Duration
	logger  *zap.Logger

	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
}

func NewClient(signer identity.Signer, cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewGuardedHTTPClient(false)
	}
	if cfg.Codec == nil {
		cfg.Codec = httpsig.NewCodec(nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDeliveryTimeout
	}
	return &Client{
		http:         cfg.HTTPClient,
		codec:        cfg.Codec,
		signer:       signer,
		timeout:      cfg.Timeout,
		logger:       logger,
		maxRetries:   3,
		baseDelay:    500 * time.Millisecond,
		maxDelay:     5 * time.Second,
		jitterFactor: 0.2,
	}
}

// ConfigureRetry sets the handshake retry parameters.
func (c *Client) ConfigureRetry(maxRetries int, baseDelay, maxDelay time.Duration) {
	c.maxRetries = maxRetries
	c.baseDelay = baseDelay
	c.maxDelay = maxDelay
}

// Deliver POSTs an encoded bundle to a peer inbox. Any HTTP answer is
// returned as a result; err is set only when no answer was received.
func (c *Client) Deliver(ctx context.Context, inboxURL string, body []byte) (*DeliveryResult, error) {
	resp, err := c.post(ctx, inboxURL, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	return &DeliveryResult{StatusCode: resp.StatusCode, Body: data}, nil
}

// Handshake presents this node to a peer's verify endpoint and returns the
// trust level the peer assigned.
func (c *Client) Handshake(ctx context.Context, verifyURL string, hs Handshake) (*HandshakeResponse, error) {
	body, err := json.Marshal(hs)
	if err != nil {
		return nil, err
	}

	var out HandshakeResponse
	err = c.retryOperation(ctx, "handshake", func(ctx context.Context) error {
		resp, err := c.post(ctx, verifyURL, body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if resp.StatusCode != http.StatusOK {
			return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("invalid handshake response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.codec.Sign(req, body, c.signer); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelBody releases the request context once the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// retryOperation runs fn with exponential backoff while the error is
// retryable.
func (c *Client) retryOperation(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return err
		}
		lastErr = err

		c.logger.Debug("Operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < c.maxRetries-1 {
			select {
			case <-time.After(c.calculateBackoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("all attempts failed for %s: %w", operation, lastErr)
}

// calculateBackoff returns baseDelay * 2^attempt, capped at maxDelay, with
// +/- jitterFactor jitter.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}

	jitter := delay * c.jitterFactor * (2*rand.Float64() - 1)
	delay += jitter
	if delay < 0 {
		delay = float64(c.baseDelay)
	}
	return time.Duration(delay)
}

// isRetryableError treats network failures, 5xx and 429 as transient.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrForbiddenHost) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	return true
}
