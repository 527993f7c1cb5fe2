// Package client talks to a running relay's admin HTTP surface.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"tezfed/pkg/types"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx answer from the admin API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("admin API returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Connection is an authenticated admin API session.
type Connection struct {
	base   string
	token  string
	http   *http.Client
	logger *zap.Logger
}

// NewConnection targets the relay at base, for example
// "http://127.0.0.1:8443".
func NewConnection(base, token string, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		http:   &http.Client{Timeout: defaultTimeout},
		logger: logger,
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Connection) WithHTTPClient(hc *http.Client) *Connection {
	c.http = hc
	return c
}

func (c *Connection) Identity(ctx context.Context) (*types.IdentityInfo, error) {
	var out types.IdentityInfo
	if err := c.do(ctx, http.MethodGet, "/admin/identity", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Connection) ListPeers(ctx context.Context) ([]*types.Peer, error) {
	var out []*types.Peer
	if err := c.do(ctx, http.MethodGet, "/admin/peers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Connection) SetTrustLevel(ctx context.Context, host string, level types.TrustLevel) (*types.Peer, error) {
	var out types.Peer
	path := "/admin/peers/" + url.PathEscape(host) + "/trust"
	if err := c.do(ctx, http.MethodPut, path, types.TrustUpdate{TrustLevel: level}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Connection) DeletePeer(ctx context.Context, host string) error {
	return c.do(ctx, http.MethodDelete, "/admin/peers/"+url.PathEscape(host), nil, nil)
}

// ListOutbox returns entries in any of the given statuses, or all entries
// when none are given.
func (c *Connection) ListOutbox(ctx context.Context, statuses ...types.OutboxStatus) ([]*types.OutboxEntry, error) {
	path := "/admin/outbox"
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = string(s)
		}
		path += "?status=" + url.QueryEscape(strings.Join(parts, ","))
	}
	var out []*types.OutboxEntry
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Connection) Sweep(ctx context.Context) (*types.SweepResponse, error) {
	var out types.SweepResponse
	if err := c.do(ctx, http.MethodPost, "/admin/outbox/sweep", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Connection) ListUsers(ctx context.Context) ([]*types.LocalUser, error) {
	var out []*types.LocalUser
	if err := c.do(ctx, http.MethodGet, "/admin/users", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Connection) AddUser(ctx context.Context, handle, displayName string) (*types.LocalUser, error) {
	var out types.LocalUser
	req := types.AddUserRequest{Handle: handle, DisplayName: displayName}
	if err := c.do(ctx, http.MethodPost, "/admin/users", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Connection) Send(ctx context.Context, req types.SendRequest) (*types.SendResponse, error) {
	var out types.SendResponse
	if err := c.do(ctx, http.MethodPost, "/admin/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Connection) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug("Admin request", zap.String("method", method), zap.String("path", path))
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}
	var eb types.ErrorBody
	if err := json.Unmarshal(raw, &eb); err == nil && eb.Error.Code != "" {
		apiErr.Code = eb.Error.Code
		apiErr.Message = eb.Error.Message
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
