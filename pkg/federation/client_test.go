package federation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tezfed/pkg/httpsig"
	"tezfed/pkg/identity"
	"tezfed/pkg/types"
)

func newTestClient(t *testing.T) (*Client, *identity.Identity) {
	t.Helper()
	id, err := identity.NewManager("alpha.example", nil).Load(t.TempDir())
	require.NoError(t, err)

	c := NewClient(id, ClientConfig{HTTPClient: http.DefaultClient, Timeout: 2 * time.Second}, nil)
	c.ConfigureRetry(3, 5*time.Millisecond, 20*time.Millisecond)
	return c, id
}

func TestClient_DeliverSignsRequest(t *testing.T) {
	c, id := newTestClient(t)
	codec := httpsig.NewCodec(nil)

	var verified atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		keyID, err := httpsig.KeyID(r.Header)
		if err == nil && keyID == id.NodeID() && codec.Verify(r, body, id.PublicKey()) {
			verified.Store(true)
		}
		w.WriteHeader(http.StatusMultiStatus)
		w.Write([]byte(`{"accepted":1}`))
	}))
	defer srv.Close()

	res, err := c.Deliver(context.Background(), srv.URL+DefaultInboxPath, []byte(`{"bundle":true}`))
	require.NoError(t, err)

	assert.True(t, verified.Load(), "peer could not verify the signature")
	assert.Equal(t, http.StatusMultiStatus, res.StatusCode)
	assert.True(t, res.Delivered())
	assert.JSONEq(t, `{"accepted":1}`, string(res.Body))
}

func TestClient_DeliverReturnsRejections(t *testing.T) {
	c, _ := newTestClient(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	res, err := c.Deliver(context.Background(), srv.URL, []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, res.Delivered())
	assert.Equal(t, int32(1), hits.Load(), "deliveries are never retried in-line")
}

func TestClient_DeliverTimeout(t *testing.T) {
	c, _ := newTestClient(t)
	c.timeout = 20 * time.Millisecond

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := c.Deliver(context.Background(), srv.URL, []byte(`{}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_HandshakeRetriesTransientFailures(t *testing.T) {
	c, id := newTestClient(t)

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var hs Handshake
		json.NewDecoder(r.Body).Decode(&hs)
		json.NewEncoder(w).Encode(HandshakeResponse{Host: "beta.example", NodeID: hs.NodeID, TrustLevel: types.TrustPending})
	}))
	defer srv.Close()

	resp, err := c.Handshake(context.Background(), srv.URL, Handshake{
		Host:      "alpha.example",
		NodeID:    id.NodeID(),
		PublicKey: id.PublicKeyBase64(),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, types.TrustPending, resp.TrustLevel)
	assert.Equal(t, id.NodeID(), resp.NodeID)
}

func TestClient_HandshakeDoesNotRetryClientErrors(t *testing.T) {
	c, _ := newTestClient(t)

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "bad handshake", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := c.Handshake(context.Background(), srv.URL, Handshake{Host: "alpha.example"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, "bad handshake", se.Body)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestClient_HandshakeGivesUp(t *testing.T) {
	c, _ := newTestClient(t)

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := c.Handshake(context.Background(), srv.URL, Handshake{Host: "alpha.example"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all attempts failed for handshake")
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClient_CalculateBackoff(t *testing.T) {
	c, _ := newTestClient(t)
	c.ConfigureRetry(5, 100*time.Millisecond, time.Second)

	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			got := c.calculateBackoff(tt.attempt)
			min := time.Duration(float64(tt.base) * 0.8)
			max := time.Duration(float64(tt.base) * 1.2)
			if got < min || got > max {
				t.Errorf("attempt %d: backoff %v outside [%v, %v]", tt.attempt, got, min, max)
			}
		}
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"Nil", nil, false},
		{"Network", errors.New("connection refused"), true},
		{"Unavailable", &StatusError{StatusCode: 503}, true},
		{"Internal", &StatusError{StatusCode: 500}, true},
		{"TooManyRequests", &StatusError{StatusCode: 429}, true},
		{"BadRequest", &StatusError{StatusCode: 400}, false},
		{"Forbidden", &StatusError{StatusCode: 403}, false},
		{"Canceled", context.Canceled, false},
		{"ForbiddenHost", ErrForbiddenHost, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.want {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
