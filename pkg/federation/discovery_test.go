package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tezfed/pkg/identity"
	"tezfed/pkg/storage"
	"tezfed/pkg/types"
)

type fakeResolver map[string][]string

func (f fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ips, ok := f[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	out := make([]net.IPAddr, len(ips))
	for i, ip := range ips {
		out[i] = net.IPAddr{IP: net.ParseIP(ip)}
	}
	return out, nil
}

// handlerTransport serves requests in-process and counts them.
type handlerTransport struct {
	handler http.Handler
	calls   atomic.Int32
	fail    atomic.Bool
	// dialErr, when set, is returned instead of serving the request.
	dialErr error
}

func (t *handlerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	t.calls.Add(1)
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	if t.fail.Load() {
		return nil, errors.New("connection refused")
	}
	rec := httptest.NewRecorder()
	t.handler.ServeHTTP(rec, r)
	return rec.Result(), nil
}

func documentHandler(t *testing.T, host string, mutate func(*Document)) (http.Handler, *identity.Identity) {
	t.Helper()
	id, err := identity.NewManager(host, nil).Load(t.TempDir())
	require.NoError(t, err)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != WellKnownPath {
			http.NotFound(w, r)
			return
		}
		doc := Document{
			Host:            host,
			NodeID:          id.NodeID(),
			ServerID:        id.NodeID(),
			PublicKey:       id.PublicKeyBase64(),
			ProtocolVersion: "1.0",
			Federation:      DocumentFederation{Enabled: true, Mode: types.ModeAllowlist, Inbox: DefaultInboxPath},
		}
		if mutate != nil {
			mutate(&doc)
		}
		json.NewEncoder(w).Encode(doc)
	}), id
}

type discoveryFixture struct {
	discovery *Discovery
	registry  *Registry
	transport *handlerTransport
	clock     *clock.Mock
}

func newDiscoveryFixture(t *testing.T, handler http.Handler, resolver fakeResolver) *discoveryFixture {
	t.Helper()
	store, err := storage.OpenInMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))
	metrics := NewFederationMetrics(nil)
	registry := NewRegistry(store, RegistryConfig{Clock: mock, Metrics: metrics}, nil)
	transport := &handlerTransport{handler: handler}

	d := NewDiscovery(registry, DiscoveryConfig{
		Client:   &http.Client{Transport: transport},
		Resolver: resolver,
		Clock:    mock,
		Metrics:  metrics,
	}, nil)
	return &discoveryFixture{discovery: d, registry: registry, transport: transport, clock: mock}
}

func TestDiscover_FetchesAndValidates(t *testing.T) {
	handler, id := documentHandler(t, "beta.example", nil)
	f := newDiscoveryFixture(t, handler, fakeResolver{"beta.example": {"93.184.216.34"}})

	target, err := f.discovery.Discover(context.Background(), "Beta.Example")
	require.NoError(t, err)

	assert.Equal(t, SourceNetwork, target.Source)
	assert.Equal(t, id.NodeID(), target.NodeID)
	assert.Equal(t, "https://beta.example/federation/inbox", target.InboxURL)
	assert.Equal(t, "https://beta.example/federation/verify", target.VerifyURL)
}

func TestDiscover_CacheTTL(t *testing.T) {
	handler, _ := documentHandler(t, "beta.example", nil)
	f := newDiscoveryFixture(t, handler, fakeResolver{"beta.example": {"93.184.216.34"}})
	ctx := context.Background()

	_, err := f.discovery.Discover(ctx, "beta.example")
	require.NoError(t, err)

	f.clock.Add(59 * time.Minute)
	target, err := f.discovery.Discover(ctx, "beta.example")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, target.Source)
	assert.Equal(t, int32(1), f.transport.calls.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.discovery.metrics.DiscoveryCacheHits))

	f.clock.Add(2 * time.Minute)
	target, err = f.discovery.Discover(ctx, "beta.example")
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, target.Source)
	assert.Equal(t, int32(2), f.transport.calls.Load())

	f.discovery.Invalidate("beta.example")
	_, err = f.discovery.Discover(ctx, "beta.example")
	require.NoError(t, err)
	assert.Equal(t, int32(3), f.transport.calls.Load())
}

func TestDiscover_RejectsNonPublicHosts(t *testing.T) {
	handler, _ := documentHandler(t, "x", nil)
	resolver := fakeResolver{
		"loopback.example":  {"127.0.0.1"},
		"private.example":   {"10.0.0.5"},
		"linklocal.example": {"169.254.1.1"},
		"mixed.example":     {"93.184.216.34", "192.168.1.10"},
		"cgnat.example":     {"100.64.3.2"},
		"ula.example":       {"fd00::1"},
		"mapped.example":    {"::ffff:10.0.0.1"},
	}
	f := newDiscoveryFixture(t, handler, resolver)

	hosts := []string{
		"loopback.example",
		"private.example",
		"linklocal.example",
		"mixed.example",
		"cgnat.example",
		"ula.example",
		"mapped.example",
		"127.0.0.1",
		"10.0.0.5:8443",
		"169.254.1.1",
		"[::1]:443",
		"localhost",
		"printer.local",
		"db.internal",
		"api.localhost",
	}
	for _, host := range hosts {
		t.Run(host, func(t *testing.T) {
			_, err := f.discovery.Discover(context.Background(), host)
			assert.ErrorIs(t, err, ErrForbiddenHost)
		})
	}
	assert.Zero(t, f.transport.calls.Load(), "no request may be attempted for a forbidden host")
}

func TestDiscover_ForbiddenHostDoesNotFallBack(t *testing.T) {
	handler, _ := documentHandler(t, "x", nil)
	f := newDiscoveryFixture(t, handler, fakeResolver{"private.example": {"10.0.0.5"}})

	hs := handshakeFor(t, "private.example")
	_, err := f.registry.Verify(hs)
	require.NoError(t, err)

	_, err = f.discovery.Discover(context.Background(), "private.example")
	assert.ErrorIs(t, err, ErrForbiddenHost)
}

func TestDiscover_RebindingAtDialDoesNotFallBack(t *testing.T) {
	handler, _ := documentHandler(t, "beta.example", nil)
	f := newDiscoveryFixture(t, handler, fakeResolver{"beta.example": {"93.184.216.34"}})
	// The name passed the resolver check but the dialer sees a private address.
	f.transport.dialErr = &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("%w: 10.0.0.5:443", ErrForbiddenHost)}

	_, err := f.registry.Verify(handshakeFor(t, "beta.example"))
	require.NoError(t, err)

	target, err := f.discovery.Discover(context.Background(), "beta.example")
	assert.ErrorIs(t, err, ErrForbiddenHost)
	assert.ErrorIs(t, err, ErrDiscoveryFailed)
	assert.Nil(t, target)
	assert.Equal(t, float64(0), testutil.ToFloat64(f.discovery.metrics.DiscoveryFallbacks))
}

func TestDiscover_FallsBackToRegistry(t *testing.T) {
	handler, _ := documentHandler(t, "beta.example", nil)
	f := newDiscoveryFixture(t, handler, fakeResolver{"beta.example": {"93.184.216.34"}})
	f.transport.fail.Store(true)
	ctx := context.Background()

	_, err := f.discovery.Discover(ctx, "beta.example")
	assert.ErrorIs(t, err, ErrDiscoveryFailed)

	hs := handshakeFor(t, "beta.example")
	hs.Inbox = "/custom/inbox"
	_, err = f.registry.Verify(hs)
	require.NoError(t, err)

	target, err := f.discovery.Discover(ctx, "beta.example")
	require.NoError(t, err)
	assert.Equal(t, SourceRegistry, target.Source)
	assert.Equal(t, hs.NodeID, target.NodeID)
	assert.Equal(t, "https://beta.example/custom/inbox", target.InboxURL)

	// Fallback answers are not cached; the next call tries the network.
	f.transport.fail.Store(false)
	target, err = f.discovery.Discover(ctx, "beta.example")
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, target.Source)
}

func TestDiscover_DNSFailureFallsBack(t *testing.T) {
	handler, _ := documentHandler(t, "beta.example", nil)
	f := newDiscoveryFixture(t, handler, fakeResolver{})

	_, err := f.registry.Verify(handshakeFor(t, "beta.example"))
	require.NoError(t, err)

	target, err := f.discovery.Discover(context.Background(), "beta.example")
	require.NoError(t, err)
	assert.Equal(t, SourceRegistry, target.Source)
	assert.Zero(t, f.transport.calls.Load())
}

func TestDiscover_InvalidDocuments(t *testing.T) {
	other, err := identity.NewManager("other", nil).Load(t.TempDir())
	require.NoError(t, err)

	tests := map[string]func(*Document){
		"MissingNodeID":  func(d *Document) { d.NodeID = "" },
		"MissingKey":     func(d *Document) { d.PublicKey = "" },
		"MissingInbox":   func(d *Document) { d.Federation.Inbox = "" },
		"AbsoluteInbox":  func(d *Document) { d.Federation.Inbox = "https://evil.example/inbox" },
		"WrongHost":      func(d *Document) { d.Host = "gamma.example" },
		"NodeIDMismatch": func(d *Document) { d.NodeID = other.NodeID() },
		"FederationOff":  func(d *Document) { d.Federation.Enabled = false },
		"KeyNotBase64":   func(d *Document) { d.PublicKey = "%%%" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			handler, _ := documentHandler(t, "beta.example", mutate)
			f := newDiscoveryFixture(t, handler, fakeResolver{"beta.example": {"93.184.216.34"}})

			_, err := f.discovery.Discover(context.Background(), "beta.example")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidDocument) || errors.Is(err, ErrPeerNotFederated), err.Error())
		})
	}
}

func TestDiscover_AllowPrivate(t *testing.T) {
	handler, _ := documentHandler(t, "127.0.0.1:9000", nil)
	transport := &handlerTransport{handler: handler}
	d := NewDiscovery(nil, DiscoveryConfig{
		AllowPrivate: true,
		Scheme:       "http",
		Client:       &http.Client{Transport: transport},
	}, nil)

	target, err := d.Discover(context.Background(), "127.0.0.1:9000")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9000/federation/inbox", target.InboxURL)
}

func TestIsPublicAddr(t *testing.T) {
	tests := map[string]bool{
		"93.184.216.34":    true,
		"2606:4700::1111":  true,
		"127.0.0.1":        false,
		"10.0.0.5":         false,
		"172.16.0.1":       false,
		"192.168.0.1":      false,
		"169.254.1.1":      false,
		"0.0.0.0":          false,
		"100.64.0.1":       false,
		"198.18.0.1":       false,
		"203.0.113.5":      false,
		"224.0.0.1":        false,
		"255.255.255.255":  false,
		"::1":              false,
		"fe80::1":          false,
		"fc00::1":          false,
		"2001:db8::1":      false,
		"::ffff:127.0.0.1": false,
	}
	for ip, want := range tests {
		assert.Equal(t, want, IsPublicAddr(netip.MustParseAddr(ip)), ip)
	}
}
