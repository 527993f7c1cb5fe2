package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tezfed/pkg/bundle"
	"tezfed/pkg/federation"
	"tezfed/pkg/identity"
	"tezfed/pkg/storage"
	"tezfed/pkg/types"
)

type fakeDiscovery struct {
	mu      sync.Mutex
	targets map[string]*federation.Target
	err     error
}

func (f *fakeDiscovery) Discover(_ context.Context, host string) (*federation.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t, ok := f.targets[host]
	if !ok {
		return nil, federation.ErrDiscoveryFailed
	}
	return t, nil
}

type fakeTransport struct {
	mu         sync.Mutex
	status     int
	err        error
	bodies     map[string][][]byte
	handshakes []federation.Handshake

	entered chan struct{}
	block   chan struct{}
}

func (f *fakeTransport) Deliver(ctx context.Context, url string, body []byte) (*federation.DeliveryResult, error) {
	if f.block != nil {
		f.entered <- struct{}{}
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.bodies == nil {
		f.bodies = map[string][][]byte{}
	}
	f.bodies[url] = append(f.bodies[url], body)
	return &federation.DeliveryResult{StatusCode: f.status}, nil
}

func (f *fakeTransport) Handshake(_ context.Context, _ string, hs federation.Handshake) (*federation.HandshakeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handshakes = append(f.handshakes, hs)
	return &federation.HandshakeResponse{TrustLevel: types.TrustPending}, nil
}

func (f *fakeTransport) setStatus(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = code
}

func (f *fakeTransport) deliveries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.bodies {
		n += len(b)
	}
	return n
}

type fixture struct {
	engine    *Engine
	store     *storage.Store
	registry  *federation.Registry
	discovery *fakeDiscovery
	transport *fakeTransport
	clock     *clock.Mock
	metrics   *federation.FederationMetrics
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := storage.OpenInMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))
	metrics := federation.NewFederationMetrics(nil)
	registry := federation.NewRegistry(store, federation.RegistryConfig{Clock: mock, Metrics: metrics}, nil)

	self, err := identity.NewManager("alpha.example", nil).Load(t.TempDir())
	require.NoError(t, err)

	disc := &fakeDiscovery{targets: map[string]*federation.Target{}}
	tr := &fakeTransport{status: 200}

	cfg.Clock = mock
	cfg.Metrics = metrics
	engine := NewEngine(store, registry, disc, tr, self, cfg, nil)
	t.Cleanup(engine.Stop)

	return &fixture{
		engine:    engine,
		store:     store,
		registry:  registry,
		discovery: disc,
		transport: tr,
		clock:     mock,
		metrics:   metrics,
	}
}

// addPeer makes host discoverable and, unless level is empty, registers it
// at that trust level.
func (f *fixture) addPeer(t *testing.T, host string, level types.TrustLevel) *identity.Identity {
	t.Helper()
	id, err := identity.NewManager(host, nil).Load(t.TempDir())
	require.NoError(t, err)

	f.discovery.targets[host] = &federation.Target{
		Host:      host,
		NodeID:    id.NodeID(),
		PublicKey: id.PublicKeyBase64(),
		InboxURL:  "https://" + host + federation.DefaultInboxPath,
		VerifyURL: "https://" + host + federation.DefaultVerifyPath,
		Document: &federation.Document{
			Host:            host,
			NodeID:          id.NodeID(),
			PublicKey:       id.PublicKeyBase64(),
			ProtocolVersion: "1.0",
			DisplayName:     "Relay " + host,
			Federation:      federation.DocumentFederation{Enabled: true, Inbox: federation.DefaultInboxPath},
		},
		Source: federation.SourceNetwork,
	}
	if level == "" {
		return id
	}

	_, err = f.registry.Verify(federation.Handshake{Host: host, NodeID: id.NodeID(), PublicKey: id.PublicKeyBase64()})
	require.NoError(t, err)
	_, err = f.registry.SetTrustLevel(host, level)
	require.NoError(t, err)
	return id
}

func testMessage() types.Message {
	return types.Message{
		ID:          "msg-1",
		From:        "ann@alpha.example",
		Type:        "note",
		SurfaceText: "lunch at noon?",
		Context: []types.ContextItem{
			{Layer: "background", Content: "we agreed on Fridays"},
		},
		CreatedAt: time.Date(2026, 10, 19, 11, 0, 0, 0, time.UTC),
	}
}

func routeOne(t *testing.T, f *fixture, host string) *types.OutboxEntry {
	t.Helper()
	entries, err := f.engine.Route(context.Background(), testMessage(), "ann@alpha.example",
		map[string][]string{host: {"bob@" + host}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0]
}

func TestRetryDelay(t *testing.T) {
	tests := map[int]time.Duration{
		0:  time.Minute,
		1:  time.Minute,
		2:  5 * time.Minute,
		3:  30 * time.Minute,
		4:  2 * time.Hour,
		5:  12 * time.Hour,
		12: 12 * time.Hour,
	}
	for attempts, want := range tests {
		assert.Equal(t, want, RetryDelay(attempts), "attempts=%d", attempts)
	}
}

func TestRoute_OneEntryPerHost(t *testing.T) {
	f := newFixture(t, Config{})
	f.addPeer(t, "beta.example", types.TrustTrusted)
	f.addPeer(t, "gamma.example", types.TrustTrusted)

	entries, err := f.engine.Route(context.Background(), testMessage(), "ann@alpha.example", map[string][]string{
		"beta.example":  {"bob@beta.example", "cat@beta.example"},
		"gamma.example": {"dan@gamma.example"},
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byHost := map[string]*types.OutboxEntry{}
	for _, e := range entries {
		byHost[e.TargetHost] = e
		assert.Equal(t, types.OutboxPending, e.Status)
		assert.Equal(t, "msg-1", e.MessageID)

		b, err := bundle.Validate(e.Bundle)
		require.NoError(t, err)
		assert.Equal(t, e.TargetAddresses, b.To)
		assert.Equal(t, e.BundleHash, b.BundleHash)
		assert.Equal(t, "alpha.example", b.SenderHost)
		assert.True(t, b.SignedAt.Equal(f.clock.Now()))
	}
	assert.Equal(t, []string{"bob@beta.example", "cat@beta.example"}, byHost["beta.example"].TargetAddresses)
	assert.Equal(t, []string{"dan@gamma.example"}, byHost["gamma.example"].TargetAddresses)

	stored, err := f.store.ListOutbox(types.OutboxPending)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestRoute_RejectsLocalHost(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.engine.Route(context.Background(), testMessage(), "ann@alpha.example",
		map[string][]string{"alpha.example": {"bob@alpha.example"}})
	assert.ErrorIs(t, err, ErrLocalHost)
}

func TestRoute_IntroducesUnknownHost(t *testing.T) {
	f := newFixture(t, Config{DisplayName: "Alpha"})
	f.addPeer(t, "beta.example", "")

	routeOne(t, f, "beta.example")

	peer, err := f.registry.Get("beta.example")
	require.NoError(t, err)
	assert.Equal(t, types.TrustPending, peer.TrustLevel)
	assert.Equal(t, "Relay beta.example", peer.DisplayName)

	require.Len(t, f.transport.handshakes, 1)
	hs := f.transport.handshakes[0]
	assert.Equal(t, "alpha.example", hs.Host)
	assert.Equal(t, f.engine.self.NodeID(), hs.NodeID)
	assert.Equal(t, "Alpha", hs.DisplayName)
	assert.Equal(t, federation.DefaultInboxPath, hs.Inbox)

	// Pending peers may receive.
	entry, err := f.engine.Attempt(context.Background(), mustDue(t, f))
	require.NoError(t, err)
	assert.Equal(t, types.OutboxDelivered, entry.Status)
}

func TestRoute_IntroductionRetriedOnDelivery(t *testing.T) {
	f := newFixture(t, Config{})
	f.addPeer(t, "beta.example", "")
	f.discovery.err = errors.New("temporary dns outage")

	entry := routeOne(t, f, "beta.example")
	assert.Equal(t, types.OutboxPending, entry.Status)
	assert.False(t, entry.Introduced)
	_, err := f.registry.Get("beta.example")
	assert.ErrorIs(t, err, federation.ErrUnknownServer)

	// Still unreachable: the failure drives the retry schedule.
	failed, err := f.engine.Attempt(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OutboxFailed, failed.Status)
	assert.False(t, failed.Introduced)
	assert.Contains(t, failed.Error, "temporary dns outage")

	f.discovery.mu.Lock()
	f.discovery.err = nil
	f.discovery.mu.Unlock()
	f.clock.Add(RetryDelay(failed.Attempts))

	updated, err := f.engine.Attempt(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OutboxDelivered, updated.Status)
	assert.True(t, updated.Introduced)
	assert.Equal(t, 2, updated.Attempts)
	assert.Equal(t, 1, f.transport.deliveries())

	peer, err := f.registry.Get("beta.example")
	require.NoError(t, err)
	assert.Equal(t, types.TrustPending, peer.TrustLevel)
	assert.Len(t, f.transport.handshakes, 1)
}

func TestAttempt_Delivered(t *testing.T) {
	f := newFixture(t, Config{})
	f.addPeer(t, "beta.example", types.TrustTrusted)
	f.transport.setStatus(207)

	entry := routeOne(t, f, "beta.example")
	updated, err := f.engine.Attempt(context.Background(), entry.ID)
	require.NoError(t, err)

	assert.Equal(t, types.OutboxDelivered, updated.Status)
	assert.Equal(t, 1, updated.Attempts)
	require.NotNil(t, updated.DeliveredAt)
	assert.True(t, updated.DeliveredAt.Equal(f.clock.Now()))
	assert.Nil(t, updated.NextRetryAt)
	assert.Equal(t, entry.Bundle, f.transport.bodies["https://beta.example/federation/inbox"][0])

	records, err := f.store.ListFederated()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.DirectionOutbound, records[0].Direction)
	assert.Equal(t, "msg-1", records[0].LocalMessageID)
	assert.Equal(t, "beta.example", records[0].RemoteHost)
	assert.Equal(t, entry.BundleHash, records[0].BundleHash)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.OutboundDelivered))

	// Terminal entries are left alone.
	again, err := f.engine.Attempt(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, 1, f.transport.deliveries())
}

func TestAttempt_RetryScheduleAndExpiry(t *testing.T) {
	f := newFixture(t, Config{})
	f.addPeer(t, "beta.example", types.TrustTrusted)
	f.transport.setStatus(503)
	ctx := context.Background()

	entry := routeOne(t, f, "beta.example")
	statuses := []types.OutboxStatus{entry.Status}

	expected := []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour}
	for i, delay := range expected {
		n, err := f.engine.Sweep(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "sweep %d", i+1)

		got, err := f.store.GetOutboxEntry(entry.ID)
		require.NoError(t, err)
		statuses = append(statuses, got.Status)
		assert.Equal(t, i+1, got.Attempts)
		require.NotNil(t, got.NextRetryAt)
		assert.WithinDuration(t, f.clock.Now().Add(delay), *got.NextRetryAt, 0)
		assert.Contains(t, got.Error, "503")

		// Not due yet.
		f.clock.Add(delay - time.Second)
		n, err = f.engine.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		f.clock.Add(time.Second)
	}

	n, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	final, err := f.store.GetOutboxEntry(entry.ID)
	require.NoError(t, err)
	statuses = append(statuses, final.Status)
	assert.Equal(t, MaxAttempts, final.Attempts)
	assert.Nil(t, final.NextRetryAt)

	assert.Equal(t, []types.OutboxStatus{
		types.OutboxPending,
		types.OutboxFailed,
		types.OutboxFailed,
		types.OutboxFailed,
		types.OutboxFailed,
		types.OutboxExpired,
	}, statuses)

	f.clock.Add(24 * time.Hour)
	n, err = f.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, MaxAttempts, f.transport.deliveries())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.OutboundExpired))
	assert.Equal(t, float64(4), testutil.ToFloat64(f.metrics.OutboundFailed))
}

func TestAttempt_RecoversAfterFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.addPeer(t, "beta.example", types.TrustTrusted)
	f.transport.err = errors.New("connection reset")

	entry := routeOne(t, f, "beta.example")
	failed, err := f.engine.Attempt(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OutboxFailed, failed.Status)

	f.transport.mu.Lock()
	f.transport.err = nil
	f.transport.mu.Unlock()
	f.clock.Add(time.Minute)

	delivered, err := f.engine.Attempt(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OutboxDelivered, delivered.Status)
	assert.Equal(t, 2, delivered.Attempts)
	assert.Empty(t, delivered.Error)

	peer, err := f.registry.Get("beta.example")
	require.NoError(t, err)
	assert.True(t, peer.LastSeenAt.Equal(f.clock.Now()))
}

func TestAttempt_TrustCheckHaltsDelivery(t *testing.T) {
	tests := []struct {
		name    string
		act     func(f *fixture) error
		wantErr error
	}{
		{"Blocked", func(f *fixture) error {
			_, err := f.registry.SetTrustLevel("beta.example", types.TrustBlocked)
			return err
		}, federation.ErrServerBlocked},
		{"Deleted", func(f *fixture) error {
			return f.registry.Delete("beta.example")
		}, federation.ErrUnknownServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.addPeer(t, "beta.example", types.TrustTrusted)
			entry := routeOne(t, f, "beta.example")
			assert.True(t, entry.Introduced)
			require.NoError(t, tt.act(f))

			updated, err := f.engine.Attempt(context.Background(), entry.ID)
			require.NoError(t, err)
			assert.Equal(t, types.OutboxFailed, updated.Status)
			assert.Contains(t, updated.Error, tt.wantErr.Error())
			assert.Zero(t, f.transport.deliveries())
		})
	}
}

func TestAttempt_OneAttemptPerEntry(t *testing.T) {
	f := newFixture(t, Config{})
	f.addPeer(t, "beta.example", types.TrustTrusted)
	entry := routeOne(t, f, "beta.example")

	f.transport.entered = make(chan struct{})
	f.transport.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Attempt(context.Background(), entry.ID)
		done <- err
	}()
	<-f.transport.entered

	_, err := f.engine.Attempt(context.Background(), entry.ID)
	assert.ErrorIs(t, err, ErrInFlight)

	n, err := f.engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	close(f.transport.block)
	require.NoError(t, <-done)
}

func TestEngine_WorkersDeliverRoutedEntries(t *testing.T) {
	f := newFixture(t, Config{Workers: 2})
	f.addPeer(t, "beta.example", types.TrustTrusted)
	f.engine.Start(context.Background())

	entry := routeOne(t, f, "beta.example")

	require.Eventually(t, func() bool {
		got, err := f.store.GetOutboxEntry(entry.ID)
		return err == nil && got.Status == types.OutboxDelivered
	}, 2*time.Second, 10*time.Millisecond)

	f.engine.Stop()
	f.engine.Stop()
}

func TestRoute_FullQueueLeavesEntriesForSweep(t *testing.T) {
	f := newFixture(t, Config{QueueSize: 1})
	f.addPeer(t, "beta.example", types.TrustTrusted)
	f.addPeer(t, "gamma.example", types.TrustTrusted)

	_, err := f.engine.Route(context.Background(), testMessage(), "ann@alpha.example", map[string][]string{
		"beta.example":  {"bob@beta.example"},
		"gamma.example": {"dan@gamma.example"},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.QueueDropped))

	n, err := f.engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	delivered, err := f.store.ListOutbox(types.OutboxDelivered)
	require.NoError(t, err)
	assert.Len(t, delivered, 2)
}

func TestWelcome_QueuedOnPromotion(t *testing.T) {
	f := newFixture(t, Config{})
	f.registry.OnWelcome(f.engine.Welcome)
	f.addPeer(t, "beta.example", types.TrustTrusted)

	entries, err := f.store.ListOutbox()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "beta.example", entries[0].TargetHost)
	assert.Equal(t, []string{"relay@beta.example"}, entries[0].TargetAddresses)

	msg, err := f.store.GetMessage(entries[0].MessageID)
	require.NoError(t, err)
	assert.Equal(t, "welcome", msg.Type)
	assert.Equal(t, "relay@alpha.example", msg.From)

	// A second promotion in the same process does not welcome again.
	_, err = f.registry.SetTrustLevel("beta.example", types.TrustPending)
	require.NoError(t, err)
	_, err = f.registry.SetTrustLevel("beta.example", types.TrustTrusted)
	require.NoError(t, err)
	entries, err = f.store.ListOutbox()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func mustDue(t *testing.T, f *fixture) string {
	t.Helper()
	due, err := f.store.DueOutbox(f.clock.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	return due[0].ID
}
