package federation

import (
	"sync"
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

type welcomeRecorder struct {
	mu    sync.Mutex
	hosts []string
}

func (w *welcomeRecorder) record(p types.Peer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hosts = append(w.hosts, p.Host)
}

func (w *welcomeRecorder) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.hosts)
}

func newTestRegistry(t *testing.T, mode types.FederationMode) (*Registry, *welcomeRecorder, *clock.Mock) {
	t.Helper()
	store, err := storage.OpenInMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))

	reg := NewRegistry(store, RegistryConfig{Mode: mode, Clock: mock}, nil)
	rec := &welcomeRecorder{}
	reg.OnWelcome(rec.record)
	return reg, rec, mock
}

func handshakeFor(t *testing.T, host string) Handshake {
	t.Helper()
	id, err := identity.NewManager(host, nil).Load(t.TempDir())
	require.NoError(t, err)
	return Handshake{
		Host:        host,
		NodeID:      id.NodeID(),
		PublicKey:   id.PublicKeyBase64(),
		DisplayName: "Relay " + host,
	}
}

func TestRegistry_AllowlistStartsPending(t *testing.T) {
	reg, welcomes, _ := newTestRegistry(t, types.ModeAllowlist)

	level, err := reg.Verify(handshakeFor(t, "beta.example"))
	require.NoError(t, err)
	assert.Equal(t, types.TrustPending, level)
	assert.Zero(t, welcomes.count())

	peer, err := reg.Get("beta.example")
	require.NoError(t, err)
	assert.ErrorIs(t, reg.Authorize(peer), ErrServerNotTrusted)
}

func TestRegistry_OpenModeTrustsAndWelcomesOnce(t *testing.T) {
	reg, welcomes, _ := newTestRegistry(t, types.ModeOpen)
	hs := handshakeFor(t, "beta.example")

	level, err := reg.Verify(hs)
	require.NoError(t, err)
	assert.Equal(t, types.TrustTrusted, level)

	// Re-handshake and re-promotion do not welcome again.
	_, err = reg.Verify(hs)
	require.NoError(t, err)
	_, err = reg.SetTrustLevel("beta.example", types.TrustPending)
	require.NoError(t, err)
	_, err = reg.SetTrustLevel("beta.example", types.TrustTrusted)
	require.NoError(t, err)

	assert.Equal(t, 1, welcomes.count())
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.metrics.WelcomeDeliveries))
}

func TestRegistry_AdminPromotionWelcomes(t *testing.T) {
	reg, welcomes, _ := newTestRegistry(t, types.ModeAllowlist)
	_, err := reg.Verify(handshakeFor(t, "beta.example"))
	require.NoError(t, err)

	peer, err := reg.SetTrustLevel("beta.example", types.TrustTrusted)
	require.NoError(t, err)
	assert.Equal(t, types.TrustTrusted, peer.TrustLevel)
	assert.NoError(t, reg.Authorize(peer))
	assert.Equal(t, []string{"beta.example"}, welcomes.hosts)
}

func TestRegistry_Refresh(t *testing.T) {
	reg, _, mock := newTestRegistry(t, types.ModeAllowlist)
	hs := handshakeFor(t, "beta.example")

	_, err := reg.Verify(hs)
	require.NoError(t, err)
	first, err := reg.Get("beta.example")
	require.NoError(t, err)

	mock.Add(time.Hour)
	hs.DisplayName = "Beta Relay"
	hs.Inbox = "/custom/inbox"
	_, err = reg.Verify(hs)
	require.NoError(t, err)

	second, err := reg.Get("beta.example")
	require.NoError(t, err)
	assert.Equal(t, first.FirstSeenAt, second.FirstSeenAt)
	assert.Equal(t, first.LastSeenAt.Add(time.Hour), second.LastSeenAt)
	assert.Equal(t, "Beta Relay", second.DisplayName)
	assert.Equal(t, "/custom/inbox", second.Metadata["inbox"])
}

func TestRegistry_KeyRotation(t *testing.T) {
	tests := []struct {
		name      string
		start     types.TrustLevel
		acceptKey bool
		want      types.TrustLevel
	}{
		{"TrustedDemoted", types.TrustTrusted, false, types.TrustPending},
		{"TrustedKeptWhenAccepted", types.TrustTrusted, true, types.TrustTrusted},
		{"BlockedStaysBlocked", types.TrustBlocked, false, types.TrustBlocked},
		{"PendingStaysPending", types.TrustPending, false, types.TrustPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := storage.OpenInMemory(nil)
			require.NoError(t, err)
			defer store.Close()
			reg := NewRegistry(store, RegistryConfig{AcceptKeyRotation: tt.acceptKey}, nil)

			_, err = reg.Verify(handshakeFor(t, "beta.example"))
			require.NoError(t, err)
			_, err = reg.SetTrustLevel("beta.example", tt.start)
			require.NoError(t, err)

			rotated := handshakeFor(t, "beta.example")
			level, err := reg.Verify(rotated)
			require.NoError(t, err)
			assert.Equal(t, tt.want, level)

			// The new key is what signatures are now checked against.
			byNode, err := reg.GetByNodeID(rotated.NodeID)
			require.NoError(t, err)
			assert.Equal(t, rotated.PublicKey, byNode.PublicKey)
			assert.Equal(t, float64(1), testutil.ToFloat64(reg.metrics.KeyRotations))
		})
	}
}

func TestRegistry_RejectsBadHandshakes(t *testing.T) {
	reg, _, _ := newTestRegistry(t, types.ModeOpen)

	good := handshakeFor(t, "beta.example")
	other := handshakeFor(t, "gamma.example")

	tests := map[string]Handshake{
		"NodeIDMismatch": {Host: "beta.example", NodeID: other.NodeID, PublicKey: good.PublicKey},
		"BadKey":         {Host: "beta.example", NodeID: good.NodeID, PublicKey: "not-base64!"},
		"EmptyHost":      {Host: "", NodeID: good.NodeID, PublicKey: good.PublicKey},
		"HostWithPath":   {Host: "beta.example/x", NodeID: good.NodeID, PublicKey: good.PublicKey},
	}
	for name, hs := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Verify(hs)
			assert.ErrorIs(t, err, ErrInvalidHandshake)
		})
	}

	// A key already bound to one host cannot be claimed by another.
	_, err := reg.Verify(good)
	require.NoError(t, err)
	stolen := good
	stolen.Host = "evil.example"
	_, err = reg.Verify(stolen)
	assert.ErrorIs(t, err, ErrInvalidHandshake)
}

func TestRegistry_BlockAndDelete(t *testing.T) {
	reg, _, _ := newTestRegistry(t, types.ModeOpen)
	_, err := reg.Verify(handshakeFor(t, "beta.example"))
	require.NoError(t, err)

	_, err = reg.CheckOutbound("beta.example")
	require.NoError(t, err)

	peer, err := reg.SetTrustLevel("beta.example", types.TrustBlocked)
	require.NoError(t, err)
	assert.ErrorIs(t, reg.Authorize(peer), ErrServerBlocked)
	_, err = reg.CheckOutbound("beta.example")
	assert.ErrorIs(t, err, ErrServerBlocked)

	require.NoError(t, reg.Delete("beta.example"))
	_, err = reg.CheckOutbound("beta.example")
	assert.ErrorIs(t, err, ErrUnknownServer)
	assert.ErrorIs(t, reg.Delete("beta.example"), ErrUnknownServer)

	_, err = reg.SetTrustLevel("missing.example", types.TrustTrusted)
	assert.ErrorIs(t, err, ErrUnknownServer)
	_, err = reg.SetTrustLevel("beta.example", types.TrustLevel("admin"))
	assert.Error(t, err)
}

func TestRegistry_OpenModeAcceptsPending(t *testing.T) {
	reg, _, _ := newTestRegistry(t, types.ModeOpen)
	assert.NoError(t, reg.Authorize(&types.Peer{TrustLevel: types.TrustPending}))
	assert.ErrorIs(t, reg.Authorize(&types.Peer{TrustLevel: types.TrustBlocked}), ErrServerBlocked)
}

func TestRegistry_RotationDemotionHoldsInOpenMode(t *testing.T) {
	reg, _, _ := newTestRegistry(t, types.ModeOpen)

	level, err := reg.Verify(handshakeFor(t, "beta.example"))
	require.NoError(t, err)
	require.Equal(t, types.TrustTrusted, level)

	level, err = reg.Verify(handshakeFor(t, "beta.example"))
	require.NoError(t, err)
	assert.Equal(t, types.TrustPending, level)

	peer, err := reg.Get("beta.example")
	require.NoError(t, err)
	assert.True(t, KeyRotated(peer))
	assert.ErrorIs(t, reg.Authorize(peer), ErrServerNotTrusted)

	// Refreshing with the new key keeps the peer held.
	_, err = reg.Verify(Handshake{Host: "beta.example", NodeID: peer.NodeID, PublicKey: peer.PublicKey})
	require.NoError(t, err)
	peer, err = reg.Get("beta.example")
	require.NoError(t, err)
	assert.ErrorIs(t, reg.Authorize(peer), ErrServerNotTrusted)

	// Any admin decision clears the hold.
	peer, err = reg.SetTrustLevel("beta.example", types.TrustPending)
	require.NoError(t, err)
	assert.False(t, KeyRotated(peer))
	assert.NoError(t, reg.Authorize(peer))
}
