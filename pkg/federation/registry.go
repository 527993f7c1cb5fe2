package federation

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"tezfed/pkg/identity"
	"tezfed/pkg/storage"
	"tezfed/pkg/types"
)

var (
	ErrUnknownServer    = errors.New("unknown server")
	ErrServerBlocked    = errors.New("server is blocked")
	ErrServerNotTrusted = errors.New("server is not trusted")
	ErrInvalidHandshake = errors.New("invalid handshake")
)

// Handshake is the self-description a peer presents to be registered.
type Handshake struct {
	Host            string `json:"host"`
	NodeID          string `json:"node_id"`
	PublicKey       string `json:"public_key"`
	DisplayName     string `json:"display_name,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	Inbox           string `json:"inbox,omitempty"`
}

// HandshakeResponse is returned by the handshake endpoint.
type HandshakeResponse struct {
	Host       string           `json:"host"`
	NodeID     string           `json:"node_id"`
	TrustLevel types.TrustLevel `json:"trust_level"`
}

// PeerStore is the persistence the registry needs.
type PeerStore interface {
	GetPeer(host string) (*types.Peer, error)
	GetPeerByNodeID(nodeID string) (*types.Peer, error)
	ListPeers() ([]*types.Peer, error)
	UpsertPeer(host string, fn func(existing *types.Peer) (*types.Peer, error)) (*types.Peer, error)
	DeletePeer(host string) error
}

type RegistryConfig struct {
	Mode types.FederationMode
	// AcceptKeyRotation keeps a trusted peer trusted when it re-handshakes
	// with a different key. Otherwise it drops back to pending.
	AcceptKeyRotation bool
	Clock             clock.Clock
	Metrics           *FederationMetrics
}

// WelcomeFunc is called once per host per process when a peer first
// becomes trusted.
type WelcomeFunc func(peer types.Peer)

// Registry is the trust registry. The welcome dedup set lives for the
// lifetime of the instance; a restart may welcome a peer again.
type Registry struct {
	store             PeerStore
	mode              types.FederationMode
	acceptKeyRotation bool
	clock             clock.Clock
	metrics           *FederationMetrics
	logger            *zap.Logger

	mu        sync.Mutex
	welcomed  map[string]bool
	onWelcome WelcomeFunc
}

func NewRegistry(store PeerStore, cfg RegistryConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewFederationMetrics(nil)
	}
	if cfg.Mode == "" {
		cfg.Mode = types.ModeAllowlist
	}
	return &Registry{
		store:             store,
		mode:              cfg.Mode,
		acceptKeyRotation: cfg.AcceptKeyRotation,
		clock:             cfg.Clock,
		metrics:           cfg.Metrics,
		logger:            logger,
		welcomed:          make(map[string]bool),
	}
}

func (r *Registry) Mode() types.FederationMode { return r.mode }

// OnWelcome installs the welcome delivery hook.
func (r *Registry) OnWelcome(fn WelcomeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onWelcome = fn
}

// Verify registers or refreshes the peer described by hs and returns its
// trust level. Unknown hosts start pending, or trusted in open mode.
func (r *Registry) Verify(hs Handshake) (types.TrustLevel, error) {
	host := strings.ToLower(strings.TrimSpace(hs.Host))
	if err := validateHandshake(host, hs); err != nil {
		return "", err
	}

	if other, err := r.store.GetPeerByNodeID(hs.NodeID); err == nil && other.Host != host {
		return "", fmt.Errorf("%w: node %s is registered to %s", ErrInvalidHandshake, hs.NodeID, other.Host)
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	now := r.clock.Now().UTC()
	var created, rotated bool
	var previous types.TrustLevel

	peer, err := r.store.UpsertPeer(host, func(existing *types.Peer) (*types.Peer, error) {
		created, rotated, previous = false, false, ""

		if existing == nil {
			created = true
			level := types.TrustPending
			if r.mode == types.ModeOpen {
				level = types.TrustTrusted
			}
			p := &types.Peer{
				NodeID:          hs.NodeID,
				PublicKey:       hs.PublicKey,
				DisplayName:     hs.DisplayName,
				TrustLevel:      level,
				ProtocolVersion: hs.ProtocolVersion,
				FirstSeenAt:     now,
				LastSeenAt:      now,
			}
			setInbox(p, hs.Inbox)
			return p, nil
		}

		next := *existing
		next.Metadata = maps.Clone(existing.Metadata)
		previous = existing.TrustLevel
		if existing.PublicKey != hs.PublicKey {
			rotated = true
			if existing.TrustLevel == types.TrustTrusted && !r.acceptKeyRotation {
				next.TrustLevel = types.TrustPending
				setMetadata(&next, metadataKeyRotated, "true")
			}
		}
		next.NodeID = hs.NodeID
		next.PublicKey = hs.PublicKey
		next.LastSeenAt = now
		if hs.DisplayName != "" {
			next.DisplayName = hs.DisplayName
		}
		if hs.ProtocolVersion != "" {
			next.ProtocolVersion = hs.ProtocolVersion
		}
		setInbox(&next, hs.Inbox)
		return &next, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to record peer %s: %w", host, err)
	}

	r.metrics.Handshakes.Inc()
	if rotated {
		r.metrics.KeyRotations.Inc()
		r.logger.Warn("Peer presented a new key",
			zap.String("host", host),
			zap.String("node_id", peer.NodeID),
			zap.String("previous_trust", string(previous)),
			zap.String("trust_level", string(peer.TrustLevel)))
	}
	if created {
		r.logger.Info("Registered new peer",
			zap.String("host", host),
			zap.String("node_id", peer.NodeID),
			zap.String("trust_level", string(peer.TrustLevel)))
		if peer.TrustLevel == types.TrustTrusted {
			r.welcome(*peer)
		}
	}
	return peer.TrustLevel, nil
}

// SetTrustLevel is the admin transition. Promoting a peer that was not
// trusted triggers the welcome delivery.
func (r *Registry) SetTrustLevel(host string, level types.TrustLevel) (*types.Peer, error) {
	if _, err := types.ParseTrustLevel(string(level)); err != nil {
		return nil, err
	}
	host = strings.ToLower(host)

	var previous types.TrustLevel
	peer, err := r.store.UpsertPeer(host, func(existing *types.Peer) (*types.Peer, error) {
		if existing == nil {
			return nil, ErrUnknownServer
		}
		previous = existing.TrustLevel
		next := *existing
		next.TrustLevel = level
		next.Metadata = maps.Clone(existing.Metadata)
		delete(next.Metadata, metadataKeyRotated)
		return &next, nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Peer trust level changed",
		zap.String("host", host),
		zap.String("from", string(previous)),
		zap.String("to", string(level)))

	if level == types.TrustTrusted && previous != types.TrustTrusted {
		r.welcome(*peer)
	}
	return peer, nil
}

func (r *Registry) Delete(host string) error {
	err := r.store.DeletePeer(strings.ToLower(host))
	if errors.Is(err, storage.ErrNotFound) {
		return ErrUnknownServer
	}
	return err
}

func (r *Registry) List() ([]*types.Peer, error) {
	return r.store.ListPeers()
}

func (r *Registry) Get(host string) (*types.Peer, error) {
	p, err := r.store.GetPeer(strings.ToLower(host))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownServer
	}
	return p, err
}

// GetByNodeID finds the peer that owns a signing key ID.
func (r *Registry) GetByNodeID(nodeID string) (*types.Peer, error) {
	p, err := r.store.GetPeerByNodeID(nodeID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownServer
	}
	return p, err
}

// Authorize decides whether inbound traffic from peer is accepted. Open
// mode accepts pending peers, except one demoted by a key rotation, which
// waits for an admin in every mode.
func (r *Registry) Authorize(peer *types.Peer) error {
	switch peer.TrustLevel {
	case types.TrustBlocked:
		return ErrServerBlocked
	case types.TrustTrusted:
		return nil
	}
	if r.mode == types.ModeOpen && !KeyRotated(peer) {
		return nil
	}
	return ErrServerNotTrusted
}

// KeyRotated reports whether peer lost its trust by presenting a new key
// and no admin has set its trust level since.
func KeyRotated(peer *types.Peer) bool {
	return peer.Metadata[metadataKeyRotated] == "true"
}

// CheckOutbound is the route-time check before a delivery attempt.
// Pending peers may receive; blocked and unknown peers may not.
func (r *Registry) CheckOutbound(host string) (*types.Peer, error) {
	p, err := r.Get(host)
	if err != nil {
		return nil, err
	}
	if p.TrustLevel == types.TrustBlocked {
		return nil, ErrServerBlocked
	}
	return p, nil
}

func (r *Registry) welcome(peer types.Peer) {
	r.mu.Lock()
	if r.welcomed[peer.Host] {
		r.mu.Unlock()
		return
	}
	r.welcomed[peer.Host] = true
	fn := r.onWelcome
	r.mu.Unlock()

	r.metrics.WelcomeDeliveries.Inc()
	r.logger.Info("Sending welcome delivery", zap.String("host", peer.Host))
	if fn != nil {
		fn(peer)
	}
}

func validateHandshake(host string, hs Handshake) error {
	if host == "" || strings.ContainsAny(host, "/@ ") {
		return fmt.Errorf("%w: host %q", ErrInvalidHandshake, hs.Host)
	}
	pub, err := identity.DecodePublicKey(hs.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	if hs.NodeID != identity.DeriveNodeID(pub) {
		return fmt.Errorf("%w: node_id does not match public_key", ErrInvalidHandshake)
	}
	return nil
}

const (
	metadataInbox      = "inbox"
	metadataKeyRotated = "key_rotated"
)

func setInbox(p *types.Peer, inbox string) {
	if inbox == "" {
		return
	}
	setMetadata(p, metadataInbox, inbox)
}

func setMetadata(p *types.Peer, key, value string) {
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}
	p.Metadata[key] = value
}
