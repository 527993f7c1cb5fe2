package types

import (
	"fmt"
	"time"
)

type TrustLevel string

const (
	TrustPending TrustLevel = "pending"
	TrustTrusted TrustLevel = "trusted"
	TrustBlocked TrustLevel = "blocked"
)

// ParseTrustLevel accepts only the three levels an admin may assign.
func ParseTrustLevel(s string) (TrustLevel, error) {
	switch TrustLevel(s) {
	case TrustPending, TrustTrusted, TrustBlocked:
		return TrustLevel(s), nil
	}
	return "", fmt.Errorf("invalid trust level %q (expected pending, trusted or blocked)", s)
}

type FederationMode string

const (
	ModeAllowlist FederationMode = "allowlist"
	ModeOpen      FederationMode = "open"
)

// Peer is one row of the trust registry, keyed by Host.
type Peer struct {
	Host            string            `json:"host"`
	NodeID          string            `json:"node_id"`
	PublicKey       string            `json:"public_key"` // base64 Ed25519
	DisplayName     string            `json:"display_name,omitempty"`
	TrustLevel      TrustLevel        `json:"trust_level"`
	ProtocolVersion string            `json:"protocol_version,omitempty"`
	FirstSeenAt     time.Time         `json:"first_seen_at"`
	LastSeenAt      time.Time         `json:"last_seen_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxFailed    OutboxStatus = "failed"
	OutboxDelivered OutboxStatus = "delivered"
	OutboxExpired   OutboxStatus = "expired"
)

// Terminal reports whether no further attempts may be made.
func (s OutboxStatus) Terminal() bool {
	return s == OutboxDelivered || s == OutboxExpired
}

// OutboxEntry is one (message, destination host) delivery.
type OutboxEntry struct {
	ID              string       `json:"id"`
	MessageID       string       `json:"message_id"`
	TargetHost      string       `json:"target_host"`
	TargetAddresses []string     `json:"target_addresses"`
	Bundle          []byte       `json:"bundle"` // encoded bundle, immutable once built
	BundleHash      string       `json:"bundle_hash"`
	Introduced      bool         `json:"introduced"` // TargetHost was registered as a peer
	Status          OutboxStatus `json:"status"`
	Attempts        int          `json:"attempts"`
	CreatedAt       time.Time    `json:"created_at"`
	LastAttemptAt   *time.Time   `json:"last_attempt_at,omitempty"`
	NextRetryAt     *time.Time   `json:"next_retry_at,omitempty"`
	DeliveredAt     *time.Time   `json:"delivered_at,omitempty"`
	Error           string       `json:"error,omitempty"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// FederatedMessageRecord is provenance for a message that crossed the
// federation boundary. Inbound BundleHash values are unique.
type FederatedMessageRecord struct {
	ID              string    `json:"id"`
	LocalMessageID  string    `json:"local_message_id"`
	RemoteMessageID string    `json:"remote_message_id,omitempty"`
	RemoteHost      string    `json:"remote_host"`
	Direction       Direction `json:"direction"`
	BundleHash      string    `json:"bundle_hash"`
	FederatedAt     time.Time `json:"federated_at"`
}

// LocalUser is the minimal local identity recipients resolve to.
type LocalUser struct {
	ID          string    `json:"id"`
	Handle      string    `json:"handle"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type ContextItem struct {
	Layer      string            `json:"layer"`
	Content    string            `json:"content"`
	Source     string            `json:"source,omitempty"`
	Confidence *int              `json:"confidence,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Message is a locally persisted Tez.
type Message struct {
	ID          string        `json:"id"`
	From        string        `json:"from"`
	To          []string      `json:"to"`
	Type        string        `json:"type"`
	SurfaceText string        `json:"surface_text"`
	Urgency     string        `json:"urgency,omitempty"`
	Context     []ContextItem `json:"context,omitempty"`
	RemoteHost  string        `json:"remote_host,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Delivery marks a message as delivered to one local user.
type Delivery struct {
	MessageID   string    `json:"message_id"`
	UserID      string    `json:"user_id"`
	DeliveredAt time.Time `json:"delivered_at"`
	Read        bool      `json:"read"`
}
