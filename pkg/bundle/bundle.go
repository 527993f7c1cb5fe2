// Package bundle builds and validates the federation wire envelope.
//
// A bundle carries one message and its context layers to one destination
// host. Its bundle_hash is SHA-256 over the canonical JSON of
// {"context": ..., "payload": ...}: object keys sorted, no insignificant
// whitespace, numbers kept verbatim. Validation decodes strictly and fails
// closed; callers only ever see a fully populated Bundle or an error.
package bundle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tezfed/pkg/types"
)

const ProtocolVersion = "1.0"

var (
	// ErrInvalid is matched by every structural validation failure.
	ErrInvalid = errors.New("invalid bundle")
	// ErrTampered is matched when the recomputed hash differs.
	ErrTampered = errors.New("bundle hash mismatch")
)

type Kind string

const (
	KindMissingField Kind = "missing_field"
	KindInvalidType  Kind = "invalid_type"
	KindInvalidValue Kind = "invalid_value"
	KindIntegrity    Kind = "integrity"
)

type ValidationError struct {
	Kind   Kind
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	if e.Kind == KindIntegrity {
		return ErrTampered
	}
	return ErrInvalid
}

// Payload is the surface of the message.
type Payload struct {
	MessageID   string    `json:"message_id"`
	Type        string    `json:"type"`
	SurfaceText string    `json:"surface_text"`
	Urgency     string    `json:"urgency,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Bundle struct {
	ProtocolVersion string              `json:"protocol_version"`
	SenderHost      string              `json:"sender_host"`
	SenderNodeID    string              `json:"sender_node_id"`
	From            string              `json:"from"`
	To              []string            `json:"to"`
	Payload         Payload             `json:"payload"`
	Context         []types.ContextItem `json:"context"`
	BundleHash      string              `json:"bundle_hash"`
	SignedAt        time.Time           `json:"signed_at"`
}

// Origin is the part of the node identity a bundle records.
type Origin interface {
	Host() string
	NodeID() string
}

// Build produces a hashed bundle for msg addressed to the given recipients,
// stamped with signedAt.
func Build(msg types.Message, context []types.ContextItem, from string, to []string, origin Origin, signedAt time.Time) (*Bundle, error) {
	if len(to) == 0 {
		return nil, &ValidationError{Kind: KindInvalidValue, Field: "to", Reason: "no recipients"}
	}
	if context == nil {
		context = []types.ContextItem{}
	}
	msgType := msg.Type
	if msgType == "" {
		msgType = "note"
	}

	b := &Bundle{
		ProtocolVersion: ProtocolVersion,
		SenderHost:      origin.Host(),
		SenderNodeID:    origin.NodeID(),
		From:            from,
		To:              append([]string(nil), to...),
		Payload: Payload{
			MessageID:   msg.ID,
			Type:        msgType,
			SurfaceText: msg.SurfaceText,
			Urgency:     msg.Urgency,
			CreatedAt:   msg.CreatedAt.UTC(),
		},
		Context:  context,
		SignedAt: signedAt.UTC(),
	}

	payloadJSON, err := json.Marshal(b.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	contextJSON, err := json.Marshal(b.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to encode context: %w", err)
	}
	b.BundleHash, err = Hash(payloadJSON, contextJSON)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Encode returns the wire form of b.
func Encode(b *Bundle) ([]byte, error) {
	return json.Marshal(b)
}

// Hash computes the bundle hash over raw payload and context JSON.
func Hash(payload, context json.RawMessage) (string, error) {
	var p, c any
	if err := decodeNumbers(payload, &p); err != nil {
		return "", fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := decodeNumbers(context, &c); err != nil {
		return "", fmt.Errorf("context is not valid JSON: %w", err)
	}

	canonical, err := canonicalJSON(map[string]any{"payload": p, "context": c})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON relies on encoding/json sorting map keys.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to canonicalize: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func decodeNumbers(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data")
	}
	return nil
}
