package bundle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tezfed/pkg/types"
)

// Validate decodes raw and checks, in order: envelope fields present and
// typed, recipients non-empty, payload subfields, context list, bundle_hash
// present, and finally that bundle_hash matches the received payload and
// context. It has no side effects.
func Validate(raw []byte) (*Bundle, error) {
	fields, err := object(raw, "bundle")
	if err != nil {
		return nil, err
	}

	b := &Bundle{}
	envelope := []struct {
		name string
		dst  any
	}{
		{"protocol_version", &b.ProtocolVersion},
		{"sender_host", &b.SenderHost},
		{"sender_node_id", &b.SenderNodeID},
		{"from", &b.From},
		{"to", &b.To},
		{"signed_at", &b.SignedAt},
	}
	for _, f := range envelope {
		if err := field(fields, f.name, f.dst); err != nil {
			return nil, err
		}
	}
	for _, f := range []struct {
		name, value string
	}{
		{"protocol_version", b.ProtocolVersion},
		{"sender_host", b.SenderHost},
		{"sender_node_id", b.SenderNodeID},
		{"from", b.From},
	} {
		if strings.TrimSpace(f.value) == "" {
			return nil, &ValidationError{Kind: KindInvalidValue, Field: f.name, Reason: "must not be empty"}
		}
	}

	if len(b.To) == 0 {
		return nil, &ValidationError{Kind: KindInvalidValue, Field: "to", Reason: "must list at least one recipient"}
	}
	for i, addr := range b.To {
		if strings.TrimSpace(addr) == "" {
			return nil, &ValidationError{Kind: KindInvalidValue, Field: fmt.Sprintf("to[%d]", i), Reason: "must not be empty"}
		}
	}

	payloadRaw, ok := fields["payload"]
	if !ok || isNull(payloadRaw) {
		return nil, &ValidationError{Kind: KindMissingField, Field: "payload", Reason: "is required"}
	}
	if b.Payload, err = decodePayload(payloadRaw); err != nil {
		return nil, err
	}

	contextRaw, ok := fields["context"]
	if !ok || isNull(contextRaw) {
		return nil, &ValidationError{Kind: KindMissingField, Field: "context", Reason: "is required"}
	}
	if b.Context, err = decodeContext(contextRaw); err != nil {
		return nil, err
	}

	if err := field(fields, "bundle_hash", &b.BundleHash); err != nil {
		return nil, err
	}
	if b.BundleHash == "" {
		return nil, &ValidationError{Kind: KindMissingField, Field: "bundle_hash", Reason: "is required"}
	}

	computed, err := Hash(payloadRaw, contextRaw)
	if err != nil {
		return nil, &ValidationError{Kind: KindInvalidType, Field: "payload", Reason: err.Error()}
	}
	if computed != b.BundleHash {
		return nil, &ValidationError{
			Kind:   KindIntegrity,
			Field:  "bundle_hash",
			Reason: "does not match payload and context; bundle was modified in transit",
		}
	}
	return b, nil
}

func decodePayload(raw json.RawMessage) (Payload, error) {
	var p Payload
	fields, err := object(raw, "payload")
	if err != nil {
		return p, err
	}
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"message_id", &p.MessageID},
		{"surface_text", &p.SurfaceText},
	} {
		if err := field(fields, "payload."+f.name, f.dst, f.name); err != nil {
			return p, err
		}
		if *f.dst == "" {
			return p, &ValidationError{Kind: KindInvalidValue, Field: "payload." + f.name, Reason: "must not be empty"}
		}
	}
	for _, f := range []struct {
		name string
		dst  any
	}{
		{"type", &p.Type},
		{"urgency", &p.Urgency},
		{"created_at", &p.CreatedAt},
	} {
		if _, ok := fields[f.name]; !ok {
			continue
		}
		if err := field(fields, "payload."+f.name, f.dst, f.name); err != nil {
			return p, err
		}
	}
	if p.Type == "" {
		p.Type = "note"
	}
	return p, nil
}

func decodeContext(raw json.RawMessage) ([]types.ContextItem, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &ValidationError{Kind: KindInvalidType, Field: "context", Reason: "must be a list"}
	}

	out := make([]types.ContextItem, 0, len(items))
	for i, itemRaw := range items {
		name := fmt.Sprintf("context[%d]", i)
		fields, err := object(itemRaw, name)
		if err != nil {
			return nil, err
		}
		var item types.ContextItem
		if err := field(fields, name+".layer", &item.Layer, "layer"); err != nil {
			return nil, err
		}
		if err := field(fields, name+".content", &item.Content, "content"); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(itemRaw, &item); err != nil {
			return nil, typeError(name, err)
		}
		out = append(out, item)
	}
	return out, nil
}

// object decodes raw into its top-level members.
func object(raw []byte, name string) (map[string]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, &ValidationError{Kind: KindInvalidType, Field: name, Reason: "must be a JSON object"}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &ValidationError{Kind: KindInvalidType, Field: name, Reason: "is not valid JSON"}
	}
	return fields, nil
}

// field decodes one required member. key defaults to name.
func field(fields map[string]json.RawMessage, name string, dst any, key ...string) error {
	k := name
	if len(key) > 0 {
		k = key[0]
	}
	raw, ok := fields[k]
	if !ok || isNull(raw) {
		return &ValidationError{Kind: KindMissingField, Field: name, Reason: "is required"}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return typeError(name, err)
	}
	return nil
}

func typeError(name string, err error) error {
	var ute *json.UnmarshalTypeError
	var perr *time.ParseError
	switch {
	case errors.As(err, &ute):
		return &ValidationError{Kind: KindInvalidType, Field: name, Reason: fmt.Sprintf("expected %s, got %s", ute.Type, ute.Value)}
	case errors.As(err, &perr):
		return &ValidationError{Kind: KindInvalidType, Field: name, Reason: "expected RFC 3339 timestamp"}
	}
	return &ValidationError{Kind: KindInvalidType, Field: name, Reason: err.Error()}
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
