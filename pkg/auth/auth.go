package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrAdminDisabled = errors.New("admin API is disabled: no admin token configured")
)

// ComponentType identifies the kind of authenticated caller.
type ComponentType string

const (
	ComponentAdmin ComponentType = "admin"
)

// Identity represents an authenticated caller of the admin surface.
type Identity struct {
	Type ComponentType
	// TokenID is a short fingerprint of the presented token, safe to log.
	TokenID string
}

// TokenManager validates bearer tokens.
type TokenManager interface {
	// ValidateToken validates and extracts identity from a token
	ValidateToken(token string) (*Identity, error)

	// Enabled reports whether any token can ever validate.
	Enabled() bool
}

// StaticToken accepts exactly one configured token.
type StaticToken struct {
	digest [sha256.Size]byte
	set    bool
}

func NewStaticToken(token string) *StaticToken {
	if token == "" {
		return &StaticToken{}
	}
	return &StaticToken{digest: sha256.Sum256([]byte(token)), set: true}
}

func (s *StaticToken) Enabled() bool { return s.set }

// ValidateToken compares digests in constant time.
func (s *StaticToken) ValidateToken(token string) (*Identity, error) {
	if !s.set {
		return nil, ErrAdminDisabled
	}
	got := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(got[:], s.digest[:]) != 1 {
		return nil, ErrUnauthorized
	}
	return &Identity{Type: ComponentAdmin, TokenID: hex.EncodeToString(got[:4])}, nil
}

type contextKey string

const IdentityContextKey contextKey = "identity"

// GetIdentityFromContext retrieves the identity from context
func GetIdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey).(*Identity)
	return identity, ok
}
