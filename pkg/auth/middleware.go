package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"tezfed/pkg/types"
)

// Middleware guards HTTP handlers with a bearer token.
type Middleware struct {
	tokens TokenManager
	logger *zap.Logger
}

func NewMiddleware(tokens TokenManager, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{tokens: tokens, logger: logger}
}

// Require rejects requests without a valid token and stores the caller's
// identity in the request context.
func (m *Middleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.tokens.Enabled() {
			writeError(w, http.StatusForbidden, "ADMIN_DISABLED", ErrAdminDisabled.Error())
			return
		}

		token, err := bearerToken(r.Header.Get("Authorization"))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tezfed"`)
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
			return
		}

		identity, err := m.tokens.ValidateToken(token)
		if err != nil {
			m.logger.Warn("Rejected admin request",
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr),
				zap.Error(err))
			status := http.StatusUnauthorized
			if errors.Is(err, ErrAdminDisabled) {
				status = http.StatusForbidden
			}
			writeError(w, status, "UNAUTHORIZED", "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), IdentityContextKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("no authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return strings.TrimSpace(token), nil
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(types.ErrorBody{Error: types.ErrorDetail{Code: code, Message: message}})
}
