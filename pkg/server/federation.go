package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"tezfed/pkg/bundle"
	"tezfed/pkg/federation"
	"tezfed/pkg/httpsig"
	"tezfed/pkg/identity"
	"tezfed/pkg/inbound"
)

// Document is this node's discovery document.
func (s *Server) Document() federation.Document {
	return federation.Document{
		Host:            s.self.Host(),
		NodeID:          s.self.NodeID(),
		ServerID:        s.self.NodeID(),
		PublicKey:       s.self.PublicKeyBase64(),
		ProtocolVersion: bundle.ProtocolVersion,
		DisplayName:     s.cfg.DisplayName,
		Federation: federation.DocumentFederation{
			Enabled: s.cfg.Federation.Enabled,
			Mode:    s.cfg.Federation.Mode,
			Inbox:   s.cfg.Federation.InboxPath,
			Verify:  federation.DefaultVerifyPath,
		},
	}
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, s.Document())
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			rej := inbound.NewRejection(inbound.CodePayloadTooLarge, fmt.Errorf("body exceeds %d bytes", s.maxBody))
			s.pipeline.Record(rej)
			s.writeRejection(w, r, rej)
			return
		}
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "failed to read request body")
		return
	}

	res, err := s.pipeline.Accept(r.Context(), r, body)
	if err != nil {
		var rej *inbound.Rejection
		if !errors.As(err, &rej) {
			rej = inbound.NewRejection(inbound.CodeInternal, err)
		}
		s.writeRejection(w, r, rej)
		return
	}
	writeJSON(w, res.Status(), res)
}

func (s *Server) writeRejection(w http.ResponseWriter, r *http.Request, rej *inbound.Rejection) {
	fields := []zap.Field{
		zap.String("code", string(rej.Code)),
		zap.String("remote", r.RemoteAddr),
		zap.Error(rej),
	}
	switch {
	case rej.Status >= 500:
		s.logger.Error("Inbound delivery failed", fields...)
	case rej.Code == inbound.CodeDuplicateBundle:
		s.logger.Debug("Inbound delivery rejected", fields...)
	default:
		s.logger.Info("Inbound delivery rejected", fields...)
	}
	writeError(w, rej.Status, string(rej.Code), rej.Message())
}

// handleHandshake registers or refreshes the calling peer. The request must
// be signed by the key it presents, and the claimed host must publish the
// same node ID in its discovery document.
func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Federation.Enabled {
		writeError(w, http.StatusForbidden, string(inbound.CodeFederationDisabled), "federation is disabled on this node")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxHandshakeBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, string(inbound.CodePayloadTooLarge), "handshake too large")
		return
	}
	var hs federation.Handshake
	if err := json.Unmarshal(body, &hs); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_HANDSHAKE", "handshake must be a JSON object")
		return
	}

	if !httpsig.HasRequiredHeaders(r.Header) {
		writeError(w, http.StatusUnauthorized, string(inbound.CodeMissingSignature), "signature headers are required")
		return
	}
	keyID, err := httpsig.KeyID(r.Header)
	if err != nil || keyID != hs.NodeID {
		writeError(w, http.StatusUnauthorized, string(inbound.CodeInvalidSignature), "keyid must be the presented node_id")
		return
	}
	pub, err := identity.DecodePublicKey(hs.PublicKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_HANDSHAKE", err.Error())
		return
	}
	if !s.codec.Verify(r, body, pub) {
		writeError(w, http.StatusUnauthorized, string(inbound.CodeInvalidSignature), "signature verification failed")
		return
	}

	if err := s.confirmHost(r, hs); err != nil {
		s.logger.Warn("Handshake host not confirmed",
			zap.String("host", hs.Host),
			zap.String("node_id", hs.NodeID),
			zap.Error(err))
		writeError(w, http.StatusForbidden, "HOST_NOT_CONFIRMED", err.Error())
		return
	}

	level, err := s.registry.Verify(hs)
	if errors.Is(err, federation.ErrInvalidHandshake) {
		writeError(w, http.StatusBadRequest, "INVALID_HANDSHAKE", err.Error())
		return
	}
	if err != nil {
		s.logger.Error("Handshake failed", zap.String("host", hs.Host), zap.Error(err))
		writeError(w, http.StatusInternalServerError, string(inbound.CodeInternal), http.StatusText(http.StatusInternalServerError))
		return
	}

	writeJSON(w, http.StatusOK, federation.HandshakeResponse{
		Host:       s.self.Host(),
		NodeID:     s.self.NodeID(),
		TrustLevel: level,
	})
}

// confirmHost checks hs against the discovery document of the host it
// claims. A stale cache entry gets one fresh fetch.
func (s *Server) confirmHost(r *http.Request, hs federation.Handshake) error {
	host := federation.HostOf("x@" + hs.Host)
	if host == "" {
		return fmt.Errorf("%w: host %q", federation.ErrInvalidHandshake, hs.Host)
	}
	if host == s.self.Host() {
		return fmt.Errorf("%w: handshake claims this node's own host", federation.ErrInvalidHandshake)
	}

	target, err := s.discover.Discover(r.Context(), host)
	if err == nil && target.Source == federation.SourceCache && target.NodeID != hs.NodeID {
		s.discover.Invalidate(host)
		target, err = s.discover.Discover(r.Context(), host)
	}
	if err != nil {
		return fmt.Errorf("discovery of %s failed: %w", host, err)
	}
	if target.Source == federation.SourceRegistry {
		return fmt.Errorf("%s is unreachable", host)
	}
	if target.NodeID != hs.NodeID {
		return fmt.Errorf("%s publishes a different node_id", host)
	}
	return nil
}
