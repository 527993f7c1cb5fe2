package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"tezfed/pkg/auth"
	"tezfed/pkg/bundle"
	"tezfed/pkg/federation"
	"tezfed/pkg/storage"
	"tezfed/pkg/types"
)

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.IdentityInfo{
		Host:              s.self.Host(),
		NodeID:            s.self.NodeID(),
		PublicKey:         s.self.PublicKeyBase64(),
		DisplayName:       s.cfg.DisplayName,
		ProtocolVersion:   bundle.ProtocolVersion,
		FederationEnabled: s.cfg.Federation.Enabled,
		Mode:              s.registry.Mode(),
	})
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.registry.List()
	if err != nil {
		s.internalError(w, r, "list peers", err)
		return
	}
	if peers == nil {
		peers = []*types.Peer{}
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handleSetTrust(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)["host"]
	var req types.TrustUpdate
	if !decodeBody(w, r, &req) {
		return
	}
	level, err := types.ParseTrustLevel(string(req.TrustLevel))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_TRUST_LEVEL", err.Error())
		return
	}

	peer, err := s.registry.SetTrustLevel(host, level)
	if errors.Is(err, federation.ErrUnknownServer) {
		writeError(w, http.StatusNotFound, "UNKNOWN_SERVER", "no peer "+host)
		return
	}
	if err != nil {
		s.internalError(w, r, "set trust level", err)
		return
	}
	s.logger.Info("Trust level set by admin",
		zap.String("host", peer.Host),
		zap.String("trust_level", string(peer.TrustLevel)),
		caller(r))
	writeJSON(w, http.StatusOK, peer)
}

func (s *Server) handleDeletePeer(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)["host"]
	err := s.registry.Delete(host)
	if errors.Is(err, federation.ErrUnknownServer) {
		writeError(w, http.StatusNotFound, "UNKNOWN_SERVER", "no peer "+host)
		return
	}
	if err != nil {
		s.internalError(w, r, "delete peer", err)
		return
	}
	s.discover.Invalidate(host)
	s.logger.Info("Peer deleted", zap.String("host", host), caller(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListOutbox(w http.ResponseWriter, r *http.Request) {
	var statuses []types.OutboxStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := types.OutboxStatus(strings.TrimSpace(part))
			switch st {
			case types.OutboxPending, types.OutboxFailed, types.OutboxDelivered, types.OutboxExpired:
				statuses = append(statuses, st)
			default:
				writeError(w, http.StatusBadRequest, "INVALID_STATUS", "unknown outbox status "+string(st))
				return
			}
		}
	}

	entries, err := s.store.ListOutbox(statuses...)
	if err != nil {
		s.internalError(w, r, "list outbox", err)
		return
	}
	if entries == nil {
		entries = []*types.OutboxEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Sweep(r.Context())
	resp := types.SweepResponse{Attempted: n}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers()
	if err != nil {
		s.internalError(w, r, "list users", err)
		return
	}
	if users == nil {
		users = []*types.LocalUser{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleAddUser(w http.ResponseWriter, r *http.Request) {
	var req types.AddUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	handle := strings.TrimSpace(req.Handle)
	if handle == "" || strings.ContainsAny(handle, "@/ ") {
		writeError(w, http.StatusBadRequest, "INVALID_HANDLE", "handle must be non-empty and contain no @, / or spaces")
		return
	}

	user, err := s.store.EnsureUser(types.LocalUser{
		ID:          uuid.NewString(),
		Handle:      handle,
		DisplayName: req.DisplayName,
		CreatedAt:   s.clock.Now().UTC(),
	})
	if err != nil {
		s.internalError(w, r, "add user", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleSend stores a message from a local user, delivers it to local
// recipients and routes the rest through the outbox. The message is
// committed before routing, so a routing failure is reported as 207 with
// route_error rather than failing the whole request.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req types.SendRequest
	if !decodeBody(w, r, &req) {
		return
	}

	from, err := federation.ParseAddress(req.From)
	if err != nil || !from.IsLocal(s.self.Host()) {
		writeError(w, http.StatusBadRequest, "INVALID_SENDER", "from must be an address on "+s.self.Host())
		return
	}
	if _, err := s.store.LookupUser(from.Local); errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "UNKNOWN_SENDER", "no local user "+from.Local)
		return
	} else if err != nil {
		s.internalError(w, r, "sender lookup", err)
		return
	}
	if strings.TrimSpace(req.SurfaceText) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_MESSAGE", "surface_text is required")
		return
	}
	if len(req.To) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_RECIPIENT", "at least one recipient is required")
		return
	}
	local, remote, invalid := federation.SplitLocal(req.To, s.self.Host())
	if len(invalid) > 0 {
		writeError(w, http.StatusBadRequest, "INVALID_RECIPIENT", "invalid address "+invalid[0])
		return
	}

	now := s.clock.Now().UTC()
	msg := types.Message{
		ID:          uuid.NewString(),
		From:        from.String(),
		To:          req.To,
		Type:        req.Type,
		SurfaceText: req.SurfaceText,
		Urgency:     req.Urgency,
		Context:     req.Context,
		CreatedAt:   now,
	}
	if msg.Type == "" {
		msg.Type = "note"
	}

	resp := types.SendResponse{MessageID: msg.ID}
	var deliveries []*types.Delivery
	seen := map[string]bool{}
	for _, addr := range local {
		u, err := s.store.LookupUser(addr.Local)
		if errors.Is(err, storage.ErrNotFound) {
			resp.Unresolved = append(resp.Unresolved, addr.String())
			continue
		}
		if err != nil {
			s.internalError(w, r, "recipient lookup", err)
			return
		}
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		deliveries = append(deliveries, &types.Delivery{MessageID: msg.ID, UserID: u.ID, DeliveredAt: now})
		resp.Delivered = append(resp.Delivered, addr.String())
	}
	if err := s.store.SaveMessageWithDeliveries(&msg, deliveries); err != nil {
		s.internalError(w, r, "save message", err)
		return
	}

	status := http.StatusOK
	if len(remote) > 0 {
		addrs := make([]string, len(remote))
		for i, a := range remote {
			addrs[i] = a.String()
		}
		groups, err := federation.GroupByHost(addrs)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_RECIPIENT", err.Error())
			return
		}
		entries, err := s.router.Route(r.Context(), msg, msg.From, groups)
		if err != nil {
			s.logger.Error("Message stored but not routed",
				zap.String("message_id", msg.ID),
				zap.Int("remote_hosts", len(groups)),
				zap.Error(err),
				caller(r))
			resp.RouteError = err.Error()
			status = http.StatusMultiStatus
		} else {
			resp.Outbox = entries
			status = http.StatusAccepted
		}
	}

	s.logger.Info("Message submitted",
		zap.String("message_id", msg.ID),
		zap.String("from", msg.From),
		zap.Int("local", len(resp.Delivered)),
		zap.Int("remote_hosts", len(resp.Outbox)))
	writeJSON(w, status, resp)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error("Admin request failed", zap.String("op", op), zap.Error(err), caller(r))
	writeError(w, http.StatusInternalServerError, "INTERNAL", http.StatusText(http.StatusInternalServerError))
}

// caller is the token fingerprint of the admin behind r.
func caller(r *http.Request) zap.Field {
	if id, ok := auth.GetIdentityFromContext(r.Context()); ok {
		return zap.String("token_id", id.TokenID)
	}
	return zap.Skip()
}
