// Package inbound accepts bundles delivered by peer relays.
//
// Checks run in a fixed order and stop at the first failure: federation
// enabled, signature headers present, signer known and authorized, signature
// valid, nonce fresh, bundle well formed with a matching hash, sender bound
// to the signer, bundle not seen before, and at least one local recipient
// resolvable. Nothing is written until every check has passed, and then
// everything is written in one transaction.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tezfed/pkg/bundle"
	"tezfed/pkg/federation"
	"tezfed/pkg/httpsig"
	"tezfed/pkg/identity"
	"tezfed/pkg/storage"
	"tezfed/pkg/types"
)

type Code string

const (
	CodeAccepted             Code = "ACCEPTED"
	CodePartial              Code = "PARTIAL"
	CodeFederationDisabled   Code = "FEDERATION_DISABLED"
	CodeMissingSignature     Code = "MISSING_SIGNATURE"
	CodeInvalidSignature     Code = "INVALID_SIGNATURE"
	CodeReplayedNonce        Code = "REPLAYED_NONCE"
	CodeUnknownServer        Code = "UNKNOWN_SERVER"
	CodeServerBlocked        Code = "SERVER_BLOCKED"
	CodeServerNotTrusted     Code = "SERVER_NOT_TRUSTED"
	CodeSenderMismatch       Code = "SENDER_MISMATCH"
	CodeInvalidBundle        Code = "INVALID_BUNDLE"
	CodeTamperedBundle       Code = "TAMPERED_BUNDLE"
	CodeDuplicateBundle      Code = "DUPLICATE_BUNDLE"
	CodeNoLocalRecipients    Code = "NO_LOCAL_RECIPIENTS"
	CodeNoResolvedRecipients Code = "NO_RESOLVED_RECIPIENTS"
	CodePayloadTooLarge      Code = "PAYLOAD_TOO_LARGE"
	CodeInternal             Code = "INTERNAL"
)

var statusByCode = map[Code]int{
	CodeFederationDisabled:   http.StatusForbidden,
	CodeMissingSignature:     http.StatusUnauthorized,
	CodeInvalidSignature:     http.StatusUnauthorized,
	CodeReplayedNonce:        http.StatusUnauthorized,
	CodeUnknownServer:        http.StatusForbidden,
	CodeServerBlocked:        http.StatusForbidden,
	CodeServerNotTrusted:     http.StatusForbidden,
	CodeSenderMismatch:       http.StatusForbidden,
	CodeInvalidBundle:        http.StatusUnprocessableEntity,
	CodeTamperedBundle:       http.StatusUnprocessableEntity,
	CodeDuplicateBundle:      http.StatusConflict,
	CodeNoLocalRecipients:    http.StatusUnprocessableEntity,
	CodeNoResolvedRecipients: http.StatusUnprocessableEntity,
	CodePayloadTooLarge:      http.StatusRequestEntityTooLarge,
	CodeInternal:             http.StatusInternalServerError,
}

// Rejection is a refused delivery. Err carries detail for logs; only Code
// and the public message reach the peer.
type Rejection struct {
	Code   Code
	Status int
	Err    error
}

func reject(code Code, err error) *Rejection {
	return &Rejection{Code: code, Status: statusByCode[code], Err: err}
}

// NewRejection builds a rejection for checks made outside the pipeline,
// such as the body size limit.
func NewRejection(code Code, err error) *Rejection {
	return reject(code, err)
}

func (r *Rejection) Error() string {
	if r.Err == nil {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %v", r.Code, r.Err)
}

func (r *Rejection) Unwrap() error { return r.Err }

// Message is the text safe to return to the peer.
func (r *Rejection) Message() string {
	if r.Code == CodeInternal || r.Err == nil {
		return http.StatusText(r.Status)
	}
	return r.Err.Error()
}

// Result describes an accepted bundle.
type Result struct {
	MessageID  string   `json:"message_id"`
	BundleHash string   `json:"bundle_hash"`
	Delivered  []string `json:"delivered"`
	Unresolved []string `json:"unresolved,omitempty"`
}

func (r *Result) Partial() bool { return len(r.Unresolved) > 0 }

// Status is 207 when some recipients were not found, else 200.
func (r *Result) Status() int {
	if r.Partial() {
		return http.StatusMultiStatus
	}
	return http.StatusOK
}

type Registry interface {
	GetByNodeID(nodeID string) (*types.Peer, error)
	Authorize(peer *types.Peer) error
}

type Store interface {
	HasInboundHash(hash string) (bool, error)
	LookupUser(handle string) (*types.LocalUser, error)
	AcceptInbound(in storage.InboundDelivery) error
}

type Config struct {
	Enabled   bool
	LocalHost string
	Codec     *httpsig.Codec
	Clock     clock.Clock
	Metrics   *federation.FederationMetrics
	// NonceCacheSize bounds the replay cache. Entries live for twice the
	// signature replay window.
	NonceCacheSize int
}

type Pipeline struct {
	enabled   bool
	localHost string
	registry  Registry
	store     Store
	codec     *httpsig.Codec
	nonces    *nonceCache
	clock     clock.Clock
	metrics   *federation.FederationMetrics
	logger    *zap.Logger
}

func NewPipeline(registry Registry, store Store, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Codec == nil {
		cfg.Codec = httpsig.NewCodec(cfg.Clock)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = federation.NewFederationMetrics(nil)
	}
	return &Pipeline{
		enabled:   cfg.Enabled,
		localHost: cfg.LocalHost,
		registry:  registry,
		store:     store,
		codec:     cfg.Codec,
		nonces:    newNonceCache(cfg.NonceCacheSize, 2*httpsig.ReplayWindow),
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		logger:    logger,
	}
}

// Accept runs the pipeline over one delivery. body is the full request
// body; req supplies the headers and request target. On failure the error
// is always a *Rejection.
func (p *Pipeline) Accept(ctx context.Context, req *http.Request, body []byte) (*Result, error) {
	res, rej := p.accept(ctx, req, body)
	if rej != nil {
		p.metrics.InboundRequests.WithLabelValues(string(rej.Code)).Inc()
		return nil, rej
	}
	code := CodeAccepted
	if res.Partial() {
		code = CodePartial
	}
	p.metrics.InboundRequests.WithLabelValues(string(code)).Inc()
	return res, nil
}

// Record counts a rejection made before the pipeline ran.
func (p *Pipeline) Record(rej *Rejection) {
	p.metrics.InboundRequests.WithLabelValues(string(rej.Code)).Inc()
}

func (p *Pipeline) accept(_ context.Context, req *http.Request, body []byte) (*Result, *Rejection) {
	if !p.enabled {
		return nil, reject(CodeFederationDisabled, errors.New("federation is disabled on this node"))
	}
	if !httpsig.HasRequiredHeaders(req.Header) {
		return nil, reject(CodeMissingSignature, errors.New("signature headers are required"))
	}

	keyID, err := httpsig.KeyID(req.Header)
	if err != nil {
		return nil, reject(CodeInvalidSignature, err)
	}

	peer, err := p.registry.GetByNodeID(keyID)
	if errors.Is(err, federation.ErrUnknownServer) {
		return nil, reject(CodeUnknownServer, fmt.Errorf("no peer with node id %s", keyID))
	}
	if err != nil {
		return nil, p.internal("peer lookup", err)
	}
	switch err := p.registry.Authorize(peer); {
	case errors.Is(err, federation.ErrServerBlocked):
		return nil, reject(CodeServerBlocked, fmt.Errorf("%s is blocked", peer.Host))
	case errors.Is(err, federation.ErrServerNotTrusted):
		return nil, reject(CodeServerNotTrusted, fmt.Errorf("%s is not trusted", peer.Host))
	case err != nil:
		return nil, p.internal("authorize", err)
	}

	pub, err := identity.DecodePublicKey(peer.PublicKey)
	if err != nil {
		return nil, p.internal("stored peer key", err)
	}
	if !p.codec.Verify(req, body, pub) {
		return nil, reject(CodeInvalidSignature, errors.New("signature verification failed"))
	}
	if nonce := req.Header.Get(httpsig.HeaderNonce); nonce != "" && p.nonces.seen(keyID, nonce) {
		return nil, reject(CodeReplayedNonce, errors.New("nonce already used"))
	}

	b, err := bundle.Validate(body)
	if errors.Is(err, bundle.ErrTampered) {
		p.metrics.InboundTampered.Inc()
		p.logger.Warn("Rejected tampered bundle",
			zap.String("peer", peer.Host),
			zap.Error(err))
		return nil, reject(CodeTamperedBundle, err)
	}
	if err != nil {
		return nil, reject(CodeInvalidBundle, err)
	}

	if b.SenderNodeID != peer.NodeID || b.SenderHost != peer.Host || federation.HostOf(b.From) != peer.Host {
		return nil, reject(CodeSenderMismatch, fmt.Errorf("bundle sender does not match signer %s", peer.Host))
	}

	dup, err := p.store.HasInboundHash(b.BundleHash)
	if err != nil {
		return nil, p.internal("hash lookup", err)
	}
	if dup {
		return nil, p.duplicate(peer, b)
	}

	local, _, _ := federation.SplitLocal(b.To, p.localHost)
	if len(local) == 0 {
		return nil, reject(CodeNoLocalRecipients, fmt.Errorf("no recipient on %s", p.localHost))
	}

	var (
		users      []*types.LocalUser
		delivered  []string
		unresolved []string
		seen       = map[string]bool{}
	)
	for _, addr := range local {
		u, err := p.store.LookupUser(addr.Local)
		if errors.Is(err, storage.ErrNotFound) {
			unresolved = append(unresolved, addr.String())
			continue
		}
		if err != nil {
			return nil, p.internal("user lookup", err)
		}
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		users = append(users, u)
		delivered = append(delivered, addr.String())
	}
	if len(users) == 0 {
		return nil, reject(CodeNoResolvedRecipients, fmt.Errorf("none of %d local recipients exist", len(local)))
	}

	now := p.clock.Now().UTC()
	msg := &types.Message{
		ID:          uuid.NewString(),
		From:        b.From,
		To:          b.To,
		Type:        b.Payload.Type,
		SurfaceText: b.Payload.SurfaceText,
		Urgency:     b.Payload.Urgency,
		Context:     b.Context,
		RemoteHost:  peer.Host,
		CreatedAt:   b.Payload.CreatedAt,
	}
	deliveries := make([]*types.Delivery, len(users))
	for i, u := range users {
		deliveries[i] = &types.Delivery{MessageID: msg.ID, UserID: u.ID, DeliveredAt: now}
	}
	record := &types.FederatedMessageRecord{
		ID:              uuid.NewString(),
		LocalMessageID:  msg.ID,
		RemoteMessageID: b.Payload.MessageID,
		RemoteHost:      peer.Host,
		Direction:       types.DirectionInbound,
		BundleHash:      b.BundleHash,
		FederatedAt:     now,
	}

	err = p.store.AcceptInbound(storage.InboundDelivery{
		Message:    msg,
		Deliveries: deliveries,
		Record:     record,
		PeerHost:   peer.Host,
		SeenAt:     now,
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return nil, p.duplicate(peer, b)
	}
	if err != nil {
		return nil, p.internal("persist", err)
	}

	p.logger.Info("Accepted inbound bundle",
		zap.String("peer", peer.Host),
		zap.String("message_id", msg.ID),
		zap.String("remote_message_id", b.Payload.MessageID),
		zap.Int("delivered", len(delivered)),
		zap.Int("unresolved", len(unresolved)))

	return &Result{
		MessageID:  msg.ID,
		BundleHash: b.BundleHash,
		Delivered:  delivered,
		Unresolved: unresolved,
	}, nil
}

func (p *Pipeline) duplicate(peer *types.Peer, b *bundle.Bundle) *Rejection {
	p.logger.Debug("Duplicate bundle",
		zap.String("peer", peer.Host),
		zap.String("bundle_hash", b.BundleHash))
	return reject(CodeDuplicateBundle, errors.New("bundle already accepted"))
}

func (p *Pipeline) internal(step string, err error) *Rejection {
	p.logger.Error("Inbound delivery failed",
		zap.String("step", step),
		zap.Error(err))
	return reject(CodeInternal, err)
}
