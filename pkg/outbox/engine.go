// Package outbox queues, signs, sends and retries bundles to peer relays.
//
// Every (message, destination host) pair is one durable entry. Entries move
// pending -> delivered, or pending -> failed (repeated) -> delivered|expired.
// delivered and expired are terminal.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tezfed/pkg/bundle"
	"tezfed/pkg/federation"
	"tezfed/pkg/identity"
	"tezfed/pkg/storage"
	"tezfed/pkg/types"
)

const (
	// MaxAttempts is the number of failed attempts after which an entry
	// expires.
	MaxAttempts = 5

	// SystemMailbox is the local part of the reserved relay mailbox every
	// node keeps.
	SystemMailbox = "relay"
)

// RetrySchedule is the delay before the next attempt, indexed by the number
// of failed attempts so far.
var RetrySchedule = []time.Duration{
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	12 * time.Hour,
}

var (
	ErrInFlight   = errors.New("an attempt for this entry is already running")
	ErrLocalHost  = errors.New("cannot route to the local host")
	errFinalState = errors.New("entry already in a terminal state")
)

// RetryDelay returns the wait after the given number of failed attempts,
// clamped to the last schedule value.
func RetryDelay(attempts int) time.Duration {
	i := attempts - 1
	if i < 0 {
		i = 0
	}
	if i >= len(RetrySchedule) {
		i = len(RetrySchedule) - 1
	}
	return RetrySchedule[i]
}

// Store is the persistence the engine needs.
type Store interface {
	CreateOutboxEntries(entries []*types.OutboxEntry) error
	GetOutboxEntry(id string) (*types.OutboxEntry, error)
	UpdateOutboxEntry(id string, fn func(e *types.OutboxEntry) error) (*types.OutboxEntry, error)
	DueOutbox(now time.Time) ([]*types.OutboxEntry, error)
	RecordFederated(rec *types.FederatedMessageRecord) error
	SaveMessage(m *types.Message) error
	TouchPeer(host string, seen time.Time) error
}

type Registry interface {
	Get(host string) (*types.Peer, error)
	Verify(hs federation.Handshake) (types.TrustLevel, error)
	CheckOutbound(host string) (*types.Peer, error)
}

type Discoverer interface {
	Discover(ctx context.Context, host string) (*federation.Target, error)
}

type Transport interface {
	Deliver(ctx context.Context, inboxURL string, body []byte) (*federation.DeliveryResult, error)
	Handshake(ctx context.Context, verifyURL string, hs federation.Handshake) (*federation.HandshakeResponse, error)
}

type Config struct {
	Workers   int
	QueueSize int
	// SweepInterval is how often Start runs Sweep. Zero disables the
	// built-in sweeper.
	SweepInterval    time.Duration
	SweepConcurrency int
	// DisplayName and InboxPath describe this node in outgoing handshakes.
	DisplayName string
	InboxPath   string
	Clock       clock.Clock
	Metrics     *federation.FederationMetrics
}

type Engine struct {
	store     Store
	registry  Registry
	discovery Discoverer
	transport Transport
	self      *identity.Identity
	cfg       Config
	clock     clock.Clock
	metrics   *federation.FederationMetrics
	logger    *zap.Logger

	queue chan string

	mu       sync.Mutex
	inFlight map[string]bool

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewEngine(store Store, registry Registry, discovery Discoverer, transport Transport, self *identity.Identity, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = cfg.Workers
	}
	if cfg.InboxPath == "" {
		cfg.InboxPath = federation.DefaultInboxPath
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = federation.NewFederationMetrics(nil)
	}
	return &Engine{
		store:     store,
		registry:  registry,
		discovery: discovery,
		transport: transport,
		self:      self,
		cfg:       cfg,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		logger:    logger,
		queue:     make(chan string, cfg.QueueSize),
		inFlight:  make(map[string]bool),
	}
}

// Start launches the workers and, if configured, the periodic sweeper.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		ctx, e.cancel = context.WithCancel(ctx)

		for i := 0; i < e.cfg.Workers; i++ {
			e.wg.Add(1)
			go e.worker(ctx)
		}
		if e.cfg.SweepInterval > 0 {
			e.wg.Add(1)
			go e.sweepLoop(ctx)
		}
		e.logger.Info("Outbox engine started",
			zap.Int("workers", e.cfg.Workers),
			zap.Duration("sweep_interval", e.cfg.SweepInterval))
	})
}

// Stop cancels in-flight work and waits for the workers to exit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
	})
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.queue:
			if _, err := e.Attempt(ctx, id); err != nil && !errors.Is(err, ErrInFlight) {
				e.logger.Error("Outbox attempt failed", zap.String("entry_id", id), zap.Error(err))
			}
		}
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := e.clock.Ticker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.Sweep(ctx); err != nil {
				e.logger.Error("Outbox sweep finished with errors", zap.Int("attempted", n), zap.Error(err))
			}
		}
	}
}

// enqueue hands an entry to the workers. A full queue leaves the entry
// pending for the next sweep.
func (e *Engine) enqueue(id string) {
	select {
	case e.queue <- id:
	default:
		e.metrics.QueueDropped.Inc()
		e.logger.Debug("Outbox queue full, leaving entry for sweep", zap.String("entry_id", id))
	}
}

// Route builds one bundle per destination host, persists an entry for each
// and queues them for delivery. Hosts the registry does not know yet are
// discovered and introduced first.
func (e *Engine) Route(ctx context.Context, msg types.Message, from string, recipientsByHost map[string][]string) ([]*types.OutboxEntry, error) {
	now := e.clock.Now().UTC()
	hosts := make([]string, 0, len(recipientsByHost))
	for h := range recipientsByHost {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	entries := make([]*types.OutboxEntry, 0, len(hosts))
	for _, key := range hosts {
		host := strings.ToLower(key)
		if host == e.self.Host() {
			return nil, fmt.Errorf("%w: %s", ErrLocalHost, host)
		}
		to := recipientsByHost[key]

		introduced := true
		if _, err := e.registry.Get(host); errors.Is(err, federation.ErrUnknownServer) {
			if err := e.introduce(ctx, host); err != nil {
				introduced = false
				e.logger.Warn("Could not introduce unknown host, will retry on delivery",
					zap.String("host", host),
					zap.Error(err))
			}
		} else if err != nil {
			return nil, err
		}

		b, err := bundle.Build(msg, msg.Context, from, to, e.self, now)
		if err != nil {
			return nil, fmt.Errorf("failed to build bundle for %s: %w", host, err)
		}
		raw, err := bundle.Encode(b)
		if err != nil {
			return nil, err
		}

		entries = append(entries, &types.OutboxEntry{
			ID:              uuid.NewString(),
			MessageID:       msg.ID,
			TargetHost:      host,
			TargetAddresses: append([]string(nil), to...),
			Bundle:          raw,
			BundleHash:      b.BundleHash,
			Introduced:      introduced,
			Status:          types.OutboxPending,
			CreatedAt:       now,
		})
	}

	if err := e.store.CreateOutboxEntries(entries); err != nil {
		return nil, fmt.Errorf("failed to persist outbox entries: %w", err)
	}
	for _, entry := range entries {
		e.logger.Debug("Queued outbound bundle",
			zap.String("entry_id", entry.ID),
			zap.String("message_id", entry.MessageID),
			zap.String("host", entry.TargetHost),
			zap.Int("recipients", len(entry.TargetAddresses)))
		e.enqueue(entry.ID)
	}
	return entries, nil
}

// introduce registers an unknown host from its discovery document and
// presents this node to it. The outgoing handshake is best-effort.
func (e *Engine) introduce(ctx context.Context, host string) error {
	target, err := e.discovery.Discover(ctx, host)
	if err != nil {
		return err
	}
	hs := federation.Handshake{
		Host:      host,
		NodeID:    target.NodeID,
		PublicKey: target.PublicKey,
	}
	if doc := target.Document; doc != nil {
		hs.DisplayName = doc.DisplayName
		hs.ProtocolVersion = doc.ProtocolVersion
		hs.Inbox = doc.Federation.Inbox
	}
	level, err := e.registry.Verify(hs)
	if err != nil {
		return err
	}
	e.logger.Info("Introduced new peer",
		zap.String("host", host),
		zap.String("trust_level", string(level)))

	if _, err := e.transport.Handshake(ctx, target.VerifyURL, e.selfHandshake()); err != nil {
		e.logger.Warn("Peer did not accept our handshake",
			zap.String("host", host),
			zap.Error(err))
	}
	return nil
}

func (e *Engine) selfHandshake() federation.Handshake {
	return federation.Handshake{
		Host:            e.self.Host(),
		NodeID:          e.self.NodeID(),
		PublicKey:       e.self.PublicKeyBase64(),
		DisplayName:     e.cfg.DisplayName,
		ProtocolVersion: bundle.ProtocolVersion,
		Inbox:           e.cfg.InboxPath,
	}
}

// Attempt makes one delivery attempt for the entry. Delivery failures are
// recorded on the entry, not returned; the error is set only when the
// entry could not be loaded or saved, or another attempt holds it.
func (e *Engine) Attempt(ctx context.Context, id string) (*types.OutboxEntry, error) {
	if !e.claim(id) {
		return nil, ErrInFlight
	}
	defer e.release(id)

	entry, err := e.store.GetOutboxEntry(id)
	if err != nil {
		return nil, err
	}
	if !e.due(entry) {
		return entry, nil
	}

	e.metrics.OutboundAttempts.Inc()
	introduced, deliverErr := e.deliver(ctx, entry)
	if ctx.Err() != nil {
		// Shutdown, not a failed attempt.
		return entry, ctx.Err()
	}
	now := e.clock.Now().UTC()

	updated, err := e.store.UpdateOutboxEntry(id, func(cur *types.OutboxEntry) error {
		if cur.Status.Terminal() {
			return errFinalState
		}
		cur.Attempts++
		cur.LastAttemptAt = &now
		if introduced {
			cur.Introduced = true
		}

		if deliverErr == nil {
			cur.Status = types.OutboxDelivered
			cur.DeliveredAt = &now
			cur.NextRetryAt = nil
			cur.Error = ""
			return nil
		}

		cur.Error = deliverErr.Error()
		if cur.Attempts >= MaxAttempts {
			cur.Status = types.OutboxExpired
			cur.NextRetryAt = nil
			return nil
		}
		next := now.Add(RetryDelay(cur.Attempts))
		cur.Status = types.OutboxFailed
		cur.NextRetryAt = &next
		return nil
	})
	if errors.Is(err, errFinalState) {
		return e.store.GetOutboxEntry(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record attempt for %s: %w", id, err)
	}

	switch updated.Status {
	case types.OutboxDelivered:
		e.metrics.OutboundDelivered.Inc()
		e.recordDelivered(updated, now)
		e.logger.Info("Bundle delivered",
			zap.String("entry_id", id),
			zap.String("host", updated.TargetHost),
			zap.Int("attempts", updated.Attempts))
	case types.OutboxExpired:
		e.metrics.OutboundExpired.Inc()
		e.logger.Error("Outbox entry expired after exhausting retries",
			zap.String("entry_id", id),
			zap.String("message_id", updated.MessageID),
			zap.String("host", updated.TargetHost),
			zap.Int("attempts", updated.Attempts),
			zap.String("last_error", updated.Error))
	default:
		e.metrics.OutboundFailed.Inc()
		e.logger.Warn("Delivery attempt failed",
			zap.String("entry_id", id),
			zap.String("host", updated.TargetHost),
			zap.Int("attempts", updated.Attempts),
			zap.Timep("next_retry_at", updated.NextRetryAt),
			zap.Error(deliverErr))
	}
	return updated, nil
}

func (e *Engine) due(entry *types.OutboxEntry) bool {
	switch entry.Status {
	case types.OutboxPending:
		return true
	case types.OutboxFailed:
		return entry.NextRetryAt == nil || !entry.NextRetryAt.After(e.clock.Now())
	}
	return false
}

// deliver runs the route-time trust check, resolves the target and POSTs
// the stored bundle bytes. A host that was never introduced is introduced
// first; introduced reports whether that happened on this attempt. A peer
// that was registered and later deleted stays unknown.
func (e *Engine) deliver(ctx context.Context, entry *types.OutboxEntry) (introduced bool, err error) {
	_, err = e.registry.CheckOutbound(entry.TargetHost)
	if errors.Is(err, federation.ErrUnknownServer) && !entry.Introduced {
		if err := e.introduce(ctx, entry.TargetHost); err != nil {
			return false, err
		}
		introduced = true
		_, err = e.registry.CheckOutbound(entry.TargetHost)
	}
	if err != nil {
		return introduced, err
	}

	target, err := e.discovery.Discover(ctx, entry.TargetHost)
	if err != nil {
		return introduced, err
	}

	start := e.clock.Now()
	res, err := e.transport.Deliver(ctx, target.InboxURL, entry.Bundle)
	e.metrics.DeliveryLatency.Observe(e.clock.Since(start).Seconds())
	if err != nil {
		return introduced, err
	}
	if !res.Delivered() {
		return introduced, &federation.StatusError{StatusCode: res.StatusCode, Body: truncate(string(res.Body), 256)}
	}
	return introduced, nil
}

func (e *Engine) recordDelivered(entry *types.OutboxEntry, at time.Time) {
	rec := &types.FederatedMessageRecord{
		ID:             uuid.NewString(),
		LocalMessageID: entry.MessageID,
		RemoteHost:     entry.TargetHost,
		Direction:      types.DirectionOutbound,
		BundleHash:     entry.BundleHash,
		FederatedAt:    at,
	}
	if err := e.store.RecordFederated(rec); err != nil {
		e.logger.Error("Failed to record outbound provenance",
			zap.String("entry_id", entry.ID),
			zap.Error(err))
	}
	// The peer answered, so it counts as seen.
	if err := e.store.TouchPeer(entry.TargetHost, at); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("Failed to update peer last seen",
			zap.String("host", entry.TargetHost),
			zap.Error(err))
	}
}

// Sweep attempts every pending entry and every failed entry whose retry
// time has passed. It is safe to run alongside Route and the workers; an
// entry already being attempted is skipped. Returns the number attempted.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	due, err := e.store.DueOutbox(e.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to list due entries: %w", err)
	}

	var (
		mu        sync.Mutex
		errs      error
		attempted int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.SweepConcurrency)
	for _, entry := range due {
		id := entry.ID
		g.Go(func() error {
			_, err := e.Attempt(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrInFlight):
			case err != nil:
				errs = multierr.Append(errs, err)
			default:
				attempted++
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(due) > 0 {
		e.logger.Debug("Outbox sweep complete",
			zap.Int("due", len(due)),
			zap.Int("attempted", attempted))
	}
	return attempted, errs
}

// Welcome sends the one-time smoke-test message to a newly trusted peer.
// It is installed as the registry's welcome hook.
func (e *Engine) Welcome(peer types.Peer) {
	from := SystemMailbox + "@" + e.self.Host()
	to := SystemMailbox + "@" + peer.Host
	msg := types.Message{
		ID:          uuid.NewString(),
		From:        from,
		To:          []string{to},
		Type:        "welcome",
		SurfaceText: fmt.Sprintf("Federation between %s and %s is active.", e.self.Host(), peer.Host),
		CreatedAt:   e.clock.Now().UTC(),
	}
	if err := e.store.SaveMessage(&msg); err != nil {
		e.logger.Error("Failed to save welcome message", zap.String("host", peer.Host), zap.Error(err))
		return
	}
	if _, err := e.Route(context.Background(), msg, from, map[string][]string{peer.Host: {to}}); err != nil {
		e.logger.Error("Failed to queue welcome delivery", zap.String("host", peer.Host), zap.Error(err))
	}
}

func (e *Engine) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[id] {
		return false
	}
	e.inFlight[id] = true
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, id)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
