// Package server assembles a relay node and exposes it over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"tezfed/pkg/auth"
	"tezfed/pkg/config"
	"tezfed/pkg/federation"
	"tezfed/pkg/httpsig"
	"tezfed/pkg/identity"
	"tezfed/pkg/inbound"
	"tezfed/pkg/outbox"
	"tezfed/pkg/storage"
	"tezfed/pkg/types"
)

const (
	shutdownTimeout   = 10 * time.Second
	maxHandshakeBytes = 64 << 10
	maxAdminBodyBytes = 1 << 20
)

// Options override collaborators for tests and closed networks.
type Options struct {
	Clock clock.Clock
	// HTTPClient carries discovery, handshake and delivery traffic. nil
	// gets a client that refuses non-public addresses unless
	// federation.allow_private_discovery is set.
	HTTPClient *http.Client
	Resolver   federation.Resolver
	// Scheme used to reach peers, https unless set.
	Scheme string
}

// router queues outbound bundles; the outbox engine in production.
type router interface {
	Route(ctx context.Context, msg types.Message, from string, recipientsByHost map[string][]string) ([]*types.OutboxEntry, error)
}

// Server is one relay node.
type Server struct {
	cfg      *config.Config
	self     *identity.Identity
	store    *storage.Store
	clock    clock.Clock
	maxBody  int64
	metrics  *federation.FederationMetrics
	registry *federation.Registry
	discover *federation.Discovery
	engine   *outbox.Engine
	router   router
	pipeline *inbound.Pipeline
	codec    *httpsig.Codec
	health   *federation.MetricsHealthMonitor
	admin    *auth.Middleware
	logger   *zap.Logger
}

// New loads the node identity, opens the store under cfg.DataDir and wires
// every component. The caller owns the returned server and must Close it.
func New(cfg *config.Config, opts Options, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	maxBody, err := cfg.MaxBodyBytes()
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = federation.NewGuardedHTTPClient(cfg.Federation.AllowPrivateDiscovery)
	}

	self, err := identity.NewManager(cfg.Host, logger.Named("identity")).Load(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load node identity: %w", err)
	}
	store, err := storage.Open(filepath.Join(cfg.DataDir, "db"), logger.Named("storage"))
	if err != nil {
		return nil, err
	}

	fed := cfg.Federation
	metrics := federation.NewFederationMetrics(nil)
	codec := httpsig.NewCodec(opts.Clock)

	registry := federation.NewRegistry(store, federation.RegistryConfig{
		Mode:              fed.Mode,
		AcceptKeyRotation: fed.AcceptKeyRotation,
		Clock:             opts.Clock,
		Metrics:           metrics,
	}, logger.Named("registry"))

	discovery := federation.NewDiscovery(registry, federation.DiscoveryConfig{
		Timeout:      fed.DiscoveryTimeout.Std(),
		AllowPrivate: fed.AllowPrivateDiscovery,
		Scheme:       opts.Scheme,
		Client:       opts.HTTPClient,
		Resolver:     opts.Resolver,
		Clock:        opts.Clock,
		Metrics:      metrics,
	}, logger.Named("discovery"))

	transport := federation.NewClient(self, federation.ClientConfig{
		HTTPClient: opts.HTTPClient,
		Codec:      codec,
		Timeout:    fed.DeliveryTimeout.Std(),
	}, logger.Named("client"))

	engine := outbox.NewEngine(store, registry, discovery, transport, self, outbox.Config{
		Workers:       fed.Workers,
		QueueSize:     fed.QueueSize,
		SweepInterval: fed.SweepInterval.Std(),
		DisplayName:   cfg.DisplayName,
		InboxPath:     fed.InboxPath,
		Clock:         opts.Clock,
		Metrics:       metrics,
	}, logger.Named("outbox"))
	registry.OnWelcome(engine.Welcome)

	pipeline := inbound.NewPipeline(registry, store, inbound.Config{
		Enabled:   fed.Enabled,
		LocalHost: self.Host(),
		Codec:     codec,
		Clock:     opts.Clock,
		Metrics:   metrics,
	}, logger.Named("inbound"))

	s := &Server{
		cfg:      cfg,
		self:     self,
		store:    store,
		clock:    opts.Clock,
		maxBody:  maxBody,
		metrics:  metrics,
		registry: registry,
		discover: discovery,
		engine:   engine,
		router:   engine,
		pipeline: pipeline,
		codec:    codec,
		health:   federation.NewMetricsHealthMonitor(metrics, store, logger.Named("health")),
		admin:    auth.NewMiddleware(auth.NewStaticToken(cfg.AdminToken), logger.Named("admin")),
		logger:   logger,
	}

	if _, err := store.EnsureUser(types.LocalUser{
		ID:          uuid.NewString(),
		Handle:      outbox.SystemMailbox,
		DisplayName: "Relay",
		CreatedAt:   opts.Clock.Now().UTC(),
	}); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create system mailbox: %w", err)
	}

	logger.Info("Relay node initialized",
		zap.String("host", self.Host()),
		zap.String("node_id", self.NodeID()),
		zap.String("mode", string(fed.Mode)),
		zap.Bool("federation_enabled", fed.Enabled),
		zap.Bool("admin_enabled", cfg.AdminToken != ""))
	return s, nil
}

func (s *Server) Identity() *identity.Identity { return s.self }

func (s *Server) Store() *storage.Store { return s.store }

func (s *Server) Registry() *federation.Registry { return s.registry }

func (s *Server) Engine() *outbox.Engine { return s.engine }

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc(federation.WellKnownPath, s.handleDiscovery).Methods(http.MethodGet)
	r.HandleFunc(s.cfg.Federation.InboxPath, s.handleInbox).Methods(http.MethodPost)
	r.HandleFunc(federation.DefaultVerifyPath, s.handleHandshake).Methods(http.MethodPost)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.Handle("/healthz", s.health).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.admin.Require)
	admin.HandleFunc("/identity", s.handleIdentity).Methods(http.MethodGet)
	admin.HandleFunc("/peers", s.handleListPeers).Methods(http.MethodGet)
	admin.HandleFunc("/peers/{host}/trust", s.handleSetTrust).Methods(http.MethodPut)
	admin.HandleFunc("/peers/{host}", s.handleDeletePeer).Methods(http.MethodDelete)
	admin.HandleFunc("/outbox", s.handleListOutbox).Methods(http.MethodGet)
	admin.HandleFunc("/outbox/sweep", s.handleSweep).Methods(http.MethodPost)
	admin.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)
	admin.HandleFunc("/users", s.handleAddUser).Methods(http.MethodPost)
	admin.HandleFunc("/messages", s.handleSend).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	return r
}

// Start launches the delivery workers, the retry sweeper and the health
// monitor. They stop when ctx is cancelled or Close is called.
func (s *Server) Start(ctx context.Context) {
	s.engine.Start(ctx)
	s.health.Start()
}

// Serve listens on the configured address until ctx is cancelled, then
// drains in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening", zap.String("address", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}

// Close stops background work and closes the store.
func (s *Server) Close() error {
	s.engine.Stop()
	s.health.Stop()
	return s.store.Close()
}
