package federation

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tezfed/pkg/types"
)

// FederationMetrics tracks relay-wide metrics
type FederationMetrics struct {
	registry *prometheus.Registry

	// Inbound metrics
	InboundRequests *prometheus.CounterVec // by result code
	InboundTampered prometheus.Counter

	// Outbound metrics
	OutboundAttempts  prometheus.Counter
	OutboundDelivered prometheus.Counter
	OutboundFailed    prometheus.Counter
	OutboundExpired   prometheus.Counter
	DeliveryLatency   prometheus.Histogram
	QueueDropped      prometheus.Counter

	// Discovery metrics
	DiscoveryCacheHits   prometheus.Counter
	DiscoveryCacheMisses prometheus.Counter
	DiscoveryFailures    prometheus.Counter
	DiscoveryFallbacks   prometheus.Counter

	// Trust metrics
	Handshakes        prometheus.Counter
	WelcomeDeliveries prometheus.Counter
	KeyRotations      prometheus.Counter
	PeersByTrust      *prometheus.GaugeVec
	OutboxByStatus    *prometheus.GaugeVec

	LastHealthCheck prometheus.Gauge
}

// NewFederationMetrics creates and registers Prometheus metrics. A nil
// registry gets a fresh private one.
func NewFederationMetrics(registry *prometheus.Registry) *FederationMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &FederationMetrics{
		registry: registry,

		InboundRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tezfed_inbound_requests_total",
			Help: "Inbound deliveries by result code",
		}, []string{"code"}),
		InboundTampered: factory.NewCounter(prometheus.CounterOpts{
			Name: "tezfed_inbound_tampered_total",
			Help: "Inbound bundles whose hash did not match their content",
		}),

		OutboundAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "tezfed_outbound_attempts_total",
			Help: "Total number of outbound delivery attempts",
		}),
		OutboundDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "tezfed_outbound_delivered_total",
			Help: "Outbox entries delivered",
		}),
		OutboundFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "tezfed_outbound_failed_total",
			Help: "Failed delivery attempts that were scheduled for retry",
		}),
		OutboundExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "tezfed_outbound_expired_total",
			Help: "Outbox entries that exhausted their retry schedule",
		}),
		DeliveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tezfed_delivery_latency_seconds",
			Help:    "Latency of outbound delivery POSTs",
			Buckets: prometheus.DefBuckets,
		}),
		QueueDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "tezfed_queue_full_total",
			Help: "Entries left for the sweeper because the work queue was full",
		}),

		DiscoveryCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "tezfed_discovery_cache_hits_total",
			Help: "Discovery lookups served from cache",
		}),
		DiscoveryCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "tezfed_discovery_cache_misses_total",
			Help: "Discovery lookups that required a fetch",
		}),
		DiscoveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "tezfed_discovery_failures_total",
			Help: "Discovery fetches that failed",
		}),
		DiscoveryFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "tezfed_discovery_fallbacks_total",
			Help: "Failed discoveries answered from the trust registry",
		}),

		Handshakes: factory.NewCounter(prometheus.CounterOpts{
			Name: "tezfed_handshakes_total",
			Help: "Trust handshakes processed",
		}),
		WelcomeDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "tezfed_welcome_deliveries_total",
			Help: "Welcome deliveries triggered",
		}),
		KeyRotations: factory.NewCounter(prometheus.CounterOpts{
			Name: "tezfed_key_rotations_total",
			Help: "Handshakes that presented a new key for a known host",
		}),
		PeersByTrust: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tezfed_peers",
			Help: "Known peers by trust level",
		}, []string{"trust_level"}),
		OutboxByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tezfed_outbox_entries",
			Help: "Outbox entries by status",
		}, []string{"status"}),

		LastHealthCheck: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tezfed_last_health_check_timestamp",
			Help: "Unix timestamp of last state collection",
		}),
	}
}

// Handler serves this metrics registry.
func (fm *FederationMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(fm.registry, promhttp.HandlerOpts{})
}

// StateSource is the read side of the store the monitor samples.
type StateSource interface {
	ListPeers() ([]*types.Peer, error)
	ListOutbox(statuses ...types.OutboxStatus) ([]*types.OutboxEntry, error)
}

// HealthSnapshot is the last collected view of relay state.
type HealthSnapshot struct {
	Status    string         `json:"status"`
	Peers     map[string]int `json:"peers"`
	Outbox    map[string]int `json:"outbox"`
	LastCheck time.Time      `json:"last_check"`
	Error     string         `json:"error,omitempty"`
}

// MetricsHealthMonitor periodically samples peer and outbox counts into
// gauges and keeps the latest snapshot for /healthz.
type MetricsHealthMonitor struct {
	metrics       *FederationMetrics
	source        StateSource
	logger        *zap.Logger
	checkInterval time.Duration

	mu       sync.RWMutex
	snapshot HealthSnapshot
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewMetricsHealthMonitor(metrics *FederationMetrics, source StateSource, logger *zap.Logger) *MetricsHealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MetricsHealthMonitor{
		metrics:       metrics,
		source:        source,
		logger:        logger,
		checkInterval: 30 * time.Second,
		snapshot:      HealthSnapshot{Status: "starting"},
		stopChan:      make(chan struct{}),
	}
}

// Start begins periodic collection
func (hm *MetricsHealthMonitor) Start() {
	go hm.monitorLoop()
}

func (hm *MetricsHealthMonitor) Stop() {
	hm.stopOnce.Do(func() { close(hm.stopChan) })
}

func (hm *MetricsHealthMonitor) monitorLoop() {
	ticker := time.NewTicker(hm.checkInterval)
	defer ticker.Stop()

	hm.PerformHealthCheck()

	for {
		select {
		case <-ticker.C:
			hm.PerformHealthCheck()
		case <-hm.stopChan:
			return
		}
	}
}

// PerformHealthCheck samples the store once.
func (hm *MetricsHealthMonitor) PerformHealthCheck() {
	snap := HealthSnapshot{
		Status:    "healthy",
		Peers:     map[string]int{},
		Outbox:    map[string]int{},
		LastCheck: time.Now().UTC(),
	}
	for _, level := range []types.TrustLevel{types.TrustPending, types.TrustTrusted, types.TrustBlocked} {
		snap.Peers[string(level)] = 0
	}
	for _, st := range []types.OutboxStatus{types.OutboxPending, types.OutboxFailed, types.OutboxDelivered, types.OutboxExpired} {
		snap.Outbox[string(st)] = 0
	}

	peers, err := hm.source.ListPeers()
	if err == nil {
		for _, p := range peers {
			snap.Peers[string(p.TrustLevel)]++
		}
		var entries []*types.OutboxEntry
		entries, err = hm.source.ListOutbox()
		for _, e := range entries {
			snap.Outbox[string(e.Status)]++
		}
	}
	if err != nil {
		snap.Status = "unhealthy"
		snap.Error = "storage unavailable"
		hm.logger.Warn("Health check failed", zap.Error(err))
	}

	for level, n := range snap.Peers {
		hm.metrics.PeersByTrust.WithLabelValues(level).Set(float64(n))
	}
	for st, n := range snap.Outbox {
		hm.metrics.OutboxByStatus.WithLabelValues(st).Set(float64(n))
	}
	hm.metrics.LastHealthCheck.Set(float64(snap.LastCheck.Unix()))

	hm.mu.Lock()
	hm.snapshot = snap
	hm.mu.Unlock()

	hm.logger.Debug("Health check completed",
		zap.String("status", snap.Status),
		zap.Time("timestamp", snap.LastCheck))
}

func (hm *MetricsHealthMonitor) Snapshot() HealthSnapshot {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.snapshot
}

// ServeHTTP reports the last snapshot; 503 when the store was unreachable.
func (hm *MetricsHealthMonitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := hm.Snapshot()
	status := http.StatusOK
	if snap.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(snap)
}
