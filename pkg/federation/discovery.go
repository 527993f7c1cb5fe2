package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"tezfed/pkg/identity"
	"tezfed/pkg/types"
)

const (
	WellKnownPath     = "/.well-known/tez-federation"
	DefaultInboxPath  = "/federation/inbox"
	DefaultVerifyPath = "/federation/verify"

	DefaultDiscoveryTTL     = time.Hour
	DefaultDiscoveryTimeout = 10 * time.Second

	discoveryCacheSize = 1024
	maxDocumentBytes   = 64 << 10
)

var (
	ErrForbiddenHost    = errors.New("host resolves to a non-public address")
	ErrInvalidDocument  = errors.New("invalid discovery document")
	ErrDiscoveryFailed  = errors.New("discovery failed")
	ErrPeerNotFederated = errors.New("peer has federation disabled")
)

// Document is the discovery document served at WellKnownPath.
type Document struct {
	Host            string             `json:"host"`
	NodeID          string             `json:"node_id"`
	ServerID        string             `json:"server_id,omitempty"`
	PublicKey       string             `json:"public_key"`
	ProtocolVersion string             `json:"protocol_version"`
	DisplayName     string             `json:"display_name,omitempty"`
	Federation      DocumentFederation `json:"federation"`
}

type DocumentFederation struct {
	Enabled bool                 `json:"enabled"`
	Mode    types.FederationMode `json:"mode"`
	Inbox   string               `json:"inbox"`
	Verify  string               `json:"verify,omitempty"`
}

// Source records where a discovery result came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceRegistry Source = "registry"
)

// Target is a resolved remote relay.
type Target struct {
	Host      string
	NodeID    string
	PublicKey string
	InboxURL  string
	VerifyURL string
	Document  *Document // nil when answered from the registry
	Source    Source
}

// Resolver is the subset of net.Resolver used for the address guard.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type DiscoveryConfig struct {
	Timeout time.Duration
	TTL     time.Duration
	// AllowPrivate disables the address guard. Only for tests and closed
	// networks.
	AllowPrivate bool
	// Scheme defaults to https.
	Scheme   string
	Client   *http.Client
	Resolver Resolver
	Clock    clock.Clock
	Metrics  *FederationMetrics
}

type cacheEntry struct {
	target    Target
	fetchedAt time.Time
}

// Discovery resolves hosts to their federation endpoints. The cache is
// owned by the instance and empties on restart. Concurrent misses for the
// same host may fetch twice; results are idempotent.
type Discovery struct {
	registry     *Registry
	client       *http.Client
	resolver     Resolver
	cache        *expirable.LRU[string, cacheEntry]
	clock        clock.Clock
	ttl          time.Duration
	timeout      time.Duration
	scheme       string
	allowPrivate bool
	metrics      *FederationMetrics
	logger       *zap.Logger
}

func NewDiscovery(registry *Registry, cfg DiscoveryConfig, logger *zap.Logger) *Discovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDiscoveryTimeout
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultDiscoveryTTL
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewFederationMetrics(nil)
	}
	if cfg.Client == nil {
		cfg.Client = NewGuardedHTTPClient(cfg.AllowPrivate)
	}

	return &Discovery{
		registry:     registry,
		client:       cfg.Client,
		resolver:     cfg.Resolver,
		cache:        expirable.NewLRU[string, cacheEntry](discoveryCacheSize, nil, cfg.TTL),
		clock:        cfg.Clock,
		ttl:          cfg.TTL,
		timeout:      cfg.Timeout,
		scheme:       cfg.Scheme,
		allowPrivate: cfg.AllowPrivate,
		metrics:      cfg.Metrics,
		logger:       logger,
	}
}

// Discover returns the federation endpoints for host. On a resolver,
// network or document failure it falls back to the registry record; a host
// rejected by the address guard never falls back.
func (d *Discovery) Discover(ctx context.Context, host string) (*Target, error) {
	host = strings.ToLower(strings.TrimSpace(host))

	if entry, ok := d.cache.Get(host); ok {
		if d.clock.Now().Sub(entry.fetchedAt) < d.ttl {
			d.metrics.DiscoveryCacheHits.Inc()
			t := entry.target
			t.Source = SourceCache
			return &t, nil
		}
		d.cache.Remove(host)
	}
	d.metrics.DiscoveryCacheMisses.Inc()

	err := d.CheckHost(ctx, host)
	if errors.Is(err, ErrForbiddenHost) {
		d.metrics.DiscoveryFailures.Inc()
		return nil, err
	}

	var target *Target
	if err == nil {
		target, err = d.fetch(ctx, host)
	}
	if err == nil {
		d.cache.Add(host, cacheEntry{target: *target, fetchedAt: d.clock.Now()})
		return target, nil
	}

	d.metrics.DiscoveryFailures.Inc()
	d.logger.Debug("Discovery failed",
		zap.String("host", host),
		zap.Error(err))
	if errors.Is(err, ErrForbiddenHost) {
		return nil, err
	}

	if fallback := d.fromRegistry(host); fallback != nil {
		d.metrics.DiscoveryFallbacks.Inc()
		d.logger.Info("Using registry record for unreachable host",
			zap.String("host", host),
			zap.Error(err))
		return fallback, nil
	}
	return nil, err
}

// Invalidate drops any cached result for host.
func (d *Discovery) Invalidate(host string) {
	d.cache.Remove(strings.ToLower(host))
}

func (d *Discovery) fetch(ctx context.Context, host string) (*Target, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	base := d.scheme + "://" + host
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+WellKnownPath, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDiscoveryFailed, host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", ErrDiscoveryFailed, host, resp.StatusCode)
	}

	var doc Document
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := validateDocument(host, &doc); err != nil {
		return nil, err
	}

	verify := doc.Federation.Verify
	if verify == "" {
		verify = DefaultVerifyPath
	}
	return &Target{
		Host:      host,
		NodeID:    doc.NodeID,
		PublicKey: doc.PublicKey,
		InboxURL:  base + doc.Federation.Inbox,
		VerifyURL: base + verify,
		Document:  &doc,
		Source:    SourceNetwork,
	}, nil
}

func (d *Discovery) fromRegistry(host string) *Target {
	if d.registry == nil {
		return nil
	}
	p, err := d.registry.Get(host)
	if err != nil {
		return nil
	}
	inbox := p.Metadata[metadataInbox]
	if inbox == "" {
		inbox = DefaultInboxPath
	}
	base := d.scheme + "://" + host
	return &Target{
		Host:      host,
		NodeID:    p.NodeID,
		PublicKey: p.PublicKey,
		InboxURL:  base + inbox,
		VerifyURL: base + DefaultVerifyPath,
		Source:    SourceRegistry,
	}
}

func validateDocument(host string, doc *Document) error {
	switch {
	case doc.NodeID == "":
		return fmt.Errorf("%w: node_id is required", ErrInvalidDocument)
	case doc.PublicKey == "":
		return fmt.Errorf("%w: public_key is required", ErrInvalidDocument)
	case doc.Federation.Inbox == "":
		return fmt.Errorf("%w: federation.inbox is required", ErrInvalidDocument)
	case !strings.HasPrefix(doc.Federation.Inbox, "/"):
		return fmt.Errorf("%w: federation.inbox must be a path", ErrInvalidDocument)
	case doc.Federation.Verify != "" && !strings.HasPrefix(doc.Federation.Verify, "/"):
		return fmt.Errorf("%w: federation.verify must be a path", ErrInvalidDocument)
	case doc.Host != "" && !strings.EqualFold(doc.Host, host):
		return fmt.Errorf("%w: document is for %s", ErrInvalidDocument, doc.Host)
	case !doc.Federation.Enabled:
		return fmt.Errorf("%w: %s", ErrPeerNotFederated, host)
	}

	pub, err := identity.DecodePublicKey(doc.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if identity.DeriveNodeID(pub) != doc.NodeID {
		return fmt.Errorf("%w: node_id does not match public_key", ErrInvalidDocument)
	}
	return nil
}

var localSuffixes = []string{".local", ".localhost", ".internal", ".intranet", ".lan", ".home.arpa", ".corp"}

// CheckHost rejects hosts that name or resolve to non-public addresses.
// Every resolved address is checked, not just the first.
func (d *Discovery) CheckHost(ctx context.Context, host string) error {
	if d.allowPrivate {
		return nil
	}

	name := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		name = h
	}
	name = strings.TrimSuffix(strings.Trim(name, "[]"), ".")
	if name == "" || name == "localhost" {
		return fmt.Errorf("%w: %s", ErrForbiddenHost, host)
	}
	for _, suffix := range localSuffixes {
		if strings.HasSuffix(name, suffix) {
			return fmt.Errorf("%w: %s", ErrForbiddenHost, host)
		}
	}

	if addr, err := netip.ParseAddr(name); err == nil {
		if !IsPublicAddr(addr) {
			return fmt.Errorf("%w: %s", ErrForbiddenHost, host)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	addrs, err := d.resolver.LookupIPAddr(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: resolving %s: %v", ErrDiscoveryFailed, name, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: %s has no addresses", ErrDiscoveryFailed, name)
	}
	for _, a := range addrs {
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok || !IsPublicAddr(ip) {
			return fmt.Errorf("%w: %s resolves to %s", ErrForbiddenHost, host, a.IP)
		}
	}
	return nil
}

var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("64:ff9b::/96"),
	netip.MustParsePrefix("100::/64"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// IsPublicAddr reports whether ip is a globally routable unicast address.
func IsPublicAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	if !ip.IsValid() ||
		ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified() ||
		!ip.IsGlobalUnicast() {
		return false
	}
	for _, p := range reservedPrefixes {
		if p.Contains(ip) {
			return false
		}
	}
	return true
}

// NewGuardedHTTPClient returns a client whose dialer refuses non-public
// addresses, so a host cannot pass CheckHost and then rebind to a private
// address at connect time.
func NewGuardedHTTPClient(allowPrivate bool) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if !allowPrivate {
		dialer.Control = func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip, err := netip.ParseAddr(host)
			if err != nil || !IsPublicAddr(ip) {
				return fmt.Errorf("%w: %s", ErrForbiddenHost, address)
			}
			return nil
		}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
