package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"tezfed/pkg/types"
)

const (
	DefaultInboxPath        = "/federation/inbox"
	DefaultMaxBodySize      = "1MB"
	DefaultDiscoveryTimeout = 10 * time.Second
	DefaultDeliveryTimeout  = 30 * time.Second
	DefaultSweepInterval    = time.Minute
)

type Config struct {
	Host          string           `json:"host"`
	DisplayName   string           `json:"display_name,omitempty"`
	ListenAddress string           `json:"listen_address"`
	DataDir       string           `json:"data_dir"`
	AdminToken    string           `json:"admin_token,omitempty"`
	Federation    FederationConfig `json:"federation"`
}

type FederationConfig struct {
	Enabled               bool                 `json:"enabled"`
	Mode                  types.FederationMode `json:"mode"`
	InboxPath             string               `json:"inbox_path"`
	MaxBodySize           string               `json:"max_body_size"`
	DiscoveryTimeout      Duration             `json:"discovery_timeout"`
	DeliveryTimeout       Duration             `json:"delivery_timeout"`
	SweepInterval         Duration             `json:"sweep_interval"`
	Workers               int                  `json:"workers"`
	QueueSize             int                  `json:"queue_size"`
	AcceptKeyRotation     bool                 `json:"accept_key_rotation"`
	AllowPrivateDiscovery bool                 `json:"allow_private_discovery"`
}

// Duration decodes from a Go duration string such as "30s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns a configuration for host with every optional field set.
func Default(host string) *Config {
	cfg := &Config{Host: host, Federation: FederationConfig{Enabled: true}}
	cfg.applyDefaults()
	return cfg
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Federation is on unless the file turns it off.
	cfg := Config{Federation: FederationConfig{Enabled: true}}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, cfg.Validate()
}

func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Host:          getEnv("TEZFED_HOST", ""),
		DisplayName:   getEnv("TEZFED_DISPLAY_NAME", ""),
		ListenAddress: getEnv("TEZFED_LISTEN_ADDRESS", ":8443"),
		DataDir:       getEnv("TEZFED_DATA_DIR", "./data"),
		AdminToken:    getEnv("TEZFED_ADMIN_TOKEN", ""),
		Federation: FederationConfig{
			Enabled:               getEnvBool("TEZFED_FEDERATION_ENABLED", true),
			Mode:                  types.FederationMode(getEnv("TEZFED_FEDERATION_MODE", string(types.ModeAllowlist))),
			InboxPath:             getEnv("TEZFED_INBOX_PATH", DefaultInboxPath),
			MaxBodySize:           getEnv("TEZFED_MAX_BODY_SIZE", DefaultMaxBodySize),
			AcceptKeyRotation:     getEnvBool("TEZFED_ACCEPT_KEY_ROTATION", false),
			AllowPrivateDiscovery: getEnvBool("TEZFED_ALLOW_PRIVATE_DISCOVERY", false),
		},
	}

	for key, dst := range map[string]*Duration{
		"TEZFED_DISCOVERY_TIMEOUT": &cfg.Federation.DiscoveryTimeout,
		"TEZFED_DELIVERY_TIMEOUT":  &cfg.Federation.DeliveryTimeout,
		"TEZFED_SWEEP_INTERVAL":    &cfg.Federation.SweepInterval,
	} {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = Duration(d)
		}
	}
	for key, dst := range map[string]*int{
		"TEZFED_WORKERS":    &cfg.Federation.Workers,
		"TEZFED_QUEUE_SIZE": &cfg.Federation.QueueSize,
	} {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = n
		}
	}

	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	c.Host = strings.ToLower(strings.TrimSpace(c.Host))
	if c.ListenAddress == "" {
		c.ListenAddress = ":8443"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	f := &c.Federation
	if f.Mode == "" {
		f.Mode = types.ModeAllowlist
	}
	if f.InboxPath == "" {
		f.InboxPath = DefaultInboxPath
	}
	if f.MaxBodySize == "" {
		f.MaxBodySize = DefaultMaxBodySize
	}
	if f.DiscoveryTimeout == 0 {
		f.DiscoveryTimeout = Duration(DefaultDiscoveryTimeout)
	}
	if f.DeliveryTimeout == 0 {
		f.DeliveryTimeout = Duration(DefaultDeliveryTimeout)
	}
	if f.SweepInterval == 0 {
		f.SweepInterval = Duration(DefaultSweepInterval)
	}
	if f.Workers == 0 {
		f.Workers = 4
	}
	if f.QueueSize == 0 {
		f.QueueSize = 256
	}
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if strings.ContainsAny(c.Host, "/@ ") {
		return fmt.Errorf("host %q must be a bare hostname", c.Host)
	}
	switch c.Federation.Mode {
	case types.ModeAllowlist, types.ModeOpen:
	default:
		return fmt.Errorf("unknown federation mode %q (expected allowlist or open)", c.Federation.Mode)
	}
	if !strings.HasPrefix(c.Federation.InboxPath, "/") {
		return fmt.Errorf("inbox_path must start with /")
	}
	if _, err := c.MaxBodyBytes(); err != nil {
		return fmt.Errorf("invalid max_body_size: %w", err)
	}
	if c.Federation.DiscoveryTimeout <= 0 || c.Federation.DeliveryTimeout <= 0 || c.Federation.SweepInterval <= 0 {
		return fmt.Errorf("timeouts and sweep interval must be positive")
	}
	if c.Federation.Workers < 0 || c.Federation.QueueSize < 0 {
		return fmt.Errorf("workers and queue_size must not be negative")
	}
	return nil
}

// MaxBodyBytes is the inbound body limit in bytes.
func (c *Config) MaxBodyBytes() (int64, error) {
	n, err := ParseByteSize(c.Federation.MaxBodySize)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return n, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}
