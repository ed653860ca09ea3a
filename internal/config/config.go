// Package config handles loading and validating Kazi configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Kazi.
type Config struct {
	DataDir       string                `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.kazi/data. Override: KAZI_DATA_DIR.
	Storage       *StorageConfig        `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite default (derived from data dir).
	Sandbox       SandboxConfig         `json:"sandbox" yaml:"sandbox"`
	Resolver      ResolverConfig        `json:"resolver" yaml:"resolver"`
	Gateway       GatewayConfig         `json:"gateway" yaml:"gateway"`
	Janitor       *JanitorConfig        `json:"janitor,omitempty" yaml:"janitor,omitempty"`             // nil = cache janitor disabled.
	Observability *ObservabilityConfig  `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled.
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string          `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// Driver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: KAZI_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25.
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5.
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min).
}

// SandboxConfig configures the execution environment pools.
type SandboxConfig struct {
	// Pool lifecycle policy. Applies to both native and remote pools.
	PoolTTL       time.Duration `json:"pool_ttl" yaml:"pool_ttl"`             // Default: 10m.
	MaxUses       int           `json:"max_uses" yaml:"max_uses"`             // Default: 50.
	SafetyMargin  time.Duration `json:"safety_margin" yaml:"safety_margin"`   // Default: 30s.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"` // Default: 1m.

	// Per-tool timeout budget applied when the tool declares none.
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"` // Default: 5m.

	Native NativeSandboxConfig  `json:"native" yaml:"native"`
	Remote *RemoteSandboxConfig `json:"remote,omitempty" yaml:"remote,omitempty"` // nil = remote provider disabled.
}

// NativeSandboxConfig configures local process-based environments.
type NativeSandboxConfig struct {
	WorkRoot       string        `json:"work_root,omitempty" yaml:"work_root,omitempty"` // Default: os.TempDir().
	CommandTimeout time.Duration `json:"command_timeout" yaml:"command_timeout"`         // Per-command wall clock. Default: 60s.
	MaxMemoryMB    int           `json:"max_memory_mb" yaml:"max_memory_mb"`             // ulimit -v. Default: 512.
	MaxCPUSeconds  int           `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`         // ulimit -t. Default: 60.
}

// RemoteSandboxConfig configures the micro-VM provider.
type RemoteSandboxConfig struct {
	Endpoint string `json:"endpoint" yaml:"endpoint"` // Provider API base URL. Override: KAZI_REMOTE_ENDPOINT.
	APIKey   string `json:"api_key" yaml:"api_key"`   // Override: KAZI_REMOTE_API_KEY.
	VCPUs    int    `json:"vcpus" yaml:"vcpus"`       // Default vCPU count when the tool declares none. Default: 1.
}

// ResolverConfig configures the context fetch engine.
type ResolverConfig struct {
	FetchTimeout   time.Duration `json:"fetch_timeout" yaml:"fetch_timeout"`     // Per-definition HTTP timeout. Default: 10s.
	MaxConcurrency int           `json:"max_concurrency" yaml:"max_concurrency"` // Concurrent fetches per pass. Default: 4.
}

// GatewayConfig configures the HTTP API gateway.
type GatewayConfig struct {
	ListenAddr        string `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080". Override: KAZI_LISTEN_ADDR.
	EnableDocs        bool   `json:"enable_docs" yaml:"enable_docs"`
	RequestsPerMinute int    `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	MaxRequestSize    int64  `json:"max_request_size" yaml:"max_request_size"`       // Bytes. 0 = 1 MB default.

	// APIKeyClientMapping maps API key → client ID. Merged with the
	// KAZI_API_KEYS env var ("key:client,key:client").
	APIKeyClientMapping map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`
}

// JanitorConfig configures the scheduled context-cache purge.
type JanitorConfig struct {
	Enabled   bool          `json:"enabled" yaml:"enabled"`
	Schedule  string        `json:"schedule" yaml:"schedule"`   // Standard 5-field cron. Default: "*/15 * * * *".
	Retention time.Duration `json:"retention" yaml:"retention"` // Entries older than this are purged. Default: 24h.
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics".
}

// TracingConfig configures OpenTelemetry trace export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "kazi".
	Environment string  `json:"environment" yaml:"environment"`   // deployment.environment resource attribute, e.g. "staging".
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317".
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" (default) or "http".
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"` // 0 < rate <= 1. Default: 1.0.
}

// Load reads configuration from the given YAML file path.
// An empty path falls back to KAZI_CONFIG, then to ~/.kazi/config.yaml;
// a missing file yields pure defaults rather than an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = goutils.Env("KAZI_CONFIG", defaultConfigPath())
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if yerr := yaml.Unmarshal(data, cfg); yerr != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, yerr)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".kazi", "config.yaml")
}

func (c *Config) applyEnvOverrides() {
	c.DataDir = goutils.Env("KAZI_DATA_DIR", c.DataDir)
	c.Gateway.ListenAddr = goutils.Env("KAZI_LISTEN_ADDR", c.Gateway.ListenAddr)

	if dsn := os.Getenv("KAZI_DB_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}

	if c.Sandbox.Remote != nil {
		c.Sandbox.Remote.Endpoint = goutils.Env("KAZI_REMOTE_ENDPOINT", c.Sandbox.Remote.Endpoint)
		c.Sandbox.Remote.APIKey = goutils.Env("KAZI_REMOTE_API_KEY", c.Sandbox.Remote.APIKey)
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".kazi", "data")
		} else {
			c.DataDir = ".kazi-data"
		}
	}

	if c.Sandbox.PoolTTL == 0 {
		c.Sandbox.PoolTTL = 10 * time.Minute
	}
	if c.Sandbox.MaxUses == 0 {
		c.Sandbox.MaxUses = 50
	}
	if c.Sandbox.SafetyMargin == 0 {
		c.Sandbox.SafetyMargin = 30 * time.Second
	}
	if c.Sandbox.SweepInterval == 0 {
		c.Sandbox.SweepInterval = time.Minute
	}
	if c.Sandbox.DefaultTimeout == 0 {
		c.Sandbox.DefaultTimeout = 5 * time.Minute
	}
	if c.Sandbox.Native.CommandTimeout == 0 {
		c.Sandbox.Native.CommandTimeout = 60 * time.Second
	}
	if c.Sandbox.Native.MaxMemoryMB == 0 {
		c.Sandbox.Native.MaxMemoryMB = 512
	}
	if c.Sandbox.Native.MaxCPUSeconds == 0 {
		c.Sandbox.Native.MaxCPUSeconds = 60
	}
	if c.Sandbox.Remote != nil && c.Sandbox.Remote.VCPUs == 0 {
		c.Sandbox.Remote.VCPUs = 1
	}

	if c.Resolver.FetchTimeout == 0 {
		c.Resolver.FetchTimeout = 10 * time.Second
	}
	if c.Resolver.MaxConcurrency == 0 {
		c.Resolver.MaxConcurrency = 4
	}

	if c.Gateway.ListenAddr == "" {
		c.Gateway.ListenAddr = ":8080"
	}

	if c.Janitor != nil {
		if c.Janitor.Schedule == "" {
			c.Janitor.Schedule = "*/15 * * * *"
		}
		if c.Janitor.Retention == 0 {
			c.Janitor.Retention = 24 * time.Hour
		}
	}
}

// Validate checks configuration invariants that defaults cannot repair.
func (c *Config) Validate() error {
	if d := c.Storage.StorageDriver(); d != "sqlite" && d != "postgres" {
		return fmt.Errorf("storage.driver must be \"sqlite\" or \"postgres\", got %q", d)
	}
	if c.Storage.StorageDriver() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	}
	if c.Sandbox.Remote != nil {
		if c.Sandbox.Remote.Endpoint == "" {
			return fmt.Errorf("sandbox.remote.endpoint is required when the remote provider is configured")
		}
		if !strings.HasPrefix(c.Sandbox.Remote.Endpoint, "http://") && !strings.HasPrefix(c.Sandbox.Remote.Endpoint, "https://") {
			return fmt.Errorf("sandbox.remote.endpoint must be an http(s) URL, got %q", c.Sandbox.Remote.Endpoint)
		}
	}
	if c.Sandbox.SafetyMargin >= c.Sandbox.DefaultTimeout {
		return fmt.Errorf("sandbox.safety_margin (%s) must be below sandbox.default_timeout (%s)",
			c.Sandbox.SafetyMargin, c.Sandbox.DefaultTimeout)
	}
	return nil
}

// SQLitePath returns the SQLite database path, derived from the data dir
// when not set explicitly.
func (c *Config) SQLitePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.DataDir, "kazi.db")
}
