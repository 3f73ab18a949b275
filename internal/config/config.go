// Package config handles Sandstorm configuration: the typed server
// config file, the loosely validated sandstorm.json project config, the
// request/config merge engine, and the provider environment policy.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root server configuration.
type Config struct {
	// ProjectDir is where sandstorm.json and the skills directory are
	// resolved from. Default: current working directory. Override:
	// SANDSTORM_PROJECT_DIR env var.
	ProjectDir string `json:"project_dir,omitempty" yaml:"project_dir,omitempty"`
	// DataDir holds persistent state (the run database). Default:
	// ~/.sandstorm/data. Override: SANDSTORM_DATA_DIR env var.
	DataDir string `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`

	Server        ServerConfig         `json:"server" yaml:"server"`
	Provider      ProviderConfig       `json:"provider" yaml:"provider"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data_dir)
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Slack         *SlackConfig         `json:"slack,omitempty" yaml:"slack,omitempty"`                 // nil = Slack gateway disabled
	Reaper        *ReaperConfig        `json:"reaper,omitempty" yaml:"reaper,omitempty"`               // nil = kept-alive reaper disabled
}

// ServerConfig configures the HTTP API gateway.
type ServerConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"`                                           // Default: ":8000".
	APIKeys             map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`                             // API key → user ID. Empty = unauthenticated.
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes,omitempty" yaml:"max_request_size_bytes,omitempty"` // Default: 32 MB.
	EnableDocs          bool              `json:"enable_docs,omitempty" yaml:"enable_docs,omitempty"`                       // Serve interactive OpenAPI docs.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8000".
func (s *ServerConfig) Addr() string {
	if s != nil && s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8000"
}

// MaxRequestSize returns the request body cap. Binary files travel
// base64 inline, so the default is a generous 32 MB.
func (s *ServerConfig) MaxRequestSize() int64 {
	if s != nil && s.MaxRequestSizeBytes > 0 {
		return s.MaxRequestSizeBytes
	}
	return 32 << 20
}

// RateLimitConfig configures per-user token bucket rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // 0 = same as requests_per_minute.
}

// ProviderConfig selects and configures the sandbox provider backend.
type ProviderConfig struct {
	Type             string       `json:"type" yaml:"type"`                                               // "e2b" (default) or "docker".
	Template         string       `json:"template,omitempty" yaml:"template,omitempty"`                   // Preferred template. Override: SANDSTORM_TEMPLATE env var.
	FallbackTemplate string       `json:"fallback_template,omitempty" yaml:"fallback_template,omitempty"` // Base template used when the preferred one does not exist.
	E2B              E2BConfig    `json:"e2b" yaml:"e2b"`
	Docker           DockerConfig `json:"docker" yaml:"docker"`
}

// ProviderType returns the configured backend, defaulting to "e2b".
func (p *ProviderConfig) ProviderType() string {
	if p != nil && p.Type != "" {
		return p.Type
	}
	return "e2b"
}

// TemplateName returns the preferred template: the SANDSTORM_TEMPLATE
// env var wins, then the config value, then "sandstorm".
func (p *ProviderConfig) TemplateName() string {
	if env := os.Getenv("SANDSTORM_TEMPLATE"); env != "" {
		return env
	}
	if p != nil && p.Template != "" {
		return p.Template
	}
	return "sandstorm"
}

// Fallback returns the fallback template with a default of "claude-code".
func (p *ProviderConfig) Fallback() string {
	if p != nil && p.FallbackTemplate != "" {
		return p.FallbackTemplate
	}
	return "claude-code"
}

// E2BConfig configures the hosted E2B backend.
type E2BConfig struct {
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`   // Override: E2B_API_KEY env var. Per-request keys take precedence at runtime.
	APIBase string `json:"api_base,omitempty" yaml:"api_base,omitempty"` // Default: https://api.e2b.app.
}

// DockerConfig configures the local Docker backend.
type DockerConfig struct {
	Images         map[string]string `json:"images,omitempty" yaml:"images,omitempty"` // template name → container image.
	MemoryMB       int               `json:"memory_mb" yaml:"memory_mb"`               // Default: 1024.
	CPUCores       float64           `json:"cpu_cores" yaml:"cpu_cores"`               // Default: 1.0.
	PIDsLimit      int               `json:"pids_limit" yaml:"pids_limit"`             // Default: 256.
	NetworkAllowed bool              `json:"network_allowed" yaml:"network_allowed"`   // Agents need outbound network for model APIs.
}

// StorageConfig configures the run record store.
type StorageConfig struct {
	Driver   string          `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/sandstorm.db.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25.
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5.
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800.
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics".
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317".
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc".
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sandstorm".
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0 to 1.0. Default: 1.0.
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// SlackConfig configures the Slack gateway. Secrets can be set in the
// file or via SLACK_SIGNING_SECRET / SLACK_BOT_TOKEN env vars; the
// environment takes precedence.
type SlackConfig struct {
	Enabled       bool              `json:"enabled" yaml:"enabled"`
	ListenAddr    string            `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"` // Default: ":3000".
	SigningSecret string            `json:"signing_secret,omitempty" yaml:"signing_secret,omitempty"`
	BotToken      string            `json:"bot_token,omitempty" yaml:"bot_token,omitempty"`
	UserMapping   map[string]string `json:"user_mapping,omitempty" yaml:"user_mapping,omitempty"` // Slack user ID → user ID. Empty = pass through.
}

// Addr returns the Slack webhook listen address with a default of ":3000".
func (s *SlackConfig) Addr() string {
	if s != nil && s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":3000"
}

// ReaperConfig configures the kept-alive sandbox reaper.
type ReaperConfig struct {
	Enabled         bool `json:"enabled" yaml:"enabled"`
	IntervalSeconds int  `json:"interval_seconds" yaml:"interval_seconds"` // Default: 60.
}

// Interval returns the sweep interval with a default of one minute.
func (r *ReaperConfig) Interval() time.Duration {
	if r != nil && r.IntervalSeconds > 0 {
		return time.Duration(r.IntervalSeconds) * time.Second
	}
	return time.Minute
}

// DefaultConfigPath returns ~/.sandstorm/config.json, falling back to a
// relative path when the home directory cannot be resolved.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("configs", "sandstorm.json")
	}
	return filepath.Join(home, ".sandstorm", "config.json")
}

// Load reads a JSON or YAML config file (selected by extension) and
// returns a validated Config. A missing file yields defaults so the
// server can run from environment variables alone.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", path, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", path, err)
			}
		}
	case os.IsNotExist(err):
		// No config file: defaults plus environment.
	default:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("E2B_API_KEY"); v != "" {
		c.Provider.E2B.APIKey = v
	}
	if v := os.Getenv("SLACK_SIGNING_SECRET"); v != "" {
		if c.Slack == nil {
			c.Slack = &SlackConfig{Enabled: true}
		}
		c.Slack.SigningSecret = v
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		if c.Slack == nil {
			c.Slack = &SlackConfig{Enabled: true}
		}
		c.Slack.BotToken = v
	}
	if v := os.Getenv("SANDSTORM_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SANDSTORM_PROJECT_DIR"); v != "" {
		c.ProjectDir = v
	}
}

func (c *Config) applyDefaults() {
	if c.ProjectDir == "" {
		if wd, err := os.Getwd(); err == nil {
			c.ProjectDir = wd
		} else {
			c.ProjectDir = "."
		}
	}
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".sandstorm", "data")
		} else {
			c.DataDir = "data"
		}
	}
}

// DatabasePath returns the effective SQLite database location.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.DataDir, "sandstorm.db")
}

func (c *Config) validate() error {
	switch c.Provider.ProviderType() {
	case "e2b", "docker":
	default:
		return fmt.Errorf("provider.type %q is not supported (use e2b or docker)", c.Provider.Type)
	}
	if c.Storage != nil {
		switch c.Storage.StorageDriver() {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Slack != nil && c.Slack.Enabled && c.Slack.SigningSecret == "" {
		return fmt.Errorf("slack.signing_secret is required when the Slack gateway is enabled (set SLACK_SIGNING_SECRET)")
	}
	return nil
}
