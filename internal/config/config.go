// Package config handles YAML configuration loading with environment
// variable expansion and env-var overrides for deployment settings.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Session   SessionConfig   `yaml:"session"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Probe     ProbeConfig     `yaml:"probe"`
	Rectifier RectifierConfig `yaml:"rectifier"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Timezone  string          `yaml:"timezone"` // IANA name for fixed quota windows
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN            string        `yaml:"dsn"` // file path or ":memory:"
	PoolMax        int           `yaml:"pool_max"`
	PoolIdleTime   time.Duration `yaml:"pool_idle_timeout"`
	ConnectTimeout time.Duration `yaml:"pool_connect_timeout"`
}

// RedisConfig holds distributed KV settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	AdminToken string `yaml:"admin_token"` // optional bootstrap key with admin role
}

// SessionConfig holds session tracking settings.
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"` // must be > 0
}

// UpstreamConfig holds forwarder defaults. Per-provider timeouts override
// these globals.
type UpstreamConfig struct {
	EnableHTTP2      bool          `yaml:"enable_http2"`
	FirstByteTimeout time.Duration `yaml:"first_byte_timeout"` // streaming; 0 means the built-in default
	IdleTimeout      time.Duration `yaml:"idle_timeout"`       // streaming; 0 = unlimited, else >= 60s
	RequestTimeout   time.Duration `yaml:"request_timeout"`    // non-streaming; 0 = unlimited

	// CodexInstructions is the official instructions text substituted for
	// force_official providers. CodexInstructionsInjection is the legacy
	// global toggle, honoured only for providers with no strategy of their
	// own.
	CodexInstructions          string `yaml:"codex_instructions"`
	CodexInstructionsInjection bool   `yaml:"codex_instructions_injection"`
}

// ProbeConfig holds the endpoint prober scheduler settings.
type ProbeConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
	LockTTL     time.Duration `yaml:"lock_ttl"`
}

// RectifierConfig controls the response repair pass.
type RectifierConfig struct {
	Enabled  bool `yaml:"enabled"`
	MaxDepth int  `yaml:"max_depth"` // brace-balancing depth cap
	MaxBytes int  `yaml:"max_bytes"` // body size cap for JSON repair
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding ${VAR} references,
// then applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns the configuration defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses must not be cut off
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:            "vantage.db",
			PoolMax:        20,
			PoolIdleTime:   5 * time.Minute,
			ConnectTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Session: SessionConfig{
			TTL: 300 * time.Second,
		},
		Upstream: UpstreamConfig{
			EnableHTTP2:      true,
			FirstByteTimeout: 30 * time.Second,
		},
		Probe: ProbeConfig{
			Interval:    60 * time.Second,
			Concurrency: 4,
			Timeout:     10 * time.Second,
			LockTTL:     90 * time.Second,
		},
		Rectifier: RectifierConfig{
			Enabled:  true,
			MaxDepth: 200,
			MaxBytes: 1 << 20,
		},
		Timezone: "UTC",
	}
}

// applyEnv overlays well-known environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("TZ"); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		c.Auth.AdminToken = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v, ok := envInt("SESSION_TTL"); ok {
		c.Session.TTL = time.Duration(v) * time.Second
	}
	if v := os.Getenv("ENABLE_HTTP2"); v != "" {
		c.Upstream.EnableHTTP2 = v == "true" || v == "1"
	}
	if v := os.Getenv("ENABLE_CODEX_INSTRUCTIONS_INJECTION"); v != "" {
		c.Upstream.CodexInstructionsInjection = v == "true" || v == "1"
	}
	if v, ok := envInt("ENDPOINT_PROBE_INTERVAL_MS"); ok {
		c.Probe.Interval = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("ENDPOINT_PROBE_CONCURRENCY"); ok {
		c.Probe.Concurrency = int(v)
	}
	if v, ok := envInt("ENDPOINT_PROBE_TIMEOUT_MS"); ok {
		c.Probe.Timeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("ENDPOINT_PROBE_LOCK_TTL_MS"); ok {
		c.Probe.LockTTL = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("DB_POOL_MAX"); ok {
		c.Database.PoolMax = int(v)
	}
	if v, ok := envInt("DB_POOL_IDLE_TIMEOUT"); ok {
		c.Database.PoolIdleTime = time.Duration(v) * time.Second
	}
	if v, ok := envInt("DB_POOL_CONNECT_TIMEOUT"); ok {
		c.Database.ConnectTimeout = time.Duration(v) * time.Second
	}
}

func envInt(name string) (int64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// minIdleTimeout is the floor for a configured streaming idle timeout.
const minIdleTimeout = 60 * time.Second

// Validate checks cross-field constraints. It is called by Load and by
// tests constructing configs directly.
func (c *Config) Validate() error {
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive, got %v", c.Session.TTL)
	}
	if t := c.Upstream.IdleTimeout; t != 0 && t < minIdleTimeout {
		return fmt.Errorf("upstream.idle_timeout must be 0 or >= %v, got %v", minIdleTimeout, t)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	if c.Probe.Concurrency <= 0 {
		c.Probe.Concurrency = 1
	}
	return nil
}

// Location returns the configured timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
