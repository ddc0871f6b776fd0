package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/observer-core/internal/shared"
)

// RedactionRuleConfig is a single ordered redaction rule applied by the
// Redactor in standard privacy mode.
type RedactionRuleConfig struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement,omitempty"`
}

// APIKeyEntry is a single shared bearer token accepted by the gateway.
// The observer only ever configures one in practice (spec.md §1 limits auth
// to a single shared bearer token), but the type stays a slice so additional
// operator-issued tokens can be rotated in without a config shape change.
type APIKeyEntry struct {
	Key         string `yaml:"key"`
	Description string `yaml:"description,omitempty"`
}

// AuthConfig controls bearer-token authentication on the HTTP surface.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

// CORSConfig controls cross-origin request handling.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig controls the per-key token-bucket limiter.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// TelemetryConfig controls OpenTelemetry tracer/meter export.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

// PrivacyMode selects how the Redactor treats raw text.
type PrivacyMode string

const (
	PrivacyStandard PrivacyMode = "standard"
	PrivacyStrict   PrivacyMode = "strict"
)

// Config is the Observer Core's full runtime configuration, loaded from
// config.yaml in the data directory and overridden by environment variables.
type Config struct {
	HomeDir string `yaml:"-"`

	// DataDir holds rotated JSONL streams and metrics.json (spec.md §6).
	DataDir string `yaml:"data_dir"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// MaxQueueSize bounds pending async-writer work before backpressure
	// drop rules engage (spec.md §4.1, §5).
	MaxQueueSize int `yaml:"max_queue_size"`

	// RingCapacity bounds the in-memory event/CoT ring (spec.md §3, default 5000).
	RingCapacity int `yaml:"ring_capacity"`

	// RotationBytes is the Async Writer's size-based rotation threshold.
	RotationBytes int64 `yaml:"rotation_bytes"`

	// MaxClients bounds the Broadcaster's subscriber set (spec.md §4.4).
	MaxClients int `yaml:"max_clients"`

	// HeartbeatIntervalMs is the Broadcaster's ping cadence.
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`

	// DrainTimeoutSeconds bounds how long shutdown waits for the Async
	// Writer to flush pending records before force-closing subscribers.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	PrivacyMode     PrivacyMode           `yaml:"privacy_mode"`
	RedactionRules  []RedactionRuleConfig `yaml:"redaction_rules"`

	// AllowedOrigins is the Origin allowlist (spec.md §4.5). Absent Origin
	// headers are always accepted (server-to-server / CLI calls).
	AllowedOrigins []string `yaml:"allowed_origins"`

	// AuthToken is the single shared bearer token. Empty means auth disabled.
	AuthToken string `yaml:"auth_token"`

	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// RequestMaxBytes caps HTTP request bodies (control endpoints only).
	RequestMaxBytes int64 `yaml:"request_max_bytes"`

	// Standalone declares that no runtime controller will ever be attached,
	// so /observer/status may legitimately report "running" with no
	// controller present (spec.md §9 open question).
	Standalone bool `yaml:"standalone"`

	NeedsGenesis bool `yaml:"-"`

	// AppliedEnvOverrides records which OBSERVER_* env vars overrode
	// config.yaml on this Load, with values redacted via
	// shared.RedactEnvValue, for a one-line startup log a reader can audit
	// without it leaking OBSERVER_AUTH_TOKEN.
	AppliedEnvOverrides map[string]string `yaml:"-"`
}

// AuthConfigFromToken builds the gateway's AuthConfig from the single shared
// bearer token, the documented spec.md §4.5 shape. The richer multi-key
// config.Auth field is kept for deployments that need to rotate tokens but
// is not exercised by the documented single-token flow.
func (c Config) AuthConfigFromToken() AuthConfig {
	if c.AuthToken == "" {
		if c.Auth.Enabled {
			return c.Auth
		}
		return AuthConfig{Enabled: false}
	}
	return AuthConfig{
		Enabled: true,
		Keys:    []APIKeyEntry{{Key: c.AuthToken, Description: "shared bearer token"}},
	}
}

// Fingerprint returns a short hash identifying the active configuration,
// used to detect drift between what operators expect and what is running.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|data=%s|queue=%d|ring=%d|clients=%d|privacy=%s|origins=%v",
		c.BindAddr, c.DataDir, c.MaxQueueSize, c.RingCapacity, c.MaxClients, c.PrivacyMode, c.AllowedOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:8089",
		LogLevel:            "info",
		MaxQueueSize:        1000,
		RingCapacity:        5000,
		RotationBytes:       128 * 1024 * 1024,
		MaxClients:          256,
		HeartbeatIntervalMs: 15000,
		DrainTimeoutSeconds: 5,
		PrivacyMode:         PrivacyStandard,
		RequestMaxBytes:     1 * 1024 * 1024,
		RedactionRules: []RedactionRuleConfig{
			{Name: "bearer_token", Pattern: `(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`},
			{Name: "api_key", Pattern: `(?i)(api[_-]?key|secret[_-]?key|auth[_-]?token)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`},
			{Name: "email", Pattern: `[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`},
		},
	}
}

// HomeDir resolves the observer's home directory, overridable via
// OBSERVER_HOME for test isolation and multi-instance deployments.
func HomeDir() string {
	if override := os.Getenv("OBSERVER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".observer-core")
}

// Load reads config.yaml from the home directory (creating defaults on first
// run), applies environment overrides, and normalizes the result.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create observer home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8089"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.HomeDir, "data")
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 5000
	}
	if cfg.RotationBytes <= 0 {
		cfg.RotationBytes = 128 * 1024 * 1024
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 256
	}
	if cfg.HeartbeatIntervalMs <= 0 {
		cfg.HeartbeatIntervalMs = 15000
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.PrivacyMode == "" {
		cfg.PrivacyMode = PrivacyStandard
	}
	if cfg.RequestMaxBytes <= 0 {
		cfg.RequestMaxBytes = 1 * 1024 * 1024
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err == nil {
		// Best-effort: Load() callers surface directory errors on first
		// write instead, matching the Async Writer's failure model.
		_ = err
	}
}

// applyEnvOverrides lets operators override sensitive or environment-specific
// fields without editing config.yaml, mirroring the teacher's convention of
// env vars taking precedence over file config. It records which variables it
// applied (value redacted via shared.RedactEnvValue) on cfg.AppliedEnvOverrides
// so main can log what changed at startup without risking OBSERVER_AUTH_TOKEN
// landing in logs/system.jsonl in the clear.
func applyEnvOverrides(cfg *Config) {
	cfg.AppliedEnvOverrides = map[string]string{}
	apply := func(key, value string) {
		cfg.AppliedEnvOverrides[key] = shared.RedactEnvValue(key, value)
	}

	if v := os.Getenv("OBSERVER_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
		apply("OBSERVER_BIND_ADDR", v)
	}
	if v := os.Getenv("OBSERVER_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
		apply("OBSERVER_AUTH_TOKEN", v)
	}
	if v := os.Getenv("OBSERVER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
		apply("OBSERVER_LOG_LEVEL", v)
	}
	if v := os.Getenv("OBSERVER_DATA_DIR"); v != "" {
		cfg.DataDir = v
		apply("OBSERVER_DATA_DIR", v)
	}
	if v := os.Getenv("OBSERVER_PRIVACY_MODE"); v != "" {
		cfg.PrivacyMode = PrivacyMode(strings.ToLower(strings.TrimSpace(v)))
		apply("OBSERVER_PRIVACY_MODE", v)
	}
	if v := os.Getenv("OBSERVER_MAX_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxQueueSize = n
			apply("OBSERVER_MAX_QUEUE_SIZE", v)
		}
	}
	if v := os.Getenv("OBSERVER_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = strings.Split(v, ",")
		apply("OBSERVER_ALLOWED_ORIGINS", v)
	}
	if v := os.Getenv("OBSERVER_STANDALONE"); v != "" {
		cfg.Standalone = v == "1" || strings.EqualFold(v, "true")
		apply("OBSERVER_STANDALONE", v)
	}
}

// HeartbeatInterval returns HeartbeatIntervalMs as a time.Duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// DrainTimeout returns DrainTimeoutSeconds as a time.Duration.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}
