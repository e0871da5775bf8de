// Package config loads daemon configuration: defaults, then an optional
// YAML file, then environment variable overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RateLimit is one operation's sliding-window budget.
type RateLimit struct {
	MaxCalls int      `yaml:"max_calls" json:"max_calls"`
	Window   Duration `yaml:"window" json:"window"`
}

// Config holds everything the daemon needs to assemble a governed
// kernel.
type Config struct {
	LogLevel          string        `yaml:"log_level" json:"log_level"`
	HeartbeatInterval Duration      `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	DriftThreshold    float64       `yaml:"drift_threshold" json:"drift_threshold"`
	WitnessTimeout    Duration      `yaml:"witness_timeout" json:"witness_timeout"`
	WitnessExpr       string        `yaml:"witness_expr,omitempty" json:"witness_expr,omitempty"`
	MetricsEnabled    bool          `yaml:"metrics_enabled" json:"metrics_enabled"`

	// Per-operation rate limits, keyed by operation name
	// (append, witness, heartbeat, molt, enforce_coherence, rehydrate).
	RateLimits map[string]RateLimit `yaml:"rate_limits,omitempty" json:"rate_limits,omitempty"`

	SQLitePath string `yaml:"sqlite_path" json:"sqlite_path"`
	RedisAddr  string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`

	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty"`
	ServiceName  string `yaml:"service_name" json:"service_name"`

	// AuditMACSecret keys the audit trail's MAC derivation. Empty
	// disables MACs.
	AuditMACSecret string `yaml:"audit_mac_secret,omitempty" json:"audit_mac_secret,omitempty"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		LogLevel:          "INFO",
		HeartbeatInterval: Duration(time.Hour),
		DriftThreshold:    0.35,
		WitnessTimeout:    Duration(5 * time.Minute),
		MetricsEnabled:    true,
		SQLitePath:        "carapace.db",
		ServiceName:       "carapace",
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped if
// path is empty), and environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CARAPACE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CARAPACE_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HeartbeatInterval = Duration(d)
		}
	}
	if v := os.Getenv("CARAPACE_DRIFT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.DriftThreshold = f
		}
	}
	if v := os.Getenv("CARAPACE_WITNESS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.WitnessTimeout = Duration(d)
		}
	}
	if v := os.Getenv("CARAPACE_SQLITE_PATH"); v != "" {
		c.SQLitePath = v
	}
	if v := os.Getenv("CARAPACE_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("CARAPACE_OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
	}
	if v := os.Getenv("CARAPACE_AUDIT_MAC_SECRET"); v != "" {
		c.AuditMACSecret = v
	}
	if v := os.Getenv("CARAPACE_METRICS_ENABLED"); v != "" {
		c.MetricsEnabled = v == "true" || v == "1"
	}
}

// Validate rejects configurations the kernel cannot run with.
func (c *Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat_interval must be positive, got %s", c.HeartbeatInterval.Std())
	}
	if c.DriftThreshold <= 0 || c.DriftThreshold > 1 {
		return fmt.Errorf("config: drift_threshold must be in (0, 1], got %g", c.DriftThreshold)
	}
	if c.WitnessTimeout <= 0 {
		return fmt.Errorf("config: witness_timeout must be positive, got %s", c.WitnessTimeout.Std())
	}
	for op, limit := range c.RateLimits {
		if limit.MaxCalls < 0 || limit.Window <= 0 {
			return fmt.Errorf("config: rate limit for %s must have non-negative max_calls and a positive window", op)
		}
	}
	return nil
}
