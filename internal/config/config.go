// ABOUTME: Configuration loading and parsing for pluggedin-broker
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left unset
const (
	DefaultAuthTimeout        = 10 * time.Second
	DefaultIdleTimeout        = 5 * time.Minute
	DefaultReapInterval       = time.Minute
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultMaxPerPrincipal    = 5
	DefaultRateLimitWindow    = time.Minute
	DefaultRateLimitThreshold = 60
)

// Config represents the complete pluggedin-broker configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Limits   LimitsConfig   `yaml:"limits"`
	Liveness LivenessConfig `yaml:"liveness"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	HandshakeTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	HandshakeTimeoutRaw string `yaml:"handshake_timeout"`
}

// LimitsConfig holds abuse-control configuration
type LimitsConfig struct {
	MaxSessionsPerPrincipal int `yaml:"max_sessions_per_principal"`
	RateLimitThreshold      int `yaml:"rate_limit_threshold"`

	RateLimitWindow time.Duration `yaml:"-"`

	RateLimitWindowRaw string `yaml:"rate_limit_window"`
}

// LivenessConfig holds heartbeat and idle-reaper timing configuration
type LivenessConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	ReapInterval      time.Duration `yaml:"-"`
	IdleTimeout       time.Duration `yaml:"-"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	ReapIntervalRaw      string `yaml:"reap_interval"`
	IdleTimeoutRaw       string `yaml:"idle_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Limits.MaxSessionsPerPrincipal <= 0 {
		return fmt.Errorf("limits.max_sessions_per_principal must be positive")
	}
	if c.Limits.RateLimitThreshold <= 0 {
		return fmt.Errorf("limits.rate_limit_threshold must be positive")
	}
	return nil
}

// applyDefaults fills in defaults for unset optional fields
func (c *Config) applyDefaults() {
	if c.Auth.HandshakeTimeout == 0 {
		c.Auth.HandshakeTimeout = DefaultAuthTimeout
	}
	if c.Limits.MaxSessionsPerPrincipal == 0 {
		c.Limits.MaxSessionsPerPrincipal = DefaultMaxPerPrincipal
	}
	if c.Limits.RateLimitThreshold == 0 {
		c.Limits.RateLimitThreshold = DefaultRateLimitThreshold
	}
	if c.Limits.RateLimitWindow == 0 {
		c.Limits.RateLimitWindow = DefaultRateLimitWindow
	}
	if c.Liveness.HeartbeatInterval == 0 {
		c.Liveness.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Liveness.ReapInterval == 0 {
		c.Liveness.ReapInterval = DefaultReapInterval
	}
	if c.Liveness.IdleTimeout == 0 {
		c.Liveness.IdleTimeout = DefaultIdleTimeout
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Auth.HandshakeTimeoutRaw, &cfg.Auth.HandshakeTimeout, "auth.handshake_timeout"},
		{cfg.Limits.RateLimitWindowRaw, &cfg.Limits.RateLimitWindow, "limits.rate_limit_window"},
		{cfg.Liveness.HeartbeatIntervalRaw, &cfg.Liveness.HeartbeatInterval, "liveness.heartbeat_interval"},
		{cfg.Liveness.ReapIntervalRaw, &cfg.Liveness.ReapInterval, "liveness.reap_interval"},
		{cfg.Liveness.IdleTimeoutRaw, &cfg.Liveness.IdleTimeout, "liveness.idle_timeout"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
