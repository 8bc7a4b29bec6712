// ABOUTME: Configuration loading and parsing for coven-hub
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-hub configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Hub        HubConfig        `yaml:"hub"`
	Agents     AgentsConfig     `yaml:"agents"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// HubConfig holds connection table and accept-path tuning knobs
type HubConfig struct {
	// MaxConnections caps the connection table. Zero means the default.
	MaxConnections int `yaml:"max_connections"`

	// AcceptRate limits websocket accepts per second (token bucket).
	// Zero means the default.
	AcceptRate  float64 `yaml:"accept_rate"`
	AcceptBurst int     `yaml:"accept_burst"`

	IdleTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IdleTimeoutRaw string `yaml:"idle_timeout"`
}

// AgentsConfig holds dispatcher timing configuration and the optional
// static agent manifest path.
type AgentsConfig struct {
	ManifestPath string `yaml:"manifest_path"`

	DirectTimeout    time.Duration `yaml:"-"`
	BroadcastTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DirectTimeoutRaw    string `yaml:"direct_timeout"`
	BroadcastTimeoutRaw string `yaml:"broadcast_timeout"`
}

// MonitoringConfig holds the metrics sampling loop configuration
type MonitoringConfig struct {
	Enabled bool `yaml:"enabled"`

	Interval time.Duration `yaml:"-"`

	IntervalRaw string `yaml:"interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when fields are unset.
const (
	DefaultMaxConnections     = 10_000
	DefaultAcceptRate         = 100.0
	DefaultAcceptBurst        = 50
	DefaultIdleTimeout        = 5 * time.Minute
	DefaultDirectTimeout      = 30 * time.Second
	DefaultBroadcastTimeout   = 15 * time.Second
	DefaultMonitoringInterval = 10 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills in zero-valued tuning knobs.
func (c *Config) ApplyDefaults() {
	if c.Hub.MaxConnections == 0 {
		c.Hub.MaxConnections = DefaultMaxConnections
	}
	if c.Hub.AcceptRate == 0 {
		c.Hub.AcceptRate = DefaultAcceptRate
	}
	if c.Hub.AcceptBurst == 0 {
		c.Hub.AcceptBurst = DefaultAcceptBurst
	}
	if c.Hub.IdleTimeout == 0 {
		c.Hub.IdleTimeout = DefaultIdleTimeout
	}
	if c.Agents.DirectTimeout == 0 {
		c.Agents.DirectTimeout = DefaultDirectTimeout
	}
	if c.Agents.BroadcastTimeout == 0 {
		c.Agents.BroadcastTimeout = DefaultBroadcastTimeout
	}
	if c.Monitoring.Interval == 0 {
		c.Monitoring.Interval = DefaultMonitoringInterval
	}
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

	if c.Hub.MaxConnections < 0 {
		return fmt.Errorf("hub.max_connections must be non-negative")
	}

	if c.Hub.AcceptRate < 0 {
		return fmt.Errorf("hub.accept_rate must be non-negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Hub.IdleTimeoutRaw, &cfg.Hub.IdleTimeout, "idle_timeout"},
		{cfg.Agents.DirectTimeoutRaw, &cfg.Agents.DirectTimeout, "direct_timeout"},
		{cfg.Agents.BroadcastTimeoutRaw, &cfg.Agents.BroadcastTimeout, "broadcast_timeout"},
		{cfg.Monitoring.IntervalRaw, &cfg.Monitoring.Interval, "interval"},
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
