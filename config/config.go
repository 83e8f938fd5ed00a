// ABOUTME: Configuration loading and parsing for the lefi client
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete client configuration
type Config struct {
	Token      string         `yaml:"token"`
	Intents    int            `yaml:"intents"`
	ShardCount int            `yaml:"shard_count"`
	API        APIConfig      `yaml:"api"`
	Gateway    GatewayConfig  `yaml:"gateway"`
	Database   DatabaseConfig `yaml:"database"`
	Cache      CacheConfig    `yaml:"cache"`
	Logging    LoggingConfig  `yaml:"logging"`
}

// APIConfig holds REST endpoint configuration
type APIConfig struct {
	BaseURL string `yaml:"base_url"`
}

// GatewayConfig holds websocket connection tuning
type GatewayConfig struct {
	URL string `yaml:"url"`

	IdentifyInterval time.Duration `yaml:"-"`
	ReconnectBase    time.Duration `yaml:"-"`
	ReconnectMax     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IdentifyIntervalRaw string `yaml:"identify_interval"`
	ReconnectBaseRaw    string `yaml:"reconnect_base"`
	ReconnectMaxRaw     string `yaml:"reconnect_max"`
}

// DatabaseConfig holds session persistence configuration.
// An empty path disables resume persistence.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig bounds the in-memory entity cache
type CacheConfig struct {
	MaxMessages int `yaml:"max_messages"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if c.ShardCount < 0 {
		return fmt.Errorf("shard_count must not be negative")
	}
	if c.Cache.MaxMessages < 0 {
		return fmt.Errorf("cache.max_messages must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Gateway.IdentifyIntervalRaw != "" {
		cfg.Gateway.IdentifyInterval, err = time.ParseDuration(cfg.Gateway.IdentifyIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing identify_interval %q: %w", cfg.Gateway.IdentifyIntervalRaw, err)
		}
	}

	if cfg.Gateway.ReconnectBaseRaw != "" {
		cfg.Gateway.ReconnectBase, err = time.ParseDuration(cfg.Gateway.ReconnectBaseRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_base %q: %w", cfg.Gateway.ReconnectBaseRaw, err)
		}
	}

	if cfg.Gateway.ReconnectMaxRaw != "" {
		cfg.Gateway.ReconnectMax, err = time.ParseDuration(cfg.Gateway.ReconnectMaxRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_max %q: %w", cfg.Gateway.ReconnectMaxRaw, err)
		}
	}

	return nil
}

// BuildLogger constructs a slog.Logger from the logging section.
func (c *Config) BuildLogger() *slog.Logger {
	var level slog.Level
	switch c.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if c.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
