// Package config loads and validates the client configuration from YAML,
// with environment variable expansion and .env support.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/strand-agents/strand/pkg/retry"
)

// Config is the root configuration.
type Config struct {
	Endpoint EndpointConfig `json:"endpoint" yaml:"endpoint"`
	Retry    RetryConfig    `json:"retry" yaml:"retry"`
	Stream   StreamConfig   `json:"stream" yaml:"stream"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Routing  RoutingConfig  `json:"routing" yaml:"routing"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// EndpointConfig locates the remote agent endpoint.
type EndpointConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Token   string `json:"token" yaml:"token"`
}

// RetryConfig mirrors retry.Policy in config form.
type RetryConfig struct {
	MaxRetries        int           `json:"max_retries" yaml:"max_retries"`
	BaseDelay         time.Duration `json:"base_delay" yaml:"base_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`
	MaxDelay          time.Duration `json:"max_delay" yaml:"max_delay"`
	JitterFactor      float64       `json:"jitter_factor" yaml:"jitter_factor"`
}

// Policy converts the config into a retry policy.
func (c RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxRetries:        c.MaxRetries,
		BaseDelay:         c.BaseDelay,
		BackoffMultiplier: c.BackoffMultiplier,
		Timeout:           c.Timeout,
		MaxDelay:          c.MaxDelay,
		JitterFactor:      c.JitterFactor,
	}
}

// StreamConfig tunes streaming behavior.
type StreamConfig struct {
	// IdleTimeout is the maximum gap between frames before a stream is
	// failed as a transport fault. Zero disables the watchdog.
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// StorageConfig selects the transcript store backend.
type StorageConfig struct {
	// Driver is one of: memory, sqlite, postgres, mysql.
	Driver string `json:"driver" yaml:"driver"`
	// DSN is the database connection string; unused for memory.
	DSN string `json:"dsn" yaml:"dsn"`
}

// RoutingConfig governs context binding behavior.
type RoutingConfig struct {
	// RequireContext makes sends fail fast when the session has no bound
	// context, instead of falling back to the default agent.
	RequireContext bool `json:"require_context" yaml:"require_context"`
	// DefaultAgent receives requests from unbound sessions.
	DefaultAgent string `json:"default_agent" yaml:"default_agent"`
}

// ServerConfig configures the dev agent server.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// Address returns the listen address.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig configures the slog logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // text | json
	File   string `json:"file" yaml:"file"`     // empty = stderr
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero values with defaults.
func (c *Config) SetDefaults() {
	if c.Endpoint.BaseURL == "" {
		c.Endpoint.BaseURL = "http://localhost:8420"
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.MaxRetries = 3
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.BackoffMultiplier == 0 {
		c.Retry.BackoffMultiplier = 2.0
	}
	if c.Retry.Timeout == 0 {
		c.Retry.Timeout = 60 * time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Stream.IdleTimeout == 0 {
		c.Stream.IdleTimeout = 60 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Routing.DefaultAgent == "" {
		c.Routing.DefaultAgent = "assistant"
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8420
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Endpoint.BaseURL == "" {
		return fmt.Errorf("endpoint.base_url is required")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be at least 1")
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		return fmt.Errorf("retry.jitter_factor must be between 0 and 1")
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "sqlite3", "postgres", "mysql":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unsupported storage driver %q (supported: memory, sqlite, postgres, mysql)", c.Storage.Driver)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid port number")
	}
	if _, err := parseLevelName(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

func parseLevelName(level string) (string, error) {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error", "":
		return level, nil
	default:
		return "", fmt.Errorf("unknown logging.level %q", level)
	}
}

// Load reads the YAML config file, expands environment references, applies
// defaults and validates. .env files next to the working directory are
// loaded first so ${VAR} references resolve against them too.
func Load(path string) (*Config, error) {
	// Best effort; a missing .env is not an error.
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(raw))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ============================================================================
// ENVIRONMENT VARIABLE EXPANSION
// Supports ${VAR}, ${VAR:-default} and $VAR forms.
// ============================================================================

var envVarPatterns = struct {
	withDefault *regexp.Regexp
	braced      *regexp.Regexp
	simple      *regexp.Regexp
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
	simple:      regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`),
}

func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if len(parts) == 3 {
			if val := os.Getenv(parts[1]); val != "" {
				return val
			}
			return parts[2]
		}
		return match
	})

	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	s = envVarPatterns.simple.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.simple.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	return s
}
