package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strand.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
endpoint:
  base_url: https://agents.example.com
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://agents.example.com", cfg.Endpoint.BaseURL)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 2.0, cfg.Retry.BackoffMultiplier)
	assert.Equal(t, 60*time.Second, cfg.Stream.IdleTimeout)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "assistant", cfg.Routing.DefaultAgent)
	assert.False(t, cfg.Routing.RequireContext)
	assert.Equal(t, "127.0.0.1:8420", cfg.Server.Address())
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("STRAND_TOKEN", "sekrit")
	t.Setenv("STRAND_BASE_URL", "")

	path := writeConfig(t, `
endpoint:
  base_url: ${STRAND_BASE_URL:-http://localhost:9000}
  token: ${STRAND_TOKEN}
storage:
  driver: sqlite
  dsn: $STRAND_DSN
`)
	t.Setenv("STRAND_DSN", "file:strand.db")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:9000", cfg.Endpoint.BaseURL)
	assert.Equal(t, "sekrit", cfg.Endpoint.Token)
	assert.Equal(t, "file:strand.db", cfg.Storage.DSN)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "endpoint: [not: a: mapping")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "negative max retries",
			mutate:  func(c *Config) { c.Retry.MaxRetries = -1 },
			wantErr: "retry.max_retries",
		},
		{
			name:    "multiplier below one",
			mutate:  func(c *Config) { c.Retry.BackoffMultiplier = 0.5 },
			wantErr: "retry.backoff_multiplier",
		},
		{
			name:    "jitter out of range",
			mutate:  func(c *Config) { c.Retry.JitterFactor = 1.5 },
			wantErr: "retry.jitter_factor",
		},
		{
			name:    "sql driver without dsn",
			mutate:  func(c *Config) { c.Storage.Driver = "postgres" },
			wantErr: "storage.dsn is required",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Storage.Driver = "cassandra" },
			wantErr: "unsupported storage driver",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "unknown logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestRetryConfig_Policy(t *testing.T) {
	cfg := Default()
	p := cfg.Retry.Policy()
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Equal(t, 2.0, p.BackoffMultiplier)
	assert.Equal(t, 30*time.Second, p.MaxDelay)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("STRAND_SET", "value")
	t.Setenv("STRAND_EMPTY", "")

	tests := []struct {
		in   string
		want string
	}{
		{"no vars here", "no vars here"},
		{"${STRAND_SET}", "value"},
		{"$STRAND_SET", "value"},
		{"${STRAND_EMPTY:-fallback}", "fallback"},
		{"${STRAND_SET:-fallback}", "value"},
		{"${STRAND_UNSET}", ""},
		{"prefix-${STRAND_SET}-suffix", "prefix-value-suffix"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, expandEnvVars(tt.in), "input: %s", tt.in)
	}
}
