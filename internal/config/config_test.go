package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "pipeline.db", cfg.Store.DSN)
	assert.Equal(t, time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
store:
  driver: memory
log:
  level: debug
  format: json
scheduler:
  threads: 4
  poll_interval: 250ms
  claim_attempts: 3
redis:
  addr: localhost:6379
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 4, cfg.Scheduler.Threads)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.PollInterval)
	assert.Equal(t, 3, cfg.ClaimRetry().MaxAttempts)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "store:\n  drvier: mysql\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drvier")
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "log:\n  level: warn\n")
	t.Setenv("PIPELINE_LOG_LEVEL", "error")
	t.Setenv("PIPELINE_POLL_INTERVAL", "2s")
	t.Setenv("PIPELINE_TRACING_ENABLED", "true")
	t.Setenv("PIPELINE_THREADS", "8")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.PollInterval)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, 8, cfg.Scheduler.Threads)
}

func TestEnvParseError(t *testing.T) {
	t.Setenv("PIPELINE_THREADS", "many")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PIPELINE_THREADS")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "oracle" }, "Driver"},
		{"missing dsn", func(c *Config) { c.Store.DSN = "" }, "DSN"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "Level"},
		{"negative threads", func(c *Config) { c.Scheduler.Threads = -1 }, "Threads"},
		{"zero poll", func(c *Config) { c.Scheduler.PollInterval = 0 }, "PollInterval"},
		{"zero attempts", func(c *Config) { c.Scheduler.ClaimAttempts = 0 }, "ClaimAttempts"},
		{"inverted delays", func(c *Config) {
			c.Scheduler.ClaimBaseDelay = time.Second
			c.Scheduler.ClaimMaxDelay = time.Millisecond
		}, "claim_max_delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestMemoryDriverNeedsNoDSN(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "memory"
	cfg.Store.DSN = ""
	assert.NoError(t, cfg.Validate())
}
