package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	m := NewManager("", nil)

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "sectorflow", cfg.AppName)
	assert.Equal(t, "memory", cfg.Pipeline.StorageBackend)
	assert.Equal(t, 4, cfg.Pipeline.WorkerCount)
	assert.Equal(t, 20, cfg.Pipeline.DefaultWindow)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Scheduler.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"pipeline": {
			"worker_count": 8,
			"lookback_days": 30,
			"default_window": 10,
			"storage_backend": "duckdb",
			"graceful_timeout": "10s"
		},
		"logging": {"level": "debug", "format": "text", "output": "stderr"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	m := NewManager(path, nil)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Pipeline.WorkerCount)
	assert.Equal(t, 30, cfg.Pipeline.LookbackDays)
	assert.Equal(t, "duckdb", cfg.Pipeline.StorageBackend)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "missing.json"), nil)

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Pipeline.StorageBackend)
}

func TestLoadInvalidJSONFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	m := NewManager(path, nil)
	_, err := m.Load()
	require.Error(t, err)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging": {"level": "debug"}}`), 0644))

	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("FINNHUB_API_KEY", "env-key")
	t.Setenv("WORKER_COUNT", "2")

	m := NewManager(path, nil)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "env-key", cfg.Provider.FinnhubAPIKey)
	assert.Equal(t, 2, cfg.Pipeline.WorkerCount)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
		want   string
	}{
		{"zero workers", func(c *AppConfig) { c.Pipeline.WorkerCount = 0 }, "worker_count"},
		{"zero lookback", func(c *AppConfig) { c.Pipeline.LookbackDays = 0 }, "lookback_days"},
		{"negative window", func(c *AppConfig) { c.Pipeline.DefaultWindow = -5 }, "default_window"},
		{"bad backend", func(c *AppConfig) { c.Pipeline.StorageBackend = "postgres" }, "storage_backend"},
		{"bad timeout", func(c *AppConfig) { c.Pipeline.GracefulTimeout = "soon" }, "graceful_timeout"},
		{"bad log level", func(c *AppConfig) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *AppConfig) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad metrics port", func(c *AppConfig) { c.Metrics.Enabled = true; c.Metrics.Port = 70000 }, "metrics.port"},
		{"bad scheduler interval", func(c *AppConfig) { c.Scheduler.Enabled = true; c.Scheduler.BarInterval = "daily" }, "bar_interval"},
		{"bad validator age", func(c *AppConfig) { c.Validator.MaxBarAge = "2y" }, "max_bar_age"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.Pipeline.GracefulTimeoutDuration())
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.BarIntervalDuration())
	assert.Equal(t, time.Minute, cfg.Scheduler.QuoteIntervalDuration())
	assert.Equal(t, 2*365*24*time.Hour, cfg.Validator.MaxBarAgeDuration())
	assert.Equal(t, 24*time.Hour, cfg.Validator.FutureToleranceDuration())

	// Unparseable strings fall back to defaults rather than panicking.
	bad := &SchedulerConfig{BarInterval: "often"}
	assert.Equal(t, 24*time.Hour, bad.BarIntervalDuration())
}

func TestStringNeverLeaksAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Provider.FinnhubAPIKey = "super-secret-token"

	s := cfg.String()
	assert.NotContains(t, s, "super-secret-token")
	assert.True(t, strings.Contains(s, "sectorflow"))
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	m := NewManager(path, nil)
	_, err := m.Load()
	require.NoError(t, err)
	require.NoError(t, m.Save())

	m2 := NewManager(path, nil)
	cfg, err := m2.Load()
	require.NoError(t, err)
	assert.Equal(t, "sectorflow", cfg.AppName)
}
