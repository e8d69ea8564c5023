// Package config provides centralized configuration for all pipeline
// components. Configuration is loaded in priority order: defaults, then a
// JSON config file, then environment variables (with .env support for the
// provider API key).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// AppConfig represents the complete application configuration.
type AppConfig struct {
	// Application metadata
	AppName string `json:"app_name" envconfig:"APP_NAME"`
	Version string `json:"version" envconfig:"VERSION"`

	// Provider configuration
	Provider ProviderConfig `json:"provider"`

	// Universe configuration
	Universe UniverseConfig `json:"universe"`

	// Pipeline configuration
	Pipeline PipelineConfig `json:"pipeline"`

	// Scheduler configuration
	Scheduler SchedulerConfig `json:"scheduler"`

	// Validator configuration
	Validator ValidatorConfig `json:"validator"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics"`
}

// ProviderConfig configures the market data providers.
type ProviderConfig struct {
	// FinnhubAPIKey authenticates quote requests. Loaded from the
	// environment (or a .env file), never from the JSON config.
	FinnhubAPIKey string `json:"-" envconfig:"FINNHUB_API_KEY"`

	// FinnhubBaseURL overrides the quote API endpoint (tests, proxies).
	FinnhubBaseURL string `json:"finnhub_base_url" envconfig:"FINNHUB_BASE_URL"`

	// YahooBaseURL overrides the chart API endpoint.
	YahooBaseURL string `json:"yahoo_base_url" envconfig:"YAHOO_BASE_URL"`
}

// UniverseConfig configures the instrument universe.
type UniverseConfig struct {
	// FilePath points at a YAML universe file. Empty means the built-in
	// default universe of 11 SPDR sector ETFs.
	FilePath string `json:"file_path" envconfig:"UNIVERSE_FILE"`
}

// PipelineConfig configures refresh and snapshot behavior.
type PipelineConfig struct {
	// WorkerCount is the number of concurrent per-instrument fetch jobs.
	WorkerCount int `json:"worker_count" envconfig:"WORKER_COUNT"`

	// LookbackDays is how many calendar days of bars a refresh requests.
	LookbackDays int `json:"lookback_days" envconfig:"LOOKBACK_DAYS"`

	// DefaultWindow is the trailing aggregation window in trading days.
	DefaultWindow int `json:"default_window" envconfig:"DEFAULT_WINDOW"`

	// StorageBackend is "memory" or "duckdb".
	StorageBackend string `json:"storage_backend" envconfig:"STORAGE_BACKEND"`

	// GracefulTimeout bounds shutdown, as a duration string.
	GracefulTimeout string `json:"graceful_timeout" envconfig:"GRACEFUL_TIMEOUT"`
}

// SchedulerConfig configures periodic refresh in watch mode.
type SchedulerConfig struct {
	// Enabled turns the scheduler on.
	Enabled bool `json:"enabled" envconfig:"SCHEDULER_ENABLED"`

	// BarInterval is how often daily bars are refreshed.
	BarInterval string `json:"bar_interval" envconfig:"BAR_INTERVAL"`

	// QuoteInterval is how often realtime quotes are refreshed.
	QuoteInterval string `json:"quote_interval" envconfig:"QUOTE_INTERVAL"`

	// AlignToDay delays the first bar refresh to the next UTC midnight.
	AlignToDay bool `json:"align_to_day" envconfig:"ALIGN_TO_DAY"`

	// MaxConcurrentJobs caps simultaneously running refresh jobs.
	MaxConcurrentJobs int `json:"max_concurrent_jobs" envconfig:"MAX_CONCURRENT_JOBS"`
}

// ValidatorConfig configures the bar validation pipeline.
type ValidatorConfig struct {
	// Enabled turns batch validation on. Bar-level Validate always runs.
	Enabled bool `json:"enabled" envconfig:"VALIDATOR_ENABLED"`

	// MaxBarAge is the retention window for the stale check.
	MaxBarAge string `json:"max_bar_age" envconfig:"MAX_BAR_AGE"`

	// FutureTolerance is the clock-skew allowance for the future check.
	FutureTolerance string `json:"future_tolerance" envconfig:"FUTURE_TOLERANCE"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level         string            `json:"level" envconfig:"LOG_LEVEL"`             // debug, info, warn, error
	Format        string            `json:"format" envconfig:"LOG_FORMAT"`           // json, text
	Output        string            `json:"output" envconfig:"LOG_OUTPUT"`           // stdout, stderr, file
	FilePath      string            `json:"file_path" envconfig:"LOG_FILE_PATH"`     // log file path
	MaxSize       int               `json:"max_size" envconfig:"LOG_MAX_SIZE"`       // MB
	MaxBackups    int               `json:"max_backups" envconfig:"LOG_MAX_BACKUPS"` // rotated files kept
	MaxAge        int               `json:"max_age" envconfig:"LOG_MAX_AGE"`         // days
	Compress      bool              `json:"compress" envconfig:"LOG_COMPRESS"`
	ContextFields map[string]string `json:"context_fields"`
}

// MetricsConfig configures the metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" envconfig:"METRICS_ENABLED"`
	Port    int    `json:"port" envconfig:"METRICS_PORT"`
	Path    string `json:"path" envconfig:"METRICS_PATH"`
}

// Manager handles configuration loading and validation.
type Manager struct {
	config     *AppConfig
	configPath string
	logger     *slog.Logger
}

// NewManager creates a configuration manager. configPath may be empty when
// no config file is used.
func NewManager(configPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		configPath: configPath,
		logger:     logger,
	}
}

// Load loads configuration in priority order:
//  1. environment variables (highest, including a .env file)
//  2. the JSON configuration file
//  3. defaults (lowest)
func (m *Manager) Load() (*AppConfig, error) {
	config := DefaultConfig()

	if m.configPath != "" {
		if err := m.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Best-effort .env load: a missing file is not an error.
	if err := godotenv.Load(); err == nil {
		m.logger.Debug("loaded environment from .env file")
	}

	if err := envconfig.Process("sectorflow", config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	m.config = config
	m.logger.Info("configuration loaded",
		"config_path", m.configPath,
		"storage_backend", config.Pipeline.StorageBackend,
		"log_level", config.Logging.Level)
	return config, nil
}

// loadFromFile merges the JSON config file over the defaults. A missing
// file is fine.
func (m *Manager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		m.logger.Debug("config file does not exist, using defaults", "path", m.configPath)
		return nil
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", m.configPath, err)
	}
	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", m.configPath, err)
	}
	return nil
}

// Get returns the loaded configuration.
func (m *Manager) Get() *AppConfig {
	return m.config
}

// Save writes the current configuration to the config file, excluding
// secrets.
func (m *Manager) Save() error {
	if m.configPath == "" {
		return fmt.Errorf("no config path specified")
	}
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	m.logger.Info("configuration saved", "path", m.configPath)
	return nil
}

// Validate checks the configuration for consistency.
func (c *AppConfig) Validate() error {
	var problems []string

	if c.Pipeline.WorkerCount <= 0 {
		problems = append(problems, "pipeline.worker_count must be greater than 0")
	}
	if c.Pipeline.LookbackDays <= 0 {
		problems = append(problems, "pipeline.lookback_days must be greater than 0")
	}
	if c.Pipeline.DefaultWindow < 0 {
		problems = append(problems, "pipeline.default_window cannot be negative")
	}
	switch c.Pipeline.StorageBackend {
	case "memory", "duckdb":
	default:
		problems = append(problems, `pipeline.storage_backend must be "memory" or "duckdb"`)
	}
	if _, err := time.ParseDuration(c.Pipeline.GracefulTimeout); err != nil {
		problems = append(problems, fmt.Sprintf("pipeline.graceful_timeout is not a valid duration: %v", err))
	}

	if c.Scheduler.Enabled {
		if _, err := time.ParseDuration(c.Scheduler.BarInterval); err != nil {
			problems = append(problems, fmt.Sprintf("scheduler.bar_interval is not a valid duration: %v", err))
		}
		if _, err := time.ParseDuration(c.Scheduler.QuoteInterval); err != nil {
			problems = append(problems, fmt.Sprintf("scheduler.quote_interval is not a valid duration: %v", err))
		}
		if c.Scheduler.MaxConcurrentJobs <= 0 {
			problems = append(problems, "scheduler.max_concurrent_jobs must be greater than 0")
		}
	}

	if c.Validator.Enabled {
		if _, err := time.ParseDuration(c.Validator.MaxBarAge); err != nil {
			problems = append(problems, fmt.Sprintf("validator.max_bar_age is not a valid duration: %v", err))
		}
		if _, err := time.ParseDuration(c.Validator.FutureTolerance); err != nil {
			problems = append(problems, fmt.Sprintf("validator.future_tolerance is not a valid duration: %v", err))
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		problems = append(problems, "logging.level must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		problems = append(problems, "logging.format must be one of: json, text")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			problems = append(problems, "metrics.port must be between 1 and 65535")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(problems, "\n- "))
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "sectorflow",
		Version: "1.0.0",
		Provider: ProviderConfig{
			FinnhubBaseURL: "",
			YahooBaseURL:   "",
		},
		Universe: UniverseConfig{
			FilePath: "",
		},
		Pipeline: PipelineConfig{
			WorkerCount:     4,
			LookbackDays:    90,
			DefaultWindow:   20,
			StorageBackend:  "memory",
			GracefulTimeout: "30s",
		},
		Scheduler: SchedulerConfig{
			Enabled:           false,
			BarInterval:       "24h",
			QuoteInterval:     "60s",
			AlignToDay:        true,
			MaxConcurrentJobs: 2,
		},
		Validator: ValidatorConfig{
			Enabled:         true,
			MaxBarAge:       "17520h", // two years
			FutureTolerance: "24h",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
			ContextFields: map[string]string{
				"service": "sectorflow",
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Duration accessors for the string-typed fields.

// GracefulTimeoutDuration parses Pipeline.GracefulTimeout.
func (c *PipelineConfig) GracefulTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.GracefulTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// BarIntervalDuration parses Scheduler.BarInterval.
func (c *SchedulerConfig) BarIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.BarInterval)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// QuoteIntervalDuration parses Scheduler.QuoteInterval.
func (c *SchedulerConfig) QuoteIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.QuoteInterval)
	if err != nil {
		return time.Minute
	}
	return d
}

// MaxBarAgeDuration parses Validator.MaxBarAge.
func (c *ValidatorConfig) MaxBarAgeDuration() time.Duration {
	d, err := time.ParseDuration(c.MaxBarAge)
	if err != nil {
		return 2 * 365 * 24 * time.Hour
	}
	return d
}

// FutureToleranceDuration parses Validator.FutureTolerance.
func (c *ValidatorConfig) FutureToleranceDuration() time.Duration {
	d, err := time.ParseDuration(c.FutureTolerance)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// String returns the configuration as JSON with the API key redacted.
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.Provider.FinnhubAPIKey != "" {
		sanitized.Provider.FinnhubAPIKey = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}
