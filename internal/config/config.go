// Package config provides centralized configuration management for the availability tracker.
// Configuration is layered with koanf: struct defaults first, then an optional YAML file,
// then environment variables (highest priority). The result is validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths lists the config files searched, in order, when no path is given.
var DefaultConfigPaths = []string{
	"availability.yaml",
	"availability.yml",
	"~/.config/binance-futures/availability.yaml",
}

// Validation policies for post-update audits.
const (
	PolicyStrict   = "strict"
	PolicyAdvisory = "advisory"
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	Storage    StorageConfig     `koanf:"storage"`
	Prober     ProberConfig      `koanf:"prober"`
	Backfill   BackfillConfig    `koanf:"backfill"`
	Update     UpdateConfig      `koanf:"update"`
	Scheduler  SchedulerConfig   `koanf:"scheduler"`
	Symbols    SymbolsConfig     `koanf:"symbols"`
	Validation ValidationConfig  `koanf:"validation"`
	Enrich     EnrichConfig      `koanf:"enrich"`
	Logging    LoggingConfig     `koanf:"logging"`
	Metrics    MetricsConfig     `koanf:"metrics"`
	Retry      RetryPolicyConfig `koanf:"retry"`
}

// StorageConfig configures the DuckDB file
type StorageConfig struct {
	DBPath      string `koanf:"db_path" validate:"required"`
	MemoryLimit string `koanf:"memory_limit"` // e.g. "1GB"; empty keeps the DuckDB default
	Threads     int    `koanf:"threads" validate:"gte=0"`
}

// ProberConfig configures remote existence checks
type ProberConfig struct {
	BaseURL            string        `koanf:"base_url" validate:"required,url"`
	Workers            int           `koanf:"workers" validate:"min=1,max=500"`
	Timeout            time.Duration `koanf:"timeout" validate:"gt=0"`
	ConnectTimeout     time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	RateLimit          float64       `koanf:"rate_limit" validate:"gte=0"` // requests per second, 0 = unlimited
	RateBurst          int           `koanf:"rate_burst" validate:"gte=0"`
	ErrorRateThreshold float64       `koanf:"error_rate_threshold" validate:"gte=0,lte=1"` // 0 disables the breaker
	BreakerMinRequests uint32        `koanf:"breaker_min_requests"`
	SymbolKind         string        `koanf:"symbol_kind" validate:"oneof=perpetual delivery all"`
}

// BackfillConfig configures historical backfills
type BackfillConfig struct {
	StartDate      string `koanf:"start_date" validate:"omitempty,datetime=2006-01-02"`
	CheckpointPath string `koanf:"checkpoint_path" validate:"required"`
}

// UpdateConfig configures the daily lookback update
type UpdateConfig struct {
	LookbackDays int `koanf:"lookback_days" validate:"min=1,max=365"`
	Workers      int `koanf:"workers" validate:"min=1,max=500"`
}

// SchedulerConfig configures the daemon mode
type SchedulerConfig struct {
	Time        string `koanf:"time" validate:"required,datetime=15:04"` // UTC wall clock
	StateDBPath string `koanf:"state_db_path" validate:"required"`
	RunMissed   bool   `koanf:"run_missed"`
}

// SymbolsConfig configures the symbol list provider and discovery
type SymbolsConfig struct {
	Path         string `koanf:"path" validate:"required"`
	DiscoveryURL string `koanf:"discovery_url" validate:"required,url"`
	MarketType   string `koanf:"market_type" validate:"oneof=um cm"`
}

// ValidationConfig configures post-ingest audits
type ValidationConfig struct {
	Policy           string  `koanf:"policy" validate:"oneof=strict advisory"`
	MinSymbolCount   int     `koanf:"min_symbol_count" validate:"gte=0"`
	CompletenessDays int     `koanf:"completeness_days" validate:"gte=1"`
	CrossCheck       bool    `koanf:"cross_check"`
	ExchangeInfoURL  string  `koanf:"exchange_info_url" validate:"required,url"`
	MatchThreshold   float64 `koanf:"match_threshold" validate:"gte=0,lte=100"`
}

// EnrichConfig configures the volume enrichment pass
type EnrichConfig struct {
	Workers int `koanf:"workers" validate:"min=1,max=64"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `koanf:"level" validate:"oneof=debug info warn warning error"`
	Format        string            `koanf:"format" validate:"oneof=json text"`
	Output        string            `koanf:"output" validate:"oneof=stdout stderr file"`
	FilePath      string            `koanf:"file_path" validate:"required_if=Output file"`
	MaxSize       int               `koanf:"max_size"`    // MB
	MaxBackups    int               `koanf:"max_backups"` // files
	MaxAge        int               `koanf:"max_age"`     // days
	Compress      bool              `koanf:"compress"`
	ContextFields map[string]string `koanf:"context_fields"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Addr string `koanf:"addr"` // empty disables the HTTP endpoint
	Path string `koanf:"path" validate:"required,startswith=/"`
}

// RetryPolicyConfig configures backoff for retryable helpers (never for probes)
type RetryPolicyConfig struct {
	MaxAttempts  int           `koanf:"max_attempts" validate:"min=1"`
	InitialDelay time.Duration `koanf:"initial_delay" validate:"gt=0"`
	MaxDelay     time.Duration `koanf:"max_delay" validate:"gtefield=InitialDelay"`
	Multiplier   float64       `koanf:"multiplier" validate:"gte=1"`
	Jitter       float64       `koanf:"jitter" validate:"gte=0,lte=1"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Storage: StorageConfig{
			DBPath: "~/.cache/binance-futures/availability.duckdb",
		},
		Prober: ProberConfig{
			BaseURL:            "https://data.binance.vision",
			Workers:            10,
			Timeout:            10 * time.Second,
			ConnectTimeout:     5 * time.Second,
			ErrorRateThreshold: 0.05,
			BreakerMinRequests: 50,
			SymbolKind:         "perpetual",
		},
		Backfill: BackfillConfig{
			StartDate:      "2019-09-25",
			CheckpointPath: "~/.cache/binance-futures/backfill_checkpoint.txt",
		},
		Update: UpdateConfig{
			LookbackDays: 1,
			Workers:      150,
		},
		Scheduler: SchedulerConfig{
			Time:        "02:00",
			StateDBPath: "~/.cache/binance-futures/scheduler.db",
			RunMissed:   true,
		},
		Symbols: SymbolsConfig{
			Path:         "~/.cache/binance-futures/symbols.json",
			DiscoveryURL: "https://s3-ap-northeast-1.amazonaws.com/data.binance.vision",
			MarketType:   "um",
		},
		Validation: ValidationConfig{
			Policy:           PolicyAdvisory,
			MinSymbolCount:   700,
			CompletenessDays: 90,
			CrossCheck:       false,
			ExchangeInfoURL:  "https://fapi.binance.com/fapi/v1/exchangeInfo",
			MatchThreshold:   95.0,
		},
		Enrich: EnrichConfig{
			Workers: 8,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Retry: RetryPolicyConfig{
			MaxAttempts:  5,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.5,
		},
	}
}

// Load builds the configuration with priority order:
// 1. Environment variables (highest priority)
// 2. Configuration file (explicit path, CONFIG_PATH, or the first default path found)
// 3. Default values (lowest priority)
func Load(configPath string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath == "" {
		configPath = findConfigFile()
	}
	if configPath != "" {
		if err := k.Load(file.Provider(ExpandHome(configPath)), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &AppConfig{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first existing config file, or "" if none exists.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		return envPath
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(ExpandHome(path)); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps flat environment variable names onto koanf paths.
// Variables not listed here are ignored.
var envMappings = map[string]string{
	"db_path":              "storage.db_path",
	"duckdb_memory_limit":  "storage.memory_limit",
	"duckdb_threads":       "storage.threads",
	"probe_base_url":       "prober.base_url",
	"probe_workers":        "prober.workers",
	"probe_timeout":        "prober.timeout",
	"probe_rate_limit":     "prober.rate_limit",
	"probe_rate_burst":     "prober.rate_burst",
	"error_rate_threshold": "prober.error_rate_threshold",
	"symbol_kind":          "prober.symbol_kind",
	"backfill_start_date":  "backfill.start_date",
	"checkpoint_path":      "backfill.checkpoint_path",
	"lookback_days":        "update.lookback_days",
	"daily_workers":        "update.workers",
	"schedule_time":        "scheduler.time",
	"scheduler_db_path":    "scheduler.state_db_path",
	"symbols_path":         "symbols.path",
	"discovery_url":        "symbols.discovery_url",
	"validation_policy":    "validation.policy",
	"min_symbol_count":     "validation.min_symbol_count",
	"cross_check":          "validation.cross_check",
	"exchange_info_url":    "validation.exchange_info_url",
	"enrich_workers":       "enrich.workers",
	"log_level":            "logging.level",
	"log_format":           "logging.format",
	"log_output":           "logging.output",
	"log_file_path":        "logging.file_path",
	"metrics_addr":         "metrics.addr",
}

// envTransformFunc maps an environment variable name to its koanf path.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

var validate = validator.New()

// Validate checks every field constraint and returns all violations at once.
func (c *AppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// expandPaths resolves "~/" prefixes in every filesystem path.
func (c *AppConfig) expandPaths() {
	c.Storage.DBPath = ExpandHome(c.Storage.DBPath)
	c.Backfill.CheckpointPath = ExpandHome(c.Backfill.CheckpointPath)
	c.Scheduler.StateDBPath = ExpandHome(c.Scheduler.StateDBPath)
	c.Symbols.Path = ExpandHome(c.Symbols.Path)
	c.Logging.FilePath = ExpandHome(c.Logging.FilePath)
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// String returns a one-line summary suitable for startup logs.
func (c *AppConfig) String() string {
	return fmt.Sprintf("db=%s workers=%d daily_workers=%d lookback=%d policy=%s log=%s/%s",
		c.Storage.DBPath, c.Prober.Workers, c.Update.Workers, c.Update.LookbackDays,
		c.Validation.Policy, c.Logging.Level, c.Logging.Format)
}
