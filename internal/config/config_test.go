package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "https://data.binance.vision", cfg.Prober.BaseURL)
	assert.Equal(t, 10, cfg.Prober.Workers)
	assert.Equal(t, 150, cfg.Update.Workers)
	assert.Equal(t, 1, cfg.Update.LookbackDays)
	assert.Equal(t, "2019-09-25", cfg.Backfill.StartDate)
	assert.Equal(t, "02:00", cfg.Scheduler.Time)
	assert.Equal(t, PolicyAdvisory, cfg.Validation.Policy)
	assert.Equal(t, 0.05, cfg.Prober.ErrorRateThreshold)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *AppConfig)
		wantErr string
	}{
		{name: "zero workers", mutate: func(c *AppConfig) { c.Prober.Workers = 0 }, wantErr: "Prober.Workers"},
		{name: "lookback too large", mutate: func(c *AppConfig) { c.Update.LookbackDays = 400 }, wantErr: "Update.LookbackDays"},
		{name: "bad policy", mutate: func(c *AppConfig) { c.Validation.Policy = "lenient" }, wantErr: "Validation.Policy"},
		{name: "bad schedule time", mutate: func(c *AppConfig) { c.Scheduler.Time = "25:99" }, wantErr: "Scheduler.Time"},
		{name: "bad start date", mutate: func(c *AppConfig) { c.Backfill.StartDate = "2019/09/25" }, wantErr: "Backfill.StartDate"},
		{name: "bad base url", mutate: func(c *AppConfig) { c.Prober.BaseURL = "not a url" }, wantErr: "Prober.BaseURL"},
		{name: "threshold above one", mutate: func(c *AppConfig) { c.Prober.ErrorRateThreshold = 1.5 }, wantErr: "Prober.ErrorRateThreshold"},
		{name: "file output without path", mutate: func(c *AppConfig) {
			c.Logging.Output = "file"
			c.Logging.FilePath = ""
		}, wantErr: "Logging.FilePath"},
		{name: "max delay below initial", mutate: func(c *AppConfig) { c.Retry.MaxDelay = time.Millisecond }, wantErr: "Retry.MaxDelay"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_DefaultsOnly(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".cache/binance-futures/availability.duckdb"), cfg.Storage.DBPath)
	assert.Equal(t, 10, cfg.Prober.Workers)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "availability.yaml")
	yamlBody := `
storage:
  db_path: /data/file.duckdb
prober:
  workers: 25
  timeout: 15s
update:
  lookback_days: 3
validation:
  policy: strict
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	t.Setenv("DB_PATH", "/data/env.duckdb")
	t.Setenv("LOOKBACK_DAYS", "7")
	t.Setenv("PROBE_TIMEOUT", "30s")
	t.Setenv("UNRELATED_VARIABLE", "ignored")

	cfg, err := Load(path)
	require.NoError(t, err)

	// env wins over file, file wins over defaults
	assert.Equal(t, "/data/env.duckdb", cfg.Storage.DBPath)
	assert.Equal(t, 7, cfg.Update.LookbackDays)
	assert.Equal(t, 30*time.Second, cfg.Prober.Timeout)
	assert.Equal(t, 25, cfg.Prober.Workers)
	assert.Equal(t, PolicyStrict, cfg.Validation.Policy)
	assert.Equal(t, 150, cfg.Update.Workers)
}

func TestLoad_InvalidEnvRejected(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	t.Chdir(t.TempDir())
	t.Setenv("VALIDATION_POLICY", "sometimes")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Validation.Policy")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "x/y.db"), ExpandHome("~/x/y.db"))
	assert.Equal(t, "/abs/y.db", ExpandHome("/abs/y.db"))
	assert.Equal(t, "rel/y.db", ExpandHome("rel/y.db"))
}
