package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, "prophet", cfg.Forecasting.Engine)
	assert.Equal(t, 10, cfg.Forecasting.MinRows)
	assert.Equal(t, 30, cfg.Forecasting.HorizonDefault)
	assert.False(t, cfg.Preparation.FillAfterSort)
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("RETAILCAST_SERVER_PORT", ":9090")
	t.Setenv("RETAILCAST_SERVER_READ_TIMEOUT", "45s")
	t.Setenv("RETAILCAST_PREPARATION_FILL_AFTER_SORT", "true")
	t.Setenv("RETAILCAST_FORECASTING_MODEL_INTERVAL_WIDTH", "0.95")
	t.Setenv("RETAILCAST_DATASET_POSTGRES_FEATURES", "discount,precpt")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.True(t, cfg.Preparation.FillAfterSort)
	assert.Equal(t, 0.95, cfg.Forecasting.Model.IntervalWidth)
	assert.Equal(t, []string{"discount", "precpt"}, cfg.Dataset.Postgres.Features)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: ":7070"
dataset:
  source: http
  train_url: https://example.com/train.csv
  cache:
    backend: redis
    redis:
      ttl: 24h
forecasting:
  engine: linear
  horizon_max: 90
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":7070", cfg.Server.Port)
	assert.Equal(t, SourceHTTP, cfg.Dataset.Source)
	assert.Equal(t, CacheRedis, cfg.Dataset.Cache.Backend)
	assert.Equal(t, "localhost:6379", cfg.Dataset.Cache.Redis.Addr)
	assert.Equal(t, 24*time.Hour, cfg.Dataset.Cache.Redis.TTL)
	assert.Equal(t, "linear", cfg.Forecasting.Engine)
	assert.Equal(t, 90, cfg.Forecasting.HorizonMax)
	assert.Equal(t, 7, cfg.Forecasting.HorizonMin)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server": `), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveToFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.Server.Port = ":6060"
	cfg.Dataset.Cache.Redis.TTL = 6 * time.Hour
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":6060", loaded.Server.Port)
	assert.Equal(t, 6*time.Hour, loaded.Dataset.Cache.Redis.TTL)
	assert.Equal(t, cfg.Server.ReadTimeout, loaded.Server.ReadTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Server.Port = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"unknown source", func(c *Config) { c.Dataset.Source = "ftp" }},
		{"http without url", func(c *Config) { c.Dataset.Source = SourceHTTP }},
		{"postgres without dsn", func(c *Config) { c.Dataset.Source = SourcePostgres }},
		{"unknown cache", func(c *Config) { c.Dataset.Cache.Backend = "s3" }},
		{"empty cache dir", func(c *Config) { c.Dataset.Cache.Dir = "" }},
		{"unknown engine", func(c *Config) { c.Forecasting.Engine = "arima" }},
		{"inverted horizon", func(c *Config) { c.Forecasting.HorizonMin = 90 }},
		{"default outside bounds", func(c *Config) { c.Forecasting.HorizonDefault = 61 }},
		{"interval width", func(c *Config) { c.Forecasting.Model.IntervalWidth = 1.5 }},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true }},
		{"rate limit without burst", func(c *Config) {
			c.RateLimit.Enabled = true
			c.RateLimit.Burst = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"

	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestConfigManager_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cacheDir := filepath.Join(dir, "cache")
	require.NoError(t, os.WriteFile(path, []byte("dataset:\n  cache:\n    dir: "+cacheDir+"\n"), 0644))

	cm, err := NewConfigManager(path)
	require.NoError(t, err)
	assert.DirExists(t, cacheDir)
	assert.Equal(t, "info", cm.GetConfig().Logging.Level)

	var seen *Config
	cm.AddWatcher(func(c *Config) { seen = c })

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\ndataset:\n  cache:\n    dir: "+cacheDir+"\n"), 0644))
	require.NoError(t, cm.Reload())
	require.NotNil(t, seen)
	assert.Equal(t, "debug", seen.Logging.Level)
	assert.Equal(t, "debug", cm.GetConfig().Logging.Level)

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0644))
	assert.Error(t, cm.Reload())
	assert.Equal(t, "debug", cm.GetConfig().Logging.Level)
}

func TestConfigManager_ReloadWithoutFile(t *testing.T) {
	t.Setenv("RETAILCAST_DATASET_CACHE_DIR", t.TempDir())
	cm, err := NewConfigManager("")
	require.NoError(t, err)
	assert.Error(t, cm.Reload())
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("RETAILCAST_LOGGING_LEVEL=warn\n"), 0644))
	t.Setenv("RETAILCAST_LOGGING_LEVEL", "")
	os.Unsetenv("RETAILCAST_LOGGING_LEVEL")

	require.NoError(t, LoadEnvFile(path))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)

	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}
