package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"retail-sales-forecaster/forecast"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. RETAILCAST_SERVER_PORT
const EnvPrefix = "RETAILCAST"

// Dataset sources and cache backends
const (
	SourceHTTP     = "http"
	SourcePostgres = "postgres"
	SourceNone     = "none"

	CacheFilesystem = "filesystem"
	CacheRedis      = "redis"
)

// Config represents the complete service configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server" json:"server"`
	Logging     LoggingConfig     `mapstructure:"logging" json:"logging"`
	Dataset     DatasetConfig     `mapstructure:"dataset" json:"dataset"`
	Preparation PreparationConfig `mapstructure:"preparation" json:"preparation"`
	Forecasting ForecastingConfig `mapstructure:"forecasting" json:"forecasting"`
	Auth        AuthConfig        `mapstructure:"auth" json:"auth"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit" json:"rate_limit"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port            string        `mapstructure:"port" json:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

// LoggingConfig selects the log level and formatter
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"` // "text", "json"
}

// DatasetConfig describes where the raw tables come from
type DatasetConfig struct {
	Source       string         `mapstructure:"source" json:"source"` // "http", "postgres", "none"
	TrainURL     string         `mapstructure:"train_url" json:"train_url"`
	EvalURL      string         `mapstructure:"eval_url" json:"eval_url"`
	FetchTimeout time.Duration  `mapstructure:"fetch_timeout" json:"fetch_timeout"`
	Postgres     PostgresConfig `mapstructure:"postgres" json:"postgres"`
	Cache        CacheConfig    `mapstructure:"cache" json:"cache"`
}

// PostgresConfig contains the remote database settings
type PostgresConfig struct {
	DSN        string   `mapstructure:"dsn" json:"dsn"`
	TrainTable string   `mapstructure:"train_table" json:"train_table"`
	EvalTable  string   `mapstructure:"eval_table" json:"eval_table"`
	Features   []string `mapstructure:"features" json:"features"`
}

// CacheConfig contains the raw dataset cache settings
type CacheConfig struct {
	Backend string      `mapstructure:"backend" json:"backend"` // "filesystem", "redis"
	Dir     string      `mapstructure:"dir" json:"dir"`
	Redis   RedisConfig `mapstructure:"redis" json:"redis"`
}

// RedisConfig contains redis connection settings
type RedisConfig struct {
	Addr     string        `mapstructure:"addr" json:"addr"`
	Password string        `mapstructure:"password" json:"password"`
	DB       int           `mapstructure:"db" json:"db"`
	Prefix   string        `mapstructure:"prefix" json:"prefix"`
	TTL      time.Duration `mapstructure:"ttl" json:"ttl"`
}

// PreparationConfig tunes the series preparer
type PreparationConfig struct {
	FillAfterSort bool `mapstructure:"fill_after_sort" json:"fill_after_sort"`
}

// ForecastingConfig contains forecasting settings
type ForecastingConfig struct {
	Engine         string                `mapstructure:"engine" json:"engine"` // "prophet", "linear"
	MinRows        int                   `mapstructure:"min_rows" json:"min_rows"`
	HorizonMin     int                   `mapstructure:"horizon_min" json:"horizon_min"`
	HorizonMax     int                   `mapstructure:"horizon_max" json:"horizon_max"`
	HorizonDefault int                   `mapstructure:"horizon_default" json:"horizon_default"`
	Evaluate       bool                  `mapstructure:"evaluate" json:"evaluate"`
	Model          forecast.EngineConfig `mapstructure:"model" json:"model"`
}

// Forecaster converts the section into forecaster settings
func (f ForecastingConfig) Forecaster() forecast.Config {
	return forecast.Config{
		Engine:     f.Engine,
		MinRows:    f.MinRows,
		HorizonMin: f.HorizonMin,
		HorizonMax: f.HorizonMax,
		Model:      f.Model,
	}
}

// AuthConfig enables bearer token authentication on the API
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Secret  string `mapstructure:"secret" json:"-"`
	Issuer  string `mapstructure:"issuer" json:"issuer"`
}

// RateLimitConfig contains per-client request limits
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled" json:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" json:"requests_per_second"`
	Burst             int     `mapstructure:"burst" json:"burst"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	fc := forecast.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Port:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Dataset: DatasetConfig{
			Source:       SourceNone,
			FetchTimeout: 2 * time.Minute,
			Postgres: PostgresConfig{
				TrainTable: "sales_train",
				EvalTable:  "sales_eval",
			},
			Cache: CacheConfig{
				Backend: CacheFilesystem,
				Dir:     "./data",
				Redis: RedisConfig{
					Addr:   "localhost:6379",
					Prefix: "retailcast:",
				},
			},
		},
		Forecasting: ForecastingConfig{
			Engine:         fc.Engine,
			MinRows:        fc.MinRows,
			HorizonMin:     fc.HorizonMin,
			HorizonMax:     fc.HorizonMax,
			HorizonDefault: 30,
			Evaluate:       true,
			Model:          fc.Model,
		},
		Auth: AuthConfig{
			Issuer: "retail-sales-forecaster",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             10,
		},
	}
}

// setDefaults registers every key with viper so environment overrides are
// picked up by Unmarshal.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.read_timeout", c.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", c.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", c.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)

	v.SetDefault("dataset.source", c.Dataset.Source)
	v.SetDefault("dataset.train_url", c.Dataset.TrainURL)
	v.SetDefault("dataset.eval_url", c.Dataset.EvalURL)
	v.SetDefault("dataset.fetch_timeout", c.Dataset.FetchTimeout)
	v.SetDefault("dataset.postgres.dsn", c.Dataset.Postgres.DSN)
	v.SetDefault("dataset.postgres.train_table", c.Dataset.Postgres.TrainTable)
	v.SetDefault("dataset.postgres.eval_table", c.Dataset.Postgres.EvalTable)
	v.SetDefault("dataset.postgres.features", c.Dataset.Postgres.Features)
	v.SetDefault("dataset.cache.backend", c.Dataset.Cache.Backend)
	v.SetDefault("dataset.cache.dir", c.Dataset.Cache.Dir)
	v.SetDefault("dataset.cache.redis.addr", c.Dataset.Cache.Redis.Addr)
	v.SetDefault("dataset.cache.redis.password", c.Dataset.Cache.Redis.Password)
	v.SetDefault("dataset.cache.redis.db", c.Dataset.Cache.Redis.DB)
	v.SetDefault("dataset.cache.redis.prefix", c.Dataset.Cache.Redis.Prefix)
	v.SetDefault("dataset.cache.redis.ttl", c.Dataset.Cache.Redis.TTL)

	v.SetDefault("preparation.fill_after_sort", c.Preparation.FillAfterSort)

	v.SetDefault("forecasting.engine", c.Forecasting.Engine)
	v.SetDefault("forecasting.min_rows", c.Forecasting.MinRows)
	v.SetDefault("forecasting.horizon_min", c.Forecasting.HorizonMin)
	v.SetDefault("forecasting.horizon_max", c.Forecasting.HorizonMax)
	v.SetDefault("forecasting.horizon_default", c.Forecasting.HorizonDefault)
	v.SetDefault("forecasting.evaluate", c.Forecasting.Evaluate)
	v.SetDefault("forecasting.model.interval_width", c.Forecasting.Model.IntervalWidth)
	v.SetDefault("forecasting.model.changepoints", c.Forecasting.Model.Changepoints)
	v.SetDefault("forecasting.model.changepoint_range", c.Forecasting.Model.ChangepointRange)
	v.SetDefault("forecasting.model.changepoint_prior_scale", c.Forecasting.Model.ChangepointPriorScale)
	v.SetDefault("forecasting.model.seasonality_prior_scale", c.Forecasting.Model.SeasonalityPriorScale)
	v.SetDefault("forecasting.model.regressor_prior_scale", c.Forecasting.Model.RegressorPriorScale)

	v.SetDefault("auth.enabled", c.Auth.Enabled)
	v.SetDefault("auth.secret", c.Auth.Secret)
	v.SetDefault("auth.issuer", c.Auth.Issuer)

	v.SetDefault("rate_limit.enabled", c.RateLimit.Enabled)
	v.SetDefault("rate_limit.requests_per_second", c.RateLimit.RequestsPerSecond)
	v.SetDefault("rate_limit.burst", c.RateLimit.Burst)
}

// LoadEnvFile loads variables from a .env file when one exists. Variables
// already set in the environment win.
func LoadEnvFile(filenames ...string) error {
	if err := godotenv.Load(filenames...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Load builds the configuration from defaults, an optional file and
// RETAILCAST_* environment variables, in increasing precedence. An empty
// filename or a missing file means defaults and environment only.
func Load(filename string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if filename != "" && fileExists(filename) {
		v.SetConfigFile(filename)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("log format must be text or json, got %q", c.Logging.Format)
	}

	switch c.Dataset.Source {
	case SourceNone:
	case SourceHTTP:
		if c.Dataset.TrainURL == "" {
			return fmt.Errorf("dataset train url cannot be empty for http source")
		}
	case SourcePostgres:
		if c.Dataset.Postgres.DSN == "" {
			return fmt.Errorf("postgres dsn cannot be empty for postgres source")
		}
		if c.Dataset.Postgres.TrainTable == "" {
			return fmt.Errorf("postgres train table cannot be empty")
		}
	default:
		return fmt.Errorf("unknown dataset source %q", c.Dataset.Source)
	}

	switch c.Dataset.Cache.Backend {
	case CacheFilesystem:
		if c.Dataset.Cache.Dir == "" {
			return fmt.Errorf("cache dir cannot be empty for filesystem cache")
		}
	case CacheRedis:
		if c.Dataset.Cache.Redis.Addr == "" {
			return fmt.Errorf("redis addr cannot be empty for redis cache")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Dataset.Cache.Backend)
	}

	if _, err := forecast.NewForecaster(c.Forecasting.Forecaster()); err != nil {
		return fmt.Errorf("invalid forecasting config: %w", err)
	}
	if err := c.Forecasting.Model.Validate(); err != nil {
		return fmt.Errorf("invalid forecasting model: %w", err)
	}
	if c.Forecasting.HorizonDefault < c.Forecasting.HorizonMin || c.Forecasting.HorizonDefault > c.Forecasting.HorizonMax {
		return fmt.Errorf("default horizon %d outside [%d, %d]",
			c.Forecasting.HorizonDefault, c.Forecasting.HorizonMin, c.Forecasting.HorizonMax)
	}

	if c.Auth.Enabled && c.Auth.Secret == "" {
		return fmt.Errorf("auth secret cannot be empty when auth is enabled")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit requires positive requests_per_second and burst")
	}

	return nil
}

// GetDataPaths returns all configured local data paths
func (c *Config) GetDataPaths() []string {
	var paths []string
	if c.Dataset.Cache.Backend == CacheFilesystem && c.Dataset.Cache.Dir != "" {
		paths = append(paths, c.Dataset.Cache.Dir)
	}
	return paths
}

// EnsureDataDirectories creates necessary data directories
func (c *Config) EnsureDataDirectories() error {
	for _, path := range c.GetDataPaths() {
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// NewLogger builds a logrus logger from the logging section
func (c *Config) NewLogger() (*logrus.Logger, error) {
	logger := logrus.New()
	if err := c.ApplyLogging(logger); err != nil {
		return nil, err
	}
	return logger, nil
}

// ApplyLogging sets level and formatter on an existing logger
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(level)
	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// ConfigManager handles configuration loading and hot-reloading
type ConfigManager struct {
	mu       sync.RWMutex
	config   *Config
	filename string
	watchers []func(*Config)
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(filename string) (*ConfigManager, error) {
	config, err := Load(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := config.EnsureDataDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create data directories: %w", err)
	}

	return &ConfigManager{
		config:   config,
		filename: filename,
		watchers: make([]func(*Config), 0),
	}, nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// AddWatcher adds a function to be called when configuration changes
func (cm *ConfigManager) AddWatcher(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.watchers = append(cm.watchers, fn)
}

// Reload reloads the configuration from file
func (cm *ConfigManager) Reload() error {
	if cm.filename == "" || !fileExists(cm.filename) {
		return fmt.Errorf("no config file to reload")
	}

	newConfig, err := Load(cm.filename)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cm.mu.Lock()
	cm.config = newConfig
	watchers := append([]func(*Config){}, cm.watchers...)
	cm.mu.Unlock()

	for _, watcher := range watchers {
		watcher(newConfig)
	}

	return nil
}

// fileExists checks if a file exists
func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	return !os.IsNotExist(err)
}
