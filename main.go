package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"retail-sales-forecaster/api"
	"retail-sales-forecaster/config"
	"retail-sales-forecaster/dashboard"
	"retail-sales-forecaster/dataset"
	"retail-sales-forecaster/forecast"
	"retail-sales-forecaster/prep"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	log := logrus.New()
	log.Info("Starting Retail Sales Forecaster...")

	// Load .env before configuration so RETAILCAST_* variables apply
	if err := config.LoadEnvFile(); err != nil {
		log.WithError(err).Warn("Ignoring .env file")
	}

	configManager, err := config.NewConfigManager(*configFile)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	cfg := configManager.GetConfig()
	if err := cfg.ApplyLogging(log); err != nil {
		log.WithError(err).Fatal("Invalid logging configuration")
	}
	log.Info("Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache, closeCache, err := buildCache(cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize dataset cache")
	}
	defer closeCache()

	fetcher, closeFetcher, err := buildFetcher(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize dataset source")
	}
	defer closeFetcher()

	provider := dataset.NewProvider(cache, fetcher, log.WithField("component", "dataset"))
	log.WithFields(logrus.Fields{
		"source": cfg.Dataset.Source,
		"cache":  cfg.Dataset.Cache.Backend,
	}).Info("Dataset provider initialized")

	forecaster, err := forecast.NewForecaster(
		cfg.Forecasting.Forecaster(),
		forecast.WithLogger(log.WithField("component", "forecast")),
	)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize forecaster")
	}

	if cfg.Preparation.FillAfterSort {
		log.Warn("preparation.fill_after_sort enabled: missing values are filled in date order")
	}

	service := dashboard.NewService(provider, forecaster, dashboard.Config{
		Prep:           prep.Options{FillAfterSort: cfg.Preparation.FillAfterSort},
		DefaultHorizon: cfg.Forecasting.HorizonDefault,
		Evaluate:       cfg.Forecasting.Evaluate,
	}, log.WithField("component", "dashboard"))

	// Warm the dataset so the first request does not pay for the download
	if _, err := service.Load(ctx); err != nil {
		log.WithError(err).Warn("Dataset not loaded at startup, will retry on first request")
	}

	opts := []api.Option{api.WithLogger(log.WithField("component", "api"))}
	if cfg.RateLimit.Enabled {
		opts = append(opts, api.WithRateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))
	}
	if cfg.Auth.Enabled {
		opts = append(opts, api.WithAuth(cfg.Auth.Secret, cfg.Auth.Issuer))
	}
	apiServer := api.NewServer(service, opts...)
	log.Info("HTTP API server initialized")

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Infof("Starting HTTP server on %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	// Log level and format follow config reloads
	configManager.AddWatcher(func(c *config.Config) {
		if err := c.ApplyLogging(log); err != nil {
			log.WithError(err).Warn("Ignoring logging change")
			return
		}
		log.WithField("level", c.Logging.Level).Info("Configuration reloaded")
	})

	printStartupInfo(cfg.Server.Port, cfg)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		if sig != syscall.SIGHUP {
			break
		}
		if err := configManager.Reload(); err != nil {
			log.WithError(err).Warn("Configuration reload failed")
		}
	}
	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server forced to shutdown")
	}

	log.Info("Server gracefully stopped")
}

// buildCache returns the configured cache store and its cleanup
func buildCache(cfg *config.Config) (dataset.CacheStore, func(), error) {
	switch cfg.Dataset.Cache.Backend {
	case config.CacheRedis:
		rc := cfg.Dataset.Cache.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		return dataset.NewRedisCache(client, rc.Prefix, rc.TTL), func() { client.Close() }, nil
	case config.CacheFilesystem:
		return dataset.NewDirCache(cfg.Dataset.Cache.Dir), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Dataset.Cache.Backend)
	}
}

// buildFetcher returns the configured remote source, or nil when the cache is
// the only source.
func buildFetcher(ctx context.Context, cfg *config.Config) (dataset.Fetcher, func(), error) {
	switch cfg.Dataset.Source {
	case config.SourceHTTP:
		return dataset.NewHTTPFetcher(cfg.Dataset.TrainURL, cfg.Dataset.EvalURL, cfg.Dataset.FetchTimeout), func() {}, nil
	case config.SourcePostgres:
		pg := cfg.Dataset.Postgres
		features := pg.Features
		if len(features) == 0 {
			features = nil
		}
		fetcher, err := dataset.NewPostgresFetcher(ctx, pg.DSN, pg.TrainTable, pg.EvalTable, features)
		if err != nil {
			return nil, nil, err
		}
		return fetcher, fetcher.Close, nil
	case config.SourceNone:
		return nil, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown dataset source %q", cfg.Dataset.Source)
	}
}

func printStartupInfo(port string, cfg *config.Config) {
	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("🚀 Retail Sales Forecaster Started")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("📊 HTTP API: http://localhost%s\n", port)

	fmt.Println("\n🔧 Configuration:")
	fmt.Printf("  Dataset:     source=%s, cache=%s\n", cfg.Dataset.Source, cfg.Dataset.Cache.Backend)
	fmt.Printf("  Engine:      %s (min rows > %d, horizon %d-%d, default %d)\n",
		cfg.Forecasting.Engine, cfg.Forecasting.MinRows,
		cfg.Forecasting.HorizonMin, cfg.Forecasting.HorizonMax, cfg.Forecasting.HorizonDefault)
	fmt.Printf("  Preparation: fill_after_sort=%t\n", cfg.Preparation.FillAfterSort)
	fmt.Printf("  Auth:        %s\n", enabled(cfg.Auth.Enabled))
	fmt.Printf("  Rate limit:  %s\n", enabled(cfg.RateLimit.Enabled))

	fmt.Println("\n📋 Available Endpoints:")
	fmt.Printf("  GET %s/api/v1/stores           - List stores\n", port)
	fmt.Printf("  GET %s/api/v1/products         - List products\n", port)
	fmt.Printf("  GET %s/api/v1/options          - Selection options\n", port)
	fmt.Printf("  GET %s/api/v1/history          - Prepared sales history\n", port)
	fmt.Printf("  GET %s/api/v1/forecast         - Forecast a selection\n", port)
	fmt.Printf("  GET %s/api/v1/forecast/export  - Download forecast CSV\n", port)
	fmt.Printf("  GET %s/health                  - Health check\n", port)
	fmt.Printf("  GET %s/metrics                 - Prometheus metrics\n", port)

	fmt.Println("\n📊 Example Usage:")
	fmt.Printf(`  curl "http://localhost%s/api/v1/forecast?store=1&product=1&horizon=30"`, port)
	fmt.Println()
	fmt.Printf(`  curl -OJ "http://localhost%s/api/v1/forecast/export?store=1&product=1"`, port)

	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("✅ Ready to accept requests!")
	fmt.Println("💡 Press Ctrl+C to gracefully shutdown, send SIGHUP to reload config")
	fmt.Println(strings.Repeat("=", 60) + "\n")
}

func enabled(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}
