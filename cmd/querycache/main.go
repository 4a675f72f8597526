package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tourbot/querycache/pkg/config"
	"github.com/tourbot/querycache/pkg/database"
	"github.com/tourbot/querycache/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("querycache: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if len(os.Args) > 1 && os.Args[1] == "token" {
		return issueToken(cfg, os.Args[2:], os.Stdout)
	}
	if err := validateConfiguration(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := observability.NewLogger("querycache", cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	if syncer, ok := logger.(interface{ Sync() error }); ok {
		defer func() { _ = syncer.Sync() }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Environment == "" {
		cfg.Tracing.Environment = cfg.Environment
	}
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer shutdownTracing()

	db, err := database.NewDatabase(ctx, databaseConfig(cfg.Database), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("Failed to close database", map[string]interface{}{"error": err.Error()})
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db.DB().DB, "querycache"),
	)

	a, err := newApp(cfg, db, reg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	logger.Info("Starting querycache", map[string]interface{}{
		"environment":       cfg.Environment,
		"store":             cfg.Cache.Store,
		"invalidation_mode": cfg.Cache.InvalidationMode,
		"address":           cfg.API.ListenAddress,
	})

	if err := a.run(ctx); err != nil {
		return err
	}
	logger.Info("Server stopped gracefully", nil)
	return nil
}

// validateConfiguration checks settings the service cannot start without
func validateConfiguration(cfg *config.Config) error {
	if cfg.Database.DSN == "" && (cfg.Database.Host == "" || cfg.Database.Port == 0 || cfg.Database.Database == "") {
		return fmt.Errorf("invalid database configuration: DSN or host/port/database must be provided")
	}
	if cfg.API.ReadTimeout == 0 || cfg.API.WriteTimeout == 0 || cfg.API.IdleTimeout == 0 {
		return fmt.Errorf("invalid API timeouts: must be greater than 0")
	}
	if cfg.Cache.Store == config.StoreRedis && cfg.Redis.Address == "" {
		return fmt.Errorf("redis.address is required when cache.store is redis")
	}
	if cfg.IsProduction() && cfg.API.AuthSecret == "" {
		return fmt.Errorf("api.auth_secret is required in production")
	}
	return nil
}

func databaseConfig(c config.DatabaseConfig) database.Config {
	dbCfg := *database.NewConfig()
	dbCfg.Driver = c.Driver
	dbCfg.DSN = c.DSN
	dbCfg.Host = c.Host
	dbCfg.Port = c.Port
	dbCfg.Database = c.Database
	dbCfg.Username = c.Username
	dbCfg.Password = c.Password
	dbCfg.SSLMode = c.SSLMode
	dbCfg.MaxOpenConns = c.MaxOpenConns
	dbCfg.MaxIdleConns = c.MaxIdleConns
	dbCfg.ConnMaxLifetime = c.ConnMaxLifetime
	dbCfg.ConnMaxIdleTime = c.ConnMaxIdleTime
	dbCfg.ConnectTimeout = c.ConnectTimeout
	dbCfg.AutoMigrate = c.AutoMigrate
	return dbCfg
}
