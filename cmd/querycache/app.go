package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/tourbot/querycache/pkg/api"
	"github.com/tourbot/querycache/pkg/config"
	"github.com/tourbot/querycache/pkg/database"
	"github.com/tourbot/querycache/pkg/datastore"
	"github.com/tourbot/querycache/pkg/maintenance"
	"github.com/tourbot/querycache/pkg/observability"
	"github.com/tourbot/querycache/pkg/poolmonitor"
	"github.com/tourbot/querycache/pkg/querycache"
	"github.com/tourbot/querycache/pkg/repository"
)

const shutdownTimeout = 30 * time.Second

// app holds the wired service components
type app struct {
	logger      observability.Logger
	redis       redis.UniversalClient
	invalidator *querycache.Invalidator
	hook        *querycache.WriteHook
	queue       *querycache.ChangeQueue
	monitor     *poolmonitor.Monitor
	scheduler   *maintenance.Scheduler
	server      *api.Server
}

func newApp(cfg *config.Config, db *database.Database, reg *prometheus.Registry, logger observability.Logger) (*app, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	a := &app{logger: logger}

	store, redisClient, err := buildStore(cfg, db.DB())
	if err != nil {
		return nil, err
	}
	a.redis = redisClient

	cacheMetrics := querycache.NewMetrics(reg)
	a.invalidator = querycache.NewInvalidator(store, logger, querycache.WithMetrics(cacheMetrics))

	health := map[string]api.HealthCheck{
		"database": database.NewReadinessChecker(db.DB(), logger).HealthCheck,
	}
	if redisClient != nil {
		health["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var observer datastore.PoolObserver
	var advisor *poolmonitor.Advisor
	if cfg.PoolMonitor.Enabled {
		minConns, maxConns := db.PoolBounds()
		a.monitor = poolmonitor.NewMonitor(poolmonitor.NewPostgresStore(db.DB()), poolmonitor.Config{
			SampleInterval:  cfg.PoolMonitor.SampleInterval,
			Window:          cfg.PoolMonitor.Window,
			RetentionDays:   cfg.PoolMonitor.RetentionDays,
			CleanupInterval: cfg.PoolMonitor.CleanupInterval,
			MinConnections:  minConns,
			MaxConnections:  maxConns,
		}, logger,
			poolmonitor.WithStatsSource(db.DB().DB),
			poolmonitor.WithMetrics(poolmonitor.NewMetrics(reg)),
		)
		advisor = poolmonitor.NewAdvisor(a.monitor, poolmonitor.AdvisorConfig{
			Lookback:       cfg.PoolMonitor.Lookback,
			ErrorThreshold: cfg.PoolMonitor.ErrorThreshold,
		})
		observer = a.monitor
	}

	var backend datastore.Backend = datastore.NewSQLBackend(db.DB(), observer, logger)
	if cfg.Breaker.Enabled {
		backend = datastore.NewBreakerBackend(backend, datastore.BreakerConfig{
			Name:             "postgres",
			MaxRequests:      cfg.Breaker.MaxRequests,
			Interval:         cfg.Breaker.Interval,
			Timeout:          cfg.Breaker.Timeout,
			FailureThreshold: cfg.Breaker.FailureThreshold,
		}, logger)
	}

	engine := querycache.NewEngine(store, backend, logger,
		querycache.WithDefaultTTL(cfg.Cache.DefaultTTL),
		querycache.WithMetrics(cacheMetrics),
	)
	queries := querycache.NewQueries(engine, querycache.TTLs{
		Spatial: cfg.Cache.SpatialTTL,
		Vector:  cfg.Cache.VectorTTL,
		Search:  cfg.Cache.SearchTTL,
	}, cfg.Cache.Tables...)

	a.hook = querycache.NewWriteHook(a.invalidator, logger, cfg.Cache.Tables...)
	var writeInvalidator querycache.CacheInvalidator = a.hook
	if cfg.Cache.InvalidationMode == config.InvalidationQueue {
		a.queue = querycache.NewChangeQueue(a.hook, cfg.Cache.QueueSize, logger)
		writeInvalidator = a.queue
	}

	repos, err := repository.NewPlaceRepositories(db.DB(), writeInvalidator, logger)
	if err != nil {
		return nil, err
	}
	places := make(map[string]api.PlaceWriter, len(repos))
	for table, repo := range repos {
		places[table] = repo
	}

	a.scheduler = maintenance.NewScheduler(logger, maintenance.WithRegisterer(reg))
	if err := a.scheduler.Register(maintenance.CacheSweepJob(a.invalidator, cfg.Cache.SweepInterval)); err != nil {
		return nil, err
	}
	if a.monitor != nil {
		job := maintenance.PoolRetentionJob(a.monitor, cfg.PoolMonitor.RetentionDays, cfg.PoolMonitor.CleanupInterval)
		if err := a.scheduler.Register(job); err != nil {
			return nil, err
		}
	}

	deps := api.Dependencies{
		Cache:      a.invalidator,
		Queries:    queries,
		Places:     places,
		Health:     health,
		Registerer: reg,
		Gatherer:   reg,
	}
	if a.monitor != nil {
		deps.Pool = a.monitor
		deps.Advisor = advisor
	}
	a.server = api.NewServer(cfg.API, deps, logger)

	return a, nil
}

// buildStore selects the cache store named by cache.store
func buildStore(cfg *config.Config, db *sqlx.DB) (querycache.Store, redis.UniversalClient, error) {
	switch cfg.Cache.Store {
	case config.StorePostgres:
		return querycache.NewPostgresStore(db), nil, nil
	case config.StoreMemory:
		store, err := querycache.NewMemoryStore(cfg.Cache.MemoryMaxEntries)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case config.StoreRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        []string{cfg.Redis.Address},
			Username:     cfg.Redis.Username,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.Database,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
		})
		return querycache.NewRedisStore(client, cfg.Redis.KeyPrefix), client, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache store %q", cfg.Cache.Store)
	}
}

// run blocks until ctx is cancelled or a component fails, then shuts the
// HTTP server down and waits for every background loop to return.
func (a *app) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.queue != nil {
		g.Go(func() error { return a.queue.Run(ctx) })
	}
	if a.monitor != nil {
		g.Go(func() error { return a.monitor.Run(ctx) })
	}
	g.Go(func() error { return a.scheduler.Run(ctx) })
	g.Go(a.server.Start)
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("Shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close redis client", map[string]interface{}{"error": err.Error()})
		}
	}
}
