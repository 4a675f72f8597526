// Package api exposes cache and connection pool operations over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tourbot/querycache/pkg/config"
	"github.com/tourbot/querycache/pkg/observability"
	"github.com/tourbot/querycache/pkg/poolmonitor"
	"github.com/tourbot/querycache/pkg/querycache"
)

// CacheAdmin is the cache surface the API operates on
type CacheAdmin interface {
	InvalidateByCategory(ctx context.Context, category string) (int64, error)
	InvalidateByTablePrefix(ctx context.Context, table string) (int64, error)
	SweepExpired(ctx context.Context) (int64, error)
	ClearAll(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (querycache.Stats, error)
}

// PoolStatsReader returns recorded pool windows
type PoolStatsReader interface {
	GetStats(ctx context.Context, hours int) ([]poolmonitor.Sample, error)
}

// RecommendationSource produces pool tuning advice
type RecommendationSource interface {
	GetRecommendations(ctx context.Context) ([]poolmonitor.Recommendation, error)
}

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// Dependencies are the components served by the API. Everything but Cache is
// optional; routes for a missing component are not registered or answer 503.
type Dependencies struct {
	Cache      CacheAdmin
	Pool       PoolStatsReader
	Advisor    RecommendationSource
	Queries    PlaceQueries
	Places     map[string]PlaceWriter
	Health     map[string]HealthCheck
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Server represents the operational API server
type Server struct {
	router *gin.Engine
	server *http.Server
	config config.APIConfig
	deps   Dependencies
	logger observability.Logger
}

// NewServer creates the API server and registers its routes
func NewServer(cfg config.APIConfig, deps Dependencies, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	logger = logger.WithPrefix("api")
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(RequestLogger(logger))
	router.Use(MetricsMiddleware(newHTTPMetrics(deps.Registerer)))

	s := &Server{
		router: router,
		config: cfg,
		deps:   deps,
		logger: logger,
		server: &http.Server{
			Addr:         cfg.ListenAddress,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/api/v1")
	v1.GET("/cache/stats", s.cacheStatsHandler)
	v1.GET("/pool/stats", s.poolStatsHandler)
	v1.GET("/pool/recommendations", s.recommendationsHandler)

	admin := v1.Group("")
	if s.config.RateLimit.Enabled {
		admin.Use(RateLimiter(s.config.RateLimit))
	}
	if s.config.AuthSecret != "" {
		admin.Use(BearerAuth(s.config.AuthSecret))
	}
	admin.DELETE("/cache", s.clearCacheHandler)
	admin.DELETE("/cache/categories/:category", s.invalidateCategoryHandler)
	admin.POST("/cache/tables/:table/invalidate", s.invalidateTableHandler)
	admin.POST("/cache/sweep", s.sweepHandler)

	s.setupPlaceRoutes(v1, admin)
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("API server listening", map[string]interface{}{"address": s.config.ListenAddress})
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the API server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

const healthCheckTimeout = 2 * time.Second

// healthHandler returns the health status of all components
func (s *Server) healthHandler(c *gin.Context) {
	components := make(map[string]string, len(s.deps.Health))
	healthy := true

	for name, check := range s.deps.Health {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			healthy = false
			components[name] = err.Error()
			continue
		}
		components[name] = "healthy"
	}

	if healthy {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "components": components})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "components": components})
}
