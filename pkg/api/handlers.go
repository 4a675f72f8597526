package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"

	"github.com/tourbot/querycache/pkg/poolmonitor"
	"github.com/tourbot/querycache/pkg/querycache"
	"github.com/tourbot/querycache/pkg/repository"
)

const defaultStatsHours = 24

func (s *Server) writeError(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, querycache.ErrInvalidArgument),
		errors.Is(err, poolmonitor.ErrInvalidArgument),
		errors.Is(err, repository.ErrInvalidPlace):
		status = http.StatusBadRequest
	case errors.Is(err, querycache.ErrUnknownEntity),
		errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", map[string]interface{}{
			"operation":  op,
			"error":      err.Error(),
			"request_id": c.GetString(requestIDKey),
		})
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) writeRemoved(c *gin.Context, op string, removed int64, err error) {
	if err != nil {
		s.writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) cacheStatsHandler(c *gin.Context) {
	stats, err := s.deps.Cache.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, "cache_stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) clearCacheHandler(c *gin.Context) {
	removed, err := s.deps.Cache.ClearAll(c.Request.Context())
	s.writeRemoved(c, "clear_cache", removed, err)
}

func (s *Server) invalidateCategoryHandler(c *gin.Context) {
	removed, err := s.deps.Cache.InvalidateByCategory(c.Request.Context(), c.Param("category"))
	s.writeRemoved(c, "invalidate_category", removed, err)
}

func (s *Server) invalidateTableHandler(c *gin.Context) {
	removed, err := s.deps.Cache.InvalidateByTablePrefix(c.Request.Context(), c.Param("table"))
	s.writeRemoved(c, "invalidate_table", removed, err)
}

func (s *Server) sweepHandler(c *gin.Context) {
	removed, err := s.deps.Cache.SweepExpired(c.Request.Context())
	s.writeRemoved(c, "sweep", removed, err)
}

func (s *Server) poolStatsHandler(c *gin.Context) {
	if s.deps.Pool == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pool monitoring is disabled"})
		return
	}

	hours := defaultStatsHours
	if raw := c.Query("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be a positive integer"})
			return
		}
		hours = n
	}

	samples, err := s.deps.Pool.GetStats(c.Request.Context(), hours)
	if err != nil {
		s.writeError(c, "pool_stats", err)
		return
	}
	if samples == nil {
		samples = []poolmonitor.Sample{}
	}
	c.JSON(http.StatusOK, gin.H{"hours": hours, "windows": samples})
}

func (s *Server) recommendationsHandler(c *gin.Context) {
	if s.deps.Advisor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pool monitoring is disabled"})
		return
	}

	recs, err := s.deps.Advisor.GetRecommendations(c.Request.Context())
	if err != nil {
		s.writeError(c, "pool_recommendations", err)
		return
	}
	if recs == nil {
		recs = []poolmonitor.Recommendation{}
	}
	c.JSON(http.StatusOK, gin.H{"recommendations": recs})
}
