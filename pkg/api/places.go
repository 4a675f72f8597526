package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tourbot/querycache/pkg/querycache"
	"github.com/tourbot/querycache/pkg/repository"
)

const defaultPlaceLimit = 20

// PlaceQueries are the cached read paths over place tables
type PlaceQueries interface {
	Nearby(ctx context.Context, entity string, lat, lng, radiusKm float64, limit int) (*querycache.Result, error)
	SimilarTo(ctx context.Context, entity string, embedding []float32, limit int) (*querycache.Result, error)
	Search(ctx context.Context, entity, text string, limit int) (*querycache.Result, error)
}

// PlaceWriter writes one place table and invalidates its cached reads
type PlaceWriter interface {
	Get(ctx context.Context, id int64) (*repository.Place, error)
	Create(ctx context.Context, place *repository.Place) (*repository.Place, error)
	Update(ctx context.Context, place *repository.Place) error
	Delete(ctx context.Context, id int64) error
}

func (s *Server) setupPlaceRoutes(v1, admin *gin.RouterGroup) {
	if s.deps.Queries != nil {
		v1.GET("/places/:entity/nearby", s.nearbyHandler)
		v1.GET("/places/:entity/search", s.searchHandler)
		v1.POST("/places/:entity/similar", s.similarHandler)
	}
	if len(s.deps.Places) > 0 {
		admin.POST("/places/:entity", s.createPlaceHandler)
		admin.PUT("/places/:entity/:id", s.updatePlaceHandler)
		admin.DELETE("/places/:entity/:id", s.deletePlaceHandler)
	}
}

func queryFloat(c *gin.Context, name string) (float64, bool) {
	v, err := strconv.ParseFloat(c.Query(name), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a number"})
		return 0, false
	}
	return v, true
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultPlaceLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
		return 0, false
	}
	return n, true
}

func (s *Server) nearbyHandler(c *gin.Context) {
	lat, ok := queryFloat(c, "lat")
	if !ok {
		return
	}
	lng, ok := queryFloat(c, "lng")
	if !ok {
		return
	}
	radius, ok := queryFloat(c, "radius_km")
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	result, err := s.deps.Queries.Nearby(c.Request.Context(), c.Param("entity"), lat, lng, radius, limit)
	if err != nil {
		s.writeError(c, "nearby", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) searchHandler(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	result, err := s.deps.Queries.Search(c.Request.Context(), c.Param("entity"), c.Query("q"), limit)
	if err != nil {
		s.writeError(c, "search", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type similarRequest struct {
	Embedding []float32 `json:"embedding" binding:"required"`
	Limit     int       `json:"limit"`
}

func (s *Server) similarHandler(c *gin.Context) {
	var req similarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Limit == 0 {
		req.Limit = defaultPlaceLimit
	}

	result, err := s.deps.Queries.SimilarTo(c.Request.Context(), c.Param("entity"), req.Embedding, req.Limit)
	if err != nil {
		s.writeError(c, "similar", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) placeWriter(c *gin.Context) (PlaceWriter, bool) {
	w, ok := s.deps.Places[c.Param("entity")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown entity " + strconv.Quote(c.Param("entity"))})
		return nil, false
	}
	return w, true
}

func placeID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func (s *Server) createPlaceHandler(c *gin.Context) {
	w, ok := s.placeWriter(c)
	if !ok {
		return
	}
	var place repository.Place
	if err := c.ShouldBindJSON(&place); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, err := w.Create(c.Request.Context(), &place)
	if err != nil {
		s.writeError(c, "create_place", err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) updatePlaceHandler(c *gin.Context) {
	w, ok := s.placeWriter(c)
	if !ok {
		return
	}
	id, ok := placeID(c)
	if !ok {
		return
	}
	var place repository.Place
	if err := c.ShouldBindJSON(&place); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	place.ID = id

	if err := w.Update(c.Request.Context(), &place); err != nil {
		s.writeError(c, "update_place", err)
		return
	}

	updated, err := w.Get(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, "update_place", err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) deletePlaceHandler(c *gin.Context) {
	w, ok := s.placeWriter(c)
	if !ok {
		return
	}
	id, ok := placeID(c)
	if !ok {
		return
	}

	if err := w.Delete(c.Request.Context(), id); err != nil {
		s.writeError(c, "delete_place", err)
		return
	}
	c.Status(http.StatusNoContent)
}
