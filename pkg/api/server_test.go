package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourbot/querycache/pkg/config"
	"github.com/tourbot/querycache/pkg/poolmonitor"
	"github.com/tourbot/querycache/pkg/querycache"
)

type testEnv struct {
	server  *Server
	store   *querycache.MemoryStore
	monitor *poolmonitor.Monitor
	healthy bool
}

func newTestEnv(t *testing.T, cfg config.APIConfig) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := querycache.NewMemoryStore(100)
	require.NoError(t, err)

	monitor := poolmonitor.NewMonitor(poolmonitor.NewMemoryStore(),
		poolmonitor.Config{MinConnections: 5, MaxConnections: 20}, nil)

	env := &testEnv{store: store, monitor: monitor, healthy: true}
	reg := prometheus.NewRegistry()
	env.server = NewServer(cfg, Dependencies{
		Cache:   querycache.NewInvalidator(store, nil),
		Pool:    monitor,
		Advisor: poolmonitor.NewAdvisor(monitor, poolmonitor.AdvisorConfig{}),
		Health: map[string]HealthCheck{
			"database": func(ctx context.Context) error {
				if !env.healthy {
					return errors.New("connection refused")
				}
				return nil
			},
		},
		Registerer: reg,
		Gatherer:   reg,
	}, nil)
	return env
}

func (e *testEnv) seed(t *testing.T, fingerprint, category string, expiresAt time.Time) {
	t.Helper()
	entry := &querycache.Entry{
		Fingerprint: fingerprint,
		QueryText:   "SELECT 1",
		Result:      []json.RawMessage{json.RawMessage(`{"id":1}`)},
		CreatedAt:   expiresAt.Add(-time.Hour),
		ExpiresAt:   expiresAt,
	}
	if category != "" {
		entry.Category = &category
	}
	require.NoError(t, e.store.Upsert(context.Background(), entry))
}

func (e *testEnv) do(method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})

	rec := env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"healthy"`)

	env.healthy = false
	rec = env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestCacheStats(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})
	future := time.Now().Add(time.Hour)
	env.seed(t, "a", "attractions:spatial", future)
	env.seed(t, "b", "hotels:vector", future)

	rec := env.do(http.MethodGet, "/api/v1/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats querycache.Stats
	decode(t, rec, &stats)
	assert.Equal(t, int64(2), stats.TotalEntries)
	assert.Equal(t, int64(2), stats.TotalHits)
}

func TestInvalidationEndpoints(t *testing.T) {
	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Minute)

	tests := []struct {
		name    string
		method  string
		path    string
		removed int64
	}{
		{"category", http.MethodDelete, "/api/v1/cache/categories/attractions:spatial", 2},
		{"table prefix", http.MethodPost, "/api/v1/cache/tables/attractions/invalidate", 3},
		{"sweep", http.MethodPost, "/api/v1/cache/sweep", 1},
		{"clear", http.MethodDelete, "/api/v1/cache", 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, config.APIConfig{})
			env.seed(t, "a1", "attractions:spatial", future)
			env.seed(t, "a2", "attractions:spatial", future)
			env.seed(t, "a3", "attractions:vector", future)
			env.seed(t, "h1", "hotels:spatial", future)
			env.seed(t, "old", "", past)

			rec := env.do(tt.method, tt.path, nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var body struct {
				Removed int64 `json:"removed"`
			}
			decode(t, rec, &body)
			assert.Equal(t, tt.removed, body.Removed)
			assert.Equal(t, 5-int(tt.removed), env.store.Len())
		})
	}
}

func TestPoolStats(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})
	require.NoError(t, env.monitor.RecordSample(context.Background(), poolmonitor.PoolState{
		ObservedAt: time.Now(), MinConnections: 5, MaxConnections: 20, ActiveConnections: 7,
		Queries: 10, Errors: 1,
	}))

	rec := env.do(http.MethodGet, "/api/v1/pool/stats?hours=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Hours   int                  `json:"hours"`
		Windows []poolmonitor.Sample `json:"windows"`
	}
	decode(t, rec, &body)
	assert.Equal(t, 1, body.Hours)
	require.Len(t, body.Windows, 1)
	assert.Equal(t, 7, body.Windows[0].ActiveConnections)
	assert.InDelta(t, 0.1, body.Windows[0].QueryErrorRate, 1e-9)

	for _, bad := range []string{"0", "-3", "abc"} {
		rec = env.do(http.MethodGet, "/api/v1/pool/stats?hours="+bad, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestPoolRecommendations(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})

	rec := env.do(http.MethodGet, "/api/v1/pool/recommendations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"recommendations":[]}`, rec.Body.String())

	require.NoError(t, env.monitor.RecordSample(context.Background(), poolmonitor.PoolState{
		ObservedAt: time.Now(), MinConnections: 5, MaxConnections: 20, ActiveConnections: 19,
	}))

	rec = env.do(http.MethodGet, "/api/v1/pool/recommendations", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Recommendations []poolmonitor.Recommendation `json:"recommendations"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Recommendations, 1)
	assert.Equal(t, poolmonitor.SettingMaxConnections, body.Recommendations[0].Setting)
	assert.Equal(t, poolmonitor.PriorityHigh, body.Recommendations[0].Priority)
}

func TestPoolEndpointsWithoutMonitor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store, err := querycache.NewMemoryStore(10)
	require.NoError(t, err)
	srv := NewServer(config.APIConfig{}, Dependencies{
		Cache:      querycache.NewInvalidator(store, nil),
		Registerer: prometheus.NewRegistry(),
	}, nil)

	for _, path := range []string{"/api/v1/pool/stats", "/api/v1/pool/recommendations"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestBearerAuthGuardsMutations(t *testing.T) {
	const secret = "s3cret"
	env := newTestEnv(t, config.APIConfig{AuthSecret: secret})

	rec := env.do(http.MethodPost, "/api/v1/cache/sweep", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrong, err := GenerateToken("other", "ops", time.Minute)
	require.NoError(t, err)
	rec = env.do(http.MethodPost, "/api/v1/cache/sweep", http.Header{"Authorization": {"Bearer " + wrong}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := GenerateToken(secret, "ops", -time.Minute)
	require.NoError(t, err)
	rec = env.do(http.MethodPost, "/api/v1/cache/sweep", http.Header{"Authorization": {"Bearer " + expired}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := GenerateToken(secret, "ops", time.Minute)
	require.NoError(t, err)
	rec = env.do(http.MethodPost, "/api/v1/cache/sweep", http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/cache/stats", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, err = GenerateToken("", "ops", time.Minute)
	assert.Error(t, err)
}

func TestRateLimiterGuardsMutations(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{RateLimit: config.RateLimitConfig{
		Enabled: true, RequestsPerSecond: 0.001, Burst: 2,
	}})

	assert.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/v1/cache/sweep", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/v1/cache/sweep", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(http.MethodPost, "/api/v1/cache/sweep", nil).Code)

	// reads are not limited
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/cache/stats", nil).Code)
}

func TestRequestIDAndMetrics(t *testing.T) {
	env := newTestEnv(t, config.APIConfig{})

	rec := env.do(http.MethodGet, "/api/v1/cache/stats", http.Header{"X-Request-Id": {"abc-123"}})
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	rec = env.do(http.MethodGet, "/api/v1/cache/stats", nil)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)

	rec = env.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `querycache_http_request_duration_seconds_count{method="GET",route="/api/v1/cache/stats",status="200"} 2`))
}
