package querycache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Lookup outcomes recorded by the engine
const (
	resultHit        = "hit"
	resultMiss       = "miss"
	resultStoreError = "store_error"
)

// Metrics holds the cache counters. A nil *Metrics records nothing.
type Metrics struct {
	lookups       *prometheus.CounterVec
	backendErrors prometheus.Counter
	storeErrors   *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	removed       *prometheus.CounterVec
}

// NewMetrics creates the cache metrics and registers them on reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querycache_lookups_total",
				Help: "Total number of cache lookups by result",
			},
			[]string{"category", "result"},
		),
		backendErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "querycache_backend_errors_total",
				Help: "Total number of backend query failures on cache misses",
			},
		),
		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querycache_store_errors_total",
				Help: "Total number of cache store failures that degraded to uncached calls",
			},
			[]string{"operation"},
		),
		invalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querycache_invalidations_total",
				Help: "Total number of invalidation operations",
			},
			[]string{"kind"},
		),
		removed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querycache_removed_entries_total",
				Help: "Total number of cache entries removed",
			},
			[]string{"kind"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.lookups,
			m.backendErrors,
			m.storeErrors,
			m.invalidations,
			m.removed,
		)
	}

	return m
}

func (m *Metrics) recordLookup(category, result string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(category, result).Inc()
}

func (m *Metrics) recordBackendError() {
	if m == nil {
		return
	}
	m.backendErrors.Inc()
}

func (m *Metrics) recordStoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) recordRemoval(kind string, n int64) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(kind).Inc()
	m.removed.WithLabelValues(kind).Add(float64(n))
}
