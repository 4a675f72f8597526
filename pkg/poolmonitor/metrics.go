package poolmonitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes pool gauges and acquisition latency. A nil *Metrics
// records nothing.
type Metrics struct {
	poolConnections *prometheus.GaugeVec
	acquisition     prometheus.Histogram
	queries         *prometheus.CounterVec
	sampleErrors    prometheus.Counter
}

// NewMetrics creates the pool metrics and registers them on reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		poolConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "querycache_pool_connections",
				Help: "Database connection pool statistics",
			},
			[]string{"state"},
		),
		acquisition: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "querycache_pool_acquisition_seconds",
				Help:    "Time spent waiting for a pooled connection",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querycache_pool_queries_total",
				Help: "Total number of queries run through the pool",
			},
			[]string{"status"},
		),
		sampleErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "querycache_pool_sample_errors_total",
				Help: "Total number of pool samples that failed to persist",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.poolConnections,
			m.acquisition,
			m.queries,
			m.sampleErrors,
		)
	}

	return m
}

func (m *Metrics) observeState(s PoolState) {
	if m == nil {
		return
	}
	m.poolConnections.WithLabelValues("active").Set(float64(s.ActiveConnections))
	m.poolConnections.WithLabelValues("idle").Set(float64(s.IdleConnections))
	m.poolConnections.WithLabelValues("waiting").Set(float64(s.WaitingClients))
	m.poolConnections.WithLabelValues("min").Set(float64(s.MinConnections))
	m.poolConnections.WithLabelValues("max").Set(float64(s.MaxConnections))
}

func (m *Metrics) observeAcquisition(seconds float64) {
	if m == nil {
		return
	}
	m.acquisition.Observe(seconds)
}

func (m *Metrics) observeQuery(failed bool) {
	if m == nil {
		return
	}
	status := "success"
	if failed {
		status = "error"
	}
	m.queries.WithLabelValues(status).Inc()
}

func (m *Metrics) observeSampleError() {
	if m == nil {
		return
	}
	m.sampleErrors.Inc()
}
