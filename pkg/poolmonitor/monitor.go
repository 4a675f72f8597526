package poolmonitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tourbot/querycache/pkg/observability"
)

// ErrInvalidArgument is returned for non-positive lookbacks and retentions
var ErrInvalidArgument = errors.New("invalid argument")

// StatsSource reports pool statistics; *sql.DB and *sqlx.DB satisfy it
type StatsSource interface {
	Stats() sql.DBStats
}

// Config controls sampling and the window lifecycle
type Config struct {
	SampleInterval  time.Duration
	Window          time.Duration
	RetentionDays   int
	CleanupInterval time.Duration

	// Configured pool bounds reported with every sample
	MinConnections int
	MaxConnections int
}

func (c *Config) applyDefaults() {
	if c.SampleInterval <= 0 {
		c.SampleInterval = 30 * time.Second
	}
	if c.Window <= 0 {
		c.Window = time.Hour
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 24 * time.Hour
	}
}

// Monitor merges pool observations into windowed samples
type Monitor struct {
	store   Store
	source  StatsSource
	config  Config
	logger  observability.Logger
	metrics *Metrics
	now     func() time.Time

	mu            sync.Mutex
	acquisitions  int64
	acquireTotal  time.Duration
	acquireMax    time.Duration
	queries       int64
	errors        int64
	lastWaitCount int64
}

// MonitorOption configures a Monitor
type MonitorOption func(*Monitor)

// WithStatsSource samples sql.DBStats from source on every tick
func WithStatsSource(source StatsSource) MonitorOption {
	return func(m *Monitor) {
		m.source = source
	}
}

// WithMetrics publishes pool gauges on metrics
func WithMetrics(metrics *Metrics) MonitorOption {
	return func(m *Monitor) {
		m.metrics = metrics
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor creates a monitor persisting into store
func NewMonitor(store Store, cfg Config, logger observability.Logger, opts ...MonitorOption) *Monitor {
	cfg.applyDefaults()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	m := &Monitor{
		store:  store,
		config: cfg,
		logger: logger.WithPrefix("pool-monitor"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration
func (m *Monitor) Config() Config {
	return m.config
}

// RecordAcquisition accumulates the time one caller waited for a connection
func (m *Monitor) RecordAcquisition(d time.Duration) {
	m.mu.Lock()
	m.acquisitions++
	m.acquireTotal += d
	if d > m.acquireMax {
		m.acquireMax = d
	}
	m.mu.Unlock()

	m.metrics.observeAcquisition(d.Seconds())
}

// RecordQuery counts one query and whether it failed
func (m *Monitor) RecordQuery(err error) {
	m.mu.Lock()
	m.queries++
	if err != nil {
		m.errors++
	}
	m.mu.Unlock()

	m.metrics.observeQuery(err != nil)
}

// Collect builds a PoolState from the stats source and drains the
// accumulated acquisition and query counters.
func (m *Monitor) Collect() PoolState {
	var stats sql.DBStats
	if m.source != nil {
		stats = m.source.Stats()
	}

	state := PoolState{
		ObservedAt:        m.now(),
		MinConnections:    m.config.MinConnections,
		MaxConnections:    m.config.MaxConnections,
		ActiveConnections: stats.InUse,
		IdleConnections:   stats.Idle,
	}
	if state.MaxConnections == 0 {
		state.MaxConnections = stats.MaxOpenConnections
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// waits started this tick; database/sql reports no live waiter count
	if waits := stats.WaitCount - m.lastWaitCount; waits > 0 {
		state.WaitingClients = int(waits)
	}
	m.lastWaitCount = stats.WaitCount

	if m.acquisitions > 0 {
		state.AvgWaitTimeMs = durationMs(m.acquireTotal) / float64(m.acquisitions)
		state.MaxWaitTimeMs = durationMs(m.acquireMax)
	}
	state.Acquisitions = m.acquisitions
	state.Queries = m.queries
	state.Errors = m.errors

	m.acquisitions, m.acquireTotal, m.acquireMax = 0, 0, 0
	m.queries, m.errors = 0, 0

	return state
}

// RecordSample merges state into the window containing state.ObservedAt
func (m *Monitor) RecordSample(ctx context.Context, state PoolState) error {
	if state.ObservedAt.IsZero() {
		state.ObservedAt = m.now()
	}
	m.metrics.observeState(state)

	sample := Sample{
		WindowStart:       m.windowStart(state.ObservedAt),
		MinConnections:    state.MinConnections,
		MaxConnections:    state.MaxConnections,
		ActiveConnections: state.ActiveConnections,
		IdleConnections:   state.IdleConnections,
		WaitingClients:    state.WaitingClients,
		AvgWaitTimeMs:     state.AvgWaitTimeMs,
		MaxWaitTimeMs:     state.MaxWaitTimeMs,
		AcquisitionCount:  state.Acquisitions,
		TotalQueries:      state.Queries,
		ErrorCount:        state.Errors,
		SampleCount:       1,
		UpdatedAt:         state.ObservedAt.UTC(),
	}

	if err := m.store.Merge(ctx, sample); err != nil {
		m.metrics.observeSampleError()
		return fmt.Errorf("failed to record pool sample: %w", err)
	}
	return nil
}

// Run samples the pool every SampleInterval until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()

	m.logger.Info("Pool monitor started", map[string]interface{}{
		"interval": m.config.SampleInterval.String(),
		"window":   m.config.Window.String(),
	})

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Pool monitor stopped", nil)
			return nil
		case <-ticker.C:
			if err := m.RecordSample(ctx, m.Collect()); err != nil && ctx.Err() == nil {
				m.logger.Warn("Pool sample dropped", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// GetStats returns the windows of the last hours hours, oldest first, with
// QueryErrorRate filled in.
func (m *Monitor) GetStats(ctx context.Context, hours int) ([]Sample, error) {
	if hours <= 0 {
		return nil, fmt.Errorf("%w: hours must be positive", ErrInvalidArgument)
	}
	return m.statsSince(ctx, m.now().Add(-time.Duration(hours)*time.Hour))
}

func (m *Monitor) statsSince(ctx context.Context, from time.Time) ([]Sample, error) {
	samples, err := m.store.Since(ctx, m.windowStart(from))
	if err != nil {
		return nil, err
	}
	for i := range samples {
		samples[i] = samples[i].withErrorRate()
	}
	return samples, nil
}

// CleanOldStats removes windows older than retentionDays days
func (m *Monitor) CleanOldStats(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("%w: retention days must be positive", ErrInvalidArgument)
	}
	cutoff := m.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	n, err := m.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("Purged old pool stats", map[string]interface{}{
			"removed": n,
			"cutoff":  cutoff.UTC().Format(time.RFC3339),
		})
	}
	return n, nil
}

// WindowState reports where the window starting at windowStart is in its
// lifecycle at now.
func (m *Monitor) WindowState(windowStart, now time.Time) WindowState {
	retention := time.Duration(m.config.RetentionDays) * 24 * time.Hour
	return windowStateAt(windowStart, now, m.config.Window, retention, m.config.CleanupInterval)
}

func (m *Monitor) windowStart(t time.Time) time.Time {
	return t.UTC().Truncate(m.config.Window)
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
