// Package poolmonitor samples database connection pool utilisation into
// hourly windows and derives pool sizing recommendations from them.
package poolmonitor

import (
	"time"
)

// Sample aggregates every observation that fell into one window.
//
// WaitingClients is the largest number of connection waits database/sql
// started during a single sampler tick (the sql.DBStats.WaitCount delta);
// the driver exposes no instantaneous count of blocked callers.
// AvgWaitTimeMs is the mean over AcquisitionCount acquisitions, so ticks
// without acquisitions do not dilute it.
type Sample struct {
	WindowStart       time.Time `db:"window_start" json:"window_start"`
	MinConnections    int       `db:"min_connections" json:"min_connections"`
	MaxConnections    int       `db:"max_connections" json:"max_connections"`
	ActiveConnections int       `db:"active_connections" json:"active_connections"`
	IdleConnections   int       `db:"idle_connections" json:"idle_connections"`
	WaitingClients    int       `db:"waiting_clients" json:"waiting_clients"`
	AvgWaitTimeMs     float64   `db:"avg_wait_time_ms" json:"avg_wait_time_ms"`
	MaxWaitTimeMs     float64   `db:"max_wait_time_ms" json:"max_wait_time_ms"`
	AcquisitionCount  int64     `db:"acquisition_count" json:"acquisition_count"`
	TotalQueries      int64     `db:"total_queries" json:"total_queries"`
	ErrorCount        int64     `db:"error_count" json:"error_count"`
	SampleCount       int64     `db:"sample_count" json:"sample_count"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`

	// QueryErrorRate is derived on read, never stored
	QueryErrorRate float64 `db:"-" json:"query_error_rate"`
}

// withErrorRate fills QueryErrorRate, zero when there were no queries
func (s Sample) withErrorRate() Sample {
	if s.TotalQueries > 0 {
		s.QueryErrorRate = float64(s.ErrorCount) / float64(s.TotalQueries)
	} else {
		s.QueryErrorRate = 0
	}
	return s
}

// PoolState is one observation of the pool. WaitingClients counts the
// connection waits started since the previous observation and
// AvgWaitTimeMs averages the Acquisitions timed over the same span.
type PoolState struct {
	ObservedAt        time.Time
	MinConnections    int
	MaxConnections    int
	ActiveConnections int
	IdleConnections   int
	WaitingClients    int
	AvgWaitTimeMs     float64
	MaxWaitTimeMs     float64
	Acquisitions      int64
	Queries           int64
	Errors            int64
}

// mergeSample folds an incoming observation into the window's running
// aggregate. Gauges keep the maximum, bounds take the latest value, the
// average wait is weighted by acquisition count and counters are summed.
func mergeSample(existing, incoming Sample) Sample {
	merged := existing
	merged.MinConnections = incoming.MinConnections
	merged.MaxConnections = incoming.MaxConnections
	merged.ActiveConnections = maxInt(existing.ActiveConnections, incoming.ActiveConnections)
	merged.IdleConnections = maxInt(existing.IdleConnections, incoming.IdleConnections)
	merged.WaitingClients = maxInt(existing.WaitingClients, incoming.WaitingClients)
	merged.MaxWaitTimeMs = maxFloat(existing.MaxWaitTimeMs, incoming.MaxWaitTimeMs)
	merged.TotalQueries = existing.TotalQueries + incoming.TotalQueries
	merged.ErrorCount = existing.ErrorCount + incoming.ErrorCount
	merged.SampleCount = existing.SampleCount + incoming.SampleCount
	merged.AcquisitionCount = existing.AcquisitionCount + incoming.AcquisitionCount
	if merged.AcquisitionCount > 0 {
		merged.AvgWaitTimeMs = (existing.AvgWaitTimeMs*float64(existing.AcquisitionCount) +
			incoming.AvgWaitTimeMs*float64(incoming.AcquisitionCount)) / float64(merged.AcquisitionCount)
	} else {
		merged.AvgWaitTimeMs = 0
	}
	if incoming.UpdatedAt.After(existing.UpdatedAt) {
		merged.UpdatedAt = incoming.UpdatedAt
	}
	return merged
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// WindowState is the lifecycle stage of a sampling window
type WindowState int

const (
	// WindowOpen is still accumulating observations
	WindowOpen WindowState = iota
	// WindowClosed has elapsed and is persisted
	WindowClosed
	// WindowArchived is past retention and awaits the cleanup job
	WindowArchived
	// WindowPurged has been removed by the cleanup job
	WindowPurged
)

func (s WindowState) String() string {
	switch s {
	case WindowOpen:
		return "open"
	case WindowClosed:
		return "closed"
	case WindowArchived:
		return "archived"
	case WindowPurged:
		return "purged"
	default:
		return "unknown"
	}
}

// windowStateAt derives the state of the window starting at start
func windowStateAt(start, now time.Time, window, retention, cleanupInterval time.Duration) WindowState {
	end := start.Add(window)
	switch {
	case now.Before(end):
		return WindowOpen
	case !start.Before(now.Add(-retention)):
		return WindowClosed
	case start.Before(now.Add(-retention - cleanupInterval)):
		return WindowPurged
	default:
		return WindowArchived
	}
}
