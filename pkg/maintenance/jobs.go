package maintenance

import (
	"context"
	"time"
)

// Names of the built-in jobs
const (
	JobCacheSweep    = "cache_sweep"
	JobPoolRetention = "pool_stats_retention"
)

// ExpiredSweeper deletes expired cache entries
type ExpiredSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// StatsCleaner deletes pool windows older than a retention period
type StatsCleaner interface {
	CleanOldStats(ctx context.Context, retentionDays int) (int64, error)
}

// CacheSweepJob removes expired cache entries every interval
func CacheSweepJob(sweeper ExpiredSweeper, interval time.Duration) Job {
	return Job{
		Name:     JobCacheSweep,
		Interval: interval,
		Run:      sweeper.SweepExpired,
	}
}

// PoolRetentionJob drops pool windows older than retentionDays every interval
func PoolRetentionJob(cleaner StatsCleaner, retentionDays int, interval time.Duration) Job {
	return Job{
		Name:     JobPoolRetention,
		Interval: interval,
		Run: func(ctx context.Context) (int64, error) {
			return cleaner.CleanOldStats(ctx, retentionDays)
		},
	}
}
