package poolmonitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// Store persists one Sample per window
type Store interface {
	// Merge folds sample into the row for sample.WindowStart, creating it
	// when absent.
	Merge(ctx context.Context, sample Sample) error

	// Since returns windows starting at or after from, oldest first
	Since(ctx context.Context, from time.Time) ([]Sample, error)

	// DeleteBefore removes windows starting before cutoff
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PostgresStore keeps samples in the pool_stats table
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a store over an existing connection pool
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Merge upserts the window, merging in SQL so concurrent samplers agree
func (s *PostgresStore) Merge(ctx context.Context, sample Sample) error {
	query := `
		INSERT INTO pool_stats (
			window_start, min_connections, max_connections, active_connections,
			idle_connections, waiting_clients, avg_wait_time_ms, max_wait_time_ms,
			acquisition_count, total_queries, error_count, sample_count, updated_at
		) VALUES (
			:window_start, :min_connections, :max_connections, :active_connections,
			:idle_connections, :waiting_clients, :avg_wait_time_ms, :max_wait_time_ms,
			:acquisition_count, :total_queries, :error_count, :sample_count, :updated_at
		)
		ON CONFLICT (window_start) DO UPDATE SET
			min_connections = EXCLUDED.min_connections,
			max_connections = EXCLUDED.max_connections,
			active_connections = GREATEST(pool_stats.active_connections, EXCLUDED.active_connections),
			idle_connections = GREATEST(pool_stats.idle_connections, EXCLUDED.idle_connections),
			waiting_clients = GREATEST(pool_stats.waiting_clients, EXCLUDED.waiting_clients),
			avg_wait_time_ms = COALESCE(
				(pool_stats.avg_wait_time_ms * pool_stats.acquisition_count
					+ EXCLUDED.avg_wait_time_ms * EXCLUDED.acquisition_count)
				/ NULLIF(pool_stats.acquisition_count + EXCLUDED.acquisition_count, 0), 0),
			acquisition_count = pool_stats.acquisition_count + EXCLUDED.acquisition_count,
			max_wait_time_ms = GREATEST(pool_stats.max_wait_time_ms, EXCLUDED.max_wait_time_ms),
			total_queries = pool_stats.total_queries + EXCLUDED.total_queries,
			error_count = pool_stats.error_count + EXCLUDED.error_count,
			sample_count = pool_stats.sample_count + EXCLUDED.sample_count,
			updated_at = GREATEST(pool_stats.updated_at, EXCLUDED.updated_at)
	`

	if _, err := s.db.NamedExecContext(ctx, query, sample); err != nil {
		return errors.Wrap(err, "failed to merge pool stats sample")
	}
	return nil
}

// Since returns windows starting at or after from
func (s *PostgresStore) Since(ctx context.Context, from time.Time) ([]Sample, error) {
	query := `
		SELECT window_start, min_connections, max_connections, active_connections,
			idle_connections, waiting_clients, avg_wait_time_ms, max_wait_time_ms,
			acquisition_count, total_queries, error_count, sample_count, updated_at
		FROM pool_stats
		WHERE window_start >= $1
		ORDER BY window_start
	`

	samples := []Sample{}
	if err := s.db.SelectContext(ctx, &samples, query, from); err != nil {
		return nil, errors.Wrap(err, "failed to read pool stats")
	}
	return samples, nil
}

// DeleteBefore removes windows starting before cutoff
func (s *PostgresStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pool_stats WHERE window_start < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old pool stats")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old pool stats")
	}
	return n, nil
}

// MemoryStore keeps samples in process
type MemoryStore struct {
	mu      sync.Mutex
	samples map[int64]Sample
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{samples: make(map[int64]Sample)}
}

// Merge folds sample into its window
func (s *MemoryStore) Merge(_ context.Context, sample Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sample.WindowStart.UnixNano()
	if existing, ok := s.samples[key]; ok {
		s.samples[key] = mergeSample(existing, sample)
		return nil
	}
	s.samples[key] = sample
	return nil
}

// Since returns windows starting at or after from, oldest first
func (s *MemoryStore) Since(_ context.Context, from time.Time) ([]Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []Sample{}
	for _, sample := range s.samples {
		if !sample.WindowStart.Before(from) {
			out = append(out, sample)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].WindowStart.Before(out[j].WindowStart)
	})
	return out, nil
}

// DeleteBefore removes windows starting before cutoff
func (s *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, sample := range s.samples {
		if sample.WindowStart.Before(cutoff) {
			delete(s.samples, key)
			n++
		}
	}
	return n, nil
}
