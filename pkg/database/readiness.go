package database

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tourbot/querycache/pkg/observability"
)

// RequiredTables are the tables the service cannot run without
var RequiredTables = []string{"query_cache", "pool_stats"}

// ReadinessChecker checks if database tables are ready
type ReadinessChecker struct {
	db             *sqlx.DB
	schema         string
	requiredTables []string
	logger         observability.Logger
}

// NewReadinessChecker creates a new readiness checker for the public schema
func NewReadinessChecker(db *sqlx.DB, logger observability.Logger) *ReadinessChecker {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &ReadinessChecker{
		db:             db,
		schema:         "public",
		requiredTables: RequiredTables,
		logger:         logger,
	}
}

// TablesExist checks if all required tables exist
func (r *ReadinessChecker) TablesExist(ctx context.Context) (bool, error) {
	query := `
		SELECT COUNT(*)
		FROM information_schema.tables
		WHERE table_schema = $1
		AND table_name = ANY($2)
	`

	var count int
	err := r.db.QueryRowContext(ctx, query, r.schema, pq.Array(r.requiredTables)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check tables: %w", err)
	}

	return count == len(r.requiredTables), nil
}

// WaitForTables polls with exponential backoff until every required table
// exists or maxWait elapses.
func (r *ReadinessChecker) WaitForTables(ctx context.Context, maxWait time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = maxWait

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		exists, err := r.TablesExist(ctx)
		if err != nil {
			r.logger.Warn("Failed to check tables", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
			return err
		}
		if !exists {
			missing := r.MissingTables(ctx)
			r.logger.Info("Waiting for tables", map[string]interface{}{
				"attempt": attempt,
				"missing": missing,
			})
			return fmt.Errorf("missing tables: %v", missing)
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("tables not ready after %d attempts: %w", attempt, err)
	}

	r.logger.Info("All required tables are ready", map[string]interface{}{"attempts": attempt})
	return nil
}

// MissingTables returns a list of tables that don't exist
func (r *ReadinessChecker) MissingTables(ctx context.Context) []string {
	query := `
		SELECT table_name
		FROM unnest($2::text[]) AS required(table_name)
		WHERE NOT EXISTS (
			SELECT 1
			FROM information_schema.tables t
			WHERE t.table_schema = $1
			AND t.table_name = required.table_name
		)
	`

	var missing []string
	if err := r.db.SelectContext(ctx, &missing, query, r.schema, pq.Array(r.requiredTables)); err != nil {
		r.logger.Warn("Failed to get missing tables", map[string]interface{}{"error": err.Error()})
		return []string{"unknown"}
	}
	return missing
}

// HealthCheck performs a health check on the database
func (r *ReadinessChecker) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	exists, err := r.TablesExist(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify tables: %w", err)
	}

	if !exists {
		return fmt.Errorf("missing required tables: %v", r.MissingTables(ctx))
	}

	return nil
}
