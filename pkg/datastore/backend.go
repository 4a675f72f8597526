// Package datastore adapts the PostgreSQL pool to the query backend the
// cache fronts.
package datastore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tourbot/querycache/pkg/observability"
)

// Backend runs a parameterized query and returns one JSON value per record
type Backend interface {
	Query(ctx context.Context, query string, args ...interface{}) ([]json.RawMessage, error)
}

// PoolObserver receives connection acquisition latency and query outcomes
type PoolObserver interface {
	RecordAcquisition(d time.Duration)
	RecordQuery(err error)
}

type noopObserver struct{}

func (noopObserver) RecordAcquisition(time.Duration) {}
func (noopObserver) RecordQuery(error)               {}

// SQLBackend runs queries on a dedicated pooled connection and returns each
// row encoded by row_to_json.
type SQLBackend struct {
	db       *sqlx.DB
	observer PoolObserver
	logger   observability.Logger
}

// NewSQLBackend creates a backend over db. observer may be nil.
func NewSQLBackend(db *sqlx.DB, observer PoolObserver, logger observability.Logger) *SQLBackend {
	if observer == nil {
		observer = noopObserver{}
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &SQLBackend{
		db:       db,
		observer: observer,
		logger:   logger.WithPrefix("sql-backend"),
	}
}

// WrapRowToJSON turns a SELECT into one returning a JSON object per row
func WrapRowToJSON(query string) string {
	query = strings.TrimSpace(query)
	query = strings.TrimRight(query, "; \t\n")
	return "SELECT row_to_json(q) FROM (" + query + ") q"
}

// Query acquires a connection, timing the wait, and runs query on it.
// Errors from the database are returned unchanged.
func (b *SQLBackend) Query(ctx context.Context, query string, args ...interface{}) (records []json.RawMessage, err error) {
	defer func() { b.observer.RecordQuery(err) }()

	start := time.Now()
	conn, err := b.db.Connx(ctx)
	b.observer.RecordAcquisition(time.Since(start))
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			b.logger.Warn("Failed to release connection", map[string]interface{}{"error": closeErr.Error()})
		}
	}()

	rows, err := conn.QueryxContext(ctx, WrapRowToJSON(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			b.logger.Warn("Failed to close rows", map[string]interface{}{"error": closeErr.Error()})
		}
	}()

	records = []json.RawMessage{}
	for rows.Next() {
		var raw []byte
		if err = rows.Scan(&raw); err != nil {
			return nil, err
		}
		records = append(records, json.RawMessage(raw))
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
