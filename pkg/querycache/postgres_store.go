package querycache

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// PostgresStore keeps entries in the query_cache table
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a store over an existing connection pool
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type cacheRow struct {
	Fingerprint string         `db:"fingerprint"`
	QueryText   string         `db:"query_text"`
	Result      []byte         `db:"result"`
	CreatedAt   time.Time      `db:"created_at"`
	ExpiresAt   time.Time      `db:"expires_at"`
	HitCount    int64          `db:"hit_count"`
	Category    sql.NullString `db:"category"`
}

func (r *cacheRow) toEntry() (*Entry, error) {
	records, err := decodeResult(r.Result)
	if err != nil {
		return nil, &SerializationError{Op: "decode result", Err: err}
	}
	e := &Entry{
		Fingerprint: r.Fingerprint,
		QueryText:   r.QueryText,
		Result:      records,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
		HitCount:    r.HitCount,
	}
	if r.Category.Valid {
		e.Category = categoryPtr(r.Category.String)
	}
	return e, nil
}

// Hit increments and returns the live entry in a single UPDATE ... RETURNING
func (s *PostgresStore) Hit(ctx context.Context, fingerprint string, now time.Time) (*Entry, error) {
	query := `
		UPDATE query_cache
		SET hit_count = hit_count + 1
		WHERE fingerprint = $1 AND expires_at > $2
		RETURNING fingerprint, query_text, result, created_at, expires_at, hit_count, category
	`

	var row cacheRow
	if err := s.db.GetContext(ctx, &row, query, fingerprint, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to read cache entry")
	}
	return row.toEntry()
}

// Upsert inserts or replaces the entry, leaving hit_count untouched on conflict
func (s *PostgresStore) Upsert(ctx context.Context, entry *Entry) error {
	payload, err := encodeResult(entry.Result)
	if err != nil {
		return &SerializationError{Op: "encode result", Err: err}
	}

	query := `
		INSERT INTO query_cache (fingerprint, query_text, result, created_at, expires_at, hit_count, category)
		VALUES ($1, $2, $3, $4, $5, 1, $6)
		ON CONFLICT (fingerprint) DO UPDATE SET
			query_text = EXCLUDED.query_text,
			result = EXCLUDED.result,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			category = EXCLUDED.category
	`

	var category sql.NullString
	if entry.Category != nil {
		category = sql.NullString{String: *entry.Category, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, query,
		entry.Fingerprint, entry.QueryText, payload, entry.CreatedAt, entry.ExpiresAt, category)
	if err != nil {
		return errors.Wrap(err, "failed to upsert cache entry")
	}
	return nil
}

// DeleteByCategory removes entries whose category equals category
func (s *PostgresStore) DeleteByCategory(ctx context.Context, category string) (int64, error) {
	return s.exec(ctx, "failed to delete cache category",
		`DELETE FROM query_cache WHERE category = $1`, category)
}

// DeleteByCategoryPrefix removes entries tagged table or table:<sub>
func (s *PostgresStore) DeleteByCategoryPrefix(ctx context.Context, table string) (int64, error) {
	return s.exec(ctx, "failed to delete cache categories by table",
		`DELETE FROM query_cache WHERE category = $1 OR category LIKE $2`,
		table, escapeLike(table)+":%")
}

// DeleteExpired removes entries with expires_at <= now
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.exec(ctx, "failed to sweep expired cache entries",
		`DELETE FROM query_cache WHERE expires_at <= $1`, now)
}

// DeleteAll removes every entry
func (s *PostgresStore) DeleteAll(ctx context.Context) (int64, error) {
	return s.exec(ctx, "failed to clear cache", `DELETE FROM query_cache`)
}

// Stats aggregates the table in one pass
func (s *PostgresStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	query := `
		SELECT
			COUNT(*) AS total_entries,
			COUNT(*) FILTER (WHERE expires_at <= $1) AS expired_entries,
			COALESCE(SUM(hit_count), 0) AS total_hits,
			COALESCE(AVG(hit_count), 0)::float8 AS avg_hits,
			MIN(created_at) AS oldest_entry,
			MAX(created_at) AS newest_entry,
			pg_total_relation_size('query_cache') AS size_bytes
		FROM query_cache
	`

	var row struct {
		TotalEntries   int64        `db:"total_entries"`
		ExpiredEntries int64        `db:"expired_entries"`
		TotalHits      int64        `db:"total_hits"`
		AvgHits        float64      `db:"avg_hits"`
		OldestEntry    sql.NullTime `db:"oldest_entry"`
		NewestEntry    sql.NullTime `db:"newest_entry"`
		SizeBytes      int64        `db:"size_bytes"`
	}
	if err := s.db.GetContext(ctx, &row, query, now); err != nil {
		return Stats{}, errors.Wrap(err, "failed to read cache stats")
	}

	stats := Stats{
		TotalEntries:         row.TotalEntries,
		ExpiredEntries:       row.ExpiredEntries,
		TotalHits:            row.TotalHits,
		AvgHitsPerEntry:      row.AvgHits,
		ApproximateSizeBytes: row.SizeBytes,
	}
	if row.OldestEntry.Valid {
		t := row.OldestEntry.Time
		stats.OldestEntry = &t
	}
	if row.NewestEntry.Valid {
		t := row.NewestEntry.Time
		stats.NewestEntry = &t
	}
	return stats, nil
}

func (s *PostgresStore) exec(ctx context.Context, msg, query string, args ...interface{}) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, msg)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, msg)
	}
	return n, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike quotes LIKE metacharacters so table names match literally
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
