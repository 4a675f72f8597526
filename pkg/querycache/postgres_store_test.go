package querycache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresStoreMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return NewPostgresStore(sqlx.NewDb(mockDB, "postgres")), mock
}

var cacheColumns = []string{"fingerprint", "query_text", "result", "created_at", "expires_at", "hit_count", "category"}

func TestPostgresStore_Hit(t *testing.T) {
	store, mock := newPostgresStoreMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE query_cache")).
		WithArgs("fp1", baseTime).
		WillReturnRows(sqlmock.NewRows(cacheColumns).AddRow(
			"fp1", "SELECT 1", []byte(`[{"id":1},{"id":2}]`),
			baseTime.Add(-time.Minute), baseTime.Add(time.Minute), int64(4), "attractions:spatial"))

	e, err := store.Hit(context.Background(), "fp1", baseTime)
	require.NoError(t, err)
	assert.Equal(t, int64(4), e.HitCount)
	assert.Equal(t, "attractions:spatial", e.CategoryName())
	require.Len(t, e.Result, 2)
	assert.JSONEq(t, `{"id":2}`, string(e.Result[1]))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_HitNullCategory(t *testing.T) {
	store, mock := newPostgresStoreMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE query_cache")).
		WillReturnRows(sqlmock.NewRows(cacheColumns).AddRow(
			"fp1", "SELECT 1", []byte(`[]`), baseTime, baseTime.Add(time.Minute), int64(2), nil))

	e, err := store.Hit(context.Background(), "fp1", baseTime)
	require.NoError(t, err)
	assert.Nil(t, e.Category)
	assert.Empty(t, e.Result)
}

func TestPostgresStore_HitMiss(t *testing.T) {
	store, mock := newPostgresStoreMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE query_cache")).
		WithArgs("fp1", baseTime).
		WillReturnRows(sqlmock.NewRows(cacheColumns))

	_, err := store.Hit(context.Background(), "fp1", baseTime)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_HitDatabaseError(t *testing.T) {
	store, mock := newPostgresStoreMock(t)
	dbErr := errors.New("connection reset")

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE query_cache")).WillReturnError(dbErr)

	_, err := store.Hit(context.Background(), "fp1", baseTime)
	assert.ErrorIs(t, err, dbErr)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_Upsert(t *testing.T) {
	store, mock := newPostgresStoreMock(t)
	e := testEntry("fp1", "hotels:vector", baseTime, time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (fingerprint) DO UPDATE")).
		WithArgs("fp1", "SELECT 1", []byte(`[{"id":1}]`), baseTime, baseTime.Add(time.Hour), "hotels:vector").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Upsert(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertWithoutCategory(t *testing.T) {
	store, mock := newPostgresStoreMock(t)
	e := testEntry("fp1", "", baseTime, time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO query_cache")).
		WithArgs("fp1", "SELECT 1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Upsert(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertInvalidPayload(t *testing.T) {
	store, mock := newPostgresStoreMock(t)
	e := testEntry("fp1", "", baseTime, time.Hour)
	e.Result = []json.RawMessage{json.RawMessage(`nope`)}

	var serr *SerializationError
	assert.ErrorAs(t, store.Upsert(context.Background(), e), &serr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Deletes(t *testing.T) {
	ctx := context.Background()
	store, mock := newPostgresStoreMock(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM query_cache WHERE category = $1 OR category LIKE $2")).
		WithArgs("attractions", "attractions:%").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM query_cache WHERE category = $1")).
		WithArgs("hotels:vector").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM query_cache WHERE expires_at <= $1")).
		WithArgs(baseTime).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM query_cache")).
		WillReturnResult(sqlmock.NewResult(0, 5))

	n, err := store.DeleteByCategoryPrefix(ctx, "attractions")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.DeleteByCategory(ctx, "hotels:vector")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = store.DeleteExpired(ctx, baseTime)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	n, err = store.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteError(t *testing.T) {
	store, mock := newPostgresStoreMock(t)
	mock.ExpectExec("DELETE FROM query_cache").WillReturnError(sql.ErrConnDone)

	_, err := store.DeleteAll(context.Background())
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestPostgresStore_Stats(t *testing.T) {
	store, mock := newPostgresStoreMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("pg_total_relation_size('query_cache')")).
		WithArgs(baseTime).
		WillReturnRows(sqlmock.NewRows([]string{
			"total_entries", "expired_entries", "total_hits", "avg_hits", "oldest_entry", "newest_entry", "size_bytes",
		}).AddRow(int64(10), int64(2), int64(45), 4.5, baseTime.Add(-time.Hour), baseTime, int64(8192)))

	stats, err := store.Stats(context.Background(), baseTime)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.TotalEntries)
	assert.Equal(t, int64(2), stats.ExpiredEntries)
	assert.Equal(t, int64(45), stats.TotalHits)
	assert.InDelta(t, 4.5, stats.AvgHitsPerEntry, 0.0001)
	require.NotNil(t, stats.OldestEntry)
	assert.Equal(t, baseTime.Add(-time.Hour), *stats.OldestEntry)
	assert.Equal(t, int64(8192), stats.ApproximateSizeBytes)
}

func TestPostgresStore_StatsEmptyTable(t *testing.T) {
	store, mock := newPostgresStoreMock(t)

	mock.ExpectQuery("FROM query_cache").
		WillReturnRows(sqlmock.NewRows([]string{
			"total_entries", "expired_entries", "total_hits", "avg_hits", "oldest_entry", "newest_entry", "size_bytes",
		}).AddRow(int64(0), int64(0), int64(0), 0.0, nil, nil, int64(16384)))

	stats, err := store.Stats(context.Background(), baseTime)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEntries)
	assert.Nil(t, stats.OldestEntry)
	assert.Nil(t, stats.NewestEntry)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `tour\_stops`, escapeLike("tour_stops"))
	assert.Equal(t, `100\%`, escapeLike("100%"))
	assert.Equal(t, `a\\b`, escapeLike(`a\b`))
}
