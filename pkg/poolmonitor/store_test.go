package poolmonitor

import (
	"context"
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

func TestPostgresStore_Merge(t *testing.T) {
	store, mock := newPostgresStoreMock(t)
	sample := Sample{
		WindowStart: hourStart, MinConnections: 5, MaxConnections: 20, ActiveConnections: 7,
		AvgWaitTimeMs: 2.5, MaxWaitTimeMs: 9, AcquisitionCount: 4, TotalQueries: 10, ErrorCount: 1, SampleCount: 1,
		UpdatedAt: hourStart.Add(time.Minute),
	}

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (window_start) DO UPDATE")).
		WithArgs(hourStart, 5, 20, 7, 0, 0, 2.5, 9.0, int64(4), int64(10), int64(1), int64(1), hourStart.Add(time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Merge(context.Background(), sample))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Since(t *testing.T) {
	store, mock := newPostgresStoreMock(t)
	columns := []string{
		"window_start", "min_connections", "max_connections", "active_connections",
		"idle_connections", "waiting_clients", "avg_wait_time_ms", "max_wait_time_ms",
		"acquisition_count", "total_queries", "error_count", "sample_count", "updated_at",
	}

	mock.ExpectQuery(regexp.QuoteMeta("FROM pool_stats")).
		WithArgs(hourStart).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(hourStart, 5, 20, 7, 3, 1, 2.5, 9.0, 6, 10, 1, 4, hourStart).
			AddRow(hourStart.Add(time.Hour), 5, 20, 2, 3, 0, 1.0, 3.0, 2, 0, 0, 1, hourStart.Add(time.Hour)))

	samples, err := store.Since(context.Background(), hourStart)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, 7, samples[0].ActiveConnections)
	assert.Equal(t, int64(4), samples[0].SampleCount)
	assert.Equal(t, int64(6), samples[0].AcquisitionCount)
	assert.Equal(t, hourStart.Add(time.Hour), samples[1].WindowStart)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteBefore(t *testing.T) {
	store, mock := newPostgresStoreMock(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM pool_stats WHERE window_start < $1")).
		WithArgs(hourStart).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := store.DeleteBefore(context.Background(), hourStart)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}

func TestMemoryStore_MergeMatchesSQLSemantics(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Merge(ctx, Sample{WindowStart: hourStart, ActiveConnections: 9, AvgWaitTimeMs: 30, AcquisitionCount: 3, SampleCount: 3, TotalQueries: 5}))
	require.NoError(t, store.Merge(ctx, Sample{WindowStart: hourStart, ActiveConnections: 4, AvgWaitTimeMs: 10, AcquisitionCount: 1, SampleCount: 1, TotalQueries: 7, MaxConnections: 50}))
	require.NoError(t, store.Merge(ctx, Sample{WindowStart: hourStart, SampleCount: 5}))

	samples, err := store.Since(ctx, hourStart)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 9, samples[0].ActiveConnections)
	assert.Equal(t, 50, samples[0].MaxConnections)
	assert.InDelta(t, 25.0, samples[0].AvgWaitTimeMs, 0.0001)
	assert.Equal(t, int64(12), samples[0].TotalQueries)
	assert.Equal(t, int64(4), samples[0].AcquisitionCount)
	assert.Equal(t, int64(9), samples[0].SampleCount)
}
