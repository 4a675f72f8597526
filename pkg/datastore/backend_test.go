package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu           sync.Mutex
	acquisitions int
	queries      []error
}

func (r *recordingObserver) RecordAcquisition(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acquisitions++
}

func (r *recordingObserver) RecordQuery(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, err)
}

func newMockBackend(t *testing.T, observer PoolObserver) (*SQLBackend, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return NewSQLBackend(sqlx.NewDb(mockDB, "postgres"), observer, nil), mock
}

func TestWrapRowToJSON(t *testing.T) {
	assert.Equal(t, "SELECT row_to_json(q) FROM (SELECT 1) q", WrapRowToJSON("  SELECT 1;\n"))
}

func TestSQLBackend_Query(t *testing.T) {
	observer := &recordingObserver{}
	backend, mock := newMockBackend(t, observer)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT row_to_json(q) FROM (SELECT name FROM attractions WHERE id = $1) q")).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"row_to_json"}).
			AddRow([]byte(`{"name":"Louvre"}`)).
			AddRow([]byte(`{"name":"Orsay"}`)))

	records, err := backend.Query(context.Background(), "SELECT name FROM attractions WHERE id = $1", 7)
	require.NoError(t, err)
	assert.Equal(t, []json.RawMessage{json.RawMessage(`{"name":"Louvre"}`), json.RawMessage(`{"name":"Orsay"}`)}, records)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, 1, observer.acquisitions)
	require.Len(t, observer.queries, 1)
	assert.NoError(t, observer.queries[0])
}

func TestSQLBackend_EmptyResultIsNotNil(t *testing.T) {
	backend, mock := newMockBackend(t, nil)
	mock.ExpectQuery("row_to_json").WillReturnRows(sqlmock.NewRows([]string{"row_to_json"}))

	records, err := backend.Query(context.Background(), "SELECT 1 WHERE false")
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestSQLBackend_ErrorIsReturnedUnchanged(t *testing.T) {
	observer := &recordingObserver{}
	backend, mock := newMockBackend(t, observer)
	dbErr := errors.New(`relation "nowhere" does not exist`)
	mock.ExpectQuery("row_to_json").WillReturnError(dbErr)

	_, err := backend.Query(context.Background(), "SELECT * FROM nowhere")
	assert.Same(t, dbErr, err)
	require.Len(t, observer.queries, 1)
	assert.Same(t, dbErr, observer.queries[0])
}

func TestSQLBackend_RowError(t *testing.T) {
	backend, mock := newMockBackend(t, nil)
	rowErr := errors.New("connection reset")
	mock.ExpectQuery("row_to_json").WillReturnRows(sqlmock.NewRows([]string{"row_to_json"}).
		AddRow([]byte(`{}`)).
		RowError(0, rowErr))

	_, err := backend.Query(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, rowErr)
}
