package querycache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type recordingInvalidator struct {
	mu     sync.Mutex
	tables []string
	err    error
}

func (r *recordingInvalidator) InvalidateByTablePrefix(_ context.Context, table string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables = append(r.tables, table)
	return 1, r.err
}

func (r *recordingInvalidator) Tables() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tables...)
}

func TestWriteHook_OnlyRegisteredTables(t *testing.T) {
	rec := &recordingInvalidator{}
	hook := NewWriteHook(rec, nil, "attractions", "hotels")

	n, err := hook.AfterWrite(context.Background(), "attractions")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = hook.AfterWrite(context.Background(), "users")
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, []string{"attractions"}, rec.Tables())
	assert.Equal(t, []string{"attractions", "hotels"}, hook.Tables())

	hook.Register("restaurants")
	assert.True(t, hook.Registered("restaurants"))
}

func TestWriteHook_PropagatesErrors(t *testing.T) {
	rec := &recordingInvalidator{err: errors.New("db down")}
	hook := NewWriteHook(rec, nil, "hotels")

	_, err := hook.InvalidateByTablePrefix(context.Background(), "hotels")
	assert.EqualError(t, err, "db down")
}

func TestWriteHook_NoStaleReadAfterWrite(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	backend := newFakeBackend(`{"name":"Giza"}`)
	engine := newTestEngine(t, store, backend, newTestClock())
	hook := NewWriteHook(NewInvalidator(store, nil), nil, "attractions")
	q := Query{Text: "SELECT * FROM attractions"}

	_, err := engine.GetCached(ctx, q, CategoryFor("attractions", KindSearch), time.Hour)
	require.NoError(t, err)

	backend.records[0] = []byte(`{"name":"Karnak"}`)
	_, err = hook.AfterWrite(ctx, "attractions")
	require.NoError(t, err)

	res, err := engine.GetCached(ctx, q, CategoryFor("attractions", KindSearch), time.Hour)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.JSONEq(t, `{"name":"Karnak"}`, string(res.Records[0]))
}

func TestChangeQueue_AppliesInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recordingInvalidator{}
	queue := NewChangeQueue(rec, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- queue.Run(ctx) }()

	require.NoError(t, queue.Publish(context.Background(), "hotels"))
	n, err := queue.InvalidateByTablePrefix(context.Background(), "restaurants")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// the waiting call returns only after earlier changes were applied
	assert.Equal(t, []string{"hotels", "restaurants"}, rec.Tables())
	require.NoError(t, queue.Flush(context.Background()))

	cancel()
	require.NoError(t, <-done)

	assert.ErrorIs(t, queue.Publish(context.Background(), "hotels"), ErrQueueClosed)
}

func TestChangeQueue_DrainsOnShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recordingInvalidator{}
	queue := NewChangeQueue(rec, 8, nil)

	require.NoError(t, queue.Publish(context.Background(), "attractions"))
	require.NoError(t, queue.Publish(context.Background(), "hotels"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, queue.Run(ctx))

	assert.ElementsMatch(t, []string{"attractions", "hotels"}, rec.Tables())
}

func TestChangeQueue_LogsFailuresAndContinues(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recordingInvalidator{err: errors.New("boom")}
	queue := NewChangeQueue(rec, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- queue.Run(ctx) }()

	require.NoError(t, queue.Publish(context.Background(), "hotels"))
	require.NoError(t, queue.Publish(context.Background(), "hotels"))
	require.NoError(t, queue.Flush(context.Background()))
	assert.Len(t, rec.Tables(), 2)

	cancel()
	require.NoError(t, <-done)
}

func TestChangeQueue_PublishHonorsContext(t *testing.T) {
	queue := NewChangeQueue(&recordingInvalidator{}, 1, nil)
	require.NoError(t, queue.Publish(context.Background(), "hotels"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, queue.Publish(ctx, "hotels"), context.DeadlineExceeded)
}

func TestChangeQueue_InvalidateWaitsForApply(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	store := newMemoryStore(t)
	backend := newFakeBackend(`{"name":"Giza"}`)
	engine := newTestEngine(t, store, backend, newTestClock())
	hook := NewWriteHook(NewInvalidator(store, nil), nil, "attractions")
	queue := NewChangeQueue(hook, 4, nil)
	q := Query{Text: "SELECT * FROM attractions"}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- queue.Run(runCtx) }()

	_, err := engine.GetCached(ctx, q, CategoryFor("attractions", KindSearch), time.Hour)
	require.NoError(t, err)

	backend.records[0] = []byte(`{"name":"Karnak"}`)
	n, err := queue.InvalidateByTablePrefix(ctx, "attractions")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	res, err := engine.GetCached(ctx, q, CategoryFor("attractions", KindSearch), time.Hour)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.JSONEq(t, `{"name":"Karnak"}`, string(res.Records[0]))

	cancel()
	require.NoError(t, <-done)
}

func TestChangeQueue_InvalidateReturnsErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recordingInvalidator{err: errors.New("boom")}
	queue := NewChangeQueue(rec, 4, nil)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- queue.Run(runCtx) }()

	_, err := queue.InvalidateByTablePrefix(context.Background(), "hotels")
	assert.EqualError(t, err, "boom")

	cancel()
	require.NoError(t, <-done)

	_, err = queue.InvalidateByTablePrefix(context.Background(), "hotels")
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestChangeQueue_InvalidateHonorsContext(t *testing.T) {
	queue := NewChangeQueue(&recordingInvalidator{}, 4, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := queue.InvalidateByTablePrefix(ctx, "hotels")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
