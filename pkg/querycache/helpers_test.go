package querycache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: baseTime}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeBackend counts calls and returns fixed records
type fakeBackend struct {
	mu       sync.Mutex
	calls    int
	records  []json.RawMessage
	err      error
	lastText string
	lastArgs []interface{}
}

func newFakeBackend(records ...string) *fakeBackend {
	b := &fakeBackend{}
	for _, r := range records {
		b.records = append(b.records, json.RawMessage(r))
	}
	return b
}

func (b *fakeBackend) Query(_ context.Context, query string, args ...interface{}) ([]json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.lastText = query
	b.lastArgs = args
	if b.err != nil {
		return nil, b.err
	}
	return b.records, nil
}

func (b *fakeBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

var errStoreDown = errors.New("store unavailable")

// failingStore fails every operation
type failingStore struct{}

func (failingStore) Hit(context.Context, string, time.Time) (*Entry, error) { return nil, errStoreDown }
func (failingStore) Upsert(context.Context, *Entry) error                  { return errStoreDown }
func (failingStore) DeleteByCategory(context.Context, string) (int64, error) {
	return 0, errStoreDown
}
func (failingStore) DeleteByCategoryPrefix(context.Context, string) (int64, error) {
	return 0, errStoreDown
}
func (failingStore) DeleteExpired(context.Context, time.Time) (int64, error) { return 0, errStoreDown }
func (failingStore) DeleteAll(context.Context) (int64, error)                { return 0, errStoreDown }
func (failingStore) Stats(context.Context, time.Time) (Stats, error)         { return Stats{}, errStoreDown }

func newMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	s, err := NewMemoryStore(100)
	require.NoError(t, err)
	return s
}

func testEntry(fp, category string, created time.Time, ttl time.Duration) *Entry {
	return &Entry{
		Fingerprint: fp,
		QueryText:   "SELECT 1",
		Result:      []json.RawMessage{json.RawMessage(`{"id":1}`)},
		CreatedAt:   created,
		ExpiresAt:   created.Add(ttl),
		Category:    categoryPtr(category),
	}
}
