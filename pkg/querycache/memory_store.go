package querycache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryStore is a bounded in-process store. When full, the least recently
// used entry is evicted. Used for tests and single-process deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *Entry]
}

// NewMemoryStore creates a store holding at most maxEntries entries
func NewMemoryStore(maxEntries int) (*MemoryStore, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	cache, err := lru.New[string, *Entry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{entries: cache}, nil
}

// Hit returns a copy of the live entry after incrementing its hit count
func (s *MemoryStore) Hit(_ context.Context, fingerprint string, now time.Time) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries.Get(fingerprint)
	if !ok || !e.Live(now) {
		return nil, ErrNotFound
	}
	e.HitCount++
	return e.clone(), nil
}

// Upsert stores a copy of entry, carrying over the previous hit count
func (s *MemoryStore) Upsert(_ context.Context, entry *Entry) error {
	if _, err := encodeResult(entry.Result); err != nil {
		return &SerializationError{Op: "encode result", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := entry.clone()
	stored.HitCount = 1
	if prev, ok := s.entries.Peek(entry.Fingerprint); ok {
		stored.HitCount = prev.HitCount
	}
	s.entries.Add(entry.Fingerprint, stored)
	return nil
}

// DeleteByCategory removes entries whose category equals category
func (s *MemoryStore) DeleteByCategory(_ context.Context, category string) (int64, error) {
	return s.removeWhere(func(e *Entry) bool {
		return e.Category != nil && *e.Category == category
	}), nil
}

// DeleteByCategoryPrefix removes entries tagged table or table:<sub>
func (s *MemoryStore) DeleteByCategoryPrefix(_ context.Context, table string) (int64, error) {
	return s.removeWhere(func(e *Entry) bool {
		return e.Category != nil && matchesTablePrefix(*e.Category, table)
	}), nil
}

// DeleteExpired removes entries with an expiry at or before now
func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	return s.removeWhere(func(e *Entry) bool {
		return !e.Live(now)
	}), nil
}

// DeleteAll removes every entry
func (s *MemoryStore) DeleteAll(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(s.entries.Len())
	s.entries.Purge()
	return n, nil
}

// Stats summarises the entries currently held
func (s *MemoryStore) Stats(_ context.Context, now time.Time) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats
	for _, e := range s.entries.Values() {
		stats.TotalEntries++
		stats.TotalHits += e.HitCount
		if !e.Live(now) {
			stats.ExpiredEntries++
		}
		stats.ApproximateSizeBytes += int64(len(e.Fingerprint) + len(e.QueryText))
		for _, r := range e.Result {
			stats.ApproximateSizeBytes += int64(len(r))
		}

		created := e.CreatedAt
		if stats.OldestEntry == nil || created.Before(*stats.OldestEntry) {
			t := created
			stats.OldestEntry = &t
		}
		if stats.NewestEntry == nil || created.After(*stats.NewestEntry) {
			t := created
			stats.NewestEntry = &t
		}
	}
	if stats.TotalEntries > 0 {
		stats.AvgHitsPerEntry = float64(stats.TotalHits) / float64(stats.TotalEntries)
	}
	return stats, nil
}

// Len returns the number of entries held, live or expired
func (s *MemoryStore) Len() int {
	return s.entries.Len()
}

func (s *MemoryStore) removeWhere(match func(*Entry) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, key := range s.entries.Keys() {
		e, ok := s.entries.Peek(key)
		if ok && match(e) {
			s.entries.Remove(key)
			n++
		}
	}
	return n
}
