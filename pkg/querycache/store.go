package querycache

import (
	"context"
	"strings"
	"time"
)

// Store persists cache entries. Every method is safe for concurrent use and
// relies on the backing store's own atomicity rather than caller locks.
type Store interface {
	// Hit returns the live entry for fingerprint and increments its hit count
	// in one step. Expired or missing entries yield ErrNotFound.
	Hit(ctx context.Context, fingerprint string, now time.Time) (*Entry, error)

	// Upsert writes entry, replacing any prior entry with the same fingerprint
	// while keeping its cumulative hit count. New entries start at one.
	Upsert(ctx context.Context, entry *Entry) error

	DeleteByCategory(ctx context.Context, category string) (int64, error)

	// DeleteByCategoryPrefix removes entries whose category is table or
	// starts with table + ":".
	DeleteByCategoryPrefix(ctx context.Context, table string) (int64, error)

	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
}

// matchesTablePrefix reports whether category belongs to table
func matchesTablePrefix(category, table string) bool {
	return category == table || strings.HasPrefix(category, table+":")
}
