package querycache

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/tourbot/querycache/pkg/observability"
)

// ErrQueueClosed is returned by Publish once the change queue has stopped
var ErrQueueClosed = errors.New("change queue closed")

// WriteHook invalidates cached reads for registered tables as part of the
// write path. Writes to other tables are ignored.
type WriteHook struct {
	invalidator CacheInvalidator
	logger      observability.Logger

	mu     sync.RWMutex
	tables map[string]struct{}
}

// NewWriteHook creates a hook that forwards writes on tables to invalidator
func NewWriteHook(invalidator CacheInvalidator, logger observability.Logger, tables ...string) *WriteHook {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	h := &WriteHook{
		invalidator: invalidator,
		logger:      logger.WithPrefix("write-hook"),
		tables:      make(map[string]struct{}),
	}
	h.Register(tables...)
	return h
}

// Register adds tables whose writes invalidate the cache
func (h *WriteHook) Register(tables ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range tables {
		if t != "" {
			h.tables[t] = struct{}{}
		}
	}
}

// Registered reports whether writes on table invalidate the cache
func (h *WriteHook) Registered(table string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.tables[table]
	return ok
}

// Tables returns the registered tables in sorted order
func (h *WriteHook) Tables() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.tables))
	for t := range h.tables {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// AfterWrite invalidates every entry derived from table. It returns only once
// the entries are gone, so the writer's next read cannot be stale.
func (h *WriteHook) AfterWrite(ctx context.Context, table string) (int64, error) {
	if !h.Registered(table) {
		return 0, nil
	}
	n, err := h.invalidator.InvalidateByTablePrefix(ctx, table)
	if err != nil {
		return 0, err
	}
	h.logger.Debug("Invalidated cache after write", map[string]interface{}{
		"table":   table,
		"removed": n,
	})
	return n, nil
}

// InvalidateByTablePrefix lets the hook stand in for a CacheInvalidator
func (h *WriteHook) InvalidateByTablePrefix(ctx context.Context, table string) (int64, error) {
	return h.AfterWrite(ctx, table)
}

type tableChange struct {
	table  string
	done   chan struct{}
	result chan changeResult
}

type changeResult struct {
	removed int64
	err     error
}

// ChangeQueue is the outbox variant of the write hook: writers publish the
// changed table and Run drains changes into the invalidator in order.
// Publish does not wait, so a reader racing the queue may see entries until
// Flush returns. InvalidateByTablePrefix waits for its own change, which
// keeps read-your-writes for repositories.
type ChangeQueue struct {
	invalidator CacheInvalidator
	logger      observability.Logger
	changes     chan tableChange
	stopped     chan struct{}
	stopOnce    sync.Once
}

// NewChangeQueue creates a queue holding up to size pending changes
func NewChangeQueue(invalidator CacheInvalidator, size int, logger observability.Logger) *ChangeQueue {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &ChangeQueue{
		invalidator: invalidator,
		logger:      logger.WithPrefix("change-queue"),
		changes:     make(chan tableChange, size),
		stopped:     make(chan struct{}),
	}
}

// Publish enqueues a change to table, blocking while the queue is full
func (q *ChangeQueue) Publish(ctx context.Context, table string) error {
	return q.enqueue(ctx, tableChange{table: table})
}

// InvalidateByTablePrefix enqueues the change and waits until the worker has
// applied it, letting the queue stand in for a CacheInvalidator.
func (q *ChangeQueue) InvalidateByTablePrefix(ctx context.Context, table string) (int64, error) {
	result := make(chan changeResult, 1)
	if err := q.enqueue(ctx, tableChange{table: table, result: result}); err != nil {
		return 0, err
	}
	select {
	case r := <-result:
		return r.removed, r.err
	case <-q.stopped:
		// Run applies everything queued before it stops
		select {
		case r := <-result:
			return r.removed, r.err
		default:
			return 0, ErrQueueClosed
		}
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (q *ChangeQueue) enqueue(ctx context.Context, c tableChange) error {
	select {
	case <-q.stopped:
		return ErrQueueClosed
	default:
	}
	select {
	case q.changes <- c:
		return nil
	case <-q.stopped:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every change published before the call is applied
func (q *ChangeQueue) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := q.enqueue(ctx, tableChange{done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-q.stopped:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run applies changes until ctx is cancelled. Changes still queued at that
// point are applied before Run returns.
func (q *ChangeQueue) Run(ctx context.Context) error {
	defer q.stopOnce.Do(func() { close(q.stopped) })

	for {
		select {
		case c := <-q.changes:
			q.apply(ctx, c)
		case <-ctx.Done():
			q.drain()
			return nil
		}
	}
}

func (q *ChangeQueue) drain() {
	// ctx is already cancelled; finish with a fresh one
	ctx := context.Background()
	for {
		select {
		case c := <-q.changes:
			q.apply(ctx, c)
		default:
			return
		}
	}
}

func (q *ChangeQueue) apply(ctx context.Context, c tableChange) {
	if c.done != nil {
		close(c.done)
		return
	}
	removed, err := q.invalidator.InvalidateByTablePrefix(ctx, c.table)
	if c.result != nil {
		c.result <- changeResult{removed: removed, err: err}
		return
	}
	if err != nil {
		q.logger.Error("Failed to apply queued invalidation", map[string]interface{}{
			"table": c.table,
			"error": err.Error(),
		})
	}
}
