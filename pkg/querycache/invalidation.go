package querycache

import (
	"context"
	"fmt"
	"strings"

	"github.com/tourbot/querycache/pkg/observability"
)

// CacheInvalidator is the capability write paths depend on
type CacheInvalidator interface {
	InvalidateByTablePrefix(ctx context.Context, table string) (int64, error)
}

// Invalidator removes groups of entries from a Store
type Invalidator struct {
	store  Store
	logger observability.Logger
	options
}

// NewInvalidator creates an invalidator over store
func NewInvalidator(store Store, logger observability.Logger, opts ...Option) *Invalidator {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Invalidator{
		store:   store,
		logger:  logger.WithPrefix("invalidator"),
		options: buildOptions(opts),
	}
}

// InvalidateByCategory removes every entry tagged exactly category
func (i *Invalidator) InvalidateByCategory(ctx context.Context, category string) (int64, error) {
	if strings.TrimSpace(category) == "" {
		return 0, fmt.Errorf("%w: empty category", ErrInvalidArgument)
	}
	return i.run(ctx, "category", category, func(ctx context.Context) (int64, error) {
		return i.store.DeleteByCategory(ctx, category)
	})
}

// InvalidateByTablePrefix removes every entry tagged table or table:<sub>
func (i *Invalidator) InvalidateByTablePrefix(ctx context.Context, table string) (int64, error) {
	if strings.TrimSpace(table) == "" {
		return 0, fmt.Errorf("%w: empty table", ErrInvalidArgument)
	}
	return i.run(ctx, "table", table, func(ctx context.Context) (int64, error) {
		return i.store.DeleteByCategoryPrefix(ctx, table)
	})
}

// SweepExpired removes entries whose expiry has passed
func (i *Invalidator) SweepExpired(ctx context.Context) (int64, error) {
	return i.run(ctx, "expired", "", func(ctx context.Context) (int64, error) {
		return i.store.DeleteExpired(ctx, i.now())
	})
}

// ClearAll removes every entry
func (i *Invalidator) ClearAll(ctx context.Context) (int64, error) {
	return i.run(ctx, "all", "", func(ctx context.Context) (int64, error) {
		return i.store.DeleteAll(ctx)
	})
}

// Stats reports the store contents at the current time
func (i *Invalidator) Stats(ctx context.Context) (Stats, error) {
	return i.store.Stats(ctx, i.now())
}

func (i *Invalidator) run(ctx context.Context, kind, target string, fn func(context.Context) (int64, error)) (n int64, err error) {
	ctx, span := observability.StartSpan(ctx, "querycache.invalidate."+kind,
		observability.CacheCategoryKey.String(target))
	defer func() {
		span.SetAttributes(spanRemoved(n))
		observability.EndSpan(span, err)
	}()

	n, err = fn(ctx)
	if err != nil {
		i.logger.Error("Cache invalidation failed", map[string]interface{}{
			"kind":   kind,
			"target": target,
			"error":  err.Error(),
		})
		return 0, err
	}

	i.metrics.recordRemoval(kind, n)
	i.logger.Debug("Cache entries invalidated", map[string]interface{}{
		"kind":    kind,
		"target":  target,
		"removed": n,
	})
	return n, nil
}
