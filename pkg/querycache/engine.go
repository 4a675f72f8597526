package querycache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tourbot/querycache/pkg/observability"
)

// DefaultTTL applies when neither the caller nor the engine options set one
const DefaultTTL = time.Hour

// Backend runs a parameterized query and returns one JSON value per record
type Backend interface {
	Query(ctx context.Context, query string, args ...interface{}) ([]json.RawMessage, error)
}

type options struct {
	defaultTTL time.Duration
	metrics    *Metrics
	now        func() time.Time
}

// Option configures an Engine or Invalidator
type Option func(*options)

// WithDefaultTTL sets the TTL used when GetCached is given ttl <= 0
func WithDefaultTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.defaultTTL = ttl
		}
	}
}

// WithMetrics records lookups and removals on m
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{defaultTTL: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Engine is the get-or-compute path every cached read goes through
type Engine struct {
	store   Store
	backend Backend
	logger  observability.Logger
	options
}

// NewEngine creates an engine over store and backend
func NewEngine(store Store, backend Backend, logger observability.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Engine{
		store:   store,
		backend: backend,
		logger:  logger.WithPrefix("querycache"),
		options: buildOptions(opts),
	}
}

// DefaultTTL returns the TTL used when GetCached is given ttl <= 0
func (e *Engine) DefaultTTL() time.Duration {
	return e.defaultTTL
}

// GetCached returns the cached records for q when a live entry exists and
// otherwise runs q against the backend and caches the result for ttl.
//
// Backend errors are returned unchanged and leave the store untouched. Store
// failures never fail the call; they are logged and the backend answers.
func (e *Engine) GetCached(ctx context.Context, q Query, category string, ttl time.Duration) (result *Result, err error) {
	ctx, span := observability.StartSpan(ctx, "querycache.GetCached",
		observability.CacheCategoryKey.String(category))
	defer func() { observability.EndSpan(span, err) }()

	fingerprint, err := Fingerprint(q)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(observability.CacheFingerprintKey.String(fingerprint))

	if ttl <= 0 {
		ttl = e.defaultTTL
	}

	entry, storeErr := e.store.Hit(ctx, fingerprint, e.now())
	switch {
	case storeErr == nil:
		e.metrics.recordLookup(category, resultHit)
		span.SetAttributes(observability.CacheResultKey.String(resultHit))
		return &Result{
			Records:     entry.Result,
			FromCache:   true,
			Fingerprint: fingerprint,
			HitCount:    entry.HitCount,
			ExpiresAt:   entry.ExpiresAt,
		}, nil
	case errors.Is(storeErr, ErrNotFound):
		e.metrics.recordLookup(category, resultMiss)
		span.SetAttributes(observability.CacheResultKey.String(resultMiss))
	default:
		e.metrics.recordLookup(category, resultStoreError)
		e.metrics.recordStoreError("hit")
		span.SetAttributes(observability.CacheResultKey.String(resultStoreError))
		e.logger.Warn("Cache lookup failed, querying backend directly", map[string]interface{}{
			"fingerprint": fingerprint,
			"category":    category,
			"error":       storeErr.Error(),
		})
	}

	records, err := e.backend.Query(ctx, q.Text, q.Params...)
	if err != nil {
		e.metrics.recordBackendError()
		return nil, err
	}
	if records == nil {
		records = []json.RawMessage{}
	}

	if _, encErr := encodeResult(records); encErr != nil {
		err = &SerializationError{Op: "encode result", Err: encErr}
		return nil, err
	}

	now := e.now()
	fresh := &Entry{
		Fingerprint: fingerprint,
		QueryText:   NormalizeQuery(q.Text),
		Result:      records,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		HitCount:    1,
		Category:    categoryPtr(category),
	}
	if upsertErr := e.store.Upsert(ctx, fresh); upsertErr != nil {
		e.metrics.recordStoreError("upsert")
		e.logger.Warn("Failed to store cache entry", map[string]interface{}{
			"fingerprint": fingerprint,
			"category":    category,
			"error":       upsertErr.Error(),
		})
	}

	return &Result{
		Records:     records,
		FromCache:   false,
		Fingerprint: fingerprint,
		ExpiresAt:   fresh.ExpiresAt,
	}, nil
}

// spanRemoved is shared by invalidation spans
func spanRemoved(n int64) attribute.KeyValue {
	return observability.CacheRemovedKey.Int64(n)
}
