package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tourbot/querycache/pkg/observability"
)

// BreakerConfig configures the circuit breaker around a Backend
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// BreakerBackend stops calling a failing backend until it has had time to
// recover. While open, queries fail fast with gobreaker.ErrOpenState.
type BreakerBackend struct {
	next Backend
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerBackend wraps next in a circuit breaker
func NewBreakerBackend(next Backend, cfg BreakerConfig, logger observability.Logger) *BreakerBackend {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.Name == "" {
		cfg.Name = "datastore"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	threshold := cfg.FailureThreshold

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// caller cancellations say nothing about backend health
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	}

	return &BreakerBackend{
		next: next,
		cb:   gobreaker.NewCircuitBreaker(settings),
	}
}

// Query runs the wrapped backend through the breaker
func (b *BreakerBackend) Query(ctx context.Context, query string, args ...interface{}) ([]json.RawMessage, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Query(ctx, query, args...)
	})
	if err != nil {
		return nil, err
	}
	records, _ := result.([]json.RawMessage)
	return records, nil
}

// State returns the breaker state name: closed, half-open or open
func (b *BreakerBackend) State() string {
	return b.cb.State().String()
}
