// Package maintenance runs the recurring cache and pool housekeeping jobs.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tourbot/querycache/pkg/observability"
)

var (
	// ErrDuplicateJob is returned when a job name is registered twice
	ErrDuplicateJob = errors.New("job already registered")
	// ErrUnknownJob is returned by RunNow for unregistered names
	ErrUnknownJob = errors.New("unknown job")
	// ErrSchedulerRunning is returned by Register after Start
	ErrSchedulerRunning = errors.New("scheduler already running")
)

// Job is a named task run every Interval
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int64, error)
}

// MaintenanceError reports a job that still failed after its retries
type MaintenanceError struct {
	Job      string
	Attempts int
	Err      error
}

func (e *MaintenanceError) Error() string {
	return fmt.Sprintf("maintenance job %s failed after %d attempts: %v", e.Job, e.Attempts, e.Err)
}

func (e *MaintenanceError) Unwrap() error {
	return e.Err
}

// RetryConfig bounds the retries made within a single tick
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns the retry policy used when none is given
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithRetry overrides the per-tick retry policy
func WithRetry(cfg RetryConfig) Option {
	return func(s *Scheduler) {
		s.retry = cfg
	}
}

// WithRegisterer records job outcomes on reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Scheduler) {
		s.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "querycache_maintenance_runs_total",
			Help: "Maintenance job runs by outcome",
		}, []string{"job", "result"})
		s.removed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "querycache_maintenance_removed_total",
			Help: "Rows or entries removed by maintenance jobs",
		}, []string{"job"})
		reg.MustRegister(s.runs, s.removed)
	}
}

// Scheduler runs registered jobs on their own tickers. Failures are logged
// and the job is tried again on its next tick.
type Scheduler struct {
	logger observability.Logger
	retry  RetryConfig

	runs    *prometheus.CounterVec
	removed *prometheus.CounterVec

	mu      sync.Mutex
	jobs    map[string]Job
	order   []string
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler with no jobs
func NewScheduler(logger observability.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	s := &Scheduler{
		logger: logger.WithPrefix("maintenance"),
		retry:  DefaultRetryConfig(),
		jobs:   make(map[string]Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds job. Jobs must be registered before Start.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job requires a name and a run function")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerRunning
	}
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}
	s.jobs[job.Name] = job
	s.order = append(s.order, job.Name)
	return nil
}

// Jobs returns registered job names in registration order
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Start launches one goroutine per job. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, name := range s.order {
		job := s.jobs[name]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx, job)
		}()
	}

	s.logger.Info("Maintenance scheduler started", map[string]interface{}{"jobs": len(s.order)})
}

// Stop cancels all jobs and waits for their goroutines to exit
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("Maintenance scheduler stopped", nil)
}

// Run starts the scheduler and blocks until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

// RunNow runs the named job once, with retries, on the caller's goroutine
func (s *Scheduler) RunNow(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, job)
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.execute(ctx, job); err != nil && ctx.Err() == nil {
				s.logger.Error("Maintenance job failed", map[string]interface{}{
					"job":   job.Name,
					"error": err.Error(),
				})
			}
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job) (int64, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialInterval
	b.MaxInterval = s.retry.MaxInterval
	b.MaxElapsedTime = 0

	var (
		attempts int
		removed  int64
	)
	operation := func() error {
		attempts++
		n, err := job.Run(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			s.logger.Warn("Maintenance job attempt failed", map[string]interface{}{
				"job":     job.Name,
				"attempt": attempts,
				"error":   err.Error(),
			})
			return err
		}
		removed = n
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, s.retry.MaxRetries), ctx))
	if err != nil {
		s.observe(job.Name, "error", 0)
		return 0, &MaintenanceError{Job: job.Name, Attempts: attempts, Err: err}
	}

	s.observe(job.Name, "success", removed)
	s.logger.Debug("Maintenance job completed", map[string]interface{}{
		"job":      job.Name,
		"removed":  removed,
		"attempts": attempts,
	})
	return removed, nil
}

func (s *Scheduler) observe(job, result string, removed int64) {
	if s.runs == nil {
		return
	}
	s.runs.WithLabelValues(job, result).Inc()
	if removed > 0 {
		s.removed.WithLabelValues(job).Add(float64(removed))
	}
}
