// Package worker claims jobs from the broker and runs their handlers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"switchboard/internal/queue"
	"switchboard/internal/queue/models"
	"switchboard/pkg/platform/sentinel"
)

// HandlerFunc runs one job. A returned error or a panic fails the attempt.
type HandlerFunc func(ctx context.Context, job models.Job) error

// Recorder observes job outcomes.
type Recorder interface {
	ObserveJob(name, outcome string, seconds float64)
}

// Job outcomes reported to the Recorder.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

// Config tunes the pool.
type Config struct {
	Concurrency     int
	PollInterval    time.Duration
	JobTimeout      time.Duration
	Lease           time.Duration
	MaintenanceTick time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Concurrency:     4,
		PollInterval:    500 * time.Millisecond,
		JobTimeout:      queue.DefaultJobTimeout,
		Lease:           queue.DefaultLease,
		MaintenanceTick: 15 * time.Second,
	}
}

// Worker is a pool of goroutines pulling from one Store.
type Worker struct {
	store    queue.Store
	cfg      Config
	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer
	now      func() time.Time

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// Option configures a Worker.
type Option func(*Worker)

// WithRecorder attaches metrics.
func WithRecorder(r Recorder) Option {
	return func(w *Worker) { w.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

func New(store queue.Store, cfg Config, logger *slog.Logger, opts ...Option) (*Worker, error) {
	if cfg.Concurrency < 1 {
		return nil, errors.New("worker concurrency must be at least 1")
	}
	if cfg.JobTimeout <= 0 || cfg.Lease <= cfg.JobTimeout {
		return nil, fmt.Errorf("worker lease %s must exceed job timeout %s", cfg.Lease, cfg.JobTimeout)
	}
	w := &Worker{
		store:    store,
		cfg:      cfg,
		logger:   logger.With("component", "worker"),
		tracer:   otel.Tracer("switchboard/worker"),
		now:      time.Now,
		handlers: make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Handle registers the handler for a job name, replacing any earlier one.
func (w *Worker) Handle(name string, fn HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = fn
}

func (w *Worker) handler(name string) (HandlerFunc, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	fn, ok := w.handlers[name]
	return fn, ok
}

// Run starts the pool and the maintenance loop and blocks until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker pool starting", "concurrency", w.cfg.Concurrency)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			w.poll(ctx)
			return nil
		})
	}
	g.Go(func() error {
		w.maintain(ctx)
		return nil
	})
	err := g.Wait()
	w.logger.Info("worker pool stopped")
	return err
}

func (w *Worker) poll(ctx context.Context) {
	for {
		worked, err := w.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.WarnContext(ctx, "process job", "error", err)
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

func (w *Worker) maintain(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.MaintenanceTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Maintain(ctx)
		}
	}
}

// Maintain requeues expired leases and prunes settled jobs.
func (w *Worker) Maintain(ctx context.Context) {
	now := w.now()
	if n, err := w.store.Reap(ctx, now); err != nil {
		w.logger.WarnContext(ctx, "reap expired leases", "error", err)
	} else if n > 0 {
		w.logger.InfoContext(ctx, "requeued jobs with expired leases", "count", n)
	}
	if n, err := w.store.Prune(ctx, now); err != nil {
		w.logger.WarnContext(ctx, "prune settled jobs", "error", err)
	} else if n > 0 {
		w.logger.DebugContext(ctx, "pruned settled jobs", "count", n)
	}
}

// ProcessNext claims one job and runs it to settlement. It reports false
// when there was nothing to claim.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.store.Claim(ctx, w.now(), w.cfg.Lease)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if job == nil {
		return false, nil
	}
	return true, w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job *models.Job) error {
	ctx, span := w.tracer.Start(ctx, "job.execute", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.name", job.Name),
		attribute.Int("job.attempt", job.Attempts),
	))
	defer span.End()

	logger := w.logger.With("job_id", job.ID, "job", job.Name, "attempt", job.Attempts)
	start := time.Now()
	runErr := w.execute(ctx, job)
	elapsed := time.Since(start).Seconds()

	var outcome string
	var settleErr error
	switch {
	case runErr == nil:
		outcome = OutcomeCompleted
		settleErr = w.store.Complete(ctx, job, w.now())
	case job.Exhausted() || errors.Is(runErr, errNoHandler):
		outcome = OutcomeFailed
		settleErr = w.store.Fail(ctx, job, w.now(), runErr.Error())
	default:
		outcome = OutcomeRetried
		settleErr = w.store.Retry(ctx, job, w.now().Add(queue.Backoff(job.Attempts)), runErr.Error())
	}

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, outcome)
		logger.WarnContext(ctx, "job attempt failed", "outcome", outcome, "error", runErr)
	} else {
		logger.DebugContext(ctx, "job completed")
	}
	if w.recorder != nil {
		w.recorder.ObserveJob(job.Name, outcome, elapsed)
	}

	if settleErr != nil {
		if errors.Is(settleErr, sentinel.ErrInvalidState) {
			logger.WarnContext(ctx, "job lease lost before settling", "error", settleErr)
			return nil
		}
		return fmt.Errorf("settle job %s: %w", job.ID, settleErr)
	}
	return nil
}

var errNoHandler = errors.New("no handler registered")

// execute runs the handler under the job timeout. A handler that ignores
// its context is abandoned when the timeout fires.
func (w *Worker) execute(ctx context.Context, job *models.Job) error {
	fn, ok := w.handler(job.Name)
	if !ok {
		return fmt.Errorf("%w for job %q", errNoHandler, job.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				w.logger.Error("job handler panicked", "job_id", job.ID, "panic", rec, "stack", string(debug.Stack()))
				done <- fmt.Errorf("panic: %v", rec)
			}
		}()
		done <- fn(ctx, *job)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("timed out after %s: %w", w.cfg.JobTimeout, err)
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("timed out after %s", w.cfg.JobTimeout)
		}
		return ctx.Err()
	}
}
