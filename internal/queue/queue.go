// Package queue accepts named units of deferred work and hands them to a
// durable broker. Execution happens in the worker package; inspection is
// read-only through Inspector.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/queue/models"
	dErrors "switchboard/pkg/domain-errors"
)

// Retry and retention policy.
const (
	DefaultMaxAttempts = 5
	BaseBackoff        = time.Second
	MaxBackoff         = 5 * time.Minute
	DefaultJobTimeout  = 30 * time.Second
	// DefaultLease must exceed DefaultJobTimeout so a live worker always
	// settles a job before the reaper may hand it to someone else.
	DefaultLease = 60 * time.Second

	CompletedRetentionCount = 1000
	CompletedRetentionAge   = 24 * time.Hour
	FailedRetentionAge      = 7 * 24 * time.Hour
)

// Backoff is the delay before retrying after the given attempt (1-based):
// 1s, 2s, 4s and so on, capped at MaxBackoff.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 20 {
		return MaxBackoff
	}
	d := BaseBackoff << (attempt - 1)
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// Inspector is the read-only view served to operators.
type Inspector interface {
	Stats(ctx context.Context) (models.Stats, error)
	List(ctx context.Context, state models.State, limit int) ([]models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
}

// Store is the broker. Claim must be atomic across processes; settling
// calls (Complete, Retry, Fail) are ignored with sentinel.ErrInvalidState
// when the job is no longer held by the claim passed in.
type Store interface {
	Inspector
	Add(ctx context.Context, job *models.Job) error
	// Claim promotes due delayed jobs and leases the oldest waiting job.
	// It returns (nil, nil) when nothing is waiting.
	Claim(ctx context.Context, now time.Time, lease time.Duration) (*models.Job, error)
	Complete(ctx context.Context, job *models.Job, now time.Time) error
	Retry(ctx context.Context, job *models.Job, runAt time.Time, lastErr string) error
	Fail(ctx context.Context, job *models.Job, now time.Time, lastErr string) error
	// Reap requeues jobs whose lease expired, or fails them when they have
	// no attempts left.
	Reap(ctx context.Context, now time.Time) (int, error)
	// Prune applies the retention policy to completed and failed jobs.
	Prune(ctx context.Context, now time.Time) (int, error)
}

// EnqueueRecorder counts enqueued jobs.
type EnqueueRecorder interface {
	ObserveEnqueued(name string)
}

// Queue is the producer side.
type Queue struct {
	store    Store
	logger   *slog.Logger
	recorder EnqueueRecorder
	now      func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithRecorder attaches metrics.
func WithRecorder(r EnqueueRecorder) Option {
	return func(q *Queue) { q.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(store Store, logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{store: store, logger: logger.With("component", "queue"), now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

type enqueueOptions struct {
	delay       time.Duration
	maxAttempts int
}

// EnqueueOption adjusts a single job.
type EnqueueOption func(*enqueueOptions)

// WithDelay defers the first run.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// WithMaxAttempts overrides the attempt ceiling.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

// Enqueue records a waiting job and returns its id. It never waits for the
// job to run. payload is JSON encoded unless it already is raw JSON.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts ...EnqueueOption) (string, error) {
	if name == "" {
		return "", dErrors.New(dErrors.CodeValidation, "job name is required")
	}
	o := enqueueOptions{maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts < 1 {
		return "", dErrors.New(dErrors.CodeValidation, "max attempts must be positive")
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeValidation, "job payload is not serializable")
	}

	now := q.now()
	job := &models.Job{
		ID:          uuid.NewString(),
		Name:        name,
		Payload:     raw,
		State:       models.StateWaiting,
		MaxAttempts: o.maxAttempts,
		CreatedAt:   now,
		RunAt:       now.Add(o.delay),
	}
	if o.delay > 0 {
		job.State = models.StateDelayed
	}
	if err := q.store.Add(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", name, err)
	}
	if q.recorder != nil {
		q.recorder.ObserveEnqueued(name)
	}
	q.logger.DebugContext(ctx, "job enqueued", "job_id", job.ID, "job", name)
	return job.ID, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid raw json payload")
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}
