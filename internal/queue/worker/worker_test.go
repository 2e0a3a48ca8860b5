package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/platform/logger"
	"switchboard/internal/queue"
	"switchboard/internal/queue/models"
	"switchboard/internal/queue/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type outcomes struct {
	mu   sync.Mutex
	seen []string
}

func (o *outcomes) ObserveJob(_, outcome string, _ float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, outcome)
}

type fixture struct {
	store    *store.InMemoryStore
	queue    *queue.Queue
	worker   *Worker
	clock    *clock
	outcomes *outcomes
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	st := store.NewInMemory(store.DefaultRetention())
	rec := &outcomes{}
	w, err := New(st, cfg, logger.Discard(), WithClock(clk.Now), WithRecorder(rec))
	require.NoError(t, err)
	return &fixture{
		store:    st,
		queue:    queue.New(st, logger.Discard(), queue.WithClock(clk.Now)),
		worker:   w,
		clock:    clk,
		outcomes: rec,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Concurrency = 1
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

func (f *fixture) job(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestWorker_CompletesJob(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	var got models.Job
	f.worker.Handle("user.welcome", func(_ context.Context, job models.Job) error {
		got = job
		return nil
	})
	id, err := f.queue.Enqueue(ctx, "user.welcome", map[string]string{"handle": "grace"})
	require.NoError(t, err)

	worked, err := f.worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.JSONEq(t, `{"handle":"grace"}`, string(got.Payload))

	job := f.job(t, id)
	assert.Equal(t, models.StateCompleted, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, []string{OutcomeCompleted}, f.outcomes.seen)

	worked, err = f.worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestWorker_FailsAfterAttemptCeiling(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	var calls int
	f.worker.Handle("flaky", func(context.Context, models.Job) error {
		calls++
		return errors.New("smtp unreachable")
	})
	id, err := f.queue.Enqueue(ctx, "flaky", nil)
	require.NoError(t, err)

	for attempt := 1; attempt <= queue.DefaultMaxAttempts; attempt++ {
		worked, err := f.worker.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, worked, "attempt %d should claim the job", attempt)

		job := f.job(t, id)
		assert.Equal(t, attempt, job.Attempts)
		if attempt < queue.DefaultMaxAttempts {
			assert.Equal(t, models.StateDelayed, job.State)
			assert.Equal(t, f.clock.Now().Add(queue.Backoff(attempt)), job.RunAt)

			// not runnable before the backoff elapses
			worked, err = f.worker.ProcessNext(ctx)
			require.NoError(t, err)
			assert.False(t, worked)
			f.clock.Advance(queue.Backoff(attempt))
		}
	}

	job := f.job(t, id)
	assert.Equal(t, models.StateFailed, job.State)
	assert.Equal(t, queue.DefaultMaxAttempts, job.Attempts)
	assert.Equal(t, "smtp unreachable", job.LastError)
	assert.Equal(t, queue.DefaultMaxAttempts, calls)

	f.clock.Advance(time.Hour)
	worked, err := f.worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, worked, "failed jobs are never retried")
}

func TestWorker_PanicIsRecordedNotFatal(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	f.worker.Handle("boom", func(context.Context, models.Job) error {
		panic("nil map write")
	})
	id, err := f.queue.Enqueue(ctx, "boom", nil, queue.WithMaxAttempts(1))
	require.NoError(t, err)

	worked, err := f.worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	job := f.job(t, id)
	assert.Equal(t, models.StateFailed, job.State)
	assert.Equal(t, "panic: nil map write", job.LastError)
}

func TestWorker_TimeoutFailsTheAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.JobTimeout = 20 * time.Millisecond
	cfg.Lease = time.Second
	f := newFixture(t, cfg)
	ctx := context.Background()

	f.worker.Handle("slow", func(ctx context.Context, _ models.Job) error {
		<-ctx.Done()
		return ctx.Err()
	})
	id, err := f.queue.Enqueue(ctx, "slow", nil, queue.WithMaxAttempts(2))
	require.NoError(t, err)

	_, err = f.worker.ProcessNext(ctx)
	require.NoError(t, err)

	job := f.job(t, id)
	assert.Equal(t, models.StateDelayed, job.State)
	assert.Contains(t, job.LastError, "timed out after 20ms")
	assert.Equal(t, []string{OutcomeRetried}, f.outcomes.seen)
}

func TestWorker_HandlerIgnoringContextIsAbandoned(t *testing.T) {
	cfg := testConfig()
	cfg.JobTimeout = 20 * time.Millisecond
	cfg.Lease = time.Second
	f := newFixture(t, cfg)
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	f.worker.Handle("stuck", func(context.Context, models.Job) error {
		<-release
		return nil
	})
	id, err := f.queue.Enqueue(ctx, "stuck", nil, queue.WithMaxAttempts(1))
	require.NoError(t, err)

	_, err = f.worker.ProcessNext(ctx)
	require.NoError(t, err)

	job := f.job(t, id)
	assert.Equal(t, models.StateFailed, job.State)
	assert.Equal(t, "timed out after 20ms", job.LastError)
}

func TestWorker_UnknownJobFailsImmediately(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, "mystery", nil)
	require.NoError(t, err)

	_, err = f.worker.ProcessNext(ctx)
	require.NoError(t, err)

	job := f.job(t, id)
	assert.Equal(t, models.StateFailed, job.State)
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, job.LastError, "no handler registered")
}

func TestWorker_MaintainRequeuesExpiredLease(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, "user.welcome", nil)
	require.NoError(t, err)

	// a worker that crashed after claiming
	claimed, err := f.store.Claim(ctx, f.clock.Now(), queue.DefaultLease)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	f.clock.Advance(queue.DefaultLease + time.Second)
	f.worker.Maintain(ctx)

	job := f.job(t, id)
	assert.Equal(t, models.StateWaiting, job.State)
	assert.Equal(t, 1, job.Attempts)

	done := false
	f.worker.Handle("user.welcome", func(context.Context, models.Job) error {
		done = true
		return nil
	})
	worked, err := f.worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.True(t, done)
	assert.Equal(t, 2, f.job(t, id).Attempts)

	// the crashed worker's late completion is ignored
	err = f.store.Complete(ctx, claimed, f.clock.Now())
	assert.Error(t, err)
}

func TestWorker_RunDrainsQueue(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 3
	st := store.NewInMemory(store.DefaultRetention())
	w, err := New(st, cfg, logger.Discard())
	require.NoError(t, err)
	q := queue.New(st, logger.Discard())

	var ran atomic.Int32
	w.Handle("presence.announce", func(context.Context, models.Job) error {
		ran.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 20; i++ {
		_, err := q.Enqueue(ctx, "presence.announce", map[string]int{"n": i})
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return ran.Load() == 20 }, 5*time.Second, 10*time.Millisecond)
	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), stats.Completed)
	assert.Zero(t, stats.Depth())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestNew_RejectsLeaseShorterThanTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lease = cfg.JobTimeout
	_, err := New(store.NewInMemory(store.DefaultRetention()), cfg, logger.Discard())
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Concurrency = 0
	_, err = New(store.NewInMemory(store.DefaultRetention()), cfg, logger.Discard())
	assert.Error(t, err)
}
