package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/queue/models"
	"switchboard/pkg/platform/sentinel"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func waitingJob(id string, maxAttempts int) *models.Job {
	return &models.Job{ID: id, Name: "test", State: models.StateWaiting, MaxAttempts: maxAttempts, CreatedAt: t0, RunAt: t0}
}

func TestInMemory_ClaimIsFIFOAndExclusive(t *testing.T) {
	s := NewInMemory(DefaultRetention())
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, waitingJob("a", 3)))
	require.NoError(t, s.Add(ctx, waitingJob("b", 3)))
	assert.ErrorIs(t, s.Add(ctx, waitingJob("a", 3)), sentinel.ErrConflict)

	first, err := s.Claim(ctx, t0, time.Minute)
	require.NoError(t, err)
	second, err := s.Claim(ctx, t0, time.Minute)
	require.NoError(t, err)
	none, err := s.Claim(ctx, t0, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, "a", first.ID)
	assert.Equal(t, "b", second.ID)
	assert.Nil(t, none)
	assert.Equal(t, models.StateActive, first.State)
	assert.Equal(t, t0.Add(time.Minute), first.LeaseUntil)
}

func TestInMemory_SettleRequiresHeldClaim(t *testing.T) {
	s := NewInMemory(DefaultRetention())
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, waitingJob("a", 3)))
	claim, err := s.Claim(ctx, t0, time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Complete(ctx, claim, t0))
	assert.ErrorIs(t, s.Complete(ctx, claim, t0), sentinel.ErrInvalidState)
	assert.ErrorIs(t, s.Fail(ctx, claim, t0, "x"), sentinel.ErrInvalidState)
	assert.ErrorIs(t, s.Retry(ctx, &models.Job{ID: "missing"}, t0, "x"), sentinel.ErrNotFound)
}

func TestInMemory_ReapFailsExhaustedJobs(t *testing.T) {
	s := NewInMemory(DefaultRetention())
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, waitingJob("once", 1)))
	_, err := s.Claim(ctx, t0, time.Minute)
	require.NoError(t, err)

	n, err := s.Reap(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := s.Get(ctx, "once")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, job.State)
	assert.Equal(t, leaseExpiredError, job.LastError)
}

func TestInMemory_PruneAppliesRetention(t *testing.T) {
	s := NewInMemory(Retention{CompletedCount: 2, CompletedAge: time.Hour, FailedAge: 24 * time.Hour})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("c%d", i)
		require.NoError(t, s.Add(ctx, waitingJob(id, 1)))
		claim, err := s.Claim(ctx, t0, time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Complete(ctx, claim, t0.Add(time.Duration(i)*time.Minute)))
	}
	require.NoError(t, s.Add(ctx, waitingJob("f", 1)))
	claim, err := s.Claim(ctx, t0, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, claim, t0, "boom"))

	// count bound keeps the two newest completed jobs
	removed, err := s.Prune(ctx, t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	completed, err := s.List(ctx, models.StateCompleted, 10)
	require.NoError(t, err)
	require.Len(t, completed, 2)
	assert.Equal(t, "c3", completed[0].ID)
	assert.Equal(t, "c2", completed[1].ID)

	// age bounds remove the rest
	removed, err = s.Prune(ctx, t0.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Stats{}, stats)
}
