//go:build integration

package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"switchboard/internal/queue/models"
	"switchboard/internal/queue/store"
	"switchboard/pkg/platform/sentinel"
	"switchboard/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *store.RedisStore
	now   time.Time
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.store = store.NewRedis(s.redis.Client, store.WithRetention(store.Retention{
		CompletedCount: 2,
		CompletedAge:   time.Hour,
		FailedAge:      24 * time.Hour,
	}))
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
	s.now = time.UnixMilli(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli())
}

func (s *RedisStoreSuite) add(id string, maxAttempts int) {
	s.Require().NoError(s.store.Add(context.Background(), &models.Job{
		ID: id, Name: "user.welcome", Payload: []byte(`{"n":1}`), State: models.StateWaiting,
		MaxAttempts: maxAttempts, CreatedAt: s.now, RunAt: s.now,
	}))
}

func (s *RedisStoreSuite) TestClaimRoundTrip() {
	ctx := context.Background()
	s.add("a", 3)

	job, err := s.store.Claim(ctx, s.now, time.Minute)
	s.Require().NoError(err)
	s.Require().NotNil(job)
	s.Equal("a", job.ID)
	s.Equal("user.welcome", job.Name)
	s.JSONEq(`{"n":1}`, string(job.Payload))
	s.Equal(models.StateActive, job.State)
	s.Equal(1, job.Attempts)
	s.Equal(3, job.MaxAttempts)
	s.True(s.now.Add(time.Minute).Equal(job.LeaseUntil))

	none, err := s.store.Claim(ctx, s.now, time.Minute)
	s.Require().NoError(err)
	s.Nil(none)

	s.Require().NoError(s.store.Complete(ctx, job, s.now))
	s.ErrorIs(s.store.Complete(ctx, job, s.now), sentinel.ErrInvalidState)

	stats, err := s.store.Stats(ctx)
	s.Require().NoError(err)
	s.Equal(models.Stats{Completed: 1}, stats)
}

func (s *RedisStoreSuite) TestConcurrentClaimsAreExclusive() {
	ctx := context.Background()
	const jobs = 30
	for i := 0; i < jobs; i++ {
		s.add(fmt.Sprintf("j%d", i), 3)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.store.Claim(ctx, s.now, time.Minute)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Len(seen, jobs)
	for id, n := range seen {
		s.Equal(1, n, "job %s claimed more than once", id)
	}
}

func (s *RedisStoreSuite) TestRetryWaitsForBackoff() {
	ctx := context.Background()
	s.add("r", 3)
	job, err := s.store.Claim(ctx, s.now, time.Minute)
	s.Require().NoError(err)

	s.Require().NoError(s.store.Retry(ctx, job, s.now.Add(2*time.Second), "boom"))

	early, err := s.store.Claim(ctx, s.now.Add(time.Second), time.Minute)
	s.Require().NoError(err)
	s.Nil(early)

	again, err := s.store.Claim(ctx, s.now.Add(2*time.Second), time.Minute)
	s.Require().NoError(err)
	s.Require().NotNil(again)
	s.Equal(2, again.Attempts)
	s.Equal("boom", again.LastError)
}

func (s *RedisStoreSuite) TestReapRequeuesAndFails() {
	ctx := context.Background()
	s.add("keep", 2)
	s.add("done", 1)
	_, err := s.store.Claim(ctx, s.now, time.Minute)
	s.Require().NoError(err)
	_, err = s.store.Claim(ctx, s.now, time.Minute)
	s.Require().NoError(err)

	n, err := s.store.Reap(ctx, s.now.Add(2*time.Minute))
	s.Require().NoError(err)
	s.Equal(2, n)

	keep, err := s.store.Get(ctx, "keep")
	s.Require().NoError(err)
	s.Equal(models.StateWaiting, keep.State)
	done, err := s.store.Get(ctx, "done")
	s.Require().NoError(err)
	s.Equal(models.StateFailed, done.State)

	failed, err := s.store.List(ctx, models.StateFailed, 10)
	s.Require().NoError(err)
	s.Require().Len(failed, 1)
	s.Equal("done", failed[0].ID)
}

func (s *RedisStoreSuite) TestPruneAndGetMissing() {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.add(fmt.Sprintf("c%d", i), 1)
		job, err := s.store.Claim(ctx, s.now, time.Minute)
		s.Require().NoError(err)
		s.Require().NoError(s.store.Complete(ctx, job, s.now.Add(time.Duration(i)*time.Second)))
	}

	n, err := s.store.Prune(ctx, s.now.Add(time.Minute))
	s.Require().NoError(err)
	s.Equal(1, n)

	_, err = s.store.Get(ctx, "c0")
	s.ErrorIs(err, sentinel.ErrNotFound)

	completed, err := s.store.List(ctx, models.StateCompleted, 10)
	s.Require().NoError(err)
	s.Len(completed, 2)
}
