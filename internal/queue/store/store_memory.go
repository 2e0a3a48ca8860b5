package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"switchboard/internal/queue"
	"switchboard/internal/queue/models"
	"switchboard/pkg/platform/sentinel"
)

var _ queue.Store = (*InMemoryStore)(nil)

// InMemoryStore is a single-process broker for tests and local
// development. Every method holds one lock, which makes Claim atomic.
type InMemoryStore struct {
	mu        sync.Mutex
	jobs      map[string]*models.Job
	waiting   []string
	retention Retention
}

func NewInMemory(retention Retention) *InMemoryStore {
	return &InMemoryStore{jobs: make(map[string]*models.Job), retention: retention}
}

func (s *InMemoryStore) Add(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, sentinel.ErrConflict)
	}
	stored := *job
	s.jobs[job.ID] = &stored
	if stored.State == models.StateWaiting {
		s.waiting = append(s.waiting, job.ID)
	}
	return nil
}

func (s *InMemoryStore) Claim(_ context.Context, now time.Time, lease time.Duration) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promoteLocked(now)

	for len(s.waiting) > 0 {
		id := s.waiting[0]
		s.waiting = s.waiting[1:]
		job, ok := s.jobs[id]
		if !ok || job.State != models.StateWaiting {
			continue
		}
		job.State = models.StateActive
		job.Attempts++
		job.StartedAt = now
		job.LeaseUntil = now.Add(lease)
		claimed := *job
		return &claimed, nil
	}
	return nil, nil
}

func (s *InMemoryStore) promoteLocked(now time.Time) {
	due := make([]*models.Job, 0)
	for _, job := range s.jobs {
		if job.State == models.StateDelayed && !job.RunAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	for _, job := range due {
		job.State = models.StateWaiting
		s.waiting = append(s.waiting, job.ID)
	}
}

func (s *InMemoryStore) heldLocked(claim *models.Job) (*models.Job, error) {
	job, ok := s.jobs[claim.ID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", claim.ID, sentinel.ErrNotFound)
	}
	if job.State != models.StateActive || job.Attempts != claim.Attempts {
		return nil, fmt.Errorf("job %s no longer held by attempt %d: %w", claim.ID, claim.Attempts, sentinel.ErrInvalidState)
	}
	return job, nil
}

func (s *InMemoryStore) Complete(_ context.Context, claim *models.Job, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.heldLocked(claim)
	if err != nil {
		return err
	}
	job.State = models.StateCompleted
	job.FinishedAt = now
	job.LeaseUntil = time.Time{}
	return nil
}

func (s *InMemoryStore) Retry(_ context.Context, claim *models.Job, runAt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.heldLocked(claim)
	if err != nil {
		return err
	}
	job.State = models.StateDelayed
	job.RunAt = runAt
	job.LastError = lastErr
	job.LeaseUntil = time.Time{}
	return nil
}

func (s *InMemoryStore) Fail(_ context.Context, claim *models.Job, now time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.heldLocked(claim)
	if err != nil {
		return err
	}
	job.State = models.StateFailed
	job.LastError = lastErr
	job.FinishedAt = now
	job.LeaseUntil = time.Time{}
	return nil
}

func (s *InMemoryStore) Reap(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reaped := 0
	for _, job := range s.jobs {
		if job.State != models.StateActive || job.LeaseUntil.After(now) {
			continue
		}
		reaped++
		job.LastError = leaseExpiredError
		job.LeaseUntil = time.Time{}
		if job.Exhausted() {
			job.State = models.StateFailed
			job.FinishedAt = now
			continue
		}
		job.State = models.StateWaiting
		s.waiting = append(s.waiting, job.ID)
	}
	return reaped, nil
}

func (s *InMemoryStore) Prune(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	completed := make([]*models.Job, 0)
	for id, job := range s.jobs {
		switch {
		case job.State == models.StateFailed && now.Sub(job.FinishedAt) > s.retention.FailedAge:
			delete(s.jobs, id)
			removed++
		case job.State == models.StateCompleted && now.Sub(job.FinishedAt) > s.retention.CompletedAge:
			delete(s.jobs, id)
			removed++
		case job.State == models.StateCompleted:
			completed = append(completed, job)
		}
	}
	if over := len(completed) - s.retention.CompletedCount; over > 0 {
		sort.Slice(completed, func(i, j int) bool { return completed[i].FinishedAt.Before(completed[j].FinishedAt) })
		for _, job := range completed[:over] {
			delete(s.jobs, job.ID)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryStore) Stats(_ context.Context) (models.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st models.Stats
	for _, job := range s.jobs {
		switch job.State {
		case models.StateWaiting:
			st.Waiting++
		case models.StateDelayed:
			st.Delayed++
		case models.StateActive:
			st.Active++
		case models.StateCompleted:
			st.Completed++
		case models.StateFailed:
			st.Failed++
		}
	}
	return st, nil
}

// List returns jobs in state, most recently touched first.
func (s *InMemoryStore) List(_ context.Context, state models.State, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Job, 0)
	for _, job := range s.jobs {
		if job.State == state {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return touched(out[i]).After(touched(out[j])) })
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, sentinel.ErrNotFound)
	}
	cp := *job
	return &cp, nil
}

func touched(j models.Job) time.Time {
	switch {
	case !j.FinishedAt.IsZero():
		return j.FinishedAt
	case !j.StartedAt.IsZero():
		return j.StartedAt
	case !j.RunAt.IsZero():
		return j.RunAt
	}
	return j.CreatedAt
}
