// Package user persists accounts.
package user

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"switchboard/internal/auth/models"
	"switchboard/pkg/platform/sentinel"
)

// InMemoryUserStore keeps users in process memory. Handles and emails are
// unique case-insensitively, matching the Postgres store.
type InMemoryUserStore struct {
	mu       sync.RWMutex
	byID     map[uuid.UUID]*models.User
	byEmail  map[string]uuid.UUID
	byHandle map[string]uuid.UUID
}

func New() *InMemoryUserStore {
	return &InMemoryUserStore{
		byID:     make(map[uuid.UUID]*models.User),
		byEmail:  make(map[string]uuid.UUID),
		byHandle: make(map[string]uuid.UUID),
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (s *InMemoryUserStore) Create(_ context.Context, user *models.User) error {
	if user == nil {
		return fmt.Errorf("user is required")
	}
	email, handle := normalize(user.Email), normalize(user.Handle)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byEmail[email]; taken {
		return fmt.Errorf("email already registered: %w", sentinel.ErrConflict)
	}
	if _, taken := s.byHandle[handle]; taken {
		return fmt.Errorf("handle already taken: %w", sentinel.ErrConflict)
	}
	if _, taken := s.byID[user.ID]; taken {
		return fmt.Errorf("user %s: %w", user.ID, sentinel.ErrConflict)
	}
	stored := *user
	s.byID[user.ID] = &stored
	s.byEmail[email] = user.ID
	s.byHandle[handle] = user.ID
	return nil
}

func (s *InMemoryUserStore) FindByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, sentinel.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *InMemoryUserStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	id, ok := s.byEmail[normalize(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("user with email: %w", sentinel.ErrNotFound)
	}
	return s.FindByID(ctx, id)
}

// Ping always succeeds.
func (s *InMemoryUserStore) Ping(context.Context) error { return nil }
