// Package jobs holds the deferred work the worker pool runs.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"switchboard/internal/queue/models"
	"switchboard/internal/queue/worker"
	"switchboard/internal/realtime"
)

// Job names.
const (
	UserWelcome      = "user.welcome"
	PresenceAnnounce = "presence.announce"
)

// LobbyTopic is the shared topic every signed-in client may follow.
const LobbyTopic = "lobby"

// WelcomePayload is enqueued after sign-up.
type WelcomePayload struct {
	UserID string `json:"user_id"`
	Handle string `json:"handle"`
	Email  string `json:"email"`
}

// PresencePayload is enqueued after sign-in.
type PresencePayload struct {
	SubjectID string `json:"subject_id"`
	Handle    string `json:"handle"`
	Color     string `json:"color"`
	Status    string `json:"status"`
}

// UserTopic is the private topic of one user.
func UserTopic(userID string) string {
	return realtime.UserTopic(userID)
}

// Publisher sends realtime events.
type Publisher interface {
	Publish(ctx context.Context, topic, event string, payload json.RawMessage) error
}

// Handlers runs the jobs above. Each handler is idempotent enough to be
// retried: repeating it only repeats the event.
type Handlers struct {
	publisher Publisher
	logger    *slog.Logger
}

func NewHandlers(publisher Publisher, logger *slog.Logger) *Handlers {
	return &Handlers{publisher: publisher, logger: logger.With("component", "jobs")}
}

// Register binds every handler to the pool.
func (h *Handlers) Register(w *worker.Worker) {
	w.Handle(UserWelcome, h.Welcome)
	w.Handle(PresenceAnnounce, h.Presence)
}

// Welcome greets a new user on their private topic.
func (h *Handlers) Welcome(ctx context.Context, job models.Job) error {
	var p WelcomePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode welcome payload: %w", err)
	}
	if p.UserID == "" {
		return fmt.Errorf("welcome payload without user id")
	}

	body, err := json.Marshal(map[string]string{
		"message": fmt.Sprintf("Welcome to switchboard, %s!", p.Handle),
	})
	if err != nil {
		return err
	}
	if err := h.publisher.Publish(ctx, UserTopic(p.UserID), "welcome", body); err != nil {
		return fmt.Errorf("publish welcome: %w", err)
	}
	h.logger.InfoContext(ctx, "welcome sent", "user_id", p.UserID, "job_id", job.ID)
	return nil
}

// Presence tells the lobby that a user came online.
func (h *Handlers) Presence(ctx context.Context, job models.Job) error {
	var p PresencePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode presence payload: %w", err)
	}
	if p.Status == "" {
		p.Status = "online"
	}
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := h.publisher.Publish(ctx, LobbyTopic, "presence", body); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}
