package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	dErrors "switchboard/pkg/domain-errors"
	"switchboard/pkg/platform/httputil"
	"switchboard/pkg/platform/middleware/auth"
)

// PublishRequest is the body of POST /api/v1/topics/{topic}/events.
type PublishRequest struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// TopicsHandler lets server-side callers publish to a topic over plain HTTP.
type TopicsHandler struct {
	publisher      Publisher
	requireSession func(http.Handler) http.Handler
	logger         *slog.Logger
}

// NewTopicsHandler builds the topic publish endpoint.
func NewTopicsHandler(publisher Publisher, requireSession func(http.Handler) http.Handler, logger *slog.Logger) *TopicsHandler {
	return &TopicsHandler{
		publisher:      publisher,
		requireSession: requireSession,
		logger:         logger.With("component", "topics"),
	}
}

// Register mounts the routes. Callers mount it under /api/v1.
func (h *TopicsHandler) Register(r chi.Router) {
	r.With(h.requireSession).Post("/topics/{topic}/events", h.handlePublish)
}

func (h *TopicsHandler) handlePublish(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	if err := ValidateTopic(topic); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, err.Error()))
		return
	}
	var subject string
	if claim, ok := auth.ClaimFromContext(r.Context()); ok {
		subject = claim.SubjectID
	}
	if err := AuthorizeTopic(topic, subject); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, err.Error()))
		return
	}
	var req PublishRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Event == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "event is required"))
		return
	}
	if err := h.publisher.Publish(r.Context(), topic, req.Event, req.Data); err != nil {
		httputil.Boundary(w, r, h.logger, dErrors.Wrap(err, dErrors.CodeInternal, "failed to publish event"))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
