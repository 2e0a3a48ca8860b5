// Package handler serves the session endpoints.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"switchboard/internal/auth/models"
	dErrors "switchboard/pkg/domain-errors"
	"switchboard/pkg/platform/httputil"
	"switchboard/pkg/platform/middleware/auth"
	"switchboard/pkg/platform/middleware/requesttime"
)

// Service defines the account operations the handler needs.
type Service interface {
	Signup(ctx context.Context, req models.SignupRequest) (*models.User, error)
	Signin(ctx context.Context, req models.SigninRequest) (*models.User, error)
}

// SessionCarrier writes and clears the session cookie.
type SessionCarrier interface {
	Attach(w http.ResponseWriter, claim models.Claim) error
	Clear(w http.ResponseWriter)
}

// Handler handles sign-in, sign-up, sign-out and the current session.
type Handler struct {
	auth           Service
	sessions       SessionCarrier
	requireSession func(http.Handler) http.Handler
	logger         *slog.Logger
}

// New creates a Handler. requireSession gates the protected routes.
func New(auth Service, sessions SessionCarrier, requireSession func(http.Handler) http.Handler, logger *slog.Logger) *Handler {
	return &Handler{
		auth:           auth,
		sessions:       sessions,
		requireSession: requireSession,
		logger:         logger,
	}
}

// Register registers the session routes. Callers mount it under /api/v1.
func (h *Handler) Register(r chi.Router) {
	r.Post("/signin", h.handleSignin)
	r.Post("/signup", h.handleSignup)
	r.Post("/signout", h.handleSignout)
	r.With(h.requireSession).Get("/session", h.handleSession)
}

func (h *Handler) handleSignin(w http.ResponseWriter, r *http.Request) {
	var req models.SigninRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	user, err := h.auth.Signin(r.Context(), req)
	if err != nil {
		httputil.Boundary(w, r, h.logger, err)
		return
	}
	h.issue(w, r, user)
}

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req models.SignupRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	user, err := h.auth.Signup(r.Context(), req)
	if err != nil {
		httputil.Boundary(w, r, h.logger, err)
		return
	}
	h.issue(w, r, user)
}

// issue attaches a fresh session cookie and echoes its claim.
func (h *Handler) issue(w http.ResponseWriter, r *http.Request, user *models.User) {
	claim := user.Claim(requesttime.Now(r.Context()).UTC().Truncate(time.Second))
	if err := h.sessions.Attach(w, claim); err != nil {
		httputil.Boundary(w, r, h.logger, dErrors.Wrap(err, dErrors.CodeInternal, "failed to issue session"))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, claim.ToResponse())
}

func (h *Handler) handleSignout(w http.ResponseWriter, _ *http.Request) {
	h.sessions.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	claim, ok := auth.ClaimFromContext(r.Context())
	if !ok {
		// RequireSession guarantees a claim; reaching here is a wiring bug.
		httputil.Boundary(w, r, h.logger, dErrors.New(dErrors.CodeInternal, "session context missing"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, claim.ToResponse())
}
