package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"switchboard/internal/auth/models"
	"switchboard/pkg/platform/httputil"
)

// SessionExtractor reads the verified claim from a request. It returns
// (nil, nil) when the request carries no session.
type SessionExtractor interface {
	Extract(r *http.Request) (*models.Claim, error)
}

// RejectionRecorder counts rejected requests.
type RejectionRecorder interface {
	IncrementAuthRejected()
}

type contextKeyClaim struct{}

// UnauthorizedMessage is the body of every 401 produced by RequireSession.
const UnauthorizedMessage = "unauthorized"

// ClaimFromContext retrieves the authenticated claim from the context.
func ClaimFromContext(ctx context.Context) (*models.Claim, bool) {
	claim, ok := ctx.Value(contextKeyClaim{}).(*models.Claim)
	return claim, ok && claim != nil
}

// WithClaim injects a claim into a context.
// Useful for handler unit tests that don't run the full middleware chain.
func WithClaim(ctx context.Context, claim *models.Claim) context.Context {
	return context.WithValue(ctx, contextKeyClaim{}, claim)
}

// GetUserID retrieves the authenticated subject from the context.
func GetUserID(ctx context.Context) string {
	if claim, ok := ClaimFromContext(ctx); ok {
		return claim.SubjectID
	}
	return ""
}

// RequireSession rejects requests without a valid session. A missing
// session and an invalid one produce the same 401 body; only the log line
// tells them apart.
func RequireSession(extractor SessionExtractor, logger *slog.Logger, recorder RejectionRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			claim, err := extractor.Extract(r)
			if err != nil || claim == nil {
				reason := "missing session"
				if err != nil {
					reason = "invalid session"
				}
				logger.WarnContext(ctx, "unauthorized access - "+reason,
					"error", err,
					"request_id", middleware.GetReqID(ctx),
				)
				if recorder != nil {
					recorder.IncrementAuthRejected()
				}
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Message: UnauthorizedMessage})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaim(ctx, claim)))
		})
	}
}

// OptionalSession attaches the claim when a valid session is present and
// otherwise lets the request through unchanged.
func OptionalSession(extractor SessionExtractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if claim, err := extractor.Extract(r); err == nil && claim != nil {
				r = r.WithContext(WithClaim(r.Context(), claim))
			}
			next.ServeHTTP(w, r)
		})
	}
}
