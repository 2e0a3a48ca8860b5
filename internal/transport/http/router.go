package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"switchboard/internal/platform/middleware"
	"switchboard/pkg/platform/httputil"
	"switchboard/pkg/platform/middleware/admin"
	"switchboard/pkg/platform/middleware/metadata"
	"switchboard/pkg/platform/middleware/requesttime"
)

const healthTimeout = 2 * time.Second

// Registrar mounts a group of routes on a router.
type Registrar interface {
	Register(r chi.Router)
}

// HealthCheck reports whether one backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Deps holds everything the router mounts. Nil handlers are skipped so
// tests can build a partial router.
type Deps struct {
	ClientOrigin string
	AdminToken   string

	Auth     Registrar
	Topics   Registrar
	Realtime http.Handler
	Queues   Registrar
	Metrics  http.Handler
	Health   map[string]HealthCheck

	Logger *slog.Logger
}

// NewRouter builds the public HTTP surface. The filters run in a fixed
// order: request id, request time, panic recovery, client metadata, security headers,
// CORS, method allowlist, body size limit and compression. The websocket
// route is mounted outside compression because hijacked connections cannot
// be wrapped.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(requesttime.Middleware)
	r.Use(middleware.Recover(d.Logger))
	r.Use(middleware.RequestLogger(d.Logger))
	r.Use(metadata.ClientMetadata)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(d.ClientOrigin, middleware.AllowedMethods...))
	r.Use(middleware.MethodAllowlist(middleware.AllowedMethods...))

	r.NotFound(httputil.NotFound)
	r.MethodNotAllowed(httputil.MethodNotAllowed)

	if d.Realtime != nil {
		r.Method(http.MethodGet, "/realtime", d.Realtime)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.MaxBodySize(middleware.DefaultMaxBodyBytes))
		r.Use(chimiddleware.Compress(5))

		r.Get("/healthz", healthHandler(d.Health, d.Logger))
		if d.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", d.Metrics)
		}

		r.Route("/api/v1", func(r chi.Router) {
			if d.Auth != nil {
				d.Auth.Register(r)
			}
			if d.Topics != nil {
				d.Topics.Register(r)
			}
		})

		if d.Queues != nil {
			r.Route("/queues", func(r chi.Router) {
				r.Use(admin.RequireAdminToken(d.AdminToken, d.Logger))
				d.Queues.Register(r)
			})
		}
	})

	return r
}

// MetricsHandler exposes the default Prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// healthHandler runs every check concurrently and answers 503 when any fails.
func healthHandler(checks map[string]HealthCheck, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		names := make([]string, 0, len(checks))
		for name := range checks {
			names = append(names, name)
		}
		results := make([]error, len(names))

		var g errgroup.Group
		for i, name := range names {
			check := checks[name]
			g.Go(func() error {
				results[i] = check(ctx)
				return nil
			})
		}
		_ = g.Wait()

		resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
		status := http.StatusOK
		for i, name := range names {
			if err := results[i]; err != nil {
				logger.WarnContext(ctx, "health check failed", "check", name, "error", err)
				resp.Checks[name] = "down"
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "up"
		}
		httputil.WriteJSON(w, status, resp)
	}
}
