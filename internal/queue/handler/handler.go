// Package handler serves the read-only queue dashboard.
package handler

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"switchboard/internal/queue"
	"switchboard/internal/queue/models"
	dErrors "switchboard/pkg/domain-errors"
	"switchboard/pkg/platform/httputil"
	"switchboard/pkg/platform/sentinel"
)

const dashboardLimit = 25

// Handler exposes queue depth and job listings. It only holds an
// Inspector, so nothing reachable from here can change job state.
type Handler struct {
	inspector queue.Inspector
	logger    *slog.Logger
	page      *template.Template
}

func New(inspector queue.Inspector, logger *slog.Logger) *Handler {
	return &Handler{
		inspector: inspector,
		logger:    logger.With("component", "queue_dashboard"),
		page:      template.Must(template.New("dashboard").Parse(dashboardHTML)),
	}
}

// Register mounts the dashboard routes. Callers mount it under /queues.
func (h *Handler) Register(r chi.Router) {
	r.Get("/", h.handleDashboard)
	r.Get("/api/stats", h.handleStats)
	r.Get("/api/jobs", h.handleJobs)
	r.Get("/api/jobs/{id}", h.handleJob)
}

// StatsResponse is the JSON body of /api/stats.
type StatsResponse struct {
	models.Stats
	Depth int64 `json:"depth"`
}

// JobsResponse is the JSON body of /api/jobs.
type JobsResponse struct {
	State models.State `json:"state"`
	Jobs  []models.Job `json:"jobs"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.inspector.Stats(r.Context())
	if err != nil {
		httputil.Boundary(w, r, h.logger, dErrors.Wrap(err, dErrors.CodeInternal, "queue stats unavailable"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, StatsResponse{Stats: stats, Depth: stats.Depth()})
}

func (h *Handler) handleJobs(w http.ResponseWriter, r *http.Request) {
	state := models.StateFailed
	if raw := r.URL.Query().Get("state"); raw != "" {
		parsed, err := models.ParseState(raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, err.Error()))
			return
		}
		state = parsed
	}
	limit := dashboardLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	jobs, err := h.inspector.List(r.Context(), state, limit)
	if err != nil {
		httputil.Boundary(w, r, h.logger, dErrors.Wrap(err, dErrors.CodeInternal, "queue listing unavailable"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, JobsResponse{State: state, Jobs: jobs})
}

func (h *Handler) handleJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.inspector.Get(r.Context(), id)
	if errors.Is(err, sentinel.ErrNotFound) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "job not found"))
		return
	}
	if err != nil {
		httputil.Boundary(w, r, h.logger, dErrors.Wrap(err, dErrors.CodeInternal, "queue lookup unavailable"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, job)
}

type stateSection struct {
	State models.State
	Count int64
	Jobs  []models.Job
}

type dashboardView struct {
	Depth    int64
	Sections []stateSection
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := h.inspector.Stats(ctx)
	if err != nil {
		httputil.Boundary(w, r, h.logger, dErrors.Wrap(err, dErrors.CodeInternal, "queue stats unavailable"))
		return
	}

	view := dashboardView{Depth: stats.Depth()}
	for _, state := range models.States {
		jobs, err := h.inspector.List(ctx, state, dashboardLimit)
		if err != nil {
			httputil.Boundary(w, r, h.logger, dErrors.Wrap(err, dErrors.CodeInternal, "queue listing unavailable"))
			return
		}
		view.Sections = append(view.Sections, stateSection{State: state, Count: stats.Count(state), Jobs: jobs})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := h.page.Execute(w, view); err != nil {
		h.logger.ErrorContext(ctx, "render dashboard", "error", err)
	}
}

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Queues</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; color: #111827; }
table { border-collapse: collapse; width: 100%; margin-bottom: 2rem; }
th, td { text-align: left; padding: .35rem .6rem; border-bottom: 1px solid #e5e7eb; font-size: .9rem; }
h2 span { color: #6b7280; font-weight: normal; }
code { font-size: .8rem; }
</style>
</head>
<body>
<h1>Queues</h1>
<p>Depth: <strong>{{.Depth}}</strong></p>
{{range .Sections}}
<h2>{{.State}} <span>({{.Count}})</span></h2>
{{if .Jobs}}
<table>
<thead><tr><th>ID</th><th>Name</th><th>Attempts</th><th>Created</th><th>Last error</th></tr></thead>
<tbody>
{{range .Jobs}}<tr><td><code>{{.ID}}</code></td><td>{{.Name}}</td><td>{{.Attempts}}/{{.MaxAttempts}}</td><td>{{.CreatedAt.Format "2006-01-02 15:04:05"}}</td><td>{{.LastError}}</td></tr>
{{end}}
</tbody>
</table>
{{else}}<p>No jobs.</p>{{end}}
{{end}}
</body>
</html>
`
