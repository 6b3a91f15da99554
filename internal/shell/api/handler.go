// Package api provides the HTTP API of the pipeline server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/konpol/sampipe/internal/core/pipeline"
	"github.com/konpol/sampipe/internal/shell/orchestrator"
	"github.com/konpol/sampipe/internal/shell/store"
)

// =============================================================================
// Collaborators
// =============================================================================

// Submitter queues pipeline executions.
type Submitter interface {
	Submit(ctx context.Context, trigger pipeline.Trigger) (string, error)
}

// Reader is the read side of the store used by the API.
type Reader interface {
	GetLiveDefinition(ctx context.Context, name string) (*store.DefinitionRecord, error)
	ListDefinitionRevisions(ctx context.Context, name string, opts store.ListOptions) ([]store.DefinitionRecord, error)
	GetExecution(ctx context.Context, id string) (*pipeline.Execution, error)
	ListExecutions(ctx context.Context, pipelineName string, opts store.ListOptions) ([]pipeline.Execution, error)
}

// Pinger checks a dependency for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API.
type Handler struct {
	submitter Submitter
	reader    Reader
	checks    map[string]Pinger
	logger    *slog.Logger
}

// NewHandler creates a new API handler. checks are run by /ready.
func NewHandler(submitter Submitter, reader Reader, checks map[string]Pinger, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	return &Handler{
		submitter: submitter,
		reader:    reader,
		checks:    checks,
		logger:    l.With("component", "api"),
	}
}

// Routes returns the router with all routes configured. webhook wraps the
// source webhook route, typically with signature verification.
func (h *Handler) Routes(webhook func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if webhook != nil {
				r.Use(webhook)
			}
			r.Post("/webhooks/source", h.handleSourceWebhook)
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", h.handleListExecutions)
			r.Get("/{id}", h.handleGetExecution)
		})

		r.Route("/pipelines/{name}", func(r chi.Router) {
			r.Get("/definition", h.handleGetDefinition)
			r.Get("/revisions", h.handleListRevisions)
			r.Get("/executions", h.handleListExecutions)
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, code := "ready", http.StatusOK
	checks := make(map[string]string, len(h.checks))
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "check", name, "error", err)
			checks[name] = "failed"
			status, code = "not_ready", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	h.writeJSON(w, code, ReadyResponse{Status: status, Checks: checks})
}

// =============================================================================
// Trigger Handlers
// =============================================================================

func (h *Handler) handleSourceWebhook(w http.ResponseWriter, r *http.Request) {
	var req SourceWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}
	if req.Commit == "" {
		h.writeError(w, http.StatusBadRequest, "commit is required", "validation_error")
		return
	}

	id, err := h.submitter.Submit(r.Context(), pipeline.Trigger{CommitRef: req.Commit, Source: "webhook"})
	switch {
	case errors.Is(err, orchestrator.ErrQueueFull):
		h.writeError(w, http.StatusTooManyRequests, "execution queue is full", "queue_full")
		return
	case errors.Is(err, orchestrator.ErrDispatcherStopped):
		h.writeError(w, http.StatusServiceUnavailable, "pipeline is shutting down", "unavailable")
		return
	case err != nil:
		h.logger.Error("failed to submit execution", "commit", req.Commit, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to submit execution", "internal_error")
		return
	}

	h.logger.Info("execution queued", "execution_id", id, "commit", req.Commit)
	h.writeJSON(w, http.StatusAccepted, TriggerResponse{ExecutionID: id, Status: string(pipeline.StatusPending)})
}

// =============================================================================
// Execution Handlers
// =============================================================================

func (h *Handler) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	exec, err := h.reader.GetExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "execution not found", "execution_not_found")
			return
		}
		h.logger.Error("failed to get execution", "execution_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get execution", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusOK, executionToResponse(exec))
}

// handleListExecutions serves both /executions (filtered by ?pipeline=) and
// /pipelines/{name}/executions.
func (h *Handler) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		name = r.URL.Query().Get("pipeline")
	}
	opts := listOptions(r)

	execs, err := h.reader.ListExecutions(r.Context(), name, opts)
	if err != nil {
		h.logger.Error("failed to list executions", "pipeline", name, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list executions", "internal_error")
		return
	}

	resp := ListExecutionsResponse{
		Executions: make([]ExecutionResponse, 0, len(execs)),
		Limit:      opts.Limit,
		Offset:     opts.Offset,
	}
	for i := range execs {
		resp.Executions = append(resp.Executions, executionToResponse(&execs[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Definition Handlers
// =============================================================================

func (h *Handler) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	rec, err := h.reader.GetLiveDefinition(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "pipeline has no definition", "definition_not_found")
			return
		}
		h.logger.Error("failed to get definition", "pipeline", name, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get definition", "internal_error")
		return
	}

	resp := definitionToResponse(*rec)
	resp.Definition = &rec.Definition
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListRevisions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	opts := listOptions(r)

	recs, err := h.reader.ListDefinitionRevisions(r.Context(), name, opts)
	if err != nil {
		h.logger.Error("failed to list revisions", "pipeline", name, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list revisions", "internal_error")
		return
	}

	resp := ListRevisionsResponse{
		Revisions: make([]DefinitionResponse, 0, len(recs)),
		Limit:     opts.Limit,
		Offset:    opts.Offset,
	}
	for _, rec := range recs {
		resp.Revisions = append(resp.Revisions, definitionToResponse(rec))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Helper Functions
// =============================================================================

func listOptions(r *http.Request) store.ListOptions {
	opts := store.DefaultListOptions()
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}
	return opts.Normalize()
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func executionToResponse(e *pipeline.Execution) ExecutionResponse {
	resp := ExecutionResponse{
		ID:             e.ID,
		Pipeline:       e.Pipeline,
		CommitRef:      e.CommitRef,
		TriggerSource:  e.TriggerSource,
		Status:         string(e.Status),
		DefinitionHash: e.DefinitionHash,
		Restarts:       e.Restarts,
		Error:          e.Error,
		Stages:         make([]StageResponse, 0, len(e.Stages)),
		CreatedAt:      e.CreatedAt,
		StartedAt:      e.StartedAt,
		FinishedAt:     e.FinishedAt,
		DurationMS:     millis(e.StartedAt, e.FinishedAt),
	}
	for _, s := range e.Stages {
		stage := StageResponse{
			Stage:      s.Stage,
			Status:     string(s.Status),
			Actions:    make([]ActionResponse, 0, len(s.Actions)),
			DurationMS: millis(s.StartedAt, s.FinishedAt),
		}
		for _, a := range s.Actions {
			stage.Actions = append(stage.Actions, ActionResponse{
				Action:     a.Action,
				Kind:       string(a.Kind),
				RunOrder:   a.RunOrder,
				Status:     string(a.Status),
				Error:      a.Error,
				DurationMS: a.Duration().Milliseconds(),
			})
		}
		resp.Stages = append(resp.Stages, stage)
	}
	return resp
}

func definitionToResponse(rec store.DefinitionRecord) DefinitionResponse {
	return DefinitionResponse{
		Name:      rec.Name,
		Version:   rec.Version,
		Hash:      rec.Hash,
		CreatedAt: rec.CreatedAt,
	}
}

func millis(start, end *time.Time) int64 {
	if start == nil || end == nil {
		return 0
	}
	return end.Sub(*start).Milliseconds()
}
