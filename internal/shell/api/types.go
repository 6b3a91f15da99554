package api

import (
	"time"

	"github.com/konpol/sampipe/internal/core/pipeline"
)

// =============================================================================
// Request Types
// =============================================================================

// SourceWebhookRequest is the body of a source change notification.
type SourceWebhookRequest struct {
	Commit string `json:"commit"`
}

// =============================================================================
// Response Types
// =============================================================================

// TriggerResponse acknowledges a queued execution.
type TriggerResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// ExecutionResponse is one execution with its stage results.
type ExecutionResponse struct {
	ID             string          `json:"id"`
	Pipeline       string          `json:"pipeline"`
	CommitRef      string          `json:"commit_ref"`
	TriggerSource  string          `json:"trigger_source"`
	Status         string          `json:"status"`
	DefinitionHash string          `json:"definition_hash"`
	Restarts       int             `json:"restarts"`
	Error          string          `json:"error,omitempty"`
	Stages         []StageResponse `json:"stages"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	DurationMS     int64           `json:"duration_ms,omitempty"`
}

// StageResponse is one stage run.
type StageResponse struct {
	Stage      string           `json:"stage"`
	Status     string           `json:"status"`
	Actions    []ActionResponse `json:"actions"`
	DurationMS int64            `json:"duration_ms,omitempty"`
}

// ActionResponse is one action run.
type ActionResponse struct {
	Action     string `json:"action"`
	Kind       string `json:"kind"`
	RunOrder   int    `json:"run_order"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// ListExecutionsResponse is the response for listing executions.
type ListExecutionsResponse struct {
	Executions []ExecutionResponse `json:"executions"`
	Limit      int                 `json:"limit"`
	Offset     int                 `json:"offset"`
}

// DefinitionResponse is one stored definition revision.
type DefinitionResponse struct {
	Name       string               `json:"name"`
	Version    int64                `json:"version"`
	Hash       string               `json:"hash"`
	CreatedAt  time.Time            `json:"created_at"`
	Definition *pipeline.Definition `json:"definition,omitempty"`
}

// ListRevisionsResponse is the response for listing definition revisions.
type ListRevisionsResponse struct {
	Revisions []DefinitionResponse `json:"revisions"`
	Limit     int                  `json:"limit"`
	Offset    int                  `json:"offset"`
}

// ErrorResponse is the error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the readiness check response.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
