package store

import (
	"context"
	"time"

	"github.com/konpol/sampipe/internal/core/pipeline"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for pipelines.
type Store interface {
	// Definition revisions. Revisions are append-only; the highest version is
	// the live definition.
	GetLiveDefinition(ctx context.Context, name string) (*DefinitionRecord, error)
	SaveDefinition(ctx context.Context, def pipeline.Definition, expectedVersion int64) (*DefinitionRecord, error)
	ListDefinitionRevisions(ctx context.Context, name string, opts ListOptions) ([]DefinitionRecord, error)

	// Execution records
	SaveExecution(ctx context.Context, exec *pipeline.Execution) error
	GetExecution(ctx context.Context, id string) (*pipeline.Execution, error)
	ListExecutions(ctx context.Context, pipelineName string, opts ListOptions) ([]pipeline.Execution, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// DefinitionRecord is one saved revision of a pipeline definition.
type DefinitionRecord struct {
	Name       string              `json:"name"`
	Version    int64               `json:"version"`
	Hash       string              `json:"hash"`
	Definition pipeline.Definition `json:"definition"`
	CreatedAt  time.Time           `json:"created_at"`
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
