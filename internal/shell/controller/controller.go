// Package controller reconciles a synthesized pipeline definition with the
// live one and saves the new revision when they differ.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/konpol/sampipe/internal/core/mutation"
	"github.com/konpol/sampipe/internal/core/pipeline"
	"github.com/konpol/sampipe/internal/shell/store"
	"github.com/konpol/sampipe/internal/shell/telemetry"
)

// DefinitionStore holds the revisions of pipeline definitions.
type DefinitionStore interface {
	GetLiveDefinition(ctx context.Context, name string) (*store.DefinitionRecord, error)
	SaveDefinition(ctx context.Context, def pipeline.Definition, expectedVersion int64) (*store.DefinitionRecord, error)
}

// Input is one reconciliation request.
type Input struct {
	// Pipeline is the name of the running pipeline; the synthesized
	// definition must carry the same name.
	Pipeline string
	// Synthesized is the canonical JSON of the definition produced by synth.
	Synthesized []byte
	// RunningHash is the hash of the definition the execution runs. Empty
	// means unknown, and the running definition is assumed to be live.
	RunningHash string
}

// Outcome reports what a reconciliation did. Applied means a revision was
// saved; Replace means the running execution must switch to Definition. They
// differ when the store was updated by someone else, e.g. a bootstrap.
type Outcome struct {
	Decision   mutation.Decision
	Applied    bool
	Replace    bool
	Version    int64
	Definition pipeline.Definition
	States     []mutation.State
}

// Controller is the self-mutating controller. Reconciliations of the same
// controller are serialized.
type Controller struct {
	store   DefinitionStore
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu sync.Mutex
}

// New creates a controller.
func New(defs DefinitionStore, metrics *telemetry.Metrics, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:   defs,
		metrics: metrics,
		logger:  logger.With("component", "controller"),
	}
}

// Reconcile compares the synthesized definition with the live revision and
// saves it when it changed. Every failure is classified as ErrSelfMutation.
func (c *Controller) Reconcile(ctx context.Context, in Input) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := mutation.NewMachine()
	out, err := c.reconcile(ctx, m, in)
	out.States = m.History()
	if err != nil {
		_ = m.Fail()
		out.States = m.History()
		c.metrics.ObserveMutation(in.Pipeline, "failed")
		c.logger.Error("reconciliation failed", "pipeline", in.Pipeline, "error", err)
		return out, pipeline.NewError(pipeline.ErrSelfMutation, "reconcile", err)
	}
	return out, nil
}

func (c *Controller) reconcile(ctx context.Context, m *mutation.Machine, in Input) (Outcome, error) {
	if err := m.Transition(mutation.StateSynthesizing); err != nil {
		return Outcome{}, err
	}
	next, err := pipeline.UnmarshalDefinition(in.Synthesized)
	if err != nil {
		return Outcome{}, err
	}
	if err := next.Validate(); err != nil {
		return Outcome{}, err
	}
	if in.Pipeline != "" && next.Name != in.Pipeline {
		return Outcome{}, fmt.Errorf("synthesized pipeline %q does not match running pipeline %q", next.Name, in.Pipeline)
	}

	if err := m.Transition(mutation.StateComparing); err != nil {
		return Outcome{}, err
	}
	var live *pipeline.Definition
	var version int64
	rec, err := c.store.GetLiveDefinition(ctx, next.Name)
	switch {
	case err == nil:
		live = &rec.Definition
		version = rec.Version
	case errors.Is(err, store.ErrNotFound):
	default:
		return Outcome{}, fmt.Errorf("load live definition: %w", err)
	}

	decision, err := mutation.Decide(live, next)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Decision: decision, Version: version, Definition: next}
	if err := m.Transition(decision.State()); err != nil {
		return out, err
	}

	if !decision.Changed {
		out.Replace = in.RunningHash != "" && in.RunningHash != decision.NextHash
		if out.Replace {
			c.metrics.ObserveMutation(next.Name, "caught_up")
			c.logger.Info("running definition behind live revision",
				"pipeline", next.Name,
				"version", version,
				"running_hash", in.RunningHash,
				"hash", decision.NextHash,
			)
			return out, m.Transition(mutation.StateIdle)
		}
		c.metrics.ObserveMutation(next.Name, "no_change")
		c.logger.Info("definition unchanged", "pipeline", next.Name, "hash", decision.NextHash, "version", version)
		return out, m.Transition(mutation.StateIdle)
	}

	if err := m.Transition(mutation.StateMutating); err != nil {
		return out, err
	}
	saved, err := c.store.SaveDefinition(ctx, next, version)
	if err != nil {
		return out, fmt.Errorf("save definition: %w", err)
	}
	out.Applied = true
	out.Replace = in.RunningHash == "" || in.RunningHash != decision.NextHash
	out.Version = saved.Version

	changes := make([]string, 0, len(decision.Changes))
	for _, ch := range decision.Changes {
		changes = append(changes, ch.String())
	}
	c.metrics.ObserveMutation(next.Name, "applied")
	c.logger.Info("definition updated",
		"pipeline", next.Name,
		"version", saved.Version,
		"hash", decision.NextHash,
		"changes", changes,
	)
	return out, m.Transition(mutation.StateIdle)
}
