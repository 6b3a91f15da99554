package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/konpol/sampipe/internal/core/pipeline"
)

// Runner executes one kind of action.
type Runner interface {
	Run(ctx context.Context, ac *ActionContext) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, ac *ActionContext) error

func (f RunnerFunc) Run(ctx context.Context, ac *ActionContext) error {
	return f(ctx, ac)
}

// Registry maps action kinds to runners.
type Registry struct {
	mu      sync.RWMutex
	runners map[pipeline.ActionKind]Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[pipeline.ActionKind]Runner)}
}

// Register installs r for kind, replacing any previous runner.
func (r *Registry) Register(kind pipeline.ActionKind, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[kind] = runner
}

// Lookup returns the runner for kind.
func (r *Registry) Lookup(kind pipeline.ActionKind) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[kind]
	if !ok {
		return nil, pipeline.NewError(pipeline.ErrUnknownAction, "lookup", fmt.Errorf("kind %q", kind))
	}
	return runner, nil
}

// Kinds lists the registered kinds, sorted.
func (r *Registry) Kinds() []pipeline.ActionKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]pipeline.ActionKind, 0, len(r.runners))
	for k := range r.runners {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
