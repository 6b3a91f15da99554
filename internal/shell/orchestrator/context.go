package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/konpol/sampipe/internal/core/pipeline"
	"github.com/konpol/sampipe/internal/shell/artifacts"
)

// ActionContext is everything an action may touch. Artifacts are reachable
// only through OpenInput and WriteOutput, and only under declared names.
type ActionContext struct {
	Pipeline    string
	ExecutionID string
	CommitRef   string
	Stage       string
	Action      pipeline.Action
	Logger      *slog.Logger

	// DefinitionHash is the hash of the definition this execution is
	// running, which can differ from the live revision in the store.
	DefinitionHash string

	channel artifacts.Channel

	mu      sync.Mutex
	outputs map[string]artifacts.Ref
	applied *pipeline.Definition
}

func (ac *ActionContext) key(name string) artifacts.Key {
	return artifacts.Key{Pipeline: ac.Pipeline, Execution: ac.ExecutionID, Name: name}
}

// OpenInput opens a declared input artifact.
func (ac *ActionContext) OpenInput(ctx context.Context, name string) (io.ReadCloser, error) {
	if in, _ := ac.Action.Declares(name); !in {
		return nil, pipeline.NewError(pipeline.ErrUndeclaredArtifact, "open input",
			fmt.Errorf("%s does not declare input %q", ac.Action.Name, name))
	}
	return ac.channel.Open(ctx, ac.key(name))
}

// ReadInput reads a declared input artifact fully.
func (ac *ActionContext) ReadInput(ctx context.Context, name string) ([]byte, error) {
	rc, err := ac.OpenInput(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// WriteOutput stores a declared output artifact.
func (ac *ActionContext) WriteOutput(ctx context.Context, name string, r io.Reader) (artifacts.Ref, error) {
	if _, out := ac.Action.Declares(name); !out {
		return artifacts.Ref{}, pipeline.NewError(pipeline.ErrUndeclaredArtifact, "write output",
			fmt.Errorf("%s does not declare output %q", ac.Action.Name, name))
	}
	ref, err := ac.channel.Put(ctx, ac.key(name), r)
	if err != nil {
		return artifacts.Ref{}, err
	}
	ac.mu.Lock()
	ac.outputs[name] = ref
	ac.mu.Unlock()
	return ref, nil
}

// WriteOutputBytes stores data as a declared output artifact.
func (ac *ActionContext) WriteOutputBytes(ctx context.Context, name string, data []byte) (artifacts.Ref, error) {
	return ac.WriteOutput(ctx, name, bytes.NewReader(data))
}

// HasOutput reports whether the action declares an output called name.
func (ac *ActionContext) HasOutput(name string) bool {
	_, out := ac.Action.Declares(name)
	return out
}

// ApplyDefinition tells the orchestrator that def has replaced the running
// definition. Only self_mutate actions may call it.
func (ac *ActionContext) ApplyDefinition(def pipeline.Definition) error {
	if ac.Action.Kind != pipeline.KindSelfMutate {
		return pipeline.NewError(pipeline.ErrSelfMutation, "apply definition",
			fmt.Errorf("action %s of kind %s cannot replace the definition", ac.Action.Name, ac.Action.Kind))
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	clone := def.Clone()
	ac.applied = &clone
	return nil
}

func (ac *ActionContext) appliedDefinition() *pipeline.Definition {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.applied
}

func (ac *ActionContext) writtenOutputs() []string {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	names := make([]string, 0, len(ac.outputs))
	for name := range ac.outputs {
		names = append(names, name)
	}
	return names
}
