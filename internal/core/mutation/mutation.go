// Package mutation holds the self-mutation state machine and the pure decision
// of whether a synthesized definition differs from the live one.
package mutation

import (
	"errors"
	"fmt"

	"github.com/konpol/sampipe/internal/core/pipeline"
)

var ErrInvalidTransition = errors.New("invalid controller transition")

// =============================================================================
// Controller State
// =============================================================================

type State string

const (
	StateIdle         State = "idle"
	StateSynthesizing State = "synthesizing"
	StateComparing    State = "comparing"
	StateNoChange     State = "no_change"
	StateChanged      State = "changed"
	StateMutating     State = "mutating"
	StateFailed       State = "failed"
)

var validTransitions = map[State][]State{
	StateIdle:         {StateSynthesizing},
	StateSynthesizing: {StateComparing, StateFailed},
	StateComparing:    {StateNoChange, StateChanged, StateFailed},
	StateNoChange:     {StateIdle},
	StateChanged:      {StateMutating},
	StateMutating:     {StateIdle, StateFailed},
	StateFailed:       {StateIdle},
}

// ValidateTransition checks if a controller transition is valid.
func ValidateTransition(from, to State) error {
	for _, s := range validTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Machine tracks the controller state for one reconciliation.
// It is not safe for concurrent use.
type Machine struct {
	state   State
	history []State
}

// NewMachine returns a machine in the Idle state.
func NewMachine() *Machine {
	return &Machine{state: StateIdle, history: []State{StateIdle}}
}

func (m *Machine) State() State { return m.state }

// History returns every state visited, starting with Idle.
func (m *Machine) History() []State {
	return append([]State(nil), m.history...)
}

// Transition moves to the given state.
func (m *Machine) Transition(to State) error {
	if err := ValidateTransition(m.state, to); err != nil {
		return err
	}
	m.state = to
	m.history = append(m.history, to)
	return nil
}

// Fail moves to Failed from any state that allows it.
func (m *Machine) Fail() error {
	return m.Transition(StateFailed)
}

// =============================================================================
// Decision
// =============================================================================

// Decision is the outcome of comparing the live and synthesized definitions.
type Decision struct {
	Changed  bool              `json:"changed"`
	LiveHash string            `json:"live_hash,omitempty"`
	NextHash string            `json:"next_hash"`
	Changes  []pipeline.Change `json:"changes,omitempty"`
}

// State returns the comparison outcome state.
func (d Decision) State() State {
	if d.Changed {
		return StateChanged
	}
	return StateNoChange
}

// Decide compares live against next. A nil live definition means nothing has
// been applied yet, which is always a change.
func Decide(live *pipeline.Definition, next pipeline.Definition) (Decision, error) {
	nextHash, err := pipeline.Hash(next)
	if err != nil {
		return Decision{}, err
	}
	if live == nil {
		return Decision{Changed: true, NextHash: nextHash, Changes: pipeline.Diff(pipeline.Definition{}, next)}, nil
	}

	liveHash, err := pipeline.Hash(*live)
	if err != nil {
		return Decision{}, err
	}
	if liveHash == nextHash {
		return Decision{LiveHash: liveHash, NextHash: nextHash}, nil
	}
	return Decision{
		Changed:  true,
		LiveHash: liveHash,
		NextHash: nextHash,
		Changes:  pipeline.Diff(*live, next),
	}, nil
}

// ResumeIndex returns the index of the first stage to run in next after the
// mutation stage named mutationStage has applied it. It fails when next no
// longer contains that stage.
func ResumeIndex(next pipeline.Definition, mutationStage string) (int, error) {
	idx := next.StageIndex(mutationStage)
	if idx < 0 {
		return 0, pipeline.NewError(pipeline.ErrSelfMutation, "resume",
			fmt.Errorf("mutation stage %s is not part of the applied definition", mutationStage))
	}
	return idx + 1, nil
}

// CheckResume verifies that next can continue at stage index resume. Every
// input of the remaining stages must be an artifact this execution already
// produced, or an output of an action that still runs. A producer added
// before the resume point would otherwise be skipped.
func CheckResume(next pipeline.Definition, resume int, produced map[string]bool) error {
	if resume > len(next.Stages) {
		resume = len(next.Stages)
	}
	remaining := next.Stages[resume:]

	pending := make(map[string]bool)
	for _, stage := range remaining {
		for _, a := range stage.Actions {
			for _, out := range a.Outputs {
				pending[out] = true
			}
		}
	}

	for _, stage := range remaining {
		for _, a := range stage.Actions {
			for _, in := range a.Inputs {
				if produced[in] || pending[in] {
					continue
				}
				return pipeline.NewError(pipeline.ErrSelfMutation, "resume",
					fmt.Errorf("input %s of %s/%s is produced by %s, which does not run in this execution",
						in, stage.Name, a.Name, producerStage(next, in)))
			}
		}
	}
	return nil
}

func producerStage(def pipeline.Definition, artifact string) string {
	for _, stage := range def.Stages {
		for _, a := range stage.Actions {
			for _, out := range a.Outputs {
				if out == artifact {
					return stage.Name + "/" + a.Name
				}
			}
		}
	}
	return "no action"
}
