package pipeline

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// =============================================================================
// Run Status
// =============================================================================

// Status is the lifecycle state shared by executions, stage runs and action runs.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// validTransitions defines the allowed state transitions.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusAborted},
	StatusRunning:   {StatusSucceeded, StatusFailed, StatusAborted},
	StatusSucceeded: {}, // Terminal
	StatusFailed:    {}, // Terminal
	StatusAborted:   {}, // Terminal
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to Status) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAborted
}

// =============================================================================
// Execution Records
// =============================================================================

// Trigger identifies what started an execution.
type Trigger struct {
	CommitRef string `json:"commit_ref"`
	Source    string `json:"source"` // "webhook", "poller", "cli"
}

// Execution is one run of a pipeline definition.
type Execution struct {
	ID             string     `json:"id"`
	Pipeline       string     `json:"pipeline"`
	CommitRef      string     `json:"commit_ref"`
	TriggerSource  string     `json:"trigger_source"`
	Status         Status     `json:"status"`
	DefinitionHash string     `json:"definition_hash"`
	Restarts       int        `json:"restarts"`
	Error          string     `json:"error,omitempty"`
	Stages         []StageRun `json:"stages,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// StageRun records one stage of an execution.
type StageRun struct {
	Stage      string      `json:"stage"`
	Status     Status      `json:"status"`
	Actions    []ActionRun `json:"actions,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// ActionRun records one action of a stage run.
type ActionRun struct {
	Action     string     `json:"action"`
	Kind       ActionKind `json:"kind"`
	RunOrder   int        `json:"run_order"`
	Status     Status     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewExecution creates a pending execution of def.
func NewExecution(def Definition, trigger Trigger) (*Execution, error) {
	hash, err := Hash(def)
	if err != nil {
		return nil, err
	}
	return &Execution{
		ID:             uuid.New().String(),
		Pipeline:       def.Name,
		CommitRef:      trigger.CommitRef,
		TriggerSource:  trigger.Source,
		Status:         StatusPending,
		DefinitionHash: hash,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// Transition moves the execution to a new status.
func (e *Execution) Transition(to Status) error {
	if err := ValidateTransition(e.Status, to); err != nil {
		return err
	}
	e.Status = to
	now := time.Now().UTC()
	if to == StatusRunning {
		e.StartedAt = &now
	}
	if to.IsTerminal() {
		e.FinishedAt = &now
	}
	return nil
}

// Fail transitions to failed and records the error message.
func (e *Execution) Fail(err error) error {
	if terr := e.Transition(StatusFailed); terr != nil {
		return terr
	}
	if err != nil {
		e.Error = err.Error()
	}
	return nil
}

// Abort transitions to aborted.
func (e *Execution) Abort() error {
	if err := e.Transition(StatusAborted); err != nil {
		return err
	}
	e.Error = ErrAborted.Error()
	return nil
}

// Restart records a definition swap after self-mutation.
func (e *Execution) Restart(newHash string) {
	e.Restarts++
	e.DefinitionHash = newHash
}

// Stage returns the most recent run of the named stage, or nil.
func (e *Execution) Stage(name string) *StageRun {
	for i := len(e.Stages) - 1; i >= 0; i-- {
		if e.Stages[i].Stage == name {
			return &e.Stages[i]
		}
	}
	return nil
}

// NewStageRun creates a pending run of stage with one pending record per action.
func NewStageRun(stage Stage) StageRun {
	run := StageRun{Stage: stage.Name, Status: StatusPending}
	for _, a := range stage.Actions {
		run.Actions = append(run.Actions, ActionRun{
			Action:   a.Name,
			Kind:     a.Kind,
			RunOrder: a.EffectiveRunOrder(),
			Status:   StatusPending,
		})
	}
	return run
}

// Transition moves the stage run to a new status.
func (s *StageRun) Transition(to Status) error {
	if err := ValidateTransition(s.Status, to); err != nil {
		return err
	}
	s.Status = to
	now := time.Now().UTC()
	if to == StatusRunning {
		s.StartedAt = &now
	}
	if to.IsTerminal() {
		s.FinishedAt = &now
	}
	return nil
}

// Action returns the run record of the named action, or nil.
func (s *StageRun) Action(name string) *ActionRun {
	for i := range s.Actions {
		if s.Actions[i].Action == name {
			return &s.Actions[i]
		}
	}
	return nil
}

// Transition moves the action run to a new status.
func (a *ActionRun) Transition(to Status) error {
	if err := ValidateTransition(a.Status, to); err != nil {
		return err
	}
	a.Status = to
	now := time.Now().UTC()
	if to == StatusRunning {
		a.StartedAt = &now
	}
	if to.IsTerminal() {
		a.FinishedAt = &now
	}
	return nil
}

// Finish moves a running action to succeeded, or to failed when err is not nil.
func (a *ActionRun) Finish(err error) error {
	if err == nil {
		return a.Transition(StatusSucceeded)
	}
	if terr := a.Transition(StatusFailed); terr != nil {
		return terr
	}
	a.Error = err.Error()
	return nil
}

// Duration returns how long the action ran, or zero when it has not finished.
func (a ActionRun) Duration() time.Duration {
	if a.StartedAt == nil || a.FinishedAt == nil {
		return 0
	}
	return a.FinishedAt.Sub(*a.StartedAt)
}
