package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Kinds
// =============================================================================

var (
	ErrSourceFetch         = errors.New("source fetch failed")
	ErrSynth               = errors.New("synth failed")
	ErrBuild               = errors.New("image build failed")
	ErrPublish             = errors.New("image publish failed")
	ErrIndirectionWrite    = errors.New("indirection write failed")
	ErrIndirectionRead     = errors.New("indirection read failed")
	ErrUnresolvedReference = errors.New("unresolved indirection reference")
	ErrDeployment          = errors.New("deployment rejected")
	ErrSelfMutation        = errors.New("self-mutation failed")

	ErrInvalidDefinition  = errors.New("invalid pipeline definition")
	ErrUndeclaredArtifact = errors.New("artifact not declared by action")
	ErrUnknownAction      = errors.New("no runner registered for action kind")
	ErrAborted            = errors.New("execution aborted")
)

// Error classifies a failure with one of the error kinds above.
type Error struct {
	Kind error  // One of the Err* kinds
	Op   string // Operation that failed, e.g. "docker build"
	Err  error  // Underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError creates a classified error.
func NewError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// UnresolvedReferenceError reports a required indirection key that was never
// written. It usually means a deployment ran before the first publish.
type UnresolvedReferenceError struct {
	Key string
	Err error
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference %q: no value has been published for this key", e.Key)
}

// Is matches ErrUnresolvedReference and ErrIndirectionRead, never ErrDeployment.
func (e *UnresolvedReferenceError) Is(target error) bool {
	return target == ErrUnresolvedReference || target == ErrIndirectionRead
}

func (e *UnresolvedReferenceError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Stage Errors
// =============================================================================

// ActionFailure records one failed action of a stage.
type ActionFailure struct {
	Action string
	Err    error
}

// StageError aggregates the failed actions of a stage.
type StageError struct {
	Stage    string
	Failures []ActionFailure
}

func (e *StageError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Action, f.Err))
	}
	return fmt.Sprintf("stage %s failed: %s", e.Stage, strings.Join(parts, "; "))
}

func (e *StageError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// ValidationError reports why a definition is invalid.
type ValidationError struct {
	Field   string // e.g. "stages[1].actions[0].inputs"
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidDefinition
}

func newValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
