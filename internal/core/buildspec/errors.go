// Package buildspec parses the compose file that declares how the function
// image is built. This is part of the Functional Core - all functions are
// pure with no I/O.
package buildspec

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrEmptyInput         = errors.New("build spec is empty")
	ErrInvalidYAML        = errors.New("invalid YAML syntax")
	ErrNoServices         = errors.New("build spec must define at least one service")
	ErrNoBuild            = errors.New("service has no build section")
	ErrServiceNotFound    = errors.New("service not found in build spec")
	ErrAmbiguousService   = errors.New("build spec has several buildable services")
	ErrInvalidPort        = errors.New("invalid port configuration")
	ErrCircularDependency = errors.New("circular dependency detected")
	ErrMissingVariable    = errors.New("required variable is missing")
	ErrUnsupportedFeature = errors.New("unsupported build spec feature")
)

// ParseError wraps errors with context about where parsing failed.
type ParseError struct {
	Field   string // e.g., "services.hello.build"
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func NewParseError(field, message string, err error) *ParseError {
	return &ParseError{Field: field, Message: message, Err: err}
}
