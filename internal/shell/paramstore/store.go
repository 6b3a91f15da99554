// Package paramstore provides the key/value indirection store that carries
// late-bound values (repository identity, published image tag) from the
// publish action to the deployment stage.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/konpol/sampipe/internal/core/params"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNotFound is returned by Get when the key was never written.
	ErrNotFound = errors.New("parameter not found")

	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("parameter store unavailable")
)

// ParamError wraps errors with the failing operation and key.
type ParamError struct {
	Op      string // "Get" or "Put"
	Backend string // "ssm", "sql", "memory"
	Key     string
	Message string
	Err     error
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("%s %s %s: %s", e.Backend, e.Op, e.Key, e.Message)
}

func (e *ParamError) Unwrap() error {
	return e.Err
}

func NewParamError(op, backend, key, message string, err error) *ParamError {
	return &ParamError{Op: op, Backend: backend, Key: key, Message: message, Err: err}
}

// =============================================================================
// Store Interface
// =============================================================================

// Store is a hierarchical key/value store with last-writer-wins semantics and
// no history. A Get issued after a Put returns has to observe that Put.
type Store interface {
	// Put writes value under key, overwriting any previous value. existed
	// reports whether the key already had a value.
	Put(ctx context.Context, key, value string) (existed bool, err error)

	// Get returns the current value, or an error matching ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
}

// =============================================================================
// MemoryStore
// =============================================================================

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Put(ctx context.Context, key, value string) (bool, error) {
	if err := params.ValidateKey(key); err != nil {
		return false, NewParamError("Put", "memory", key, "invalid key", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.values[key]
	m.values[key] = value
	return existed, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := params.ValidateKey(key); err != nil {
		return "", NewParamError("Get", "memory", key, "invalid key", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return "", NewParamError("Get", "memory", key, "no value", ErrNotFound)
	}
	return v, nil
}
