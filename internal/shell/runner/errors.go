package runner

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrDependencyFailed marks a service skipped because a dependency
	// failed or was itself skipped.
	ErrDependencyFailed = errors.New("dependency failed")

	// ErrRunCancelled marks work abandoned because the run was cancelled.
	ErrRunCancelled = errors.New("run cancelled")
)

// ExecutionError wraps a runtime failure with the service and step that
// produced it.
type ExecutionError struct {
	Service string
	Step    string // "pull", "create", "start", "stop", "remove"
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("service %s: %s failed: %v", e.Service, e.Step, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// CancellationError marks a service whose work was cut short by
// cancellation rather than by its own failure. It is distinct from
// ExecutionError so callers can tell "it broke" from "we stopped it".
type CancellationError struct {
	Service string
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("service %s: %v", e.Service, ErrRunCancelled)
}

func (e *CancellationError) Unwrap() error {
	return ErrRunCancelled
}
