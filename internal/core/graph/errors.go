package graph

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrUnknownDependency is returned when a service references a
	// dependency that is not declared in the project.
	ErrUnknownDependency = errors.New("undefined dependency")

	// ErrDependencyCycle is returned when services depend on each other
	// in a cycle.
	ErrDependencyCycle = errors.New("dependency cycle detected")
)

// ConfigError is a fatal configuration error found while building or
// validating the service graph. It carries the offending service names so
// the CLI can report them verbatim.
type ConfigError struct {
	Services []string
	Message  string
	Err      error
}

func (e *ConfigError) Error() string {
	if len(e.Services) > 0 {
		return fmt.Sprintf("%s: %s", e.Message, strings.Join(e.Services, ", "))
	}
	return e.Message
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(message string, err error, services ...string) *ConfigError {
	return &ConfigError{
		Services: services,
		Message:  message,
		Err:      err,
	}
}
