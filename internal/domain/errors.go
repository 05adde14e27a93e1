package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Domain errors represent the failure classes a caller can branch on with errors.Is.
var (
	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// Resource errors
	ErrResourceNotFound  = errors.New("resource not found")
	ErrResourceRemoved   = fmt.Errorf("%w: handle already removed", ErrResourceNotFound)
	ErrResourceInUse     = errors.New("resource is in use")
	ErrCreateFailed      = errors.New("failed to create resource")
	ErrStartFailed       = errors.New("failed to start resource")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrDependencyFailed  = errors.New("dependency failed to become ready")

	// Readiness errors
	ErrReadinessTimeout = errors.New("readiness timeout")
	ErrCanceled         = errors.New("operation canceled")
	ErrResourceExited   = errors.New("resource exited before becoming ready")
	ErrUnhealthy        = errors.New("resource reported unhealthy")

	// Reaper errors
	ErrReaperUnavailable = errors.New("reaper unavailable")
	ErrInvalidFilter     = errors.New("invalid reaper filter")
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Resource ResourceKind
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Resource, ErrInvalidConfiguration, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfiguration
}

// Validator accumulates configuration problems.
type Validator struct {
	kind     ResourceKind
	problems []string
}

// NewValidator returns a validator for a resource kind.
func NewValidator(kind ResourceKind) *Validator {
	return &Validator{kind: kind}
}

// Check records msg when ok is false.
func (v *Validator) Check(ok bool, format string, args ...any) {
	if !ok {
		v.problems = append(v.problems, fmt.Sprintf(format, args...))
	}
}

// Err returns a *ValidationError, or nil when nothing was recorded.
func (v *Validator) Err() error {
	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{Resource: v.kind, Problems: v.problems}
}
