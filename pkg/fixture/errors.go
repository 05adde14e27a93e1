package fixture

import (
	"github.com/bnema/testbay/internal/domain"
	"github.com/bnema/testbay/internal/usecase/lifecycle"
	"github.com/bnema/testbay/pkg/wait"
)

// Failure classes, for use with errors.Is.
var (
	ErrInvalidConfiguration = domain.ErrInvalidConfiguration
	ErrResourceNotFound     = domain.ErrResourceNotFound
	ErrResourceRemoved      = domain.ErrResourceRemoved
	ErrResourceInUse        = domain.ErrResourceInUse
	ErrCreateFailed         = domain.ErrCreateFailed
	ErrStartFailed          = domain.ErrStartFailed
	ErrInvalidTransition    = domain.ErrInvalidTransition
	ErrDependencyFailed     = domain.ErrDependencyFailed
	ErrReadinessTimeout     = domain.ErrReadinessTimeout
	ErrCanceled             = domain.ErrCanceled
	ErrResourceExited       = domain.ErrResourceExited
	ErrUnhealthy            = domain.ErrUnhealthy
	ErrReaperUnavailable    = domain.ErrReaperUnavailable
)

// Structured errors, for use with errors.As.
type (
	ValidationError = domain.ValidationError
	ResourceError   = lifecycle.ResourceError
	TimeoutError    = wait.TimeoutError
)
