package domain

import (
	"errors"
	"fmt"
)

// Error kinds for the closing pipeline. Handlers and the orchestrator match
// on these with errors.Is; wrapped causes stay inspectable via errors.As.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrGuardFailed       = errors.New("transition guard failed")
	ErrInvalidState      = errors.New("invalid state for operation")
	ErrArithmetic        = errors.New("settlement arithmetic error")
	ErrCustody           = errors.New("custody provider error")
	ErrAuditSink         = errors.New("audit sink error")
	ErrNotification      = errors.New("notification delivery error")
	ErrCircularDep       = errors.New("circular dependency in workflow")
)

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, args...)...)
}

// NotFoundf wraps ErrNotFound with the missing entity.
func NotFoundf(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}
