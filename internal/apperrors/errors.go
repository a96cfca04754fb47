// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation     = errors.New("validation error")
	ErrInitialization = errors.New("initialization error")
	ErrResource       = errors.New("resource error")
	ErrTransfer       = errors.New("transfer error")
	ErrStage          = errors.New("stage error")
	ErrNotFound       = errors.New("not found")
	ErrPersistence    = errors.New("persistence error")
	ErrInternal       = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "inputObjectRef")
	Resource string // For not found errors (e.g., "artifact")
	Op       string // Operation that failed (e.g., "blob.download")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel and the cause so both are visible to errors.Is().
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// Initialization reports a service dependency that is not ready.
func Initialization(dependency string, cause error) error {
	msg := dependency + " not initialized"
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &Error{
		Sentinel: ErrInitialization,
		Message:  msg,
		Resource: dependency,
		Cause:    cause,
	}
}

// Resource creates a workspace allocation or teardown error.
func Resource(op string, cause error) error {
	return wrap(ErrResource, op, cause)
}

// Transfer creates a blob download or upload error.
func Transfer(op string, cause error) error {
	return wrap(ErrTransfer, op, cause)
}

// Persistence creates a status store write error.
func Persistence(op string, cause error) error {
	return wrap(ErrPersistence, op, cause)
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return wrap(ErrInternal, op, cause)
}

func wrap(sentinel error, op string, cause error) error {
	return &Error{
		Sentinel: sentinel,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// StageError reports an external stage that exited non-zero, was killed or
// could not start.
type StageError struct {
	Stage    string
	ExitCode int    // -1 when the program never started or was killed by a signal
	Started  bool   // the program was running when it failed
	Stderr   string // captured tail of the standard error stream
	Cause    error
}

func (e *StageError) Error() string {
	switch {
	case !e.Started:
		return fmt.Sprintf("stage %s failed to start: %v", e.Stage, e.Cause)
	case e.ExitCode < 0:
		return fmt.Sprintf("stage %s was terminated: %v", e.Stage, e.Cause)
	default:
		return fmt.Sprintf("stage %s exited with code %d", e.Stage, e.ExitCode)
	}
}

// Unwrap returns ErrStage and the cause so both are visible to errors.Is().
func (e *StageError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrStage}
	}
	return []error{ErrStage, e.Cause}
}

// Kind returns a short name for the error's class, used in responses and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStage):
		return "stage"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInitialization):
		return "initialization"
	case errors.Is(err, ErrResource):
		return "resource"
	case errors.Is(err, ErrTransfer):
		return "transfer"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
