package engine

import (
	"errors"
	"fmt"
)

// ValidationError reports a state that failed its Spec's validator.
//
// The engine guarantees that a failed validation leaves its state
// unchanged, so a ValidationError is fatal only to the Dispatch or
// ReplaceState call that produced it.
type ValidationError struct {
	// Code identifies the error category.
	Code ValidationCode

	// Message is a human-readable description.
	Message string

	// Details contains additional context (ids, field names).
	Details map[string]string

	// Err is the underlying validator error, if any.
	Err error
}

// ValidationCode categorizes validation failures.
type ValidationCode string

const (
	// ErrCodeInvariant indicates a domain invariant does not hold.
	ErrCodeInvariant ValidationCode = "INVARIANT_VIOLATED"

	// ErrCodeStructural indicates internal references are inconsistent
	// (e.g. a host id that keys no participant).
	ErrCodeStructural ValidationCode = "STRUCTURAL_INCONSISTENCY"

	// ErrCodeInvalidState wraps validator errors that are not ValidationErrors.
	ErrCodeInvalidState ValidationCode = "INVALID_STATE"
)

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying validator error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError returns true if err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NewInvariantError creates a ValidationError for a violated invariant.
func NewInvariantError(message string, details map[string]string) *ValidationError {
	return &ValidationError{
		Code:    ErrCodeInvariant,
		Message: message,
		Details: details,
	}
}

// NewStructuralError creates a ValidationError for an inconsistent reference.
func NewStructuralError(message string, details map[string]string) *ValidationError {
	return &ValidationError{
		Code:    ErrCodeStructural,
		Message: message,
		Details: details,
	}
}

// asValidationError normalizes any validator error into a ValidationError.
func asValidationError(err error) error {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return err
	}
	return &ValidationError{
		Code:    ErrCodeInvalidState,
		Message: "state rejected by validator",
		Err:     err,
	}
}
