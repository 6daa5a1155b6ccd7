package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every input validation failure, including AmountError.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned by stores when a keyed record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a concurrent writer committed first or a
	// uniqueness constraint rejected the write.
	ErrConflict = errors.New("conflict")

	// ErrInvalidTransition is returned when a linkage decision is not allowed
	// from the record's current state.
	ErrInvalidTransition = errors.New("invalid linkage transition")

	// ErrNotImportable is returned by the import gate for PENDING linkages.
	ErrNotImportable = errors.New("extraction is not importable")
)

// ValidationError describes an invalid input field.
type ValidationError struct {
	Record  string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Record != "" {
		return fmt.Sprintf("%s: %s: %s", e.Record, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a ValidationError.
func NewValidationError(record, field, message string) *ValidationError {
	return &ValidationError{Record: record, Field: field, Message: message}
}

// AmountError is the money specific validation failure. Hint, when set,
// tells the operator how to fix the input.
type AmountError struct {
	Record    string
	Field     string
	Value     string
	Condition string
	Hint      string
}

func (e *AmountError) Error() string {
	msg := fmt.Sprintf("%s %q %s", e.Field, e.Value, e.Condition)
	if e.Record != "" {
		msg = e.Record + ": " + msg
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *AmountError) Unwrap() error { return ErrValidation }
