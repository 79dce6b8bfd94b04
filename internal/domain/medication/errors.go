package medication

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown or inactive prescriptions and doses
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a uniqueness constraint rejects a write
	ErrConflict = errors.New("conflict")
	// ErrValidation matches every *ValidationError
	ErrValidation = errors.New("validation failed")
)

// ValidationError describes a malformed registration
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
