// Package services implements the business operations over the store:
// fiches, threads, courses, triggers, runners, and users. Services return
// sentinel errors and ValidationError; HTTP mapping happens in pkg/api.
package services

import (
	"errors"
	"fmt"

	"github.com/brigadehq/brigade/pkg/store"
)

var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPermissionDenied is returned when the caller does not own the
	// entity and is not an admin.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidState is returned when an operation does not apply to the
	// entity's current lifecycle state.
	ErrInvalidState = errors.New("invalid state")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// mapStoreErr translates store sentinels into service sentinels so callers
// never import pkg/store for error checks.
func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return errors.Join(ErrNotFound, err)
	case errors.Is(err, store.ErrAlreadyExists):
		return errors.Join(ErrAlreadyExists, err)
	}
	return err
}
