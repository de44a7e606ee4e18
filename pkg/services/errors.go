// Package services contains the business logic layered over the database.
package services

import (
	"errors"
	"fmt"
)

// Sentinel errors mapped to HTTP status codes by the API layer.
var (
	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a state transition lost to a concurrent writer,
	// for example two agents completing the same queue row.
	ErrConflict = errors.New("conflict")

	// ErrAlreadyExists indicates a uniqueness violation, for example a
	// duplicate envelope id.
	ErrAlreadyExists = errors.New("already exists")
)

// ValidationError indicates a request that can never succeed as given.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
