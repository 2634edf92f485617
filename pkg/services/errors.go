package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a chat, group or message does not exist
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")

	// ErrConcurrentModification is returned when a history save lost the
	// optimistic version check twice in a row
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrChatBusy is returned for tree navigation while the chat is streaming
	ErrChatBusy = errors.New("chat has an active streaming session")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrInvalidInput
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// notFound marks err as ErrNotFound while keeping its own identity.
func notFound(err error) error {
	return fmt.Errorf("%w: %w", ErrNotFound, err)
}
