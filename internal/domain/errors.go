package domain

import (
	"errors"
	"fmt"
)

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a request or entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrTransient marks a failure that may succeed on a later attempt.
	ErrTransient = errors.New("transient failure")

	// ErrPermanent marks a failure that will never succeed on retry.
	ErrPermanent = errors.New("permanent failure")

	// ErrCapacity is returned when the system refuses new work because
	// a configured bound is reached.
	ErrCapacity = errors.New("capacity exceeded")

	// ErrLeaseConflict is returned when a conditional job update observes a
	// version or status other than the one the caller expected.
	ErrLeaseConflict = errors.New("lease conflict")

	// ErrAttemptsExhausted is returned when a job cannot be claimed because
	// it already used all of its attempts.
	ErrAttemptsExhausted = errors.New("attempts exhausted")

	// ErrInvalidTransition is returned when a status change is not allowed
	// by the job or session state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrSessionGone is returned when a session has been closed and can no
	// longer receive results.
	ErrSessionGone = errors.New("session gone")

	// ErrInvalidPayload is returned when a job payload cannot be decoded.
	ErrInvalidPayload = errors.New("invalid job payload")
)

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// Unwrap returns ErrValidation unless a more specific cause was provided.
func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrValidation
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, message string, err error) *ValidationError {
	return &ValidationError{Field: field, Message: message, Err: err}
}

// CapacityError reports which bound refused the work.
type CapacityError struct {
	Resource string
	Limit    int
}

// Error implements the error interface.
func (e *CapacityError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("%s at capacity (limit %d)", e.Resource, e.Limit)
	}
	return fmt.Sprintf("%s at capacity", e.Resource)
}

// Unwrap lets errors.Is(err, ErrCapacity) match.
func (e *CapacityError) Unwrap() error {
	return ErrCapacity
}

// NewCapacityError creates a CapacityError for resource.
func NewCapacityError(resource string, limit int) *CapacityError {
	return &CapacityError{Resource: resource, Limit: limit}
}
