package service

import (
	"errors"
	"fmt"

	"github.com/phrazzld/voxqueue/internal/domain"
	"github.com/phrazzld/voxqueue/internal/store"
)

var (
	// ErrJobNotFound indicates that the job does not exist.
	// API layer should map this to HTTP 404 Not Found.
	ErrJobNotFound = errors.New("job not found")
)

// JobServiceError wraps unexpected failures from the job service with the
// operation that failed.
type JobServiceError struct {
	// Operation is the operation that failed (e.g., "submit", "status")
	Operation string
	// Message is a human-readable description of the error
	Message string
	// Err is the underlying error
	Err error
}

// Error implements the error interface for JobServiceError.
func (e *JobServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("job service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *JobServiceError) Unwrap() error {
	return e.Err
}

// NewJobServiceError creates a JobServiceError. Known sentinels and domain
// error types are returned as they are so callers can match them.
func NewJobServiceError(operation, message string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrJobNotFound) || errors.Is(err, store.ErrJobNotFound) {
		return ErrJobNotFound
	}

	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return verr
	}
	var cerr *domain.CapacityError
	if errors.As(err, &cerr) {
		return cerr
	}

	return &JobServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
