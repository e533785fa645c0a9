package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass tells the worker what to do with a failed attempt.
type ErrorClass string

const (
	// ErrorClassTransient failures are retried with backoff.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassPermanent failures dead-letter the job immediately.
	ErrorClassPermanent ErrorClass = "permanent"
	// ErrorClassExpired is recorded when the sweeper gives up on a job
	// that outlived the wall-clock ceiling.
	ErrorClassExpired ErrorClass = "expired"
)

// Retryable reports whether another attempt may be scheduled.
func (c ErrorClass) Retryable() bool {
	return c == ErrorClassTransient
}

// ClassifiedError is a stage failure annotated with its class.
type ClassifiedError struct {
	Class ErrorClass
	Stage string
	Err   error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s error in %s: %v", e.Class, e.Stage, e.Err)
}

// Unwrap exposes both the class sentinel and the cause, so callers can use
// errors.Is(err, ErrTransient) as well as match the underlying error.
func (e *ClassifiedError) Unwrap() []error {
	switch e.Class {
	case ErrorClassPermanent:
		return []error{ErrPermanent, e.Err}
	case ErrorClassTransient:
		return []error{ErrTransient, e.Err}
	default:
		return []error{e.Err}
	}
}

// Message is the cause without the class and stage prefix.
func (e *ClassifiedError) Message() string {
	if e.Err == nil {
		return "unknown error"
	}
	return e.Err.Error()
}

// Transient wraps err as a retryable failure of stage.
func Transient(stage string, err error) *ClassifiedError {
	return &ClassifiedError{Class: ErrorClassTransient, Stage: stage, Err: err}
}

// Permanent wraps err as a non-retryable failure of stage.
func Permanent(stage string, err error) *ClassifiedError {
	return &ClassifiedError{Class: ErrorClassPermanent, Stage: stage, Err: err}
}

// Expired records that stage gave up on a job that ran out of wall-clock time.
func Expired(stage string, err error) *ClassifiedError {
	return &ClassifiedError{Class: ErrorClassExpired, Stage: stage, Err: err}
}

// Classify turns an arbitrary stage error into a ClassifiedError.
//
// Errors that are already classified keep their class. Validation failures,
// invalid payloads and anything wrapping ErrPermanent are permanent. Everything
// else, including timeouts and cancellations, is transient.
func Classify(stage string, err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified
	}

	switch {
	case errors.Is(err, ErrPermanent),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrInvalidPayload):
		return Permanent(stage, err)
	case errors.Is(err, context.DeadlineExceeded):
		return Transient(stage, fmt.Errorf("timed out: %w", err))
	case errors.Is(err, context.Canceled):
		return Transient(stage, err)
	}

	return Transient(stage, err)
}

// FormatJobError renders the error text stored on a failed or dead-lettered
// job, e.g. "transient: upstream unavailable (attempt 3/3)".
func FormatJobError(cerr *ClassifiedError, attempts, maxAttempts int) string {
	return fmt.Sprintf("%s: %s (attempt %d/%d)", cerr.Class, cerr.Message(), attempts, maxAttempts)
}
