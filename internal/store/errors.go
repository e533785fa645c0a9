package store

import (
	"errors"
	"fmt"
)

// Sentinels shared by the Postgres and in-memory stores.
var (
	// ErrNotFound: no row or entry with that key.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate: a unique key is already taken.
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity: a constraint rejected the row.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrUpdateFailed: a conditional update matched nothing it should have.
	ErrUpdateFailed = errors.New("update failed")

	// ErrTransactionFailed: begin or commit failed.
	ErrTransactionFailed = errors.New("transaction failed")

	ErrJobNotFound     = fmt.Errorf("%w: job", ErrNotFound)
	ErrSessionNotFound = fmt.Errorf("%w: session", ErrNotFound)
	ErrSessionExists   = fmt.Errorf("%w: session", ErrDuplicate)
)

// IsNotFoundError reports whether err wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateError reports whether err wraps ErrDuplicate.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// StoreError records which entity and operation failed.
type StoreError struct {
	Entity    string
	Operation string
	Message   string
	Err       error
}

func (e *StoreError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Entity, e.Operation, e.Message)
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a StoreError.
func NewStoreError(entity, operation, message string, err error) *StoreError {
	return &StoreError{
		Entity:    entity,
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
