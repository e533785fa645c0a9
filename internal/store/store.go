package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/voxqueue/internal/domain"
)

// NewJob describes a job to be created by JobStore.Enqueue.
type NewJob struct {
	Payload        json.RawMessage
	IdempotencyKey string
	SessionID      string
	MaxAttempts    int
}

// OnCreateFn runs after a new job has been stored and is readable by
// workers. Returning an error removes the job again, so a job whose broker
// push fails is not left behind.
type OnCreateFn func(ctx context.Context, job *domain.Job) error

// JobStore is the source of truth for job status.
//
// All mutating operations except Enqueue take the version the caller last
// observed and fail with domain.ErrLeaseConflict if the stored version or
// status no longer matches.
type JobStore interface {
	// Enqueue creates a pending job unless a non-terminal job with the same
	// idempotency key exists, in which case that job is returned with
	// created=false and onCreate is not called.
	Enqueue(ctx context.Context, req NewJob, onCreate OnCreateFn) (job *domain.Job, created bool, err error)

	// Get returns the job with the given ID or ErrJobNotFound.
	Get(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// FindByIdempotencyKey returns the non-terminal job holding key, or the
	// most recent terminal one when none is active.
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error)

	// Claim starts an attempt: status becomes running and attempts grows by one.
	// Returns domain.ErrAttemptsExhausted when no attempts are left.
	Claim(ctx context.Context, id uuid.UUID, expectedVersion int64) (*domain.Job, error)

	// Complete marks a running job succeeded with resultRef.
	Complete(ctx context.Context, id uuid.UUID, expectedVersion int64, resultRef string) (*domain.Job, error)

	// Fail records a failed attempt. The job moves to failed when retry is
	// set and attempts remain, otherwise to dead_lettered.
	Fail(ctx context.Context, id uuid.UUID, expectedVersion int64, cerr *domain.ClassifiedError, retry bool) (*domain.Job, error)

	// DeadLetter terminates any non-terminal job.
	DeadLetter(ctx context.Context, id uuid.UUID, expectedVersion int64, cerr *domain.ClassifiedError) (*domain.Job, error)

	// ListStale returns non-terminal jobs not updated within olderThan.
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Job, error)

	// ListRecoverable returns pending or failed jobs not updated within
	// olderThan, used to re-push work the broker may have lost.
	ListRecoverable(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Job, error)

	// PurgeTerminal deletes terminal jobs last updated before olderThan.
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// SessionStore persists sessions and their attached jobs.
type SessionStore interface {
	// Create stores a new session or returns ErrSessionExists.
	Create(ctx context.Context, session *domain.Session) error

	// Get returns the session, including attached job IDs, or ErrSessionNotFound.
	Get(ctx context.Context, id string) (*domain.Session, error)

	// Transition moves the session to next if the state machine allows it.
	// Closing a session detaches all of its jobs in the same write.
	Transition(ctx context.Context, id string, next domain.SessionState) (*domain.Session, error)

	// Attach links a job to a session. Attaching twice is a no-op.
	// Returns domain.ErrSessionGone if the session is closed.
	Attach(ctx context.Context, sessionID string, jobID uuid.UUID) error

	// Detach unlinks a job from a session. Detaching an unattached job is a no-op.
	Detach(ctx context.Context, sessionID string, jobID uuid.UUID) error

	// SessionsForJob returns every session the job is attached to.
	SessionsForJob(ctx context.Context, jobID uuid.UUID) ([]*domain.Session, error)

	// ListByState returns sessions in state not updated within olderThan.
	ListByState(ctx context.Context, state domain.SessionState, olderThan time.Duration) ([]*domain.Session, error)

	// Delete removes a session and its attachments.
	Delete(ctx context.Context, id string) error
}
