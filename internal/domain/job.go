package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

// Possible job status values. JobStatusFailed is the retrying state: the
// job failed an attempt and waits for redelivery. Only succeeded and
// dead_lettered are terminal.
const (
	JobStatusPending      JobStatus = "pending"
	JobStatusRunning      JobStatus = "running"
	JobStatusSucceeded    JobStatus = "succeeded"
	JobStatusFailed       JobStatus = "failed"
	JobStatusDeadLettered JobStatus = "dead_lettered"
)

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusSucceeded, JobStatusFailed, JobStatusDeadLettered:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusDeadLettered
}

// Validation errors for Job.
var (
	ErrEmptyJobID          = errors.New("job ID cannot be empty")
	ErrEmptyIdempotencyKey = errors.New("idempotency key cannot be empty")
	ErrInvalidJobStatus    = errors.New("invalid job status")
	ErrInvalidAttempts     = errors.New("attempts must be between 0 and max_attempts")
	ErrMissingResultRef    = errors.New("succeeded job must carry a result reference")
	ErrUnexpectedResultRef = errors.New("only succeeded jobs carry a result reference")
	ErrMissingJobError     = errors.New("failed job must carry an error")
	ErrUnexpectedJobError  = errors.New("only failed or dead-lettered jobs carry an error")
)

// Job is a unit of asynchronous work tracked by the job store.
type Job struct {
	ID             uuid.UUID       `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	Status         JobStatus       `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	ResultRef      string          `json:"result_ref,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorClass     ErrorClass      `json:"error_class,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewJob creates a pending job. The version starts at 1 so that zero can
// never match a conditional update.
func NewJob(payload json.RawMessage, idempotencyKey, sessionID string, maxAttempts int) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:             uuid.New(),
		IdempotencyKey: idempotencyKey,
		Payload:        payload,
		Status:         JobStatusPending,
		MaxAttempts:    maxAttempts,
		SessionID:      sessionID,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}

	return job, nil
}

// Validate checks the structural invariants of a job.
func (j *Job) Validate() error {
	if j.ID == uuid.Nil {
		return ErrEmptyJobID
	}
	if j.IdempotencyKey == "" {
		return ErrEmptyIdempotencyKey
	}
	if !j.Status.Valid() {
		return ErrInvalidJobStatus
	}
	if j.MaxAttempts < 1 || j.Attempts < 0 || j.Attempts > j.MaxAttempts {
		return ErrInvalidAttempts
	}
	if j.Status == JobStatusSucceeded && j.ResultRef == "" {
		return ErrMissingResultRef
	}
	if j.Status != JobStatusSucceeded && j.ResultRef != "" {
		return ErrUnexpectedResultRef
	}
	hasError := j.Status == JobStatusFailed || j.Status == JobStatusDeadLettered
	if hasError && j.Error == "" {
		return ErrMissingJobError
	}
	if !hasError && j.Error != "" {
		return ErrUnexpectedJobError
	}
	if _, err := ParsePayload(j.Payload); err != nil {
		return err
	}
	return nil
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	return &c
}

// Handle is the lightweight view returned to submitters.
func (j *Job) Handle() JobHandle {
	return JobHandle{JobID: j.ID, Status: j.Status, ResultRef: j.ResultRef}
}

// Claim starts a new attempt. Claiming a running job is allowed so that a
// lease redelivered after a worker crash can be picked up again.
func (j *Job) Claim(now time.Time) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: job is %s", ErrLeaseConflict, j.Status)
	}
	if j.Attempts >= j.MaxAttempts {
		return ErrAttemptsExhausted
	}
	j.Status = JobStatusRunning
	j.Attempts++
	j.Error = ""
	j.ErrorClass = ""
	j.touch(now)
	return nil
}

// Complete records a successful attempt.
func (j *Job) Complete(resultRef string, now time.Time) error {
	if j.Status != JobStatusRunning {
		return fmt.Errorf("%w: cannot complete %s job", ErrInvalidTransition, j.Status)
	}
	if resultRef == "" {
		return ErrMissingResultRef
	}
	j.Status = JobStatusSucceeded
	j.ResultRef = resultRef
	j.Error = ""
	j.ErrorClass = ""
	j.touch(now)
	return nil
}

// Fail records a failed attempt. A retryable failure with attempts left moves
// the job to the retrying state; anything else dead-letters it.
func (j *Job) Fail(cerr *ClassifiedError, retry bool, now time.Time) error {
	if j.Status != JobStatusRunning {
		return fmt.Errorf("%w: cannot fail %s job", ErrInvalidTransition, j.Status)
	}
	if retry && j.Attempts < j.MaxAttempts {
		j.Status = JobStatusFailed
	} else {
		j.Status = JobStatusDeadLettered
	}
	j.Error = FormatJobError(cerr, j.Attempts, j.MaxAttempts)
	j.ErrorClass = cerr.Class
	j.touch(now)
	return nil
}

// DeadLetter terminates a non-terminal job without running it again.
func (j *Job) DeadLetter(cerr *ClassifiedError, now time.Time) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: job is already %s", ErrInvalidTransition, j.Status)
	}
	j.Status = JobStatusDeadLettered
	j.Error = FormatJobError(cerr, j.Attempts, j.MaxAttempts)
	j.ErrorClass = cerr.Class
	j.touch(now)
	return nil
}

func (j *Job) touch(now time.Time) {
	j.Version++
	j.UpdatedAt = now.UTC()
}

// JobHandle identifies a submitted job and its status at submission time.
type JobHandle struct {
	JobID     uuid.UUID `json:"job_id"`
	Status    JobStatus `json:"status"`
	ResultRef string    `json:"result_ref,omitempty"`
}
