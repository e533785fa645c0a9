package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/voxqueue/internal/domain"
)

// Event types.
const (
	TypeJobSucceeded    = "job.succeeded"
	TypeJobDeadLettered = "job.dead_lettered"
	TypeJobRetrying     = "job.retrying"
)

// JobEvent describes a job outcome.
type JobEvent struct {
	ID         uuid.UUID         `json:"id"`
	Type       string            `json:"type"`
	JobID      uuid.UUID         `json:"job_id"`
	SessionID  string            `json:"session_id,omitempty"`
	Status     domain.JobStatus  `json:"status"`
	ResultRef  string            `json:"result_ref,omitempty"`
	Error      string            `json:"error,omitempty"`
	ErrorClass domain.ErrorClass `json:"error_class,omitempty"`
	Attempts   int               `json:"attempts"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// NewJobEvent builds the event matching the job's current status.
func NewJobEvent(job *domain.Job) *JobEvent {
	eventType := TypeJobRetrying
	switch job.Status {
	case domain.JobStatusSucceeded:
		eventType = TypeJobSucceeded
	case domain.JobStatusDeadLettered:
		eventType = TypeJobDeadLettered
	}

	return &JobEvent{
		ID:         uuid.New(),
		Type:       eventType,
		JobID:      job.ID,
		SessionID:  job.SessionID,
		Status:     job.Status,
		ResultRef:  job.ResultRef,
		Error:      job.Error,
		ErrorClass: job.ErrorClass,
		Attempts:   job.Attempts,
		OccurredAt: time.Now().UTC(),
	}
}

// Terminal reports whether the event carries a final outcome.
func (e *JobEvent) Terminal() bool {
	return e.Status.IsTerminal()
}

// ForSession returns a copy addressed to sessionID.
func (e *JobEvent) ForSession(sessionID string) *JobEvent {
	c := *e
	c.SessionID = sessionID
	return &c
}

// EventHandler processes job events.
type EventHandler interface {
	HandleEvent(ctx context.Context, event *JobEvent) error
}

// EventEmitter publishes job events to registered handlers.
type EventEmitter interface {
	EmitEvent(ctx context.Context, event *JobEvent) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, event *JobEvent) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, event *JobEvent) error {
	return f(ctx, event)
}
