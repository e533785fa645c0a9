package api

import (
	"encoding/json"
	"time"

	"github.com/phrazzld/voxqueue/internal/domain"
)

// SubmitJobRequest defines the payload for POST /api/jobs.
type SubmitJobRequest struct {
	// Payload is the opaque job input; see domain.Payload for the fields
	// the worker reads.
	Payload        json.RawMessage `json:"payload"                   validate:"required"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
	SessionID      string          `json:"session_id,omitempty"      validate:"omitempty,max=255"`
	MaxAttempts    int             `json:"max_attempts,omitempty"    validate:"omitempty,min=1,max=20"`
}

// SubmitJobResponse is returned by POST /api/jobs.
type SubmitJobResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	ResultRef string `json:"result_ref,omitempty"`
}

// JobResponse is returned by GET /api/jobs/{id}.
type JobResponse struct {
	JobID       string    `json:"job_id"`
	Status      string    `json:"status"`
	ResultRef   string    `json:"result_ref,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorClass  string    `json:"error_class,omitempty"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	SessionID   string    `json:"session_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

func jobToResponse(job *domain.Job) JobResponse {
	return JobResponse{
		JobID:       job.ID.String(),
		Status:      string(job.Status),
		ResultRef:   job.ResultRef,
		Error:       job.Error,
		ErrorClass:  string(job.ErrorClass),
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		SessionID:   job.SessionID,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
}

func handleToResponse(handle domain.JobHandle) SubmitJobResponse {
	return SubmitJobResponse{
		JobID:     handle.JobID.String(),
		Status:    string(handle.Status),
		ResultRef: handle.ResultRef,
	}
}
