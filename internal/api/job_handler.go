package api

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/phrazzld/voxqueue/internal/api/shared"
	"github.com/phrazzld/voxqueue/internal/platform/logger"
	"github.com/phrazzld/voxqueue/internal/service"
)

// JobHandler handles job submission and status requests.
type JobHandler struct {
	jobService service.JobService
	validator  *validator.Validate
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(jobService service.JobService) *JobHandler {
	return &JobHandler{
		jobService: jobService,
		validator:  validator.New(),
	}
}

// SubmitJob handles POST /api/jobs. It answers 202 for a new job and 200
// when an existing job owns the idempotency key.
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		message := "Invalid request format"
		if errors.Is(err, shared.ErrRequestTooLarge) {
			message = "Request body too large"
		}
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, message, err)
		return
	}

	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	result, err := h.jobService.Submit(r.Context(), service.SubmitRequest{
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		SessionID:      req.SessionID,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusAccepted
	}
	logger.FromContext(r.Context()).Debug("job submission answered",
		"job_id", result.Handle.JobID,
		"created", result.Created)
	shared.RespondWithJSON(w, r, status, handleToResponse(result.Handle))
}

// GetJob handles GET /api/jobs/{id}.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	job, err := h.jobService.Status(r.Context(), jobID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, jobToResponse(job))
}
