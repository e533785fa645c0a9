package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/phrazzld/voxqueue/internal/api/shared"
	"github.com/phrazzld/voxqueue/internal/service"
)

// SessionStreamer serves a session's websocket.
type SessionStreamer interface {
	ServeSession(w http.ResponseWriter, r *http.Request, sessionID string)
}

// SessionJobs attaches and detaches jobs.
type SessionJobs interface {
	Attach(ctx context.Context, sessionID string, jobID uuid.UUID) error
	Detach(ctx context.Context, sessionID string, jobID uuid.UUID) error
}

// SessionHandler handles session transport and attachment requests.
type SessionHandler struct {
	streamer SessionStreamer
	sessions SessionJobs
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(streamer SessionStreamer, sessions SessionJobs) *SessionHandler {
	return &SessionHandler{streamer: streamer, sessions: sessions}
}

// Stream handles GET /api/sessions/{id}/ws.
func (h *SessionHandler) Stream(w http.ResponseWriter, r *http.Request) {
	sessionID, err := getPathString(r, "id", service.MaxSessionIDLength)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	h.streamer.ServeSession(w, r, sessionID)
}

// AttachJob handles PUT /api/sessions/{id}/jobs/{job_id}.
func (h *SessionHandler) AttachJob(w http.ResponseWriter, r *http.Request) {
	h.updateAttachment(w, r, h.sessions.Attach)
}

// DetachJob handles DELETE /api/sessions/{id}/jobs/{job_id}. The job keeps
// running.
func (h *SessionHandler) DetachJob(w http.ResponseWriter, r *http.Request) {
	h.updateAttachment(w, r, h.sessions.Detach)
}

func (h *SessionHandler) updateAttachment(
	w http.ResponseWriter,
	r *http.Request,
	apply func(ctx context.Context, sessionID string, jobID uuid.UUID) error,
) {
	sessionID, err := getPathString(r, "id", service.MaxSessionIDLength)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	jobID, err := getPathUUID(r, "job_id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	if err := apply(r.Context(), sessionID, jobID); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
