package api

import (
	"net/http"

	"github.com/phrazzld/voxqueue/internal/api/shared"
	"github.com/phrazzld/voxqueue/internal/service"
)

// HealthHandler serves the readiness probe.
type HealthHandler struct {
	jobService service.JobService
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(jobService service.JobService) *HealthHandler {
	return &HealthHandler{jobService: jobService}
}

// Health handles GET /health: 200 when the job store and broker answer,
// 503 with per-component detail otherwise.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.jobService.Health(r.Context())

	status := http.StatusOK
	body := HealthResponse{Status: "ok", Components: report.Components}
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
		body.Status = "unavailable"
	}
	shared.RespondWithJSON(w, r, status, body)
}
