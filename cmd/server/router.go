package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/phrazzld/voxqueue/internal/api"
	apiMiddleware "github.com/phrazzld/voxqueue/internal/api/middleware"
)

// setupRouter registers the health route and, for processes that serve the
// gateway, the job and session routes.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.Trace(app.logger))

	healthHandler := api.NewHealthHandler(app.jobService)
	r.Get("/health", healthHandler.Health)

	if app.hub == nil {
		return r
	}

	jobHandler := api.NewJobHandler(app.jobService)
	sessionHandler := api.NewSessionHandler(app.hub, app.coordinator)

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", jobHandler.SubmitJob)
		r.Get("/jobs/{id}", jobHandler.GetJob)

		r.Get("/sessions/{id}/ws", sessionHandler.Stream)
		r.Put("/sessions/{id}/jobs/{job_id}", sessionHandler.AttachJob)
		r.Delete("/sessions/{id}/jobs/{job_id}", sessionHandler.DetachJob)
	})

	return r
}
