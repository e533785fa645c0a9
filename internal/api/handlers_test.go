package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/voxqueue/internal/domain"
	"github.com/phrazzld/voxqueue/internal/service"
	"github.com/phrazzld/voxqueue/internal/store"
)

// mockJobService is a mock implementation of service.JobService.
type mockJobService struct {
	submitFn func(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error)
	statusFn func(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	healthFn func(ctx context.Context) *service.HealthReport
}

func (m *mockJobService) Submit(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error) {
	return m.submitFn(ctx, req)
}

func (m *mockJobService) Status(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return m.statusFn(ctx, id)
}

func (m *mockJobService) Health(ctx context.Context) *service.HealthReport {
	return m.healthFn(ctx)
}

type fakeStreamer struct {
	sessionID string
}

func (s *fakeStreamer) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	s.sessionID = sessionID
	w.WriteHeader(http.StatusOK)
}

type fakeSessionJobs struct {
	err      error
	attached map[string]uuid.UUID
	detached map[string]uuid.UUID
}

func (f *fakeSessionJobs) Attach(ctx context.Context, sessionID string, jobID uuid.UUID) error {
	if f.err != nil {
		return f.err
	}
	f.attached[sessionID] = jobID
	return nil
}

func (f *fakeSessionJobs) Detach(ctx context.Context, sessionID string, jobID uuid.UUID) error {
	if f.err != nil {
		return f.err
	}
	f.detached[sessionID] = jobID
	return nil
}

func newTestRouter(svc service.JobService, streamer SessionStreamer, sessions SessionJobs) http.Handler {
	jobs := NewJobHandler(svc)
	health := NewHealthHandler(svc)
	sessionHandler := NewSessionHandler(streamer, sessions)

	r := chi.NewRouter()
	r.Get("/health", health.Health)
	r.Post("/api/jobs", jobs.SubmitJob)
	r.Get("/api/jobs/{id}", jobs.GetJob)
	r.Get("/api/sessions/{id}/ws", sessionHandler.Stream)
	r.Put("/api/sessions/{id}/jobs/{job_id}", sessionHandler.AttachJob)
	r.Delete("/api/sessions/{id}/jobs/{job_id}", sessionHandler.DetachJob)
	return r
}

func TestSubmitJob(t *testing.T) {
	jobID := uuid.New()

	tests := []struct {
		name           string
		body           string
		result         *service.SubmitResult
		serviceErr     error
		expectedStatus int
		expectedError  string
	}{
		{
			name: "new job",
			body: `{"payload":{"prompt":"hello"},"idempotency_key":"k1","max_attempts":3}`,
			result: &service.SubmitResult{
				Handle:  domain.JobHandle{JobID: jobID, Status: domain.JobStatusPending},
				Created: true,
			},
			expectedStatus: http.StatusAccepted,
		},
		{
			name: "existing job",
			body: `{"payload":{"prompt":"hello"},"idempotency_key":"k1"}`,
			result: &service.SubmitResult{
				Handle: domain.JobHandle{JobID: jobID, Status: domain.JobStatusRunning},
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "malformed body",
			body:           `{"payload":`,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "Invalid request format",
		},
		{
			name:           "missing payload",
			body:           `{"idempotency_key":"k1"}`,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "Invalid Payload: required field",
		},
		{
			name:           "attempts out of range",
			body:           `{"payload":{"prompt":"x"},"max_attempts":99}`,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "Invalid MaxAttempts: too large",
		},
		{
			name:           "service validation",
			body:           `{"payload":{"kind":"text"}}`,
			serviceErr:     domain.NewValidationError("payload", "prompt is required", domain.ErrInvalidPayload),
			expectedStatus: http.StatusBadRequest,
			expectedError:  "Invalid payload",
		},
		{
			name:           "capacity",
			body:           `{"payload":{"prompt":"x"}}`,
			serviceErr:     domain.NewCapacityError("broker", 100),
			expectedStatus: http.StatusServiceUnavailable,
			expectedError:  "Service is at capacity, retry later",
		},
		{
			name:           "internal failure",
			body:           `{"payload":{"prompt":"x"}}`,
			serviceErr:     &service.JobServiceError{Operation: "submit", Message: "failed", Err: errors.New("db down")},
			expectedStatus: http.StatusInternalServerError,
			expectedError:  "An unexpected error occurred",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got service.SubmitRequest
			svc := &mockJobService{
				submitFn: func(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error) {
					got = req
					return tc.result, tc.serviceErr
				},
			}
			router := newTestRouter(svc, &fakeStreamer{}, &fakeSessionJobs{})

			req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewBufferString(tc.body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tc.expectedStatus, w.Code)
			if tc.expectedError != "" {
				var body map[string]any
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				assert.Equal(t, tc.expectedError, body["error"])
				return
			}

			var body SubmitJobResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, jobID.String(), body.JobID)
			assert.Equal(t, string(tc.result.Handle.Status), body.Status)
			assert.JSONEq(t, `{"prompt":"hello"}`, string(got.Payload))
			assert.Equal(t, "k1", got.IdempotencyKey)
		})
	}
}

func TestSubmitJobBodyTooLarge(t *testing.T) {
	svc := &mockJobService{}
	router := newTestRouter(svc, &fakeStreamer{}, &fakeSessionJobs{})

	body := `{"payload":{"prompt":"` + strings.Repeat("x", 2<<20) + `"}}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Request body too large")
}

func TestGetJob(t *testing.T) {
	jobID := uuid.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	svc := &mockJobService{
		statusFn: func(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
			if id != jobID {
				return nil, service.ErrJobNotFound
			}
			return &domain.Job{
				ID:          jobID,
				Status:      domain.JobStatusDeadLettered,
				Error:       "permanent: content blocked (attempt 1/3)",
				ErrorClass:  domain.ErrorClassPermanent,
				Attempts:    1,
				MaxAttempts: 3,
				CreatedAt:   now,
				UpdatedAt:   now,
			}, nil
		},
	}
	router := newTestRouter(svc, &fakeStreamer{}, &fakeSessionJobs{})

	t.Run("found", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobID.String(), nil))

		require.Equal(t, http.StatusOK, w.Code)
		var body JobResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "dead_lettered", body.Status)
		assert.Equal(t, "permanent", body.ErrorClass)
		assert.Equal(t, "permanent: content blocked (attempt 1/3)", body.Error)
		assert.Equal(t, 1, body.Attempts)
		assert.Equal(t, 3, body.MaxAttempts)
		assert.Empty(t, body.ResultRef)
	})

	t.Run("not found", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs/"+uuid.NewString(), nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid id", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs/nope", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name           string
		report         *service.HealthReport
		expectedStatus int
		expectedBody   string
	}{
		{
			name: "healthy",
			report: &service.HealthReport{
				Components: map[string]string{"job_store": "ok", "broker": "ok"},
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `{"status":"ok","components":{"job_store":"ok","broker":"ok"}}`,
		},
		{
			name: "broker down",
			report: &service.HealthReport{
				Components: map[string]string{"job_store": "ok", "broker": "unavailable"},
				Err:        errors.New("broker ping failed"),
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   `{"status":"unavailable","components":{"job_store":"ok","broker":"unavailable"}}`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockJobService{
				healthFn: func(ctx context.Context) *service.HealthReport { return tc.report },
			}
			router := newTestRouter(svc, &fakeStreamer{}, &fakeSessionJobs{})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tc.expectedStatus, w.Code)
			assert.JSONEq(t, tc.expectedBody, w.Body.String())
		})
	}
}

func TestSessionRoutes(t *testing.T) {
	jobID := uuid.New()

	t.Run("stream passes the session id", func(t *testing.T) {
		streamer := &fakeStreamer{}
		router := newTestRouter(&mockJobService{}, streamer, &fakeSessionJobs{})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions/call-7/ws", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "call-7", streamer.sessionID)
	})

	t.Run("attach and detach", func(t *testing.T) {
		sessions := &fakeSessionJobs{attached: map[string]uuid.UUID{}, detached: map[string]uuid.UUID{}}
		router := newTestRouter(&mockJobService{}, &fakeStreamer{}, sessions)
		path := "/api/sessions/call-7/jobs/" + jobID.String()

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPut, path, nil))
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, jobID, sessions.attached["call-7"])

		w = httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, path, nil))
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, jobID, sessions.detached["call-7"])
	})

	t.Run("errors map to status codes", func(t *testing.T) {
		tests := []struct {
			err      error
			expected int
		}{
			{store.ErrSessionNotFound, http.StatusNotFound},
			{domain.ErrSessionGone, http.StatusGone},
			{store.ErrJobNotFound, http.StatusNotFound},
		}
		for _, tc := range tests {
			router := newTestRouter(&mockJobService{}, &fakeStreamer{}, &fakeSessionJobs{err: tc.err})
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/sessions/s/jobs/"+jobID.String(), nil))
			assert.Equal(t, tc.expected, w.Code, "error %v", tc.err)
		}
	})

	t.Run("invalid job id", func(t *testing.T) {
		router := newTestRouter(&mockJobService{}, &fakeStreamer{}, &fakeSessionJobs{})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/sessions/s/jobs/bad", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
