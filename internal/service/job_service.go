package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/phrazzld/voxqueue/internal/broker"
	"github.com/phrazzld/voxqueue/internal/dedup"
	"github.com/phrazzld/voxqueue/internal/domain"
	"github.com/phrazzld/voxqueue/internal/store"
)

// Submission limits.
const (
	MaxIdempotencyKeyLength = 255
	MaxSessionIDLength      = 255
	MaxAttemptsLimit        = 20
)

// Health statuses reported per component.
const (
	HealthOK          = "ok"
	HealthUnavailable = "unavailable"
)

// SubmitRequest is a job submission.
type SubmitRequest struct {
	Payload        json.RawMessage
	IdempotencyKey string
	SessionID      string
	// MaxAttempts of zero selects the configured default.
	MaxAttempts int
}

// SubmitResult is the handle of the job owning the submission. Created is
// false when an existing job was returned.
type SubmitResult struct {
	Handle  domain.JobHandle
	Created bool
}

// HealthReport lists the status of each dependency.
type HealthReport struct {
	Components map[string]string
	Err        error
}

// Healthy reports whether every component answered.
func (r *HealthReport) Healthy() bool {
	return r.Err == nil
}

// SessionAttacher links jobs to sessions.
type SessionAttacher interface {
	Attach(ctx context.Context, sessionID string, jobID uuid.UUID) error
}

// JobService provides the gateway operations.
type JobService interface {
	// Submit validates and admits a job, or returns the job that already
	// owns its idempotency key.
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)

	// Status returns the current state of a job.
	Status(ctx context.Context, jobID uuid.UUID) (*domain.Job, error)

	// Health pings the job store and the broker.
	Health(ctx context.Context) *HealthReport
}

// JobServiceConfig contains submission settings.
type JobServiceConfig struct {
	DefaultMaxAttempts int
	PendingTTL         time.Duration
	// SubmitRate is the sustained submissions per second; zero disables
	// the limit.
	SubmitRate  float64
	SubmitBurst int
}

type jobServiceImpl struct {
	jobs     store.JobStore
	queue    broker.Queue
	cache    dedup.Cache
	sessions SessionAttacher
	limiter  *rate.Limiter
	config   JobServiceConfig
	logger   *slog.Logger
}

// NewJobService creates a JobService. sessions may be nil when the process
// does not serve sessions.
func NewJobService(
	jobs store.JobStore,
	queue broker.Queue,
	cache dedup.Cache,
	sessions SessionAttacher,
	config JobServiceConfig,
	logger *slog.Logger,
) (JobService, error) {
	if jobs == nil {
		return nil, &JobServiceError{Operation: "create_service", Message: "jobs cannot be nil"}
	}
	if queue == nil {
		return nil, &JobServiceError{Operation: "create_service", Message: "queue cannot be nil"}
	}
	if cache == nil {
		return nil, &JobServiceError{Operation: "create_service", Message: "cache cannot be nil"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.DefaultMaxAttempts < 1 {
		config.DefaultMaxAttempts = 1
	}

	limit := rate.Inf
	if config.SubmitRate > 0 {
		limit = rate.Limit(config.SubmitRate)
	}
	burst := config.SubmitBurst
	if burst < 1 {
		burst = 1
	}

	return &jobServiceImpl{
		jobs:     jobs,
		queue:    queue,
		cache:    cache,
		sessions: sessions,
		limiter:  rate.NewLimiter(limit, burst),
		config:   config,
		logger:   logger.With("component", "job_service"),
	}, nil
}

func (s *jobServiceImpl) validate(req *SubmitRequest) error {
	if _, err := domain.ParsePayload(req.Payload); err != nil {
		return domain.NewValidationError("payload", err.Error(), err)
	}
	if len(req.IdempotencyKey) > MaxIdempotencyKeyLength {
		return domain.NewValidationError("idempotency_key", "must be at most 255 characters", nil)
	}
	if len(req.SessionID) > MaxSessionIDLength {
		return domain.NewValidationError("session_id", "must be at most 255 characters", nil)
	}
	if req.MaxAttempts < 0 || req.MaxAttempts > MaxAttemptsLimit {
		return domain.NewValidationError("max_attempts", "must be between 1 and 20", nil)
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.config.DefaultMaxAttempts
	}
	return nil
}

// Submit admits a job. The flow is dedup lookup, admission limit, then a
// store insert followed by the broker push. A failed push removes the job
// again, so no job is left stored without being queued.
func (s *jobServiceImpl) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		contentKey, err := dedup.ContentKey(req.Payload)
		if err != nil {
			return nil, domain.NewValidationError("payload", "payload must be valid JSON", err)
		}
		key = contentKey
	}
	log := s.logger.With("idempotency_key", key)

	if result := s.lookup(ctx, key, log); result != nil {
		s.attach(ctx, req.SessionID, result.Handle.JobID, log)
		return result, nil
	}

	if !s.limiter.Allow() {
		log.WarnContext(ctx, "submission rejected by rate limit")
		return nil, domain.NewCapacityError("submissions", s.limiter.Burst())
	}

	job, created, err := s.jobs.Enqueue(ctx, store.NewJob{
		Payload:        req.Payload,
		IdempotencyKey: key,
		SessionID:      req.SessionID,
		MaxAttempts:    req.MaxAttempts,
	}, func(ctx context.Context, job *domain.Job) error {
		return s.queue.Push(ctx, job.ID)
	})
	if err != nil {
		if errors.Is(err, domain.ErrCapacity) {
			log.WarnContext(ctx, "submission rejected, broker at capacity", "error", err)
		} else {
			log.ErrorContext(ctx, "failed to enqueue job", "error", err)
		}
		return nil, NewJobServiceError("submit", "failed to enqueue job", err)
	}

	if err := s.cache.RememberPending(ctx, key, job.ID, s.config.PendingTTL); err != nil {
		log.WarnContext(ctx, "failed to cache pending job", "job_id", job.ID, "error", err)
	}
	s.attach(ctx, req.SessionID, job.ID, log)

	if created {
		log.InfoContext(ctx, "job submitted", "job_id", job.ID, "max_attempts", job.MaxAttempts)
	} else {
		log.InfoContext(ctx, "duplicate submission, returning existing job",
			"job_id", job.ID, "status", job.Status)
	}
	return &SubmitResult{Handle: job.Handle(), Created: created}, nil
}

// lookup consults the dedup cache. A cached result is returned as is; a
// pending entry is confirmed against the store. Cache failures are misses.
func (s *jobServiceImpl) lookup(ctx context.Context, key string, log *slog.Logger) *SubmitResult {
	entry, err := s.cache.Lookup(ctx, key)
	if err != nil {
		log.WarnContext(ctx, "dedup lookup failed", "error", err)
		return nil
	}
	if entry == nil {
		return nil
	}

	if entry.Status == domain.JobStatusSucceeded {
		log.DebugContext(ctx, "returning cached result", "job_id", entry.JobID)
		return &SubmitResult{Handle: entry.Handle()}
	}

	job, err := s.jobs.Get(ctx, entry.JobID)
	if err != nil {
		if !errors.Is(err, store.ErrJobNotFound) {
			log.WarnContext(ctx, "failed to confirm cached job", "job_id", entry.JobID, "error", err)
		}
		return nil
	}
	if job.Status == domain.JobStatusDeadLettered {
		return nil
	}

	log.DebugContext(ctx, "returning cached job", "job_id", job.ID, "status", job.Status)
	return &SubmitResult{Handle: job.Handle()}
}

func (s *jobServiceImpl) attach(ctx context.Context, sessionID string, jobID uuid.UUID, log *slog.Logger) {
	if sessionID == "" || s.sessions == nil {
		return
	}
	err := s.sessions.Attach(ctx, sessionID, jobID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrSessionNotFound), errors.Is(err, domain.ErrSessionGone):
		// The job still notifies its submitting session if it connects.
		log.DebugContext(ctx, "session not attachable", "session_id", sessionID, "job_id", jobID, "error", err)
	default:
		log.WarnContext(ctx, "failed to attach job to session",
			"session_id", sessionID, "job_id", jobID, "error", err)
	}
}

// Status returns the job with the given ID.
func (s *jobServiceImpl) Status(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		if !errors.Is(err, store.ErrJobNotFound) {
			s.logger.ErrorContext(ctx, "failed to load job", "job_id", jobID, "error", err)
		}
		return nil, NewJobServiceError("status", "failed to load job", err)
	}
	return job, nil
}

// Health pings the job store and the broker.
func (s *jobServiceImpl) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{Components: make(map[string]string, 2)}
	var errs []error

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			s.logger.WarnContext(ctx, "health check failed", "dependency", name, "error", err)
			report.Components[name] = HealthUnavailable
			errs = append(errs, &JobServiceError{Operation: "health", Message: name + " ping failed", Err: err})
			return
		}
		report.Components[name] = HealthOK
	}
	check("job_store", s.jobs.Ping)
	check("broker", s.queue.Ping)

	report.Err = errors.Join(errs...)
	return report
}
