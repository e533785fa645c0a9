package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/voxqueue/internal/domain"
	"github.com/phrazzld/voxqueue/internal/store"
)

// JobStore is a mutex-guarded map of jobs.
type JobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.Job
	now  func() time.Time
}

var _ store.JobStore = (*JobStore)(nil)

// NewJobStore creates an empty store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[uuid.UUID]*domain.Job),
		now:  time.Now,
	}
}

// SetClock replaces the time source, for tests that age jobs.
func (s *JobStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Len returns the number of stored jobs.
func (s *JobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Enqueue creates a job unless an active one holds the idempotency key.
// onCreate runs under the store lock after the job is stored; if it fails
// the job is removed.
func (s *JobStore) Enqueue(
	ctx context.Context,
	req store.NewJob,
	onCreate store.OnCreateFn,
) (*domain.Job, bool, error) {
	job, err := domain.NewJob(req.Payload, req.IdempotencyKey, req.SessionID, req.MaxAttempts)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.activeByKey(req.IdempotencyKey); existing != nil {
		return existing.Clone(), false, nil
	}

	now := s.now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now

	s.jobs[job.ID] = job
	if onCreate != nil {
		if err := onCreate(ctx, job.Clone()); err != nil {
			delete(s.jobs, job.ID)
			return nil, false, err
		}
	}
	return job.Clone(), true, nil
}

func (s *JobStore) activeByKey(key string) *domain.Job {
	for _, job := range s.jobs {
		if job.IdempotencyKey == key && !job.Status.IsTerminal() {
			return job
		}
	}
	return nil
}

// Get returns a copy of the job.
func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return job.Clone(), nil
}

// FindByIdempotencyKey prefers the active job, then the newest terminal one.
func (s *JobStore) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job := s.activeByKey(key); job != nil {
		return job.Clone(), nil
	}

	var latest *domain.Job
	for _, job := range s.jobs {
		if job.IdempotencyKey != key {
			continue
		}
		if latest == nil || job.CreatedAt.After(latest.CreatedAt) {
			latest = job
		}
	}
	if latest == nil {
		return nil, store.ErrJobNotFound
	}
	return latest.Clone(), nil
}

// Claim starts a new attempt.
func (s *JobStore) Claim(ctx context.Context, id uuid.UUID, expectedVersion int64) (*domain.Job, error) {
	return s.transition(id, expectedVersion, func(job *domain.Job, now time.Time) error {
		return job.Claim(now)
	})
}

// Complete marks a running job succeeded.
func (s *JobStore) Complete(ctx context.Context, id uuid.UUID, expectedVersion int64, resultRef string) (*domain.Job, error) {
	return s.transition(id, expectedVersion, func(job *domain.Job, now time.Time) error {
		return job.Complete(resultRef, now)
	})
}

// Fail records a failed attempt.
func (s *JobStore) Fail(
	ctx context.Context,
	id uuid.UUID,
	expectedVersion int64,
	cerr *domain.ClassifiedError,
	retry bool,
) (*domain.Job, error) {
	return s.transition(id, expectedVersion, func(job *domain.Job, now time.Time) error {
		return job.Fail(cerr, retry, now)
	})
}

// DeadLetter terminates a non-terminal job.
func (s *JobStore) DeadLetter(
	ctx context.Context,
	id uuid.UUID,
	expectedVersion int64,
	cerr *domain.ClassifiedError,
) (*domain.Job, error) {
	return s.transition(id, expectedVersion, func(job *domain.Job, now time.Time) error {
		return job.DeadLetter(cerr, now)
	})
}

func (s *JobStore) transition(
	id uuid.UUID,
	expectedVersion int64,
	apply func(job *domain.Job, now time.Time) error,
) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	if stored.Version != expectedVersion {
		return nil, fmt.Errorf("%w: job %s is at version %d, expected %d",
			domain.ErrLeaseConflict, id, stored.Version, expectedVersion)
	}

	next := stored.Clone()
	if err := apply(next, s.now()); err != nil {
		return nil, err
	}

	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *JobStore) list(olderThan time.Duration, limit int, match func(domain.JobStatus) bool) []*domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var out []*domain.Job
	for _, job := range s.jobs {
		if match(job.Status) && job.UpdatedAt.Before(cutoff) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ListStale returns non-terminal jobs idle for longer than olderThan.
func (s *JobStore) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Job, error) {
	return s.list(olderThan, limit, func(st domain.JobStatus) bool { return !st.IsTerminal() }), nil
}

// ListRecoverable returns pending and failed jobs idle for longer than olderThan.
func (s *JobStore) ListRecoverable(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Job, error) {
	return s.list(olderThan, limit, func(st domain.JobStatus) bool {
		return st == domain.JobStatusPending || st == domain.JobStatusFailed
	}), nil
}

// PurgeTerminal deletes terminal jobs older than olderThan.
func (s *JobStore) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var n int64
	for id, job := range s.jobs {
		if job.Status.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (s *JobStore) Ping(ctx context.Context) error {
	return nil
}
