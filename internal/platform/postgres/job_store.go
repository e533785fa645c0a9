package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/voxqueue/internal/domain"
	"github.com/phrazzld/voxqueue/internal/platform/logger"
	"github.com/phrazzld/voxqueue/internal/store"
)

const jobColumns = `id, idempotency_key, payload, status, attempts, max_attempts,
	result_ref, error, error_class, session_id, version, created_at, updated_at`

const (
	insertJobSQL = `
		INSERT INTO jobs (id, idempotency_key, payload, status, attempts, max_attempts,
			session_id, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) WHERE status NOT IN ('succeeded', 'dead_lettered')
		DO NOTHING`

	selectJobSQL = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	selectActiveByKeySQL = `SELECT ` + jobColumns + ` FROM jobs
		WHERE idempotency_key = $1 AND status NOT IN ('succeeded', 'dead_lettered')`

	selectLatestByKeySQL = `SELECT ` + jobColumns + ` FROM jobs
		WHERE idempotency_key = $1
		ORDER BY (status NOT IN ('succeeded', 'dead_lettered')) DESC, created_at DESC
		LIMIT 1`

	// updateJobSQL writes a transition computed by the domain model. The
	// version predicate makes it a compare-and-swap.
	updateJobSQL = `
		UPDATE jobs
		SET status = $3, attempts = $4, result_ref = $5, error = $6, error_class = $7,
			version = $8, updated_at = $9
		WHERE id = $1 AND version = $2`

	listStaleSQL = `SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('pending', 'running', 'failed') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`

	listRecoverableSQL = `SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('pending', 'failed') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`

	deleteUnclaimedJobSQL = `DELETE FROM jobs WHERE id = $1 AND status = 'pending' AND attempts = 0`

	purgeTerminalSQL = `DELETE FROM jobs
		WHERE status IN ('succeeded', 'dead_lettered') AND updated_at < $1`
)

// enqueueAttempts bounds the insert/lookup loop when the conflicting job
// becomes terminal between the two statements.
const enqueueAttempts = 3

// JobStore implements store.JobStore on PostgreSQL.
type JobStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Ensure JobStore implements store.JobStore.
var _ store.JobStore = (*JobStore)(nil)

// NewJobStore creates a JobStore on db.
func NewJobStore(db *sql.DB, logger *slog.Logger) *JobStore {
	return &JobStore{
		db:     db,
		logger: logger.With("component", "job_store"),
		now:    time.Now,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job                                   domain.Job
		payload                               []byte
		resultRef, errMsg, errClass, sessionID sql.NullString
	)

	err := row.Scan(
		&job.ID,
		&job.IdempotencyKey,
		&payload,
		&job.Status,
		&job.Attempts,
		&job.MaxAttempts,
		&resultRef,
		&errMsg,
		&errClass,
		&sessionID,
		&job.Version,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Payload = payload
	job.ResultRef = resultRef.String
	job.Error = errMsg.String
	job.ErrorClass = domain.ErrorClass(errClass.String)
	job.SessionID = sessionID.String
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*domain.Job, error) {
	defer func() { _ = rows.Close() }()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, MapError(err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return jobs, nil
}

// Enqueue inserts a pending job, relying on the partial unique index to
// collapse concurrent submissions with the same idempotency key. onCreate
// runs once the row is committed, so a worker leasing the job can read it.
// If onCreate fails the row is deleted again.
func (s *JobStore) Enqueue(
	ctx context.Context,
	req store.NewJob,
	onCreate store.OnCreateFn,
) (*domain.Job, bool, error) {
	log := logger.FromContext(ctx)

	job, err := domain.NewJob(req.Payload, req.IdempotencyKey, req.SessionID, req.MaxAttempts)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	for attempt := 0; attempt < enqueueAttempts; attempt++ {
		var (
			existing *domain.Job
			created  bool
		)

		err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, insertJobSQL,
				job.ID,
				job.IdempotencyKey,
				[]byte(job.Payload),
				string(job.Status),
				job.Attempts,
				job.MaxAttempts,
				nullString(job.SessionID),
				job.Version,
				job.CreatedAt,
				job.UpdatedAt,
			)
			if err != nil {
				return MapError(err)
			}

			rows, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get rows affected: %w", err)
			}

			if rows == 1 {
				created = true
				return nil
			}

			existing, err = scanJob(tx.QueryRowContext(ctx, selectActiveByKeySQL, job.IdempotencyKey))
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrJobNotFound
			}
			return MapError(err)
		})

		switch {
		case err == nil && created:
			if onCreate != nil {
				if err := onCreate(ctx, job.Clone()); err != nil {
					s.discard(ctx, job.ID)
					return nil, false, err
				}
			}
			log.Debug("job enqueued", "job_id", job.ID, "idempotency_key", job.IdempotencyKey)
			return job, true, nil
		case err == nil:
			log.Debug("idempotency key collision, returning existing job",
				"job_id", existing.ID,
				"idempotency_key", job.IdempotencyKey)
			return existing, false, nil
		case created || !errors.Is(err, store.ErrJobNotFound):
			return nil, false, err
		}
	}

	return nil, false, store.NewStoreError("job", "enqueue",
		"idempotency key kept changing state", store.ErrUpdateFailed)
}

// discard removes a job whose onCreate hook failed. A row that cannot be
// removed stays pending and is pushed again by the sweeper's recovery.
func (s *JobStore) discard(ctx context.Context, id uuid.UUID) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.db.ExecContext(ctx, deleteUnclaimedJobSQL, id); err != nil {
		logger.FromContext(ctx).Error("failed to discard unqueued job", "job_id", id, "error", err)
	}
}

// Get returns a job by ID.
func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, selectJobSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrJobNotFound
	}
	if err != nil {
		return nil, MapError(err)
	}
	return job, nil
}

// FindByIdempotencyKey prefers the active job for key, then the newest terminal one.
func (s *JobStore) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, selectLatestByKeySQL, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrJobNotFound
	}
	if err != nil {
		return nil, MapError(err)
	}
	return job, nil
}

// Claim starts a new attempt.
func (s *JobStore) Claim(ctx context.Context, id uuid.UUID, expectedVersion int64) (*domain.Job, error) {
	return s.transition(ctx, "claim", id, expectedVersion, func(job *domain.Job, now time.Time) error {
		return job.Claim(now)
	})
}

// Complete marks a running job succeeded.
func (s *JobStore) Complete(
	ctx context.Context,
	id uuid.UUID,
	expectedVersion int64,
	resultRef string,
) (*domain.Job, error) {
	return s.transition(ctx, "complete", id, expectedVersion, func(job *domain.Job, now time.Time) error {
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
	return s.transition(ctx, "fail", id, expectedVersion, func(job *domain.Job, now time.Time) error {
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
	return s.transition(ctx, "dead_letter", id, expectedVersion, func(job *domain.Job, now time.Time) error {
		return job.DeadLetter(cerr, now)
	})
}

// transition loads the job, applies a domain transition and writes it back
// only if nobody else changed the job in between.
func (s *JobStore) transition(
	ctx context.Context,
	op string,
	id uuid.UUID,
	expectedVersion int64,
	apply func(job *domain.Job, now time.Time) error,
) (*domain.Job, error) {
	log := logger.FromContext(ctx)

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if job.Version != expectedVersion {
		return nil, fmt.Errorf("%w: job %s is at version %d, expected %d",
			domain.ErrLeaseConflict, id, job.Version, expectedVersion)
	}

	if err := apply(job, s.now()); err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, updateJobSQL,
		job.ID,
		expectedVersion,
		string(job.Status),
		job.Attempts,
		nullString(job.ResultRef),
		nullString(job.Error),
		nullString(string(job.ErrorClass)),
		job.Version,
		job.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to write job transition",
			"job_id", id,
			"operation", op,
			"error", err)
		return nil, store.NewStoreError("job", op, "update failed", MapError(err))
	}

	conflict := fmt.Errorf("%w: job %s changed concurrently", domain.ErrLeaseConflict, id)
	if err := CheckRowsAffected(res, conflict); err != nil {
		return nil, err
	}

	log.Debug("job transitioned",
		"job_id", id,
		"operation", op,
		"status", job.Status,
		"attempts", job.Attempts,
		"version", job.Version)
	return job, nil
}

// ListStale returns non-terminal jobs idle for longer than olderThan.
func (s *JobStore) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, listStaleSQL, s.now().Add(-olderThan).UTC(), limit)
	if err != nil {
		return nil, MapError(err)
	}
	return scanJobs(rows)
}

// ListRecoverable returns pending and failed jobs idle for longer than olderThan.
func (s *JobStore) ListRecoverable(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, listRecoverableSQL, s.now().Add(-olderThan).UTC(), limit)
	if err != nil {
		return nil, MapError(err)
	}
	return scanJobs(rows)
}

// PurgeTerminal deletes terminal jobs older than olderThan and returns the count.
func (s *JobStore) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, purgeTerminalSQL, s.now().Add(-olderThan).UTC())
	if err != nil {
		return 0, MapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("purged terminal jobs", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// Ping checks database connectivity.
func (s *JobStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
