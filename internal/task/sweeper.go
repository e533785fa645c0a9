package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/voxqueue/internal/broker"
	"github.com/phrazzld/voxqueue/internal/dedup"
	"github.com/phrazzld/voxqueue/internal/domain"
	"github.com/phrazzld/voxqueue/internal/events"
	"github.com/phrazzld/voxqueue/internal/store"
)

// SessionReaper closes and deletes idle sessions.
type SessionReaper interface {
	Reap(ctx context.Context, now time.Time) (int, error)
}

// SweeperConfig holds configuration for the sweeper
type SweeperConfig struct {
	// Interval between sweeps.
	Interval time.Duration

	// MaxJobAge is how long a non-terminal job may go without an update
	// before it is dead-lettered as expired.
	MaxJobAge time.Duration

	// RequeueAfter is how long a pending or retrying job may sit idle before
	// it is pushed to the broker again.
	RequeueAfter time.Duration

	// Retention is how long terminal jobs are kept.
	Retention time.Duration

	// BatchSize bounds the jobs handled per step of a sweep.
	BatchSize int
}

// Sweeper runs periodic job and session maintenance.
type Sweeper struct {
	jobs    store.JobStore
	queue   broker.Queue
	cache   dedup.Cache
	emitter events.EventEmitter
	reaper  SessionReaper
	config  SweeperConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewSweeper creates a sweeper. reaper may be nil when sessions are not
// managed by this process.
func NewSweeper(
	jobs store.JobStore,
	queue broker.Queue,
	cache dedup.Cache,
	emitter events.EventEmitter,
	reaper SessionReaper,
	config SweeperConfig,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		jobs:    jobs,
		queue:   queue,
		cache:   cache,
		emitter: emitter,
		reaper:  reaper,
		config:  config,
		logger:  logger.With("component", "sweeper"),
		now:     time.Now,
	}
}

// Run recovers lost work once, then sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if _, err := s.Recover(ctx); err != nil {
		s.logger.Error("startup recovery failed", "error", err)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one maintenance pass. Each step runs even if an earlier one
// fails; the errors are joined.
func (s *Sweeper) Sweep(ctx context.Context) error {
	var errs []error

	if _, err := s.ExpireStale(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.Recover(ctx); err != nil {
		errs = append(errs, err)
	}

	purged, err := s.jobs.PurgeTerminal(ctx, s.config.Retention)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to purge terminal jobs: %w", err))
	} else if purged > 0 {
		s.logger.Info("purged terminal jobs", "count", purged)
	}

	if s.reaper != nil {
		reaped, err := s.reaper.Reap(ctx, s.now())
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to reap sessions: %w", err))
		} else if reaped > 0 {
			s.logger.Info("reaped sessions", "count", reaped)
		}
	}

	return errors.Join(errs...)
}

// ExpireStale dead-letters non-terminal jobs older than MaxJobAge and
// removes them from the broker.
func (s *Sweeper) ExpireStale(ctx context.Context) (int, error) {
	stale, err := s.jobs.ListStale(ctx, s.config.MaxJobAge, s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	expired := 0
	for _, job := range stale {
		logger := s.logger.With("job_id", job.ID, "status", job.Status)

		cause := domain.Expired("sweeper",
			fmt.Errorf("no progress for %s", s.config.MaxJobAge))
		dead, err := s.jobs.DeadLetter(ctx, job.ID, job.Version, cause)
		if err != nil {
			if errors.Is(err, domain.ErrLeaseConflict) || errors.Is(err, domain.ErrInvalidTransition) {
				logger.Debug("stale job changed, skipping", "error", err)
				continue
			}
			logger.Error("failed to expire stale job", "error", err)
			continue
		}

		if err := s.queue.Remove(ctx, job.ID); err != nil {
			logger.Warn("failed to remove expired job from broker", "error", err)
		}
		releaseDeadLetter(ctx, s.cache, s.emitter, dead, logger)
		logger.Warn("expired stale job")
		expired++
	}

	return expired, nil
}

// Recover pushes pending and retrying jobs that have been idle longer than
// RequeueAfter. Push is a no-op for jobs the broker still holds.
func (s *Sweeper) Recover(ctx context.Context) (int, error) {
	jobs, err := s.jobs.ListRecoverable(ctx, s.config.RequeueAfter, s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list recoverable jobs: %w", err)
	}

	pushed := 0
	for _, job := range jobs {
		if err := s.queue.Push(ctx, job.ID); err != nil {
			if errors.Is(err, domain.ErrCapacity) {
				s.logger.Warn("broker full, stopping recovery", "remaining", len(jobs)-pushed)
				break
			}
			s.logger.Error("failed to requeue job", "job_id", job.ID, "error", err)
			continue
		}
		pushed++
	}

	if len(jobs) > 0 {
		s.logger.Info("recovered idle jobs", "candidates", len(jobs), "pushed", pushed)
	}
	return pushed, nil
}
