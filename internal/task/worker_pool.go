package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/voxqueue/internal/broker"
	"github.com/phrazzld/voxqueue/internal/dedup"
	"github.com/phrazzld/voxqueue/internal/domain"
	"github.com/phrazzld/voxqueue/internal/events"
	"github.com/phrazzld/voxqueue/internal/store"
)

// errBrokerRetryDelay is how long a worker pauses after a broker error
// before leasing again.
const errBrokerRetryDelay = time.Second

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// WorkerCount determines how many concurrent workers lease jobs.
	// If zero or negative, defaults to 1.
	WorkerCount int

	// VisibilityTimeout is the lease length. Leases are renewed every third
	// of it while an attempt runs.
	VisibilityTimeout time.Duration

	// Backoff spaces out retries of transient failures.
	Backoff Backoff
}

// WorkerPool leases jobs and runs them through the stages.
type WorkerPool struct {
	jobs    store.JobStore
	queue   broker.Queue
	cache   dedup.Cache
	emitter events.EventEmitter
	stages  []Stage
	config  WorkerPoolConfig
	logger  *slog.Logger
}

// NewWorkerPool creates a worker pool. Stages run in the given order.
func NewWorkerPool(
	jobs store.JobStore,
	queue broker.Queue,
	cache dedup.Cache,
	emitter events.EventEmitter,
	stages []Stage,
	config WorkerPoolConfig,
	logger *slog.Logger,
) *WorkerPool {
	if config.WorkerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
		config.WorkerCount = 1
	}

	return &WorkerPool{
		jobs:    jobs,
		queue:   queue,
		cache:   cache,
		emitter: emitter,
		stages:  stages,
		config:  config,
		logger:  logger.With("component", "worker_pool"),
	}
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight attempt has finished.
func (p *WorkerPool) Run(ctx context.Context) error {
	p.logger.Info("starting workers", "count", p.config.WorkerCount)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.WorkerCount; i++ {
		id := i
		g.Go(func() error {
			p.worker(ctx, id)
			return nil
		})
	}

	err := g.Wait()
	p.logger.Info("workers stopped")
	return err
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	logger := p.logger.With("worker_id", id)
	logger.Debug("starting worker")

	for {
		if ctx.Err() != nil {
			logger.Debug("stopping worker")
			return
		}

		lease, err := p.queue.Lease(ctx, p.config.VisibilityTimeout)
		switch {
		case err == nil:
			// Attempts are not cut short by shutdown; Run waits for them.
			p.process(context.WithoutCancel(ctx), lease, logger)
		case errors.Is(err, broker.ErrNoJob):
		case ctx.Err() != nil:
		default:
			logger.Error("failed to lease job", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(errBrokerRetryDelay):
			}
		}
	}
}

// process handles one delivery of a job.
func (p *WorkerPool) process(ctx context.Context, lease *broker.Lease, workerLogger *slog.Logger) {
	logger := workerLogger.With("job_id", lease.JobID)

	job, err := p.jobs.Get(ctx, lease.JobID)
	if errors.Is(err, store.ErrJobNotFound) {
		logger.Warn("leased job no longer exists, dropping")
		p.ack(ctx, lease, logger)
		return
	}
	if err != nil {
		logger.Error("failed to load leased job", "error", err)
		p.nack(ctx, lease, p.config.Backoff.Delay(1), logger)
		return
	}

	if job.Status.IsTerminal() {
		// A previous delivery finished the job but its ack was lost.
		logger.Info("job already finished, acknowledging", "status", job.Status)
		emitOutcome(ctx, p.emitter, job, logger)
		p.ack(ctx, lease, logger)
		return
	}

	claimed, err := p.jobs.Claim(ctx, job.ID, job.Version)
	switch {
	case errors.Is(err, domain.ErrAttemptsExhausted):
		p.deadLetterExhausted(ctx, lease, job, logger)
		return
	case errors.Is(err, domain.ErrLeaseConflict):
		logger.Debug("job changed before claim, dropping delivery")
		return
	case err != nil:
		logger.Error("failed to claim job", "error", err)
		p.nack(ctx, lease, p.config.Backoff.Delay(1), logger)
		return
	}

	logger = logger.With("attempt", claimed.Attempts, "max_attempts", claimed.MaxAttempts)
	logger.Info("processing job")

	runCtx, cancel := context.WithCancelCause(ctx)
	heartbeatDone := make(chan struct{})
	go p.heartbeat(runCtx, lease, cancel, heartbeatDone, logger)

	ex := &Execution{Job: claimed, Logger: logger}
	start := time.Now()
	runErr := runStages(runCtx, p.stages, ex)

	cancel(nil)
	<-heartbeatDone

	if errors.Is(context.Cause(runCtx), broker.ErrLeaseLost) {
		logger.Warn("lease lost during attempt, abandoning delivery")
		return
	}

	if runErr == nil {
		logger.Info("job completed",
			"result_ref", ex.ResultRef,
			"duration_ms", time.Since(start).Milliseconds())
		p.ack(ctx, lease, logger)
		return
	}

	if errors.Is(runErr, domain.ErrLeaseConflict) {
		logger.Warn("job changed during attempt, acknowledging", "error", runErr)
		p.ack(ctx, lease, logger)
		return
	}

	p.recordFailure(ctx, lease, claimed, runErr, logger)
}

// recordFailure stores a failed attempt and either schedules the retry or
// finalises the dead-lettered job.
func (p *WorkerPool) recordFailure(
	ctx context.Context,
	lease *broker.Lease,
	claimed *domain.Job,
	runErr error,
	logger *slog.Logger,
) {
	cerr := domain.Classify("pipeline", runErr)
	failed, err := p.jobs.Fail(ctx, claimed.ID, claimed.Version, cerr, cerr.Class.Retryable())
	if err != nil {
		if errors.Is(err, domain.ErrLeaseConflict) {
			logger.Warn("job changed before failure was recorded, acknowledging", "error", err)
			p.ack(ctx, lease, logger)
			return
		}
		// The lease expires and the running job is claimed again.
		logger.Error("failed to record job failure", "error", err, "cause", runErr)
		return
	}

	if failed.Status == domain.JobStatusFailed {
		delay := p.config.Backoff.Delay(failed.Attempts)
		logger.Warn("job attempt failed, retrying",
			"stage", cerr.Stage,
			"error_class", cerr.Class,
			"error", cerr.Err,
			"retry_in", delay)
		emitOutcome(ctx, p.emitter, failed, logger)
		p.nack(ctx, lease, delay, logger)
		return
	}

	logger.Error("job dead-lettered",
		"stage", cerr.Stage,
		"error_class", cerr.Class,
		"error", cerr.Err)
	p.finishDeadLetter(ctx, failed, logger)
	p.ack(ctx, lease, logger)
}

func (p *WorkerPool) deadLetterExhausted(ctx context.Context, lease *broker.Lease, job *domain.Job, logger *slog.Logger) {
	cause := domain.Permanent("claim",
		fmt.Errorf("%w after %d attempts", domain.ErrAttemptsExhausted, job.Attempts))
	dead, err := p.jobs.DeadLetter(ctx, job.ID, job.Version, cause)
	if err != nil {
		if errors.Is(err, domain.ErrLeaseConflict) || errors.Is(err, domain.ErrInvalidTransition) {
			logger.Debug("job changed before dead-lettering, dropping delivery", "error", err)
			return
		}
		logger.Error("failed to dead-letter exhausted job", "error", err)
		return
	}

	logger.Error("job exhausted its attempts, dead-lettered", "attempts", dead.Attempts)
	p.finishDeadLetter(ctx, dead, logger)
	p.ack(ctx, lease, logger)
}

// finishDeadLetter releases the job's dedup key, so a fresh submission
// creates a new job, and emits the error event.
func (p *WorkerPool) finishDeadLetter(ctx context.Context, job *domain.Job, logger *slog.Logger) {
	releaseDeadLetter(ctx, p.cache, p.emitter, job, logger)
}

func releaseDeadLetter(ctx context.Context, cache dedup.Cache, emitter events.EventEmitter, job *domain.Job, logger *slog.Logger) {
	if err := cache.Forget(ctx, job.IdempotencyKey); err != nil {
		logger.WarnContext(ctx, "failed to release dedup key", "error", err)
	}
	emitOutcome(ctx, emitter, job, logger)
}

// heartbeat renews the lease every third of the visibility timeout until
// ctx is done. Losing the lease cancels the attempt with broker.ErrLeaseLost.
func (p *WorkerPool) heartbeat(
	ctx context.Context,
	lease *broker.Lease,
	cancel context.CancelCauseFunc,
	done chan<- struct{},
	logger *slog.Logger,
) {
	defer close(done)

	interval := p.config.VisibilityTimeout / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.queue.Renew(ctx, lease, p.config.VisibilityTimeout)
			switch {
			case err == nil:
			case errors.Is(err, broker.ErrLeaseLost):
				cancel(broker.ErrLeaseLost)
				return
			case ctx.Err() != nil:
				return
			default:
				logger.Warn("failed to renew lease", "error", err)
			}
		}
	}
}

func (p *WorkerPool) ack(ctx context.Context, lease *broker.Lease, logger *slog.Logger) {
	if err := p.queue.Ack(ctx, lease); err != nil {
		logBrokerError(logger, "ack", err)
	}
}

func (p *WorkerPool) nack(ctx context.Context, lease *broker.Lease, delay time.Duration, logger *slog.Logger) {
	if err := p.queue.Nack(ctx, lease, delay); err != nil {
		logBrokerError(logger, "nack", err)
	}
}

func logBrokerError(logger *slog.Logger, op string, err error) {
	if errors.Is(err, broker.ErrLeaseLost) {
		logger.Debug("lease already lost", "op", op)
		return
	}
	logger.Error("broker operation failed", "op", op, "error", err)
}
