package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/voxqueue/internal/broker"
	memorybroker "github.com/phrazzld/voxqueue/internal/broker/memory"
	"github.com/phrazzld/voxqueue/internal/config"
	"github.com/phrazzld/voxqueue/internal/dedup"
	"github.com/phrazzld/voxqueue/internal/events"
	"github.com/phrazzld/voxqueue/internal/generation"
	"github.com/phrazzld/voxqueue/internal/platform/gemini"
	"github.com/phrazzld/voxqueue/internal/platform/postgres"
	"github.com/phrazzld/voxqueue/internal/platform/redis"
	"github.com/phrazzld/voxqueue/internal/platform/s3"
	"github.com/phrazzld/voxqueue/internal/service"
	"github.com/phrazzld/voxqueue/internal/session"
	"github.com/phrazzld/voxqueue/internal/storage"
	"github.com/phrazzld/voxqueue/internal/store"
	"github.com/phrazzld/voxqueue/internal/task"
)

// application holds the process dependencies so they can be shut down
// together.
type application struct {
	config *config.Config
	logger *slog.Logger

	db          *sql.DB
	redisClient *goredis.Client

	jobStore     store.JobStore
	sessionStore store.SessionStore
	broker       broker.Broker
	cache        dedup.Cache
	emitter      *events.InMemoryEventEmitter

	coordinator *session.Coordinator
	hub         *session.Hub
	jobService  service.JobService

	workerPool *task.WorkerPool
	sweeper    *task.Sweeper
}

// backends lets callers replace the external generation and storage
// backends. Nil fields are built from configuration.
type backends struct {
	generator generation.Generator
	uploader  storage.Uploader
}

// newApplication wires the Postgres stores into a fully assembled
// application.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *sql.DB) (*application, error) {
	app, err := assemble(ctx, cfg, logger,
		postgres.NewJobStore(db, logger),
		postgres.NewSessionStore(db, logger),
		backends{})
	if err != nil {
		return nil, err
	}
	app.db = db
	return app, nil
}

// assemble builds every component the configured role needs on top of the
// given stores.
func assemble(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	jobs store.JobStore,
	sessions store.SessionStore,
	external backends,
) (*application, error) {
	app := &application{
		config:       cfg,
		logger:       logger,
		jobStore:     jobs,
		sessionStore: sessions,
	}

	if err := app.setupBroker(); err != nil {
		app.cleanup()
		return nil, err
	}

	app.emitter = events.NewInMemoryEventEmitter(logger)
	app.coordinator = session.NewCoordinator(sessions, jobs, app.broker, cfg.Session.GracePeriod, logger)
	app.emitter.RegisterHandler(app.coordinator)

	jobService, err := service.NewJobService(jobs, app.broker, app.cache, app.coordinator,
		service.JobServiceConfig{
			DefaultMaxAttempts: cfg.Worker.MaxAttempts,
			PendingTTL:         cfg.Dedup.PendingTTL,
			SubmitRate:         cfg.Jobs.SubmitRate,
			SubmitBurst:        cfg.Jobs.SubmitBurst,
		}, logger)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to create job service: %w", err)
	}
	app.jobService = jobService

	if cfg.Server.RunsAPI() {
		app.hub = session.NewHub(app.coordinator, app.broker, logger)
	}

	if cfg.Server.RunsWorkers() {
		if err := app.setupWorkers(ctx, external); err != nil {
			app.cleanup()
			return nil, err
		}
	}

	logger.Info("application assembled",
		"role", cfg.Server.Role,
		"runs_api", cfg.Server.RunsAPI(),
		"runs_workers", cfg.Server.RunsWorkers())
	return app, nil
}

// setupBroker selects the Redis broker and cache when a URL is configured.
// Without one only a single all-role process can work, since api and worker
// processes would not share a queue.
func (app *application) setupBroker() error {
	cfg := app.config

	if cfg.Redis.URL == "" {
		if cfg.Server.Role != config.RoleAll {
			return fmt.Errorf("redis.url is required for role %q", cfg.Server.Role)
		}
		app.logger.Warn("redis not configured, using in-process broker and dedup cache")
		app.broker = memorybroker.New(
			memorybroker.WithMaxDepth(cfg.Broker.MaxDepth),
			memorybroker.WithLeaseWait(cfg.Broker.LeaseWait),
		)
		app.cache = dedup.NewMemory()
		return nil
	}

	opts, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	app.redisClient = goredis.NewClient(opts)

	app.broker = redis.NewBroker(app.redisClient,
		redis.WithLogger(app.logger),
		redis.WithKeyPrefix(cfg.Redis.KeyPrefix),
		redis.WithMaxDepth(cfg.Broker.MaxDepth),
		redis.WithLeaseWait(cfg.Broker.LeaseWait),
	)
	app.cache = redis.NewDedup(app.redisClient,
		redis.WithLogger(app.logger),
		redis.WithKeyPrefix(cfg.Redis.KeyPrefix),
	)
	return nil
}

// setupWorkers builds the Generate, Upload, Persist, Notify pipeline, the
// worker pool that drives it and the sweeper.
func (app *application) setupWorkers(ctx context.Context, external backends) error {
	cfg := app.config

	generator := external.generator
	if generator == nil {
		gen, err := gemini.NewGenerator(ctx, app.logger, cfg.LLM)
		if err != nil {
			return fmt.Errorf("failed to create generator: %w", err)
		}
		generator = gen
	}

	uploader := external.uploader
	if uploader == nil {
		var err error
		uploader, err = newUploader(cfg.Storage, app.logger)
		if err != nil {
			return err
		}
	}

	// The asset mark must outlive the lease so a retried attempt finds it.
	markTTL := cfg.Dedup.PendingTTL
	if cfg.Worker.VisibilityTimeout > markTTL {
		markTTL = cfg.Worker.VisibilityTimeout
	}

	generate, err := task.NewGenerateStage(generator, app.cache, cfg.Worker.GenerateTimeout)
	if err != nil {
		return err
	}
	upload, err := task.NewUploadStage(uploader, app.cache, cfg.Worker.UploadTimeout, markTTL)
	if err != nil {
		return err
	}
	persist, err := task.NewPersistStage(app.jobStore, app.cache, cfg.Dedup.ResultTTL)
	if err != nil {
		return err
	}
	notify, err := task.NewNotifyStage(app.emitter)
	if err != nil {
		return err
	}

	app.workerPool = task.NewWorkerPool(
		app.jobStore,
		app.broker,
		app.cache,
		app.emitter,
		[]task.Stage{generate, upload, persist, notify},
		task.WorkerPoolConfig{
			WorkerCount:       cfg.Worker.Count,
			VisibilityTimeout: cfg.Worker.VisibilityTimeout,
			Backoff: task.Backoff{
				Initial: cfg.Worker.BackoffInitial,
				Max:     cfg.Worker.BackoffMax,
			},
		},
		app.logger,
	)

	app.sweeper = task.NewSweeper(
		app.jobStore,
		app.broker,
		app.cache,
		app.emitter,
		app.coordinator,
		task.SweeperConfig{
			Interval:     cfg.Sweeper.Interval,
			MaxJobAge:    cfg.Sweeper.MaxJobAge,
			RequeueAfter: cfg.Sweeper.RequeueAfter,
			Retention:    cfg.Jobs.RetentionPeriod,
			BatchSize:    cfg.Sweeper.BatchSize,
		},
		app.logger,
	)
	return nil
}

func newUploader(cfg config.StorageConfig, logger *slog.Logger) (storage.Uploader, error) {
	if cfg.Bucket != "" {
		uploader, err := s3.New(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 uploader: %w", err)
		}
		return uploader, nil
	}

	logger.Warn("no storage bucket configured, writing assets locally", "dir", cfg.LocalDir)
	uploader, err := storage.NewFileUploader(cfg.LocalDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create file uploader: %w", err)
	}
	return uploader, nil
}

// Run serves HTTP and runs the workers until ctx is cancelled, then drains
// them. The first component to fail stops the others.
func (app *application) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.serveHTTP(gctx, app.setupRouter())
	})

	if app.workerPool != nil {
		g.Go(func() error {
			return app.workerPool.Run(gctx)
		})
	}
	if app.sweeper != nil {
		g.Go(func() error {
			return app.sweeper.Run(gctx)
		})
	}

	err := g.Wait()
	app.logger.Info("application stopped", "error", err)
	return err
}

// cleanup releases external resources. Safe to call on a partially
// assembled application.
func (app *application) cleanup() {
	app.logger.Info("cleaning up application resources")

	if closer, ok := app.broker.(io.Closer); ok {
		if err := closer.Close(); err != nil && !errors.Is(err, broker.ErrClosed) {
			app.logger.Error("failed to close broker", "error", err)
		}
	}

	if app.redisClient != nil {
		if err := app.redisClient.Close(); err != nil {
			app.logger.Error("failed to close redis client", "error", err)
		}
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("failed to close database connection", "error", err)
		}
	}
}
