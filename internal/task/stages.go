package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/voxqueue/internal/dedup"
	"github.com/phrazzld/voxqueue/internal/domain"
	"github.com/phrazzld/voxqueue/internal/events"
	"github.com/phrazzld/voxqueue/internal/generation"
	"github.com/phrazzld/voxqueue/internal/storage"
	"github.com/phrazzld/voxqueue/internal/store"
)

// Common errors
var (
	ErrNilGenerator = errors.New("generator cannot be nil")
	ErrNilUploader  = errors.New("uploader cannot be nil")
	ErrNilStore     = errors.New("job store cannot be nil")
	ErrNilCache     = errors.New("dedup cache cannot be nil")
	ErrNilEmitter   = errors.New("event emitter cannot be nil")
	ErrNoAsset      = errors.New("no asset to upload")
)

// GenerateStage calls the generator. If an earlier attempt of the same job
// already uploaded its asset the call is skipped.
type GenerateStage struct {
	generator generation.Generator
	cache     dedup.Cache
	timeout   time.Duration
}

// NewGenerateStage creates the generate stage.
func NewGenerateStage(generator generation.Generator, cache dedup.Cache, timeout time.Duration) (*GenerateStage, error) {
	if generator == nil {
		return nil, ErrNilGenerator
	}
	if cache == nil {
		return nil, ErrNilCache
	}
	return &GenerateStage{generator: generator, cache: cache, timeout: timeout}, nil
}

func (s *GenerateStage) Name() string { return StageGenerate }

func (s *GenerateStage) Execute(ctx context.Context, ex *Execution) error {
	ref, err := s.cache.AssetFor(ctx, ex.Job.ID)
	if err != nil {
		ex.Logger.WarnContext(ctx, "asset lookup failed, generating", "error", err)
	}
	if ref != "" {
		ex.Logger.InfoContext(ctx, "asset already uploaded by an earlier attempt, skipping generation",
			"result_ref", ref)
		ex.ResultRef = ref
		return nil
	}

	payload, err := domain.ParsePayload(ex.Job.Payload)
	if err != nil {
		return domain.Permanent(StageGenerate, err)
	}

	genCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	asset, err := s.generator.Generate(genCtx, payload)
	if err != nil {
		return domain.Classify(StageGenerate, err)
	}
	if asset == nil || len(asset.Data) == 0 {
		return domain.Transient(StageGenerate, generation.ErrInvalidResponse)
	}

	ex.Logger.InfoContext(ctx, "content generated",
		"kind", payload.Kind,
		"size", len(asset.Data),
		"duration_ms", time.Since(start).Milliseconds())
	ex.Asset = asset
	return nil
}

// UploadStage stores the generated asset under its content-addressed key
// and records the reference in the dedup cache.
type UploadStage struct {
	uploader storage.Uploader
	cache    dedup.Cache
	timeout  time.Duration
	markTTL  time.Duration
}

// NewUploadStage creates the upload stage.
func NewUploadStage(uploader storage.Uploader, cache dedup.Cache, timeout, markTTL time.Duration) (*UploadStage, error) {
	if uploader == nil {
		return nil, ErrNilUploader
	}
	if cache == nil {
		return nil, ErrNilCache
	}
	return &UploadStage{uploader: uploader, cache: cache, timeout: timeout, markTTL: markTTL}, nil
}

func (s *UploadStage) Name() string { return StageUpload }

func (s *UploadStage) Execute(ctx context.Context, ex *Execution) error {
	if ex.ResultRef != "" {
		return nil
	}
	if ex.Asset == nil {
		return domain.Permanent(StageUpload, ErrNoAsset)
	}

	key := storage.ObjectKey(ex.Asset.Data, ex.Asset.Extension())

	upCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ref, err := s.uploader.Put(upCtx, key, ex.Asset.Data, ex.Asset.ContentType)
	if err != nil {
		if errors.Is(err, storage.ErrEmptyObject) {
			return domain.Permanent(StageUpload, err)
		}
		return domain.Classify(StageUpload, err)
	}

	if err := s.cache.MarkAsset(ctx, ex.Job.ID, ref, s.markTTL); err != nil {
		ex.Logger.WarnContext(ctx, "failed to record uploaded asset", "error", err)
	}

	ex.Logger.InfoContext(ctx, "asset uploaded", "result_ref", ref)
	ex.ResultRef = ref
	return nil
}

// PersistStage completes the job in the store and caches the outcome.
type PersistStage struct {
	jobs      store.JobStore
	cache     dedup.Cache
	resultTTL time.Duration
}

// NewPersistStage creates the persist stage.
func NewPersistStage(jobs store.JobStore, cache dedup.Cache, resultTTL time.Duration) (*PersistStage, error) {
	if jobs == nil {
		return nil, ErrNilStore
	}
	if cache == nil {
		return nil, ErrNilCache
	}
	return &PersistStage{jobs: jobs, cache: cache, resultTTL: resultTTL}, nil
}

func (s *PersistStage) Name() string { return StagePersist }

func (s *PersistStage) Execute(ctx context.Context, ex *Execution) error {
	job, err := s.jobs.Complete(ctx, ex.Job.ID, ex.Job.Version, ex.ResultRef)
	if err != nil {
		if errors.Is(err, domain.ErrLeaseConflict) {
			return err
		}
		return domain.Transient(StagePersist, fmt.Errorf("failed to complete job: %w", err))
	}
	ex.Job = job

	entry := dedup.Entry{JobID: job.ID, Status: job.Status, ResultRef: job.ResultRef}
	if err := s.cache.RememberResult(ctx, job.IdempotencyKey, entry, s.resultTTL); err != nil {
		ex.Logger.WarnContext(ctx, "failed to cache job result", "error", err)
	}
	return nil
}

// NotifyStage emits the job's outcome. Delivery problems are logged and
// never fail the job; the result stays in the store for polling.
type NotifyStage struct {
	emitter events.EventEmitter
}

// NewNotifyStage creates the notify stage.
func NewNotifyStage(emitter events.EventEmitter) (*NotifyStage, error) {
	if emitter == nil {
		return nil, ErrNilEmitter
	}
	return &NotifyStage{emitter: emitter}, nil
}

func (s *NotifyStage) Name() string { return StageNotify }

func (s *NotifyStage) Execute(ctx context.Context, ex *Execution) error {
	emitOutcome(ctx, s.emitter, ex.Job, ex.Logger)
	return nil
}

// emitOutcome publishes the event for job's current status.
func emitOutcome(ctx context.Context, emitter events.EventEmitter, job *domain.Job, logger *slog.Logger) {
	event := events.NewJobEvent(job)
	if err := emitter.EmitEvent(ctx, event); err != nil {
		logger.WarnContext(ctx, "failed to deliver job event",
			"event_type", event.Type,
			"error", err)
	}
}
