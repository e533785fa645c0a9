package task

import (
	"context"
	"log/slog"

	"github.com/phrazzld/voxqueue/internal/domain"
	"github.com/phrazzld/voxqueue/internal/generation"
)

// Stage names, used as the stage of classified errors.
const (
	StageGenerate = "generate"
	StageUpload   = "upload"
	StagePersist  = "persist"
	StageNotify   = "notify"
)

// Execution carries one attempt's state between stages.
type Execution struct {
	// Job is the claimed job. Persist replaces it with the completed job.
	Job *domain.Job

	// Asset is set by Generate, unless an earlier attempt already uploaded.
	Asset *generation.Asset

	// ResultRef is the uploaded asset reference, set by Upload or recovered
	// from the dedup cache by Generate.
	ResultRef string

	Logger *slog.Logger
}

// Stage is one step of the job pipeline.
type Stage interface {
	Name() string
	Execute(ctx context.Context, ex *Execution) error
}

// runStages executes stages in order and stops at the first failure, which
// is returned classified under the failing stage's name.
func runStages(ctx context.Context, stages []Stage, ex *Execution) error {
	for _, stage := range stages {
		if err := stage.Execute(ctx, ex); err != nil {
			return domain.Classify(stage.Name(), err)
		}
	}
	return nil
}
