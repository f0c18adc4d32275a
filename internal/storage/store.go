package storage

import (
	"context"

	"mopa/internal/model"
)

// Store persists training checkpoints and run summaries.
type Store interface {
	Init(ctx context.Context) error
	SaveCheckpoint(ctx context.Context, ckpt model.Checkpoint) error
	// LatestCheckpoint returns the checkpoint with the highest global
	// step for a run, if any.
	LatestCheckpoint(ctx context.Context, runID string) (model.Checkpoint, bool, error)
	ListCheckpoints(ctx context.Context, runID string) ([]model.Checkpoint, error)
	SaveRunSummary(ctx context.Context, summary model.RunSummary) error
	GetRunSummary(ctx context.Context, runID string) (model.RunSummary, bool, error)
}
