package storage

import (
	"context"

	"latentcal/internal/model"
)

// Store persists calibration checkpoints and loss histories. Each run keeps
// only its latest snapshot: SaveSnapshot replaces any earlier one.
type Store interface {
	Init(ctx context.Context) error
	SaveSnapshot(ctx context.Context, snapshot model.Snapshot) error
	LatestSnapshot(ctx context.Context, runID string) (model.Snapshot, bool, error)
	SaveLossHistory(ctx context.Context, history model.LossHistory) error
	GetLossHistory(ctx context.Context, runID string) (model.LossHistory, bool, error)
}
