package repository

import (
	"context"
	"time"

	"appforge/internal/domain/model"
)

type DeployJobRepository interface {
	Save(ctx context.Context, tx Tx, job *model.DeployJob) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.DeployJob, error)
	MarkRunning(ctx context.Context, id string, startedAt time.Time) (bool, error)
	Finish(ctx context.Context, id string, status model.JobStatus, serviceURLs []string, costUSD float64, errMsg string) (bool, error)

	// ListStalePreviews returns completed deploys whose preview environment
	// is older than the cutoff and not yet removed.
	ListStalePreviews(ctx context.Context, olderThan time.Time) ([]*model.DeployJob, error)
	MarkPreviewRemoved(ctx context.Context, id string) error
}
