package repository

import (
	"context"
	"time"

	"appforge/internal/domain/model"
)

type EnvironmentJobRepository interface {
	Save(ctx context.Context, tx Tx, job *model.EnvironmentJob) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.EnvironmentJob, error)
	MarkRunning(ctx context.Context, id string, startedAt time.Time) (bool, error)
	Finish(ctx context.Context, id string, status model.JobStatus, result string, costUSD float64, errMsg string) (bool, error)
}
