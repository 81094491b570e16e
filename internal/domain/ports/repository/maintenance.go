package repository

import (
	"context"
	"time"

	"appforge/internal/domain/model"
)

type MaintenanceRepository interface {
	SaveJob(ctx context.Context, tx Tx, job *model.MaintenanceJob) error
	FindJob(ctx context.Context, tx Tx, id string) (*model.MaintenanceJob, error)
	ListEnabledJobs(ctx context.Context) ([]*model.MaintenanceJob, error)

	SaveRun(ctx context.Context, tx Tx, run *model.MaintenanceJobRun) error
	FindRun(ctx context.Context, tx Tx, id string) (*model.MaintenanceJobRun, error)
	MarkRunRunning(ctx context.Context, id string, startedAt time.Time) (bool, error)
	FinishRun(ctx context.Context, id string, status model.JobStatus, log string, errMsg string) (bool, error)
}
