package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"

	"appforge/internal/domain/model"
	"appforge/internal/domain/ports/repository"
)

var _ repository.EnvironmentJobRepository = (*environmentJobRepo)(nil)

type environmentJobRepo struct {
	pool *pgxpool.Pool
}

func NewEnvironmentJobRepo(pool *pgxpool.Pool) *environmentJobRepo {
	return &environmentJobRepo{pool: pool}
}

func (r *environmentJobRepo) Save(ctx context.Context, tx repository.Tx, job *model.EnvironmentJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.UpdatedAt = time.Now()
	const q = `
INSERT INTO environment_jobs (id, project_id, chat_session_id, status, result, cost_usd, last_error, created_at, started_at, completed_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  result = EXCLUDED.result,
  cost_usd = EXCLUDED.cost_usd,
  last_error = EXCLUDED.last_error,
  started_at = EXCLUDED.started_at,
  completed_at = EXCLUDED.completed_at,
  updated_at = EXCLUDED.updated_at;`
	_, err := execSQL(ctx, r.pool, tx, q,
		job.ID, job.ProjectID, job.ChatSessionID, string(job.Status), job.Result, job.CostUSD,
		job.LastError, job.CreatedAt, job.StartedAt, job.CompletedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save environment job: %w", err)
	}
	return nil
}

func (r *environmentJobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.EnvironmentJob, error) {
	const q = `
SELECT id, project_id, chat_session_id, status, result, cost_usd, last_error, created_at, started_at, completed_at, updated_at
FROM environment_jobs WHERE id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	var job model.EnvironmentJob
	var status string
	err = row.Scan(&job.ID, &job.ProjectID, &job.ChatSessionID, &status, &job.Result, &job.CostUSD,
		&job.LastError, &job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	job.Status = model.JobStatus(status)
	return &job, nil
}

// MarkRunning is conditioned on the active set so queue retries can re-claim
// the row; !ok means a terminal status was already written.
func (r *environmentJobRepo) MarkRunning(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	const q = `UPDATE environment_jobs SET status=$2, started_at=COALESCE(started_at,$3), updated_at=now() WHERE id=$1 AND status = ANY($4);`
	tag, err := execSQL(ctx, r.pool, nil, q, id, string(model.JobStatusRunning), startedAt, statusStrings(model.ActiveJobStatuses))
	if err != nil {
		return false, fmt.Errorf("mark environment running: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *environmentJobRepo) Finish(ctx context.Context, id string, status model.JobStatus, result string, costUSD float64, errMsg string) (bool, error) {
	const q = `
UPDATE environment_jobs SET status=$2, result=$3, cost_usd=$4, last_error=$5, completed_at=now(), updated_at=now()
WHERE id=$1 AND status = ANY($6);`
	tag, err := execSQL(ctx, r.pool, nil, q, id, string(status), result, costUSD, errMsg, statusStrings(model.ActiveJobStatuses))
	if err != nil {
		return false, fmt.Errorf("finish environment job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
