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

var _ repository.DeployJobRepository = (*deployJobRepo)(nil)

type deployJobRepo struct {
	pool *pgxpool.Pool
}

func NewDeployJobRepo(pool *pgxpool.Pool) *deployJobRepo {
	return &deployJobRepo{pool: pool}
}

func (r *deployJobRepo) Save(ctx context.Context, tx repository.Tx, job *model.DeployJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.UpdatedAt = time.Now()
	const q = `
INSERT INTO deploy_jobs (id, project_id, chat_session_id, status, service_urls, cost_usd, last_error, created_at, started_at, completed_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  service_urls = EXCLUDED.service_urls,
  cost_usd = EXCLUDED.cost_usd,
  last_error = EXCLUDED.last_error,
  started_at = EXCLUDED.started_at,
  completed_at = EXCLUDED.completed_at,
  updated_at = EXCLUDED.updated_at;`
	_, err := execSQL(ctx, r.pool, tx, q,
		job.ID, job.ProjectID, job.ChatSessionID, string(job.Status), job.ServiceURLs, job.CostUSD,
		job.LastError, job.CreatedAt, job.StartedAt, job.CompletedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save deploy job: %w", err)
	}
	return nil
}

func (r *deployJobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.DeployJob, error) {
	const q = `
SELECT id, project_id, chat_session_id, status, service_urls, cost_usd, last_error, created_at, started_at, completed_at, updated_at
FROM deploy_jobs WHERE id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	var job model.DeployJob
	var status string
	err = row.Scan(&job.ID, &job.ProjectID, &job.ChatSessionID, &status, &job.ServiceURLs, &job.CostUSD,
		&job.LastError, &job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	job.Status = model.JobStatus(status)
	return &job, nil
}

func (r *deployJobRepo) MarkRunning(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	const q = `UPDATE deploy_jobs SET status=$2, started_at=COALESCE(started_at,$3), updated_at=now() WHERE id=$1 AND status = ANY($4);`
	tag, err := execSQL(ctx, r.pool, nil, q, id, string(model.JobStatusRunning), startedAt, statusStrings(model.ActiveJobStatuses))
	if err != nil {
		return false, fmt.Errorf("mark deploy running: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *deployJobRepo) ListStalePreviews(ctx context.Context, olderThan time.Time) ([]*model.DeployJob, error) {
	const q = `
SELECT id, project_id, chat_session_id, status, service_urls, cost_usd, last_error, created_at, started_at, completed_at, updated_at
FROM deploy_jobs
WHERE status=$1 AND preview_removed = false AND completed_at < $2
ORDER BY completed_at;`
	rows, err := pickRows(ctx, r.pool, nil, q, string(model.JobStatusCompleted), olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.DeployJob
	for rows.Next() {
		var job model.DeployJob
		var status string
		err := rows.Scan(&job.ID, &job.ProjectID, &job.ChatSessionID, &status, &job.ServiceURLs, &job.CostUSD,
			&job.LastError, &job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt)
		if err != nil {
			return nil, err
		}
		job.Status = model.JobStatus(status)
		out = append(out, &job)
	}
	return out, rows.Err()
}

func (r *deployJobRepo) MarkPreviewRemoved(ctx context.Context, id string) error {
	const q = `UPDATE deploy_jobs SET preview_removed = true, updated_at=now() WHERE id=$1;`
	_, err := execSQL(ctx, r.pool, nil, q, id)
	if err != nil {
		return fmt.Errorf("mark preview removed: %w", err)
	}
	return nil
}

func (r *deployJobRepo) Finish(ctx context.Context, id string, status model.JobStatus, serviceURLs []string, costUSD float64, errMsg string) (bool, error) {
	const q = `
UPDATE deploy_jobs SET status=$2, service_urls=$3, cost_usd=$4, last_error=$5, completed_at=now(), updated_at=now()
WHERE id=$1 AND status = ANY($6);`
	tag, err := execSQL(ctx, r.pool, nil, q, id, string(status), serviceURLs, costUSD, errMsg, statusStrings(model.ActiveJobStatuses))
	if err != nil {
		return false, fmt.Errorf("finish deploy job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
