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

var _ repository.MaintenanceRepository = (*maintenanceRepo)(nil)

type maintenanceRepo struct {
	pool *pgxpool.Pool
}

func NewMaintenanceRepo(pool *pgxpool.Pool) *maintenanceRepo {
	return &maintenanceRepo{pool: pool}
}

func (r *maintenanceRepo) SaveJob(ctx context.Context, tx repository.Tx, job *model.MaintenanceJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.UpdatedAt = time.Now()
	const q = `
INSERT INTO maintenance_jobs (id, project_id, job_type, enabled, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET
  job_type = EXCLUDED.job_type,
  enabled = EXCLUDED.enabled,
  updated_at = EXCLUDED.updated_at;`
	_, err := execSQL(ctx, r.pool, tx, q, job.ID, job.ProjectID, string(job.Type), job.Enabled, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save maintenance job: %w", err)
	}
	return nil
}

func (r *maintenanceRepo) FindJob(ctx context.Context, tx repository.Tx, id string) (*model.MaintenanceJob, error) {
	const q = `SELECT id, project_id, job_type, enabled, created_at, updated_at FROM maintenance_jobs WHERE id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	var job model.MaintenanceJob
	var jobType string
	if err := row.Scan(&job.ID, &job.ProjectID, &jobType, &job.Enabled, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, translateErr(err)
	}
	job.Type = model.MaintenanceJobType(jobType)
	return &job, nil
}

func (r *maintenanceRepo) ListEnabledJobs(ctx context.Context) ([]*model.MaintenanceJob, error) {
	const q = `SELECT id, project_id, job_type, enabled, created_at, updated_at FROM maintenance_jobs WHERE enabled ORDER BY created_at;`
	rows, err := pickRows(ctx, r.pool, nil, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.MaintenanceJob
	for rows.Next() {
		var job model.MaintenanceJob
		var jobType string
		if err := rows.Scan(&job.ID, &job.ProjectID, &jobType, &job.Enabled, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		job.Type = model.MaintenanceJobType(jobType)
		out = append(out, &job)
	}
	return out, rows.Err()
}

func (r *maintenanceRepo) SaveRun(ctx context.Context, tx repository.Tx, run *model.MaintenanceJobRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.UpdatedAt = time.Now()
	const q = `
INSERT INTO maintenance_job_runs (id, maintenance_job_id, status, log, last_error, created_at, started_at, completed_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  log = EXCLUDED.log,
  last_error = EXCLUDED.last_error,
  started_at = EXCLUDED.started_at,
  completed_at = EXCLUDED.completed_at,
  updated_at = EXCLUDED.updated_at;`
	_, err := execSQL(ctx, r.pool, tx, q,
		run.ID, run.MaintenanceJobID, string(run.Status), run.Log, run.LastError,
		run.CreatedAt, run.StartedAt, run.CompletedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save maintenance run: %w", err)
	}
	return nil
}

func (r *maintenanceRepo) FindRun(ctx context.Context, tx repository.Tx, id string) (*model.MaintenanceJobRun, error) {
	const q = `
SELECT id, maintenance_job_id, status, log, last_error, created_at, started_at, completed_at, updated_at
FROM maintenance_job_runs WHERE id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	var run model.MaintenanceJobRun
	var status string
	err = row.Scan(&run.ID, &run.MaintenanceJobID, &status, &run.Log, &run.LastError,
		&run.CreatedAt, &run.StartedAt, &run.CompletedAt, &run.UpdatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	run.Status = model.JobStatus(status)
	return &run, nil
}

func (r *maintenanceRepo) MarkRunRunning(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	const q = `UPDATE maintenance_job_runs SET status=$2, started_at=COALESCE(started_at,$3), updated_at=now() WHERE id=$1 AND status = ANY($4);`
	tag, err := execSQL(ctx, r.pool, nil, q, id, string(model.JobStatusRunning), startedAt, statusStrings(model.ActiveJobStatuses))
	if err != nil {
		return false, fmt.Errorf("mark maintenance run running: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *maintenanceRepo) FinishRun(ctx context.Context, id string, status model.JobStatus, log string, errMsg string) (bool, error) {
	const q = `
UPDATE maintenance_job_runs SET status=$2, log=$3, last_error=$4, completed_at=now(), updated_at=now()
WHERE id=$1 AND status = ANY($5);`
	tag, err := execSQL(ctx, r.pool, nil, q, id, string(status), log, errMsg, statusStrings(model.ActiveJobStatuses))
	if err != nil {
		return false, fmt.Errorf("finish maintenance run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
