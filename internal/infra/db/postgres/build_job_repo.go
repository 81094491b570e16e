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

var _ repository.BuildJobRepository = (*buildJobRepo)(nil)

type buildJobRepo struct {
	pool *pgxpool.Pool
}

func NewBuildJobRepo(pool *pgxpool.Pool) *buildJobRepo {
	return &buildJobRepo{pool: pool}
}

const buildJobColumns = `id, project_id, chat_session_id, status, submit_status, current_ticket,
checkpoint_commit, cost_usd, completed_tickets, failed_tickets, last_error,
created_at, started_at, completed_at, updated_at`

func (r *buildJobRepo) Save(ctx context.Context, tx repository.Tx, job *model.BuildJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.UpdatedAt = time.Now()

	const q = `
INSERT INTO build_jobs (` + buildJobColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  submit_status = EXCLUDED.submit_status,
  current_ticket = EXCLUDED.current_ticket,
  cost_usd = EXCLUDED.cost_usd,
  completed_tickets = EXCLUDED.completed_tickets,
  failed_tickets = EXCLUDED.failed_tickets,
  last_error = EXCLUDED.last_error,
  started_at = EXCLUDED.started_at,
  completed_at = EXCLUDED.completed_at,
  updated_at = EXCLUDED.updated_at;`

	_, err := execSQL(ctx, r.pool, tx, q,
		job.ID, job.ProjectID, job.ChatSessionID, string(job.Status), string(job.SubmitStatus),
		job.CurrentTicket, job.CheckpointCommit, job.CostUSD, job.CompletedTickets, job.FailedTickets,
		job.LastError, job.CreatedAt, job.StartedAt, job.CompletedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save build job: %w", err)
	}
	return nil
}

func (r *buildJobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.BuildJob, error) {
	const q = `SELECT ` + buildJobColumns + ` FROM build_jobs WHERE id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	var job model.BuildJob
	var status, submitStatus string
	err = row.Scan(
		&job.ID, &job.ProjectID, &job.ChatSessionID, &status, &submitStatus, &job.CurrentTicket,
		&job.CheckpointCommit, &job.CostUSD, &job.CompletedTickets, &job.FailedTickets, &job.LastError,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, translateErr(err)
	}
	job.Status = model.BuildJobStatus(status)
	job.SubmitStatus = model.SubmitStatus(submitStatus)
	return &job, nil
}

// MarkRunning claims the row for one processing attempt. Conditioned on the
// active set rather than pending alone: a retried attempt re-claims the row
// the previous attempt left running. !ok means a terminal status landed.
func (r *buildJobRepo) MarkRunning(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	const q = `
UPDATE build_jobs SET status=$2, started_at=COALESCE(started_at,$3), updated_at=now()
WHERE id=$1 AND status = ANY($4);`
	tag, err := execSQL(ctx, r.pool, nil, q, id, string(model.BuildStatusRunning), startedAt, statusStrings(model.ActiveBuildStatuses))
	if err != nil {
		return false, fmt.Errorf("mark build running: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *buildJobRepo) SetValidating(ctx context.Context, id string) error {
	const q = `
UPDATE build_jobs SET status=$2, updated_at=now()
WHERE id=$1 AND status=$3;`
	_, err := execSQL(ctx, r.pool, nil, q, id, string(model.BuildStatusValidating), string(model.BuildStatusRunning))
	if err != nil {
		return fmt.Errorf("set build validating: %w", err)
	}
	return nil
}

func (r *buildJobRepo) SetCurrentTicket(ctx context.Context, id, externalID string) error {
	const q = `UPDATE build_jobs SET current_ticket=$2, updated_at=now() WHERE id=$1;`
	_, err := execSQL(ctx, r.pool, nil, q, id, externalID)
	if err != nil {
		return fmt.Errorf("set current ticket: %w", err)
	}
	return nil
}

func (r *buildJobRepo) SetCheckpoint(ctx context.Context, id, commit string) error {
	const q = `UPDATE build_jobs SET checkpoint_commit=$2, updated_at=now() WHERE id=$1;`
	_, err := execSQL(ctx, r.pool, nil, q, id, commit)
	if err != nil {
		return fmt.Errorf("set checkpoint commit: %w", err)
	}
	return nil
}

func (r *buildJobRepo) SetSubmitStatus(ctx context.Context, id string, status model.SubmitStatus, errMsg string) error {
	const q = `UPDATE build_jobs SET submit_status=$2, last_error=$3, updated_at=now() WHERE id=$1;`
	_, err := execSQL(ctx, r.pool, nil, q, id, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("set submit status: %w", err)
	}
	return nil
}

// Finish is conditioned on the row still being active; the cancel
// orchestrator and the worker may race on this row, and whoever writes a
// terminal status first wins.
func (r *buildJobRepo) Finish(ctx context.Context, id string, status model.BuildJobStatus, costUSD float64, completed, failed int, errMsg string) (bool, error) {
	const q = `
UPDATE build_jobs SET
  status=$2, cost_usd=$3, completed_tickets=$4, failed_tickets=$5, last_error=$6,
  completed_at=now(), updated_at=now()
WHERE id=$1 AND status = ANY($7);`
	tag, err := execSQL(ctx, r.pool, nil, q,
		id, string(status), costUSD, completed, failed, errMsg,
		statusStrings(model.ActiveBuildStatuses))
	if err != nil {
		return false, fmt.Errorf("finish build job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CancelActive claims every still-active row in one filtered bulk update;
// never a per-row loop, to avoid partial-cancellation races with a worker
// writing terminal states concurrently.
func (r *buildJobRepo) CancelActive(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	const q = `
UPDATE build_jobs SET status=$2, completed_at=now(), updated_at=now()
WHERE id = ANY($1) AND status = ANY($3);`
	tag, err := execSQL(ctx, r.pool, nil, q, ids, string(model.BuildStatusCancelled), statusStrings(model.ActiveBuildStatuses))
	if err != nil {
		return 0, fmt.Errorf("cancel build jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
