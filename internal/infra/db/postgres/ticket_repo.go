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

var _ repository.TicketRepository = (*ticketRepo)(nil)

type ticketRepo struct {
	pool *pgxpool.Pool
}

func NewTicketRepo(pool *pgxpool.Pool) *ticketRepo {
	return &ticketRepo{pool: pool}
}

// ReplaceForJob deletes whatever a previous attempt left behind and seeds
// fresh rows from the sandbox's announced plan.
func (r *ticketRepo) ReplaceForJob(ctx context.Context, tx repository.Tx, jobID string, tickets []*model.Ticket) error {
	if _, err := execSQL(ctx, r.pool, tx, `DELETE FROM tickets WHERE build_job_id=$1;`, jobID); err != nil {
		return fmt.Errorf("clear tickets: %w", err)
	}
	const q = `
INSERT INTO tickets (id, build_job_id, external_id, title, status, cost_usd, last_error, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);`
	now := time.Now()
	for _, t := range tickets {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.BuildJobID = jobID
		if t.Status == "" {
			t.Status = model.TicketStatusTodo
		}
		t.CreatedAt = now
		t.UpdatedAt = now
		_, err := execSQL(ctx, r.pool, tx, q,
			t.ID, t.BuildJobID, t.ExternalID, t.Title, string(t.Status), t.CostUSD, t.LastError, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("seed ticket %s: %w", t.ExternalID, err)
		}
	}
	return nil
}

func (r *ticketRepo) ListByJob(ctx context.Context, jobID string) ([]*model.Ticket, error) {
	const q = `
SELECT id, build_job_id, external_id, title, status, cost_usd, last_error, created_at, updated_at
FROM tickets WHERE build_job_id=$1 ORDER BY created_at;`
	rows, err := pickRows(ctx, r.pool, nil, q, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Ticket
	for rows.Next() {
		var t model.Ticket
		var status string
		if err := rows.Scan(&t.ID, &t.BuildJobID, &t.ExternalID, &t.Title, &status, &t.CostUSD, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Status = model.TicketStatus(status)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (r *ticketRepo) UpdateByExternalID(ctx context.Context, jobID, externalID string, status model.TicketStatus, costUSD float64, errMsg string) error {
	const q = `
UPDATE tickets SET status=$3, cost_usd=cost_usd+$4, last_error=$5, updated_at=now()
WHERE build_job_id=$1 AND external_id=$2;`
	_, err := execSQL(ctx, r.pool, nil, q, jobID, externalID, string(status), costUSD, errMsg)
	if err != nil {
		return fmt.Errorf("update ticket %s: %w", externalID, err)
	}
	return nil
}

// CancelOpen bulk-claims still-open tickets. Tickets a worker already moved
// to done/error keep their legitimate final state.
func (r *ticketRepo) CancelOpen(ctx context.Context, jobIDs []string) (int64, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	const q = `
UPDATE tickets SET status=$2, updated_at=now()
WHERE build_job_id = ANY($1) AND status = ANY($3);`
	tag, err := execSQL(ctx, r.pool, nil, q, jobIDs, string(model.TicketStatusCancelled), statusStrings(model.OpenTicketStatuses))
	if err != nil {
		return 0, fmt.Errorf("cancel open tickets: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByJob recounts straight from the table; in-memory counters are only a
// progress hint and may have missed events.
func (r *ticketRepo) CountByJob(ctx context.Context, jobID string) (int, int, error) {
	const q = `
SELECT
  count(*) FILTER (WHERE status = $2),
  count(*) FILTER (WHERE status = $3)
FROM tickets WHERE build_job_id=$1;`
	row, err := pickRow(ctx, r.pool, nil, q, jobID, string(model.TicketStatusDone), string(model.TicketStatusError))
	if err != nil {
		return 0, 0, err
	}
	var done, failed int
	if err := row.Scan(&done, &failed); err != nil {
		return 0, 0, err
	}
	return done, failed, nil
}
