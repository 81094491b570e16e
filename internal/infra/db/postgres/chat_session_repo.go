package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"appforge/internal/domain/model"
	"appforge/internal/domain/ports/repository"
)

var _ repository.ChatSessionRepository = (*chatSessionRepo)(nil)

type chatSessionRepo struct {
	pool *pgxpool.Pool
}

func NewChatSessionRepo(pool *pgxpool.Pool) *chatSessionRepo {
	return &chatSessionRepo{pool: pool}
}

func (r *chatSessionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.ChatSession, error) {
	const q = `SELECT id, project_id, pr_number, created_at, updated_at FROM chat_sessions WHERE id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	var s model.ChatSession
	if err := row.Scan(&s.ID, &s.ProjectID, &s.PRNumber, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, translateErr(err)
	}
	return &s, nil
}

// SetPRNumberOnce applies only while no PR is recorded yet, so a retried
// submit can never clobber the number the first success wrote.
func (r *chatSessionRepo) SetPRNumberOnce(ctx context.Context, id string, prNumber int) (bool, error) {
	const q = `UPDATE chat_sessions SET pr_number=$2, updated_at=now() WHERE id=$1 AND pr_number IS NULL;`
	tag, err := execSQL(ctx, r.pool, nil, q, id, prNumber)
	if err != nil {
		return false, fmt.Errorf("set pr number: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
