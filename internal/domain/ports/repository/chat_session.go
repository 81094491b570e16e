package repository

import (
	"context"

	"appforge/internal/domain/model"
)

type ChatSessionRepository interface {
	FindByID(ctx context.Context, tx Tx, id string) (*model.ChatSession, error)

	// SetPRNumberOnce records the pull request number created by a submit
	// run. The write only applies when no number is set yet; returns false
	// when a previous submit already recorded one.
	SetPRNumberOnce(ctx context.Context, id string, prNumber int) (bool, error)
}
