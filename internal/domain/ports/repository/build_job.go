package repository

import (
	"context"
	"time"

	"appforge/internal/domain/model"
)

type BuildJobRepository interface {
	Save(ctx context.Context, tx Tx, job *model.BuildJob) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.BuildJob, error)

	// MarkRunning flips pending -> running and stamps started_at. Returns
	// false when the job already left the pending state (e.g. cancelled
	// before pickup).
	MarkRunning(ctx context.Context, id string, startedAt time.Time) (bool, error)

	// SetValidating enters the post-implementation validation phase. Only
	// applies while the job is still running.
	SetValidating(ctx context.Context, id string) error

	SetCurrentTicket(ctx context.Context, id, externalID string) error

	// SetCheckpoint records the commit the sandbox reports the build started
	// from; a later cancel reverts version control to it.
	SetCheckpoint(ctx context.Context, id, commit string) error
	SetSubmitStatus(ctx context.Context, id string, status model.SubmitStatus, errMsg string) error

	// Finish writes the terminal status, cost and counters. The update is
	// conditioned on the row still being in an active status; returns false
	// when another writer (normal completion or cancellation) got there
	// first.
	Finish(ctx context.Context, id string, status model.BuildJobStatus, costUSD float64, completed, failed int, errMsg string) (bool, error)

	// CancelActive bulk-moves the given jobs to cancelled, touching only
	// rows still in an active status. Returns the number of rows claimed.
	CancelActive(ctx context.Context, ids []string) (int64, error)
}

type TicketRepository interface {
	// ReplaceForJob seeds the ticket rows for a build from the sandbox's
	// announced ticket list, replacing any rows from a previous attempt.
	ReplaceForJob(ctx context.Context, tx Tx, jobID string, tickets []*model.Ticket) error

	ListByJob(ctx context.Context, jobID string) ([]*model.Ticket, error)

	// UpdateByExternalID writes status, accumulated cost and error text for
	// one ticket, addressed the way the sandbox addresses it.
	UpdateByExternalID(ctx context.Context, jobID, externalID string, status model.TicketStatus, costUSD float64, errMsg string) error

	// CancelOpen bulk-cancels tickets still in todo/in_progress for the
	// given jobs. Returns the number of rows claimed.
	CancelOpen(ctx context.Context, jobIDs []string) (int64, error)

	// CountByJob recounts done/error tickets straight from the table. This
	// is the authoritative source for the parent job's final counters.
	CountByJob(ctx context.Context, jobID string) (done int, failed int, err error)
}
