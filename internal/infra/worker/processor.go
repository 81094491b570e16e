// Package worker holds the queue processors: one per job domain, each
// consuming its queue, driving a sandbox stream and reconciling progress into
// the job tables.
package worker

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"appforge/internal/domain/ports/adapter"
	"appforge/internal/infra/metrics"
	"appforge/internal/infra/queue"
)

// lastAttempt reports whether the attempt in flight is the job's final one.
// AttemptsMade counts earlier failed attempts, so the current attempt is
// number AttemptsMade+1. Infrastructure failures before the last attempt
// leave the row running so the retry can re-claim it; only the final attempt
// writes the terminal failed status.
func lastAttempt(job *queue.Job) bool {
	return job.AttemptsMade+1 >= job.MaxAttempts
}

// CancelSignals is the slice of the cancellation store a processor polls
// between stream reads. Cancellation is cooperative: the orchestrator sets a
// flag, the processor observes it, clears it and returns a non-error result.
type CancelSignals interface {
	IsCancelled(ctx context.Context, jobID string) (bool, error)
	Clear(ctx context.Context, jobID string) error
}

// Request bodies sent to the sandbox's domain endpoints.

type buildRequest struct {
	TicketsPath string `json:"ticketsPath"`
	DatabaseURL string `json:"databaseUrl,omitempty"`
	GithubToken string `json:"githubToken,omitempty"`
	BaseBranch  string `json:"baseBranch"`
	TestURL     string `json:"testUrl,omitempty"`
	OrgID       string `json:"orgId,omitempty"`
}

type submitRequest struct {
	GithubToken string `json:"githubToken,omitempty"`
	BaseBranch  string `json:"baseBranch"`
	PRTitle     string `json:"prTitle,omitempty"`
}

type environmentRequest struct {
	DatabaseURL string `json:"databaseUrl,omitempty"`
}

type deployRequest struct {
	GithubToken string `json:"githubToken,omitempty"`
	OrgID       string `json:"orgId,omitempty"`
}

type maintenanceRequest struct {
	JobType string `json:"jobType"`
}

// decode unmarshals an event's data into dst. A frame that fails to decode is
// counted and skipped so one bad event cannot take down a whole run.
func decode(ev *adapter.SandboxEvent, dst any, queueName string, log *zerolog.Logger) bool {
	if err := json.Unmarshal(ev.Data, dst); err != nil {
		metrics.IncParseError(queueName)
		log.Warn().Err(err).Str("event", ev.Type).Msg("undecodable sandbox event, skipping")
		return false
	}
	return true
}
