package usecase

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"appforge/internal/domain"
	"appforge/internal/domain/model"
	"appforge/internal/domain/ports/adapter"
	"appforge/internal/domain/ports/repository"
	"appforge/internal/infra/queue"
	"appforge/internal/infra/redis"
	"appforge/internal/infra/sandbox"
)

// CancelFilter selects which build queue jobs to stop. Exactly one selector
// is consulted, narrowest first: build job id, then chat session, then
// project. An empty filter is rejected; it would cancel everything.
type CancelFilter struct {
	BuildJobID    string `json:"buildJobId,omitempty"`
	ChatSessionID string `json:"chatSessionId,omitempty"`
	ProjectID     string `json:"projectId,omitempty"`
}

func (f CancelFilter) empty() bool {
	return f.BuildJobID == "" && f.ChatSessionID == "" && f.ProjectID == ""
}

func (f CancelFilter) matches(p model.BuildJobPayload) bool {
	switch {
	case f.BuildJobID != "":
		return p.BuildJobID == f.BuildJobID
	case f.ChatSessionID != "":
		return p.ChatSessionID == f.ChatSessionID
	case f.ProjectID != "":
		return p.ProjectID == f.ProjectID
	}
	return false
}

// CancelOutcome reports what a cancellation touched.
type CancelOutcome struct {
	RemovedWaiting   int    `json:"removedWaiting"`
	SignalledActive  int    `json:"signalledActive"`
	CancelledBuilds  int64  `json:"cancelledBuilds"`
	CancelledTickets int64  `json:"cancelledTickets"`
	ResetCommit      string `json:"resetCommit,omitempty"`
}

// CancelUseCase orchestrates stopping build work across both process
// boundaries: waiting queue jobs are removed outright, active ones get a
// cooperative stop signal, the database rows are bulk-cancelled, and the
// sandbox is asked to halt and reset version control to the checkpoint the
// build started from. Sandbox calls are best effort; the database is the
// record of truth.
type CancelUseCase struct {
	queues    *queue.Registry
	builds    repository.BuildJobRepository
	tickets   repository.TicketRepository
	cancels   *redis.CancelStore
	sandboxes adapter.SandboxResolver
	settle    time.Duration
	log       *zerolog.Logger
}

func NewCancelUseCase(
	queues *queue.Registry,
	builds repository.BuildJobRepository,
	tickets repository.TicketRepository,
	cancels *redis.CancelStore,
	sandboxes adapter.SandboxResolver,
	logger *zerolog.Logger,
) *CancelUseCase {
	l := logger.With().Str("component", "cancel_usecase").Logger()
	return &CancelUseCase{
		queues:    queues,
		builds:    builds,
		tickets:   tickets,
		cancels:   cancels,
		sandboxes: sandboxes,
		settle:    2 * time.Second,
		log:       &l,
	}
}

// CancelBuilds stops every build queue job the filter selects.
func (uc *CancelUseCase) CancelBuilds(ctx context.Context, filter CancelFilter) (*CancelOutcome, error) {
	if filter.empty() {
		return nil, domain.ErrInvalidArgument
	}

	q := uc.queues.Get(queue.QueueBuild)
	out := &CancelOutcome{}
	var buildIDs []string
	var projectID string

	// Waiting jobs never started; removing them from the queue is enough.
	waiting, err := q.GetWaiting(ctx)
	if err != nil {
		return nil, err
	}
	for _, j := range waiting {
		p, ok := buildPayload(j)
		if !ok || !filter.matches(p) {
			continue
		}
		projectID = p.ProjectID
		if err := q.Remove(ctx, j.ID); err != nil {
			if err == domain.ErrJobNotWaiting {
				// Raced with a worker pickup; the active pass below (or the
				// signal store) will reach it.
				uc.log.Info().Str("job_id", j.ID).Msg("job left waiting during cancel, signalling instead")
				if serr := uc.cancels.Signal(ctx, j.ID); serr == nil {
					out.SignalledActive++
				}
				buildIDs = append(buildIDs, p.BuildJobID)
				continue
			}
			return nil, err
		}
		out.RemovedWaiting++
		buildIDs = append(buildIDs, p.BuildJobID)
	}

	// Active jobs are inside a worker, possibly in another process. Set the
	// stop flag and let them observe it between stream reads.
	active, err := q.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	for _, j := range active {
		p, ok := buildPayload(j)
		if !ok || !filter.matches(p) {
			continue
		}
		projectID = p.ProjectID
		if err := uc.cancels.Signal(ctx, j.ID); err != nil {
			return nil, err
		}
		out.SignalledActive++
		buildIDs = append(buildIDs, p.BuildJobID)
	}

	if len(buildIDs) == 0 {
		return out, nil
	}

	// Bulk terminal writes, conditioned on the rows still being active, so a
	// concurrently finishing worker cannot be overwritten.
	if out.CancelledBuilds, err = uc.builds.CancelActive(ctx, buildIDs); err != nil {
		return nil, err
	}
	if out.CancelledTickets, err = uc.tickets.CancelOpen(ctx, buildIDs); err != nil {
		return nil, err
	}

	uc.haltAndReset(ctx, projectID, buildIDs, out)

	uc.log.Info().
		Str("project_id", projectID).
		Int("removed_waiting", out.RemovedWaiting).
		Int("signalled_active", out.SignalledActive).
		Int64("cancelled_builds", out.CancelledBuilds).
		Msg("build cancellation orchestrated")
	return out, nil
}

// haltAndReset tells the project's sandbox to stop whatever agent process is
// running and to reset version control to the newest checkpoint among the
// cancelled builds. Failures are logged, never surfaced: the sandbox may be
// gone already.
func (uc *CancelUseCase) haltAndReset(ctx context.Context, projectID string, buildIDs []string, out *CancelOutcome) {
	client := uc.sandboxes.ForProject(projectID)
	if err := client.Command(ctx, sandbox.PathHalt, nil); err != nil {
		uc.log.Warn().Err(err).Str("project_id", projectID).Msg("sandbox halt failed")
	}

	// Give the halted agent a moment to release the working tree before
	// rewinding its git state underneath it.
	if uc.settle > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(uc.settle):
		}
	}

	var commit string
	for _, id := range buildIDs {
		job, err := uc.builds.FindByID(ctx, nil, id)
		if err != nil {
			continue
		}
		if job.CheckpointCommit != "" {
			commit = job.CheckpointCommit
		}
	}
	if commit == "" {
		return
	}
	body := map[string]string{"commit": commit}
	if err := client.Command(ctx, sandbox.PathGitReset, body); err != nil {
		uc.log.Warn().Err(err).Str("project_id", projectID).Str("commit", commit).Msg("git reset failed")
		return
	}
	out.ResetCommit = commit
}

func buildPayload(j *queue.Job) (model.BuildJobPayload, bool) {
	var p model.BuildJobPayload
	if err := json.Unmarshal(j.Data, &p); err != nil || p.BuildJobID == "" {
		return p, false
	}
	return p, true
}
