package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"appforge/internal/domain/model"
	"appforge/internal/domain/ports/adapter"
	"appforge/internal/domain/ports/repository"
	"appforge/internal/infra/metrics"
	"appforge/internal/infra/queue"
	"appforge/internal/infra/sandbox"
)

// BuildProcessor runs one build job at a time: it opens the sandbox's build
// stream and folds every event into the build_jobs/tickets tables. The
// in-memory cost counters are a progress hint only; final counts come from a
// recount over the tickets table, which tolerates events lost to connection
// hiccups.
type BuildProcessor struct {
	builds    repository.BuildJobRepository
	tickets   repository.TicketRepository
	tm        repository.TransactionManager
	sandboxes adapter.SandboxResolver
	cancels   CancelSignals
	tokens    adapter.GitHubTokenProvider
	log       *zerolog.Logger
}

func NewBuildProcessor(
	builds repository.BuildJobRepository,
	tickets repository.TicketRepository,
	tm repository.TransactionManager,
	sandboxes adapter.SandboxResolver,
	cancels CancelSignals,
	tokens adapter.GitHubTokenProvider,
	logger *zerolog.Logger,
) *BuildProcessor {
	l := logger.With().Str("component", "build_processor").Logger()
	return &BuildProcessor{
		builds:    builds,
		tickets:   tickets,
		tm:        tm,
		sandboxes: sandboxes,
		cancels:   cancels,
		tokens:    tokens,
		log:       &l,
	}
}

// buildState carries the per-stream running aggregates.
type buildState struct {
	currentTicket     string
	currentTicketCost float64
	totalCost         float64
	sandboxTotal      float64
	domainFailed      bool
	failReason        string
}

func (p *BuildProcessor) Process(ctx context.Context, job *queue.Job) (any, error) {
	var payload model.BuildJobPayload
	if err := job.Unmarshal(&payload); err != nil {
		return nil, fmt.Errorf("decode build payload: %w", err)
	}
	log := p.log.With().Str("job_id", job.ID).Str("build_job_id", payload.BuildJobID).Logger()

	ok, err := p.builds.MarkRunning(ctx, payload.BuildJobID, time.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		// Cancelled (or otherwise finalized) before pickup.
		log.Info().Msg("build job already finalized, skipping")
		return model.BuildResult{Success: false, Cancelled: true}, nil
	}

	token := payload.GithubToken
	if token == "" && p.tokens != nil {
		if token, err = p.tokens.Token(ctx); err != nil {
			log.Warn().Err(err).Msg("github token unavailable, continuing without")
		}
	}

	client := p.sandboxes.ForProject(payload.ProjectID)
	stream, err := client.Stream(ctx, sandbox.PathBuild, buildRequest{
		TicketsPath: payload.TicketsPath,
		DatabaseURL: payload.DatabaseURL,
		GithubToken: token,
		BaseBranch:  payload.BaseBranch,
		TestURL:     payload.TestURL,
		OrgID:       payload.OrgID,
	})
	if err != nil {
		if lastAttempt(job) {
			p.markFailed(ctx, payload.BuildJobID, 0, err)
		}
		return nil, err
	}
	defer stream.Close()

	st := &buildState{}
	for {
		// Sole cancellation checkpoint: between stream reads.
		cancelled, cerr := p.cancels.IsCancelled(ctx, job.ID)
		if cerr != nil {
			log.Warn().Err(cerr).Msg("cancel flag check failed")
		}
		if cancelled {
			_ = p.cancels.Clear(ctx, job.ID)
			metrics.IncCancellation(queue.QueueBuild)
			log.Info().Float64("cost_usd", st.totalCost).Msg("build cancelled cooperatively")
			done, failed, _ := p.tickets.CountByJob(ctx, payload.BuildJobID)
			// The orchestrator owns the cancelled status; just report back.
			return model.BuildResult{
				Success:          false,
				Cancelled:        true,
				CompletedTickets: done,
				FailedTickets:    failed,
				CostUSD:          st.totalCost,
			}, nil
		}

		ev, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if lastAttempt(job) {
				p.markFailed(ctx, payload.BuildJobID, st.totalCost, err)
			}
			return nil, fmt.Errorf("build stream: %w", err)
		}
		p.handleEvent(ctx, &payload, st, ev, &log)
	}

	return p.finalize(ctx, job, &payload, st, &log)
}

// handleEvent dispatches one frame. A malformed frame is logged and skipped;
// a single bad event never fails the job.
func (p *BuildProcessor) handleEvent(ctx context.Context, payload *model.BuildJobPayload, st *buildState, ev *adapter.SandboxEvent, log *zerolog.Logger) {
	metrics.IncSandboxEvent(queue.QueueBuild, ev.Type)
	jobID := payload.BuildJobID

	switch ev.Type {
	case adapter.EvBuildStarted:
		var data adapter.BuildStartedPayload
		if !decode(ev, &data, queue.QueueBuild, log) {
			return
		}
		if data.Commit != "" {
			if err := p.builds.SetCheckpoint(ctx, jobID, data.Commit); err != nil {
				log.Error().Err(err).Msg("failed to record checkpoint commit")
			}
		}
		tickets := make([]*model.Ticket, 0, len(data.Tickets))
		for _, ref := range data.Tickets {
			tickets = append(tickets, &model.Ticket{ExternalID: ref.ID, Title: ref.Title, Status: model.TicketStatusTodo})
		}
		err := p.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			return p.tickets.ReplaceForJob(ctx, tx, jobID, tickets)
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to seed tickets")
		}

	case adapter.EvTicketStarted:
		var data adapter.TicketPayload
		if !decode(ev, &data, queue.QueueBuild, log) {
			return
		}
		st.currentTicket = data.TicketID
		st.currentTicketCost = 0
		if err := p.tickets.UpdateByExternalID(ctx, jobID, data.TicketID, model.TicketStatusInProgress, 0, ""); err != nil {
			log.Error().Err(err).Str("ticket", data.TicketID).Msg("failed to mark ticket in progress")
		}
		if err := p.builds.SetCurrentTicket(ctx, jobID, data.TicketID); err != nil {
			log.Error().Err(err).Msg("failed to set current ticket")
		}

	case adapter.EvTicketPhase:
		var data adapter.TicketPayload
		if !decode(ev, &data, queue.QueueBuild, log) {
			return
		}
		st.currentTicketCost += data.CostUSD

	case adapter.EvTicketCompleted:
		var data adapter.TicketPayload
		if !decode(ev, &data, queue.QueueBuild, log) {
			return
		}
		status := model.TicketStatusDone
		if !data.Success {
			status = model.TicketStatusError
		}
		cost := st.currentTicketCost + data.CostUSD
		if err := p.tickets.UpdateByExternalID(ctx, jobID, data.TicketID, status, cost, data.Error); err != nil {
			log.Error().Err(err).Str("ticket", data.TicketID).Msg("failed to finalize ticket")
		}
		st.totalCost += cost
		st.currentTicketCost = 0
		metrics.AddJobCost(queue.QueueBuild, cost)

	case adapter.EvLintStarted:
		if err := p.builds.SetValidating(ctx, jobID); err != nil {
			log.Error().Err(err).Msg("failed to enter validating phase")
		}

	case adapter.EvLintCompleted:
		var data adapter.CostPayload
		if !decode(ev, &data, queue.QueueBuild, log) {
			return
		}
		st.totalCost += data.CostUSD
		metrics.AddJobCost(queue.QueueBuild, data.CostUSD)

	case adapter.EvStopped:
		log.Info().Msg("sandbox reported stop")

	case adapter.EvDone:
		var data adapter.DonePayload
		if !decode(ev, &data, queue.QueueBuild, log) {
			return
		}
		st.sandboxTotal = data.TotalCostUSD
		if !data.Success {
			st.domainFailed = true
			st.failReason = data.Error
		}

	default:
		log.Debug().Str("event", ev.Type).Msg("unknown build event, skipping")
	}
}

// finalize recomputes counts from the tickets table and writes the terminal
// status. Domain failure (sandbox said success=false, or any ticket errored)
// ends as failed without a retry: the completed tickets' work is kept.
func (p *BuildProcessor) finalize(ctx context.Context, job *queue.Job, payload *model.BuildJobPayload, st *buildState, log *zerolog.Logger) (any, error) {
	done, failed, err := p.tickets.CountByJob(ctx, payload.BuildJobID)
	if err != nil {
		if lastAttempt(job) {
			p.markFailed(ctx, payload.BuildJobID, st.totalCost, err)
		}
		return nil, fmt.Errorf("recount tickets: %w", err)
	}

	// Reconcile cost: take the larger of our accumulation and the sandbox's
	// own tally, guarding against undercounting on either side.
	cost := st.totalCost
	if st.sandboxTotal > cost {
		cost = st.sandboxTotal
	}

	status := model.BuildStatusCompleted
	errMsg := ""
	if failed > 0 || st.domainFailed {
		status = model.BuildStatusFailed
		errMsg = st.failReason
		if errMsg == "" && failed > 0 {
			errMsg = fmt.Sprintf("%d ticket(s) failed", failed)
		}
	}

	ok, err := p.builds.Finish(ctx, payload.BuildJobID, status, cost, done, failed, errMsg)
	if err != nil {
		return nil, err
	}
	if !ok {
		// A concurrent cancel claimed the row first; leave its verdict.
		log.Info().Msg("terminal status already set elsewhere, keeping it")
	}

	return model.BuildResult{
		Success:          status == model.BuildStatusCompleted,
		CompletedTickets: done,
		FailedTickets:    failed,
		CostUSD:          cost,
		Error:            errMsg,
	}, nil
}

// markFailed records the final attempt's failure. Earlier attempts leave the
// row running so the queue's backoff retry can re-claim it. Conditioned like
// every terminal write.
func (p *BuildProcessor) markFailed(ctx context.Context, jobID string, cost float64, cause error) {
	done, failed, _ := p.tickets.CountByJob(ctx, jobID)
	if _, err := p.builds.Finish(ctx, jobID, model.BuildStatusFailed, cost, done, failed, cause.Error()); err != nil {
		p.log.Error().Err(err).Str("build_job_id", jobID).Msg("failed to record build failure")
	}
}
