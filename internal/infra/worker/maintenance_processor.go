package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"appforge/internal/domain/model"
	"appforge/internal/domain/ports/adapter"
	"appforge/internal/domain/ports/repository"
	"appforge/internal/infra/metrics"
	"appforge/internal/infra/queue"
	"appforge/internal/infra/sandbox"
)

// MaintenanceProcessor executes one scheduled maintenance run inside a fresh
// ephemeral sandbox, which is always torn down afterwards regardless of
// outcome.
type MaintenanceProcessor struct {
	maint     repository.MaintenanceRepository
	tm        repository.TransactionManager
	lifecycle adapter.SandboxLifecycle
	cancels   CancelSignals
	log       *zerolog.Logger
}

func NewMaintenanceProcessor(
	maint repository.MaintenanceRepository,
	tm repository.TransactionManager,
	lifecycle adapter.SandboxLifecycle,
	cancels CancelSignals,
	logger *zerolog.Logger,
) *MaintenanceProcessor {
	l := logger.With().Str("component", "maintenance_processor").Logger()
	return &MaintenanceProcessor{maint: maint, tm: tm, lifecycle: lifecycle, cancels: cancels, log: &l}
}

func (p *MaintenanceProcessor) Process(ctx context.Context, job *queue.Job) (any, error) {
	var payload model.MaintenanceJobPayload
	if err := job.Unmarshal(&payload); err != nil {
		return nil, fmt.Errorf("decode maintenance payload: %w", err)
	}
	// Scheduler-fired jobs carry no run id: the run row is created here, at
	// pickup time. Manually triggered runs arrive with the row already made.
	if payload.RunID == "" {
		run := model.NewMaintenanceJobRun(uuid.NewString(), payload.MaintenanceJobID)
		err := p.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			return p.maint.SaveRun(ctx, tx, run)
		})
		if err != nil {
			return nil, fmt.Errorf("create maintenance run: %w", err)
		}
		payload.RunID = run.ID
	}

	log := p.log.With().
		Str("job_id", job.ID).
		Str("run_id", payload.RunID).
		Str("job_type", payload.JobType).
		Logger()

	ok, err := p.maint.MarkRunRunning(ctx, payload.RunID, time.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Info().Msg("maintenance run already finalized, skipping")
		return model.MaintenanceResult{Success: false, RunID: payload.RunID}, nil
	}

	info, err := p.lifecycle.CreateSandbox(ctx, payload.ProjectID)
	if err != nil {
		if lastAttempt(job) {
			p.markFailed(ctx, payload.RunID, "", err)
		}
		return nil, fmt.Errorf("create maintenance sandbox: %w", err)
	}
	defer func() {
		// Teardown uses a fresh context so shutdown cannot leak sandboxes.
		dctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := p.lifecycle.DestroySandbox(dctx, info.ID); err != nil {
			log.Error().Err(err).Str("sandbox_id", info.ID).Msg("failed to destroy maintenance sandbox")
		}
	}()

	client := p.lifecycle.ClientFor(info)
	stream, err := client.Stream(ctx, sandbox.PathMaintenance, maintenanceRequest{JobType: payload.JobType})
	if err != nil {
		if lastAttempt(job) {
			p.markFailed(ctx, payload.RunID, "", err)
		}
		return nil, err
	}
	defer stream.Close()

	var lines []string
	var done adapter.DonePayload
	sawDone := false

	for {
		cancelled, cerr := p.cancels.IsCancelled(ctx, job.ID)
		if cerr != nil {
			log.Warn().Err(cerr).Msg("cancel flag check failed")
		}
		if cancelled {
			_ = p.cancels.Clear(ctx, job.ID)
			metrics.IncCancellation(queue.QueueMaintenance)
			p.markFailed(ctx, payload.RunID, strings.Join(lines, "\n"), errors.New("cancelled"))
			return model.MaintenanceResult{Success: false, RunID: payload.RunID, Error: "cancelled"}, nil
		}

		ev, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if lastAttempt(job) {
				p.markFailed(ctx, payload.RunID, strings.Join(lines, "\n"), err)
			}
			return nil, fmt.Errorf("maintenance stream: %w", err)
		}
		metrics.IncSandboxEvent(queue.QueueMaintenance, ev.Type)

		switch ev.Type {
		case adapter.EvProgress, adapter.EvLog:
			var data adapter.MessagePayload
			if decode(ev, &data, queue.QueueMaintenance, &log) && data.Message != "" {
				lines = append(lines, data.Message)
			}
		case adapter.EvDone:
			if decode(ev, &done, queue.QueueMaintenance, &log) {
				sawDone = true
			}
		default:
			log.Debug().Str("event", ev.Type).Msg("unknown maintenance event, skipping")
		}
	}

	runLog := done.Log
	if runLog == "" {
		runLog = strings.Join(lines, "\n")
	}

	if !sawDone || !done.Success {
		errMsg := done.Error
		if errMsg == "" {
			errMsg = "maintenance run did not complete"
		}
		if _, err := p.maint.FinishRun(ctx, payload.RunID, model.JobStatusFailed, runLog, errMsg); err != nil {
			return nil, err
		}
		return model.MaintenanceResult{Success: false, RunID: payload.RunID, Error: errMsg}, nil
	}

	if _, err := p.maint.FinishRun(ctx, payload.RunID, model.JobStatusCompleted, runLog, ""); err != nil {
		return nil, err
	}
	log.Info().Msg("maintenance run completed")
	return model.MaintenanceResult{Success: true, RunID: payload.RunID}, nil
}

func (p *MaintenanceProcessor) markFailed(ctx context.Context, runID, runLog string, cause error) {
	if _, err := p.maint.FinishRun(ctx, runID, model.JobStatusFailed, runLog, cause.Error()); err != nil {
		p.log.Error().Err(err).Str("run_id", runID).Msg("failed to record maintenance failure")
	}
}
