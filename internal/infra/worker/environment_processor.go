package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"appforge/internal/domain/model"
	"appforge/internal/domain/ports/adapter"
	"appforge/internal/domain/ports/repository"
	"appforge/internal/infra/metrics"
	"appforge/internal/infra/queue"
	"appforge/internal/infra/sandbox"
)

// EnvironmentProcessor runs environment bring-up jobs. These are short and
// independent per project, so the queue runs them with higher concurrency.
type EnvironmentProcessor struct {
	envs      repository.EnvironmentJobRepository
	sandboxes adapter.SandboxResolver
	cancels   CancelSignals
	log       *zerolog.Logger
}

func NewEnvironmentProcessor(
	envs repository.EnvironmentJobRepository,
	sandboxes adapter.SandboxResolver,
	cancels CancelSignals,
	logger *zerolog.Logger,
) *EnvironmentProcessor {
	l := logger.With().Str("component", "environment_processor").Logger()
	return &EnvironmentProcessor{envs: envs, sandboxes: sandboxes, cancels: cancels, log: &l}
}

func (p *EnvironmentProcessor) Process(ctx context.Context, job *queue.Job) (any, error) {
	var payload model.EnvironmentJobPayload
	if err := job.Unmarshal(&payload); err != nil {
		return nil, fmt.Errorf("decode environment payload: %w", err)
	}
	log := p.log.With().Str("job_id", job.ID).Str("environment_job_id", payload.EnvironmentJobID).Logger()

	ok, err := p.envs.MarkRunning(ctx, payload.EnvironmentJobID, time.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Info().Msg("environment job already finalized, skipping")
		return model.EnvironmentResult{Success: false}, nil
	}

	client := p.sandboxes.ForProject(payload.ProjectID)
	stream, err := client.Stream(ctx, sandbox.PathEnvironment, environmentRequest{DatabaseURL: payload.DatabaseURL})
	if err != nil {
		if lastAttempt(job) {
			p.markFailed(ctx, payload.EnvironmentJobID, 0, err)
		}
		return nil, err
	}
	defer stream.Close()

	var cost float64
	var progress []string
	var done adapter.DonePayload
	sawDone := false

	for {
		cancelled, cerr := p.cancels.IsCancelled(ctx, job.ID)
		if cerr != nil {
			log.Warn().Err(cerr).Msg("cancel flag check failed")
		}
		if cancelled {
			_ = p.cancels.Clear(ctx, job.ID)
			metrics.IncCancellation(queue.QueueEnvironment)
			p.markFailed(ctx, payload.EnvironmentJobID, cost, errors.New("cancelled"))
			return model.EnvironmentResult{Success: false, CostUSD: cost, Error: "cancelled"}, nil
		}

		ev, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if lastAttempt(job) {
				p.markFailed(ctx, payload.EnvironmentJobID, cost, err)
			}
			return nil, fmt.Errorf("environment stream: %w", err)
		}
		metrics.IncSandboxEvent(queue.QueueEnvironment, ev.Type)

		switch ev.Type {
		case adapter.EvProgress, adapter.EvLog:
			var data adapter.MessagePayload
			if decode(ev, &data, queue.QueueEnvironment, &log) && data.Message != "" {
				progress = append(progress, data.Message)
			}
		case adapter.EvDone:
			if decode(ev, &done, queue.QueueEnvironment, &log) {
				sawDone = true
			}
		default:
			log.Debug().Str("event", ev.Type).Msg("unknown environment event, skipping")
		}
	}

	if done.TotalCostUSD > cost {
		cost = done.TotalCostUSD
	}
	metrics.AddJobCost(queue.QueueEnvironment, cost)

	result := done.Result
	if result == "" {
		result = strings.Join(progress, "\n")
	}

	if !sawDone || !done.Success {
		errMsg := done.Error
		if errMsg == "" {
			errMsg = "environment setup did not complete"
		}
		if _, err := p.envs.Finish(ctx, payload.EnvironmentJobID, model.JobStatusFailed, result, cost, errMsg); err != nil {
			return nil, err
		}
		return model.EnvironmentResult{Success: false, CostUSD: cost, Error: errMsg}, nil
	}

	if _, err := p.envs.Finish(ctx, payload.EnvironmentJobID, model.JobStatusCompleted, result, cost, ""); err != nil {
		return nil, err
	}
	return model.EnvironmentResult{Success: true, CostUSD: cost}, nil
}

func (p *EnvironmentProcessor) markFailed(ctx context.Context, id string, cost float64, cause error) {
	if _, err := p.envs.Finish(ctx, id, model.JobStatusFailed, "", cost, cause.Error()); err != nil {
		p.log.Error().Err(err).Str("environment_job_id", id).Msg("failed to record environment failure")
	}
}
