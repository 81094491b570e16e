package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"appforge/internal/domain/model"
	"appforge/internal/domain/ports/adapter"
	"appforge/internal/domain/ports/repository"
	"appforge/internal/infra/metrics"
	"appforge/internal/infra/queue"
	"appforge/internal/infra/sandbox"
)

// DeployProcessor runs deploy jobs, collecting the service URLs the sandbox
// announces as it brings services up.
type DeployProcessor struct {
	deploys   repository.DeployJobRepository
	sandboxes adapter.SandboxResolver
	cancels   CancelSignals
	tokens    adapter.GitHubTokenProvider
	log       *zerolog.Logger
}

func NewDeployProcessor(
	deploys repository.DeployJobRepository,
	sandboxes adapter.SandboxResolver,
	cancels CancelSignals,
	tokens adapter.GitHubTokenProvider,
	logger *zerolog.Logger,
) *DeployProcessor {
	l := logger.With().Str("component", "deploy_processor").Logger()
	return &DeployProcessor{deploys: deploys, sandboxes: sandboxes, cancels: cancels, tokens: tokens, log: &l}
}

func (p *DeployProcessor) Process(ctx context.Context, job *queue.Job) (any, error) {
	var payload model.DeployJobPayload
	if err := job.Unmarshal(&payload); err != nil {
		return nil, fmt.Errorf("decode deploy payload: %w", err)
	}
	log := p.log.With().Str("job_id", job.ID).Str("deploy_job_id", payload.DeployJobID).Logger()

	ok, err := p.deploys.MarkRunning(ctx, payload.DeployJobID, time.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Info().Msg("deploy job already finalized, skipping")
		return model.DeployResult{Success: false}, nil
	}

	token := payload.GithubToken
	if token == "" && p.tokens != nil {
		if token, err = p.tokens.Token(ctx); err != nil {
			log.Warn().Err(err).Msg("github token unavailable, continuing without")
		}
	}

	client := p.sandboxes.ForProject(payload.ProjectID)
	stream, err := client.Stream(ctx, sandbox.PathDeploy, deployRequest{GithubToken: token, OrgID: payload.OrgID})
	if err != nil {
		if lastAttempt(job) {
			p.markFailed(ctx, payload.DeployJobID, nil, 0, err)
		}
		return nil, err
	}
	defer stream.Close()

	var urls []string
	var cost float64
	var done adapter.DonePayload
	sawDone := false

	for {
		cancelled, cerr := p.cancels.IsCancelled(ctx, job.ID)
		if cerr != nil {
			log.Warn().Err(cerr).Msg("cancel flag check failed")
		}
		if cancelled {
			_ = p.cancels.Clear(ctx, job.ID)
			metrics.IncCancellation(queue.QueueDeploy)
			p.markFailed(ctx, payload.DeployJobID, urls, cost, errors.New("cancelled"))
			return model.DeployResult{Success: false, ServiceURLs: urls, CostUSD: cost, Error: "cancelled"}, nil
		}

		ev, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if lastAttempt(job) {
				p.markFailed(ctx, payload.DeployJobID, urls, cost, err)
			}
			return nil, fmt.Errorf("deploy stream: %w", err)
		}
		metrics.IncSandboxEvent(queue.QueueDeploy, ev.Type)

		switch ev.Type {
		case adapter.EvServiceDeployed:
			var data adapter.ServicePayload
			if decode(ev, &data, queue.QueueDeploy, &log) && data.URL != "" {
				urls = append(urls, data.URL)
			}
		case adapter.EvProgress, adapter.EvLog:
			// Progress text is informational only for deploys.
		case adapter.EvDone:
			if decode(ev, &done, queue.QueueDeploy, &log) {
				sawDone = true
			}
		default:
			log.Debug().Str("event", ev.Type).Msg("unknown deploy event, skipping")
		}
	}

	if done.TotalCostUSD > cost {
		cost = done.TotalCostUSD
	}
	metrics.AddJobCost(queue.QueueDeploy, cost)

	if !sawDone || !done.Success {
		errMsg := done.Error
		if errMsg == "" {
			errMsg = "deploy did not complete"
		}
		if _, err := p.deploys.Finish(ctx, payload.DeployJobID, model.JobStatusFailed, urls, cost, errMsg); err != nil {
			return nil, err
		}
		return model.DeployResult{Success: false, ServiceURLs: urls, CostUSD: cost, Error: errMsg}, nil
	}

	if _, err := p.deploys.Finish(ctx, payload.DeployJobID, model.JobStatusCompleted, urls, cost, ""); err != nil {
		return nil, err
	}
	log.Info().Int("services", len(urls)).Msg("deploy completed")
	return model.DeployResult{Success: true, ServiceURLs: urls, CostUSD: cost}, nil
}

func (p *DeployProcessor) markFailed(ctx context.Context, id string, urls []string, cost float64, cause error) {
	if _, err := p.deploys.Finish(ctx, id, model.JobStatusFailed, urls, cost, cause.Error()); err != nil {
		p.log.Error().Err(err).Str("deploy_job_id", id).Msg("failed to record deploy failure")
	}
}
