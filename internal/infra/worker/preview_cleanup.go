package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"appforge/internal/domain/model"
	"appforge/internal/domain/ports/adapter"
	"appforge/internal/domain/ports/repository"
	"appforge/internal/infra/queue"
)

// PreviewCleanupProcessor removes preview environments left behind by deploys
// older than the configured age. Destruction is best effort; the row is marked
// removed only after the teardown call succeeded, so a failed teardown is
// retried on the next sweep.
type PreviewCleanupProcessor struct {
	deploys   repository.DeployJobRepository
	lifecycle adapter.SandboxLifecycle
	log       *zerolog.Logger
}

func NewPreviewCleanupProcessor(
	deploys repository.DeployJobRepository,
	lifecycle adapter.SandboxLifecycle,
	logger *zerolog.Logger,
) *PreviewCleanupProcessor {
	l := logger.With().Str("component", "preview_cleanup").Logger()
	return &PreviewCleanupProcessor{deploys: deploys, lifecycle: lifecycle, log: &l}
}

func (p *PreviewCleanupProcessor) Process(ctx context.Context, job *queue.Job) (any, error) {
	var payload model.PreviewCleanupPayload
	if err := job.Unmarshal(&payload); err != nil {
		return nil, fmt.Errorf("decode cleanup payload: %w", err)
	}
	maxAge := time.Duration(payload.MaxAgeHours) * time.Hour
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}

	stale, err := p.deploys.ListStalePreviews(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return nil, fmt.Errorf("list stale previews: %w", err)
	}

	removed := 0
	for _, d := range stale {
		// Preview sandboxes are addressed by project.
		sandboxID := "preview-" + d.ProjectID
		if err := p.lifecycle.DestroySandbox(ctx, sandboxID); err != nil {
			p.log.Warn().Err(err).Str("deploy_job_id", d.ID).Str("sandbox_id", sandboxID).Msg("preview teardown failed, will retry next sweep")
			continue
		}
		if err := p.deploys.MarkPreviewRemoved(ctx, d.ID); err != nil {
			p.log.Error().Err(err).Str("deploy_job_id", d.ID).Msg("failed to mark preview removed")
			continue
		}
		removed++
	}

	if removed > 0 || len(stale) > 0 {
		p.log.Info().Int("stale", len(stale)).Int("removed", removed).Msg("preview cleanup sweep finished")
	}
	return model.CleanupResult{Removed: removed}, nil
}
