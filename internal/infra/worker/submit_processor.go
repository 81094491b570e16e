package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"appforge/internal/domain/model"
	"appforge/internal/domain/ports/adapter"
	"appforge/internal/domain/ports/repository"
	"appforge/internal/infra/metrics"
	"appforge/internal/infra/queue"
	"appforge/internal/infra/sandbox"
)

// SubmitProcessor turns a completed build into a pull request. Progress is
// mirrored onto the build job's submit status; the PR number, once known, is
// stamped onto the chat session exactly once.
type SubmitProcessor struct {
	builds    repository.BuildJobRepository
	sessions  repository.ChatSessionRepository
	sandboxes adapter.SandboxResolver
	cancels   CancelSignals
	tokens    adapter.GitHubTokenProvider
	log       *zerolog.Logger
}

func NewSubmitProcessor(
	builds repository.BuildJobRepository,
	sessions repository.ChatSessionRepository,
	sandboxes adapter.SandboxResolver,
	cancels CancelSignals,
	tokens adapter.GitHubTokenProvider,
	logger *zerolog.Logger,
) *SubmitProcessor {
	l := logger.With().Str("component", "submit_processor").Logger()
	return &SubmitProcessor{
		builds:    builds,
		sessions:  sessions,
		sandboxes: sandboxes,
		cancels:   cancels,
		tokens:    tokens,
		log:       &l,
	}
}

func (p *SubmitProcessor) Process(ctx context.Context, job *queue.Job) (any, error) {
	var payload model.SubmitJobPayload
	if err := job.Unmarshal(&payload); err != nil {
		return nil, fmt.Errorf("decode submit payload: %w", err)
	}
	log := p.log.With().Str("job_id", job.ID).Str("build_job_id", payload.BuildJobID).Logger()

	token := payload.GithubToken
	if token == "" && p.tokens != nil {
		var err error
		if token, err = p.tokens.Token(ctx); err != nil {
			log.Warn().Err(err).Msg("github token unavailable, continuing without")
		}
	}

	if err := p.builds.SetSubmitStatus(ctx, payload.BuildJobID, model.SubmitStatusReviewing, ""); err != nil {
		return nil, err
	}

	client := p.sandboxes.ForProject(payload.ProjectID)
	stream, err := client.Stream(ctx, sandbox.PathSubmit, submitRequest{
		GithubToken: token,
		BaseBranch:  payload.BaseBranch,
		PRTitle:     payload.PRTitle,
	})
	if err != nil {
		if lastAttempt(job) {
			p.markFailed(ctx, payload.BuildJobID, err)
		}
		return nil, err
	}
	defer stream.Close()

	var prNumber int
	var prURL string
	var failErr string

	for {
		cancelled, cerr := p.cancels.IsCancelled(ctx, job.ID)
		if cerr != nil {
			log.Warn().Err(cerr).Msg("cancel flag check failed")
		}
		if cancelled {
			_ = p.cancels.Clear(ctx, job.ID)
			metrics.IncCancellation(queue.QueueSubmit)
			p.markFailed(ctx, payload.BuildJobID, errors.New("submit cancelled"))
			log.Info().Msg("submit cancelled cooperatively")
			return model.SubmitResult{Success: false, Error: "cancelled"}, nil
		}

		ev, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if lastAttempt(job) {
				p.markFailed(ctx, payload.BuildJobID, err)
			}
			return nil, fmt.Errorf("submit stream: %w", err)
		}
		metrics.IncSandboxEvent(queue.QueueSubmit, ev.Type)

		switch ev.Type {
		case adapter.EvReviewStarted:
			// Already reviewing; nothing to update.
		case adapter.EvCommitStarted:
			if err := p.builds.SetSubmitStatus(ctx, payload.BuildJobID, model.SubmitStatusCommitting, ""); err != nil {
				log.Error().Err(err).Msg("failed to set committing status")
			}
		case adapter.EvPRStarted:
			if err := p.builds.SetSubmitStatus(ctx, payload.BuildJobID, model.SubmitStatusCreatingPR, ""); err != nil {
				log.Error().Err(err).Msg("failed to set creating_pr status")
			}
		case adapter.EvPRCompleted:
			var data adapter.PRPayload
			if !decode(ev, &data, queue.QueueSubmit, &log) {
				continue
			}
			if data.Number == 0 {
				data.Number = prNumberFromURL(data.URL)
			}
			prNumber, prURL = data.Number, data.URL
		case adapter.EvError:
			var data adapter.MessagePayload
			if decode(ev, &data, queue.QueueSubmit, &log) {
				failErr = data.Message
			} else {
				failErr = "submit failed"
			}
		default:
			log.Debug().Str("event", ev.Type).Msg("unknown submit event, skipping")
		}
	}

	if failErr != "" || prNumber == 0 {
		if failErr == "" {
			failErr = "stream ended without a pull request"
		}
		if err := p.builds.SetSubmitStatus(ctx, payload.BuildJobID, model.SubmitStatusFailed, failErr); err != nil {
			log.Error().Err(err).Msg("failed to record submit failure")
		}
		return model.SubmitResult{Success: false, Error: failErr}, nil
	}

	if err := p.builds.SetSubmitStatus(ctx, payload.BuildJobID, model.SubmitStatusSubmitted, ""); err != nil {
		log.Error().Err(err).Msg("failed to record submitted status")
	}
	ok, err := p.sessions.SetPRNumberOnce(ctx, payload.ChatSessionID, prNumber)
	if err != nil {
		log.Error().Err(err).Msg("failed to stamp pr number on session")
	} else if !ok {
		log.Info().Int("pr", prNumber).Msg("session already carries a pr number, keeping the first")
	}

	log.Info().Int("pr", prNumber).Str("url", prURL).Msg("submit completed")
	return model.SubmitResult{Success: true, PRNumber: prNumber, PRURL: prURL}, nil
}

func (p *SubmitProcessor) markFailed(ctx context.Context, buildJobID string, cause error) {
	if err := p.builds.SetSubmitStatus(ctx, buildJobID, model.SubmitStatusFailed, cause.Error()); err != nil {
		p.log.Error().Err(err).Str("build_job_id", buildJobID).Msg("failed to record submit failure")
	}
}

// prNumberFromURL pulls the number out of a pull request URL's trailing
// /pull/<n> segment. Older sandbox images omit the structured number field
// and send only the URL.
func prNumberFromURL(u string) int {
	const marker = "/pull/"
	i := strings.LastIndex(u, marker)
	if i < 0 {
		return 0
	}
	rest := strings.Trim(u[i+len(marker):], "/")
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
