package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"appforge/internal/domain"
	"appforge/internal/domain/model"
	"appforge/internal/domain/ports/repository"
	"appforge/internal/infra/queue"
)

// QueueDefaults carries the retry policy applied to enqueued jobs.
type QueueDefaults struct {
	Attempts    int
	Backoff     time.Duration
	TicketsPath string
	BaseBranch  string
}

// JobsUseCase creates job records and enqueues the matching queue jobs. The
// database row is written first, inside a transaction, then the queue job; a
// crash between the two leaves a pending row that never runs, which is
// harmless and visible.
type JobsUseCase struct {
	queues   *queue.Registry
	builds   repository.BuildJobRepository
	envs     repository.EnvironmentJobRepository
	deploys  repository.DeployJobRepository
	maint    repository.MaintenanceRepository
	sessions repository.ChatSessionRepository
	tm       repository.TransactionManager
	defaults QueueDefaults
	log      *zerolog.Logger
}

func NewJobsUseCase(
	queues *queue.Registry,
	builds repository.BuildJobRepository,
	envs repository.EnvironmentJobRepository,
	deploys repository.DeployJobRepository,
	maint repository.MaintenanceRepository,
	sessions repository.ChatSessionRepository,
	tm repository.TransactionManager,
	defaults QueueDefaults,
	logger *zerolog.Logger,
) *JobsUseCase {
	if defaults.Attempts < 1 {
		defaults.Attempts = 3
	}
	if defaults.Backoff <= 0 {
		defaults.Backoff = 5 * time.Second
	}
	l := logger.With().Str("component", "jobs_usecase").Logger()
	return &JobsUseCase{
		queues:   queues,
		builds:   builds,
		envs:     envs,
		deploys:  deploys,
		maint:    maint,
		sessions: sessions,
		tm:       tm,
		defaults: defaults,
		log:      &l,
	}
}

func (uc *JobsUseCase) addOpts() queue.AddOptions {
	return queue.AddOptions{Attempts: uc.defaults.Attempts, Backoff: uc.defaults.Backoff}
}

// BuildRequest is the input for starting a build run.
type BuildRequest struct {
	ProjectID     string
	ChatSessionID string
	GithubToken   string
	DatabaseURL   string
	TestURL       string
	OrgID         string
}

// EnqueueBuild creates the build job record and puts it on the build queue.
// At most one build may be in flight per project: a second enqueue while one
// is waiting or active fails with ErrActiveBuildExists.
func (uc *JobsUseCase) EnqueueBuild(ctx context.Context, req BuildRequest) (*model.BuildJob, string, error) {
	q := uc.queues.Get(queue.QueueBuild)

	active, err := uc.hasActiveBuild(ctx, q, req.ProjectID)
	if err != nil {
		return nil, "", err
	}
	if active {
		return nil, "", domain.ErrActiveBuildExists
	}

	job := model.NewBuildJob(uuid.NewString(), req.ProjectID, req.ChatSessionID, "")
	err = uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		return uc.builds.Save(ctx, tx, job)
	})
	if err != nil {
		return nil, "", err
	}

	qj, err := q.Add(ctx, "build", model.BuildJobPayload{
		BuildJobID:    job.ID,
		ProjectID:     req.ProjectID,
		ChatSessionID: req.ChatSessionID,
		TicketsPath:   uc.defaults.TicketsPath,
		GithubToken:   req.GithubToken,
		DatabaseURL:   req.DatabaseURL,
		BaseBranch:    uc.defaults.BaseBranch,
		TestURL:       req.TestURL,
		OrgID:         req.OrgID,
	}, uc.addOpts())
	if err != nil {
		return nil, "", err
	}
	uc.log.Info().Str("build_job_id", job.ID).Str("queue_job_id", qj.ID).Msg("build enqueued")
	return job, qj.ID, nil
}

// hasActiveBuild scans the build queue's waiting and active lists for a job
// belonging to the project. The queue is the source of truth here: a database
// row can be stuck pending after a crash, but a queue entry means real work.
func (uc *JobsUseCase) hasActiveBuild(ctx context.Context, q *queue.Queue, projectID string) (bool, error) {
	for _, fetch := range []func(context.Context) ([]*queue.Job, error){q.GetActive, q.GetWaiting} {
		jobs, err := fetch(ctx)
		if err != nil {
			return false, err
		}
		for _, j := range jobs {
			var p model.BuildJobPayload
			if err := j.Unmarshal(&p); err != nil {
				continue
			}
			if p.ProjectID == projectID {
				return true, nil
			}
		}
	}
	return false, nil
}

// SubmitRequest is the input for turning a finished build into a pull request.
type SubmitRequest struct {
	BuildJobID    string
	ProjectID     string
	ChatSessionID string
	GithubToken   string
	PRTitle       string
}

func (uc *JobsUseCase) EnqueueSubmit(ctx context.Context, req SubmitRequest) (string, error) {
	job, err := uc.builds.FindByID(ctx, nil, req.BuildJobID)
	if err != nil {
		return "", err
	}
	if job.Status != model.BuildStatusCompleted {
		return "", domain.ErrInvalidArgument
	}

	qj, err := uc.queues.Get(queue.QueueSubmit).Add(ctx, "submit", model.SubmitJobPayload{
		BuildJobID:    req.BuildJobID,
		ProjectID:     req.ProjectID,
		ChatSessionID: req.ChatSessionID,
		GithubToken:   req.GithubToken,
		BaseBranch:    uc.defaults.BaseBranch,
		PRTitle:       req.PRTitle,
	}, uc.addOpts())
	if err != nil {
		return "", err
	}
	uc.log.Info().Str("build_job_id", req.BuildJobID).Str("queue_job_id", qj.ID).Msg("submit enqueued")
	return qj.ID, nil
}

// EnvironmentRequest is the input for an environment bring-up run.
type EnvironmentRequest struct {
	ProjectID     string
	ChatSessionID string
	DatabaseURL   string
}

func (uc *JobsUseCase) EnqueueEnvironment(ctx context.Context, req EnvironmentRequest) (*model.EnvironmentJob, string, error) {
	job := model.NewEnvironmentJob(uuid.NewString(), req.ProjectID, req.ChatSessionID)
	err := uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		return uc.envs.Save(ctx, tx, job)
	})
	if err != nil {
		return nil, "", err
	}

	qj, err := uc.queues.Get(queue.QueueEnvironment).Add(ctx, "environment", model.EnvironmentJobPayload{
		EnvironmentJobID: job.ID,
		ProjectID:        req.ProjectID,
		ChatSessionID:    req.ChatSessionID,
		DatabaseURL:      req.DatabaseURL,
	}, uc.addOpts())
	if err != nil {
		return nil, "", err
	}
	return job, qj.ID, nil
}

// DeployRequest is the input for a deploy run.
type DeployRequest struct {
	ProjectID     string
	ChatSessionID string
	GithubToken   string
	OrgID         string
}

func (uc *JobsUseCase) EnqueueDeploy(ctx context.Context, req DeployRequest) (*model.DeployJob, string, error) {
	job := model.NewDeployJob(uuid.NewString(), req.ProjectID, req.ChatSessionID)
	err := uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		return uc.deploys.Save(ctx, tx, job)
	})
	if err != nil {
		return nil, "", err
	}

	qj, err := uc.queues.Get(queue.QueueDeploy).Add(ctx, "deploy", model.DeployJobPayload{
		DeployJobID:   job.ID,
		ProjectID:     req.ProjectID,
		ChatSessionID: req.ChatSessionID,
		GithubToken:   req.GithubToken,
		OrgID:         req.OrgID,
	}, uc.addOpts())
	if err != nil {
		return nil, "", err
	}
	return job, qj.ID, nil
}

// TriggerMaintenance enqueues one run of a configured maintenance job
// immediately, outside its recurring schedule.
func (uc *JobsUseCase) TriggerMaintenance(ctx context.Context, maintenanceJobID string) (*model.MaintenanceJobRun, string, error) {
	mj, err := uc.maint.FindJob(ctx, nil, maintenanceJobID)
	if err != nil {
		return nil, "", err
	}

	run := model.NewMaintenanceJobRun(uuid.NewString(), mj.ID)
	err = uc.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		return uc.maint.SaveRun(ctx, tx, run)
	})
	if err != nil {
		return nil, "", err
	}

	qj, err := uc.queues.Get(queue.QueueMaintenance).Add(ctx, "maintenance", model.MaintenanceJobPayload{
		MaintenanceJobID: mj.ID,
		RunID:            run.ID,
		ProjectID:        mj.ProjectID,
		JobType:          string(mj.Type),
	}, queue.AddOptions{Attempts: 1})
	if err != nil {
		return nil, "", err
	}
	uc.log.Info().Str("run_id", run.ID).Str("job_type", string(mj.Type)).Msg("maintenance run triggered")
	return run, qj.ID, nil
}

// GetBuild returns the build job with its tickets' counters as last persisted.
func (uc *JobsUseCase) GetBuild(ctx context.Context, id string) (*model.BuildJob, error) {
	return uc.builds.FindByID(ctx, nil, id)
}
