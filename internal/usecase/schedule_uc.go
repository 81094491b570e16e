package usecase

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"appforge/internal/domain/model"
	"appforge/internal/domain/ports/repository"
	"appforge/internal/infra/queue"
)

// ScheduleUseCase reconciles the recurring schedules in the broker with the
// maintenance configuration in the database. Run at startup and whenever a
// maintenance job is created, toggled or removed.
type ScheduleUseCase struct {
	queues *queue.Registry
	maint  repository.MaintenanceRepository
	log    *zerolog.Logger

	cleanupInterval time.Duration
	cleanupMaxAge   time.Duration
}

func NewScheduleUseCase(
	queues *queue.Registry,
	maint repository.MaintenanceRepository,
	cleanupInterval, cleanupMaxAge time.Duration,
	logger *zerolog.Logger,
) *ScheduleUseCase {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}
	if cleanupMaxAge <= 0 {
		cleanupMaxAge = 24 * time.Hour
	}
	l := logger.With().Str("component", "schedule_usecase").Logger()
	return &ScheduleUseCase{
		queues:          queues,
		maint:           maint,
		cleanupInterval: cleanupInterval,
		cleanupMaxAge:   cleanupMaxAge,
		log:             &l,
	}
}

// ResyncMaintenanceSchedulers registers one recurring scheduler entry per
// enabled maintenance job and removes entries whose job was disabled or
// deleted. Upserts are idempotent, so resyncing on every startup is safe.
func (uc *ScheduleUseCase) ResyncMaintenanceSchedulers(ctx context.Context) error {
	q := uc.queues.Get(queue.QueueMaintenance)

	jobs, err := uc.maint.ListEnabledJobs(ctx)
	if err != nil {
		return err
	}
	want := make(map[string]*model.MaintenanceJob, len(jobs))
	for _, mj := range jobs {
		want[mj.ID] = mj
	}

	existing, err := q.Schedulers(ctx)
	if err != nil {
		return err
	}
	for _, entry := range existing {
		if _, ok := want[entry.Key]; !ok {
			if err := q.RemoveScheduler(ctx, entry.Key); err != nil {
				uc.log.Warn().Err(err).Str("scheduler_key", entry.Key).Msg("failed to remove stale scheduler")
			}
		}
	}

	for _, mj := range jobs {
		repeat := queue.Repeat{StepDays: mj.Type.StepDays(), AtHourUTC: 2}
		payload := model.MaintenanceJobPayload{
			MaintenanceJobID: mj.ID,
			ProjectID:        mj.ProjectID,
			JobType:          string(mj.Type),
		}
		if err := q.UpsertScheduler(ctx, mj.ID, repeat, "maintenance", payload); err != nil {
			return err
		}
	}

	uc.log.Info().Int("schedulers", len(jobs)).Msg("maintenance schedulers resynced")
	return nil
}

// EnsurePreviewCleanupScheduler registers the fixed-interval preview cleanup
// sweep. One entry with a constant key, shared by all processes.
func (uc *ScheduleUseCase) EnsurePreviewCleanupScheduler(ctx context.Context) error {
	q := uc.queues.Get(queue.QueuePreviewCleanup)
	payload := model.PreviewCleanupPayload{MaxAgeHours: int(uc.cleanupMaxAge.Hours())}
	return q.UpsertScheduler(ctx, "preview-cleanup", queue.Repeat{Every: uc.cleanupInterval}, "preview-cleanup", payload)
}
