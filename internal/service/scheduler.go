package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/haatos/patchtest/internal/store"
)

type SourceSyncer interface {
	SyncByID(context.Context, int64) (*SyncReport, error)
}

type BaselineEstablisher interface {
	Establish(context.Context, string, string) (*store.Baseline, error)
}

func NewScheduler() (gocron.Scheduler, error) {
	return gocron.NewScheduler()
}

// CronScheduler runs source syncs and baseline refreshes on cron schedules.
// A job still running when its next tick is due is rescheduled instead of
// started twice.
type CronScheduler struct {
	scheduler gocron.Scheduler
	syncer    SourceSyncer
	baselines BaselineEstablisher
	logger    *slog.Logger
}

func NewCronScheduler(
	scheduler gocron.Scheduler,
	syncer SourceSyncer,
	baselines BaselineEstablisher,
	logger *slog.Logger,
) *CronScheduler {
	return &CronScheduler{
		scheduler: scheduler,
		syncer:    syncer,
		baselines: baselines,
		logger:    logger,
	}
}

// ScheduleSync runs SyncByID for patchSourceID on schedule. Jobs use ctx
// for their whole lifetime.
func (s *CronScheduler) ScheduleSync(
	ctx context.Context,
	patchSourceID int64,
	schedule string,
) (uuid.UUID, error) {
	job, err := s.scheduler.NewJob(
		gocron.CronJob(schedule, false),
		gocron.NewTask(func() {
			report, err := s.syncer.SyncByID(ctx, patchSourceID)
			switch {
			case errors.Is(err, ErrNoBaseline), errors.Is(err, ErrSyncInProgress):
				s.logger.Warn("sync refused", "patch_source_id", patchSourceID, "error", err)
			case err != nil:
				s.logger.Error("sync failed", "patch_source_id", patchSourceID, "error", err)
			default:
				s.logger.Debug("scheduled sync done", "patch_source_id", patchSourceID, "new_patches", report.NewPatches)
			}
		}),
		gocron.WithName(fmt.Sprintf("sync-%d", patchSourceID)),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("error scheduling sync of patch source %d: %w", patchSourceID, err)
	}
	return job.ID(), nil
}

// ScheduleBaselineRefresh probes the head of ref on schedule.
func (s *CronScheduler) ScheduleBaselineRefresh(
	ctx context.Context,
	repoURL, ref, schedule string,
) (uuid.UUID, error) {
	job, err := s.scheduler.NewJob(
		gocron.CronJob(schedule, false),
		gocron.NewTask(func() {
			if _, err := s.baselines.Establish(ctx, repoURL, ref); err != nil {
				s.logger.Error("baseline refresh failed", "repo_url", repoURL, "ref", ref, "error", err)
			}
		}),
		gocron.WithName(fmt.Sprintf("baseline-%s-%s", repoURL, ref)),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("error scheduling baseline refresh of %s %s: %w", repoURL, ref, err)
	}
	return job.ID(), nil
}

func (s *CronScheduler) Start() {
	s.scheduler.Start()
}

func (s *CronScheduler) Shutdown() error {
	return s.scheduler.Shutdown()
}
