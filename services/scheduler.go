package services

import (
	goctx "context"
	"time"

	"github.com/alphabatem/common/context"
	"github.com/go-co-op/gocron/v2"
	log "github.com/sirupsen/logrus"

	"github.com/k-orbit/korbit_api/services/repositories"
)

// SchedulerService runs the daily maintenance jobs: the streak audit
// (streaks lapse explicitly instead of on next read) and leaderboard cache
// invalidation.
type SchedulerService struct {
	context.DefaultService

	sched gocron.Scheduler

	repo   *repositories.GamificationRepository
	gamSvc *GamificationService
}

const SCHEDULER_SVC = "scheduler_svc"

func (svc SchedulerService) Id() string {
	return SCHEDULER_SVC
}

func (svc *SchedulerService) Start() error {
	svc.repo = svc.Service(POSTGRES_SVC).(*PostgresService).GamificationRepo()
	svc.gamSvc = svc.Service(GAMIFICATION_SVC).(*GamificationService)

	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	svc.sched = sched

	_, err = sched.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(0, 15, 0))),
		gocron.NewTask(svc.runDailyAudit),
	)
	if err != nil {
		return err
	}

	sched.Start()
	log.Info("scheduler started")
	return nil
}

func (svc *SchedulerService) Shutdown() {
	if svc.sched != nil {
		_ = svc.sched.Shutdown()
	}
}

func (svc *SchedulerService) runDailyAudit() {
	ctx, cancel := goctx.WithTimeout(goctx.Background(), time.Minute)
	defer cancel()

	// A streak survives only if there was activity yesterday or today.
	cutoff := time.Now().Truncate(24 * time.Hour).AddDate(0, 0, -1)
	reset, err := svc.repo.ResetLapsedStreaks(ctx, cutoff)
	if err != nil {
		log.WithError(err).Error("streak audit failed")
	} else {
		log.WithField("reset", reset).Info("streak audit complete")
	}

	if err := svc.gamSvc.InvalidateLeaderboards(ctx); err != nil {
		log.WithError(err).Error("leaderboard invalidation failed")
	}
}
