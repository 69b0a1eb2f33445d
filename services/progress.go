package services

import (
	goctx "context"
	"errors"
	"math/rand"
	"time"

	"github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"

	"github.com/k-orbit/korbit_api/dto"
	"github.com/k-orbit/korbit_api/model"
	"github.com/k-orbit/korbit_api/services/repositories"
	"github.com/k-orbit/korbit_api/shared"
)

// Sentinel errors surfaced by ProgressStore implementations, re-exported
// from shared for the pipeline's callers.
var (
	ErrNotEnrolled     = shared.ErrNotEnrolled
	ErrLessonNotFound  = shared.ErrLessonNotFound
	ErrCourseNotFound  = shared.ErrCourseNotFound
	ErrEnrollmentBusy  = shared.ErrEnrollmentBusy
	ErrAlreadyEnrolled = shared.ErrAlreadyEnrolled
)

const (
	completionMaxAttempts    = 4
	completionRetryBaseDelay = 50 * time.Millisecond
)

type ProgressService struct {
	context.DefaultService

	store  repositories.ProgressStore
	engine *RewardEngine
	busSvc *EventBusService
	monSvc *MonitoringService

	now func() time.Time
}

const PROGRESS_SVC = "progress_svc"

func (svc ProgressService) Id() string {
	return PROGRESS_SVC
}

func (svc *ProgressService) Configure(ctx *context.Context) error {
	svc.engine = NewRewardEngine()
	svc.now = time.Now
	return svc.DefaultService.Configure(ctx)
}

func (svc *ProgressService) Start() error {
	svc.store = svc.Service(POSTGRES_SVC).(*PostgresService).ProgressStore()
	svc.busSvc = svc.Service(EVENT_BUS_SVC).(*EventBusService)
	svc.monSvc = svc.Service(MONITORING_SVC).(*MonitoringService)
	return nil
}

// Enroll creates a not-started enrollment for the user in a published
// course. Enrolling twice is a conflict.
func (svc *ProgressService) Enroll(ctx goctx.Context, userID, courseID string) (*dto.EnrollmentResponse, error) {
	published, err := svc.store.CoursePublished(ctx, courseID)
	if err != nil {
		if errors.Is(err, ErrCourseNotFound) {
			return nil, shared.NewNotFoundError(err, "Course not found")
		}
		return nil, shared.NewInternalError(err, "Failed to look up course")
	}
	if !published {
		return nil, shared.NewNotFoundError(ErrCourseNotFound, "Course not found")
	}

	enrollment := &model.Enrollment{
		ID:        newID(),
		UserID:    userID,
		CourseID:  courseID,
		Status:    model.EnrollmentNotStarted,
		CreatedAt: svc.now(),
		UpdatedAt: svc.now(),
	}
	if err := enrollment.SetCompletedLessons([]string{}); err != nil {
		return nil, shared.NewInternalError(err, "Failed to create enrollment")
	}

	if err := svc.store.CreateEnrollment(ctx, enrollment); err != nil {
		if errors.Is(err, ErrAlreadyEnrolled) {
			return nil, shared.NewConflictError(err, "Already enrolled in this course")
		}
		return nil, shared.NewInternalError(err, "Failed to create enrollment")
	}

	log.WithFields(log.Fields{
		"user_id":   userID,
		"course_id": courseID,
	}).Info("user enrolled")

	return enrollmentResponse(enrollment), nil
}

// CompleteLesson runs the full completion pipeline: resolve the lesson's
// course, evaluate the reward rules inside the enrollment lock, persist the
// outcome, then publish the event sequence. Publishing happens only after
// the transaction commits, so clients never see rewards that later roll
// back.
func (svc *ProgressService) CompleteLesson(ctx goctx.Context, userID, lessonID string, req dto.CompleteLessonRequest) (*dto.CompleteLessonResponse, error) {
	courseID, requiredLessons, err := svc.store.CourseForLesson(ctx, lessonID)
	if err != nil {
		if errors.Is(err, ErrLessonNotFound) {
			return nil, shared.NewNotFoundError(err, "Lesson not found")
		}
		return nil, shared.NewInternalError(err, "Failed to look up lesson")
	}

	var ev Evaluation
	run := func(tx repositories.ProgressTx) error {
		enrollment, err := tx.Enrollment()
		if err != nil {
			return err
		}

		alreadyDone, err := tx.LessonCompleted(lessonID)
		if err != nil {
			return err
		}

		aggregate, err := tx.UserAggregate()
		if err != nil {
			return err
		}
		streak, err := tx.Streak()
		if err != nil {
			return err
		}
		badges, err := tx.ActiveBadges()
		if err != nil {
			return err
		}
		held, err := tx.HeldBadgeIDs()
		if err != nil {
			return err
		}

		ev, err = svc.engine.Evaluate(PriorState{
			Enrollment:      enrollment,
			LessonCompleted: alreadyDone,
			Aggregate:       aggregate,
			Streak:          streak,
			ActiveBadges:    badges,
			HeldBadgeIDs:    held,
		}, CompletionFact{
			UserID:            userID,
			LessonID:          lessonID,
			CourseID:          courseID,
			RequiredLessonIDs: requiredLessons,
			TimeSpent:         req.TimeSpent,
			Now:               svc.now(),
		})
		if err != nil {
			return err
		}
		if ev.NoOp {
			return nil
		}

		return tx.Apply(ev.Delta)
	}

	if err := svc.withEnrollmentLock(ctx, userID, courseID, run); err != nil {
		if errors.Is(err, ErrNotEnrolled) {
			return nil, shared.NewNotFoundError(err, "Not enrolled in this course")
		}
		if errors.Is(err, ErrEnrollmentBusy) {
			return nil, shared.NewTooManyRequestsError(err, "Too Many Requests")
		}
		return nil, shared.NewInternalError(err, "Failed to complete lesson")
	}

	if ev.NoOp {
		return svc.noOpResponse(ctx, userID, lessonID, courseID)
	}

	for _, event := range ev.Events {
		svc.busSvc.Publish(event)
	}

	svc.monSvc.LessonCompletions.Inc()
	svc.monSvc.XPAwarded.Add(float64(ev.XPAwarded))
	svc.monSvc.BadgesUnlocked.Add(float64(len(ev.NewBadges)))

	log.WithFields(log.Fields{
		"user_id":    userID,
		"lesson_id":  lessonID,
		"course_id":  courseID,
		"progress":   ev.ProgressPercentage,
		"xp_awarded": ev.XPAwarded,
		"badges":     len(ev.NewBadges),
	}).Info("lesson completed")

	resp := &dto.CompleteLessonResponse{
		LessonID:           lessonID,
		CourseID:           courseID,
		ProgressPercentage: ev.ProgressPercentage,
		CourseCompleted:    ev.CourseCompleted,
		XPAwarded:          ev.XPAwarded,
		TotalXP:            ev.TotalXP,
		Level:              ev.Level,
	}
	for i := range ev.NewBadges {
		resp.NewBadges = append(resp.NewBadges, badgeResponse(&ev.NewBadges[i], nil))
	}
	return resp, nil
}

// withEnrollmentLock retries bounded lock contention with jittered backoff
// before giving up with ErrEnrollmentBusy.
func (svc *ProgressService) withEnrollmentLock(ctx goctx.Context, userID, courseID string, fn func(tx repositories.ProgressTx) error) error {
	var err error
	for attempt := 1; attempt <= completionMaxAttempts; attempt++ {
		err = svc.store.InEnrollmentTx(ctx, userID, courseID, fn)
		if !errors.Is(err, ErrEnrollmentBusy) {
			return err
		}

		if attempt < completionMaxAttempts {
			delay := completionRetryBaseDelay + time.Duration(rand.Int63n(int64(2*completionRetryBaseDelay)))
			log.WithFields(log.Fields{
				"user_id":   userID,
				"course_id": courseID,
				"attempt":   attempt,
			}).Debug("enrollment locked, retrying")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}

// noOpResponse reports current progress for an idempotent repeat completion.
func (svc *ProgressService) noOpResponse(ctx goctx.Context, userID, lessonID, courseID string) (*dto.CompleteLessonResponse, error) {
	resp := &dto.CompleteLessonResponse{
		LessonID:         lessonID,
		CourseID:         courseID,
		AlreadyCompleted: true,
	}

	err := svc.store.InEnrollmentTx(ctx, userID, courseID, func(tx repositories.ProgressTx) error {
		enrollment, err := tx.Enrollment()
		if err != nil {
			return err
		}
		aggregate, err := tx.UserAggregate()
		if err != nil {
			return err
		}

		resp.ProgressPercentage = enrollment.ProgressPercentage
		resp.CourseCompleted = enrollment.Status == model.EnrollmentCompleted
		resp.TotalXP = aggregate.TotalXP
		resp.Level = LevelForXP(aggregate.TotalXP)
		return nil
	})
	if err != nil {
		return nil, shared.NewInternalError(err, "Failed to load progress")
	}
	return resp, nil
}

func enrollmentResponse(e *model.Enrollment) *dto.EnrollmentResponse {
	resp := &dto.EnrollmentResponse{
		EnrollmentID:       e.ID,
		CourseID:           e.CourseID,
		Status:             e.Status,
		ProgressPercentage: e.ProgressPercentage,
	}
	if e.StartedAt != nil {
		resp.StartedAt = e.StartedAt.UTC().Format(time.RFC3339)
	}
	if e.CompletedAt != nil {
		resp.CompletedAt = e.CompletedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func badgeResponse(b *model.Badge, earnedAt *time.Time) dto.BadgeResponse {
	resp := dto.BadgeResponse{
		BadgeID:     b.ID,
		Name:        b.Name,
		Description: b.Description,
		IconURL:     b.IconURL,
		Rarity:      b.Rarity,
		XPReward:    b.XPReward,
	}
	if earnedAt != nil {
		resp.EarnedAt = earnedAt.UTC().Format(time.RFC3339)
	}
	return resp
}
