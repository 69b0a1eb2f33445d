package repositories

import (
	"context"

	"github.com/k-orbit/korbit_api/model"
)

// ProgressStore is the persistence boundary of the completion pipeline.
// InEnrollmentTx runs fn inside a transaction holding an exclusive lock on
// the (user, course) enrollment row; everything fn reads through the tx is
// consistent with that lock, and Apply commits atomically with it.
type ProgressStore interface {
	CourseForLesson(ctx context.Context, lessonID string) (courseID string, requiredLessonIDs []string, err error)
	CoursePublished(ctx context.Context, courseID string) (bool, error)
	CreateEnrollment(ctx context.Context, enrollment *model.Enrollment) error
	InEnrollmentTx(ctx context.Context, userID, courseID string, fn func(tx ProgressTx) error) error
}

// ProgressTx exposes the reads and the single atomic write available while
// the enrollment lock is held.
type ProgressTx interface {
	Enrollment() (*model.Enrollment, error)
	LessonCompleted(lessonID string) (bool, error)
	UserAggregate() (model.UserAggregate, error)
	Streak() (*model.UserStreak, error)
	ActiveBadges() ([]model.Badge, error)
	HeldBadgeIDs() (map[string]bool, error)
	Apply(delta model.CompletionDelta) error
}
