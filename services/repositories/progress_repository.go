package repositories

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/k-orbit/korbit_api/model"
	"github.com/k-orbit/korbit_api/shared"
)

type ProgressRepository struct {
	BaseRepository
}

func NewProgressRepository(db *gorm.DB) *ProgressRepository {
	return &ProgressRepository{BaseRepository: NewBaseRepository(db)}
}

func (r *ProgressRepository) CourseForLesson(ctx context.Context, lessonID string) (string, []string, error) {
	var lesson model.Lesson
	err := r.db.WithContext(ctx).First(&lesson, "id = ?", lessonID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, shared.ErrLessonNotFound
		}
		return "", nil, err
	}

	var requiredIDs []string
	err = r.db.WithContext(ctx).
		Model(&model.Lesson{}).
		Where("course_id = ? AND is_required = ?", lesson.CourseID, true).
		Order("order_index").
		Pluck("id", &requiredIDs).Error
	if err != nil {
		return "", nil, err
	}

	return lesson.CourseID, requiredIDs, nil
}

func (r *ProgressRepository) CoursePublished(ctx context.Context, courseID string) (bool, error) {
	var course model.Course
	err := r.db.WithContext(ctx).First(&course, "id = ?", courseID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, shared.ErrCourseNotFound
		}
		return false, err
	}
	return course.Status == "published", nil
}

func (r *ProgressRepository) CreateEnrollment(ctx context.Context, enrollment *model.Enrollment) error {
	err := r.db.WithContext(ctx).Create(enrollment).Error
	if err != nil && isDuplicateKey(err) {
		return shared.ErrAlreadyEnrolled
	}
	return err
}

// InEnrollmentTx locks the enrollment row FOR UPDATE NOWAIT so a concurrent
// completion on the same enrollment surfaces as ErrEnrollmentBusy instead
// of queueing behind the lock. Sqlite (tests, seed) has no row locks; its
// single-writer transactions give the same exclusion.
func (r *ProgressRepository) InEnrollmentTx(ctx context.Context, userID, courseID string, fn func(tx ProgressTx) error) error {
	return r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		q := db.Where("user_id = ? AND course_id = ?", userID, courseID)
		if db.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "NOWAIT"})
		}

		var enrollment model.Enrollment
		if err := q.First(&enrollment).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return shared.ErrNotEnrolled
			}
			if isLockNotAvailable(err) {
				return shared.ErrEnrollmentBusy
			}
			return err
		}

		return fn(&progressTx{db: db, userID: userID, enrollment: &enrollment})
	})
}

type progressTx struct {
	db         *gorm.DB
	userID     string
	enrollment *model.Enrollment
}

func (t *progressTx) Enrollment() (*model.Enrollment, error) {
	return t.enrollment, nil
}

func (t *progressTx) LessonCompleted(lessonID string) (bool, error) {
	var count int64
	err := t.db.Model(&model.LessonProgress{}).
		Where("user_id = ? AND lesson_id = ? AND status = ?", t.userID, lessonID, model.LessonCompleted).
		Count(&count).Error
	return count > 0, err
}

func (t *progressTx) UserAggregate() (model.UserAggregate, error) {
	var agg model.UserAggregate

	err := t.db.Model(&model.XPTransaction{}).
		Where("user_id = ?", t.userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&agg.TotalXP).Error
	if err != nil {
		return agg, err
	}

	var lessons int64
	err = t.db.Model(&model.LessonProgress{}).
		Where("user_id = ? AND status = ?", t.userID, model.LessonCompleted).
		Count(&lessons).Error
	if err != nil {
		return agg, err
	}
	agg.LessonsCompleted = int(lessons)

	var courses int64
	err = t.db.Model(&model.Enrollment{}).
		Where("user_id = ? AND status = ?", t.userID, model.EnrollmentCompleted).
		Count(&courses).Error
	if err != nil {
		return agg, err
	}
	agg.CoursesCompleted = int(courses)

	var answers int64
	err = t.db.Model(&model.XPTransaction{}).
		Where("user_id = ? AND source = ?", t.userID, model.XPSourceForumAnswer).
		Count(&answers).Error
	if err != nil {
		return agg, err
	}
	agg.ForumAnswers = int(answers)

	streak, err := t.Streak()
	if err != nil {
		return agg, err
	}
	if streak != nil {
		agg.StreakDays = streak.Current
	}

	return agg, nil
}

func (t *progressTx) Streak() (*model.UserStreak, error) {
	var streak model.UserStreak
	err := t.db.First(&streak, "user_id = ?", t.userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &streak, nil
}

func (t *progressTx) ActiveBadges() ([]model.Badge, error) {
	var badges []model.Badge
	err := t.db.Where("is_active = ?", true).Order("created_at").Find(&badges).Error
	return badges, err
}

func (t *progressTx) HeldBadgeIDs() (map[string]bool, error) {
	var ids []string
	err := t.db.Model(&model.UserBadge{}).
		Where("user_id = ?", t.userID).
		Pluck("badge_id", &ids).Error
	if err != nil {
		return nil, err
	}

	held := make(map[string]bool, len(ids))
	for _, id := range ids {
		held[id] = true
	}
	return held, nil
}

func (t *progressTx) Apply(delta model.CompletionDelta) error {
	if delta.Enrollment != nil {
		if err := t.db.Save(delta.Enrollment).Error; err != nil {
			return err
		}
	}
	if delta.LessonProgress != nil {
		if err := t.db.Create(delta.LessonProgress).Error; err != nil {
			return err
		}
	}
	if delta.Streak != nil {
		if err := t.db.Save(delta.Streak).Error; err != nil {
			return err
		}
	}
	for i := range delta.XPGrants {
		if err := t.db.Create(&delta.XPGrants[i]).Error; err != nil {
			return err
		}
	}
	for i := range delta.BadgeAwards {
		if err := t.db.Create(&delta.BadgeAwards[i]).Error; err != nil {
			return err
		}
	}
	return nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint failed")
}

func isLockNotAvailable(err error) bool {
	return strings.Contains(err.Error(), "55P03") || strings.Contains(err.Error(), "could not obtain lock")
}
