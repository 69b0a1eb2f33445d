package repositories

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/k-orbit/korbit_api/model"
	"github.com/k-orbit/korbit_api/shared"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&model.User{},
		&model.Course{},
		&model.Lesson{},
		&model.Enrollment{},
		&model.LessonProgress{},
		&model.XPTransaction{},
		&model.Badge{},
		&model.UserBadge{},
		&model.UserStreak{},
	))
	return db
}

func seedCourse(t *testing.T, db *gorm.DB) {
	t.Helper()

	require.NoError(t, db.Create(&model.Course{ID: "c1", OrgID: "org1", Title: "Onboarding", Status: "published"}).Error)
	require.NoError(t, db.Create(&model.Course{ID: "c2", OrgID: "org1", Title: "Draft", Status: "draft"}).Error)

	lessons := []model.Lesson{
		{ID: "l2", CourseID: "c1", Title: "Second", OrderIndex: 2, IsRequired: true},
		{ID: "l1", CourseID: "c1", Title: "First", OrderIndex: 1, IsRequired: true},
		{ID: "l3", CourseID: "c1", Title: "Optional", OrderIndex: 3, IsRequired: false},
	}
	for i := range lessons {
		require.NoError(t, db.Create(&lessons[i]).Error)
	}
}

func newEnrollment(t *testing.T, userID, courseID string) *model.Enrollment {
	t.Helper()

	e := &model.Enrollment{
		ID:       "enr_" + userID + "_" + courseID,
		UserID:   userID,
		CourseID: courseID,
		Status:   model.EnrollmentNotStarted,
	}
	require.NoError(t, e.SetCompletedLessons([]string{}))
	return e
}

func TestCourseForLesson(t *testing.T) {
	db := testDB(t)
	seedCourse(t, db)
	repo := NewProgressRepository(db)

	courseID, required, err := repo.CourseForLesson(context.Background(), "l2")
	require.NoError(t, err)
	assert.Equal(t, "c1", courseID)

	// Required lessons only, in order_index order.
	assert.Equal(t, []string{"l1", "l2"}, required)

	_, _, err = repo.CourseForLesson(context.Background(), "missing")
	assert.ErrorIs(t, err, shared.ErrLessonNotFound)
}

func TestCoursePublished(t *testing.T) {
	db := testDB(t)
	seedCourse(t, db)
	repo := NewProgressRepository(db)

	published, err := repo.CoursePublished(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, published)

	published, err = repo.CoursePublished(context.Background(), "c2")
	require.NoError(t, err)
	assert.False(t, published)

	_, err = repo.CoursePublished(context.Background(), "missing")
	assert.ErrorIs(t, err, shared.ErrCourseNotFound)
}

func TestCreateEnrollmentDuplicate(t *testing.T) {
	db := testDB(t)
	seedCourse(t, db)
	repo := NewProgressRepository(db)

	require.NoError(t, repo.CreateEnrollment(context.Background(), newEnrollment(t, "u1", "c1")))

	dup := newEnrollment(t, "u1", "c1")
	dup.ID = "enr_other"
	err := repo.CreateEnrollment(context.Background(), dup)
	assert.ErrorIs(t, err, shared.ErrAlreadyEnrolled)
}

func TestInEnrollmentTxNotEnrolled(t *testing.T) {
	db := testDB(t)
	seedCourse(t, db)
	repo := NewProgressRepository(db)

	err := repo.InEnrollmentTx(context.Background(), "u1", "c1", func(tx ProgressTx) error {
		t.Fatal("callback must not run without an enrollment")
		return nil
	})
	assert.ErrorIs(t, err, shared.ErrNotEnrolled)
}

func TestInEnrollmentTxApply(t *testing.T) {
	db := testDB(t)
	seedCourse(t, db)
	repo := NewProgressRepository(db)
	now := time.Date(2025, 6, 10, 14, 30, 0, 0, time.UTC)

	require.NoError(t, repo.CreateEnrollment(context.Background(), newEnrollment(t, "u1", "c1")))
	require.NoError(t, db.Create(&model.Badge{
		ID:       "b1",
		Name:     "First Steps",
		IsActive: true,
		Criteria: []byte(`{"kind":"lessons_completed","threshold":1}`),
	}).Error)

	err := repo.InEnrollmentTx(context.Background(), "u1", "c1", func(tx ProgressTx) error {
		enrollment, err := tx.Enrollment()
		require.NoError(t, err)

		done, err := tx.LessonCompleted("l1")
		require.NoError(t, err)
		require.False(t, done)

		agg, err := tx.UserAggregate()
		require.NoError(t, err)
		require.Zero(t, agg.TotalXP)

		badges, err := tx.ActiveBadges()
		require.NoError(t, err)
		require.Len(t, badges, 1)

		updated := *enrollment
		require.NoError(t, updated.SetCompletedLessons([]string{"l1"}))
		updated.Status = model.EnrollmentInProgress
		updated.ProgressPercentage = 50.00

		return tx.Apply(model.CompletionDelta{
			Enrollment: &updated,
			LessonProgress: &model.LessonProgress{
				ID: "lp_1", UserID: "u1", LessonID: "l1", EnrollmentID: updated.ID,
				Status: model.LessonCompleted, CompletedAt: &now,
			},
			Streak: &model.UserStreak{UserID: "u1", Current: 1, Longest: 1, LastActivityDate: &now},
			XPGrants: []model.XPTransaction{
				{ID: "xp_1", UserID: "u1", Amount: 50, Source: model.XPSourceLessonCompletion, SourceID: "l1"},
			},
			BadgeAwards: []model.UserBadge{
				{ID: "ub_1", UserID: "u1", BadgeID: "b1", EarnedAt: now},
			},
		})
	})
	require.NoError(t, err)

	// A later transaction sees the committed state.
	err = repo.InEnrollmentTx(context.Background(), "u1", "c1", func(tx ProgressTx) error {
		enrollment, err := tx.Enrollment()
		require.NoError(t, err)
		assert.Equal(t, 50.00, enrollment.ProgressPercentage)
		assert.Equal(t, []string{"l1"}, enrollment.CompletedLessons())

		done, err := tx.LessonCompleted("l1")
		require.NoError(t, err)
		assert.True(t, done)

		agg, err := tx.UserAggregate()
		require.NoError(t, err)
		assert.Equal(t, 50, agg.TotalXP)
		assert.Equal(t, 1, agg.LessonsCompleted)
		assert.Equal(t, 1, agg.StreakDays)

		held, err := tx.HeldBadgeIDs()
		require.NoError(t, err)
		assert.True(t, held["b1"])

		streak, err := tx.Streak()
		require.NoError(t, err)
		require.NotNil(t, streak)
		assert.Equal(t, 1, streak.Current)
		return nil
	})
	require.NoError(t, err)
}

func TestInEnrollmentTxRollsBackOnConflict(t *testing.T) {
	db := testDB(t)
	seedCourse(t, db)
	repo := NewProgressRepository(db)
	now := time.Date(2025, 6, 10, 14, 30, 0, 0, time.UTC)

	require.NoError(t, repo.CreateEnrollment(context.Background(), newEnrollment(t, "u1", "c1")))
	require.NoError(t, db.Create(&model.LessonProgress{
		ID: "lp_existing", UserID: "u1", LessonID: "l1",
		Status: model.LessonCompleted, CompletedAt: &now,
	}).Error)

	// The duplicate lesson progress row violates the unique index; the XP
	// grant in the same delta must roll back with it.
	err := repo.InEnrollmentTx(context.Background(), "u1", "c1", func(tx ProgressTx) error {
		return tx.Apply(model.CompletionDelta{
			LessonProgress: &model.LessonProgress{
				ID: "lp_dup", UserID: "u1", LessonID: "l1",
				Status: model.LessonCompleted, CompletedAt: &now,
			},
			XPGrants: []model.XPTransaction{
				{ID: "xp_orphan", UserID: "u1", Amount: 50, Source: model.XPSourceLessonCompletion},
			},
		})
	})
	require.Error(t, err)

	var count int64
	require.NoError(t, db.Model(&model.XPTransaction{}).Where("user_id = ?", "u1").Count(&count).Error)
	assert.Zero(t, count)
}

func TestUserBadgeUniqueIndex(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.Create(&model.UserBadge{ID: "ub_1", UserID: "u1", BadgeID: "b1"}).Error)
	err := db.Create(&model.UserBadge{ID: "ub_2", UserID: "u1", BadgeID: "b1"}).Error
	assert.Error(t, err)
}
