package repositories

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/k-orbit/korbit_api/model"
)

type GamificationRepository struct {
	BaseRepository
}

func NewGamificationRepository(db *gorm.DB) *GamificationRepository {
	return &GamificationRepository{BaseRepository: NewBaseRepository(db)}
}

// UserStatsRow is the raw aggregate behind the stats endpoint.
type UserStatsRow struct {
	TotalXP          int
	LessonsCompleted int
	CoursesCompleted int
	BadgesEarned     int
	Streak           *model.UserStreak
	Recent           []model.XPTransaction
}

func (r *GamificationRepository) UserStats(ctx context.Context, userID string, recentLimit int) (*UserStatsRow, error) {
	db := r.db.WithContext(ctx)
	row := &UserStatsRow{}

	err := db.Model(&model.XPTransaction{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&row.TotalXP).Error
	if err != nil {
		return nil, err
	}

	var lessons int64
	err = db.Model(&model.LessonProgress{}).
		Where("user_id = ? AND status = ?", userID, model.LessonCompleted).
		Count(&lessons).Error
	if err != nil {
		return nil, err
	}
	row.LessonsCompleted = int(lessons)

	var courses int64
	err = db.Model(&model.Enrollment{}).
		Where("user_id = ? AND status = ?", userID, model.EnrollmentCompleted).
		Count(&courses).Error
	if err != nil {
		return nil, err
	}
	row.CoursesCompleted = int(courses)

	var badges int64
	err = db.Model(&model.UserBadge{}).
		Where("user_id = ?", userID).
		Count(&badges).Error
	if err != nil {
		return nil, err
	}
	row.BadgesEarned = int(badges)

	var streak model.UserStreak
	err = db.First(&streak, "user_id = ?", userID).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err == nil {
		row.Streak = &streak
	}

	err = db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(recentLimit).
		Find(&row.Recent).Error
	if err != nil {
		return nil, err
	}

	return row, nil
}

type LeaderboardRow struct {
	UserID   string
	Username string
	TotalXP  int
}

func (r *GamificationRepository) Leaderboard(ctx context.Context, orgID string, limit int) ([]LeaderboardRow, error) {
	var rows []LeaderboardRow
	err := r.db.WithContext(ctx).
		Model(&model.User{}).
		Select("users.id AS user_id, users.username, COALESCE(SUM(xp_transactions.amount), 0) AS total_xp").
		Joins("LEFT JOIN xp_transactions ON xp_transactions.user_id = users.id").
		Where("users.org_id = ? AND users.is_active = ?", orgID, true).
		Group("users.id, users.username").
		Order("total_xp DESC").
		Limit(limit).
		Scan(&rows).Error
	return rows, err
}

func (r *GamificationRepository) TotalXP(ctx context.Context, userID string) (int, error) {
	var total int
	err := r.db.WithContext(ctx).
		Model(&model.XPTransaction{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}

func (r *GamificationRepository) CreateXPGrant(ctx context.Context, grant *model.XPTransaction) error {
	return r.db.WithContext(ctx).Create(grant).Error
}

// ResetLapsedStreaks zeroes every streak whose last activity predates the
// cutoff. Run by the daily audit job.
func (r *GamificationRepository) ResetLapsedStreaks(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&model.UserStreak{}).
		Where("last_activity_date < ? AND current > 0", cutoff).
		Update("current", 0)
	return res.RowsAffected, res.Error
}
