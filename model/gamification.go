package model

import (
	"encoding/json"
	"time"
)

const (
	EnrollmentNotStarted = "not_started"
	EnrollmentInProgress = "in_progress"
	EnrollmentCompleted  = "completed"
	EnrollmentPaused     = "paused"

	LessonNotStarted = "not_started"
	LessonInProgress = "in_progress"
	LessonCompleted  = "completed"

	XPSourceLessonCompletion = "lesson_completion"
	XPSourceCourseCompletion = "course_completion"
	XPSourceForumAnswer      = "forum_answer"
	XPSourceBadgeEarned      = "badge_earned"
	XPSourceManual           = "manual"

	CriteriaLessonsCompleted = "lessons_completed"
	CriteriaCoursesCompleted = "courses_completed"
	CriteriaXPTotal          = "xp_total"
	CriteriaStreakDays       = "streak_days"
	CriteriaForumAnswers     = "forum_answers"
)

type Course struct {
	ID        string `gorm:"primaryKey"`
	OrgID     string `gorm:"index"`
	Title     string
	Status    string `gorm:"default:draft"` // draft, published, archived
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Lesson struct {
	ID         string `gorm:"primaryKey"`
	CourseID   string `gorm:"index;not null"`
	Title      string
	OrderIndex int
	Duration   int // minutes
	IsRequired bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Enrollment is the per (user, course) progress aggregate. It is mutated
// only inside the completion pipeline's locked transaction.
type Enrollment struct {
	ID                 string `gorm:"primaryKey"`
	UserID             string `gorm:"uniqueIndex:idx_enrollment_user_course;not null"`
	CourseID           string `gorm:"uniqueIndex:idx_enrollment_user_course;not null"`
	Status             string `gorm:"default:not_started"`
	ProgressPercentage float64
	CompletedLessonIDs json.RawMessage `gorm:"type:jsonb"`
	TimeSpent          int
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (e *Enrollment) CompletedLessons() []string {
	var ids []string
	if e.CompletedLessonIDs != nil {
		if err := json.Unmarshal(e.CompletedLessonIDs, &ids); err != nil {
			return []string{}
		}
	}
	return ids
}

func (e *Enrollment) SetCompletedLessons(ids []string) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	e.CompletedLessonIDs = raw
	return nil
}

// LessonProgress moves forward only: not_started -> in_progress -> completed.
type LessonProgress struct {
	ID           string `gorm:"primaryKey"`
	UserID       string `gorm:"uniqueIndex:idx_lesson_progress_user_lesson;not null"`
	LessonID     string `gorm:"uniqueIndex:idx_lesson_progress_user_lesson;not null"`
	EnrollmentID string `gorm:"index"`
	Status       string `gorm:"default:not_started"`
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// XPTransaction is an append-only ledger row; a user's total XP is the sum
// over all of their rows. Never updated or deleted.
type XPTransaction struct {
	ID          string `gorm:"primaryKey"`
	UserID      string `gorm:"index;not null"`
	Amount      int
	Source      string
	SourceID    string
	Description string
	CreatedAt   time.Time
}

type Badge struct {
	ID          string `gorm:"primaryKey"`
	Name        string `gorm:"unique;not null"`
	Description string
	IconURL     string
	Rarity      string `gorm:"default:common"`
	XPReward    int
	Criteria    json.RawMessage `gorm:"type:jsonb"`
	IsActive    bool            `gorm:"default:true"`
	CreatedAt   time.Time
}

// BadgeCriteria is the typed predicate stored on a badge row.
type BadgeCriteria struct {
	Kind      string `json:"kind"`
	Threshold int    `json:"threshold"`
}

func (b *Badge) ParseCriteria() (BadgeCriteria, error) {
	var c BadgeCriteria
	if b.Criteria == nil {
		return c, nil
	}
	err := json.Unmarshal(b.Criteria, &c)
	return c, err
}

// UserBadge records that a badge was earned; (user, badge) is unique for
// all time.
type UserBadge struct {
	ID       string `gorm:"primaryKey"`
	UserID   string `gorm:"uniqueIndex:idx_user_badge;not null"`
	BadgeID  string `gorm:"uniqueIndex:idx_user_badge;not null"`
	EarnedAt time.Time
}

type UserStreak struct {
	UserID           string `gorm:"primaryKey"`
	Current          int
	Longest          int
	LastActivityDate *time.Time
	UpdatedAt        time.Time
}

// UserAggregate is the user-level counters the reward engine evaluates
// badge criteria against.
type UserAggregate struct {
	TotalXP          int
	LessonsCompleted int
	CoursesCompleted int
	StreakDays       int
	ForumAnswers     int
}

// CompletionDelta is everything one lesson completion writes; the store
// applies it as a single atomic unit.
type CompletionDelta struct {
	Enrollment     *Enrollment
	LessonProgress *LessonProgress
	Streak         *UserStreak
	XPGrants       []XPTransaction
	BadgeAwards    []UserBadge
}
