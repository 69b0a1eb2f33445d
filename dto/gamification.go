package dto

type UserStatsResponse struct {
	UserID        string `json:"user_id"`
	TotalXP       int    `json:"total_xp"`
	Level         int    `json:"level"`
	LevelProgress int    `json:"level_progress"`
	XPToNextLevel int    `json:"xp_to_next_level"`
	BadgesEarned  int    `json:"badges_earned"`
	StreakDays    int    `json:"streak_days"`
	LongestStreak int    `json:"longest_streak"`
	CoursesDone   int    `json:"courses_completed"`
	LessonsDone   int    `json:"lessons_completed"`

	RecentActivity []XPTransactionResponse `json:"recent_activity"`
}

type XPTransactionResponse struct {
	Amount      int    `json:"amount"`
	Source      string `json:"source"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type LeaderboardEntry struct {
	Rank     int    `json:"rank"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	TotalXP  int    `json:"total_xp"`
	Level    int    `json:"level"`
}

type LeaderboardResponse struct {
	OrgID   string             `json:"org_id"`
	Entries []LeaderboardEntry `json:"entries"`
}

type ForumAnswerNotifyRequest struct {
	QuestionID       string `json:"question_id" validate:"required"`
	AnswerID         string `json:"answer_id" validate:"required"`
	QuestionAuthorID string `json:"question_author_id" validate:"required"`
	Preview          string `json:"preview" validate:"omitempty,max=280"`
}

func (r ForumAnswerNotifyRequest) Validate() error {
	return GetValidator().Struct(r)
}
