package dto

type EnrollmentResponse struct {
	EnrollmentID       string  `json:"enrollment_id"`
	CourseID           string  `json:"course_id"`
	Status             string  `json:"status"`
	ProgressPercentage float64 `json:"progress_percentage"`
	StartedAt          string  `json:"started_at,omitempty"`
	CompletedAt        string  `json:"completed_at,omitempty"`
}

type CompleteLessonRequest struct {
	TimeSpent int `json:"time_spent" validate:"omitempty,min=0"`
}

func (r CompleteLessonRequest) Validate() error {
	return GetValidator().Struct(r)
}

type CompleteLessonResponse struct {
	LessonID           string  `json:"lesson_id"`
	CourseID           string  `json:"course_id"`
	AlreadyCompleted   bool    `json:"already_completed"`
	ProgressPercentage float64 `json:"progress_percentage"`
	CourseCompleted    bool    `json:"course_completed"`
	XPAwarded          int     `json:"xp_awarded"`
	TotalXP            int     `json:"total_xp"`
	Level              int     `json:"level"`

	NewBadges []BadgeResponse `json:"new_badges,omitempty"`
}

type BadgeResponse struct {
	BadgeID     string `json:"badge_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IconURL     string `json:"icon_url,omitempty"`
	Rarity      string `json:"rarity"`
	XPReward    int    `json:"xp_reward"`
	EarnedAt    string `json:"earned_at,omitempty"`
}
