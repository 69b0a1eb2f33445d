package model

import (
	"encoding/json"
	"time"
)

// Event types carried on the realtime channel.
const (
	EventXPEarned           = "xp_earned"
	EventBadgeUnlocked      = "badge_unlocked"
	EventLevelUp            = "level_up"
	EventLessonCompleted    = "lesson_completed"
	EventCourseCompleted    = "course_completed"
	EventForumNewAnswer     = "forum_new_answer"
	EventSystemAnnouncement = "system_announcement"
)

// Control frames exchanged on the websocket channel.
const (
	ControlPing         = "ping"
	ControlPong         = "pong"
	ControlSubscribe    = "subscribe"
	ControlUnsubscribe  = "unsubscribe"
	ControlSubscribed   = "subscribed"
	ControlUnsubscribed = "unsubscribed"
	ControlError        = "error"
)

const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

type SubscribePayload struct {
	Room string `json:"room"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// DomainEvent is ephemeral: it exists only in memory between the pipeline
// commit and delivery to connected clients. Never persisted.
type DomainEvent struct {
	Type      string
	Room      string
	UserID    string
	Priority  string
	Payload   any
	Timestamp time.Time
}

func UserRoom(userID string) string { return "user_" + userID }
func OrgRoom(orgID string) string   { return "org_" + orgID }
func RoleRoom(role string) string   { return "role_" + role }

// Frame is the wire envelope written to websocket clients.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp"`
}

type XPEarnedPayload struct {
	Amount      int    `json:"amount"`
	Source      string `json:"source"`
	SourceID    string `json:"source_id,omitempty"`
	TotalXP     int    `json:"total_xp"`
	Description string `json:"description,omitempty"`
}

type BadgeUnlockedPayload struct {
	BadgeID     string `json:"badge_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IconURL     string `json:"icon_url,omitempty"`
	Rarity      string `json:"rarity"`
	XPReward    int    `json:"xp_reward"`
}

type LevelUpPayload struct {
	Level   int `json:"level"`
	TotalXP int `json:"total_xp"`
}

type LessonCompletedPayload struct {
	LessonID           string  `json:"lesson_id"`
	CourseID           string  `json:"course_id"`
	ProgressPercentage float64 `json:"progress_percentage"`
}

type CourseCompletedPayload struct {
	CourseID    string `json:"course_id"`
	CompletedAt string `json:"completed_at"`
}

type ForumNewAnswerPayload struct {
	QuestionID string `json:"question_id"`
	AnswerID   string `json:"answer_id"`
	AuthorID   string `json:"author_id"`
	Preview    string `json:"preview,omitempty"`
}

type SystemAnnouncementPayload struct {
	Message    string `json:"message"`
	Priority   string `json:"priority"`
	TargetRole string `json:"target_role,omitempty"`
}
