package services

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/k-orbit/korbit_api/model"
)

// XP grants and level curve, matching the platform's gamification settings.
const (
	XPLessonCompletion = 50
	XPCourseCompletion = 200
	XPForumAnswer      = 25
	LevelXPMultiplier  = 1000
)

// RewardEngine decides everything a lesson completion yields. It is a pure
// rule evaluator: no storage, no clock, no transport. The caller supplies
// the prior state and the completion fact; the engine hands back the rows
// to persist and the events to publish, in emission order.
type RewardEngine struct{}

func NewRewardEngine() *RewardEngine {
	return &RewardEngine{}
}

// PriorState is a consistent snapshot read inside the enrollment lock.
type PriorState struct {
	Enrollment      *model.Enrollment
	LessonCompleted bool
	Aggregate       model.UserAggregate
	Streak          *model.UserStreak
	ActiveBadges    []model.Badge
	HeldBadgeIDs    map[string]bool
}

type CompletionFact struct {
	UserID            string
	LessonID          string
	CourseID          string
	RequiredLessonIDs []string
	TimeSpent         int // minutes, self-reported
	Now               time.Time
}

// Evaluation is the full outcome of one completion. When NoOp is set the
// lesson was already completed and nothing else is populated.
type Evaluation struct {
	NoOp bool

	Delta  model.CompletionDelta
	Events []model.DomainEvent

	ProgressPercentage float64
	CourseCompleted    bool
	XPAwarded          int
	TotalXP            int
	Level              int
	NewBadges          []model.Badge
}

func (e *RewardEngine) Evaluate(prior PriorState, fact CompletionFact) (Evaluation, error) {
	if prior.Enrollment == nil {
		return Evaluation{}, fmt.Errorf("evaluate: enrollment is required")
	}
	if prior.Enrollment.UserID != fact.UserID || prior.Enrollment.CourseID != fact.CourseID {
		return Evaluation{}, fmt.Errorf("evaluate: enrollment does not match completion fact")
	}

	completed := prior.Enrollment.CompletedLessons()
	if prior.LessonCompleted || contains(completed, fact.LessonID) {
		return Evaluation{NoOp: true}, nil
	}

	now := fact.Now
	ev := Evaluation{}

	enrollment := *prior.Enrollment
	completed = append(completed, fact.LessonID)
	sort.Strings(completed)
	if err := enrollment.SetCompletedLessons(completed); err != nil {
		return Evaluation{}, err
	}

	ev.ProgressPercentage = progressPercentage(completed, fact.RequiredLessonIDs)
	enrollment.ProgressPercentage = ev.ProgressPercentage
	if fact.TimeSpent > 0 {
		enrollment.TimeSpent += fact.TimeSpent
	}
	enrollment.UpdatedAt = now
	if enrollment.StartedAt == nil {
		startedAt := now
		enrollment.StartedAt = &startedAt
	}

	wasCompleted := prior.Enrollment.Status == model.EnrollmentCompleted
	if ev.ProgressPercentage >= 100 && !wasCompleted {
		ev.CourseCompleted = true
		completedAt := now
		enrollment.Status = model.EnrollmentCompleted
		enrollment.CompletedAt = &completedAt
	} else if !wasCompleted {
		enrollment.Status = model.EnrollmentInProgress
	}

	lessonProgress := &model.LessonProgress{
		ID:           newID(),
		UserID:       fact.UserID,
		LessonID:     fact.LessonID,
		EnrollmentID: enrollment.ID,
		Status:       model.LessonCompleted,
		CompletedAt:  &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	streak := advanceStreak(prior.Streak, fact.UserID, now)

	// Aggregate counters after this completion; badge criteria and the
	// level curve are evaluated against these.
	agg := prior.Aggregate
	agg.LessonsCompleted++
	agg.StreakDays = streak.Current

	levelBefore := levelForXP(agg.TotalXP)

	var grants []model.XPTransaction
	grants = append(grants, model.XPTransaction{
		ID:          newID(),
		UserID:      fact.UserID,
		Amount:      XPLessonCompletion,
		Source:      model.XPSourceLessonCompletion,
		SourceID:    fact.LessonID,
		Description: "Lesson completed",
		CreatedAt:   now,
	})
	agg.TotalXP += XPLessonCompletion

	ev.Events = append(ev.Events, userEvent(fact.UserID, model.EventLessonCompleted, model.LessonCompletedPayload{
		LessonID:           fact.LessonID,
		CourseID:           fact.CourseID,
		ProgressPercentage: ev.ProgressPercentage,
	}, now))
	ev.Events = append(ev.Events, xpEvent(fact.UserID, XPLessonCompletion, model.XPSourceLessonCompletion, fact.LessonID, agg.TotalXP, now))

	if ev.CourseCompleted {
		agg.CoursesCompleted++
		grants = append(grants, model.XPTransaction{
			ID:          newID(),
			UserID:      fact.UserID,
			Amount:      XPCourseCompletion,
			Source:      model.XPSourceCourseCompletion,
			SourceID:    fact.CourseID,
			Description: "Course completed",
			CreatedAt:   now,
		})
		agg.TotalXP += XPCourseCompletion

		ev.Events = append(ev.Events, userEvent(fact.UserID, model.EventCourseCompleted, model.CourseCompletedPayload{
			CourseID:    fact.CourseID,
			CompletedAt: now.UTC().Format(time.RFC3339),
		}, now))
		ev.Events = append(ev.Events, xpEvent(fact.UserID, XPCourseCompletion, model.XPSourceCourseCompletion, fact.CourseID, agg.TotalXP, now))
	}

	var awards []model.UserBadge
	for _, badge := range prior.ActiveBadges {
		if prior.HeldBadgeIDs[badge.ID] {
			continue
		}

		criteria, err := badge.ParseCriteria()
		if err != nil {
			return Evaluation{}, fmt.Errorf("badge %s has invalid criteria: %w", badge.ID, err)
		}
		if !criteriaMet(criteria, agg) {
			continue
		}

		awards = append(awards, model.UserBadge{
			ID:       newID(),
			UserID:   fact.UserID,
			BadgeID:  badge.ID,
			EarnedAt: now,
		})
		ev.NewBadges = append(ev.NewBadges, badge)

		ev.Events = append(ev.Events, userEvent(fact.UserID, model.EventBadgeUnlocked, model.BadgeUnlockedPayload{
			BadgeID:     badge.ID,
			Name:        badge.Name,
			Description: badge.Description,
			IconURL:     badge.IconURL,
			Rarity:      badge.Rarity,
			XPReward:    badge.XPReward,
		}, now))

		if badge.XPReward > 0 {
			grants = append(grants, model.XPTransaction{
				ID:          newID(),
				UserID:      fact.UserID,
				Amount:      badge.XPReward,
				Source:      model.XPSourceBadgeEarned,
				SourceID:    badge.ID,
				Description: "Badge earned: " + badge.Name,
				CreatedAt:   now,
			})
			agg.TotalXP += badge.XPReward
			ev.Events = append(ev.Events, xpEvent(fact.UserID, badge.XPReward, model.XPSourceBadgeEarned, badge.ID, agg.TotalXP, now))
		}
	}

	ev.Level = levelForXP(agg.TotalXP)
	if ev.Level > levelBefore {
		ev.Events = append(ev.Events, userEvent(fact.UserID, model.EventLevelUp, model.LevelUpPayload{
			Level:   ev.Level,
			TotalXP: agg.TotalXP,
		}, now))
	}

	ev.TotalXP = agg.TotalXP
	for _, g := range grants {
		ev.XPAwarded += g.Amount
	}

	ev.Delta = model.CompletionDelta{
		Enrollment:     &enrollment,
		LessonProgress: lessonProgress,
		Streak:         streak,
		XPGrants:       grants,
		BadgeAwards:    awards,
	}

	return ev, nil
}

// ForumAnswerGrant builds the XP ledger row and events for an accepted
// forum answer. Same single-pass rules as lesson completion, minus the
// enrollment bookkeeping.
func (e *RewardEngine) ForumAnswerGrant(userID, answerID string, priorTotalXP int, now time.Time) (model.XPTransaction, []model.DomainEvent) {
	grant := model.XPTransaction{
		ID:          newID(),
		UserID:      userID,
		Amount:      XPForumAnswer,
		Source:      model.XPSourceForumAnswer,
		SourceID:    answerID,
		Description: "Forum answer posted",
		CreatedAt:   now,
	}

	total := priorTotalXP + XPForumAnswer
	events := []model.DomainEvent{
		xpEvent(userID, XPForumAnswer, model.XPSourceForumAnswer, answerID, total, now),
	}
	if levelForXP(total) > levelForXP(priorTotalXP) {
		events = append(events, userEvent(userID, model.EventLevelUp, model.LevelUpPayload{
			Level:   levelForXP(total),
			TotalXP: total,
		}, now))
	}

	return grant, events
}

func levelForXP(totalXP int) int {
	return totalXP/LevelXPMultiplier + 1
}

// LevelForXP reports the level reached at a given XP total.
func LevelForXP(totalXP int) int {
	return levelForXP(totalXP)
}

// XPToNextLevel reports how much XP remains until the next level boundary.
func XPToNextLevel(totalXP int) int {
	return LevelXPMultiplier - totalXP%LevelXPMultiplier
}

func progressPercentage(completed, required []string) float64 {
	if len(required) == 0 {
		return 100
	}

	set := make(map[string]bool, len(completed))
	for _, id := range completed {
		set[id] = true
	}

	done := 0
	for _, id := range required {
		if set[id] {
			done++
		}
	}

	pct := float64(done) / float64(len(required)) * 100
	return math.Round(pct*100) / 100
}

func advanceStreak(prior *model.UserStreak, userID string, now time.Time) *model.UserStreak {
	streak := model.UserStreak{UserID: userID, Current: 1, Longest: 1}
	if prior != nil {
		streak = *prior
	}

	today := now.Truncate(24 * time.Hour)
	switch {
	case streak.LastActivityDate == nil:
		streak.Current = 1
	case streak.LastActivityDate.Truncate(24 * time.Hour).Equal(today):
		// Already counted today.
	case streak.LastActivityDate.Truncate(24 * time.Hour).Equal(today.AddDate(0, 0, -1)):
		streak.Current++
	default:
		streak.Current = 1
	}

	if streak.Current > streak.Longest {
		streak.Longest = streak.Current
	}
	streak.LastActivityDate = &today
	streak.UpdatedAt = now
	return &streak
}

func criteriaMet(c model.BadgeCriteria, agg model.UserAggregate) bool {
	if c.Threshold <= 0 {
		return false
	}

	switch c.Kind {
	case model.CriteriaLessonsCompleted:
		return agg.LessonsCompleted >= c.Threshold
	case model.CriteriaCoursesCompleted:
		return agg.CoursesCompleted >= c.Threshold
	case model.CriteriaXPTotal:
		return agg.TotalXP >= c.Threshold
	case model.CriteriaStreakDays:
		return agg.StreakDays >= c.Threshold
	case model.CriteriaForumAnswers:
		return agg.ForumAnswers >= c.Threshold
	default:
		return false
	}
}

func userEvent(userID, eventType string, payload any, now time.Time) model.DomainEvent {
	priority := model.PriorityNormal
	if eventType == model.EventBadgeUnlocked || eventType == model.EventLevelUp {
		priority = model.PriorityHigh
	}

	return model.DomainEvent{
		Type:      eventType,
		Room:      model.UserRoom(userID),
		UserID:    userID,
		Priority:  priority,
		Payload:   payload,
		Timestamp: now,
	}
}

func xpEvent(userID string, amount int, source, sourceID string, totalXP int, now time.Time) model.DomainEvent {
	return userEvent(userID, model.EventXPEarned, model.XPEarnedPayload{
		Amount:   amount,
		Source:   source,
		SourceID: sourceID,
		TotalXP:  totalXP,
	}, now)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
