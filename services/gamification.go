package services

import (
	goctx "context"
	"time"

	"github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"

	"github.com/k-orbit/korbit_api/dto"
	"github.com/k-orbit/korbit_api/model"
	"github.com/k-orbit/korbit_api/services/repositories"
	"github.com/k-orbit/korbit_api/shared"
)

const (
	statsCacheTTL       = 30 * time.Second
	leaderboardCacheTTL = 5 * time.Minute
	leaderboardSize     = 20
	recentActivityLimit = 10
)

// GamificationService serves the read side of the reward system (stats,
// leaderboards) and the forum XP grant.
type GamificationService struct {
	context.DefaultService

	repo     *repositories.GamificationRepository
	redisSvc *RedisService
	busSvc   *EventBusService
	engine   *RewardEngine

	now func() time.Time
}

const GAMIFICATION_SVC = "gamification_svc"

func (svc GamificationService) Id() string {
	return GAMIFICATION_SVC
}

func (svc *GamificationService) Configure(ctx *context.Context) error {
	svc.engine = NewRewardEngine()
	svc.now = time.Now
	return svc.DefaultService.Configure(ctx)
}

func (svc *GamificationService) Start() error {
	svc.repo = svc.Service(POSTGRES_SVC).(*PostgresService).GamificationRepo()
	svc.redisSvc = svc.Service(REDIS_SVC).(*RedisService)
	svc.busSvc = svc.Service(EVENT_BUS_SVC).(*EventBusService)
	return nil
}

func (svc *GamificationService) GetUserStats(ctx goctx.Context, userID string) (*dto.UserStatsResponse, error) {
	cacheKey := "gamification:stats:" + userID

	var cached dto.UserStatsResponse
	if hit, err := svc.redisSvc.GetJSON(ctx, cacheKey, &cached); err == nil && hit {
		return &cached, nil
	} else if err != nil {
		log.WithError(err).Warn("stats cache read failed")
	}

	row, err := svc.repo.UserStats(ctx, userID, recentActivityLimit)
	if err != nil {
		return nil, shared.NewInternalError(err, "Failed to load user stats")
	}

	resp := &dto.UserStatsResponse{
		UserID:        userID,
		TotalXP:       row.TotalXP,
		Level:         LevelForXP(row.TotalXP),
		LevelProgress: row.TotalXP % LevelXPMultiplier,
		XPToNextLevel: XPToNextLevel(row.TotalXP),
		BadgesEarned:  row.BadgesEarned,
		CoursesDone:   row.CoursesCompleted,
		LessonsDone:   row.LessonsCompleted,
	}
	if row.Streak != nil {
		resp.StreakDays = row.Streak.Current
		resp.LongestStreak = row.Streak.Longest
	}
	for _, txn := range row.Recent {
		resp.RecentActivity = append(resp.RecentActivity, dto.XPTransactionResponse{
			Amount:      txn.Amount,
			Source:      txn.Source,
			Description: txn.Description,
			CreatedAt:   txn.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	if err := svc.redisSvc.Set(ctx, cacheKey, resp, statsCacheTTL); err != nil {
		log.WithError(err).Warn("stats cache write failed")
	}
	return resp, nil
}

func (svc *GamificationService) GetLeaderboard(ctx goctx.Context, orgID string) (*dto.LeaderboardResponse, error) {
	cacheKey := "gamification:leaderboard:" + orgID

	var cached dto.LeaderboardResponse
	if hit, err := svc.redisSvc.GetJSON(ctx, cacheKey, &cached); err == nil && hit {
		return &cached, nil
	} else if err != nil {
		log.WithError(err).Warn("leaderboard cache read failed")
	}

	rows, err := svc.repo.Leaderboard(ctx, orgID, leaderboardSize)
	if err != nil {
		return nil, shared.NewInternalError(err, "Failed to load leaderboard")
	}

	resp := &dto.LeaderboardResponse{OrgID: orgID}
	for i, row := range rows {
		resp.Entries = append(resp.Entries, dto.LeaderboardEntry{
			Rank:     i + 1,
			UserID:   row.UserID,
			Username: row.Username,
			TotalXP:  row.TotalXP,
			Level:    LevelForXP(row.TotalXP),
		})
	}

	if err := svc.redisSvc.Set(ctx, cacheKey, resp, leaderboardCacheTTL); err != nil {
		log.WithError(err).Warn("leaderboard cache write failed")
	}
	return resp, nil
}

// NotifyForumAnswer credits the forum XP grant to the answer's author and
// notifies the question author's private room.
func (svc *GamificationService) NotifyForumAnswer(ctx goctx.Context, answerAuthorID string, req dto.ForumAnswerNotifyRequest) error {
	priorTotal, err := svc.repo.TotalXP(ctx, answerAuthorID)
	if err != nil {
		return shared.NewInternalError(err, "Failed to load XP total")
	}

	grant, events := svc.engine.ForumAnswerGrant(answerAuthorID, req.AnswerID, priorTotal, svc.now())
	if err := svc.repo.CreateXPGrant(ctx, &grant); err != nil {
		return shared.NewInternalError(err, "Failed to record XP grant")
	}

	for _, evt := range events {
		svc.busSvc.Publish(evt)
	}

	svc.busSvc.Publish(model.DomainEvent{
		Type:     model.EventForumNewAnswer,
		Room:     model.UserRoom(req.QuestionAuthorID),
		UserID:   req.QuestionAuthorID,
		Priority: model.PriorityNormal,
		Payload: model.ForumNewAnswerPayload{
			QuestionID: req.QuestionID,
			AnswerID:   req.AnswerID,
			AuthorID:   answerAuthorID,
			Preview:    req.Preview,
		},
		Timestamp: svc.now(),
	})

	if err := svc.redisSvc.Delete(ctx, "gamification:stats:"+answerAuthorID); err != nil {
		log.WithError(err).Warn("stats cache invalidation failed")
	}

	log.WithFields(log.Fields{
		"author_id":   answerAuthorID,
		"question_id": req.QuestionID,
	}).Info("forum answer credited")
	return nil
}

// InvalidateLeaderboards drops all cached leaderboards. Called by the
// scheduler after the daily streak audit.
func (svc *GamificationService) InvalidateLeaderboards(ctx goctx.Context) error {
	keys, err := svc.redisSvc.Keys(ctx, "gamification:leaderboard:*")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return svc.redisSvc.Delete(ctx, keys...)
}
