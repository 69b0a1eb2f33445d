package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/k-orbit/korbit_api/dto"
)

type AuthMiddlewareInterface interface {
	RequiredAuth() fiber.Handler
	RequireRole(role string) fiber.Handler
}

type ProgressServiceInterface interface {
	Enroll(ctx context.Context, userID, courseID string) (*dto.EnrollmentResponse, error)
	CompleteLesson(ctx context.Context, userID, lessonID string, req dto.CompleteLessonRequest) (*dto.CompleteLessonResponse, error)
}

type GamificationServiceInterface interface {
	GetUserStats(ctx context.Context, userID string) (*dto.UserStatsResponse, error)
	GetLeaderboard(ctx context.Context, orgID string) (*dto.LeaderboardResponse, error)
	NotifyForumAnswer(ctx context.Context, answerAuthorID string, req dto.ForumAnswerNotifyRequest) error
}

type AnnouncementServiceInterface interface {
	Announce(req dto.AnnouncementRequest, orgID string) (*dto.AnnouncementResponse, error)
}
