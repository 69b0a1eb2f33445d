package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/k-orbit/korbit_api/dto"
	"github.com/k-orbit/korbit_api/shared"
)

type GamificationHandler struct {
	gamificationSvc GamificationServiceInterface
}

func NewGamificationHandler(gamificationSvc GamificationServiceInterface) *GamificationHandler {
	return &GamificationHandler{gamificationSvc: gamificationSvc}
}

// @Summary Get user stats
// @Description Get the authenticated user's XP, level, badges and streak
// @Tags gamification
// @Accept json
// @Produce json
// @Security Bearer
// @Param Authorization header string true "User Bearer Token" default(Bearer <user_token>)
// @Success 200 {object} shared.Response{data=dto.UserStatsResponse}
// @Router /api/v1/gamification/stats [get]
func (h *GamificationHandler) GetUserStats(c *fiber.Ctx) error {
	userID := c.Locals(shared.UserID).(string)

	stats, err := h.gamificationSvc.GetUserStats(c.Context(), userID)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, fiber.StatusOK, "Success", stats)
}

// @Summary Get leaderboard
// @Description Get the XP leaderboard for the authenticated user's organization
// @Tags gamification
// @Accept json
// @Produce json
// @Security Bearer
// @Param Authorization header string true "User Bearer Token" default(Bearer <user_token>)
// @Success 200 {object} shared.Response{data=dto.LeaderboardResponse}
// @Router /api/v1/gamification/leaderboard [get]
func (h *GamificationHandler) GetLeaderboard(c *fiber.Ctx) error {
	orgID := c.Locals(shared.OrgID).(string)

	leaderboard, err := h.gamificationSvc.GetLeaderboard(c.Context(), orgID)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, fiber.StatusOK, "Success", leaderboard)
}

// @Summary Notify forum answer
// @Description Credit forum XP for an answer and notify the question author
// @Tags gamification
// @Accept json
// @Produce json
// @Security Bearer
// @Param Authorization header string true "User Bearer Token" default(Bearer <user_token>)
// @Param notifyRequest body dto.ForumAnswerNotifyRequest true "Forum answer"
// @Success 200 {object} shared.Response
// @Router /api/v1/forum/answers/notify [post]
func (h *GamificationHandler) NotifyForumAnswer(c *fiber.Ctx) error {
	userID := c.Locals(shared.UserID).(string)

	var req dto.ForumAnswerNotifyRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.NewBadRequestError(err, "Invalid request")
	}

	if err := req.Validate(); err != nil {
		validationResp := dto.CreateValidationErrorResponse(err)
		return c.Status(fiber.StatusBadRequest).JSON(validationResp)
	}

	if err := h.gamificationSvc.NotifyForumAnswer(c.Context(), userID, req); err != nil {
		return err
	}

	return shared.ResponseJSON(c, fiber.StatusOK, "Success", nil)
}
