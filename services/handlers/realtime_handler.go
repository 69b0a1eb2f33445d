package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/k-orbit/korbit_api/dto"
	"github.com/k-orbit/korbit_api/shared"
)

type RealtimeHandler struct {
	announceSvc AnnouncementServiceInterface
}

func NewRealtimeHandler(announceSvc AnnouncementServiceInterface) *RealtimeHandler {
	return &RealtimeHandler{announceSvc: announceSvc}
}

// @Summary Broadcast announcement
// @Description Broadcast a system announcement to a role room or the org room
// @Tags realtime
// @Accept json
// @Produce json
// @Security Bearer
// @Param Authorization header string true "Manager Bearer Token" default(Bearer <user_token>)
// @Param announcement body dto.AnnouncementRequest true "Announcement"
// @Success 200 {object} shared.Response{data=dto.AnnouncementResponse}
// @Router /api/v1/realtime/announcements [post]
func (h *RealtimeHandler) Announce(c *fiber.Ctx) error {
	orgID := c.Locals(shared.OrgID).(string)

	var req dto.AnnouncementRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.NewBadRequestError(err, "Invalid request")
	}

	if err := req.Validate(); err != nil {
		validationResp := dto.CreateValidationErrorResponse(err)
		return c.Status(fiber.StatusBadRequest).JSON(validationResp)
	}

	result, err := h.announceSvc.Announce(req, orgID)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, fiber.StatusOK, "Success", result)
}
