package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/k-orbit/korbit_api/dto"
	"github.com/k-orbit/korbit_api/shared"
)

type ProgressHandler struct {
	progressSvc ProgressServiceInterface
}

func NewProgressHandler(progressSvc ProgressServiceInterface) *ProgressHandler {
	return &ProgressHandler{progressSvc: progressSvc}
}

// @Summary Enroll in course
// @Description Enroll the authenticated user in a published course
// @Tags progress
// @Accept json
// @Produce json
// @Security Bearer
// @Param Authorization header string true "User Bearer Token" default(Bearer <user_token>)
// @Param courseId path string true "Course ID"
// @Success 201 {object} shared.Response{data=dto.EnrollmentResponse}
// @Router /api/v1/courses/{courseId}/enroll [post]
func (h *ProgressHandler) Enroll(c *fiber.Ctx) error {
	userID := c.Locals(shared.UserID).(string)
	courseID := c.Params("courseId")

	enrollment, err := h.progressSvc.Enroll(c.Context(), userID, courseID)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, fiber.StatusCreated, "Created", enrollment)
}

// @Summary Complete lesson
// @Description Mark a lesson completed and collect the resulting rewards
// @Tags progress
// @Accept json
// @Produce json
// @Security Bearer
// @Param Authorization header string true "User Bearer Token" default(Bearer <user_token>)
// @Param lessonId path string true "Lesson ID"
// @Param completeRequest body dto.CompleteLessonRequest false "Completion details"
// @Success 200 {object} shared.Response{data=dto.CompleteLessonResponse}
// @Router /api/v1/lessons/{lessonId}/complete [post]
func (h *ProgressHandler) CompleteLesson(c *fiber.Ctx) error {
	userID := c.Locals(shared.UserID).(string)
	lessonID := c.Params("lessonId")

	// Body is optional; it only carries self-reported time spent.
	var req dto.CompleteLessonRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return shared.NewBadRequestError(err, "Invalid request")
		}
		if err := req.Validate(); err != nil {
			validationResp := dto.CreateValidationErrorResponse(err)
			return c.Status(fiber.StatusBadRequest).JSON(validationResp)
		}
	}

	result, err := h.progressSvc.CompleteLesson(c.Context(), userID, lessonID, req)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, fiber.StatusOK, "Success", result)
}
