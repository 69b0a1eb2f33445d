package services

import (
	"fmt"
	"os"
	"strconv"

	"github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/k-orbit/korbit_api/services/handlers"
	"github.com/k-orbit/korbit_api/shared"
)

type HttpService struct {
	context.DefaultService

	authSvc handlers.AuthMiddlewareInterface
	monSvc  *MonitoringService

	port int
	app  *fiber.App
}

const HTTP_SVC = "http_svc"

func (svc HttpService) Id() string {
	return HTTP_SVC
}

func (svc *HttpService) Configure(ctx *context.Context) error {
	if port := os.Getenv("HTTP_PORT"); port != "" {
		var err error
		if svc.port, err = strconv.Atoi(port); err != nil {
			return err
		}
	} else {
		svc.port = 8000
	}

	return svc.DefaultService.Configure(ctx)
}

func (svc *HttpService) Start() error {
	svc.authSvc = svc.Service(AUTH_MIDDLEWARE_SVC).(*AuthMiddleware)
	svc.monSvc = svc.Service(MONITORING_SVC).(*MonitoringService)

	progressHandler := handlers.NewProgressHandler(svc.Service(PROGRESS_SVC).(*ProgressService))
	gamificationHandler := handlers.NewGamificationHandler(svc.Service(GAMIFICATION_SVC).(*GamificationService))
	realtimeHandler := handlers.NewRealtimeHandler(svc.Service(EVENT_BUS_SVC).(*EventBusService))

	svc.app = fiber.New(fiber.Config{
		ErrorHandler: svc.handleError,
	})

	svc.app.Use(recover.New())
	svc.app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))
	svc.app.Use(MonitoringMiddleware(svc.monSvc))

	svc.app.Get("/ping", svc.ping)

	v1 := svc.app.Group("/api/v1")
	v1.Get("/ping", svc.ping)

	auth := svc.authSvc.RequiredAuth()

	v1.Post("/courses/:courseId/enroll", auth, progressHandler.Enroll)
	v1.Post("/lessons/:lessonId/complete", auth, progressHandler.CompleteLesson)

	v1.Get("/gamification/stats", auth, gamificationHandler.GetUserStats)
	v1.Get("/gamification/leaderboard", auth, gamificationHandler.GetLeaderboard)
	v1.Post("/forum/answers/notify", auth, gamificationHandler.NotifyForumAnswer)

	v1.Post("/realtime/announcements", auth, svc.authSvc.RequireRole(shared.RoleManager), realtimeHandler.Announce)

	svc.app.Use(func(c *fiber.Ctx) error {
		return shared.ResponseNotFound(c)
	})

	return svc.app.Listen(fmt.Sprintf(":%v", svc.port))
}

func (svc *HttpService) Shutdown() {
	if svc.app != nil {
		_ = svc.app.Shutdown()
	}
}

// @Summary Ping
// @Description This endpoint checks the health of the service
// @Tags health
// @Accept  json
// @Produce json
// @Success 200 {object} shared.Response{data=string}
// @Router /ping [get]
func (svc *HttpService) ping(c *fiber.Ctx) error {
	c.Set("Cache-Control", "max-age=10")

	return shared.ResponseJSON(c, fiber.StatusOK, "Success", "pong")
}

func (svc *HttpService) handleError(c *fiber.Ctx, err error) error {
	if appErr, ok := shared.GetAppError(err); ok {
		return shared.ResponseJSON(c, appErr.StatusCode, appErr.Message, appErr.Data)
	}

	if fiberErr, ok := err.(*fiber.Error); ok {
		return shared.ResponseJSON(c, fiberErr.Code, fiberErr.Message, nil)
	}

	return shared.ResponseInternalError(c, err)
}
