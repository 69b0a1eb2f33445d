package main

import (
	"github.com/k-orbit/korbit_api/services"

	"github.com/alphabatem/common/context"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Warn().Err(err).Msg("No .env file loaded")
	}

	ctx, err := context.NewCtx(
		&services.MonitoringService{},
		&services.JWTService{},
		&services.AuthMiddleware{},
		&services.PostgresService{},
		&services.RedisService{},

		&services.EventBusService{},
		&services.HubService{},
		&services.ProgressService{},
		&services.GamificationService{},
		&services.SchedulerService{},

		&services.HttpService{},
	)
	if err != nil {
		log.Fatal().Err(err)
		return
	}

	err = ctx.Run()
	if err != nil {
		log.Fatal().Err(err)
		return
	}
}
