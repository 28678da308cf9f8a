package main

import (
	"github.com/makersgate/creator_api/services"

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
		&services.SqlService{},
		&services.RedisService{},
		&services.JWTService{},
		&services.StripeService{},
		&services.RateLimitService{},
		&services.FulfillmentService{},
		&services.EntitlementService{},
		&services.WebhookService{},
		&services.AssetService{},

		&services.MonitoringService{},
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
