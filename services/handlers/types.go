package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/makersgate/creator_api/dto"
	"github.com/makersgate/creator_api/model"
)

type WebhookServiceInterface interface {
	ProcessPaymentEvent(ctx context.Context, rawBody []byte, sigHeader, clientID string) (*dto.WebhookAck, error)
	ProcessConnectEvent(ctx context.Context, rawBody []byte, sigHeader, clientID string) (*dto.WebhookAck, error)
}

type RateLimitServiceInterface interface {
	ClientKey(c *fiber.Ctx) string
	IPRateLimit() fiber.Handler
	GetRateLimitStats() fiber.Handler
	UpdateConfig() fiber.Handler
}

type AttemptStoreInterface interface {
	ListAttempts(page, limit int) ([]model.FulfillmentAttempt, int64, error)
}

type AssetServiceInterface interface {
	GetDownloadURL(accountID, assetID string) (*dto.AssetDownloadResponse, error)
}

type JWTServiceInterface interface {
	RequiredAuth() fiber.Handler
	RequireRole(role string) fiber.Handler
}
