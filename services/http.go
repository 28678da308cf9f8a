package services

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	log "github.com/sirupsen/logrus"

	"github.com/makersgate/creator_api/services/handlers"
	"github.com/makersgate/creator_api/shared"
)

type HttpService struct {
	context.DefaultService

	jwtSvc     *JWTService
	sqlSvc     *SqlService
	rateSvc    *RateLimitService
	webhookSvc *WebhookService
	assetSvc   *AssetService

	port   int
	server *fiber.App
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
	svc.jwtSvc = svc.Service(JWT_SVC).(*JWTService)
	svc.sqlSvc = svc.Service(SQL_SVC).(*SqlService)
	svc.rateSvc = svc.Service(RATE_LIMIT_SVC).(*RateLimitService)
	svc.webhookSvc = svc.Service(WEBHOOK_SVC).(*WebhookService)
	svc.assetSvc = svc.Service(ASSET_SVC).(*AssetService)

	app := fiber.New(fiber.Config{
		ErrorHandler: svc.handleError,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, Stripe-Signature",
	}))
	app.Use(MonitoringMiddleware())

	webhookHandler := handlers.NewWebhookHandler(svc.webhookSvc, svc.rateSvc)
	adminHandler := handlers.NewAdminHandler(svc.sqlSvc)
	assetHandler := handlers.NewAssetHandler(svc.assetSvc)

	app.Get("/ping", svc.ping)

	// The webhook surface sits behind the generic per-client ceiling;
	// per-event-type ceilings apply after signature verification.
	webhooks := app.Group("/webhooks", svc.rateSvc.IPRateLimit())
	webhooks.Post("/payments", webhookHandler.HandlePaymentWebhook)
	webhooks.Post("/connect", webhookHandler.HandleConnectWebhook)

	v1 := app.Group("/api/v1")
	v1.Get("/ping", svc.ping)

	assets := v1.Group("/assets", svc.jwtSvc.RequiredAuth())
	assets.Get("/:assetId/download", assetHandler.DownloadAsset)

	admin := v1.Group("/admin", svc.jwtSvc.RequiredAuth(), svc.jwtSvc.RequireRole(shared.RoleAdmin))
	admin.Get("/fulfillments", adminHandler.ListFulfillmentAttempts)
	admin.Get("/rate-limits", svc.rateSvc.GetRateLimitStats())
	admin.Put("/rate-limits/:eventType", svc.rateSvc.UpdateConfig())
	admin.Delete("/rate-limits", svc.rateSvc.ResetLimiters())

	svc.server = app

	log.Printf("HTTP server listening on :%d", svc.port)
	return app.Listen(fmt.Sprintf(":%v", svc.port))
}

func (svc *HttpService) Shutdown() {
	if svc.server != nil {
		_ = svc.server.Shutdown()
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

	return shared.ResponseJSON(c, http.StatusOK, "Success", "pong")
}

// handleError is the single place handler failures become responses.
func (svc *HttpService) handleError(c *fiber.Ctx, err error) error {
	if appErr, ok := shared.GetAppError(err); ok {
		if appErr.StatusCode == http.StatusTooManyRequests {
			setRetryHeaders(c, appErr.Data)
		}
		return shared.ResponseJSON(c, appErr.StatusCode, appErr.Message, appErr.Data)
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return shared.ResponseJSON(c, fiberErr.Code, fiberErr.Message, nil)
	}

	return shared.ResponseInternalError(c, err)
}

func setRetryHeaders(c *fiber.Ctx, data interface{}) {
	fields, ok := data.(map[string]interface{})
	if !ok {
		return
	}
	if retryAfter, ok := fields["retry_after"].(int); ok && retryAfter > 0 {
		c.Set("Retry-After", strconv.Itoa(retryAfter))
	}
	if resetAt, ok := fields["reset_at"].(int64); ok {
		c.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))
	}
	c.Set("X-RateLimit-Remaining", "0")
}
