package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/makersgate/creator_api/shared"
)

type WebhookHandler struct {
	webhookSvc WebhookServiceInterface
	rateSvc    RateLimitServiceInterface
}

func NewWebhookHandler(webhookSvc WebhookServiceInterface, rateSvc RateLimitServiceInterface) *WebhookHandler {
	return &WebhookHandler{
		webhookSvc: webhookSvc,
		rateSvc:    rateSvc,
	}
}

// @Summary Receive payment webhook
// @Description Ingest a signed payment-processor event for a consumer purchase or subscription
// @Tags webhooks
// @Accept json
// @Produce json
// @Param Stripe-Signature header string true "Event signature"
// @Success 200 {object} shared.Response{data=dto.WebhookAck}
// @Router /webhooks/payments [post]
func (h *WebhookHandler) HandlePaymentWebhook(c *fiber.Ctx) error {
	// The raw body is what the signature covers; it must never be
	// re-serialized before verification.
	rawBody := c.Body()
	sigHeader := c.Get("Stripe-Signature")
	clientID := h.rateSvc.ClientKey(c)

	ack, err := h.webhookSvc.ProcessPaymentEvent(c.Context(), rawBody, sigHeader, clientID)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Success", ack)
}

// @Summary Receive merchant account webhook
// @Description Ingest a signed payment-processor event about a platform seller's sub-account
// @Tags webhooks
// @Accept json
// @Produce json
// @Param Stripe-Signature header string true "Event signature"
// @Success 200 {object} shared.Response{data=dto.WebhookAck}
// @Router /webhooks/connect [post]
func (h *WebhookHandler) HandleConnectWebhook(c *fiber.Ctx) error {
	rawBody := c.Body()
	sigHeader := c.Get("Stripe-Signature")
	clientID := h.rateSvc.ClientKey(c)

	ack, err := h.webhookSvc.ProcessConnectEvent(c.Context(), rawBody, sigHeader, clientID)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, http.StatusOK, "Success", ack)
}
