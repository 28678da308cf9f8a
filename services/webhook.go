package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/makersgate/creator_api/dto"
	"github.com/makersgate/creator_api/shared"
	log "github.com/sirupsen/logrus"
	stripe "github.com/stripe/stripe-go/v82"
)

// EventKind is the closed set of event types this service handles.
// Everything else is acknowledged and ignored; the processor may ship
// new types at any time and retries on unhandled events are wasted.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindCheckoutCompleted
	KindSubscriptionCreated
	KindSubscriptionUpdated
	KindSubscriptionDeleted
	KindSubscriptionResumed
	KindInvoicePaymentFailed
	KindInvoiceActionRequired
	KindAccountUpdated
	KindAccountDeauthorized
)

func kindOf(eventType stripe.EventType) EventKind {
	switch eventType {
	case "checkout.session.completed":
		return KindCheckoutCompleted
	case "customer.subscription.created":
		return KindSubscriptionCreated
	case "customer.subscription.updated":
		return KindSubscriptionUpdated
	case "customer.subscription.deleted":
		return KindSubscriptionDeleted
	case "customer.subscription.resumed":
		return KindSubscriptionResumed
	case "invoice.payment_failed":
		return KindInvoicePaymentFailed
	case "invoice.payment_action_required":
		return KindInvoiceActionRequired
	case "account.updated":
		return KindAccountUpdated
	case "account.application.deauthorized":
		return KindAccountDeauthorized
	default:
		return KindUnknown
	}
}

// Dispatch outcomes, recorded per event in logs and metrics.
const (
	dispatchHandled     = "handled"
	dispatchIgnored     = "ignored"
	dispatchErrored     = "errored"
	dispatchDuplicate   = "duplicate"
	dispatchRateLimited = "rate_limited"
)

type eventHandler func(ctx context.Context, event *stripe.Event) error

type eventVerifier interface {
	VerifyPaymentEvent(rawBody []byte, sigHeader string) (*stripe.Event, error)
	VerifyConnectEvent(rawBody []byte, sigHeader string) (*stripe.Event, error)
}

type eventLimiter interface {
	CheckEvent(clientID, eventType string) dto.RateLimitInfo
}

type eventDeduper interface {
	MarkEventOnce(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
}

type WebhookService struct {
	appContext.DefaultService

	verifier eventVerifier
	limiter  eventLimiter
	deduper  eventDeduper

	fulfillSvc *FulfillmentService
	entSvc     *EntitlementService
	sqlSvc     *SqlService

	paymentRoutes map[EventKind]eventHandler
	connectRoutes map[EventKind]eventHandler
}

const WEBHOOK_SVC = "webhook_svc"

const eventDedupTTL = 24 * time.Hour

func (svc WebhookService) Id() string {
	return WEBHOOK_SVC
}

func (svc *WebhookService) Configure(ctx *appContext.Context) error {
	return svc.DefaultService.Configure(ctx)
}

func (svc *WebhookService) Start() error {
	svc.verifier = svc.Service(STRIPE_SVC).(*StripeService)
	svc.limiter = svc.Service(RATE_LIMIT_SVC).(*RateLimitService)
	svc.deduper = svc.Service(REDIS_SVC).(*RedisService)
	svc.fulfillSvc = svc.Service(FULFILLMENT_SVC).(*FulfillmentService)
	svc.entSvc = svc.Service(ENTITLEMENT_SVC).(*EntitlementService)
	svc.sqlSvc = svc.Service(SQL_SVC).(*SqlService)

	svc.initRoutes()
	return nil
}

func (svc *WebhookService) initRoutes() {
	svc.paymentRoutes = map[EventKind]eventHandler{
		KindCheckoutCompleted:     svc.handleCheckoutCompleted,
		KindSubscriptionCreated:   svc.handleSubscriptionCreated,
		KindSubscriptionUpdated:   svc.handleSubscriptionChanged,
		KindSubscriptionDeleted:   svc.handleSubscriptionChanged,
		KindSubscriptionResumed:   svc.handleSubscriptionChanged,
		KindInvoicePaymentFailed:  svc.handlePaymentFailed,
		KindInvoiceActionRequired: svc.handlePaymentActionRequired,
	}

	svc.connectRoutes = map[EventKind]eventHandler{
		KindAccountUpdated:      svc.handleMerchantUpdated,
		KindAccountDeauthorized: svc.handleMerchantDeauthorized,
	}
}

// ==================== ENTRY POINTS ====================

// ProcessPaymentEvent runs the consumer webhook pipeline:
// verify → dedup → event-type rate limit → dispatch.
func (svc *WebhookService) ProcessPaymentEvent(ctx context.Context, rawBody []byte, sigHeader, clientID string) (*dto.WebhookAck, error) {
	event, err := svc.verifier.VerifyPaymentEvent(rawBody, sigHeader)
	if err != nil {
		webhookEventsTotal.WithLabelValues("unverified", dispatchErrored).Inc()
		return nil, err
	}

	return svc.dispatch(ctx, event, clientID, svc.paymentRoutes)
}

// ProcessConnectEvent runs the merchant-account webhook pipeline.
func (svc *WebhookService) ProcessConnectEvent(ctx context.Context, rawBody []byte, sigHeader, clientID string) (*dto.WebhookAck, error) {
	event, err := svc.verifier.VerifyConnectEvent(rawBody, sigHeader)
	if err != nil {
		webhookEventsTotal.WithLabelValues("unverified", dispatchErrored).Inc()
		return nil, err
	}

	return svc.dispatch(ctx, event, clientID, svc.connectRoutes)
}

// ==================== DISPATCH ====================

func (svc *WebhookService) dispatch(ctx context.Context, event *stripe.Event, clientID string, routes map[EventKind]eventHandler) (ack *dto.WebhookAck, err error) {
	eventType := string(event.Type)
	entry := log.WithFields(log.Fields{
		"event_id":   event.ID,
		"event_type": eventType,
		"client":     clientID,
	})

	handler, known := routes[kindOf(event.Type)]
	if !known {
		webhookEventsTotal.WithLabelValues(eventType, dispatchIgnored).Inc()
		entry.Info("Unhandled event type acknowledged")
		return &dto.WebhookAck{Received: true, Status: dispatchIgnored}, nil
	}

	info := svc.limiter.CheckEvent(clientID, eventType)
	if !info.Allowed {
		webhookEventsTotal.WithLabelValues(eventType, dispatchRateLimited).Inc()
		data := map[string]interface{}{"remaining": 0}
		if info.ResetTime != nil {
			data["reset_at"] = info.ResetTime.Unix()
			data["retry_after"] = int(time.Until(*info.ResetTime).Seconds())
		}
		return nil, shared.ErrRateLimited("Event rate limit exceeded", data)
	}

	// Duplicate suppression is advisory; the idempotent merges below are
	// what actually make re-delivery safe.
	if fresh, dedupErr := svc.deduper.MarkEventOnce(ctx, event.ID, eventDedupTTL); dedupErr != nil {
		entry.WithField("error", dedupErr.Error()).Warn("Event dedup cache unavailable, processing anyway")
	} else if !fresh {
		webhookEventsTotal.WithLabelValues(eventType, dispatchDuplicate).Inc()
		entry.Info("Duplicate event delivery acknowledged")
		return &dto.WebhookAck{Received: true, Status: dispatchDuplicate}, nil
	}

	// A misbehaving handler must never take down an unrelated request.
	defer func() {
		if r := recover(); r != nil {
			webhookEventsTotal.WithLabelValues(eventType, dispatchErrored).Inc()
			entry.WithField("panic", fmt.Sprint(r)).Error("Event handler panicked")
			ack = nil
			err = shared.NewAppError(400, "Event handler failed", fmt.Errorf("panic: %v", r))
		}
	}()

	if err := handler(ctx, event); err != nil {
		webhookEventsTotal.WithLabelValues(eventType, dispatchErrored).Inc()
		entry.WithField("error", err.Error()).Error("Event handler failed")
		if appErr, ok := shared.GetAppError(err); ok {
			return nil, appErr
		}
		return nil, shared.NewAppError(400, "Event handler failed", err)
	}

	webhookEventsTotal.WithLabelValues(eventType, dispatchHandled).Inc()
	entry.Info("Event handled")
	return &dto.WebhookAck{Received: true, Status: dispatchHandled}, nil
}

// ==================== CONSUMER HANDLERS ====================

func (svc *WebhookService) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return shared.ErrMalformedPayload(err)
	}

	// Fulfillment never propagates failure: a grant that cannot succeed
	// now will not succeed on the sender's retry either.
	svc.fulfillSvc.AssignEntitlement(ctx, &session)
	return nil
}

func (svc *WebhookService) handleSubscriptionCreated(ctx context.Context, event *stripe.Event) error {
	sub, err := decodeSubscription(event)
	if err != nil {
		return err
	}
	return svc.entSvc.HandleSubscriptionCreated(sub)
}

func (svc *WebhookService) handleSubscriptionChanged(ctx context.Context, event *stripe.Event) error {
	sub, err := decodeSubscription(event)
	if err != nil {
		return err
	}
	return svc.entSvc.HandleSubscriptionChanged(sub)
}

func (svc *WebhookService) handlePaymentFailed(ctx context.Context, event *stripe.Event) error {
	inv, err := decodeInvoice(event)
	if err != nil {
		return err
	}
	return svc.entSvc.HandlePaymentFailed(inv)
}

func (svc *WebhookService) handlePaymentActionRequired(ctx context.Context, event *stripe.Event) error {
	inv, err := decodeInvoice(event)
	if err != nil {
		return err
	}
	return svc.entSvc.HandlePaymentActionRequired(inv)
}

// ==================== MERCHANT HANDLERS ====================

// Merchant-account webhooks are operator-facing: an unresolvable
// merchant is a 404, unlike the consumer path.
func (svc *WebhookService) handleMerchantUpdated(ctx context.Context, event *stripe.Event) error {
	var acct stripe.Account
	if err := json.Unmarshal(event.Data.Raw, &acct); err != nil {
		return shared.ErrMalformedPayload(err)
	}

	account, err := svc.sqlSvc.GetAccountByMerchantID(acct.ID)
	if err != nil {
		return err
	}
	if account == nil {
		return shared.ErrAccountNotFound(acct.ID)
	}

	enabled := acct.ChargesEnabled && acct.PayoutsEnabled
	return svc.sqlSvc.SetMerchantStatus(account.ID, enabled)
}

func (svc *WebhookService) handleMerchantDeauthorized(ctx context.Context, event *stripe.Event) error {
	var acct stripe.Account
	if err := json.Unmarshal(event.Data.Raw, &acct); err != nil {
		return shared.ErrMalformedPayload(err)
	}

	account, err := svc.sqlSvc.GetAccountByMerchantID(acct.ID)
	if err != nil {
		return err
	}
	if account == nil {
		return shared.ErrAccountNotFound(acct.ID)
	}

	return svc.sqlSvc.ClearMerchantAccount(account.ID)
}

func decodeSubscription(event *stripe.Event) (*stripe.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, shared.ErrMalformedPayload(err)
	}
	return &sub, nil
}

func decodeInvoice(event *stripe.Event) (*stripe.Invoice, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return nil, shared.ErrMalformedPayload(err)
	}
	return &inv, nil
}
