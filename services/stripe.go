package services

import (
	"context"
	"errors"
	"os"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/makersgate/creator_api/shared"
	log "github.com/sirupsen/logrus"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Metadata keys stamped onto checkout sessions and payment intents when
// the storefront creates them.
const (
	MetadataAssetID    = "assetId"
	MetadataMerchantID = "merchantId"
)

// PaymentMetadata is the expanded view of a payment reference.
type PaymentMetadata struct {
	PaymentRef string
	AssetID    string
	MerchantID string
}

type StripeService struct {
	appContext.DefaultService

	api *client.API

	secretKey     string
	paymentSecret string
	connectSecret string
	expandTimeout time.Duration
}

const STRIPE_SVC = "stripe_svc"

const defaultExpandTimeout = 5 * time.Second

func (svc StripeService) Id() string {
	return STRIPE_SVC
}

func (svc *StripeService) Configure(ctx *appContext.Context) error {
	svc.secretKey = os.Getenv("STRIPE_SECRET_KEY")
	svc.paymentSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	svc.connectSecret = os.Getenv("STRIPE_CONNECT_WEBHOOK_SECRET")

	svc.expandTimeout = defaultExpandTimeout
	if v := os.Getenv("STRIPE_EXPAND_TIMEOUT"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			svc.expandTimeout = parsed
		}
	}

	return svc.DefaultService.Configure(ctx)
}

func (svc *StripeService) Start() error {
	if svc.paymentSecret == "" {
		return errors.New("STRIPE_WEBHOOK_SECRET is required")
	}
	if svc.connectSecret == "" {
		svc.connectSecret = svc.paymentSecret
	}

	svc.api = client.New(svc.secretKey, nil)
	return nil
}

// ==================== SIGNATURE VERIFICATION ====================

// VerifyPaymentEvent authenticates an inbound payment webhook. It must
// receive the raw request body; re-serializing a parsed body breaks the
// signature.
func (svc *StripeService) VerifyPaymentEvent(rawBody []byte, sigHeader string) (*stripe.Event, error) {
	return svc.verifyEvent(rawBody, sigHeader, svc.paymentSecret)
}

// VerifyConnectEvent authenticates an inbound merchant-account webhook.
func (svc *StripeService) VerifyConnectEvent(rawBody []byte, sigHeader string) (*stripe.Event, error) {
	return svc.verifyEvent(rawBody, sigHeader, svc.connectSecret)
}

func (svc *StripeService) verifyEvent(rawBody []byte, sigHeader, secret string) (*stripe.Event, error) {
	if sigHeader == "" {
		return nil, shared.ErrInvalidSignature(errors.New("missing signature header"))
	}

	event, err := webhook.ConstructEventWithOptions(rawBody, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, shared.ErrInvalidSignature(err)
	}

	return &event, nil
}

// ==================== PAYMENT EXPANSION ====================

// ExpandPaymentReference fetches the payment intent behind a checkout
// session and pulls the entitlement metadata off it. The call carries a
// bounded timeout; overruns surface as UpstreamTimeout so the caller can
// fall back without waiting out the sender's webhook budget.
func (svc *StripeService) ExpandPaymentReference(ctx context.Context, paymentRef string) (*PaymentMetadata, error) {
	if paymentRef == "" {
		return nil, errors.New("empty payment reference")
	}

	ctx, cancel := context.WithTimeout(ctx, svc.expandTimeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	}

	intent, err := svc.api.PaymentIntents.Get(paymentRef, params)
	if err != nil {
		if ctx.Err() != nil {
			log.WithFields(log.Fields{"payment_ref": paymentRef}).Warn("Payment intent expansion timed out")
			return nil, shared.ErrUpstreamTimeout(err)
		}
		return nil, err
	}

	meta := &PaymentMetadata{
		PaymentRef: intent.ID,
		AssetID:    intent.Metadata[MetadataAssetID],
		MerchantID: intent.Metadata[MetadataMerchantID],
	}

	if meta.AssetID == "" {
		return nil, errors.New("payment intent carries no asset metadata")
	}

	return meta, nil
}
