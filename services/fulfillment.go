package services

import (
	"context"
	"errors"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/makersgate/creator_api/model"
	"github.com/makersgate/creator_api/shared"
	log "github.com/sirupsen/logrus"
	stripe "github.com/stripe/stripe-go/v82"
)

type paymentExpander interface {
	ExpandPaymentReference(ctx context.Context, paymentRef string) (*PaymentMetadata, error)
}

type fulfillmentStore interface {
	GetAccountByEmail(email string) (*model.Account, error)
	MergeEntitlements(accountID string, assetIDs ...string) error
	RecordAttempt(attempt *model.FulfillmentAttempt) error
}

// FulfillmentService grants a purchased entitlement to the buying
// account. Grants are a set union, so replays and concurrent deliveries
// of the same event settle on the same final state.
type FulfillmentService struct {
	appContext.DefaultService

	expander paymentExpander
	store    fulfillmentStore
}

const FULFILLMENT_SVC = "fulfillment_svc"

func (svc FulfillmentService) Id() string {
	return FULFILLMENT_SVC
}

func (svc *FulfillmentService) Configure(ctx *appContext.Context) error {
	return svc.DefaultService.Configure(ctx)
}

func (svc *FulfillmentService) Start() error {
	svc.expander = svc.Service(STRIPE_SVC).(*StripeService)
	svc.store = svc.Service(SQL_SVC).(*SqlService)
	return nil
}

// AssignEntitlement fulfills a completed checkout session. It never
// returns an error: a failed grant is recorded and acknowledged, because
// the sender retrying a payload whose account will never resolve only
// burns both sides' budgets.
func (svc *FulfillmentService) AssignEntitlement(ctx context.Context, session *stripe.CheckoutSession) {
	email := sessionEmail(session)
	paymentRef := sessionPaymentRef(session)

	if email == "" {
		svc.recordAttempt(&model.FulfillmentAttempt{
			SessionID:  session.ID,
			PaymentRef: paymentRef,
			Status:     shared.AttemptStatusFailed,
			Error:      "checkout session carries no customer email",
		})
		return
	}

	meta, err := svc.expandPrimary(ctx, paymentRef)
	if err != nil {
		log.WithFields(log.Fields{
			"session_id":  session.ID,
			"payment_ref": paymentRef,
			"error":       err.Error(),
		}).Warn("Primary fulfillment path failed, trying fallback")
		svc.assignFallback(session, email)
		return
	}

	attempt := &model.FulfillmentAttempt{
		SessionID:  session.ID,
		PaymentRef: meta.PaymentRef,
		AssetID:    meta.AssetID,
		MerchantID: meta.MerchantID,
		Email:      email,
	}

	if err := svc.grant(email, meta.AssetID, attempt); err != nil {
		attempt.Status = shared.AttemptStatusFailed
		attempt.Error = err.Error()
	} else {
		attempt.Status = shared.AttemptStatusSuccess
	}
	svc.recordAttempt(attempt)
}

func (svc *FulfillmentService) expandPrimary(ctx context.Context, paymentRef string) (*PaymentMetadata, error) {
	if paymentRef == "" {
		return nil, errors.New("session carries no payment reference")
	}
	return svc.expander.ExpandPaymentReference(ctx, paymentRef)
}

// assignFallback re-derives the entitlement from metadata already on the
// session, skipping the processor round trip.
func (svc *FulfillmentService) assignFallback(session *stripe.CheckoutSession, email string) {
	attempt := &model.FulfillmentAttempt{
		SessionID:  session.ID,
		PaymentRef: sessionPaymentRef(session),
		AssetID:    session.Metadata[MetadataAssetID],
		MerchantID: session.Metadata[MetadataMerchantID],
		Email:      email,
	}

	if attempt.AssetID == "" {
		attempt.Status = shared.AttemptStatusFallbackFailed
		attempt.Error = "session carries no fallback asset metadata"
		svc.recordAttempt(attempt)
		return
	}

	if err := svc.grant(email, attempt.AssetID, attempt); err != nil {
		attempt.Status = shared.AttemptStatusFallbackFailed
		attempt.Error = err.Error()
	} else {
		attempt.Status = shared.AttemptStatusFallbackOK
	}
	svc.recordAttempt(attempt)
}

func (svc *FulfillmentService) grant(email, assetID string, attempt *model.FulfillmentAttempt) error {
	account, err := svc.store.GetAccountByEmail(email)
	if err != nil {
		return err
	}
	if account == nil {
		return errors.New("no account for purchase email")
	}

	return svc.store.MergeEntitlements(account.ID, assetID)
}

func (svc *FulfillmentService) recordAttempt(attempt *model.FulfillmentAttempt) {
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now()
	}

	fulfillmentAttemptsTotal.WithLabelValues(attempt.Status).Inc()

	entry := log.WithFields(log.Fields{
		"session_id":  attempt.SessionID,
		"payment_ref": attempt.PaymentRef,
		"asset_id":    attempt.AssetID,
		"merchant_id": attempt.MerchantID,
		"email":       attempt.Email,
		"status":      attempt.Status,
	})
	if attempt.Error != "" {
		entry = entry.WithField("error", attempt.Error)
	}

	switch attempt.Status {
	case shared.AttemptStatusSuccess, shared.AttemptStatusFallbackOK:
		entry.Info("Fulfillment attempt recorded")
	default:
		entry.Warn("Fulfillment attempt recorded")
	}

	if err := svc.store.RecordAttempt(attempt); err != nil {
		log.WithFields(log.Fields{
			"session_id": attempt.SessionID,
			"error":      err.Error(),
		}).Error("Failed to persist fulfillment attempt")
	}
}

func sessionEmail(session *stripe.CheckoutSession) string {
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		return session.CustomerDetails.Email
	}
	return session.CustomerEmail
}

func sessionPaymentRef(session *stripe.CheckoutSession) string {
	if session.PaymentIntent != nil {
		return session.PaymentIntent.ID
	}
	return ""
}
