package services

import (
	"os"
	"strings"

	appContext "github.com/alphabatem/common/context"
	"github.com/makersgate/creator_api/model"
	log "github.com/sirupsen/logrus"
	stripe "github.com/stripe/stripe-go/v82"
)

type entitlementStore interface {
	CreateOrGetAccountByEmail(email string) (*model.Account, error)
	GetAccountByCustomerID(customerID string) (*model.Account, error)
	SetStripeCustomerID(accountID, customerID string) error
	MergeRoles(accountID string, roles ...string) error
	ReconcileRoles(accountID string, add, remove []string) error
}

// EntitlementService derives account roles from subscription lifecycle
// events. Roles are recomputed against the plan→role mapping on every
// event, so a replayed or out-of-order delivery settles on the state the
// latest subscription snapshot implies.
type EntitlementService struct {
	appContext.DefaultService

	store entitlementStore

	// price ID → role name
	planRoles map[string]string
}

const ENTITLEMENT_SVC = "entitlement_svc"

func (svc EntitlementService) Id() string {
	return ENTITLEMENT_SVC
}

func (svc *EntitlementService) Configure(ctx *appContext.Context) error {
	svc.planRoles = parsePlanRoleMap(os.Getenv("PLAN_ROLE_MAP"))
	if len(svc.planRoles) == 0 {
		log.Warn("PLAN_ROLE_MAP is empty, subscription events will not grant roles")
	}
	return svc.DefaultService.Configure(ctx)
}

func (svc *EntitlementService) Start() error {
	svc.store = svc.Service(SQL_SVC).(*SqlService)
	return nil
}

// parsePlanRoleMap reads "price_123:supporter,price_456:studio" pairs.
func parsePlanRoleMap(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		out[parts[0]] = parts[1]
	}
	return out
}

// ==================== LIFECYCLE HANDLERS ====================

// HandleSubscriptionCreated resolves or creates the account by the email
// stamped on the subscription, records the processor customer mapping,
// and merges the plan-derived role.
func (svc *EntitlementService) HandleSubscriptionCreated(sub *stripe.Subscription) error {
	email := sub.Metadata["email"]
	if email == "" {
		log.WithFields(log.Fields{"subscription_id": sub.ID}).
			Warn("Subscription created without email metadata, skipping role grant")
		return nil
	}

	account, err := svc.store.CreateOrGetAccountByEmail(email)
	if err != nil {
		return err
	}

	customerID := subscriptionCustomerID(sub)
	if customerID != "" && account.StripeCustomerID != customerID {
		if err := svc.store.SetStripeCustomerID(account.ID, customerID); err != nil {
			return err
		}
	}

	role := svc.planRoles[subscriptionPriceID(sub)]
	if role == "" {
		log.WithFields(log.Fields{
			"subscription_id": sub.ID,
			"price_id":        subscriptionPriceID(sub),
		}).Info("Subscription plan has no mapped role")
		return nil
	}

	return svc.store.MergeRoles(account.ID, role)
}

// HandleSubscriptionChanged recomputes the role set after an update,
// resume, or deletion. Accounts are resolved by the stored processor
// customer ID; a missing mapping is logged and acknowledged since it
// cannot heal through retries.
func (svc *EntitlementService) HandleSubscriptionChanged(sub *stripe.Subscription) error {
	account, err := svc.resolveByCustomer(subscriptionCustomerID(sub), sub.ID)
	if err != nil || account == nil {
		return err
	}

	active := sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing
	currentPrice := subscriptionPriceID(sub)

	var add, remove []string
	for priceID, role := range svc.planRoles {
		if active && priceID == currentPrice {
			add = append(add, role)
		} else {
			remove = append(remove, role)
		}
	}

	return svc.store.ReconcileRoles(account.ID, add, remove)
}

// HandlePaymentFailed drops all plan-derived roles for the invoice's
// account.
func (svc *EntitlementService) HandlePaymentFailed(inv *stripe.Invoice) error {
	account, err := svc.resolveByCustomer(invoiceCustomerID(inv), inv.ID)
	if err != nil || account == nil {
		return err
	}

	remove := make([]string, 0, len(svc.planRoles))
	for _, role := range svc.planRoles {
		remove = append(remove, role)
	}

	return svc.store.ReconcileRoles(account.ID, nil, remove)
}

// HandlePaymentActionRequired only records the condition; entitlements
// stay untouched until the invoice resolves one way or the other.
func (svc *EntitlementService) HandlePaymentActionRequired(inv *stripe.Invoice) error {
	log.WithFields(log.Fields{
		"invoice_id":  inv.ID,
		"customer_id": invoiceCustomerID(inv),
	}).Info("Invoice requires payment action")
	return nil
}

func (svc *EntitlementService) resolveByCustomer(customerID, sourceID string) (*model.Account, error) {
	if customerID == "" {
		log.WithFields(log.Fields{"source_id": sourceID}).
			Warn("Event carries no customer identifier")
		return nil, nil
	}

	account, err := svc.store.GetAccountByCustomerID(customerID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		log.WithFields(log.Fields{
			"customer_id": customerID,
			"source_id":   sourceID,
		}).Warn("No account mapped to processor customer")
		return nil, nil
	}

	return account, nil
}

func subscriptionCustomerID(sub *stripe.Subscription) string {
	if sub.Customer != nil {
		return sub.Customer.ID
	}
	return ""
}

func subscriptionPriceID(sub *stripe.Subscription) string {
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		return sub.Items.Data[0].Price.ID
	}
	return ""
}

func invoiceCustomerID(inv *stripe.Invoice) string {
	if inv.Customer != nil {
		return inv.Customer.ID
	}
	return ""
}
