package model

import (
	"encoding/json"
	"time"
)

type Account struct {
	ID               string          `json:"id" gorm:"primaryKey;type:text;not null"`
	Email            string          `json:"email" gorm:"unique;not null;size:255"`
	StripeCustomerID string          `json:"stripe_customer_id,omitempty" gorm:"index;size:255"`
	MerchantID       string          `json:"merchant_id,omitempty" gorm:"index;size:255"`
	MerchantEnabled  bool            `json:"merchant_enabled" gorm:"default:false;not null"`
	Entitlements     json.RawMessage `json:"entitlements" gorm:"type:text;not null"`
	Roles            json.RawMessage `json:"roles" gorm:"type:text;not null"`
	CreatedAt        time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time       `json:"updated_at" gorm:"not null"`
}

// EntitlementSet decodes the stored entitlement ids. A nil column is an
// empty set, never an error.
func (a *Account) EntitlementSet() []string {
	return decodeSet(a.Entitlements)
}

func (a *Account) RoleSet() []string {
	return decodeSet(a.Roles)
}

func decodeSet(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func EncodeSet(values []string) json.RawMessage {
	if values == nil {
		values = []string{}
	}
	b, _ := json.Marshal(values)
	return b
}
