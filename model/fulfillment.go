package model

import "time"

// FulfillmentAttempt is the append-only ledger of entitlement grants.
// Rows are written once per attempt and never updated or deleted.
type FulfillmentAttempt struct {
	ID         string    `json:"id" gorm:"primaryKey;type:text;not null"`
	SessionID  string    `json:"session_id" gorm:"index;size:255"`
	PaymentRef string    `json:"payment_ref" gorm:"size:255"`
	AssetID    string    `json:"asset_id" gorm:"size:255"`
	MerchantID string    `json:"merchant_id" gorm:"size:255"`
	Email      string    `json:"email" gorm:"size:255"`
	Status     string    `json:"status" gorm:"index;not null;size:32"`
	Error      string    `json:"error,omitempty" gorm:"type:text"`
	CreatedAt  time.Time `json:"created_at" gorm:"not null;index"`
}
