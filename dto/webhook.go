package dto

import "time"

type RateLimitInfo struct {
	Allowed   bool       `json:"allowed"`
	Remaining int        `json:"remaining"`
	ResetTime *time.Time `json:"reset_time,omitempty"`
}

type WebhookAck struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
}

type AttemptListResponse struct {
	Attempts []AttemptInfo `json:"attempts"`
	Page     int           `json:"page"`
	Limit    int           `json:"limit"`
	Total    int64         `json:"total"`
}

type AttemptInfo struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	PaymentRef string    `json:"payment_ref,omitempty"`
	AssetID    string    `json:"asset_id,omitempty"`
	MerchantID string    `json:"merchant_id,omitempty"`
	Email      string    `json:"email,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type UpdateRateLimitConfigRequest struct {
	MaxRequests int    `json:"max_requests" validate:"omitempty,min=1"`
	WindowSize  string `json:"window_size" validate:"omitempty"` // e.g. "15m", "1h"
	IsActive    *bool  `json:"is_active"`
}

func (r UpdateRateLimitConfigRequest) Validate() error {
	return GetValidator().Struct(r)
}

type AssetDownloadResponse struct {
	AssetID   string `json:"asset_id"`
	URL       string `json:"url"`
	ExpiresIn int    `json:"expires_in"` // seconds
}
