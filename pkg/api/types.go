package api

import (
	"time"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// SubscriptionResponse is the user's current subscription standing
type SubscriptionResponse struct {
	UserID           string     `json:"user_id"`
	Tier             string     `json:"tier"`   // "free", "premium"
	Status           string     `json:"status"` // "free", "trialing", "active", "past_due", ...
	Provider         string     `json:"provider"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
}

// ReceiptRequest submits a client-side purchase receipt for verification
type ReceiptRequest struct {
	Provider string `json:"provider" validate:"required,oneof=card_gateway mobile_iap"`
	Receipt  string `json:"receipt" validate:"required,max=1048576"`
}

// ReceiptResponse reports the verified products, or that verification is pending
type ReceiptResponse struct {
	Status      string           `json:"status"` // "verified", "pending"
	Environment string           `json:"environment,omitempty"`
	Products    []gosubs.Product `json:"products,omitempty"`
}

// PastDueResponse lists the user's past-due items, earliest due date first
type PastDueResponse struct {
	Items []*gosubs.RecurringItem `json:"items"`
}

// ConfirmRequest resolves one past-due prompt
type ConfirmRequest struct {
	Outcome string `json:"outcome" validate:"required,oneof=paid skipped dismissed"`
}

// TrackItemRequest adds a tracked recurring or one-time item
type TrackItemRequest struct {
	Name     string    `json:"name" validate:"required,max=200"`
	Amount   int64     `json:"amount" validate:"gte=0"`
	Currency string    `json:"currency" validate:"required,len=3"`
	DueDate  time.Time `json:"due_date" validate:"required"`
	Interval string    `json:"interval" validate:"omitempty,oneof=none daily weekly biweekly monthly quarterly semiannual yearly"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}
