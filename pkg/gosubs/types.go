package gosubs

import (
	"encoding/json"
	"time"
)

// Tier is the access level a subscription grants.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusFree       Status = "free"
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusPaused     Status = "paused"
	StatusCancelled  Status = "cancelled"
	StatusIncomplete Status = "incomplete"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusFree, StatusTrialing, StatusActive, StatusPastDue,
		StatusPaused, StatusCancelled, StatusIncomplete:
		return true
	}
	return false
}

// ProviderTag identifies the payment rail that governs a subscription record.
type ProviderTag string

const (
	ProviderNone        ProviderTag = "none"
	ProviderCardGateway ProviderTag = "card_gateway"
	ProviderMobileIAP   ProviderTag = "mobile_iap"
)

// Environment is the provider environment a receipt or subscription belongs to.
type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentSandbox    Environment = "sandbox"
)

// Alternate returns the environment to try when a provider reports the wrong one.
func (e Environment) Alternate() Environment {
	if e == EnvironmentSandbox {
		return EnvironmentProduction
	}
	return EnvironmentSandbox
}

// Subscription is the engine-owned subscription record for a user.
// A user can have several records over time; the most recently created one is current.
type Subscription struct {
	ID                      string      `json:"id"`
	UserID                  string      `json:"user_id"`
	Tier                    Tier        `json:"tier"`
	Status                  Status      `json:"status"`
	Provider                ProviderTag `json:"provider"`
	ProviderCustomerRef     string      `json:"provider_customer_ref,omitempty"`
	ProviderSubscriptionRef string      `json:"provider_subscription_ref,omitempty"`
	ProductID               string      `json:"product_id,omitempty"`
	BillingCycle            string      `json:"billing_cycle,omitempty"`
	Environment             Environment `json:"environment,omitempty"`
	CurrentPeriodStart      time.Time   `json:"current_period_start"`
	CurrentPeriodEnd        time.Time   `json:"current_period_end"`
	CancelAtPeriodEnd       bool        `json:"cancel_at_period_end"`
	PausedUntil             *time.Time  `json:"paused_until,omitempty"`
	GraceStartedAt          *time.Time  `json:"grace_started_at,omitempty"`
	GraceWarnedAt           *time.Time  `json:"grace_warned_at,omitempty"`
	RefundedAt              *time.Time  `json:"refunded_at,omitempty"`
	LastEventAt             time.Time   `json:"last_event_at"`
	CreatedAt               time.Time   `json:"created_at"`
	UpdatedAt               time.Time   `json:"updated_at"`
}

// Clone returns a deep copy of the subscription.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.PausedUntil = cloneTime(s.PausedUntil)
	c.GraceStartedAt = cloneTime(s.GraceStartedAt)
	c.GraceWarnedAt = cloneTime(s.GraceWarnedAt)
	c.RefundedAt = cloneTime(s.RefundedAt)
	return &c
}

// EffectiveTier derives the tier the user is entitled to at now.
// Cancelled subscriptions keep premium access until the paid period ends unless refunded.
func (s *Subscription) EffectiveTier(now time.Time) Tier {
	if s == nil {
		return TierFree
	}
	return tierFor(s.Status, s.CurrentPeriodEnd, s.RefundedAt != nil, now)
}

// Live reports whether the subscription is still governed by its provider.
func (s *Subscription) Live() bool {
	if s == nil {
		return false
	}
	switch s.Status {
	case StatusActive, StatusTrialing, StatusPastDue, StatusPaused:
		return true
	}
	return false
}

func tierFor(status Status, periodEnd time.Time, refunded bool, now time.Time) Tier {
	switch status {
	case StatusActive, StatusTrialing, StatusPastDue:
		return TierPremium
	case StatusCancelled:
		if !refunded && now.Before(periodEnd) {
			return TierPremium
		}
	}
	return TierFree
}

// StatusView is the read-only projection exposed to collaborators.
type StatusView struct {
	UserID           string      `json:"user_id"`
	Tier             Tier        `json:"tier"`
	Status           Status      `json:"status"`
	Provider         ProviderTag `json:"provider"`
	CurrentPeriodEnd *time.Time  `json:"current_period_end,omitempty"`
}

// EventType is the provider-independent kind of a notification.
type EventType string

const (
	EventPurchased        EventType = "purchased"
	EventTrialStarted     EventType = "trial_started"
	EventRenewalSucceeded EventType = "renewal_succeeded"
	EventRenewalFailed    EventType = "renewal_failed"
	EventCancelled        EventType = "cancelled"
	EventReactivated      EventType = "reactivated"
	EventExpired          EventType = "expired"
	EventRefunded         EventType = "refunded"
	EventPaused           EventType = "paused"
	EventResumed          EventType = "resumed"
	EventSnapshot         EventType = "snapshot"
	EventUnknown          EventType = "unknown"
)

// Charge describes the money movement attached to a notification.
type Charge struct {
	Ref      string `json:"ref"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Notification is a verified provider event normalized for the state machine.
type Notification struct {
	Provider          ProviderTag `json:"provider"`
	EventID           string      `json:"event_id"`
	RawType           string      `json:"raw_type"`
	Type              EventType   `json:"type"`
	OccurredAt        time.Time   `json:"occurred_at"`
	UserID            string      `json:"user_id,omitempty"`
	CustomerRef       string      `json:"customer_ref,omitempty"`
	SubscriptionRef   string      `json:"subscription_ref,omitempty"`
	ProductID         string      `json:"product_id,omitempty"`
	BillingCycle      string      `json:"billing_cycle,omitempty"`
	Environment       Environment `json:"environment,omitempty"`
	PeriodStart       time.Time   `json:"period_start"`
	PeriodEnd         time.Time   `json:"period_end"`
	CancelAtPeriodEnd bool        `json:"cancel_at_period_end"`
	ProviderStatus    Status      `json:"provider_status,omitempty"`
	ResumesAt         *time.Time  `json:"resumes_at,omitempty"`
	Charge            *Charge     `json:"charge,omitempty"`
	// Authoritative marks reconciliation snapshots that bypass the staleness guard.
	Authoritative bool            `json:"authoritative,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// ProcessingStatus is the lifecycle of a recorded PaymentEvent.
type ProcessingStatus string

const (
	ProcessingInFlight ProcessingStatus = "processing"
	ProcessingDone     ProcessingStatus = "processed"
	ProcessingRejected ProcessingStatus = "rejected"
)

// PaymentEvent is a row in the idempotency ledger.
type PaymentEvent struct {
	Provider    ProviderTag      `json:"provider"`
	EventID     string           `json:"event_id"`
	EventType   string           `json:"event_type"`
	ReceivedAt  time.Time        `json:"received_at"`
	Status      ProcessingStatus `json:"processing_status"`
	ProcessedAt *time.Time       `json:"processed_at,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

// RecordResult is the outcome of recording an inbound event.
type RecordResult string

const (
	RecordNew                 RecordResult = "new"
	RecordDuplicateProcessing RecordResult = "duplicate_processing"
	RecordDuplicateProcessed  RecordResult = "duplicate_processed"
)

// TransactionStatus is the state of a ledger row.
type TransactionStatus string

const (
	TransactionFailed    TransactionStatus = "failed"
	TransactionSucceeded TransactionStatus = "succeeded"
	TransactionRefunded  TransactionStatus = "refunded"
)

func (s TransactionStatus) rank() int {
	switch s {
	case TransactionFailed:
		return 1
	case TransactionSucceeded:
		return 2
	case TransactionRefunded:
		return 3
	}
	return 0
}

// Transaction is a payment attempt, success, failure or refund.
type Transaction struct {
	ID             string            `json:"id"`
	SubscriptionID string            `json:"subscription_id"`
	ProviderRef    string            `json:"provider_ref"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Status         TransactionStatus `json:"status"`
	OccurredAt     time.Time         `json:"occurred_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Interval is the recurrence of a tracked item.
type Interval string

const (
	IntervalNone       Interval = "none"
	IntervalDaily      Interval = "daily"
	IntervalWeekly     Interval = "weekly"
	IntervalBiweekly   Interval = "biweekly"
	IntervalMonthly    Interval = "monthly"
	IntervalQuarterly  Interval = "quarterly"
	IntervalSemiannual Interval = "semiannual"
	IntervalYearly     Interval = "yearly"
)

// ItemStatus is the state of a tracked item.
type ItemStatus string

const (
	ItemActive    ItemStatus = "active"
	ItemCancelled ItemStatus = "cancelled"
)

// RecurringItem is a tracked recurring or one-time charge.
type RecurringItem struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	Name     string    `json:"name"`
	Amount   int64     `json:"amount"`
	Currency string    `json:"currency"`
	DueDate  time.Time `json:"due_date"`
	Interval Interval  `json:"interval"`
	// AnchorDay is the day of month month-based intervals return to. Zero means DueDate's day.
	AnchorDay int        `json:"anchor_day,omitempty"`
	Status    ItemStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Recurring reports whether the item repeats.
func (i *RecurringItem) Recurring() bool {
	return i.Interval != "" && i.Interval != IntervalNone
}

// Outcome is the user's resolution of a past-due prompt.
type Outcome string

const (
	OutcomePaid      Outcome = "paid"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDismissed Outcome = "dismissed"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomePaid || o == OutcomeSkipped || o == OutcomeDismissed
}

// PaymentConfirmation is the audit row for one resolved prompt.
type PaymentConfirmation struct {
	ID              string    `json:"id"`
	RecurringItemID string    `json:"recurring_item_id"`
	DueDate         time.Time `json:"due_date"`
	Outcome         Outcome   `json:"outcome"`
	ConfirmedAt     time.Time `json:"confirmed_at"`
}

// DeletionRecord is the soft-delete marker for an account.
type DeletionRecord struct {
	UserID      string     `json:"user_id"`
	DeletedAt   time.Time  `json:"deleted_at"`
	PurgeAt     time.Time  `json:"purge_at"`
	RecoveredAt *time.Time `json:"recovered_at,omitempty"`
	PurgedAt    *time.Time `json:"purged_at,omitempty"`
	WarnedAt    *time.Time `json:"warned_at,omitempty"`
}

// Pending reports whether the record still awaits recovery or purge.
func (d *DeletionRecord) Pending() bool {
	return d != nil && d.RecoveredAt == nil && d.PurgedAt == nil
}

// Product is a normalized purchased product from a validated receipt.
type Product struct {
	ProductID             string    `json:"product_id"`
	TransactionID         string    `json:"transaction_id"`
	OriginalTransactionID string    `json:"original_transaction_id,omitempty"`
	PurchaseAt            time.Time `json:"purchase_at"`
	ExpiresAt             time.Time `json:"expires_at"`
}

// ReceiptResult is the normalized outcome of a receipt validation.
type ReceiptResult struct {
	Provider    ProviderTag `json:"provider"`
	Environment Environment `json:"environment"`
	CustomerRef string      `json:"customer_ref,omitempty"`
	Products    []Product   `json:"products"`
}

// Latest returns the product with the furthest expiry, or nil.
func (r *ReceiptResult) Latest() *Product {
	var latest *Product
	for i := range r.Products {
		p := &r.Products[i]
		if latest == nil || p.ExpiresAt.After(latest.ExpiresAt) {
			latest = p
		}
	}
	return latest
}

// ProviderSnapshot is a provider's authoritative view of one subscription.
type ProviderSnapshot struct {
	SubscriptionRef   string
	CustomerRef       string
	ProductID         string
	Status            Status
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
	Refunded          bool
	CreatedAt         time.Time
	Environment       Environment
}

// EffectiveStatus is the status the snapshot is stored as. A live subscription that will not
// renew is cancelled locally, the same as a cancellation webhook.
func (s *ProviderSnapshot) EffectiveStatus() Status {
	return canonicalStatus(s.Status, s.CancelAtPeriodEnd)
}

func canonicalStatus(status Status, cancelAtPeriodEnd bool) Status {
	if cancelAtPeriodEnd && isLiveStatus(status) {
		return StatusCancelled
	}
	return status
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
