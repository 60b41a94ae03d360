package gosubs

import (
	"context"
	"time"
)

// Storage defines the persistence contract for the engine.
// All methods use concrete types from this package to avoid import cycles.
type Storage interface {
	EventLedger
	SubscriptionStore
	ItemStore
	DeletionStore
}

// EventLedger is the idempotency ledger keyed by (provider, event_id).
type EventLedger interface {
	// RecordEvent inserts ev with status processing unless a row already exists.
	// A processing row whose ReceivedAt is older than lease is reclaimed and reported as new.
	// Lease <= 0 disables reclaiming.
	RecordEvent(ctx context.Context, ev *PaymentEvent, lease time.Duration) (RecordResult, error)

	// ReleaseEvent deletes a processing claim so that a redelivery can re-drive the event.
	// Rows that already reached processed or rejected are left untouched.
	ReleaseEvent(ctx context.Context, provider ProviderTag, eventID string) error

	// MarkEventRejected moves a processing row to rejected with reason.
	MarkEventRejected(ctx context.Context, provider ProviderTag, eventID, reason string, at time.Time) error

	// GetEvent returns the ledger row or ErrEventNotFound.
	GetEvent(ctx context.Context, provider ProviderTag, eventID string) (*PaymentEvent, error)
}

// SubscriptionKey identifies the aggregate a notification applies to.
// The provider reference wins; UserID selects the user's current record when the reference is unknown.
type SubscriptionKey struct {
	UserID          string
	Provider        ProviderTag
	SubscriptionRef string
}

// LockKey returns the identifier storage uses to serialize work on the aggregate.
func (k SubscriptionKey) LockKey() string {
	if k.SubscriptionRef != "" {
		return "sub:" + string(k.Provider) + ":" + k.SubscriptionRef
	}
	return "user:" + k.UserID
}

// SubscriptionFilter narrows ListSubscriptions. Zero fields do not filter.
type SubscriptionFilter struct {
	UserID          string
	Provider        ProviderTag
	CustomerRef     string
	Statuses        []Status
	WithProviderRef bool
	// GraceStartedBefore selects rows whose grace mark is at or before the given time.
	GraceStartedBefore *time.Time
	// PeriodEndedBefore selects rows whose current period ended at or before the given time.
	PeriodEndedBefore *time.Time
}

// SubscriptionStore persists subscriptions and their transactions.
type SubscriptionStore interface {
	// GetSubscription returns the user's most recently created subscription.
	// Returns ErrSubscriptionNotFound when the user has none.
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)

	// GetSubscriptionByRef returns the record governed by the provider reference.
	GetSubscriptionByRef(ctx context.Context, provider ProviderTag, subscriptionRef string) (*Subscription, error)

	// ListSubscriptions returns records matching filter ordered by creation time.
	ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]*Subscription, error)

	// GetTransaction returns the ledger row for providerRef or ErrTransactionNotFound.
	GetTransaction(ctx context.Context, providerRef string) (*Transaction, error)

	// ListTransactions returns the ledger rows of a subscription ordered by occurrence.
	ListTransactions(ctx context.Context, subscriptionID string) ([]*Transaction, error)

	// UpdateSubscription runs fn in one transaction scoped to the aggregate identified by key.
	// If fn returns an error nothing is persisted.
	UpdateSubscription(ctx context.Context, key SubscriptionKey, fn func(tx SubscriptionTx) error) error
}

// SubscriptionTx is the unit of work handed to UpdateSubscription callbacks.
type SubscriptionTx interface {
	// Current returns the locked subscription for the key, or nil when none exists.
	Current() *Subscription

	// SaveSubscription inserts or replaces a subscription by ID.
	SaveSubscription(ctx context.Context, sub *Subscription) error

	// GetTransaction returns the ledger row for providerRef or ErrTransactionNotFound.
	GetTransaction(ctx context.Context, providerRef string) (*Transaction, error)

	// SaveTransaction inserts or replaces a ledger row by provider reference.
	SaveTransaction(ctx context.Context, t *Transaction) error

	// MarkEventProcessed moves the event's ledger row to processed.
	MarkEventProcessed(ctx context.Context, provider ProviderTag, eventID string, at time.Time) error
}

// ItemStore persists tracked items and their confirmation audit trail.
type ItemStore interface {
	// SaveRecurringItem inserts or replaces an item.
	SaveRecurringItem(ctx context.Context, item *RecurringItem) error

	// GetRecurringItem returns the item or ErrItemNotFound.
	GetRecurringItem(ctx context.Context, itemID string) (*RecurringItem, error)

	// ListRecurringItems returns every item of a user.
	ListRecurringItems(ctx context.Context, userID string) ([]*RecurringItem, error)

	// ListConfirmations returns the confirmations of an item ordered by ConfirmedAt.
	ListConfirmations(ctx context.Context, itemID string) ([]*PaymentConfirmation, error)

	// UpdateRecurringItem locks the item and runs fn on a copy. The modified item and the
	// returned confirmation (if any) are persisted together.
	UpdateRecurringItem(ctx context.Context, itemID string,
		fn func(item *RecurringItem) (*PaymentConfirmation, error)) error
}

// DeletionStore persists account deletion markers and performs the purge cascade.
type DeletionStore interface {
	// GetDeletionRecord returns the record or ErrDeletionNotFound.
	GetDeletionRecord(ctx context.Context, userID string) (*DeletionRecord, error)

	// SaveDeletionRecord inserts or replaces a record.
	SaveDeletionRecord(ctx context.Context, rec *DeletionRecord) error

	// ListPendingDeletions returns records neither recovered nor purged with DeletedAt at or before markedBefore.
	ListPendingDeletions(ctx context.Context, markedBefore time.Time) ([]*DeletionRecord, error)

	// PurgeUserData deletes confirmations, items, transactions and subscriptions of the user in
	// foreign-key order, in one transaction. It is idempotent. The deletion record is kept.
	PurgeUserData(ctx context.Context, userID string) error
}

// IdentityStore removes the identity record of a user. It runs last in the purge cascade.
type IdentityStore interface {
	DeleteIdentity(ctx context.Context, userID string) error
}

// ReceiptJob is a receipt validation scheduled for a later retry.
type ReceiptJob struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	Provider   ProviderTag `json:"provider"`
	Receipt    string      `json:"receipt"`
	Attempt    int         `json:"attempt"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// RetryQueue is a delay queue for receipt validations that failed transiently.
type RetryQueue interface {
	// Schedule makes job available at or after at. Scheduling an existing ID replaces it.
	Schedule(ctx context.Context, job *ReceiptJob, at time.Time) error

	// PopDue atomically removes and returns up to limit jobs due at or before now.
	PopDue(ctx context.Context, now time.Time, limit int) ([]*ReceiptJob, error)
}

// StatusCache caches collaborator status reads. Writers invalidate after commit.
type StatusCache interface {
	Get(ctx context.Context, userID string) (*StatusView, bool, error)
	Set(ctx context.Context, view *StatusView) error
	Invalidate(ctx context.Context, userID string) error
}

// Clock supplies the current time. Tests substitute a fixed clock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
