package gosubs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TransactionLedger is the append-only record of payment attempts.
// Rows are keyed by provider reference and their status only moves forward:
// failed -> succeeded -> refunded.
type TransactionLedger struct {
	newID func() string
}

// NewTransactionLedger creates a ledger.
func NewTransactionLedger() *TransactionLedger {
	return &TransactionLedger{newID: func() string { return uuid.New().String() }}
}

// Record appends t, or advances the existing row for t.ProviderRef when t's status is further along.
// Recording an equal or earlier status is a no-op. Returns whether the ledger changed.
func (l *TransactionLedger) Record(ctx context.Context, tx SubscriptionTx, t *Transaction, now time.Time) (bool, error) {
	if t == nil || t.ProviderRef == "" {
		return false, fmt.Errorf("transaction requires a provider reference")
	}
	if t.Status.rank() == 0 {
		return false, fmt.Errorf("invalid transaction status %q", t.Status)
	}

	existing, err := tx.GetTransaction(ctx, t.ProviderRef)
	if err != nil && !errors.Is(err, ErrTransactionNotFound) {
		return false, fmt.Errorf("failed to load transaction: %w", err)
	}

	if existing == nil {
		row := *t
		if row.ID == "" {
			row.ID = l.newID()
		}
		row.UpdatedAt = now
		if err := tx.SaveTransaction(ctx, &row); err != nil {
			return false, fmt.Errorf("failed to append transaction: %w", err)
		}
		return true, nil
	}

	if t.Status.rank() <= existing.Status.rank() {
		return false, nil
	}

	updated := *existing
	updated.Status = t.Status
	updated.UpdatedAt = now
	if updated.Amount == 0 {
		updated.Amount = t.Amount
		updated.Currency = t.Currency
	}
	if err := tx.SaveTransaction(ctx, &updated); err != nil {
		return false, fmt.Errorf("failed to update transaction: %w", err)
	}
	return true, nil
}

// Refund moves the row for t.ProviderRef to refunded. A second refund for the same reference
// is a no-op. A refund that arrives before its charge inserts the row already refunded, so the
// later success notification cannot add a second row.
func (l *TransactionLedger) Refund(ctx context.Context, tx SubscriptionTx, t *Transaction, now time.Time) (bool, error) {
	refund := *t
	refund.Status = TransactionRefunded
	return l.Record(ctx, tx, &refund, now)
}

// Apply runs a ledger effect.
func (l *TransactionLedger) Apply(ctx context.Context, tx SubscriptionTx, e Effect, now time.Time) (bool, error) {
	switch e.Kind {
	case EffectRecordTransaction:
		return l.Record(ctx, tx, e.Transaction, now)
	case EffectRefundTransaction:
		return l.Refund(ctx, tx, e.Transaction, now)
	}
	return false, nil
}
