package gosubs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// SweepPaymentGrace names the past_due finalize sweep.
	SweepPaymentGrace = "payment_grace"

	// SweepAccountDeletion names the account purge sweep.
	SweepAccountDeletion = "account_deletion"
)

// RequestDeletion marks the user's account for deletion. Repeating the request while a deletion
// is pending returns the existing record unchanged.
func (e *Engine) RequestDeletion(ctx context.Context, userID string) (*DeletionRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	existing, err := e.storage.GetDeletionRecord(ctx, userID)
	if err != nil && !errors.Is(err, ErrDeletionNotFound) {
		return nil, fmt.Errorf("failed to load deletion record: %w", err)
	}
	if existing.Pending() {
		return existing, nil
	}

	mark := e.deletionGrace.Mark(e.clock.Now())
	rec := &DeletionRecord{
		UserID:    userID,
		DeletedAt: mark,
		PurgeAt:   e.deletionGrace.ExpiresAt(mark),
	}
	if err := e.storage.SaveDeletionRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save deletion record: %w", err)
	}

	e.logger.Info("account deletion scheduled", F("user_id", userID), F("purge_at", rec.PurgeAt))
	purgeAt := rec.PurgeAt
	e.notify(ctx, &Notice{Kind: NoticeDeletionScheduled, UserID: userID, At: mark, EndsAt: &purgeAt})
	return rec, nil
}

// RecoverDeletion cancels a pending deletion. Returns ErrDeletionNotFound when nothing is pending.
func (e *Engine) RecoverDeletion(ctx context.Context, userID string) (*DeletionRecord, error) {
	rec, err := e.storage.GetDeletionRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !rec.Pending() {
		return nil, ErrDeletionNotFound
	}

	now := e.clock.Now()
	rec.RecoveredAt = &now
	if err := e.storage.SaveDeletionRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save deletion record: %w", err)
	}

	e.logger.Info("account deletion recovered", F("user_id", userID))
	e.notify(ctx, &Notice{Kind: NoticeDeletionRecovered, UserID: userID, At: now})
	return rec, nil
}

// SweepDeletions purges every account whose deletion grace has elapsed.
func (e *Engine) SweepDeletions(ctx context.Context, dryRun bool) (*SweepReport, error) {
	policy := GracePolicy[*DeletionRecord]{
		Name:       SweepAccountDeletion,
		Window:     e.deletionGrace,
		Candidates: e.storage.ListPendingDeletions,
		Key:        func(rec *DeletionRecord) string { return rec.UserID },
		MarkedAt:   func(rec *DeletionRecord) time.Time { return rec.DeletedAt },
		Finalize:   e.purgeAccount,
		WarnBefore: e.config.DeletionGraceWarning,
		Warned:     deletionWarned,
		Warn:       e.warnDeletion,
	}
	return RunSweep(ctx, e.grace, policy, e.clock.Now(), dryRun)
}

// purgeAccount cancels live provider subscriptions, deletes the user's data, deletes the identity
// record and finally stamps purged_at. Each step is idempotent so a failed purge is retried whole
// by the next sweep.
func (e *Engine) purgeAccount(ctx context.Context, rec *DeletionRecord) error {
	current, err := e.storage.GetDeletionRecord(ctx, rec.UserID)
	if err != nil {
		return err
	}
	if !current.Pending() {
		return nil
	}

	subs, err := e.storage.ListSubscriptions(ctx, SubscriptionFilter{UserID: rec.UserID})
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}
	for _, sub := range subs {
		if err := e.cancelAtProvider(ctx, sub); err != nil {
			return err
		}
	}

	if err := e.storage.PurgeUserData(ctx, rec.UserID); err != nil {
		return fmt.Errorf("failed to purge user data: %w", err)
	}
	if e.config.Identity != nil {
		if err := e.config.Identity.DeleteIdentity(ctx, rec.UserID); err != nil {
			return fmt.Errorf("failed to delete identity: %w", err)
		}
	}

	now := e.clock.Now()
	current.PurgedAt = &now
	if err := e.storage.SaveDeletionRecord(ctx, current); err != nil {
		return fmt.Errorf("failed to stamp purge: %w", err)
	}

	e.invalidateStatus(ctx, rec.UserID)
	e.logger.Info("account purged", F("user_id", rec.UserID))
	e.notify(ctx, &Notice{Kind: NoticeAccountPurged, UserID: rec.UserID, At: now})
	return nil
}

func deletionWarned(rec *DeletionRecord) bool {
	return rec.WarnedAt != nil && !rec.WarnedAt.Before(rec.DeletedAt)
}

func (e *Engine) warnDeletion(ctx context.Context, rec *DeletionRecord) error {
	current, err := e.storage.GetDeletionRecord(ctx, rec.UserID)
	if err != nil {
		return err
	}
	if !current.Pending() || !current.DeletedAt.Equal(rec.DeletedAt) || deletionWarned(current) {
		return nil
	}

	now := e.clock.Now()
	current.WarnedAt = &now
	if err := e.storage.SaveDeletionRecord(ctx, current); err != nil {
		return fmt.Errorf("failed to stamp deletion warning: %w", err)
	}

	purgeAt := current.PurgeAt
	e.notify(ctx, &Notice{
		Kind: NoticeGraceEndingSoon, Window: SweepAccountDeletion,
		UserID: current.UserID, At: now, EndsAt: &purgeAt,
	})
	return nil
}

func (e *Engine) cancelAtProvider(ctx context.Context, sub *Subscription) error {
	if !sub.Live() {
		return nil
	}
	return e.providerCancel(ctx, sub)
}

// providerCancel stops renewal at the provider. Rails that cannot cancel server-side are logged
// and treated as done.
func (e *Engine) providerCancel(ctx context.Context, sub *Subscription) error {
	if sub.ProviderSubscriptionRef == "" || sub.Provider == ProviderNone {
		return nil
	}
	policy := e.config.Retry
	policy.Operation = "cancel_subscription"

	err := e.providers.Call(ctx, sub.Provider, policy, func(ctx context.Context, p Provider) error {
		return p.Cancel(ctx, sub)
	})
	switch {
	case err == nil:
		e.logger.Info("provider subscription cancelled",
			F("user_id", sub.UserID), F("provider", sub.Provider), F("subscription_ref", sub.ProviderSubscriptionRef))
		return nil
	case errors.Is(err, ErrNotSupported), errors.Is(err, ErrProviderNotConfigured):
		e.logger.Warn("provider cancellation unavailable",
			F("user_id", sub.UserID), F("provider", sub.Provider), F("error", err))
		return nil
	default:
		return fmt.Errorf("failed to cancel %s subscription: %w", sub.Provider, err)
	}
}

// SweepPaymentGrace cancels every past_due subscription whose payment grace has elapsed.
func (e *Engine) SweepPaymentGrace(ctx context.Context, dryRun bool) (*SweepReport, error) {
	policy := GracePolicy[*Subscription]{
		Name:   SweepPaymentGrace,
		Window: e.paymentGrace,
		Candidates: func(ctx context.Context, cutoff time.Time) ([]*Subscription, error) {
			return e.storage.ListSubscriptions(ctx, SubscriptionFilter{
				Statuses:           []Status{StatusPastDue},
				GraceStartedBefore: &cutoff,
			})
		},
		Key: func(sub *Subscription) string { return sub.ID },
		MarkedAt: func(sub *Subscription) time.Time {
			if sub.GraceStartedAt == nil {
				return time.Time{}
			}
			return *sub.GraceStartedAt
		},
		Finalize:   e.finalizePaymentGrace,
		WarnBefore: e.config.PaymentGraceWarning,
		Warned:     paymentGraceWarned,
		Warn:       e.warnPaymentGrace,
	}
	return RunSweep(ctx, e.grace, policy, e.clock.Now(), dryRun)
}

func (e *Engine) finalizePaymentGrace(ctx context.Context, row *Subscription) error {
	now := e.clock.Now()
	var ended *Subscription

	err := e.storage.UpdateSubscription(ctx, keyOf(row), func(tx SubscriptionTx) error {
		cur := tx.Current()
		// recovered or already finalized since selection
		if cur == nil || cur.ID != row.ID || cur.Status != StatusPastDue || cur.GraceStartedAt == nil {
			return nil
		}
		if !e.paymentGrace.Eligible(*cur.GraceStartedAt, now) {
			return nil
		}

		next := cur.Clone()
		next.Status = StatusCancelled
		next.CancelAtPeriodEnd = false
		next.GraceStartedAt = nil
		if next.CurrentPeriodEnd.After(now) {
			next.CurrentPeriodEnd = now
		}
		next.Tier = TierFree
		next.UpdatedAt = now
		if err := tx.SaveSubscription(ctx, next); err != nil {
			return err
		}
		ended = next
		return nil
	})
	if err != nil || ended == nil {
		return err
	}

	e.metrics.RecordTransition(string(ended.Provider), string(StatusPastDue), string(StatusCancelled))
	e.logger.Info("payment grace ended",
		F("user_id", ended.UserID), F("subscription_id", ended.ID), F("provider", ended.Provider))
	e.invalidateStatus(ctx, ended.UserID)
	e.notify(ctx, &Notice{Kind: NoticeGraceEnded, UserID: ended.UserID, SubscriptionID: ended.ID, At: now})
	return nil
}

func paymentGraceWarned(sub *Subscription) bool {
	return sub.GraceStartedAt != nil && sub.GraceWarnedAt != nil && !sub.GraceWarnedAt.Before(*sub.GraceStartedAt)
}

func (e *Engine) warnPaymentGrace(ctx context.Context, row *Subscription) error {
	now := e.clock.Now()
	var warned *Subscription

	err := e.storage.UpdateSubscription(ctx, keyOf(row), func(tx SubscriptionTx) error {
		cur := tx.Current()
		if cur == nil || cur.ID != row.ID || cur.Status != StatusPastDue || cur.GraceStartedAt == nil ||
			paymentGraceWarned(cur) {
			return nil
		}
		next := cur.Clone()
		next.GraceWarnedAt = &now
		next.UpdatedAt = now
		if err := tx.SaveSubscription(ctx, next); err != nil {
			return err
		}
		warned = next
		return nil
	})
	if err != nil || warned == nil {
		return err
	}

	endsAt := e.paymentGrace.ExpiresAt(*warned.GraceStartedAt)
	e.notify(ctx, &Notice{
		Kind: NoticeGraceEndingSoon, Window: SweepPaymentGrace,
		UserID: warned.UserID, SubscriptionID: warned.ID, At: now, EndsAt: &endsAt,
	})
	return nil
}

func keyOf(sub *Subscription) SubscriptionKey {
	return SubscriptionKey{
		UserID:          sub.UserID,
		Provider:        sub.Provider,
		SubscriptionRef: sub.ProviderSubscriptionRef,
	}
}
