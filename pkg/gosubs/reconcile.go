package gosubs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Reconciliation row outcomes reported to metrics.
const (
	ReconcileInSync    = "in_sync"
	ReconcileDrift     = "drift"
	ReconcileCorrected = "corrected"
	ReconcileFailed    = "failed"
	ReconcileDuplicate = "duplicate"
	ReconcileLapsed    = "lapsed"
	ReconcileSkipped   = "skipped"
)

// Drift is one subscription whose local state disagrees with its provider.
type Drift struct {
	SubscriptionID  string      `json:"subscription_id"`
	UserID          string      `json:"user_id"`
	Provider        ProviderTag `json:"provider"`
	SubscriptionRef string      `json:"subscription_ref"`
	Fields          []string    `json:"fields"`
	LocalStatus     Status      `json:"local_status"`
	ProviderStatus  Status      `json:"provider_status"`
}

// Duplicate is a provider subscription cancelled because the customer has a newer live one.
type Duplicate struct {
	Provider        ProviderTag `json:"provider"`
	CustomerRef     string      `json:"customer_ref"`
	SubscriptionRef string      `json:"subscription_ref"`
	KeptRef         string      `json:"kept_ref"`
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	DryRun     bool         `json:"dry_run"`
	RanAt      time.Time    `json:"ran_at"`
	Checked    int          `json:"checked"`
	Drifted    int          `json:"drifted"`
	Corrected  int          `json:"corrected"`
	Duplicates int          `json:"duplicates"`
	Lapsed     int          `json:"lapsed"`
	Failed     int          `json:"failed"`
	Drift      []Drift      `json:"drift"`
	Cancelled  []Duplicate  `json:"cancelled"`
	Failures   []RowFailure `json:"-"`
}

// Err returns a *BatchError when any row failed.
func (r *ReconcileReport) Err() error {
	if r == nil || len(r.Failures) == 0 {
		return nil
	}
	return &BatchError{Op: "reconcile", Failures: r.Failures}
}

type reconcileRun struct {
	e      *Engine
	now    time.Time
	dryRun bool

	mu     sync.Mutex
	report *ReconcileReport
}

func (r *reconcileRun) fail(key string, provider ProviderTag, err error) {
	r.e.metrics.RecordReconciliation(string(provider), ReconcileFailed)
	r.e.logger.Error("reconciliation row failed", F("key", key), F("provider", provider), F("error", err))
	r.mu.Lock()
	r.report.Failures = append(r.report.Failures, RowFailure{Key: key, Err: err})
	r.mu.Unlock()
}

// Reconcile compares every provider-governed subscription with its provider's authoritative
// state and corrects drift. The provider always wins. Rows fail independently. In dry-run mode
// drift is computed and reported but nothing is written and no provider is mutated.
func (e *Engine) Reconcile(ctx context.Context, dryRun bool) (*ReconcileReport, error) {
	run := &reconcileRun{
		e:      e,
		now:    e.clock.Now(),
		dryRun: dryRun,
		report: &ReconcileReport{DryRun: dryRun, RanAt: e.clock.Now()},
	}

	subs, err := e.storage.ListSubscriptions(ctx, SubscriptionFilter{
		WithProviderRef: true,
		Statuses:        []Status{StatusActive, StatusTrialing, StatusPastDue, StatusPaused, StatusCancelled},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.ReconcileConcurrency)
	for _, sub := range subs {
		if sub.RefundedAt != nil {
			continue
		}
		sub := sub
		g.Go(func() error {
			run.checkOne(gctx, sub)
			return nil
		})
	}
	_ = g.Wait()

	if err := run.collapseDuplicates(ctx, subs); err != nil {
		return nil, err
	}
	if err := run.persistLapses(ctx); err != nil {
		return nil, err
	}

	report := run.report
	report.Failed = len(report.Failures)
	sort.Slice(report.Drift, func(i, j int) bool { return report.Drift[i].SubscriptionID < report.Drift[j].SubscriptionID })

	e.logger.Info("reconciliation finished",
		F("dry_run", dryRun),
		F("checked", report.Checked),
		F("drifted", report.Drifted),
		F("corrected", report.Corrected),
		F("duplicates", report.Duplicates),
		F("lapsed", report.Lapsed),
		F("failed", report.Failed))
	return report, nil
}

func (r *reconcileRun) checkOne(ctx context.Context, sub *Subscription) {
	e := r.e
	policy := e.config.Retry
	policy.Operation = "get_status"

	var snap *ProviderSnapshot
	err := e.providers.Call(ctx, sub.Provider, policy, func(ctx context.Context, p Provider) error {
		s, err := p.GetStatus(ctx, sub)
		if err != nil {
			return err
		}
		snap = s
		return nil
	})
	if errors.Is(err, ErrNotSupported) || errors.Is(err, ErrProviderNotConfigured) {
		e.metrics.RecordReconciliation(string(sub.Provider), ReconcileSkipped)
		return
	}
	if err != nil {
		r.fail(sub.ID, sub.Provider, fmt.Errorf("get status: %w", err))
		return
	}

	r.mu.Lock()
	r.report.Checked++
	r.mu.Unlock()

	if isLiveStatus(snap.EffectiveStatus()) {
		kept, err := r.liveOnOtherRail(ctx, sub)
		if err != nil {
			r.fail(sub.ID, sub.Provider, err)
			return
		}
		if kept != nil {
			r.retire(ctx, sub, snap, kept)
			return
		}
	}

	fields := DriftFields(sub, snap)
	if len(fields) == 0 {
		e.metrics.RecordReconciliation(string(sub.Provider), ReconcileInSync)
		return
	}

	drift := Drift{
		SubscriptionID:  sub.ID,
		UserID:          sub.UserID,
		Provider:        sub.Provider,
		SubscriptionRef: sub.ProviderSubscriptionRef,
		Fields:          fields,
		LocalStatus:     sub.Status,
		ProviderStatus:  snap.EffectiveStatus(),
	}
	r.mu.Lock()
	r.report.Drifted++
	r.report.Drift = append(r.report.Drift, drift)
	r.mu.Unlock()
	e.metrics.RecordReconciliation(string(sub.Provider), ReconcileDrift)

	if r.dryRun {
		return
	}
	if _, err := e.Process(ctx, SnapshotNotification(sub, snap, r.now)); err != nil {
		r.fail(sub.ID, sub.Provider, fmt.Errorf("apply snapshot: %w", err))
		return
	}
	e.logger.Info("subscription drift corrected",
		F("subscription_id", sub.ID), F("provider", sub.Provider), F("fields", fields))
	e.metrics.RecordReconciliation(string(sub.Provider), ReconcileCorrected)
	r.mu.Lock()
	r.report.Corrected++
	r.mu.Unlock()
}

// DriftFields lists the fields where snap disagrees with sub.
func DriftFields(sub *Subscription, snap *ProviderSnapshot) []string {
	var fields []string
	if snap.Refunded && sub.RefundedAt == nil {
		return []string{"refunded"}
	}
	if snap.Status.Valid() && snap.EffectiveStatus() != sub.Status {
		fields = append(fields, "status")
	}
	if !snap.PeriodEnd.IsZero() && !snap.PeriodEnd.Equal(sub.CurrentPeriodEnd) {
		fields = append(fields, "current_period_end")
	}
	if snap.CancelAtPeriodEnd != sub.CancelAtPeriodEnd {
		fields = append(fields, "cancel_at_period_end")
	}
	return fields
}

// SnapshotNotification turns an authoritative provider snapshot into a notification that bypasses
// the staleness guard. Refunded snapshots become refunds so the ledger and notices follow.
func SnapshotNotification(sub *Subscription, snap *ProviderSnapshot, now time.Time) *Notification {
	n := &Notification{
		Provider:          sub.Provider,
		RawType:           "RECONCILE",
		Type:              EventSnapshot,
		OccurredAt:        now,
		UserID:            sub.UserID,
		CustomerRef:       snap.CustomerRef,
		SubscriptionRef:   sub.ProviderSubscriptionRef,
		ProductID:         snap.ProductID,
		Environment:       snap.Environment,
		PeriodStart:       snap.PeriodStart,
		PeriodEnd:         snap.PeriodEnd,
		CancelAtPeriodEnd: snap.CancelAtPeriodEnd,
		ProviderStatus:    snap.Status,
		Authoritative:     true,
	}
	if snap.Refunded {
		n.Type = EventRefunded
	}
	return n
}

// liveOnOtherRail returns the user's current record when it is live on a different provider than
// sub. Such a sub was superseded and must not be revived by drift correction.
func (r *reconcileRun) liveOnOtherRail(ctx context.Context, sub *Subscription) (*Subscription, error) {
	cur, err := r.e.storage.GetSubscription(ctx, sub.UserID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load current subscription: %w", err)
	}
	if cur.ID == sub.ID || cur.Provider == sub.Provider || !cur.Live() {
		return nil, nil
	}
	return cur, nil
}

// retire cancels a superseded provider subscription that is still renewing and ends the local
// record if it is still live.
func (r *reconcileRun) retire(ctx context.Context, sub *Subscription, snap *ProviderSnapshot, kept *Subscription) {
	e := r.e
	dup := Duplicate{
		Provider:        sub.Provider,
		CustomerRef:     sub.ProviderCustomerRef,
		SubscriptionRef: sub.ProviderSubscriptionRef,
		KeptRef:         kept.ProviderSubscriptionRef,
	}
	e.metrics.RecordReconciliation(string(sub.Provider), ReconcileDuplicate)
	r.mu.Lock()
	r.report.Duplicates++
	r.report.Cancelled = append(r.report.Cancelled, dup)
	r.mu.Unlock()
	if r.dryRun {
		return
	}

	if err := e.providerCancel(ctx, sub); err != nil {
		r.fail(sub.ID, sub.Provider, fmt.Errorf("cancel superseded: %w", err))
		return
	}
	e.logger.Warn("superseded provider subscription cancelled",
		F("user_id", sub.UserID), F("provider", sub.Provider),
		F("subscription_ref", sub.ProviderSubscriptionRef), F("kept_provider", kept.Provider))

	if !sub.Live() {
		return
	}
	ended := *snap
	ended.Status = StatusCancelled
	ended.CancelAtPeriodEnd = false
	if _, err := e.Process(ctx, SnapshotNotification(sub, &ended, r.now)); err != nil {
		r.fail(sub.ID, sub.Provider, fmt.Errorf("apply cancellation: %w", err))
	}
}

type customerKey struct {
	provider ProviderTag
	customer string
}

// collapseDuplicates keeps the most recently created live provider subscription per customer and
// cancels the others.
func (r *reconcileRun) collapseDuplicates(ctx context.Context, subs []*Subscription) error {
	e := r.e
	seen := make(map[customerKey]bool)
	var keys []customerKey
	for _, sub := range subs {
		if !sub.Live() || sub.ProviderCustomerRef == "" {
			continue
		}
		k := customerKey{provider: sub.Provider, customer: sub.ProviderCustomerRef}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		policy := e.config.Retry
		policy.Operation = "list_active"

		var active []*ProviderSnapshot
		err := e.providers.Call(ctx, k.provider, policy, func(ctx context.Context, p Provider) error {
			list, err := p.ListActive(ctx, k.customer)
			if err != nil {
				return err
			}
			active = list
			return nil
		})
		if errors.Is(err, ErrNotSupported) {
			continue
		}
		if err != nil {
			r.fail(string(k.provider)+":"+k.customer, k.provider, fmt.Errorf("list active: %w", err))
			continue
		}
		if len(active) < 2 {
			continue
		}

		sort.SliceStable(active, func(i, j int) bool { return active[i].CreatedAt.After(active[j].CreatedAt) })
		kept := active[0]
		for _, extra := range active[1:] {
			r.cancelDuplicate(ctx, k, kept, extra)
		}
	}
	return nil
}

func (r *reconcileRun) cancelDuplicate(ctx context.Context, k customerKey, kept, extra *ProviderSnapshot) {
	e := r.e
	dup := Duplicate{
		Provider:        k.provider,
		CustomerRef:     k.customer,
		SubscriptionRef: extra.SubscriptionRef,
		KeptRef:         kept.SubscriptionRef,
	}
	e.metrics.RecordReconciliation(string(k.provider), ReconcileDuplicate)
	r.report.Duplicates++
	r.report.Cancelled = append(r.report.Cancelled, dup)
	if r.dryRun {
		return
	}

	local, err := e.storage.GetSubscriptionByRef(ctx, k.provider, extra.SubscriptionRef)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		r.fail(extra.SubscriptionRef, k.provider, err)
		return
	}
	target := local
	if target == nil {
		target = &Subscription{
			Provider:                k.provider,
			ProviderCustomerRef:     k.customer,
			ProviderSubscriptionRef: extra.SubscriptionRef,
			Status:                  extra.Status,
		}
	}

	policy := e.config.Retry
	policy.Operation = "cancel_subscription"
	err = e.providers.Call(ctx, k.provider, policy, func(ctx context.Context, p Provider) error {
		return p.Cancel(ctx, target)
	})
	if err != nil {
		r.fail(extra.SubscriptionRef, k.provider, fmt.Errorf("cancel duplicate: %w", err))
		return
	}
	e.logger.Warn("duplicate provider subscription cancelled",
		F("provider", k.provider), F("customer_ref", k.customer),
		F("subscription_ref", extra.SubscriptionRef), F("kept_ref", kept.SubscriptionRef))

	if local == nil {
		return
	}
	cancelled := *extra
	cancelled.Status = StatusCancelled
	cancelled.CancelAtPeriodEnd = false
	if _, err := e.Process(ctx, SnapshotNotification(local, &cancelled, r.now)); err != nil {
		r.fail(local.ID, k.provider, fmt.Errorf("apply cancellation: %w", err))
	}
}

// persistLapses stores tier free on cancelled, non-refunded subscriptions whose paid period has
// passed but which still carry a premium tier.
func (r *reconcileRun) persistLapses(ctx context.Context) error {
	e := r.e
	now := r.now
	lapsed, err := e.storage.ListSubscriptions(ctx, SubscriptionFilter{
		Statuses:          []Status{StatusCancelled},
		PeriodEndedBefore: &now,
	})
	if err != nil {
		return fmt.Errorf("failed to list lapsed subscriptions: %w", err)
	}

	for _, sub := range lapsed {
		if sub.Tier != TierPremium || sub.RefundedAt != nil || sub.CurrentPeriodEnd.After(now) {
			continue
		}
		r.report.Lapsed++
		e.metrics.RecordReconciliation(string(sub.Provider), ReconcileLapsed)
		if r.dryRun {
			continue
		}

		err := e.storage.UpdateSubscription(ctx, keyOf(sub), func(tx SubscriptionTx) error {
			cur := tx.Current()
			if cur == nil || cur.ID != sub.ID || cur.Status != StatusCancelled || cur.Tier != TierPremium {
				return nil
			}
			if cur.CurrentPeriodEnd.After(now) {
				return nil
			}
			next := cur.Clone()
			next.Tier = TierFree
			next.UpdatedAt = now
			return tx.SaveSubscription(ctx, next)
		})
		if err != nil {
			r.fail(sub.ID, sub.Provider, fmt.Errorf("persist lapse: %w", err))
			continue
		}
		e.invalidateStatus(ctx, sub.UserID)
	}
	return nil
}
