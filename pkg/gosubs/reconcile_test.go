package gosubs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

func activeSubA(t *testing.T, env *testEnv) *gosubs.Subscription {
	t.Helper()
	ctx := context.Background()
	_, err := env.engine.Accept(ctx, cardEvent("evt_p", gosubs.EventPurchased, t0, t0.AddDate(0, 1, 0)))
	require.NoError(t, err)
	sub, err := env.storage.GetSubscription(ctx, "user1")
	require.NoError(t, err)
	require.Equal(t, gosubs.StatusActive, sub.Status)
	return sub
}

func (p *fakeProvider) setSnapshot(snap *gosubs.ProviderSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots[snap.SubscriptionRef] = snap
}

func TestReconcile_ProviderWinsAndConverges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	activeSubA(t, env)

	shortened := t0.AddDate(0, 0, 10)
	env.card.setSnapshot(&gosubs.ProviderSnapshot{
		SubscriptionRef: "sub_A",
		CustomerRef:     "cus_1",
		Status:          gosubs.StatusCancelled,
		PeriodEnd:       shortened,
	})
	env.clock.Advance(24 * time.Hour)

	report, err := env.engine.Reconcile(ctx, false)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Drifted)
	assert.Equal(t, 1, report.Corrected)
	require.Len(t, report.Drift, 1)
	assert.Contains(t, report.Drift[0].Fields, "status")
	assert.Contains(t, report.Drift[0].Fields, "current_period_end")

	sub, err := env.storage.GetSubscription(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gosubs.StatusCancelled, sub.Status)
	assert.True(t, sub.CurrentPeriodEnd.Equal(shortened), "authoritative snapshot may shorten the period")
	assert.Equal(t, 1, env.notifier.Count(gosubs.NoticeCancelled))

	second, err := env.engine.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Checked)
	assert.Equal(t, 0, second.Drifted)
	assert.Equal(t, 0, second.Corrected)
}

func TestReconcile_KeepsWebhookCancellation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := activeSubA(t, env)

	env.clock.Advance(time.Hour)
	_, err := env.engine.Accept(ctx, cardEvent("evt_c", gosubs.EventCancelled, env.clock.Now(), sub.CurrentPeriodEnd))
	require.NoError(t, err)

	// the provider keeps a scheduled cancellation live until the period ends
	env.card.setSnapshot(&gosubs.ProviderSnapshot{
		SubscriptionRef:   "sub_A",
		CustomerRef:       "cus_1",
		Status:            gosubs.StatusActive,
		PeriodStart:       sub.CurrentPeriodStart,
		PeriodEnd:         sub.CurrentPeriodEnd,
		CancelAtPeriodEnd: true,
	})
	env.clock.Advance(24 * time.Hour)

	report, err := env.engine.Reconcile(ctx, false)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 0, report.Drifted)

	stored, err := env.storage.GetSubscription(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gosubs.StatusCancelled, stored.Status)
	assert.True(t, stored.CancelAtPeriodEnd)
	assert.Equal(t, gosubs.TierPremium, stored.Tier, "paid period still running")
	assert.Equal(t, 1, env.notifier.Count(gosubs.NoticeCancelled))

	// turning auto-renew back on at the provider is drift the other way
	env.card.setSnapshot(&gosubs.ProviderSnapshot{
		SubscriptionRef: "sub_A",
		CustomerRef:     "cus_1",
		Status:          gosubs.StatusActive,
		PeriodStart:     sub.CurrentPeriodStart,
		PeriodEnd:       sub.CurrentPeriodEnd,
	})
	report, err = env.engine.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Corrected)

	stored, err = env.storage.GetSubscription(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, gosubs.StatusActive, stored.Status)
	assert.False(t, stored.CancelAtPeriodEnd)
}

func TestDriftFields_ScheduledCancellation(t *testing.T) {
	end := t0.AddDate(0, 1, 0)
	local := &gosubs.Subscription{Status: gosubs.StatusCancelled, CancelAtPeriodEnd: true, CurrentPeriodEnd: end}

	snap := &gosubs.ProviderSnapshot{Status: gosubs.StatusActive, CancelAtPeriodEnd: true, PeriodEnd: end}
	assert.Equal(t, gosubs.StatusCancelled, snap.EffectiveStatus())
	assert.Empty(t, gosubs.DriftFields(local, snap))

	renewing := &gosubs.ProviderSnapshot{Status: gosubs.StatusActive, PeriodEnd: end}
	assert.Equal(t, []string{"status", "cancel_at_period_end"}, gosubs.DriftFields(local, renewing))
}

func TestReconcile_DryRunWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	before := activeSubA(t, env)

	env.card.setSnapshot(&gosubs.ProviderSnapshot{
		SubscriptionRef: "sub_A",
		CustomerRef:     "cus_1",
		Status:          gosubs.StatusPastDue,
		PeriodEnd:       before.CurrentPeriodEnd,
	})

	report, err := env.engine.Reconcile(ctx, true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Drifted)
	assert.Equal(t, 0, report.Corrected)

	after, err := env.storage.GetSubscription(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 0, env.notifier.Count(gosubs.NoticeGraceStarted))
	assert.Empty(t, env.card.Cancelled())
}

func TestReconcile_CollapsesDuplicateProviderSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := activeSubA(t, env)

	older := &gosubs.ProviderSnapshot{
		SubscriptionRef: "sub_A",
		CustomerRef:     "cus_1",
		Status:          gosubs.StatusActive,
		PeriodEnd:       sub.CurrentPeriodEnd,
		CreatedAt:       t0.AddDate(0, 0, -30),
	}
	newer := &gosubs.ProviderSnapshot{
		SubscriptionRef: "sub_B",
		CustomerRef:     "cus_1",
		Status:          gosubs.StatusActive,
		PeriodEnd:       sub.CurrentPeriodEnd,
		CreatedAt:       t0,
	}
	env.card.setSnapshot(older)
	env.card.mu.Lock()
	env.card.active["cus_1"] = []*gosubs.ProviderSnapshot{older, newer}
	env.card.mu.Unlock()

	dry, err := env.engine.Reconcile(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, dry.Duplicates)
	assert.Empty(t, env.card.Cancelled())

	report, err := env.engine.Reconcile(ctx, false)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Equal(t, 0, report.Drifted)
	assert.Equal(t, 1, report.Duplicates)
	require.Len(t, report.Cancelled, 1)
	assert.Equal(t, "sub_A", report.Cancelled[0].SubscriptionRef)
	assert.Equal(t, "sub_B", report.Cancelled[0].KeptRef)
	assert.Equal(t, []string{"sub_A"}, env.card.Cancelled())

	local, err := env.storage.GetSubscriptionByRef(ctx, gosubs.ProviderCardGateway, "sub_A")
	require.NoError(t, err)
	assert.Equal(t, gosubs.StatusCancelled, local.Status)
}

func TestReconcile_PersistsLapsedTier(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	lapsed := &gosubs.Subscription{
		ID:                 "sub-lapsed",
		UserID:             "user9",
		Tier:               gosubs.TierPremium,
		Status:             gosubs.StatusCancelled,
		Provider:           gosubs.ProviderCardGateway,
		CurrentPeriodStart: t0.AddDate(0, -1, -1),
		CurrentPeriodEnd:   t0.AddDate(0, 0, -1),
		CreatedAt:          t0.AddDate(0, -1, -1),
	}
	err := env.storage.UpdateSubscription(ctx, gosubs.SubscriptionKey{UserID: "user9"}, func(tx gosubs.SubscriptionTx) error {
		return tx.SaveSubscription(ctx, lapsed)
	})
	require.NoError(t, err)

	dry, err := env.engine.Reconcile(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, dry.Lapsed)
	stored, err := env.storage.GetSubscription(ctx, "user9")
	require.NoError(t, err)
	assert.Equal(t, gosubs.TierPremium, stored.Tier)

	report, err := env.engine.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Lapsed)
	stored, err = env.storage.GetSubscription(ctx, "user9")
	require.NoError(t, err)
	assert.Equal(t, gosubs.TierFree, stored.Tier)

	again, err := env.engine.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Lapsed)
}

func TestReconcile_RowFailuresAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	activeSubA(t, env)

	other := cardEvent("evt_p2", gosubs.EventPurchased, t0, t0.AddDate(0, 1, 0))
	other.UserID = "user2"
	other.CustomerRef = "cus_2"
	other.SubscriptionRef = "sub_B"
	_, err := env.engine.Accept(ctx, other)
	require.NoError(t, err)

	// sub_B has no provider state, so its lookup fails
	env.card.setSnapshot(&gosubs.ProviderSnapshot{
		SubscriptionRef:   "sub_A",
		CustomerRef:       "cus_1",
		Status:            gosubs.StatusActive,
		PeriodEnd:         t0.AddDate(0, 1, 0),
		CancelAtPeriodEnd: true,
	})

	report, err := env.engine.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Corrected)
	assert.Equal(t, 1, report.Failed)

	var batch *gosubs.BatchError
	require.True(t, errors.As(report.Err(), &batch))
	assert.True(t, errors.Is(report.Err(), gosubs.ErrSubscriptionNotFound))

	sub, err := env.storage.GetSubscription(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)
}
