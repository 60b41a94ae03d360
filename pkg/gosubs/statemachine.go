package gosubs

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EffectKind is the kind of side effect a transition requests.
type EffectKind string

const (
	// EffectRecordTransaction appends or advances a ledger row.
	EffectRecordTransaction EffectKind = "record_transaction"
	// EffectRefundTransaction moves a ledger row to refunded.
	EffectRefundTransaction EffectKind = "refund_transaction"
	// EffectNotify hands a notice to the notification layer after commit.
	EffectNotify EffectKind = "notify"
)

// Effect is a side effect produced by a transition.
type Effect struct {
	Kind        EffectKind
	Transaction *Transaction
	Notice      *Notice
}

// Decision is the outcome of applying one notification to the current subscription.
type Decision struct {
	Rule     string
	From     Status
	To       Status
	FromTier Tier
	ToTier   Tier

	// Next is the record to persist. It is nil when the event is stale or ignored.
	Next *Subscription
	// Created is true when Next is a fresh record rather than an update of the current one.
	Created bool
	// Stale is true when the staleness guard dropped the state change.
	Stale bool
	// Ignored is true when no rule matches the current status and event.
	Ignored bool
	// Superseded is the user's live record on another rail, ended because Next replaces it.
	// The caller persists it with Next and cancels it at its provider after commit.
	Superseded *Subscription

	Effects []Effect
}

// StatusChanged reports whether the transition moved the subscription to another status.
func (d *Decision) StatusChanged() bool {
	return d.Next != nil && (d.Created || d.From != d.To)
}

// Downgraded reports whether the transition removed premium access.
func (d *Decision) Downgraded() bool {
	return d.FromTier == TierPremium && d.ToTier == TierFree
}

type ruleKey struct {
	from  Status
	event EventType
}

// ruleFunc mutates next (a copy of the current record) and appends notices to d.
type ruleFunc func(m *StateMachine, next *Subscription, n *Notification, now time.Time, d *Decision)

// StateMachine is the pure transition function of the engine.
type StateMachine struct {
	paymentGrace GraceWindow
	newID        func() string
	rules        map[ruleKey]ruleFunc
}

// NewStateMachine creates the state machine. paymentGrace is the past_due grace window.
func NewStateMachine(paymentGrace GraceWindow) *StateMachine {
	m := &StateMachine{
		paymentGrace: paymentGrace,
		newID:        func() string { return uuid.New().String() },
		rules:        make(map[ruleKey]ruleFunc),
	}
	m.buildRules()
	return m
}

var allStatuses = []Status{
	StatusFree, StatusTrialing, StatusActive, StatusPastDue,
	StatusPaused, StatusCancelled, StatusIncomplete,
}

func (m *StateMachine) on(event EventType, fn ruleFunc, from ...Status) {
	for _, s := range from {
		m.rules[ruleKey{from: s, event: event}] = fn
	}
}

func (m *StateMachine) buildRules() {
	m.on(EventPurchased, ruleRenew, StatusActive, StatusPastDue, StatusTrialing)
	m.on(EventRenewalSucceeded, ruleRenew, StatusActive, StatusPastDue, StatusTrialing, StatusIncomplete)
	m.on(EventRenewalSucceeded, ruleResume, StatusCancelled)
	m.on(EventReactivated, ruleResume, StatusCancelled)
	m.on(EventReactivated, ruleClearCancel, StatusActive, StatusTrialing, StatusPastDue)
	m.on(EventTrialStarted, ruleExtendTrial, StatusTrialing)
	m.on(EventRenewalFailed, ruleRenewalFailed, StatusActive, StatusTrialing)
	m.on(EventRenewalFailed, ruleStillPastDue, StatusPastDue)
	m.on(EventCancelled, ruleCancel, allStatuses...)
	m.on(EventExpired, ruleExpire, allStatuses...)
	m.on(EventRefunded, ruleRefund, allStatuses...)
	m.on(EventPaused, rulePause, StatusActive, StatusPastDue)
	m.on(EventResumed, ruleResumeFromPause, StatusPaused)
	m.on(EventSnapshot, ruleSnapshot, allStatuses...)
}

// freshEvents start a new record when no matching subscription is live.
var freshEvents = map[EventType]Status{
	EventPurchased:        StatusActive,
	EventRenewalSucceeded: StatusActive,
	EventTrialStarted:     StatusTrialing,
}

// Transition applies n to cur at now. cur is the locked current record and may be nil.
// The function does not touch storage; the caller persists Decision.Next and runs the effects.
func (m *StateMachine) Transition(cur *Subscription, n *Notification, now time.Time) (*Decision, error) {
	if n == nil || n.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrInvalidNotification)
	}

	d := &Decision{From: StatusFree, FromTier: TierFree}
	if cur != nil {
		d.From = cur.Status
		d.FromTier = cur.EffectiveTier(now)
	}
	d.To, d.ToTier = d.From, d.FromTier

	matches := cur != nil && sameSubscription(cur, n)

	if matches && !n.Authoritative && isStale(cur, n) {
		d.Rule = "stale"
		d.Stale = true
		d.Effects = ledgerEffects(cur.ID, n, now)
		return d, nil
	}

	if !matches {
		return m.transitionUnmatched(cur, n, now, d)
	}

	if n.Type == EventPurchased && cur.Status == StatusCancelled {
		// a purchase never resurrects a cancelled record
		return m.startFresh(cur, n, now, d, StatusActive)
	}

	fn, ok := m.rules[ruleKey{from: cur.Status, event: n.Type}]
	if !ok {
		d.Rule = "none"
		d.Ignored = true
		d.Effects = ledgerEffects(cur.ID, n, now)
		return d, nil
	}

	next := cur.Clone()
	d.Rule = fmt.Sprintf("%s+%s", cur.Status, n.Type)
	fn(m, next, n, now, d)
	m.finish(next, n, now, d)
	d.Effects = append(ledgerEffects(next.ID, n, now), d.Effects...)
	return d, nil
}

func (m *StateMachine) transitionUnmatched(cur *Subscription, n *Notification, now time.Time,
	d *Decision) (*Decision, error) {
	status, fresh := freshEvents[n.Type]
	if n.Type == EventSnapshot && isLiveStatus(n.ProviderStatus) {
		status, fresh = canonicalStatus(n.ProviderStatus, n.CancelAtPeriodEnd), true
	}
	if !fresh {
		d.Rule = "unmatched"
		d.Ignored = true
		if cur != nil && (n.UserID == "" || n.UserID == cur.UserID) {
			d.Effects = ledgerEffects(cur.ID, n, now)
		}
		return d, nil
	}
	return m.startFresh(cur, n, now, d, status)
}

func (m *StateMachine) startFresh(cur *Subscription, n *Notification, now time.Time, d *Decision,
	status Status) (*Decision, error) {
	userID := n.UserID
	if userID == "" && cur != nil {
		userID = cur.UserID
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: cannot attribute %s to a user", ErrInvalidNotification, n.Type)
	}

	next := &Subscription{
		ID:        m.newID(),
		UserID:    userID,
		Status:    status,
		Provider:  n.Provider,
		CreatedAt: now,
	}
	applyRefs(next, n)
	next.CurrentPeriodStart = n.PeriodStart
	next.CurrentPeriodEnd = n.PeriodEnd
	next.CancelAtPeriodEnd = n.CancelAtPeriodEnd
	if status == StatusPaused {
		next.PausedUntil = cloneTime(n.ResumesAt)
	}
	if status == StatusPastDue {
		mark := m.paymentGrace.Mark(now)
		next.GraceStartedAt = &mark
	}

	d.Rule = fmt.Sprintf("fresh+%s", n.Type)
	d.Created = true
	m.finish(next, n, now, d)
	d.Effects = ledgerEffects(next.ID, n, now)

	// one user is never governed by two rails at once
	if cur != nil && cur.UserID == userID && cur.Provider != next.Provider && cur.Live() && next.Live() {
		d.Superseded = supersede(cur, now)
	}
	return d, nil
}

func supersede(cur *Subscription, now time.Time) *Subscription {
	old := cur.Clone()
	old.Status = StatusCancelled
	old.CancelAtPeriodEnd = false
	old.GraceStartedAt = nil
	old.PausedUntil = nil
	old.Tier = tierFor(old.Status, old.CurrentPeriodEnd, old.RefundedAt != nil, now)
	old.UpdatedAt = now
	return old
}

func (m *StateMachine) finish(next *Subscription, n *Notification, now time.Time, d *Decision) {
	if n.OccurredAt.After(next.LastEventAt) {
		next.LastEventAt = n.OccurredAt
	}
	next.Tier = tierFor(next.Status, next.CurrentPeriodEnd, next.RefundedAt != nil, now)
	next.UpdatedAt = now

	d.Next = next
	d.To = next.Status
	d.ToTier = next.Tier
}

func ruleRenew(m *StateMachine, next *Subscription, n *Notification, now time.Time, d *Decision) {
	wasPastDue := next.Status == StatusPastDue
	next.Status = StatusActive
	extendPeriod(next, n)
	next.CancelAtPeriodEnd = n.CancelAtPeriodEnd
	if wasPastDue {
		m.recoverGrace(next, now, d)
	}
}

func ruleResume(m *StateMachine, next *Subscription, n *Notification, now time.Time, d *Decision) {
	if next.RefundedAt != nil {
		return
	}
	next.Status = StatusActive
	next.CancelAtPeriodEnd = false
	extendPeriod(next, n)
}

func ruleClearCancel(_ *StateMachine, next *Subscription, n *Notification, _ time.Time, _ *Decision) {
	next.CancelAtPeriodEnd = false
	extendPeriod(next, n)
}

func ruleExtendTrial(_ *StateMachine, next *Subscription, n *Notification, _ time.Time, _ *Decision) {
	extendPeriod(next, n)
}

func ruleRenewalFailed(m *StateMachine, next *Subscription, n *Notification, now time.Time, d *Decision) {
	next.Status = StatusPastDue
	extendPeriod(next, n)
	m.startGrace(next, now, d)
}

func ruleStillPastDue(m *StateMachine, next *Subscription, _ *Notification, now time.Time, d *Decision) {
	if next.GraceStartedAt == nil {
		m.startGrace(next, now, d)
	}
}

func ruleCancel(_ *StateMachine, next *Subscription, n *Notification, now time.Time, d *Decision) {
	wasCancelled := next.Status == StatusCancelled
	next.Status = StatusCancelled
	next.CancelAtPeriodEnd = true
	next.GraceStartedAt = nil
	next.PausedUntil = nil
	extendPeriod(next, n)
	if !wasCancelled {
		d.Effects = append(d.Effects, notify(NoticeCancelled, next, now, nil))
	}
}

func ruleExpire(_ *StateMachine, next *Subscription, n *Notification, now time.Time, d *Decision) {
	wasCancelled := next.Status == StatusCancelled
	next.Status = StatusCancelled
	next.CancelAtPeriodEnd = false
	next.GraceStartedAt = nil
	next.PausedUntil = nil
	if !n.PeriodEnd.IsZero() {
		// expiry may shorten the period
		next.CurrentPeriodEnd = n.PeriodEnd
	}
	if !wasCancelled {
		d.Effects = append(d.Effects, notify(NoticeCancelled, next, now, nil))
	}
}

func ruleRefund(_ *StateMachine, next *Subscription, _ *Notification, now time.Time, d *Decision) {
	if next.RefundedAt != nil {
		return
	}
	refundedAt := now
	next.RefundedAt = &refundedAt
	next.Status = StatusCancelled
	next.CancelAtPeriodEnd = false
	next.GraceStartedAt = nil
	next.PausedUntil = nil
	d.Effects = append(d.Effects, notify(NoticeRefunded, next, now, nil))
}

func rulePause(_ *StateMachine, next *Subscription, n *Notification, _ time.Time, _ *Decision) {
	next.Status = StatusPaused
	next.PausedUntil = cloneTime(n.ResumesAt)
	next.GraceStartedAt = nil
}

func ruleResumeFromPause(_ *StateMachine, next *Subscription, n *Notification, _ time.Time, _ *Decision) {
	next.Status = StatusActive
	next.PausedUntil = nil
	extendPeriod(next, n)
}

func ruleSnapshot(m *StateMachine, next *Subscription, n *Notification, now time.Time, d *Decision) {
	if !n.ProviderStatus.Valid() {
		return
	}
	prev := next.Status
	next.Status = canonicalStatus(n.ProviderStatus, n.CancelAtPeriodEnd)
	next.CancelAtPeriodEnd = n.CancelAtPeriodEnd
	applyRefs(next, n)

	if n.Authoritative {
		// the provider wins, even when it reports a shorter period
		if !n.PeriodStart.IsZero() {
			next.CurrentPeriodStart = n.PeriodStart
		}
		if !n.PeriodEnd.IsZero() {
			next.CurrentPeriodEnd = n.PeriodEnd
		}
	} else {
		extendPeriod(next, n)
	}

	switch {
	case next.Status == StatusPastDue && prev != StatusPastDue:
		m.startGrace(next, now, d)
	case prev == StatusPastDue && next.Status == StatusActive:
		m.recoverGrace(next, now, d)
	case next.Status != StatusPastDue:
		next.GraceStartedAt = nil
	}
	if next.Status == StatusPaused {
		next.PausedUntil = cloneTime(n.ResumesAt)
	} else {
		next.PausedUntil = nil
	}
	if next.Status == StatusCancelled && prev != StatusCancelled {
		d.Effects = append(d.Effects, notify(NoticeCancelled, next, now, nil))
	}
}

func (m *StateMachine) startGrace(next *Subscription, now time.Time, d *Decision) {
	mark := m.paymentGrace.Mark(now)
	next.GraceStartedAt = &mark
	ends := m.paymentGrace.ExpiresAt(mark)
	d.Effects = append(d.Effects, notify(NoticeGraceStarted, next, now, &ends))
}

func (m *StateMachine) recoverGrace(next *Subscription, now time.Time, d *Decision) {
	if next.GraceStartedAt == nil {
		return
	}
	next.GraceStartedAt = nil
	d.Effects = append(d.Effects, notify(NoticeGraceRecovered, next, now, nil))
}

// isStale compares (period_end, occurred_at) of the event against the stored record.
// Refunds and expiries are ordered by occurrence only: a refund may concern any period and an
// immediate expiry legitimately reports a shorter one.
func isStale(cur *Subscription, n *Notification) bool {
	byPeriod := n.Type != EventRefunded && n.Type != EventExpired
	if byPeriod && !n.PeriodEnd.IsZero() && !cur.CurrentPeriodEnd.IsZero() {
		if n.PeriodEnd.Before(cur.CurrentPeriodEnd) {
			return true
		}
		if n.PeriodEnd.After(cur.CurrentPeriodEnd) {
			return false
		}
	}
	return !n.OccurredAt.IsZero() && n.OccurredAt.Before(cur.LastEventAt)
}

func sameSubscription(cur *Subscription, n *Notification) bool {
	if n.SubscriptionRef == "" {
		// user-scoped events apply to the current record
		return true
	}
	return cur.Provider == n.Provider && cur.ProviderSubscriptionRef == n.SubscriptionRef
}

func isLiveStatus(s Status) bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue, StatusPaused:
		return true
	}
	return false
}

func extendPeriod(next *Subscription, n *Notification) {
	if n.PeriodEnd.After(next.CurrentPeriodEnd) {
		next.CurrentPeriodEnd = n.PeriodEnd
		if !n.PeriodStart.IsZero() {
			next.CurrentPeriodStart = n.PeriodStart
		}
	}
}

func applyRefs(next *Subscription, n *Notification) {
	if n.CustomerRef != "" {
		next.ProviderCustomerRef = n.CustomerRef
	}
	if n.SubscriptionRef != "" {
		next.ProviderSubscriptionRef = n.SubscriptionRef
	}
	if n.ProductID != "" {
		next.ProductID = n.ProductID
	}
	if n.BillingCycle != "" {
		next.BillingCycle = n.BillingCycle
	}
	if n.Environment != "" {
		next.Environment = n.Environment
	}
}

// ledgerEffects derives the ledger facts carried by n. They are recorded even when the event
// changes no state, as long as a record of the same user can hold them.
func ledgerEffects(subscriptionID string, n *Notification, now time.Time) []Effect {
	if n.Charge == nil || n.Charge.Ref == "" || subscriptionID == "" {
		return nil
	}
	occurred := n.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	t := &Transaction{
		SubscriptionID: subscriptionID,
		ProviderRef:    n.Charge.Ref,
		Amount:         n.Charge.Amount,
		Currency:       n.Charge.Currency,
		OccurredAt:     occurred,
	}
	switch n.Type {
	case EventPurchased, EventRenewalSucceeded, EventTrialStarted, EventResumed, EventReactivated:
		t.Status = TransactionSucceeded
	case EventRenewalFailed:
		t.Status = TransactionFailed
	case EventRefunded:
		t.Status = TransactionRefunded
		return []Effect{{Kind: EffectRefundTransaction, Transaction: t}}
	default:
		return nil
	}
	return []Effect{{Kind: EffectRecordTransaction, Transaction: t}}
}

func notify(kind NoticeKind, sub *Subscription, now time.Time, endsAt *time.Time) Effect {
	return Effect{
		Kind: EffectNotify,
		Notice: &Notice{
			Kind:           kind,
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			At:             now,
			EndsAt:         endsAt,
		},
	}
}
