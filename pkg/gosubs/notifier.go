package gosubs

import (
	"context"
	"time"
)

// NoticeKind names a user-facing lifecycle notice.
type NoticeKind string

const (
	NoticeGraceStarted      NoticeKind = "grace_started"
	NoticeGraceRecovered    NoticeKind = "grace_recovered"
	NoticeGraceEnded        NoticeKind = "grace_ended"
	NoticeGraceEndingSoon   NoticeKind = "grace_ending_soon"
	NoticeCancelled         NoticeKind = "subscription_cancelled"
	NoticeRefunded          NoticeKind = "subscription_refunded"
	NoticeDeletionScheduled NoticeKind = "deletion_scheduled"
	NoticeDeletionRecovered NoticeKind = "deletion_recovered"
	NoticeAccountPurged     NoticeKind = "account_purged"
)

// Notice is handed to the notification layer. Delivery is that layer's concern.
type Notice struct {
	Kind           NoticeKind `json:"kind"`
	UserID         string     `json:"user_id"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
	At             time.Time  `json:"at"`
	// EndsAt is when a grace window closes, set on grace_started, grace_ending_soon and
	// deletion_scheduled.
	EndsAt *time.Time `json:"ends_at,omitempty"`
	// Window names the sweep a grace_ending_soon notice belongs to.
	Window string `json:"window,omitempty"`
}

// Notifier publishes notices. Failures are logged by the engine and never block state changes.
type Notifier interface {
	Notify(ctx context.Context, notice *Notice) error
}

// NoopNotifier drops every notice.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, *Notice) error { return nil }
