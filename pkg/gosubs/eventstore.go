package gosubs

import (
	"context"
	"fmt"
	"time"
)

// DefaultProcessingLease is how long a processing claim blocks redeliveries before it is reclaimed.
const DefaultProcessingLease = 10 * time.Minute

// EventStore guarantees each externally delivered event is applied at most once.
// It is the sole idempotency guarantee of the ingestion path.
type EventStore struct {
	ledger  EventLedger
	lease   time.Duration
	clock   Clock
	metrics Metrics
}

// NewEventStore wraps ledger. A zero lease takes DefaultProcessingLease.
func NewEventStore(ledger EventLedger, lease time.Duration, clock Clock, metrics Metrics) *EventStore {
	if lease == 0 {
		lease = DefaultProcessingLease
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &EventStore{ledger: ledger, lease: lease, clock: clock, metrics: metrics}
}

// Record claims (provider, event_id).
//   - new: no row existed; the caller must process the event.
//   - duplicate_processing: another delivery is in flight; the caller must no-op.
//   - duplicate_processed: the event was already applied (or rejected); the caller must no-op.
func (s *EventStore) Record(ctx context.Context, n *Notification) (RecordResult, error) {
	if n.Provider == "" || n.EventID == "" {
		return "", fmt.Errorf("%w: provider and event id are required", ErrInvalidNotification)
	}
	ev := &PaymentEvent{
		Provider:   n.Provider,
		EventID:    n.EventID,
		EventType:  eventTypeLabel(n),
		ReceivedAt: s.clock.Now(),
		Status:     ProcessingInFlight,
	}
	res, err := s.ledger.RecordEvent(ctx, ev, s.lease)
	if err != nil {
		return "", fmt.Errorf("failed to record event: %w", err)
	}
	s.metrics.RecordEvent(string(n.Provider), ev.EventType, string(res))
	return res, nil
}

// Release drops the processing claim of n so a redelivery can re-drive it.
func (s *EventStore) Release(ctx context.Context, n *Notification) error {
	return s.ledger.ReleaseEvent(ctx, n.Provider, n.EventID)
}

// Reject marks n as definitively unprocessable. Redeliveries are treated as duplicates.
func (s *EventStore) Reject(ctx context.Context, n *Notification, reason string) error {
	return s.ledger.MarkEventRejected(ctx, n.Provider, n.EventID, reason, s.clock.Now())
}

func eventTypeLabel(n *Notification) string {
	if n.RawType != "" {
		return n.RawType
	}
	return string(n.Type)
}
