// Package memory provides an in-memory implementation of the gosubs.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

type subEntry struct {
	sub *gosubs.Subscription
	seq int64
}

type eventKey struct {
	provider gosubs.ProviderTag
	eventID  string
}

// Storage implements gosubs.Storage using in-memory maps.
// One mutex serializes every aggregate transaction.
type Storage struct {
	mu            sync.RWMutex
	seq           int64
	events        map[eventKey]*gosubs.PaymentEvent
	subscriptions map[string]*subEntry
	transactions  map[string]*gosubs.Transaction
	items         map[string]*gosubs.RecurringItem
	confirmations map[string][]*gosubs.PaymentConfirmation
	deletions     map[string]*gosubs.DeletionRecord
}

var _ gosubs.Storage = (*Storage)(nil)

// New creates a new in-memory storage adapter
func New() *Storage {
	s := &Storage{}
	s.Clear()
	return s
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = make(map[eventKey]*gosubs.PaymentEvent)
	s.subscriptions = make(map[string]*subEntry)
	s.transactions = make(map[string]*gosubs.Transaction)
	s.items = make(map[string]*gosubs.RecurringItem)
	s.confirmations = make(map[string][]*gosubs.PaymentConfirmation)
	s.deletions = make(map[string]*gosubs.DeletionRecord)
}

// RecordEvent implements gosubs.EventLedger
func (s *Storage) RecordEvent(_ context.Context, ev *gosubs.PaymentEvent, lease time.Duration) (gosubs.RecordResult, error) {
	if ev == nil || ev.Provider == "" || ev.EventID == "" {
		return "", fmt.Errorf("invalid event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey{provider: ev.Provider, eventID: ev.EventID}
	existing, ok := s.events[key]
	if !ok {
		row := *ev
		row.Status = gosubs.ProcessingInFlight
		s.events[key] = &row
		return gosubs.RecordNew, nil
	}

	switch existing.Status {
	case gosubs.ProcessingDone, gosubs.ProcessingRejected:
		return gosubs.RecordDuplicateProcessed, nil
	}
	if lease > 0 && !ev.ReceivedAt.Before(existing.ReceivedAt.Add(lease)) {
		// claim abandoned by a crashed worker
		existing.ReceivedAt = ev.ReceivedAt
		existing.EventType = ev.EventType
		return gosubs.RecordNew, nil
	}
	return gosubs.RecordDuplicateProcessing, nil
}

// ReleaseEvent implements gosubs.EventLedger
func (s *Storage) ReleaseEvent(_ context.Context, provider gosubs.ProviderTag, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey{provider: provider, eventID: eventID}
	if ev, ok := s.events[key]; ok && ev.Status == gosubs.ProcessingInFlight {
		delete(s.events, key)
	}
	return nil
}

// MarkEventRejected implements gosubs.EventLedger
func (s *Storage) MarkEventRejected(_ context.Context, provider gosubs.ProviderTag, eventID, reason string,
	at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventKey{provider: provider, eventID: eventID}]
	if !ok {
		return gosubs.ErrEventNotFound
	}
	if ev.Status != gosubs.ProcessingInFlight {
		return nil
	}
	ev.Status = gosubs.ProcessingRejected
	ev.Reason = reason
	ev.ProcessedAt = &at
	return nil
}

// GetEvent implements gosubs.EventLedger
func (s *Storage) GetEvent(_ context.Context, provider gosubs.ProviderTag, eventID string) (*gosubs.PaymentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[eventKey{provider: provider, eventID: eventID}]
	if !ok {
		return nil, gosubs.ErrEventNotFound
	}
	evCopy := *ev
	return &evCopy, nil
}

// GetSubscription implements gosubs.SubscriptionStore
func (s *Storage) GetSubscription(_ context.Context, userID string) (*gosubs.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.latestForUser(userID)
	if e == nil {
		return nil, gosubs.ErrSubscriptionNotFound
	}
	return e.sub.Clone(), nil
}

// GetSubscriptionByRef implements gosubs.SubscriptionStore
func (s *Storage) GetSubscriptionByRef(_ context.Context, provider gosubs.ProviderTag,
	subscriptionRef string) (*gosubs.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.latestForRef(provider, subscriptionRef)
	if e == nil {
		return nil, gosubs.ErrSubscriptionNotFound
	}
	return e.sub.Clone(), nil
}

func (s *Storage) latestForUser(userID string) *subEntry {
	var latest *subEntry
	for _, e := range s.subscriptions {
		if e.sub.UserID == userID && newer(e, latest) {
			latest = e
		}
	}
	return latest
}

func (s *Storage) latestForRef(provider gosubs.ProviderTag, ref string) *subEntry {
	if ref == "" {
		return nil
	}
	var latest *subEntry
	for _, e := range s.subscriptions {
		if e.sub.Provider == provider && e.sub.ProviderSubscriptionRef == ref && newer(e, latest) {
			latest = e
		}
	}
	return latest
}

func newer(a, b *subEntry) bool {
	if b == nil {
		return true
	}
	if !a.sub.CreatedAt.Equal(b.sub.CreatedAt) {
		return a.sub.CreatedAt.After(b.sub.CreatedAt)
	}
	return a.seq > b.seq
}

// ListSubscriptions implements gosubs.SubscriptionStore
func (s *Storage) ListSubscriptions(_ context.Context, filter gosubs.SubscriptionFilter) ([]*gosubs.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*subEntry, 0)
	for _, e := range s.subscriptions {
		if matches(e.sub, filter) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return newer(entries[j], entries[i]) })

	out := make([]*gosubs.Subscription, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.sub.Clone())
	}
	return out, nil
}

func matches(sub *gosubs.Subscription, f gosubs.SubscriptionFilter) bool {
	if f.UserID != "" && sub.UserID != f.UserID {
		return false
	}
	if f.Provider != "" && sub.Provider != f.Provider {
		return false
	}
	if f.CustomerRef != "" && sub.ProviderCustomerRef != f.CustomerRef {
		return false
	}
	if f.WithProviderRef && sub.ProviderSubscriptionRef == "" {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if sub.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.GraceStartedBefore != nil {
		if sub.GraceStartedAt == nil || sub.GraceStartedAt.After(*f.GraceStartedBefore) {
			return false
		}
	}
	if f.PeriodEndedBefore != nil && sub.CurrentPeriodEnd.After(*f.PeriodEndedBefore) {
		return false
	}
	return true
}

// GetTransaction implements gosubs.SubscriptionStore
func (s *Storage) GetTransaction(_ context.Context, providerRef string) (*gosubs.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transactions[providerRef]
	if !ok {
		return nil, gosubs.ErrTransactionNotFound
	}
	tCopy := *t
	return &tCopy, nil
}

// ListTransactions implements gosubs.SubscriptionStore
func (s *Storage) ListTransactions(_ context.Context, subscriptionID string) ([]*gosubs.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*gosubs.Transaction, 0)
	for _, t := range s.transactions {
		if t.SubscriptionID == subscriptionID {
			tCopy := *t
			out = append(out, &tCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ProviderRef < out[j].ProviderRef
	})
	return out, nil
}

// UpdateSubscription implements gosubs.SubscriptionStore. Writes are staged and applied only
// when fn succeeds.
func (s *Storage) UpdateSubscription(ctx context.Context, key gosubs.SubscriptionKey,
	fn func(tx gosubs.SubscriptionTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.latestForRef(key.Provider, key.SubscriptionRef)
	if e == nil && key.UserID != "" {
		e = s.latestForUser(key.UserID)
	}

	tx := &memTx{
		s:            s,
		subs:         make(map[string]*gosubs.Subscription),
		transactions: make(map[string]*gosubs.Transaction),
	}
	if e != nil {
		tx.current = e.sub.Clone()
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for id, sub := range tx.subs {
		if existing, ok := s.subscriptions[id]; ok {
			existing.sub = sub
			continue
		}
		s.seq++
		s.subscriptions[id] = &subEntry{sub: sub, seq: s.seq}
	}
	for ref, t := range tx.transactions {
		s.transactions[ref] = t
	}
	for _, m := range tx.processed {
		key := eventKey{provider: m.provider, eventID: m.eventID}
		at := m.at
		ev, ok := s.events[key]
		if !ok {
			s.events[key] = &gosubs.PaymentEvent{
				Provider:    m.provider,
				EventID:     m.eventID,
				ReceivedAt:  at,
				Status:      gosubs.ProcessingDone,
				ProcessedAt: &at,
			}
			continue
		}
		ev.Status = gosubs.ProcessingDone
		ev.ProcessedAt = &at
	}
	return nil
}

type processedMark struct {
	provider gosubs.ProviderTag
	eventID  string
	at       time.Time
}

type memTx struct {
	s            *Storage
	current      *gosubs.Subscription
	subs         map[string]*gosubs.Subscription
	transactions map[string]*gosubs.Transaction
	processed    []processedMark
}

func (tx *memTx) Current() *gosubs.Subscription {
	return tx.current.Clone()
}

func (tx *memTx) SaveSubscription(_ context.Context, sub *gosubs.Subscription) error {
	if sub == nil || sub.ID == "" || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}
	tx.subs[sub.ID] = sub.Clone()
	return nil
}

func (tx *memTx) GetTransaction(_ context.Context, providerRef string) (*gosubs.Transaction, error) {
	t, ok := tx.transactions[providerRef]
	if !ok {
		t, ok = tx.s.transactions[providerRef]
	}
	if !ok {
		return nil, gosubs.ErrTransactionNotFound
	}
	tCopy := *t
	return &tCopy, nil
}

func (tx *memTx) SaveTransaction(_ context.Context, t *gosubs.Transaction) error {
	if t == nil || t.ProviderRef == "" {
		return fmt.Errorf("invalid transaction")
	}
	tCopy := *t
	tx.transactions[t.ProviderRef] = &tCopy
	return nil
}

func (tx *memTx) MarkEventProcessed(_ context.Context, provider gosubs.ProviderTag, eventID string, at time.Time) error {
	tx.processed = append(tx.processed, processedMark{provider: provider, eventID: eventID, at: at})
	return nil
}

// SaveRecurringItem implements gosubs.ItemStore
func (s *Storage) SaveRecurringItem(_ context.Context, item *gosubs.RecurringItem) error {
	if item == nil || item.ID == "" || item.UserID == "" {
		return fmt.Errorf("invalid recurring item")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	itemCopy := *item
	s.items[item.ID] = &itemCopy
	return nil
}

// GetRecurringItem implements gosubs.ItemStore
func (s *Storage) GetRecurringItem(_ context.Context, itemID string) (*gosubs.RecurringItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[itemID]
	if !ok {
		return nil, gosubs.ErrItemNotFound
	}
	itemCopy := *item
	return &itemCopy, nil
}

// ListRecurringItems implements gosubs.ItemStore
func (s *Storage) ListRecurringItems(_ context.Context, userID string) ([]*gosubs.RecurringItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*gosubs.RecurringItem, 0)
	for _, item := range s.items {
		if item.UserID == userID {
			itemCopy := *item
			out = append(out, &itemCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListConfirmations implements gosubs.ItemStore
func (s *Storage) ListConfirmations(_ context.Context, itemID string) ([]*gosubs.PaymentConfirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	confs := s.confirmations[itemID]
	out := make([]*gosubs.PaymentConfirmation, 0, len(confs))
	for _, c := range confs {
		cCopy := *c
		out = append(out, &cCopy)
	}
	return out, nil
}

// UpdateRecurringItem implements gosubs.ItemStore
func (s *Storage) UpdateRecurringItem(_ context.Context, itemID string,
	fn func(item *gosubs.RecurringItem) (*gosubs.PaymentConfirmation, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return gosubs.ErrItemNotFound
	}

	working := *item
	conf, err := fn(&working)
	if err != nil {
		return err
	}

	s.items[itemID] = &working
	if conf != nil {
		confCopy := *conf
		s.confirmations[itemID] = append(s.confirmations[itemID], &confCopy)
	}
	return nil
}

// GetDeletionRecord implements gosubs.DeletionStore
func (s *Storage) GetDeletionRecord(_ context.Context, userID string) (*gosubs.DeletionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.deletions[userID]
	if !ok {
		return nil, gosubs.ErrDeletionNotFound
	}
	return copyDeletion(rec), nil
}

// SaveDeletionRecord implements gosubs.DeletionStore
func (s *Storage) SaveDeletionRecord(_ context.Context, rec *gosubs.DeletionRecord) error {
	if rec == nil || rec.UserID == "" {
		return fmt.Errorf("invalid deletion record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.deletions[rec.UserID] = copyDeletion(rec)
	return nil
}

// ListPendingDeletions implements gosubs.DeletionStore
func (s *Storage) ListPendingDeletions(_ context.Context, markedBefore time.Time) ([]*gosubs.DeletionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*gosubs.DeletionRecord, 0)
	for _, rec := range s.deletions {
		if rec.Pending() && !rec.DeletedAt.After(markedBefore) {
			out = append(out, copyDeletion(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAt.Before(out[j].DeletedAt) })
	return out, nil
}

// PurgeUserData implements gosubs.DeletionStore
func (s *Storage) PurgeUserData(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, item := range s.items {
		if item.UserID == userID {
			delete(s.confirmations, id)
			delete(s.items, id)
		}
	}
	for id, e := range s.subscriptions {
		if e.sub.UserID != userID {
			continue
		}
		for ref, t := range s.transactions {
			if t.SubscriptionID == id {
				delete(s.transactions, ref)
			}
		}
		delete(s.subscriptions, id)
	}
	return nil
}

func copyDeletion(rec *gosubs.DeletionRecord) *gosubs.DeletionRecord {
	c := *rec
	if rec.RecoveredAt != nil {
		t := *rec.RecoveredAt
		c.RecoveredAt = &t
	}
	if rec.PurgedAt != nil {
		t := *rec.PurgedAt
		c.PurgedAt = &t
	}
	if rec.WarnedAt != nil {
		t := *rec.WarnedAt
		c.WarnedAt = &t
	}
	return &c
}
