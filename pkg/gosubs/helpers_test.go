package gosubs_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
	"github.com/mihaimyh/gosubs/storage/memory"
)

var t0 = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []*gosubs.Notice
}

func (n *recordingNotifier) Notify(_ context.Context, notice *gosubs.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

func (n *recordingNotifier) Count(kind gosubs.NoticeKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, notice := range n.notices {
		if notice.Kind == kind {
			count++
		}
	}
	return count
}

func (n *recordingNotifier) Of(kind gosubs.NoticeKind) []*gosubs.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*gosubs.Notice
	for _, notice := range n.notices {
		if notice.Kind == kind {
			out = append(out, notice)
		}
	}
	return out
}

type recordingIdentity struct {
	mu      sync.Mutex
	deleted []string
}

func (r *recordingIdentity) DeleteIdentity(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, userID)
	return nil
}

// fakeProvider is a scriptable payment rail.
type fakeProvider struct {
	tag gosubs.ProviderTag

	mu        sync.Mutex
	validate  func(receipt string, env gosubs.Environment) (*gosubs.ReceiptResult, error)
	snapshots map[string]*gosubs.ProviderSnapshot
	active    map[string][]*gosubs.ProviderSnapshot
	cancelErr error
	cancelled []string
	envCalls  []gosubs.Environment
}

func newFakeProvider(tag gosubs.ProviderTag) *fakeProvider {
	return &fakeProvider{
		tag:       tag,
		snapshots: make(map[string]*gosubs.ProviderSnapshot),
		active:    make(map[string][]*gosubs.ProviderSnapshot),
	}
}

func (p *fakeProvider) Tag() gosubs.ProviderTag { return p.tag }

func (p *fakeProvider) ValidateReceipt(_ context.Context, receipt string, env gosubs.Environment) (*gosubs.ReceiptResult, error) {
	p.mu.Lock()
	p.envCalls = append(p.envCalls, env)
	validate := p.validate
	p.mu.Unlock()
	if validate == nil {
		return nil, gosubs.ErrNotSupported
	}
	return validate(receipt, env)
}

func (p *fakeProvider) GetStatus(_ context.Context, sub *gosubs.Subscription) (*gosubs.ProviderSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.snapshots[sub.ProviderSubscriptionRef]
	if !ok {
		return nil, gosubs.Definitive(gosubs.ErrSubscriptionNotFound)
	}
	snapCopy := *snap
	return &snapCopy, nil
}

func (p *fakeProvider) Cancel(_ context.Context, sub *gosubs.Subscription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelErr != nil {
		return p.cancelErr
	}
	p.cancelled = append(p.cancelled, sub.ProviderSubscriptionRef)
	if snap, ok := p.snapshots[sub.ProviderSubscriptionRef]; ok {
		snap.Status = gosubs.StatusCancelled
	}
	return nil
}

func (p *fakeProvider) ListActive(_ context.Context, customerRef string) ([]*gosubs.ProviderSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list, ok := p.active[customerRef]
	if !ok {
		return nil, nil
	}
	out := make([]*gosubs.ProviderSnapshot, 0, len(list))
	for _, s := range list {
		if s.Status == gosubs.StatusCancelled {
			continue
		}
		sCopy := *s
		out = append(out, &sCopy)
	}
	return out, nil
}

func (p *fakeProvider) Cancelled() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cancelled...)
}

type testEnv struct {
	engine   *gosubs.Engine
	storage  *memory.Storage
	clock    *fakeClock
	notifier *recordingNotifier
	identity *recordingIdentity
	queue    *memory.RetryQueue
	cache    *memory.StatusCache
	card     *fakeProvider
	iap      *fakeProvider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		storage:  memory.New(),
		clock:    &fakeClock{now: t0},
		notifier: &recordingNotifier{},
		identity: &recordingIdentity{},
		queue:    memory.NewRetryQueue(),
		cache:    memory.NewStatusCache(),
		card:     newFakeProvider(gosubs.ProviderCardGateway),
		iap:      newFakeProvider(gosubs.ProviderMobileIAP),
	}

	engine, err := gosubs.NewEngine(env.storage, gosubs.Config{
		Providers:      gosubs.NewProviderRegistry(env.card, env.iap),
		Identity:       env.identity,
		RetryQueue:     env.queue,
		StatusCache:    env.cache,
		Notifier:       env.notifier,
		Clock:          env.clock,
		SyncProcessing: true,
		PromptDelay:    time.Millisecond,
		Retry: gosubs.RetryPolicy{
			Backoff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		},
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	engine.Providers().ConfigureBreakers(1000, time.Minute)
	t.Cleanup(func() { _ = engine.Close() })
	env.engine = engine
	return env
}

func cardEvent(id string, typ gosubs.EventType, occurred, periodEnd time.Time) *gosubs.Notification {
	return &gosubs.Notification{
		Provider:        gosubs.ProviderCardGateway,
		EventID:         id,
		RawType:         string(typ),
		Type:            typ,
		OccurredAt:      occurred,
		UserID:          "user1",
		CustomerRef:     "cus_1",
		SubscriptionRef: "sub_A",
		PeriodStart:     periodEnd.AddDate(0, -1, 0),
		PeriodEnd:       periodEnd,
	}
}

func withCharge(n *gosubs.Notification, ref string, amount int64) *gosubs.Notification {
	n.Charge = &gosubs.Charge{Ref: ref, Amount: amount, Currency: "usd"}
	return n
}
