package gosubs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Provider is the capability set of a payment rail adapter.
// Every operation on a subscription dispatches on the record's Provider tag.
type Provider interface {
	// Tag returns the provider tag stored on records this adapter governs.
	Tag() ProviderTag

	// ValidateReceipt verifies a client receipt in env.
	// Returns ErrWrongEnvironment when the provider reports the receipt belongs to the other
	// environment, errors wrapping ErrTransientFailure for retryable failures and
	// ErrDefinitiveRejection for invalid receipts.
	ValidateReceipt(ctx context.Context, receipt string, env Environment) (*ReceiptResult, error)

	// GetStatus fetches the authoritative state of sub from the provider.
	GetStatus(ctx context.Context, sub *Subscription) (*ProviderSnapshot, error)

	// Cancel asks the provider to cancel sub immediately.
	// Returns ErrNotSupported when the rail has no server-side cancellation.
	Cancel(ctx context.Context, sub *Subscription) error

	// ListActive returns the customer's live provider subscriptions.
	// Returns ErrNotSupported when the rail cannot enumerate by customer.
	ListActive(ctx context.Context, customerRef string) ([]*ProviderSnapshot, error)
}

// ProviderRegistry resolves adapters by tag and guards each with its own circuit breaker.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[ProviderTag]Provider
	breakers  map[ProviderTag]CircuitBreaker

	failureThreshold int
	resetTimeout     time.Duration
	metrics          Metrics
}

// NewProviderRegistry creates a registry holding providers.
func NewProviderRegistry(providers ...Provider) *ProviderRegistry {
	r := &ProviderRegistry{
		providers:        make(map[ProviderTag]Provider),
		breakers:         make(map[ProviderTag]CircuitBreaker),
		failureThreshold: 5,
		resetTimeout:     30 * time.Second,
		metrics:          &NoopMetrics{},
	}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces the adapter for p.Tag().
func (r *ProviderRegistry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tag := p.Tag()
	r.providers[tag] = p
	metrics := r.metrics
	r.breakers[tag] = NewDefaultCircuitBreaker(r.failureThreshold, r.resetTimeout,
		func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(tag), string(state))
		})
}

// ConfigureBreakers replaces every circuit breaker with one using the given policy.
// Non-positive values keep the current setting.
func (r *ProviderRegistry) ConfigureBreakers(failureThreshold int, resetTimeout time.Duration) {
	r.mu.Lock()
	if failureThreshold > 0 {
		r.failureThreshold = failureThreshold
	}
	if resetTimeout > 0 {
		r.resetTimeout = resetTimeout
	}
	metrics := r.metrics
	r.mu.Unlock()
	r.setMetrics(metrics)
}

// Get returns the adapter registered for tag.
func (r *ProviderRegistry) Get(tag ProviderTag) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, tag)
	}
	return p, nil
}

// Tags returns the registered provider tags in stable order.
func (r *ProviderRegistry) Tags() []ProviderTag {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]ProviderTag, 0, len(r.providers))
	for tag := range r.providers {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// Breaker returns the circuit breaker guarding outbound calls to tag.
func (r *ProviderRegistry) Breaker(tag ProviderTag) CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[tag]
}

func (r *ProviderRegistry) setMetrics(m Metrics) {
	r.mu.Lock()
	r.metrics = m
	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.Unlock()

	for _, p := range providers {
		r.Register(p)
	}
}

// Call runs fn against the adapter for tag through its circuit breaker and the retry policy.
func (r *ProviderRegistry) Call(ctx context.Context, tag ProviderTag, policy RetryPolicy,
	fn func(ctx context.Context, p Provider) error) error {
	p, err := r.Get(tag)
	if err != nil {
		return err
	}
	cb := r.Breaker(tag)
	return Retry(ctx, policy, func(ctx context.Context) error {
		if cb == nil {
			return fn(ctx, p)
		}
		return cb.Execute(ctx, func() error { return fn(ctx, p) })
	})
}
