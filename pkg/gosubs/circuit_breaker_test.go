package gosubs

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDefaultCircuitBreaker(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var changes []CircuitBreakerState
	cb := NewDefaultCircuitBreaker(2, time.Minute, func(s CircuitBreakerState) { changes = append(changes, s) })
	cb.now = func() time.Time { return now }

	transient := func() error { return Transient(errors.New("502")) }
	definitive := func() error { return Definitive(errors.New("bad receipt")) }
	ok := func() error { return nil }
	ctx := context.Background()

	// definitive answers come from a healthy provider
	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, definitive)
	}
	if cb.State() != StateClosed {
		t.Fatalf("Expected closed after definitive rejections, got %s", cb.State())
	}

	_ = cb.Execute(ctx, transient)
	_ = cb.Execute(ctx, transient)
	if cb.State() != StateOpen {
		t.Fatalf("Expected open after 2 transient failures, got %s", cb.State())
	}

	err := cb.Execute(ctx, ok)
	if !errors.Is(err, ErrCircuitOpen) || !errors.Is(err, ErrTransientFailure) {
		t.Fatalf("Expected transient ErrCircuitOpen, got %v", err)
	}

	now = now.Add(time.Minute)
	if cb.State() != StateHalfOpen {
		t.Fatalf("Expected half-open after reset timeout, got %s", cb.State())
	}

	// a failing half-open call reopens
	_ = cb.Execute(ctx, transient)
	if cb.State() != StateOpen {
		t.Fatalf("Expected open after failed half-open call, got %s", cb.State())
	}

	now = now.Add(time.Minute)
	if err := cb.Execute(ctx, ok); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("Expected closed after successful half-open call, got %s", cb.State())
	}

	want := []CircuitBreakerState{StateOpen, StateOpen, StateClosed}
	if len(changes) < 2 || changes[0] != want[0] || changes[len(changes)-1] != StateClosed {
		t.Errorf("Unexpected state changes: %v", changes)
	}
}
