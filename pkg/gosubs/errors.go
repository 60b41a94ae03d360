package gosubs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSignatureInvalid is returned when a webhook signature does not verify
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrTransientFailure marks failures worth retrying (timeouts, 5xx, rate limits)
	ErrTransientFailure = errors.New("transient network failure")

	// ErrDefinitiveRejection marks a receipt or request the provider refused outright
	ErrDefinitiveRejection = errors.New("definitive rejection")

	// ErrWrongEnvironment is returned by a provider when a receipt belongs to the other environment
	ErrWrongEnvironment = errors.New("receipt belongs to a different environment")

	// ErrStateConflict is returned when an event is older than the applied state
	ErrStateConflict = errors.New("event older than applied state")

	// ErrDuplicateEvent is returned when an event has already been recorded
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrValidationPending is returned when receipt validation was scheduled for a later retry
	ErrValidationPending = errors.New("receipt validation pending")

	// ErrSubscriptionNotFound is returned when a user has no subscription record
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrTransactionNotFound is returned when no ledger row matches a provider reference
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrEventNotFound is returned when no ledger row matches (provider, event_id)
	ErrEventNotFound = errors.New("event not found")

	// ErrItemNotFound is returned for unknown or foreign recurring items
	ErrItemNotFound = errors.New("recurring item not found")

	// ErrItemNotPastDue is returned when confirming an item that is not past due
	ErrItemNotPastDue = errors.New("recurring item is not past due")

	// ErrInvalidOutcome is returned for outcomes not allowed on an item
	ErrInvalidOutcome = errors.New("invalid outcome for item")

	// ErrDeletionNotFound is returned when no pending deletion exists for a user
	ErrDeletionNotFound = errors.New("deletion record not found")

	// ErrProviderNotConfigured is returned when no adapter is registered for a provider tag
	ErrProviderNotConfigured = errors.New("provider not configured")

	// ErrNotSupported is returned by adapters for capabilities their rail lacks
	ErrNotSupported = errors.New("operation not supported by provider")

	// ErrQueueFull is returned when the async processing queue cannot accept work
	ErrQueueFull = errors.New("processing queue full")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidNotification is returned for notifications missing required fields
	ErrInvalidNotification = errors.New("invalid notification")

	// ErrEngineClosed is returned when work is submitted after Close
	ErrEngineClosed = errors.New("engine closed")
)

// Transient wraps err so that errors.Is(err, ErrTransientFailure) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientFailure, err)
}

// Definitive wraps err so that errors.Is(err, ErrDefinitiveRejection) holds.
func Definitive(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrDefinitiveRejection, err)
}

// RowFailure is one failed row of a batch operation.
type RowFailure struct {
	Key string
	Err error
}

// BatchError aggregates the row failures of a sweep that otherwise completed.
type BatchError struct {
	Op       string
	Failures []RowFailure
}

func (e *BatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d row(s) failed", e.Op, len(e.Failures))
	for i, f := range e.Failures {
		if i == 3 {
			fmt.Fprintf(&b, "; ...")
			break
		}
		fmt.Fprintf(&b, "; %s: %v", f.Key, f.Err)
	}
	return b.String()
}

// Unwrap exposes the row errors to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
