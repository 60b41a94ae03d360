package gosubs

import "time"

// Metrics defines the interface for tracking engine operations.
type Metrics interface {
	// RecordEvent records an inbound event and its idempotency result (new, duplicate_processing, ...).
	RecordEvent(provider, eventType, result string)

	// RecordTransition records an applied state change.
	RecordTransition(provider, from, to string)

	// RecordStaleEvent records an event dropped by the staleness guard.
	RecordStaleEvent(provider, eventType string)

	// RecordProcessingDuration records how long an event took to apply.
	RecordProcessingDuration(provider string, duration time.Duration, err error)

	// RecordReceiptValidation records a validation outcome (valid, rejected, pending, error).
	RecordReceiptValidation(provider, outcome string, duration time.Duration)

	// RecordRetry records a retried attempt of an operation.
	RecordRetry(operation string, attempt int)

	// RecordSweep records the result of a grace or deletion sweep.
	RecordSweep(job string, eligible, finalized, failed int, dryRun bool)

	// RecordReconciliation records the per-row outcome of a reconciliation pass.
	RecordReconciliation(provider, outcome string)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(provider, state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEvent(provider, eventType, result string)                       {}
func (n *NoopMetrics) RecordTransition(provider, from, to string)                           {}
func (n *NoopMetrics) RecordStaleEvent(provider, eventType string)                          {}
func (n *NoopMetrics) RecordProcessingDuration(provider string, d time.Duration, err error) {}
func (n *NoopMetrics) RecordReceiptValidation(provider, outcome string, d time.Duration)    {}
func (n *NoopMetrics) RecordRetry(operation string, attempt int)                            {}
func (n *NoopMetrics) RecordSweep(job string, eligible, finalized, failed int, dryRun bool) {}
func (n *NoopMetrics) RecordReconciliation(provider, outcome string)                        {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(provider, state string)               {}
