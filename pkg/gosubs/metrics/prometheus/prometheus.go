package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements gosubs.Metrics using Prometheus.
type Metrics struct {
	eventsTotal                *prometheus.CounterVec
	transitionsTotal           *prometheus.CounterVec
	staleEventsTotal           *prometheus.CounterVec
	processingDuration         *prometheus.HistogramVec
	processingErrors           *prometheus.CounterVec
	receiptValidations         *prometheus.CounterVec
	receiptValidationDuration  *prometheus.HistogramVec
	retriesTotal               *prometheus.CounterVec
	sweepRowsTotal             *prometheus.CounterVec
	sweepRunsTotal             *prometheus.CounterVec
	reconciliationRowsTotal    *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of inbound provider events by idempotency result.",
		}, []string{"provider", "event_type", "result"}),

		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_transitions_total",
			Help:      "Total number of applied subscription status changes.",
		}, []string{"provider", "from", "to"}),

		staleEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_events_total",
			Help:      "Total number of events dropped by the staleness guard.",
		}, []string{"provider", "event_type"}),

		processingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_duration_seconds",
			Help:      "Latency of applying one event to its subscription.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),

		processingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_processing_errors_total",
			Help:      "Total number of failed event applications.",
		}, []string{"provider"}),

		receiptValidations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receipt_validations_total",
			Help:      "Total number of receipt validations by outcome.",
		}, []string{"provider", "outcome"}),

		receiptValidationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "receipt_validation_duration_seconds",
			Help:      "Latency of receipt validations including environment fallback.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),

		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retried attempts.",
		}, []string{"operation", "attempt"}),

		sweepRowsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_rows_total",
			Help:      "Total number of rows handled by grace sweeps.",
		}, []string{"job", "result"}),

		sweepRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Total number of grace sweep runs.",
		}, []string{"job", "dry_run"}),

		reconciliationRowsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_rows_total",
			Help:      "Total number of reconciliation row outcomes.",
		}, []string{"provider", "outcome"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"provider", "state"}),
	}
}

func (m *Metrics) RecordEvent(provider, eventType, result string) {
	m.eventsTotal.WithLabelValues(provider, eventType, result).Inc()
}

func (m *Metrics) RecordTransition(provider, from, to string) {
	m.transitionsTotal.WithLabelValues(provider, from, to).Inc()
}

func (m *Metrics) RecordStaleEvent(provider, eventType string) {
	m.staleEventsTotal.WithLabelValues(provider, eventType).Inc()
}

func (m *Metrics) RecordProcessingDuration(provider string, duration time.Duration, err error) {
	m.processingDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if err != nil {
		m.processingErrors.WithLabelValues(provider).Inc()
	}
}

func (m *Metrics) RecordReceiptValidation(provider, outcome string, duration time.Duration) {
	m.receiptValidations.WithLabelValues(provider, outcome).Inc()
	m.receiptValidationDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *Metrics) RecordRetry(operation string, attempt int) {
	m.retriesTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}

func (m *Metrics) RecordSweep(job string, eligible, finalized, failed int, dryRun bool) {
	m.sweepRunsTotal.WithLabelValues(job, strconv.FormatBool(dryRun)).Inc()
	m.sweepRowsTotal.WithLabelValues(job, "eligible").Add(float64(eligible))
	m.sweepRowsTotal.WithLabelValues(job, "finalized").Add(float64(finalized))
	m.sweepRowsTotal.WithLabelValues(job, "failed").Add(float64(failed))
}

func (m *Metrics) RecordReconciliation(provider, outcome string) {
	m.reconciliationRowsTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(provider, state string) {
	m.circuitBreakerStateChanges.WithLabelValues(provider, state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
