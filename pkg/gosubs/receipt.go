package gosubs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxScheduledAttempts bounds out-of-band retries of one receipt.
	DefaultMaxScheduledAttempts = 5

	// DefaultScheduledRetryDelay is the first out-of-band retry delay; it doubles per attempt.
	DefaultScheduledRetryDelay = time.Minute
)

// ReceiptValidatorConfig configures a ReceiptValidator.
type ReceiptValidatorConfig struct {
	Policy               RetryPolicy
	Queue                RetryQueue
	MaxScheduledAttempts int
	ScheduledRetryDelay  time.Duration
	Clock                Clock
	Logger               Logger
	Metrics              Metrics
}

// ReceiptValidator verifies client receipts against the issuing provider.
type ReceiptValidator struct {
	providers *ProviderRegistry
	policy    RetryPolicy
	queue     RetryQueue
	maxSched  int
	schedBase time.Duration
	clock     Clock
	logger    Logger
	metrics   Metrics
}

// NewReceiptValidator creates a validator dispatching through providers.
func NewReceiptValidator(providers *ProviderRegistry, config ReceiptValidatorConfig) *ReceiptValidator {
	if config.Policy.Operation == "" {
		config.Policy.Operation = "validate_receipt"
	}
	if config.MaxScheduledAttempts <= 0 {
		config.MaxScheduledAttempts = DefaultMaxScheduledAttempts
	}
	if config.ScheduledRetryDelay <= 0 {
		config.ScheduledRetryDelay = DefaultScheduledRetryDelay
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	v := &ReceiptValidator{
		providers: providers,
		policy:    config.Policy,
		queue:     config.Queue,
		maxSched:  config.MaxScheduledAttempts,
		schedBase: config.ScheduledRetryDelay,
		clock:     config.Clock,
		logger:    config.Logger,
		metrics:   config.Metrics,
	}
	onRetry := v.policy.OnRetry
	v.policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		v.metrics.RecordRetry(v.policy.Operation, attempt)
		v.logger.Debug("retrying receipt validation",
			F("attempt", attempt), F("wait", wait.String()), F("error", err))
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
	}
	return v
}

// Validate verifies receipt in production first. When the provider answers that the receipt
// belongs to the other environment it retries exactly once in sandbox.
func (v *ReceiptValidator) Validate(ctx context.Context, provider ProviderTag, receipt string) (*ReceiptResult, error) {
	if receipt == "" {
		return nil, Definitive(errors.New("empty receipt"))
	}
	start := v.clock.Now()

	res, err := v.validateIn(ctx, provider, receipt, EnvironmentProduction)
	if errors.Is(err, ErrWrongEnvironment) {
		v.logger.Debug("receipt belongs to sandbox, redirecting", F("provider", provider))
		res, err = v.validateIn(ctx, provider, receipt, EnvironmentSandbox)
		if errors.Is(err, ErrWrongEnvironment) {
			err = Definitive(fmt.Errorf("no environment accepted the receipt: %w", err))
		}
	}

	v.metrics.RecordReceiptValidation(string(provider), validationOutcome(err), v.clock.Now().Sub(start))
	if err != nil {
		return nil, err
	}
	if res.Provider == "" {
		res.Provider = provider
	}
	return res, nil
}

func (v *ReceiptValidator) validateIn(ctx context.Context, provider ProviderTag, receipt string,
	env Environment) (*ReceiptResult, error) {
	var res *ReceiptResult
	err := v.providers.Call(ctx, provider, v.policy, func(ctx context.Context, p Provider) error {
		r, err := p.ValidateReceipt(ctx, receipt, env)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Environment == "" {
		res.Environment = env
	}
	return res, nil
}

// ValidateOrSchedule validates like Validate. When transient failures exhaust the retry policy,
// the receipt is scheduled on the retry queue and ErrValidationPending is returned.
func (v *ReceiptValidator) ValidateOrSchedule(ctx context.Context, userID string, provider ProviderTag,
	receipt string) (*ReceiptResult, error) {
	res, err := v.Validate(ctx, provider, receipt)
	if err == nil || !IsTransient(err) || v.queue == nil {
		return res, err
	}

	job := &ReceiptJob{
		ID:         uuid.New().String(),
		UserID:     userID,
		Provider:   provider,
		Receipt:    receipt,
		Attempt:    1,
		EnqueuedAt: v.clock.Now(),
	}
	if schedErr := v.schedule(ctx, job); schedErr != nil {
		return nil, fmt.Errorf("%w (scheduling retry: %v)", err, schedErr)
	}
	return nil, fmt.Errorf("%w: %w", ErrValidationPending, err)
}

func (v *ReceiptValidator) schedule(ctx context.Context, job *ReceiptJob) error {
	delay := v.schedBase << uint(job.Attempt-1)
	at := v.clock.Now().Add(delay)
	v.logger.Info("receipt validation scheduled",
		F("user_id", job.UserID), F("provider", job.Provider), F("attempt", job.Attempt), F("at", at))
	return v.queue.Schedule(ctx, job, at)
}

// ProcessDue drains up to limit due jobs from the retry queue. Successful validations are handed
// to apply; transient failures are rescheduled until MaxScheduledAttempts; definitive rejections
// are dropped. Returns the number of jobs taken.
func (v *ReceiptValidator) ProcessDue(ctx context.Context, limit int,
	apply func(ctx context.Context, job *ReceiptJob, res *ReceiptResult) error) (int, error) {
	if v.queue == nil {
		return 0, nil
	}
	jobs, err := v.queue.PopDue(ctx, v.clock.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to pop due receipts: %w", err)
	}

	var failures []RowFailure
	for _, job := range jobs {
		res, err := v.Validate(ctx, job.Provider, job.Receipt)
		switch {
		case err == nil:
			if err := apply(ctx, job, res); err != nil {
				failures = append(failures, RowFailure{Key: job.ID, Err: err})
			}
		case IsTransient(err) && job.Attempt < v.maxSched:
			job.Attempt++
			if err := v.schedule(ctx, job); err != nil {
				failures = append(failures, RowFailure{Key: job.ID, Err: err})
			}
		default:
			v.logger.Warn("dropping receipt validation",
				F("job_id", job.ID), F("user_id", job.UserID), F("attempt", job.Attempt), F("error", err))
		}
	}
	if len(failures) > 0 {
		return len(jobs), &BatchError{Op: "receipt_retry", Failures: failures}
	}
	return len(jobs), nil
}

func validationOutcome(err error) string {
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, ErrDefinitiveRejection):
		return "rejected"
	case IsTransient(err):
		return "transient"
	default:
		return "error"
	}
}
