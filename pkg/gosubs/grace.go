package gosubs

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultPaymentGrace is how long a past_due subscription keeps premium access.
	DefaultPaymentGrace = 7 * 24 * time.Hour

	// DefaultDeletionGrace is how long a deleted account stays recoverable.
	DefaultDeletionGrace = 30 * 24 * time.Hour

	// DefaultPaymentGraceWarning and DefaultDeletionGraceWarning are how long before a grace
	// window closes the ending-soon notice goes out.
	DefaultPaymentGraceWarning  = 2 * 24 * time.Hour
	DefaultDeletionGraceWarning = 7 * 24 * time.Hour
)

// GraceWindow is the "mark now, recoverable until now+Period, then finalize" primitive.
type GraceWindow struct {
	Period time.Duration
}

// Mark returns the mark timestamp for now.
func (w GraceWindow) Mark(now time.Time) time.Time {
	return now.UTC()
}

// ExpiresAt returns when a mark made at markedAt stops being recoverable.
func (w GraceWindow) ExpiresAt(markedAt time.Time) time.Time {
	return markedAt.Add(w.Period)
}

// Eligible reports whether now - markedAt >= Period.
func (w GraceWindow) Eligible(markedAt, now time.Time) bool {
	return !now.Before(markedAt.Add(w.Period))
}

// Cutoff returns the latest mark time that is eligible at now.
func (w GraceWindow) Cutoff(now time.Time) time.Time {
	return now.Add(-w.Period)
}

// WarnCutoff returns the latest mark time whose last `before` of the window has begun at now.
func (w GraceWindow) WarnCutoff(now time.Time, before time.Duration) time.Time {
	if before >= w.Period {
		return now
	}
	return now.Add(-(w.Period - before))
}

// WarningDue reports whether now falls in the last `before` of a window marked at markedAt
// that has not expired yet.
func (w GraceWindow) WarningDue(markedAt, now time.Time, before time.Duration) bool {
	return !now.Before(w.ExpiresAt(markedAt).Add(-before)) && !w.Eligible(markedAt, now)
}

// GracePolicy binds the grace primitive to one kind of marked row.
type GracePolicy[T any] struct {
	// Name identifies the sweep in reports, logs and metrics.
	Name   string
	Window GraceWindow

	// Candidates returns rows marked at or before cutoff that are neither recovered nor finalized.
	Candidates func(ctx context.Context, cutoff time.Time) ([]T, error)

	Key      func(row T) string
	MarkedAt func(row T) time.Time

	// Finalize applies the irreversible step to one row. It must be idempotent.
	Finalize func(ctx context.Context, row T) error

	// WarnBefore opens the ending-soon window that long before a mark expires. Zero disables
	// warnings.
	WarnBefore time.Duration
	// Warned reports whether the row's current mark was already warned about.
	Warned func(row T) bool
	// Warn records the warning on the row and sends the notice. It must be idempotent.
	Warn func(ctx context.Context, row T) error
}

// SweepReport summarizes one finalize sweep.
type SweepReport struct {
	Job       string       `json:"job"`
	DryRun    bool         `json:"dry_run"`
	RanAt     time.Time    `json:"ran_at"`
	Eligible  int          `json:"eligible"`
	Finalized int          `json:"finalized"`
	Warned    int          `json:"warned"`
	Failed    int          `json:"failed"`
	Keys      []string     `json:"keys"`
	Failures  []RowFailure `json:"-"`
}

// Err returns a *BatchError when any row failed.
func (r *SweepReport) Err() error {
	if r == nil || len(r.Failures) == 0 {
		return nil
	}
	return &BatchError{Op: r.Job, Failures: r.Failures}
}

// GracePeriodManager runs finalize sweeps for grace policies.
type GracePeriodManager struct {
	logger  Logger
	metrics Metrics
}

// NewGracePeriodManager creates a manager. Nil logger or metrics fall back to no-ops.
func NewGracePeriodManager(logger Logger, metrics Metrics) *GracePeriodManager {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &GracePeriodManager{logger: logger, metrics: metrics}
}

// RunSweep selects every eligible row of policy and finalizes each independently.
// A failing row is recorded in the report and the sweep continues. In dry-run mode the
// eligible set is reported and Finalize is never called. When the policy warns, rows inside the
// warning window get one ending-soon notice per mark.
func RunSweep[T any](ctx context.Context, g *GracePeriodManager, policy GracePolicy[T],
	now time.Time, dryRun bool) (*SweepReport, error) {
	report := &SweepReport{Job: policy.Name, DryRun: dryRun, RanAt: now}

	warn := policy.WarnBefore > 0 && policy.Warn != nil
	cutoff := policy.Window.Cutoff(now)
	if warn {
		cutoff = policy.Window.WarnCutoff(now, policy.WarnBefore)
	}
	rows, err := policy.Candidates(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%s: select candidates: %w", policy.Name, err)
	}

	for _, row := range rows {
		key := policy.Key(row)
		if !policy.Window.Eligible(policy.MarkedAt(row), now) {
			if warn && policy.Window.WarningDue(policy.MarkedAt(row), now, policy.WarnBefore) &&
				(policy.Warned == nil || !policy.Warned(row)) {
				warnRow(ctx, g, policy, row, key, dryRun, report)
			}
			continue
		}
		report.Eligible++
		report.Keys = append(report.Keys, key)

		if dryRun {
			continue
		}
		if ctx.Err() != nil {
			report.Failures = append(report.Failures, RowFailure{Key: key, Err: ctx.Err()})
			continue
		}

		if err := runRow(policy.Finalize, ctx, row); err != nil {
			g.logger.Error("grace finalize failed",
				F("job", policy.Name), F("key", key), F("error", err))
			report.Failures = append(report.Failures, RowFailure{Key: key, Err: err})
			continue
		}
		report.Finalized++
	}
	report.Failed = len(report.Failures)

	g.metrics.RecordSweep(policy.Name, report.Eligible, report.Finalized, report.Failed, dryRun)
	g.logger.Info("grace sweep finished",
		F("job", policy.Name),
		F("dry_run", dryRun),
		F("eligible", report.Eligible),
		F("finalized", report.Finalized),
		F("warned", report.Warned),
		F("failed", report.Failed))

	return report, nil
}

func warnRow[T any](ctx context.Context, g *GracePeriodManager, policy GracePolicy[T], row T, key string,
	dryRun bool, report *SweepReport) {
	if dryRun {
		report.Warned++
		return
	}
	if err := runRow(policy.Warn, ctx, row); err != nil {
		g.logger.Error("grace warning failed",
			F("job", policy.Name), F("key", key), F("error", err))
		report.Failures = append(report.Failures, RowFailure{Key: key, Err: err})
		return
	}
	report.Warned++
}

func runRow[T any](fn func(context.Context, T) error, ctx context.Context, row T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during sweep row: %v", r)
		}
	}()
	return fn(ctx, row)
}
