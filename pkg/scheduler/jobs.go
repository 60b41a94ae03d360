package scheduler

import (
	"context"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Job names
const (
	JobReconcile     = "reconcile"
	JobGraceSweep    = "grace_sweep"
	JobDeletionSweep = "deletion_sweep"
	JobReceiptRetry  = "receipt_retry"
)

// Engine is the part of *gosubs.Engine the scheduled jobs drive.
type Engine interface {
	Reconcile(ctx context.Context, dryRun bool) (*gosubs.ReconcileReport, error)
	SweepPaymentGrace(ctx context.Context, dryRun bool) (*gosubs.SweepReport, error)
	SweepDeletions(ctx context.Context, dryRun bool) (*gosubs.SweepReport, error)
	RunReceiptRetries(ctx context.Context, limit int) (int, error)
}

// Specs are the cron specs of the engine jobs. Empty disables a job.
type Specs struct {
	Reconcile     string
	GraceSweep    string
	DeletionSweep string
	ReceiptRetry  string

	// ReceiptBatch caps scheduled receipt validations drained per run (default: 100)
	ReceiptBatch int
}

// AddEngineJobs registers reconciliation, both grace sweeps and the receipt retry drain.
func (s *Scheduler) AddEngineJobs(e Engine, specs Specs) error {
	if specs.ReceiptBatch <= 0 {
		specs.ReceiptBatch = 100
	}

	if err := s.Add(JobReconcile, specs.Reconcile, func(ctx context.Context) error {
		report, err := e.Reconcile(ctx, false)
		if err != nil {
			return err
		}
		s.logger.Info("reconciliation pass",
			gosubs.F("checked", report.Checked), gosubs.F("drifted", report.Drifted),
			gosubs.F("corrected", report.Corrected), gosubs.F("duplicates", report.Duplicates),
			gosubs.F("lapsed", report.Lapsed), gosubs.F("failed", report.Failed))
		return nil
	}); err != nil {
		return err
	}

	if err := s.Add(JobGraceSweep, specs.GraceSweep, s.sweep(e.SweepPaymentGrace)); err != nil {
		return err
	}
	if err := s.Add(JobDeletionSweep, specs.DeletionSweep, s.sweep(e.SweepDeletions)); err != nil {
		return err
	}

	return s.Add(JobReceiptRetry, specs.ReceiptRetry, func(ctx context.Context) error {
		n, err := e.RunReceiptRetries(ctx, specs.ReceiptBatch)
		if n > 0 {
			s.logger.Info("receipt retries drained", gosubs.F("jobs", n))
		}
		return err
	})
}

func (s *Scheduler) sweep(run func(ctx context.Context, dryRun bool) (*gosubs.SweepReport, error)) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		report, err := run(ctx, false)
		if err != nil {
			return err
		}
		s.logger.Info("sweep finished",
			gosubs.F("sweep", report.Job), gosubs.F("eligible", report.Eligible),
			gosubs.F("finalized", report.Finalized), gosubs.F("failed", report.Failed))
		return report.Err()
	}
}
