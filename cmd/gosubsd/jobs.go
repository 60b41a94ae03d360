package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

func reconcileCmd(flags *globalFlags) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Converge local subscriptions with provider state",
		Long: `Fetch the authoritative state of every subscription that carries a provider
reference and correct drift, cancel duplicate live subscriptions of one customer, and lapse
cancelled subscriptions whose period has ended.

With --dry-run the drift is reported without writes or provider mutations.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.engine.Reconcile(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Failed > 0 {
				return &gosubs.BatchError{Op: "reconcile", Failures: report.Failures}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report drift without making changes")
	return cmd
}

func sweepCmd(flags *globalFlags) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "sweep grace|deletion",
		Short: "Finalize expired payment grace periods or purge accounts past the recovery window",
		Example: `  gosubsd sweep grace
  gosubsd sweep deletion --dry-run`,
		ValidArgs: []string{"grace", "deletion"},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			run := a.engine.SweepPaymentGrace
			if args[0] == "deletion" {
				run = a.engine.SweepDeletions
			}
			report, err := run(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			return report.Err()
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list eligible rows without finalizing them")
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
