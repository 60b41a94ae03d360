// Command gosubsd runs the subscription engine: the webhook and collaborator HTTP service,
// scheduled sweeps and reconciliation, and schema migrations.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configFile string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "gosubsd",
		Short:         "Subscription payment reconciliation and lifecycle engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", []string{".env"}, "dotenv files loaded before the config")

	root.AddCommand(serveCmd(flags))
	root.AddCommand(reconcileCmd(flags))
	root.AddCommand(sweepCmd(flags))
	root.AddCommand(migrateCmd(flags))
	root.AddCommand(configCmd(flags))
	return root
}
