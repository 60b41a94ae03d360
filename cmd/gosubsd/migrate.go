package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/gosubs/pkg/config"
	"github.com/mihaimyh/gosubs/storage/postgres"
)

func migrateCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}

	dsn := func() (string, error) {
		cfg, err := loadConfig(flags)
		if err != nil {
			return "", err
		}
		return postgresDSN(cfg)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dsn()
			if err != nil {
				return err
			}
			if err := postgres.Migrate(conn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dsn()
			if err != nil {
				return err
			}
			if err := postgres.MigrateDown(conn, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dsn()
			if err != nil {
				return err
			}
			status, err := postgres.MigrationVersion(conn)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", status.Version, status.Dirty)
			return nil
		},
	})
	return cmd
}

func postgresDSN(cfg *config.Config) (string, error) {
	if cfg.Storage.PostgresDSN == "" {
		return "", fmt.Errorf("storage.postgres_dsn is required for migrations")
	}
	return cfg.Storage.PostgresDSN, nil
}
