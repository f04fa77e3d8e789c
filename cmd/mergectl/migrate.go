package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"fieldforce/internal/config"
	"fieldforce/internal/infrastructure/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the database schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(func(m *postgres.Migrator) error {
					if err := m.Up(); err != nil {
						return err
					}
					return printVersion(cmd, m)
				})
			},
		},
		newMigrateDownCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(func(m *postgres.Migrator) error {
					return printVersion(cmd, m)
				})
			},
		},
	)
	return cmd
}

func newMigrateDownCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(func(m *postgres.Migrator) error {
				if err := m.Down(steps); err != nil {
					return err
				}
				return printVersion(cmd, m)
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back (0 rolls back all)")
	return cmd
}

func withMigrator(fn func(m *postgres.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	m, err := postgres.NewMigrator(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	return fn(m)
}

func printVersion(cmd *cobra.Command, m *postgres.Migrator) error {
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
	return nil
}
