package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"splitledger/internal/storage"
)

var rollbackSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the SQLite schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := storage.RunMigrations(cfg.SQLiteDBPath); err != nil {
			return err
		}
		return printVersion(cmd)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert applied migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := storage.RollbackMigrations(cfg.SQLiteDBPath, rollbackSteps); err != nil {
			return err
		}
		return printVersion(cmd)
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printVersion(cmd)
	},
}

func printVersion(cmd *cobra.Command) error {
	version, dirty, err := storage.MigrationVersion(cfg.SQLiteDBPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: version %d (dirty: %t)\n", cfg.SQLiteDBPath, version, dirty)
	return nil
}

func init() {
	migrateDownCmd.Flags().IntVar(&rollbackSteps, "steps", 1, "Number of migrations to revert.")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	rootCmd.AddCommand(migrateCmd)
}
