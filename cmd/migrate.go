package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fundlab/fundreport-cli/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		reports, err := newReportStore(ctx)
		if err != nil {
			return err
		}
		defer reports.Close() //nolint:errcheck
		if err := reports.Migrate(ctx); err != nil {
			return err
		}
		fmt.Println("Postgres schema up to date.")

		if cfg.Store.TaskDriver == "sqlite" {
			tasks, err := store.NewSQLite(cfg.Store.TaskDBPath)
			if err != nil {
				return err
			}
			defer tasks.Close() //nolint:errcheck
			if err := tasks.Migrate(ctx); err != nil {
				return err
			}
			fmt.Println("SQLite task schema up to date.")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
