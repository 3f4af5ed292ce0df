package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show the progress of a batch ingest task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		deps, err := initTaskServices(ctx)
		if err != nil {
			return err
		}
		defer deps.close()

		task, err := deps.svc.TaskStatus(ctx, args[0])
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(task)
		}
		formatTask(os.Stdout, task)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Request cancellation of a running batch ingest task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		deps, err := initTaskServices(ctx)
		if err != nil {
			return err
		}
		defer deps.close()

		if err := deps.svc.CancelTask(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Cancellation requested for task %s.\n", args[0])
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "print the task as JSON")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
}
