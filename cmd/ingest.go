package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/fundlab/fundreport-cli/internal/model"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Download, parse and persist a batch of fund reports",
	Long:  "Searches the portal with the given filters, enqueues a download task for every match, and runs the batch to completion: each report is downloaded, parsed and written to the database.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		criteria, err := criteriaFromFlags(cmd)
		if err != nil {
			return err
		}

		deps, err := initServices(ctx)
		if err != nil {
			return err
		}
		defer deps.close()

		all, _ := cmd.Flags().GetBool("all")
		var refs []model.ReportRef
		if all {
			refs, err = deps.svc.SearchAll(ctx, criteria)
		} else {
			refs, _, err = deps.svc.Search(ctx, criteria)
		}
		if err != nil {
			return eris.Wrap(err, "ingest: search")
		}
		if len(refs) == 0 {
			fmt.Fprintln(os.Stderr, "No reports matched; nothing to ingest.")
			return nil
		}

		saveDir, _ := cmd.Flags().GetString("save-dir")
		if saveDir == "" {
			saveDir = cfg.Fetch.SaveDir
		}

		fmt.Fprintf(os.Stderr, "Ingesting %d reports into %s\n", len(refs), saveDir)
		taskID, err := deps.svc.RunBatch(ctx, refs, saveDir)
		if err != nil {
			return eris.Wrap(err, "ingest: run batch")
		}

		task, err := deps.svc.TaskStatus(ctx, taskID)
		if err != nil {
			return err
		}
		formatTask(os.Stdout, task)
		if task.Status == model.TaskFailed {
			return eris.Errorf("batch %s failed", taskID)
		}
		return nil
	},
}

func init() {
	addCriteriaFlags(ingestCmd)
	ingestCmd.Flags().Bool("all", true, "ingest every result page, not just the first")
	ingestCmd.Flags().String("save-dir", "", "artifact directory (default from config)")
	rootCmd.AddCommand(ingestCmd)
}
