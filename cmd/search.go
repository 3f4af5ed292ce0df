package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/fundlab/fundreport-cli/internal/model"
	"github.com/fundlab/fundreport-cli/internal/service"
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search the disclosure portal for fund reports",
	Long:  "Queries the portal list endpoint with the given filters and prints the matching report references.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("search"); err != nil {
			return err
		}
		criteria, err := criteriaFromFlags(cmd)
		if err != nil {
			return err
		}

		svc := service.New(newPortalClient(), nil, nil, nil, nil)

		all, _ := cmd.Flags().GetBool("all")
		asJSON, _ := cmd.Flags().GetBool("json")

		var (
			refs    []model.ReportRef
			hasNext bool
		)
		if all {
			refs, err = svc.SearchAll(ctx, criteria)
		} else {
			refs, hasNext, err = svc.Search(ctx, criteria)
		}
		if err != nil {
			return eris.Wrap(err, "search")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(refs)
		}

		if len(refs) == 0 {
			fmt.Fprintln(os.Stderr, "No reports found.")
			return nil
		}
		formatRefs(os.Stdout, refs)
		if hasNext {
			fmt.Fprintf(os.Stderr, "More results available; rerun with --page %d or --all.\n", criteria.Page+1)
		}
		return nil
	},
}

func init() {
	addCriteriaFlags(searchCmd)
	searchCmd.Flags().Bool("all", false, "walk every result page")
	searchCmd.Flags().Bool("json", false, "print results as JSON")
	rootCmd.AddCommand(searchCmd)
}
