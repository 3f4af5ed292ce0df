package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/fundlab/fundreport-cli/internal/model"
)

var parseCmd = &cobra.Command{
	Use:   "parse <file>",
	Short: "Parse a downloaded report artifact",
	Long:  "Runs the full extraction cascade (XBRL, iXBRL, HTML, optional LLM) on an artifact already on disk and writes the ParseResult as JSON to stdout. Useful for reparse workflows and parser debugging.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("parse"); err != nil {
			return err
		}

		var ref *model.ReportRef
		fundCode, _ := cmd.Flags().GetString("fund-code")
		desc, _ := cmd.Flags().GetString("report-desc")
		if fundCode != "" || desc != "" {
			ref = &model.ReportRef{FundCode: fundCode, ReportDesc: desc}
		}

		result, err := newParserEngine().ParseFile(ctx, args[0], ref)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
		if !result.Success {
			os.Exit(2)
		}
		return nil
	},
}

func init() {
	parseCmd.Flags().String("fund-code", "", "fund code hint when the artifact omits it")
	parseCmd.Flags().String("report-desc", "", "report title hint for period inference")
	rootCmd.AddCommand(parseCmd)
}
