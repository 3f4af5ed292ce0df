package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fundlab/fundreport-cli/internal/taxonomy"
)

var taxonomyCmd = &cobra.Command{
	Use:   "taxonomy",
	Short: "Inspect taxonomy versions",
}

var taxonomySearchCmd = &cobra.Command{
	Use:   "search <label substring>",
	Short: "Find taxonomy concepts by Chinese label",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("parse"); err != nil {
			return err
		}

		version, _ := cmd.Flags().GetString("version")
		manager := taxonomy.NewManager(cfg.Taxonomy.SchemaDir, cfg.Taxonomy.DefaultVersion)
		if version == "" {
			version = manager.DefaultVersion()
		}

		tax, err := manager.Load(version)
		if err != nil {
			return err
		}

		matches := tax.SearchByLabel(args[0])
		if len(matches) == 0 {
			fmt.Fprintf(os.Stderr, "No concepts in %s match %q.\n", version, args[0])
			return nil
		}
		sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tNAME\tTYPE\tLABEL")
		for _, m := range matches {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.Name, m.DataType, m.LabelZH)
		}
		return w.Flush()
	},
}

func init() {
	taxonomySearchCmd.Flags().String("version", "", "taxonomy version (default from config)")
	taxonomyCmd.AddCommand(taxonomySearchCmd)
	rootCmd.AddCommand(taxonomyCmd)
}
