package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fundlab/fundreport-cli/internal/model"
	"github.com/fundlab/fundreport-cli/internal/portal"
)

// reportTypeAliases maps CLI spellings onto portal report types.
var reportTypeAliases = map[string]model.ReportType{
	"annual":      model.ReportAnnual,
	"semi":        model.ReportSemiAnnual,
	"semi_annual": model.ReportSemiAnnual,
	"semiannual":  model.ReportSemiAnnual,
	"q1":          model.ReportQ1,
	"q2":          model.ReportQ2,
	"q3":          model.ReportQ3,
	"q4":          model.ReportQ4,
	"profile":     model.ReportProfile,
}

func parseReportType(s string) (model.ReportType, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if rt, ok := reportTypeAliases[key]; ok {
		return rt, nil
	}
	rt := model.ReportType(strings.ToUpper(key))
	if rt.Valid() {
		return rt, nil
	}
	return "", fmt.Errorf("unknown report type %q (annual, semi, q1-q4, profile)", s)
}

func parseFundType(s string) (model.FundType, error) {
	if s == "" {
		return "", nil
	}
	ft := model.FundType(strings.ToUpper(strings.TrimSpace(s)))
	if ft.Valid() {
		return ft, nil
	}
	return "", fmt.Errorf("unknown fund type %q (stock, mixed, bond, money, qdii, fof, infrastructure, commodity)", s)
}

func parseDateFlag(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return &t, nil
}

// addCriteriaFlags registers the shared portal search flags.
func addCriteriaFlags(cmd *cobra.Command) {
	cmd.Flags().Int("year", 0, "report year (required except for profiles)")
	cmd.Flags().String("type", "annual", "report type: annual, semi, q1-q4, profile")
	cmd.Flags().String("fund-type", "", "fund type filter: stock, mixed, bond, money, qdii, fof, infrastructure, commodity")
	cmd.Flags().String("company", "", "fund company short name filter")
	cmd.Flags().String("fund-code", "", "six-digit fund code filter")
	cmd.Flags().String("fund-name", "", "fund short name filter")
	cmd.Flags().String("start-date", "", "earliest upload date (YYYY-MM-DD)")
	cmd.Flags().String("end-date", "", "latest upload date (YYYY-MM-DD)")
	cmd.Flags().Int("page", 1, "result page, 1-based")
	cmd.Flags().Int("page-size", 0, "rows per page (default from config)")
}

// criteriaFromFlags assembles SearchCriteria from the shared flags.
func criteriaFromFlags(cmd *cobra.Command) (*portal.SearchCriteria, error) {
	typeFlag, _ := cmd.Flags().GetString("type")
	rt, err := parseReportType(typeFlag)
	if err != nil {
		return nil, err
	}
	fundTypeFlag, _ := cmd.Flags().GetString("fund-type")
	ft, err := parseFundType(fundTypeFlag)
	if err != nil {
		return nil, err
	}
	startFlag, _ := cmd.Flags().GetString("start-date")
	start, err := parseDateFlag(startFlag)
	if err != nil {
		return nil, err
	}
	endFlag, _ := cmd.Flags().GetString("end-date")
	end, err := parseDateFlag(endFlag)
	if err != nil {
		return nil, err
	}

	year, _ := cmd.Flags().GetInt("year")
	company, _ := cmd.Flags().GetString("company")
	fundCode, _ := cmd.Flags().GetString("fund-code")
	fundName, _ := cmd.Flags().GetString("fund-name")
	page, _ := cmd.Flags().GetInt("page")
	pageSize, _ := cmd.Flags().GetInt("page-size")
	if pageSize == 0 {
		pageSize = cfg.Portal.DefaultPageSize
	}

	return &portal.SearchCriteria{
		Year:                 year,
		ReportType:           rt,
		FundType:             ft,
		FundCompanyShortName: company,
		FundCode:             fundCode,
		FundShortName:        fundName,
		UploadDateStart:      start,
		UploadDateEnd:        end,
		Page:                 page,
		PageSize:             pageSize,
	}, nil
}

// formatRefs writes a tabular report list to w.
func formatRefs(out io.Writer, refs []model.ReportRef) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "UPLOAD_ID\tFUND_CODE\tFUND\tCOMPANY\tSENT\tREPORT")
	_, _ = fmt.Fprintln(w, "---------\t---------\t----\t-------\t----\t------")
	for _, r := range refs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.UploadInfoID,
			r.FundCode,
			truncate(r.FundShortName, 24),
			truncate(r.OrganizationName, 24),
			r.ReportSendDate,
			truncate(r.ReportDesc, 40),
		)
	}
	_ = w.Flush()
}

// formatTask writes a task progress snapshot to w.
func formatTask(out io.Writer, task *model.DownloadTask) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Task:\t%s\n", task.TaskID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", task.Status)
	_, _ = fmt.Fprintf(w, "Save dir:\t%s\n", task.SaveDir)
	_, _ = fmt.Fprintf(w, "Progress:\t%d/%d (%.1f%%)\n",
		task.Progress.Completed+task.Progress.Failed+task.Progress.Cancelled,
		task.Progress.Total, task.Progress.Percent)
	_, _ = fmt.Fprintf(w, "  Persisted:\t%d\n", task.Progress.Completed)
	_, _ = fmt.Fprintf(w, "  Failed:\t%d\n", task.Progress.Failed)
	_, _ = fmt.Fprintf(w, "  Cancelled:\t%d\n", task.Progress.Cancelled)
	_, _ = fmt.Fprintf(w, "Created:\t%s\n", task.CreatedAt.Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "Updated:\t%s\n", task.UpdatedAt.Format(time.RFC3339))
	_ = w.Flush()

	for id, outcome := range task.PerItem {
		if outcome.Status != model.ItemFailed || outcome.Error == nil {
			continue
		}
		fmt.Fprintf(out, "  %s: %s %s\n", id, outcome.Error.Kind, truncate(outcome.Error.Message, 100))
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
