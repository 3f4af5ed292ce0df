// Package store persists parsed fund reports and batch download tasks.
// Reports live in postgres; tasks can live in postgres or a local sqlite
// file depending on deployment.
package store

import (
	"context"
	"time"

	"github.com/fundlab/fundreport-cli/internal/model"
)

// ReportStore persists ParsedFundReports with idempotent upserts on the
// (fund_code, report_period_end, report_type) natural key.
type ReportStore interface {
	// SaveReport writes the report and its child rows in one transaction
	// and returns the fund_report id. Saving the same natural key again
	// replaces the children and stamps reparsed_at.
	SaveReport(ctx context.Context, report *model.ParsedFundReport) (int64, error)
	GetReport(ctx context.Context, fundCode string, periodEnd time.Time, reportType string) (*model.ParsedFundReport, error)
	Migrate(ctx context.Context) error
	Close() error
}

// TaskStore is the durable record of batch download tasks. It has a
// single writer (the orchestrator); reads may come from anywhere.
type TaskStore interface {
	CreateTask(ctx context.Context, task *model.DownloadTask) error
	UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error
	// UpdateItem replaces one item outcome and recomputes the progress
	// counters from the full per-item map.
	UpdateItem(ctx context.Context, taskID, uploadInfoID string, outcome model.ItemOutcome) error
	GetTask(ctx context.Context, taskID string) (*model.DownloadTask, error)
	Close() error
}
