package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundlab/fundreport-cli/internal/model"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresWithPool(mock), mock
}

func sampleReport() *model.ParsedFundReport {
	nav := decimal.RequireFromString("1.2345")
	tna := decimal.RequireFromString("1234567800")
	shares := int64(1000000)
	return &model.ParsedFundReport{
		FundCode:        "000001",
		FundName:        "华夏成长混合",
		ReportType:      string(model.ReportAnnual),
		ReportPeriodEnd: time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
		NetAssetValue:   &nav,
		TotalNetAssets:  &tna,
		AssetAllocations: []model.AssetAllocation{
			{AssetType: "股票", MarketValue: decimal.RequireFromString("700000000"), NetValueRatio: decimal.RequireFromString("0.6")},
		},
		TopHoldings: []model.Holding{
			{Rank: 1, SecurityCode: "600519", SecurityName: "贵州茅台", Shares: &shares,
				MarketValue: decimal.RequireFromString("90000000"), NetValueRatio: decimal.RequireFromString("0.078")},
		},
		IndustryAllocations: []model.IndustryAllocation{
			{IndustryName: "制造业", MarketValue: decimal.RequireFromString("500000000"), NetValueRatio: decimal.RequireFromString("0.42")},
		},
		ParserKind:      model.ParserXBRL,
		TaxonomyVersion: "csrc_v2.1",
		Confidence:      decimal.RequireFromString("0.95"),
	}
}

// expectUpsert registers the fund_report upsert expectation with the
// argument list SaveReport builds from sampleReport().
func expectUpsert(mock pgxmock.PgxPoolIface) *pgxmock.ExpectedQuery {
	return mock.ExpectQuery(`INSERT INTO fund_report`).WithArgs(
		"000001", "华夏成长混合", nil, "ANNUAL",
		(*time.Time)(nil), time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
		"1.2345", "1234567800", nil, "XBRL", "csrc_v2.1", "0.95",
		pgxmock.AnyArg(),
	)
}

func TestSaveReport_TransactionFlow(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	expectUpsert(mock).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectExec(`DELETE FROM asset_allocation`).WithArgs(int64(42)).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM top_holding`).WithArgs(int64(42)).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM industry_allocation`).WithArgs(int64(42)).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"asset_allocation"},
		[]string{"fund_report_id", "asset_type", "asset_subtype", "market_value", "net_value_ratio"}).WillReturnResult(1)
	mock.ExpectCopyFrom(pgx.Identifier{"top_holding"},
		[]string{"fund_report_id", "rank", "security_code", "security_name", "shares", "market_value", "net_value_ratio"}).WillReturnResult(1)
	mock.ExpectCopyFrom(pgx.Identifier{"industry_allocation"},
		[]string{"fund_report_id", "industry_name", "market_value", "net_value_ratio"}).WillReturnResult(1)
	mock.ExpectCommit()

	id, err := store.SaveReport(context.Background(), sampleReport())
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveReport_NoChildrenSkipsCopy(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	report := sampleReport()
	report.AssetAllocations = nil
	report.TopHoldings = nil
	report.IndustryAllocations = nil

	mock.ExpectBegin()
	expectUpsert(mock).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec(`DELETE FROM asset_allocation`).WithArgs(int64(7)).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`DELETE FROM top_holding`).WithArgs(int64(7)).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`DELETE FROM industry_allocation`).WithArgs(int64(7)).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCommit()

	id, err := store.SaveReport(context.Background(), report)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveReport_MissingNaturalKey(t *testing.T) {
	store, _ := newMockPostgresStore(t)

	report := sampleReport()
	report.FundCode = ""

	_, err := store.SaveReport(context.Background(), report)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestSaveReport_ConstraintViolationIsTerminal(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	expectUpsert(mock).
		WillReturnError(&pgconn.PgError{Code: "23514", Message: "check constraint violated"})
	mock.ExpectRollback()

	_, err := store.SaveReport(context.Background(), sampleReport())
	var dbErr *model.DbError
	require.ErrorAs(t, err, &dbErr)
	assert.True(t, dbErr.Constraint)
	assert.False(t, model.IsRetryableDb(err))
}

func TestSaveReport_TransportErrorIsRetryable(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	expectUpsert(mock).
		WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	_, err := store.SaveReport(context.Background(), sampleReport())
	var dbErr *model.DbError
	require.ErrorAs(t, err, &dbErr)
	assert.False(t, dbErr.Constraint)
	assert.True(t, model.IsRetryableDb(err))
}

func TestGetReport_NotFound(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	periodEnd := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT id, fund_code`).
		WithArgs("000001", periodEnd, "ANNUAL").
		WillReturnError(pgx.ErrNoRows)

	report, err := store.GetReport(context.Background(), "000001", periodEnd, string(model.ReportAnnual))
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestGetReport_ReassemblesChildren(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	periodEnd := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	manager := "华夏基金"
	taxVersion := "csrc_v2.1"
	nav := "1.2345"

	mock.ExpectQuery(`SELECT id, fund_code`).
		WithArgs("000001", periodEnd, "ANNUAL").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "fund_code", "fund_name", "fund_manager", "report_type",
			"report_period_start", "report_period_end", "net_asset_value",
			"total_net_assets", "period_profit", "parser_kind", "taxonomy_version", "confidence",
		}).AddRow(int64(42), "000001", "华夏成长混合", &manager, string(model.ReportAnnual),
			(*time.Time)(nil), periodEnd, &nav, (*string)(nil), (*string)(nil),
			"XBRL", &taxVersion, "0.95"))
	mock.ExpectQuery(`FROM asset_allocation`).
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{"asset_type", "asset_subtype", "market_value", "net_value_ratio"}).
			AddRow("股票", (*string)(nil), strPtr("700000000.00"), strPtr("0.6000")))
	mock.ExpectQuery(`FROM top_holding`).
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{"rank", "security_code", "security_name", "shares", "market_value", "net_value_ratio"}).
			AddRow(1, "600519", "贵州茅台", int64Ptr(1000000), strPtr("90000000.00"), strPtr("0.0780")))
	mock.ExpectQuery(`FROM industry_allocation`).
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{"industry_name", "market_value", "net_value_ratio"}).
			AddRow("制造业", strPtr("500000000.00"), strPtr("0.4200")))

	report, err := store.GetReport(context.Background(), "000001", periodEnd, string(model.ReportAnnual))
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, "华夏成长混合", report.FundName)
	assert.Equal(t, "华夏基金", report.FundManager)
	assert.Equal(t, model.ParserXBRL, report.ParserKind)
	require.NotNil(t, report.NetAssetValue)
	assert.True(t, report.NetAssetValue.Equal(decimal.RequireFromString("1.2345")))
	assert.Nil(t, report.TotalNetAssets)

	require.Len(t, report.AssetAllocations, 1)
	assert.True(t, report.AssetAllocations[0].NetValueRatio.Equal(decimal.RequireFromString("0.6")))
	require.Len(t, report.TopHoldings, 1)
	assert.Equal(t, 1, report.TopHoldings[0].Rank)
	require.NotNil(t, report.TopHoldings[0].Shares)
	assert.Equal(t, int64(1000000), *report.TopHoldings[0].Shares)
	require.Len(t, report.IndustryAllocations, 1)
	assert.Equal(t, "制造业", report.IndustryAllocations[0].IndustryName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTaskRoundTrip(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	task := &model.DownloadTask{
		TaskID:    "task-1",
		Status:    model.TaskPending,
		SaveDir:   "/tmp/reports",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
		RequestedRefs: []model.ReportRef{
			{UploadInfoID: "u1", FundCode: "000001"},
			{UploadInfoID: "u2", FundCode: "000002"},
		},
		PerItem: map[string]model.ItemOutcome{
			"u1": {Status: model.ItemPending},
			"u2": {Status: model.ItemPending},
		},
	}
	task.ComputeProgress()

	refsJSON, _ := json.Marshal(task.RequestedRefs)
	perItemJSON, _ := json.Marshal(task.PerItem)
	progressJSON, _ := json.Marshal(task.Progress)

	mock.ExpectExec(`INSERT INTO download_task`).
		WithArgs("task-1", "PENDING", "/tmp/reports", refsJSON, perItemJSON, progressJSON,
			task.CreatedAt, task.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.CreateTask(context.Background(), task))

	mock.ExpectQuery(`FROM download_task`).
		WithArgs("task-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "status", "save_dir", "requested_refs", "per_item", "progress", "created_at", "updated_at",
		}).AddRow("task-1", "PENDING", "/tmp/reports", refsJSON, perItemJSON, progressJSON,
			task.CreatedAt, task.UpdatedAt))

	got, err := store.GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.TaskPending, got.Status)
	assert.Len(t, got.RequestedRefs, 2)
	assert.Equal(t, 2, got.Progress.Total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateItemRecomputesProgress(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	refs := []model.ReportRef{{UploadInfoID: "u1"}, {UploadInfoID: "u2"}}
	perItem := map[string]model.ItemOutcome{
		"u1": {Status: model.ItemPersisted, FundReportID: 42},
		"u2": {Status: model.ItemPending},
	}
	refsJSON, _ := json.Marshal(refs)
	perItemJSON, _ := json.Marshal(perItem)

	outcome := model.ItemOutcome{
		Status: model.ItemFailed,
		Error:  &model.ItemError{Kind: "PARSE", Message: "no facts"},
	}
	want := &model.DownloadTask{
		RequestedRefs: refs,
		PerItem: map[string]model.ItemOutcome{
			"u1": {Status: model.ItemPersisted, FundReportID: 42},
			"u2": outcome,
		},
	}
	want.ComputeProgress()
	wantPerItem, _ := json.Marshal(want.PerItem)
	wantProgress, _ := json.Marshal(want.Progress)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT requested_refs, per_item FROM download_task`).
		WithArgs("task-1").
		WillReturnRows(pgxmock.NewRows([]string{"requested_refs", "per_item"}).
			AddRow(refsJSON, perItemJSON))
	mock.ExpectExec(`UPDATE download_task SET per_item`).
		WithArgs(wantPerItem, wantProgress, pgxmock.AnyArg(), "task-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, store.UpdateItem(context.Background(), "task-1", "u2", outcome))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateItemMissingTask(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT requested_refs, per_item FROM download_task`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := store.UpdateItem(context.Background(), "missing", "u1", model.ItemOutcome{Status: model.ItemFailed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateTaskStatusNotFound(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE download_task SET status`).
		WithArgs("CANCELLED", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateTaskStatus(context.Background(), "missing", model.TaskCancelled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task not found")
}

func strPtr(s string) *string { return &s }

func int64Ptr(n int64) *int64 { return &n }
