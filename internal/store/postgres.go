package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/fundlab/fundreport-cli/internal/db"
	"github.com/fundlab/fundreport-cli/internal/model"
)

// PostgresStore implements ReportStore and TaskStore using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	upsertFundReportSQL = `INSERT INTO fund_report
		(fund_code, fund_name, fund_manager, report_type, report_period_start, report_period_end,
		 net_asset_value, total_net_assets, period_profit, parser_kind, taxonomy_version, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (fund_code, report_period_end, report_type) DO UPDATE SET
		  fund_name = EXCLUDED.fund_name, fund_manager = EXCLUDED.fund_manager,
		  report_period_start = EXCLUDED.report_period_start,
		  net_asset_value = EXCLUDED.net_asset_value, total_net_assets = EXCLUDED.total_net_assets,
		  period_profit = EXCLUDED.period_profit, parser_kind = EXCLUDED.parser_kind,
		  taxonomy_version = EXCLUDED.taxonomy_version, confidence = EXCLUDED.confidence,
		  reparsed_at = now()
		RETURNING id`

	insertTaskSQL = `INSERT INTO download_task
		(id, status, save_dir, requested_refs, per_item, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	updateTaskStatusSQL = `UPDATE download_task SET status = $1, updated_at = $2 WHERE id = $3`
	updateTaskItemsSQL  = `UPDATE download_task SET per_item = $1, progress = $2, updated_at = $3 WHERE id = $4`
	lockTaskItemsSQL    = `SELECT requested_refs, per_item FROM download_task WHERE id = $1 FOR UPDATE`
	selectTaskSQL       = `SELECT id, status, save_dir, requested_refs, per_item, progress, created_at, updated_at
		FROM download_task WHERE id = $1`
)

// preparedStatements lists queries to prepare on each new connection:
// the task operations run once per item per batch and dominate
// statement volume during an ingest.
var preparedStatements = map[string]string{
	"insert_task":        insertTaskSQL,
	"update_task_status": updateTaskStatusSQL,
	"update_task_items":  updateTaskItemsSQL,
	"lock_task_items":    lockTaskItemsSQL,
	"get_task":           selectTaskSQL,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests and by
// callers that manage pool lifecycle themselves.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS fund_report (
	id                  BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	fund_code           TEXT NOT NULL,
	fund_name           TEXT NOT NULL DEFAULT '',
	fund_manager        TEXT,
	report_type         TEXT NOT NULL,
	report_period_start DATE,
	report_period_end   DATE NOT NULL,
	net_asset_value     NUMERIC(20, 4),
	total_net_assets    NUMERIC(20, 2),
	period_profit       NUMERIC(20, 2),
	parser_kind         TEXT NOT NULL,
	taxonomy_version    TEXT,
	confidence          NUMERIC(8, 4) NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	reparsed_at         TIMESTAMPTZ,
	UNIQUE (fund_code, report_period_end, report_type)
);

CREATE TABLE IF NOT EXISTS asset_allocation (
	id              BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	fund_report_id  BIGINT NOT NULL REFERENCES fund_report(id) ON DELETE CASCADE,
	asset_type      TEXT NOT NULL,
	asset_subtype   TEXT,
	market_value    NUMERIC(20, 2),
	net_value_ratio NUMERIC(8, 4) CHECK (net_value_ratio >= 0 AND net_value_ratio <= 1)
);

CREATE TABLE IF NOT EXISTS top_holding (
	id              BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	fund_report_id  BIGINT NOT NULL REFERENCES fund_report(id) ON DELETE CASCADE,
	rank            INTEGER NOT NULL,
	security_code   TEXT NOT NULL DEFAULT '',
	security_name   TEXT NOT NULL DEFAULT '',
	shares          BIGINT,
	market_value    NUMERIC(20, 2),
	net_value_ratio NUMERIC(8, 4) CHECK (net_value_ratio >= 0 AND net_value_ratio <= 1)
);

CREATE TABLE IF NOT EXISTS industry_allocation (
	id              BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	fund_report_id  BIGINT NOT NULL REFERENCES fund_report(id) ON DELETE CASCADE,
	industry_name   TEXT NOT NULL,
	market_value    NUMERIC(20, 2),
	net_value_ratio NUMERIC(8, 4) CHECK (net_value_ratio >= 0 AND net_value_ratio <= 1)
);

CREATE INDEX IF NOT EXISTS idx_fund_report_code_period ON fund_report(fund_code, report_period_end);
CREATE INDEX IF NOT EXISTS idx_asset_allocation_report ON asset_allocation(fund_report_id);
CREATE INDEX IF NOT EXISTS idx_top_holding_report ON top_holding(fund_report_id);
CREATE INDEX IF NOT EXISTS idx_industry_allocation_report ON industry_allocation(fund_report_id);

CREATE TABLE IF NOT EXISTS download_task (
	id             TEXT PRIMARY KEY,
	status         TEXT NOT NULL DEFAULT 'PENDING',
	save_dir       TEXT NOT NULL DEFAULT '',
	requested_refs JSONB NOT NULL,
	per_item       JSONB NOT NULL,
	progress       JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_download_task_status ON download_task(status);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// SaveReport upserts the fund_report row by its natural key, then
// replaces the child rows, all in one transaction. A transport failure
// maps to a retryable DbError; a constraint violation is terminal.
func (s *PostgresStore) SaveReport(ctx context.Context, report *model.ParsedFundReport) (int64, error) {
	if report.FundCode == "" || report.ReportPeriodEnd.IsZero() || report.ReportType == "" {
		return 0, &model.ValidationError{Field: "report", Reason: "fund_code, report_period_end and report_type are required"}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, classifyDbError(eris.Wrap(err, "postgres: begin save"))
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, upsertFundReportSQL,
		report.FundCode,
		report.FundName,
		nullStr(report.FundManager),
		report.ReportType,
		report.ReportPeriodStart,
		report.ReportPeriodEnd,
		decString(report.NetAssetValue),
		decString(report.TotalNetAssets),
		decString(report.PeriodProfit),
		string(report.ParserKind),
		nullStr(report.TaxonomyVersion),
		report.Confidence.String(),
		time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return 0, classifyDbError(eris.Wrapf(err, "postgres: upsert fund_report %s", report.FundCode))
	}

	for _, table := range []string{"asset_allocation", "top_holding", "industry_allocation"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE fund_report_id = $1`, id); err != nil {
			return 0, classifyDbError(eris.Wrapf(err, "postgres: clear %s", table))
		}
	}

	if rows := assetRows(id, report.AssetAllocations); len(rows) > 0 {
		cols := []string{"fund_report_id", "asset_type", "asset_subtype", "market_value", "net_value_ratio"}
		if _, err := db.CopyFromTx(ctx, tx, "asset_allocation", cols, rows); err != nil {
			return 0, classifyDbError(err)
		}
	}
	if rows := holdingRows(id, report.TopHoldings); len(rows) > 0 {
		cols := []string{"fund_report_id", "rank", "security_code", "security_name", "shares", "market_value", "net_value_ratio"}
		if _, err := db.CopyFromTx(ctx, tx, "top_holding", cols, rows); err != nil {
			return 0, classifyDbError(err)
		}
	}
	if rows := industryRows(id, report.IndustryAllocations); len(rows) > 0 {
		cols := []string{"fund_report_id", "industry_name", "market_value", "net_value_ratio"}
		if _, err := db.CopyFromTx(ctx, tx, "industry_allocation", cols, rows); err != nil {
			return 0, classifyDbError(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, classifyDbError(eris.Wrap(err, "postgres: commit save"))
	}
	return id, nil
}

// GetReport reads a report back by its natural key, children included.
// Returns nil without error when no row matches.
func (s *PostgresStore) GetReport(ctx context.Context, fundCode string, periodEnd time.Time, reportType string) (*model.ParsedFundReport, error) {
	var (
		id          int64
		report      model.ParsedFundReport
		manager     *string
		taxVersion  *string
		periodStart *time.Time
		nav, tna    *string
		profit      *string
		confidence  string
		parserKind  string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, fund_code, fund_name, fund_manager, report_type, report_period_start, report_period_end,
		        net_asset_value::text, total_net_assets::text, period_profit::text,
		        parser_kind, taxonomy_version, confidence::text
		 FROM fund_report
		 WHERE fund_code = $1 AND report_period_end = $2 AND report_type = $3`,
		fundCode, periodEnd, reportType,
	).Scan(&id, &report.FundCode, &report.FundName, &manager, &report.ReportType,
		&periodStart, &report.ReportPeriodEnd, &nav, &tna, &profit,
		&parserKind, &taxVersion, &confidence)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classifyDbError(eris.Wrapf(err, "postgres: get report %s", fundCode))
	}

	report.FundManager = strDeref(manager)
	report.TaxonomyVersion = strDeref(taxVersion)
	report.ReportPeriodStart = periodStart
	report.ParserKind = model.ParserKind(parserKind)
	report.NetAssetValue = parseDec(nav)
	report.TotalNetAssets = parseDec(tna)
	report.PeriodProfit = parseDec(profit)
	if d, err := decimal.NewFromString(confidence); err == nil {
		report.Confidence = d
	}

	if err := s.loadChildren(ctx, id, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (s *PostgresStore) loadChildren(ctx context.Context, id int64, report *model.ParsedFundReport) error {
	rows, err := s.pool.Query(ctx,
		`SELECT asset_type, asset_subtype, market_value::text, net_value_ratio::text
		 FROM asset_allocation WHERE fund_report_id = $1 ORDER BY id`, id)
	if err != nil {
		return classifyDbError(eris.Wrap(err, "postgres: load asset allocations"))
	}
	defer rows.Close()
	for rows.Next() {
		var (
			aa        model.AssetAllocation
			subtype   *string
			mv, ratio *string
		)
		if err := rows.Scan(&aa.AssetType, &subtype, &mv, &ratio); err != nil {
			return classifyDbError(eris.Wrap(err, "postgres: scan asset allocation"))
		}
		aa.AssetSubtype = strDeref(subtype)
		aa.MarketValue = decOrZero(mv)
		aa.NetValueRatio = decOrZero(ratio)
		report.AssetAllocations = append(report.AssetAllocations, aa)
	}
	if err := rows.Err(); err != nil {
		return classifyDbError(eris.Wrap(err, "postgres: iterate asset allocations"))
	}

	hrows, err := s.pool.Query(ctx,
		`SELECT rank, security_code, security_name, shares, market_value::text, net_value_ratio::text
		 FROM top_holding WHERE fund_report_id = $1 ORDER BY rank`, id)
	if err != nil {
		return classifyDbError(eris.Wrap(err, "postgres: load holdings"))
	}
	defer hrows.Close()
	for hrows.Next() {
		var (
			h         model.Holding
			mv, ratio *string
		)
		if err := hrows.Scan(&h.Rank, &h.SecurityCode, &h.SecurityName, &h.Shares, &mv, &ratio); err != nil {
			return classifyDbError(eris.Wrap(err, "postgres: scan holding"))
		}
		h.MarketValue = decOrZero(mv)
		h.NetValueRatio = decOrZero(ratio)
		report.TopHoldings = append(report.TopHoldings, h)
	}
	if err := hrows.Err(); err != nil {
		return classifyDbError(eris.Wrap(err, "postgres: iterate holdings"))
	}

	irows, err := s.pool.Query(ctx,
		`SELECT industry_name, market_value::text, net_value_ratio::text
		 FROM industry_allocation WHERE fund_report_id = $1 ORDER BY id`, id)
	if err != nil {
		return classifyDbError(eris.Wrap(err, "postgres: load industry allocations"))
	}
	defer irows.Close()
	for irows.Next() {
		var (
			ia        model.IndustryAllocation
			mv, ratio *string
		)
		if err := irows.Scan(&ia.IndustryName, &mv, &ratio); err != nil {
			return classifyDbError(eris.Wrap(err, "postgres: scan industry allocation"))
		}
		ia.MarketValue = decOrZero(mv)
		ia.NetValueRatio = decOrZero(ratio)
		report.IndustryAllocations = append(report.IndustryAllocations, ia)
	}
	return classifyDbError(eris.Wrap(irows.Err(), "postgres: iterate industry allocations"))
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *model.DownloadTask) error {
	refsJSON, perItemJSON, progressJSON, err := marshalTask(task)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, insertTaskSQL,
		task.TaskID, string(task.Status), task.SaveDir,
		refsJSON, perItemJSON, progressJSON,
		task.CreatedAt, task.UpdatedAt,
	)
	return classifyDbError(eris.Wrapf(err, "postgres: insert task %s", task.TaskID))
}

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error {
	tag, err := s.pool.Exec(ctx, updateTaskStatusSQL, string(status), time.Now().UTC(), taskID)
	if err != nil {
		return classifyDbError(eris.Wrapf(err, "postgres: update task status %s", taskID))
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("task not found: %s", taskID)
	}
	return nil
}

// UpdateItem folds one item outcome into per_item and recomputes the
// progress snapshot. Concurrent chains report outcomes for the same task,
// so the read-modify-write runs inside a transaction with the task row
// locked FOR UPDATE.
func (s *PostgresStore) UpdateItem(ctx context.Context, taskID, uploadInfoID string, outcome model.ItemOutcome) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyDbError(eris.Wrapf(err, "postgres: begin update item %s", taskID))
	}
	defer tx.Rollback(ctx)

	var task model.DownloadTask
	var refsJSON, perItemJSON []byte
	err = tx.QueryRow(ctx, lockTaskItemsSQL, taskID).Scan(&refsJSON, &perItemJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Errorf("task not found: %s", taskID)
	}
	if err != nil {
		return classifyDbError(eris.Wrapf(err, "postgres: lock task %s", taskID))
	}
	if err := json.Unmarshal(refsJSON, &task.RequestedRefs); err != nil {
		return eris.Wrap(err, "postgres: unmarshal requested refs")
	}
	if err := json.Unmarshal(perItemJSON, &task.PerItem); err != nil {
		return eris.Wrap(err, "postgres: unmarshal per_item")
	}

	if task.PerItem == nil {
		task.PerItem = make(map[string]model.ItemOutcome)
	}
	task.PerItem[uploadInfoID] = outcome
	task.ComputeProgress()

	newPerItem, err := json.Marshal(task.PerItem)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal per_item")
	}
	newProgress, err := json.Marshal(task.Progress)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal progress")
	}

	if _, err := tx.Exec(ctx, updateTaskItemsSQL, newPerItem, newProgress, time.Now().UTC(), taskID); err != nil {
		return classifyDbError(eris.Wrapf(err, "postgres: update task items %s", taskID))
	}
	return classifyDbError(eris.Wrapf(tx.Commit(ctx), "postgres: commit update item %s", taskID))
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*model.DownloadTask, error) {
	var (
		task         model.DownloadTask
		status       string
		refsJSON     []byte
		perItemJSON  []byte
		progressJSON []byte
	)
	err := s.pool.QueryRow(ctx, selectTaskSQL, taskID).Scan(
		&task.TaskID, &status, &task.SaveDir,
		&refsJSON, &perItemJSON, &progressJSON,
		&task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classifyDbError(eris.Wrapf(err, "postgres: get task %s", taskID))
	}
	task.Status = model.TaskStatus(status)
	if err := json.Unmarshal(refsJSON, &task.RequestedRefs); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal requested refs")
	}
	if err := json.Unmarshal(perItemJSON, &task.PerItem); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal per_item")
	}
	if err := json.Unmarshal(progressJSON, &task.Progress); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal progress")
	}
	return &task, nil
}

func marshalTask(task *model.DownloadTask) (refs, perItem, progress []byte, err error) {
	refs, err = json.Marshal(task.RequestedRefs)
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "store: marshal requested refs")
	}
	perItem, err = json.Marshal(task.PerItem)
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "store: marshal per_item")
	}
	progress, err = json.Marshal(task.Progress)
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "store: marshal progress")
	}
	return refs, perItem, progress, nil
}

// classifyDbError wraps persistence failures: integrity and data errors
// (SQLSTATE classes 22/23) are constraint violations and terminal,
// everything else is transport and retryable.
func classifyDbError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		class := ""
		if len(pgErr.Code) >= 2 {
			class = pgErr.Code[:2]
		}
		if class == "22" || class == "23" {
			return &model.DbError{Constraint: true, Err: err}
		}
	}
	return &model.DbError{Err: err}
}

func assetRows(id int64, allocations []model.AssetAllocation) [][]any {
	rows := make([][]any, 0, len(allocations))
	for _, a := range allocations {
		rows = append(rows, []any{id, a.AssetType, nullStr(a.AssetSubtype), a.MarketValue.String(), a.NetValueRatio.String()})
	}
	return rows
}

func holdingRows(id int64, holdings []model.Holding) [][]any {
	rows := make([][]any, 0, len(holdings))
	for _, h := range holdings {
		rows = append(rows, []any{id, h.Rank, h.SecurityCode, h.SecurityName, h.Shares, h.MarketValue.String(), h.NetValueRatio.String()})
	}
	return rows
}

func industryRows(id int64, allocations []model.IndustryAllocation) [][]any {
	rows := make([][]any, 0, len(allocations))
	for _, a := range allocations {
		rows = append(rows, []any{id, a.IndustryName, a.MarketValue.String(), a.NetValueRatio.String()})
	}
	return rows
}

func decString(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func strDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func parseDec(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(*s))
	if err != nil {
		return nil
	}
	return &d
}

func decOrZero(s *string) decimal.Decimal {
	if d := parseDec(s); d != nil {
		return *d
	}
	return decimal.Zero
}
