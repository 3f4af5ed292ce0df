package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/fundlab/fundreport-cli/internal/model"
)

// SQLiteTaskStore implements TaskStore using modernc.org/sqlite. It is
// the default task backend for single-host deployments where postgres
// only holds report data.
type SQLiteTaskStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// Transactions start with BEGIN IMMEDIATE so writers take the write lock up
// front instead of failing on a deferred lock upgrade.
func NewSQLite(dsn string) (*SQLiteTaskStore, error) {
	if !strings.Contains(dsn, "?") {
		if !strings.HasPrefix(dsn, "file:") {
			dsn = "file:" + dsn
		}
		dsn += "?_txlock=immediate"
	}
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteTaskStore{db: sdb}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS download_task (
	id             TEXT PRIMARY KEY,
	status         TEXT NOT NULL DEFAULT 'PENDING',
	save_dir       TEXT NOT NULL DEFAULT '',
	requested_refs TEXT NOT NULL,
	per_item       TEXT NOT NULL,
	progress       TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_download_task_status ON download_task(status);
`

func (s *SQLiteTaskStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteTaskStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteTaskStore) CreateTask(ctx context.Context, task *model.DownloadTask) error {
	refsJSON, perItemJSON, progressJSON, err := marshalTask(task)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO download_task (id, status, save_dir, requested_refs, per_item, progress, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID, string(task.Status), task.SaveDir,
		string(refsJSON), string(perItemJSON), string(progressJSON),
		task.CreatedAt.UTC(), task.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert task %s", task.TaskID)
}

func (s *SQLiteTaskStore) UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE download_task SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), taskID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update task status %s", taskID)
	}
	return checkRowsAffected(res, "task", taskID)
}

// UpdateItem folds one item outcome into per_item and recomputes the
// progress snapshot. Concurrent chains report outcomes for the same task,
// so the read-modify-write is serialized under the store mutex and runs
// inside a single immediate transaction.
func (s *SQLiteTaskStore) UpdateItem(ctx context.Context, taskID, uploadInfoID string, outcome model.ItemOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: begin update item %s", taskID)
	}
	defer tx.Rollback()

	var task model.DownloadTask
	var refsJSON, perItemJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT requested_refs, per_item FROM download_task WHERE id = ?`, taskID,
	).Scan(&refsJSON, &perItemJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Errorf("task not found: %s", taskID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read task %s", taskID)
	}
	if err := json.Unmarshal([]byte(refsJSON), &task.RequestedRefs); err != nil {
		return eris.Wrap(err, "sqlite: unmarshal requested refs")
	}
	if err := json.Unmarshal([]byte(perItemJSON), &task.PerItem); err != nil {
		return eris.Wrap(err, "sqlite: unmarshal per_item")
	}

	if task.PerItem == nil {
		task.PerItem = make(map[string]model.ItemOutcome)
	}
	task.PerItem[uploadInfoID] = outcome
	task.ComputeProgress()

	newPerItem, err := json.Marshal(task.PerItem)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal per_item")
	}
	newProgress, err := json.Marshal(task.Progress)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal progress")
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE download_task SET per_item = ?, progress = ?, updated_at = ? WHERE id = ?`,
		string(newPerItem), string(newProgress), time.Now().UTC(), taskID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update task items %s", taskID)
	}
	return eris.Wrapf(tx.Commit(), "sqlite: commit update item %s", taskID)
}

func (s *SQLiteTaskStore) GetTask(ctx context.Context, taskID string) (*model.DownloadTask, error) {
	var (
		task         model.DownloadTask
		status       string
		refsJSON     string
		perItemJSON  string
		progressJSON string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, save_dir, requested_refs, per_item, progress, created_at, updated_at
		 FROM download_task WHERE id = ?`, taskID,
	).Scan(&task.TaskID, &status, &task.SaveDir, &refsJSON, &perItemJSON, &progressJSON,
		&task.CreatedAt, &task.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get task %s", taskID)
	}
	task.Status = model.TaskStatus(status)
	if err := json.Unmarshal([]byte(refsJSON), &task.RequestedRefs); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal requested refs")
	}
	if err := json.Unmarshal([]byte(perItemJSON), &task.PerItem); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal per_item")
	}
	if err := json.Unmarshal([]byte(progressJSON), &task.Progress); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal progress")
	}
	return &task, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
