// Package orchestrator runs batch ingest tasks: a worker pool fans out
// per-report chains (download, parse, persist) and a finalize step
// aggregates the outcomes into the task's terminal status.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fundlab/fundreport-cli/internal/fetch"
	"github.com/fundlab/fundreport-cli/internal/model"
	"github.com/fundlab/fundreport-cli/internal/resilience"
	"github.com/fundlab/fundreport-cli/internal/store"
)

// Downloader fetches one artifact to disk.
type Downloader interface {
	Download(ctx context.Context, url, dest, expectedSHA256 string) (*fetch.Result, error)
}

// ReportParser turns a downloaded artifact into a ParseResult.
type ReportParser interface {
	ParseFile(ctx context.Context, path string, ref *model.ReportRef) (*model.ParseResult, error)
}

// ReportSaver persists a parsed report.
type ReportSaver interface {
	SaveReport(ctx context.Context, report *model.ParsedFundReport) (int64, error)
}

// URLResolver maps an upload info id to its artifact URL.
type URLResolver interface {
	ResolveDownloadURL(uploadInfoID string) string
}

// Options tunes the engine. Zero values take the defaults below.
type Options struct {
	Workers         int
	BatchCap        int
	DownloadTimeout time.Duration
	ParseTimeout    time.Duration
	PersistTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 10
	}
	if o.BatchCap <= 0 {
		o.BatchCap = 500
	}
	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = 120 * time.Second
	}
	if o.ParseTimeout <= 0 {
		o.ParseTimeout = 60 * time.Second
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 30 * time.Second
	}
	return o
}

// Engine coordinates batch download tasks. It is the single writer of
// the task store.
type Engine struct {
	downloader Downloader
	parser     ReportParser
	reports    ReportSaver
	tasks      store.TaskStore
	urls       URLResolver
	opts       Options

	mu        sync.Mutex
	cancelled map[string]*atomic.Bool
}

// New creates an Engine.
func New(downloader Downloader, parser ReportParser, reports ReportSaver, tasks store.TaskStore, urls URLResolver, opts Options) *Engine {
	return &Engine{
		downloader: downloader,
		parser:     parser,
		reports:    reports,
		tasks:      tasks,
		urls:       urls,
		opts:       opts.withDefaults(),
		cancelled:  make(map[string]*atomic.Bool),
	}
}

// EnqueueBatch persists a PENDING task for the given refs and returns
// its id. It refuses batches above the configured cap.
func (e *Engine) EnqueueBatch(ctx context.Context, refs []model.ReportRef, saveDir string) (string, error) {
	if len(refs) == 0 {
		return "", &model.ValidationError{Field: "refs", Reason: "batch is empty"}
	}
	if len(refs) > e.opts.BatchCap {
		return "", &model.ValidationError{
			Field:  "refs",
			Reason: fmt.Sprintf("batch size %d exceeds cap %d", len(refs), e.opts.BatchCap),
		}
	}
	for i, ref := range refs {
		if ref.UploadInfoID == "" {
			return "", &model.ValidationError{Field: "refs", Reason: fmt.Sprintf("ref %d has no upload info id", i)}
		}
	}

	now := time.Now().UTC()
	task := &model.DownloadTask{
		TaskID:        uuid.New().String(),
		Status:        model.TaskPending,
		SaveDir:       saveDir,
		CreatedAt:     now,
		UpdatedAt:     now,
		RequestedRefs: refs,
		PerItem:       make(map[string]model.ItemOutcome, len(refs)),
	}
	for _, ref := range refs {
		task.PerItem[ref.UploadInfoID] = model.ItemOutcome{Status: model.ItemPending}
	}
	task.ComputeProgress()

	if err := e.tasks.CreateTask(ctx, task); err != nil {
		return "", err
	}
	zap.L().Info("batch enqueued",
		zap.String("task_id", task.TaskID),
		zap.Int("reports", len(refs)),
		zap.String("save_dir", saveDir),
	)
	return task.TaskID, nil
}

// Run executes all chains of a task and finalizes it. It blocks until
// the task reaches a terminal status.
func (e *Engine) Run(ctx context.Context, taskID string) error {
	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return eris.Errorf("orchestrator: task not found: %s", taskID)
	}
	if task.Status.Terminal() {
		return nil
	}

	flag := e.registerCancel(taskID)
	defer e.unregisterCancel(taskID)

	if err := e.tasks.UpdateTaskStatus(ctx, taskID, model.TaskRunning); err != nil {
		return err
	}

	started := time.Now()
	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for _, ref := range task.RequestedRefs {
		ref := ref
		g.Go(func() error {
			e.runChain(ctx, taskID, task.SaveDir, ref, flag)
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	return e.finalize(ctx, taskID, started)
}

// Cancel requests cooperative cancellation of a running task. Chains
// finish their in-flight step, remaining steps are skipped, and
// finalize records CANCELLED.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return eris.Errorf("orchestrator: task not found: %s", taskID)
	}
	if task.Status.Terminal() {
		return eris.Errorf("orchestrator: task %s already %s", taskID, task.Status)
	}

	if err := e.tasks.UpdateTaskStatus(ctx, taskID, model.TaskCancelling); err != nil {
		return err
	}
	e.mu.Lock()
	if flag, ok := e.cancelled[taskID]; ok {
		flag.Store(true)
	}
	e.mu.Unlock()
	zap.L().Info("task cancellation requested", zap.String("task_id", taskID))
	return nil
}

func (e *Engine) registerCancel(taskID string) *atomic.Bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	flag := &atomic.Bool{}
	e.cancelled[taskID] = flag
	return flag
}

func (e *Engine) unregisterCancel(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancelled, taskID)
}

// runChain drives one report through download, parse, persist. Step
// results travel as plain model structs; failures are recorded on the
// item and never abort sibling chains.
func (e *Engine) runChain(ctx context.Context, taskID, saveDir string, ref model.ReportRef, cancelled *atomic.Bool) {
	if cancelled.Load() || ctx.Err() != nil {
		e.setItem(ctx, taskID, ref.UploadInfoID, model.ItemOutcome{Status: model.ItemCancelled})
		return
	}

	dest := filepath.Join(saveDir, artifactName(ref))
	dctx, dcancel := context.WithTimeout(ctx, e.opts.DownloadTimeout)
	res, err := e.downloader.Download(dctx, e.urls.ResolveDownloadURL(ref.UploadInfoID), dest, "")
	dcancel()
	if err != nil {
		e.failItem(ctx, taskID, ref, "", err)
		return
	}
	e.setItem(ctx, taskID, ref.UploadInfoID, model.ItemOutcome{
		Status:   model.ItemDownloaded,
		FilePath: res.FilePath,
	})

	if cancelled.Load() {
		e.setItem(ctx, taskID, ref.UploadInfoID, model.ItemOutcome{Status: model.ItemCancelled, FilePath: res.FilePath})
		return
	}

	pctx, pcancel := context.WithTimeout(ctx, e.opts.ParseTimeout)
	parsed, err := e.parser.ParseFile(pctx, res.FilePath, &ref)
	perr := pctx.Err()
	pcancel()
	if err != nil {
		e.failItem(ctx, taskID, ref, res.FilePath, err)
		return
	}
	if !parsed.Success {
		// Parse failures come back inside the result, so an expired parse
		// budget must be surfaced as a timeout rather than a parse error.
		if perr != nil {
			e.failItem(ctx, taskID, ref, res.FilePath, perr)
			return
		}
		e.failItem(ctx, taskID, ref, res.FilePath, parseFailure(parsed))
		return
	}
	e.setItem(ctx, taskID, ref.UploadInfoID, model.ItemOutcome{
		Status:   model.ItemParsed,
		FilePath: res.FilePath,
	})

	if cancelled.Load() {
		e.setItem(ctx, taskID, ref.UploadInfoID, model.ItemOutcome{Status: model.ItemCancelled, FilePath: res.FilePath})
		return
	}

	sctx, scancel := context.WithTimeout(ctx, e.opts.PersistTimeout)
	reportID, err := resilience.DoVal(sctx, resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		Multiplier:     2.0,
		ShouldRetry:    model.IsRetryableDb,
		OnRetry:        resilience.RetryLogger("orchestrator", "persist"),
	}, func(ctx context.Context) (int64, error) {
		return e.reports.SaveReport(ctx, parsed.Report)
	})
	scancel()
	if err != nil {
		e.failItem(ctx, taskID, ref, res.FilePath, err)
		return
	}
	e.setItem(ctx, taskID, ref.UploadInfoID, model.ItemOutcome{
		Status:       model.ItemPersisted,
		FilePath:     res.FilePath,
		FundReportID: reportID,
	})
}

// finalize writes the terminal status exactly once, derived from the
// per-item outcomes and the cancellation state.
func (e *Engine) finalize(ctx context.Context, taskID string, started time.Time) error {
	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return eris.Errorf("orchestrator: task vanished during finalize: %s", taskID)
	}

	status := model.TaskCompleted
	switch {
	case task.Status == model.TaskCancelling || task.Progress.Cancelled > 0:
		status = model.TaskCancelled
	case task.Progress.Completed == task.Progress.Total:
		status = model.TaskCompleted
	case task.Progress.Completed == 0:
		status = model.TaskFailed
	default:
		status = model.TaskPartial
	}

	if err := e.tasks.UpdateTaskStatus(ctx, taskID, status); err != nil {
		return err
	}
	zap.L().Info("batch finalized",
		zap.String("task_id", taskID),
		zap.String("status", string(status)),
		zap.Int("total", task.Progress.Total),
		zap.Int("completed", task.Progress.Completed),
		zap.Int("failed", task.Progress.Failed),
		zap.Int("cancelled", task.Progress.Cancelled),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}

func (e *Engine) setItem(ctx context.Context, taskID, uploadInfoID string, outcome model.ItemOutcome) {
	if err := e.tasks.UpdateItem(ctx, taskID, uploadInfoID, outcome); err != nil {
		zap.L().Error("item update failed",
			zap.String("task_id", taskID),
			zap.String("upload_info_id", uploadInfoID),
			zap.Error(err),
		)
	}
}

func (e *Engine) failItem(ctx context.Context, taskID string, ref model.ReportRef, filePath string, err error) {
	kind := model.ErrorKind(err)
	zap.L().Warn("report chain failed",
		zap.String("task_id", taskID),
		zap.String("upload_info_id", ref.UploadInfoID),
		zap.String("fund_code", ref.FundCode),
		zap.String("kind", kind),
		zap.Error(err),
	)
	e.setItem(ctx, taskID, ref.UploadInfoID, model.ItemOutcome{
		Status:   model.ItemFailed,
		FilePath: filePath,
		Error:    &model.ItemError{Kind: kind, Message: err.Error()},
	})
}

// parseFailure condenses a failed ParseResult into one error carrying
// the last attempt's kind.
func parseFailure(result *model.ParseResult) error {
	if len(result.Attempted) == 0 {
		return &model.ParseError{Kind: model.ParserXBRL, Err: eris.New("no parser attempted")}
	}
	parts := make([]string, 0, len(result.Attempted))
	for _, a := range result.Attempted {
		parts = append(parts, fmt.Sprintf("%s:%s", a.Kind, a.Outcome))
	}
	last := result.Attempted[len(result.Attempted)-1]
	return &model.ParseError{
		Kind: last.Kind,
		Err:  eris.Errorf("all parsers failed (%s)", strings.Join(parts, ", ")),
	}
}

// artifactName builds a stable on-disk name for a report artifact.
func artifactName(ref model.ReportRef) string {
	if ref.FundCode != "" {
		return fmt.Sprintf("%s_%s.xbrl", ref.FundCode, ref.UploadInfoID)
	}
	return ref.UploadInfoID + ".xbrl"
}
