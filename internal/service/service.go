// Package service is the public surface of the core: search, batch
// ingest, task status and reparse. Commands call this package and do
// no business logic of their own.
package service

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fundlab/fundreport-cli/internal/fetch"
	"github.com/fundlab/fundreport-cli/internal/model"
	"github.com/fundlab/fundreport-cli/internal/portal"
	"github.com/fundlab/fundreport-cli/internal/store"
)

// Searcher is the portal list surface the service delegates to.
type Searcher interface {
	ListReports(ctx context.Context, criteria *portal.SearchCriteria) ([]model.ReportRef, bool, error)
	SearchAll(ctx context.Context, criteria *portal.SearchCriteria) ([]model.ReportRef, error)
	ResolveDownloadURL(uploadInfoID string) string
}

// BatchRunner is the orchestrator surface: enqueue, run, cancel.
type BatchRunner interface {
	EnqueueBatch(ctx context.Context, refs []model.ReportRef, saveDir string) (string, error)
	Run(ctx context.Context, taskID string) error
	Cancel(ctx context.Context, taskID string) error
}

// FileParser parses one artifact from disk.
type FileParser interface {
	ParseFile(ctx context.Context, path string, ref *model.ReportRef) (*model.ParseResult, error)
}

// ArtifactDownloader fetches one artifact to disk.
type ArtifactDownloader interface {
	Download(ctx context.Context, url, dest, expectedSHA256 string) (*fetch.Result, error)
}

// FundReportService wires portal, orchestrator, parser and stores into
// the operations the CLI exposes.
type FundReportService struct {
	portal     Searcher
	runner     BatchRunner
	parser     FileParser
	downloader ArtifactDownloader
	tasks      store.TaskStore
}

// New creates a FundReportService.
func New(searcher Searcher, runner BatchRunner, parser FileParser, downloader ArtifactDownloader, tasks store.TaskStore) *FundReportService {
	return &FundReportService{
		portal:     searcher,
		runner:     runner,
		parser:     parser,
		downloader: downloader,
		tasks:      tasks,
	}
}

// Search returns one page of report refs plus a has-next flag.
func (s *FundReportService) Search(ctx context.Context, criteria *portal.SearchCriteria) ([]model.ReportRef, bool, error) {
	if err := criteria.Validate(); err != nil {
		return nil, false, err
	}
	return s.portal.ListReports(ctx, criteria)
}

// SearchAll walks all result pages.
func (s *FundReportService) SearchAll(ctx context.Context, criteria *portal.SearchCriteria) ([]model.ReportRef, error) {
	if err := criteria.Validate(); err != nil {
		return nil, err
	}
	return s.portal.SearchAll(ctx, criteria)
}

// EnqueueBatch persists the task and starts the orchestrator in the
// background, returning the task id immediately. Callers poll
// TaskStatus for progress.
func (s *FundReportService) EnqueueBatch(ctx context.Context, refs []model.ReportRef, saveDir string) (string, error) {
	taskID, err := s.runner.EnqueueBatch(ctx, refs, saveDir)
	if err != nil {
		return "", err
	}
	runCtx := context.WithoutCancel(ctx)
	go func() {
		if err := s.runner.Run(runCtx, taskID); err != nil {
			zap.L().Error("batch run failed",
				zap.String("task_id", taskID),
				zap.Error(err),
			)
		}
	}()
	return taskID, nil
}

// RunBatch executes a batch synchronously, blocking until the task is
// terminal. The CLI ingest command uses this mode.
func (s *FundReportService) RunBatch(ctx context.Context, refs []model.ReportRef, saveDir string) (string, error) {
	taskID, err := s.runner.EnqueueBatch(ctx, refs, saveDir)
	if err != nil {
		return "", err
	}
	if err := s.runner.Run(ctx, taskID); err != nil {
		return taskID, err
	}
	return taskID, nil
}

// TaskStatus reads a task snapshot.
func (s *FundReportService) TaskStatus(ctx context.Context, taskID string) (*model.DownloadTask, error) {
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, eris.Errorf("service: task not found: %s", taskID)
	}
	return task, nil
}

// CancelTask requests cooperative cancellation.
func (s *FundReportService) CancelTask(ctx context.Context, taskID string) error {
	return s.runner.Cancel(ctx, taskID)
}

// ParseFile reparses an artifact already on disk.
func (s *FundReportService) ParseFile(ctx context.Context, path string, ref *model.ReportRef) (*model.ParseResult, error) {
	return s.parser.ParseFile(ctx, path, ref)
}

// Download fetches a single report artifact without going through a task.
func (s *FundReportService) Download(ctx context.Context, ref model.ReportRef, dest string) (*fetch.Result, error) {
	if ref.UploadInfoID == "" {
		return nil, &model.ValidationError{Field: "upload_info_id", Reason: "required"}
	}
	return s.downloader.Download(ctx, s.portal.ResolveDownloadURL(ref.UploadInfoID), dest, "")
}
