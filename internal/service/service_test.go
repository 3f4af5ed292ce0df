package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundlab/fundreport-cli/internal/fetch"
	"github.com/fundlab/fundreport-cli/internal/model"
	"github.com/fundlab/fundreport-cli/internal/portal"
)

type fakeSearcher struct {
	rows    []model.ReportRef
	hasNext bool
	err     error
	lastURL string
}

func (f *fakeSearcher) ListReports(_ context.Context, _ *portal.SearchCriteria) ([]model.ReportRef, bool, error) {
	return f.rows, f.hasNext, f.err
}

func (f *fakeSearcher) SearchAll(_ context.Context, _ *portal.SearchCriteria) ([]model.ReportRef, error) {
	return f.rows, f.err
}

func (f *fakeSearcher) ResolveDownloadURL(uploadInfoID string) string {
	f.lastURL = "http://portal.example/instance_html_view.do?instanceid=" + uploadInfoID
	return f.lastURL
}

type fakeRunner struct {
	mu         sync.Mutex
	enqueueErr error
	runErr     error
	ran        chan string
	cancelled  []string
}

func (f *fakeRunner) EnqueueBatch(_ context.Context, refs []model.ReportRef, _ string) (string, error) {
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	return "task-1", nil
}

func (f *fakeRunner) Run(_ context.Context, taskID string) error {
	if f.ran != nil {
		f.ran <- taskID
	}
	return f.runErr
}

func (f *fakeRunner) Cancel(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

type fakeFileParser struct {
	result *model.ParseResult
	err    error
}

func (f *fakeFileParser) ParseFile(_ context.Context, _ string, _ *model.ReportRef) (*model.ParseResult, error) {
	return f.result, f.err
}

type fakeArtifactDownloader struct {
	lastURL  string
	lastDest string
}

func (f *fakeArtifactDownloader) Download(_ context.Context, url, dest, _ string) (*fetch.Result, error) {
	f.lastURL = url
	f.lastDest = dest
	return &fetch.Result{FilePath: dest, Bytes: 42}, nil
}

type fakeTasks struct {
	tasks map[string]*model.DownloadTask
}

func (f *fakeTasks) CreateTask(_ context.Context, task *model.DownloadTask) error {
	f.tasks[task.TaskID] = task
	return nil
}

func (f *fakeTasks) UpdateTaskStatus(_ context.Context, taskID string, status model.TaskStatus) error {
	f.tasks[taskID].Status = status
	return nil
}

func (f *fakeTasks) UpdateItem(_ context.Context, _, _ string, _ model.ItemOutcome) error {
	return nil
}

func (f *fakeTasks) GetTask(_ context.Context, taskID string) (*model.DownloadTask, error) {
	return f.tasks[taskID], nil
}

func (f *fakeTasks) Close() error { return nil }

func validCriteria() *portal.SearchCriteria {
	return &portal.SearchCriteria{
		Year:       2023,
		ReportType: model.ReportAnnual,
		FundCode:   "000001",
		Page:       1,
		PageSize:   20,
	}
}

func TestSearchDelegates(t *testing.T) {
	searcher := &fakeSearcher{
		rows:    []model.ReportRef{{UploadInfoID: "u1", FundCode: "000001"}},
		hasNext: true,
	}
	svc := New(searcher, &fakeRunner{}, &fakeFileParser{}, &fakeArtifactDownloader{}, &fakeTasks{tasks: map[string]*model.DownloadTask{}})

	rows, hasNext, err := svc.Search(context.Background(), validCriteria())
	require.NoError(t, err)
	assert.True(t, hasNext)
	require.Len(t, rows, 1)
	assert.Equal(t, "u1", rows[0].UploadInfoID)
}

func TestSearchRejectsInvalidCriteria(t *testing.T) {
	svc := New(&fakeSearcher{}, &fakeRunner{}, &fakeFileParser{}, &fakeArtifactDownloader{}, &fakeTasks{tasks: map[string]*model.DownloadTask{}})

	criteria := validCriteria()
	criteria.Year = 0

	_, _, err := svc.Search(context.Background(), criteria)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "year", verr.Field)
}

func TestEnqueueBatchReturnsImmediatelyAndRuns(t *testing.T) {
	runner := &fakeRunner{ran: make(chan string, 1)}
	svc := New(&fakeSearcher{}, runner, &fakeFileParser{}, &fakeArtifactDownloader{}, &fakeTasks{tasks: map[string]*model.DownloadTask{}})

	taskID, err := svc.EnqueueBatch(context.Background(), []model.ReportRef{{UploadInfoID: "u1"}}, "/tmp")
	require.NoError(t, err)
	assert.Equal(t, "task-1", taskID)

	select {
	case ran := <-runner.ran:
		assert.Equal(t, "task-1", ran)
	case <-time.After(2 * time.Second):
		t.Fatal("background run never started")
	}
}

func TestEnqueueBatchPropagatesError(t *testing.T) {
	runner := &fakeRunner{enqueueErr: &model.ValidationError{Field: "refs", Reason: "batch is empty"}}
	svc := New(&fakeSearcher{}, runner, &fakeFileParser{}, &fakeArtifactDownloader{}, &fakeTasks{tasks: map[string]*model.DownloadTask{}})

	_, err := svc.EnqueueBatch(context.Background(), nil, "/tmp")
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestRunBatchBlocksUntilDone(t *testing.T) {
	runner := &fakeRunner{ran: make(chan string, 1)}
	svc := New(&fakeSearcher{}, runner, &fakeFileParser{}, &fakeArtifactDownloader{}, &fakeTasks{tasks: map[string]*model.DownloadTask{}})

	taskID, err := svc.RunBatch(context.Background(), []model.ReportRef{{UploadInfoID: "u1"}}, "/tmp")
	require.NoError(t, err)
	assert.Equal(t, "task-1", taskID)
	assert.Equal(t, "task-1", <-runner.ran)
}

func TestTaskStatus(t *testing.T) {
	tasks := &fakeTasks{tasks: map[string]*model.DownloadTask{
		"task-1": {TaskID: "task-1", Status: model.TaskRunning},
	}}
	svc := New(&fakeSearcher{}, &fakeRunner{}, &fakeFileParser{}, &fakeArtifactDownloader{}, tasks)

	task, err := svc.TaskStatus(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, task.Status)

	_, err = svc.TaskStatus(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestCancelTask(t *testing.T) {
	runner := &fakeRunner{}
	svc := New(&fakeSearcher{}, runner, &fakeFileParser{}, &fakeArtifactDownloader{}, &fakeTasks{tasks: map[string]*model.DownloadTask{}})

	require.NoError(t, svc.CancelTask(context.Background(), "task-1"))
	assert.Equal(t, []string{"task-1"}, runner.cancelled)
}

func TestParseFileDelegates(t *testing.T) {
	parser := &fakeFileParser{result: &model.ParseResult{Success: true}}
	svc := New(&fakeSearcher{}, &fakeRunner{}, parser, &fakeArtifactDownloader{}, &fakeTasks{tasks: map[string]*model.DownloadTask{}})

	res, err := svc.ParseFile(context.Background(), "/tmp/report.xbrl", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestDownloadResolvesURL(t *testing.T) {
	searcher := &fakeSearcher{}
	dl := &fakeArtifactDownloader{}
	svc := New(searcher, &fakeRunner{}, &fakeFileParser{}, dl, &fakeTasks{tasks: map[string]*model.DownloadTask{}})

	res, err := svc.Download(context.Background(), model.ReportRef{UploadInfoID: "u9"}, "/tmp/u9.xbrl")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/u9.xbrl", res.FilePath)
	assert.Contains(t, dl.lastURL, "instanceid=u9")

	_, err = svc.Download(context.Background(), model.ReportRef{}, "/tmp/x")
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestEnqueueBatchLogsRunError(t *testing.T) {
	runner := &fakeRunner{ran: make(chan string, 1), runErr: eris.New("boom")}
	svc := New(&fakeSearcher{}, runner, &fakeFileParser{}, &fakeArtifactDownloader{}, &fakeTasks{tasks: map[string]*model.DownloadTask{}})

	_, err := svc.EnqueueBatch(context.Background(), []model.ReportRef{{UploadInfoID: "u1"}}, "/tmp")
	require.NoError(t, err)
	<-runner.ran
}
