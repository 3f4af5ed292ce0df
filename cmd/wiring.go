package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fundlab/fundreport-cli/internal/fetch"
	"github.com/fundlab/fundreport-cli/internal/model"
	"github.com/fundlab/fundreport-cli/internal/orchestrator"
	"github.com/fundlab/fundreport-cli/internal/parser"
	"github.com/fundlab/fundreport-cli/internal/portal"
	"github.com/fundlab/fundreport-cli/internal/service"
	"github.com/fundlab/fundreport-cli/internal/store"
	"github.com/fundlab/fundreport-cli/internal/taxonomy"
	"github.com/fundlab/fundreport-cli/pkg/anthropic"
)

func newPortalClient() *portal.Client {
	return portal.NewClient(portal.Options{
		SearchURL:       cfg.Portal.SearchURL,
		InstanceURL:     cfg.Portal.InstanceURL,
		UserAgent:       cfg.Portal.UserAgent,
		Timeout:         cfg.Portal.Timeout(),
		MaxRetries:      cfg.Portal.MaxRetries,
		RequestInterval: cfg.Portal.RequestInterval(),
		MaxPages:        cfg.Portal.MaxPages,
	})
}

func newDownloader() *fetch.Downloader {
	return fetch.New(fetch.Options{
		UserAgent:   cfg.Portal.UserAgent,
		Timeout:     cfg.Fetch.Timeout(),
		MaxAttempts: cfg.Fetch.MaxAttempts,
	})
}

func newParserEngine() *parser.Engine {
	manager := taxonomy.NewManager(cfg.Taxonomy.SchemaDir, cfg.Taxonomy.DefaultVersion)
	mapper := taxonomy.NewMapper(cfg.Taxonomy.Dir)

	var llm *parser.LLMExtractor
	if cfg.Anthropic.Key != "" {
		llm = parser.NewLLMExtractor(anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic.HaikuModel)
	}
	return parser.NewEngine(manager, mapper, llm)
}

func newReportStore(ctx context.Context) (*store.PostgresStore, error) {
	return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
}

// newTaskStore returns the configured task backend. With the postgres
// driver the report store doubles as the task store.
func newTaskStore(ctx context.Context, reports *store.PostgresStore) (store.TaskStore, error) {
	switch cfg.Store.TaskDriver {
	case "postgres":
		return reports, nil
	case "sqlite":
		ts, err := store.NewSQLite(cfg.Store.TaskDBPath)
		if err != nil {
			return nil, err
		}
		if err := ts.Migrate(ctx); err != nil {
			ts.Close() //nolint:errcheck
			return nil, err
		}
		return ts, nil
	default:
		return nil, eris.Errorf("unknown task driver %q", cfg.Store.TaskDriver)
	}
}

type services struct {
	svc     *service.FundReportService
	reports *store.PostgresStore
	tasks   store.TaskStore
}

func (s *services) close() {
	if s.tasks != nil {
		s.tasks.Close() //nolint:errcheck
	}
	if s.reports != nil {
		s.reports.Close() //nolint:errcheck
	}
}

// initServices wires the full ingest stack: portal, downloader, parser
// engine, stores and orchestrator behind the service facade.
func initServices(ctx context.Context) (*services, error) {
	if err := cfg.Validate("ingest"); err != nil {
		return nil, err
	}

	reports, err := newReportStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := reports.Migrate(ctx); err != nil {
		reports.Close() //nolint:errcheck
		return nil, err
	}
	tasks, err := newTaskStore(ctx, reports)
	if err != nil {
		reports.Close() //nolint:errcheck
		return nil, err
	}

	client := newPortalClient()
	downloader := newDownloader()
	parserEngine := newParserEngine()
	engine := orchestrator.New(downloader, parserEngine, reports, tasks, client, orchestrator.Options{
		Workers:         cfg.Orchestrator.Workers,
		BatchCap:        cfg.Orchestrator.BatchCap,
		DownloadTimeout: secs(cfg.Orchestrator.DownloadTimeoutSecs),
		ParseTimeout:    secs(cfg.Orchestrator.ParseTimeoutSecs),
		PersistTimeout:  secs(cfg.Orchestrator.PersistTimeoutSecs),
	})

	return &services{
		svc:     service.New(client, engine, parserEngine, downloader, tasks),
		reports: reports,
		tasks:   tasks,
	}, nil
}

// initTaskServices wires only the task store behind the service facade,
// for status reads and cancellation.
func initTaskServices(ctx context.Context) (*services, error) {
	if err := cfg.Validate("migrate"); err != nil {
		return nil, err
	}
	var (
		reports *store.PostgresStore
		err     error
	)
	if cfg.Store.TaskDriver == "postgres" {
		reports, err = newReportStore(ctx)
		if err != nil {
			return nil, err
		}
	}
	tasks, err := newTaskStore(ctx, reports)
	if err != nil {
		if reports != nil {
			reports.Close() //nolint:errcheck
		}
		return nil, err
	}
	return &services{
		svc:     service.New(newPortalClient(), &storeRunner{tasks: tasks}, nil, nil, tasks),
		reports: reports,
		tasks:   tasks,
	}, nil
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

// storeRunner implements the runner surface for commands that only
// touch the task store. Cancellation is a status flip the running
// orchestrator process picks up at finalize; enqueue and run belong to
// the ingest command.
type storeRunner struct {
	tasks store.TaskStore
}

func (r *storeRunner) EnqueueBatch(context.Context, []model.ReportRef, string) (string, error) {
	return "", eris.New("batches are enqueued by the ingest command")
}

func (r *storeRunner) Run(context.Context, string) error {
	return eris.New("batches are run by the ingest command")
}

func (r *storeRunner) Cancel(ctx context.Context, taskID string) error {
	task, err := r.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return eris.Errorf("task not found: %s", taskID)
	}
	if task.Status.Terminal() {
		return eris.Errorf("task %s already %s", taskID, task.Status)
	}
	return r.tasks.UpdateTaskStatus(ctx, taskID, model.TaskCancelling)
}
