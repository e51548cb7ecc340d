package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/config"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/ports"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/usecase"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/infrastructure/catalog"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/infrastructure/leafapi"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/infrastructure/queue/nats"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/infrastructure/repository/memory"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/infrastructure/resilience"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/observability/metrics"
)

type submissionStore interface {
	ports.SubmissionJournal
	ports.SubmissionLog
}

// Options selects what a binary needs beyond the core services.
type Options struct {
	// Metrics receives breaker, prediction and history observations; nil
	// leaves them unobserved.
	Metrics *metrics.HTTPServerMetrics
	// Subscribe makes NATS mandatory; without it an empty NATS_URL falls back
	// to a no-op publisher.
	Subscribe bool
	// QueueGroup overrides the subscriber queue group. Every group receives
	// each event once.
	QueueGroup string
}

type App struct {
	Config config.Config

	Client    *leafapi.Client
	Catalog   *domain.ModelCatalog
	Threshold *usecase.LiveThreshold

	Models   *usecase.ModelService
	History  *usecase.HistoryService
	Single   *usecase.Workflow
	Batch    *usecase.Workflow
	Exporter *usecase.Exporter

	Submissions submissionStore
	Events      ports.EventPublisher
	Subscriber  ports.EventSubscriber
	Storage     ports.ArtifactStorage

	closeFn []func()
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	app := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	var (
		breakerObserver    resilience.StateObserver
		predictionObserver usecase.PredictionObserver
		historyObserver    usecase.HistoryObserver
	)
	if opts.Metrics != nil {
		breakerObserver = opts.Metrics.ObserveBreaker
		predictionObserver = opts.Metrics
		historyObserver = opts.Metrics
	}
	guard := resilience.NewGuard(cfg.Breaker(), breakerObserver)

	client, err := leafapi.New(cfg.LeafAPIURL, leafapi.Options{
		Timeout: cfg.LeafAPITimeout(),
		Guard:   guard,
	})
	if err != nil {
		return nil, fmt.Errorf("init leaf api client: %w", err)
	}
	app.Client = client

	models, err := catalog.Load(cfg.ModelCatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load model catalog: %w", err)
	}
	app.Catalog = models

	threshold, err := domain.ParseThreshold(cfg.DefaultThreshold)
	if err != nil {
		return nil, fmt.Errorf("default threshold: %w", err)
	}
	app.Threshold = usecase.NewLiveThreshold(threshold)

	if err := app.openJournal(ctx, cfg.PostgresDSN); err != nil {
		return nil, err
	}
	if err := app.openQueue(cfg, guard, opts); err != nil {
		return nil, err
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("init artifact storage: %w", err)
	}
	app.Storage = storage

	app.History = usecase.NewHistoryService(client, usecase.HistoryOptions{
		ListTTL:    cfg.HistoryListTTL(),
		ConfirmTTL: cfg.DeleteConfirmTTL(),
		Observer:   historyObserver,
	})
	app.Models = usecase.NewModelService(client, models)
	app.Exporter = usecase.NewExporter(models, app.History, nil)

	deps := usecase.WorkflowDeps{
		Inference: client,
		Live:      app.Threshold,
		Journal:   app.Submissions,
		Events:    app.Events,
		Observer:  predictionObserver,
	}
	app.Single = usecase.NewSingleImageWorkflow(deps)
	app.Batch = usecase.NewBatchWorkflow(deps)

	ok = true
	return app, nil
}

func (a *App) openJournal(ctx context.Context, dsn string) error {
	if dsn == "" {
		slog.Info("submission_journal_in_memory")
		a.Submissions = memory.NewJournal(0)
		return nil
	}

	db, err := postgres.OpenDB(dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	a.closeFn = append(a.closeFn, func() { closeDB(db) })

	journal := postgres.NewSubmissionJournal(db)
	if err := journal.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	a.Submissions = journal
	return nil
}

func (a *App) openQueue(cfg config.Config, guard *resilience.Guard, opts Options) error {
	if cfg.NATSURL == "" {
		if opts.Subscribe {
			return fmt.Errorf("init message queue: NATS_URL is required")
		}
		slog.Info("prediction_events_disabled")
		a.Events = nats.Discard{}
		return nil
	}

	queue, err := nats.New(cfg.NATSURL, cfg.NATSSubject, nats.Options{Guard: guard, QueueGroup: opts.QueueGroup})
	if err != nil {
		return fmt.Errorf("init message queue: %w", err)
	}
	a.closeFn = append(a.closeFn, queue.Close)
	a.Events = queue
	a.Subscriber = queue
	return nil
}

// NewArchiver builds the worker's event handler.
func (a *App) NewArchiver(observer usecase.ArchiveObserver) *usecase.Archiver {
	return usecase.NewArchiver(a.Exporter, a.Storage, a.History, observer)
}

func (a *App) Close() {
	for i := len(a.closeFn) - 1; i >= 0; i-- {
		a.closeFn[i]()
	}
	a.closeFn = nil
}

func closeDB(db *sql.DB) {
	if err := db.Close(); err != nil {
		slog.Warn("postgres_close_failed", "error", err)
	}
}
