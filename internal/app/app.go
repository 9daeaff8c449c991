// Package app initializes and holds long-lived application services, acting
// as the dependency injection container for the scraper service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	archgcs "github.com/nguyentrungtung/universal-scraper-web/internal/archive/gcs"
	"github.com/nguyentrungtung/universal-scraper-web/internal/api"
	systemclock "github.com/nguyentrungtung/universal-scraper-web/internal/clock/system"
	"github.com/nguyentrungtung/universal-scraper-web/internal/config"
	"github.com/nguyentrungtung/universal-scraper-web/internal/extractor"
	collyfetcher "github.com/nguyentrungtung/universal-scraper-web/internal/fetcher/colly"
	"github.com/nguyentrungtung/universal-scraper-web/internal/fetcher/headless"
	uuidgen "github.com/nguyentrungtung/universal-scraper-web/internal/id/uuid"
	"github.com/nguyentrungtung/universal-scraper-web/internal/logging"
	"github.com/nguyentrungtung/universal-scraper-web/internal/metrics"
	"github.com/nguyentrungtung/universal-scraper-web/internal/pipeline"
	"github.com/nguyentrungtung/universal-scraper-web/internal/provider/openai"
	"github.com/nguyentrungtung/universal-scraper-web/internal/publisher/pubsub"
	repomem "github.com/nguyentrungtung/universal-scraper-web/internal/repository/memory"
	repopg "github.com/nguyentrungtung/universal-scraper-web/internal/repository/postgres"
	reposqlite "github.com/nguyentrungtung/universal-scraper-web/internal/repository/sqlite"
	"github.com/nguyentrungtung/universal-scraper-web/internal/schema"
	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
	"github.com/nguyentrungtung/universal-scraper-web/internal/worker"
)

// App holds all the shared, long-lived services for the application. It is
// initialized once at startup and torn down in Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	repo   scraper.JobRepository
	worker *worker.Worker
	server *api.Server

	closers []func()
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Repository returns the job store.
func (a *App) Repository() scraper.JobRepository {
	return a.repo
}

// New builds the full service graph from configuration. It fails fast if any
// critical dependency cannot be initialized.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	ids := uuidgen.New()
	clk := systemclock.New()

	if err := a.initRepository(ctx, ids, clk); err != nil {
		return nil, err
	}

	pipe, err := a.buildPipeline()
	if err != nil {
		a.Close()
		return nil, err
	}

	publisher, err := a.buildPublisher(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	archiver, err := a.buildArchiver(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.worker = worker.New(a.repo, pipe, publisher, archiver, clk, worker.Config{
		MaxConcurrent: cfg.Worker.Concurrency,
		PollInterval:  cfg.PollInterval(),
		RecoverPolicy: scraper.RecoverPolicy(cfg.Worker.RecoverPolicy),
		EventTopic:    cfg.Worker.EventTopic,
	}, logger)
	a.server = api.NewServer(a.repo, cfg, logger)

	logger.Info("application services initialized",
		zap.String("database", cfg.Database.Driver),
		zap.Bool("headless", cfg.Headless.Enabled),
		zap.Bool("pubsub", publisher != nil),
		zap.Bool("gcs", archiver != nil),
	)
	return a, nil
}

func (a *App) initRepository(ctx context.Context, ids scraper.IDGenerator, clk scraper.Clock) error {
	switch a.cfg.Database.Driver {
	case "postgres":
		repo, err := repopg.New(ctx, repopg.Config{
			DSN:      a.cfg.Database.DSN,
			MaxConns: int32(a.cfg.Database.MaxConns),
			MinConns: int32(a.cfg.Database.MinConns),
		}, ids, clk)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.repo = repo
		a.closers = append(a.closers, repo.Close)
	case "sqlite":
		repo, err := reposqlite.New(a.cfg.Database.DSN, ids, clk)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		a.repo = repo
		a.closers = append(a.closers, func() {
			if err := repo.Close(); err != nil {
				a.logger.Warn("close sqlite", zap.Error(err))
			}
		})
	case "memory":
		a.repo = repomem.New(ids, clk)
	default:
		return fmt.Errorf("unknown database driver: %s", a.cfg.Database.Driver)
	}
	return nil
}

func (a *App) buildPipeline() (*pipeline.Pipeline, error) {
	validator := schema.NewValidator(a.logger)
	provider := openai.NewClient(openai.Config{
		BaseURL:     a.cfg.Provider.BaseURL,
		APIKey:      a.cfg.Provider.APIKey,
		Model:       a.cfg.Provider.Model,
		Temperature: a.cfg.Provider.Temperature,
		Timeout:     time.Duration(a.cfg.Provider.TimeoutSeconds) * time.Second,
		JSONMode:    a.cfg.Provider.JSONMode,
	}, validator, a.logger)

	var sink scraper.DiagnosticSink
	if a.cfg.Extractor.DiagnosticsEnabled {
		fileSink, err := extractor.NewFileSink(
			filepath.Join(a.cfg.Storage.OutputDir, "diagnostics.jsonl"), a.logger)
		if err != nil {
			return nil, fmt.Errorf("open diagnostic sink: %w", err)
		}
		sink = fileSink
	}

	retry := extractor.NewRetryPolicy()
	if a.cfg.Extractor.MaxAttempts > 0 {
		retry.MaxAttempts = a.cfg.Extractor.MaxAttempts
	}
	ex := extractor.New(provider, sink, extractor.Config{
		MaxConcurrent:     a.cfg.Extractor.MaxConcurrent,
		RequestsPerSecond: a.cfg.Extractor.RequestsPerSecond,
		Retry:             retry,
	}, a.logger)

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    a.cfg.Fetcher.UserAgent,
		Timeout:      a.cfg.FetchTimeout(),
		PerDomainRPS: a.cfg.Fetcher.PerDomainRPS,
	})
	pipe := pipeline.New(fetcher, ex, pipeline.Config{
		OutputDir: a.cfg.Storage.OutputDir,
	}, a.logger)

	if a.cfg.Headless.Enabled {
		hf, err := headless.NewChromedp(headless.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Fetcher.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("start headless fetcher: %w", err)
		}
		pipe.UseHeadlessFetcher(hf)
		a.closers = append(a.closers, hf.Close)
	}
	return pipe, nil
}

func (a *App) buildPublisher(ctx context.Context) (scraper.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("pubsub disabled, job events will not be published")
		return nil, nil
	}
	pub, err := pubsub.Connect(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("connect pubsub: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := pub.Close(); err != nil {
			a.logger.Warn("close pubsub", zap.Error(err))
		}
	})
	return pub, nil
}

func (a *App) buildArchiver(ctx context.Context) (scraper.Archiver, error) {
	if a.cfg.Storage.GCSBucket == "" {
		a.logger.Info("gcs archival disabled, results stay on local disk")
		return nil, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	arch, err := archgcs.New(client, archgcs.Config{
		Bucket: a.cfg.Storage.GCSBucket,
		Prefix: a.cfg.Storage.Prefix,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := client.Close(); err != nil {
			a.logger.Warn("close storage client", zap.Error(err))
		}
	})
	return arch, nil
}

// Run starts the HTTP server and the job worker and blocks until the context
// is canceled or either of them fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.worker.Run(ctx)
	})
	g.Go(func() error {
		a.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close tears down all services in reverse initialization order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}
