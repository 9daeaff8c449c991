// Package worker implements the job queue consumption loop: lease, run the
// crawl pipeline, persist the terminal state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nguyentrungtung/universal-scraper-web/internal/metrics"
	"github.com/nguyentrungtung/universal-scraper-web/internal/pipeline"
	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
)

// Runner executes one job's crawl. Satisfied by *pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context, job scraper.JobRecord, progress pipeline.ProgressFunc) (scraper.PipelineOutcome, error)
}

// Config controls Worker behavior.
type Config struct {
	// MaxConcurrent bounds the number of jobs running at once. Defaults to 1.
	MaxConcurrent int
	// PollInterval is the wait between lease attempts on an empty queue.
	PollInterval time.Duration
	// RecoverPolicy decides what happens at startup to jobs a previous
	// process left running.
	RecoverPolicy scraper.RecoverPolicy
	// EventTopic receives terminal job events when a publisher is wired.
	EventTopic string
}

// Worker leases pending jobs and drives their pipelines. Repository failures
// are fatal: a store that cannot be trusted must stop the worker rather than
// corrupt job state.
type Worker struct {
	repo      scraper.JobRepository
	runner    Runner
	publisher scraper.Publisher
	archiver  scraper.Archiver
	clock     scraper.Clock
	cfg       Config
	logger    *zap.Logger

	fatal chan error
}

// New constructs a Worker. Publisher and archiver may be nil.
func New(
	repo scraper.JobRepository,
	runner Runner,
	publisher scraper.Publisher,
	archiver scraper.Archiver,
	clock scraper.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RecoverPolicy == "" {
		cfg.RecoverPolicy = scraper.RecoverFail
	}
	return &Worker{
		repo:      repo,
		runner:    runner,
		publisher: publisher,
		archiver:  archiver,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		fatal:     make(chan error, 1),
	}
}

// Run blocks, leasing and executing jobs until the context finishes or the
// repository fails. Cancellation is cooperative: in-flight jobs observe it at
// their own boundaries and Run waits for them before returning.
func (w *Worker) Run(ctx context.Context) error {
	recovered, err := w.repo.RecoverRunning(ctx, w.cfg.RecoverPolicy)
	if err != nil {
		return fmt.Errorf("recover running jobs: %w", err)
	}
	if recovered > 0 {
		w.logger.Info("recovered stale running jobs",
			zap.Int("count", recovered),
			zap.String("policy", string(w.cfg.RecoverPolicy)),
		)
	}

	sem := make(chan struct{}, w.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-w.fatal:
			return err
		case sem <- struct{}{}:
		}

		job, err := w.repo.LeaseNext(ctx)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("lease next job: %w", err)
		}
		if job == nil {
			<-sem
			if !sleepCtx(ctx, w.cfg.PollInterval) {
				return nil
			}
			continue
		}

		wg.Add(1)
		go func(job scraper.JobRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			w.runJob(ctx, job)
		}(*job)
	}
}

func (w *Worker) runJob(ctx context.Context, job scraper.JobRecord) {
	logger := w.logger.With(zap.String("job_id", job.ID))
	logger.Info("job started", zap.String("url", job.Config.URL))
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()

	progress := func(ctx context.Context, pagesCrawled int, results scraper.ResultLocations) error {
		return w.repo.UpdateProgress(ctx, job.ID, pagesCrawled, results)
	}

	outcome, err := w.runner.Run(ctx, job, progress)
	if err != nil {
		// A canceled run keeps its running status; startup recovery owns it.
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			logger.Info("job interrupted by shutdown", zap.Int("pages", outcome.PagesCrawled))
			return
		}
		logger.Warn("job failed",
			zap.Int("pages", outcome.PagesCrawled),
			zap.Error(err),
		)
		if terr := w.repo.MarkFailed(ctx, job.ID, err.Error()); terr != nil {
			w.abort(fmt.Errorf("mark job %s failed: %w", job.ID, terr))
			return
		}
		metrics.ObserveJob(string(scraper.JobStatusFailed))
		w.publishEvent(ctx, job.ID, scraper.JobStatusFailed, err.Error(), outcome.Results)
		return
	}

	if err := w.repo.MarkCompleted(ctx, job.ID, outcome.Results); err != nil {
		w.abort(fmt.Errorf("mark job %s completed: %w", job.ID, err))
		return
	}
	metrics.ObserveJob(string(scraper.JobStatusCompleted))
	logger.Info("job completed",
		zap.Int("pages", outcome.PagesCrawled),
		zap.Int("records", outcome.RecordsEmitted),
		zap.String("termination", outcome.Termination),
	)

	w.archive(ctx, job.ID, outcome.Results)
	w.publishEvent(ctx, job.ID, scraper.JobStatusCompleted, "", outcome.Results)
}

// abort records the first fatal error; Run picks it up and stops the loop.
func (w *Worker) abort(err error) {
	select {
	case w.fatal <- err:
	default:
	}
}

// archive copies finalized outputs to long-term storage. Best-effort: the
// files stay on local disk either way.
func (w *Worker) archive(ctx context.Context, jobID string, results scraper.ResultLocations) {
	if w.archiver == nil {
		return
	}
	uris, err := w.archiver.Archive(ctx, jobID, []string{results.RawPath, results.RecordsPath})
	if err != nil {
		w.logger.Warn("archive failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	w.logger.Info("results archived", zap.String("job_id", jobID), zap.Strings("uris", uris))
}

func (w *Worker) publishEvent(ctx context.Context, jobID string, status scraper.JobStatus, errText string, results scraper.ResultLocations) {
	if w.publisher == nil {
		return
	}
	event := scraper.JobEvent{
		JobID:      jobID,
		Status:     status,
		Error:      errText,
		Results:    results,
		FinishedAt: w.clock.Now(),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.EventTopic, event); err != nil {
		w.logger.Warn("publish job event failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
