// Package extractor drives bounded-concurrency AI extraction over content
// blocks, with retry on transient failures and a full per-attempt audit
// trail.
package extractor

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nguyentrungtung/universal-scraper-web/internal/metrics"
	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
)

const excerptLimit = 500

// Config controls extraction concurrency and retry behavior.
type Config struct {
	// MaxConcurrent bounds simultaneous provider calls. Defaults to 3.
	MaxConcurrent int
	// RequestsPerSecond caps the provider call rate across all blocks of a
	// page. Zero means uncapped.
	RequestsPerSecond float64
	Retry             *RetryPolicy
}

// Extractor fans blocks out to the AI provider under a fixed concurrency
// bound. Result order is by block ordinal, not completion order.
type Extractor struct {
	provider scraper.Provider
	sink     scraper.DiagnosticSink
	limiter  *rate.Limiter
	limit    int
	retry    *RetryPolicy
	logger   *zap.Logger
}

// New builds an Extractor. The sink may be nil when no audit trail is wanted.
func New(provider scraper.Provider, sink scraper.DiagnosticSink, cfg Config, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := cfg.MaxConcurrent
	if limit <= 0 {
		limit = 3
	}
	retry := cfg.Retry
	if retry == nil {
		retry = NewRetryPolicy()
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Extractor{
		provider: provider,
		sink:     sink,
		limiter:  limiter,
		limit:    limit,
		retry:    retry,
		logger:   logger,
	}
}

// ExtractAll processes every block and returns one result per block, in
// block order. A block that exhausts its retries is reported in its slot; it
// never cancels sibling calls.
func (e *Extractor) ExtractAll(
	ctx context.Context,
	jobID string,
	pageURL string,
	blocks []scraper.Block,
	spec scraper.ExtractSpec,
) []scraper.BlockResult {
	results := make([]scraper.BlockResult, len(blocks))

	var g errgroup.Group
	g.SetLimit(e.limit)
	for i, block := range blocks {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				// Cancellation observed before dispatch: do not start the
				// call, report the block as transiently failed.
				results[i] = scraper.BlockResult{
					Block: block,
					Err:   scraper.NewTransientError("canceled before dispatch", err),
				}
				return nil
			}
			results[i] = e.extractOne(ctx, jobID, pageURL, block, spec)
			return nil
		})
	}
	// Goroutines never return errors; Wait only synchronizes.
	_ = g.Wait()
	return results
}

func (e *Extractor) extractOne(
	ctx context.Context,
	jobID string,
	pageURL string,
	block scraper.Block,
	spec scraper.ExtractSpec,
) scraper.BlockResult {
	var lastErr error
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				lastErr = scraper.NewTransientError("rate limit wait", err)
				break
			}
		}

		start := time.Now()
		records, rawResp, err := e.provider.Extract(ctx, block.Text, spec)
		e.audit(jobID, pageURL, block, attempt, rawResp, err)
		metrics.ObserveExtraction(spec.Model, attemptOutcome(err), time.Since(start))

		if err == nil {
			e.logger.Debug("block extracted",
				zap.String("job_id", jobID),
				zap.Int("block", block.Ordinal),
				zap.Int("records", len(records)),
				zap.Duration("elapsed", time.Since(start)),
			)
			return scraper.BlockResult{
				Block: block,
				Result: &scraper.ExtractionResult{
					Records:      records,
					BlockOrdinal: block.Ordinal,
					PageURL:      pageURL,
				},
			}
		}

		lastErr = err
		if !scraper.IsTransient(err) {
			e.logger.Warn("block failed permanently",
				zap.String("job_id", jobID),
				zap.Int("block", block.Ordinal),
				zap.Error(err),
			)
			break
		}
		if attempt == e.retry.MaxAttempts || ctx.Err() != nil {
			break
		}
		if !sleepCtx(ctx, e.retry.Backoff(attempt)) {
			break
		}
	}
	return scraper.BlockResult{Block: block, Err: lastErr}
}

// attemptOutcome classifies one provider call for the audit trail and the
// attempt counter.
func attemptOutcome(err error) string {
	switch {
	case err == nil:
		return scraper.AttemptOutcomeSuccess
	case scraper.IsTransient(err):
		return scraper.AttemptOutcomeTransient
	default:
		return scraper.AttemptOutcomePermanent
	}
}

func (e *Extractor) audit(jobID, pageURL string, block scraper.Block, attempt int, rawResp string, err error) {
	if e.sink == nil {
		return
	}
	errText := ""
	if err != nil {
		errText = err.Error()
	}
	e.sink.Record(scraper.AttemptRecord{
		Timestamp:    time.Now().UTC(),
		JobID:        jobID,
		PageURL:      pageURL,
		BlockOrdinal: block.Ordinal,
		Attempt:      attempt,
		InputExcerpt: excerpt(block.Text),
		RawResponse:  rawResp,
		Outcome:      attemptOutcome(err),
		Error:        errText,
	})
}

func excerpt(s string) string {
	if len(s) <= excerptLimit {
		return s
	}
	return s[:excerptLimit]
}

// sleepCtx waits for d or until the context ends; false means canceled.
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
