// Package pipeline runs the crawl for one job: fetch each page, stream the
// raw content, split it into bounded blocks, extract structured records via
// the AI provider and stream the deduplicated records, page by page.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nguyentrungtung/universal-scraper-web/internal/extractor"
	"github.com/nguyentrungtung/universal-scraper-web/internal/fetcher/detector"
	"github.com/nguyentrungtung/universal-scraper-web/internal/metrics"
	"github.com/nguyentrungtung/universal-scraper-web/internal/pagination"
	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
	"github.com/nguyentrungtung/universal-scraper-web/internal/splitter"
	"github.com/nguyentrungtung/universal-scraper-web/internal/stream"
)

// DefaultFailureRateThreshold fails a job when more than half of its blocks
// fail extraction.
const DefaultFailureRateThreshold = 0.5

// Config holds pipeline settings shared by all jobs.
type Config struct {
	OutputDir string
	// FailureRateThreshold is the default block failure rate above which a
	// job fails; jobs can override it per run.
	FailureRateThreshold float64
}

// ProgressFunc persists durable progress after each page. An error from it is
// fatal to the run.
type ProgressFunc func(ctx context.Context, pagesCrawled int, results scraper.ResultLocations) error

// Pipeline executes crawl runs. It is safe for concurrent use; all per-run
// state lives in Run.
type Pipeline struct {
	fetcher   scraper.Fetcher
	headless  scraper.Fetcher
	detect    *detector.Heuristic
	extractor *extractor.Extractor
	cfg       Config
	logger    *zap.Logger
}

// New builds a Pipeline.
func New(fetcher scraper.Fetcher, ex *extractor.Extractor, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = DefaultFailureRateThreshold
	}
	return &Pipeline{
		fetcher:   fetcher,
		extractor: ex,
		cfg:       cfg,
		logger:    logger,
	}
}

// UseHeadlessFetcher routes jobs that request browser rendering to f, and
// enables mid-crawl promotion when a plain fetch comes back looking
// client-rendered. Without it every job uses the plain HTTP fetcher.
func (p *Pipeline) UseHeadlessFetcher(f scraper.Fetcher) {
	p.headless = f
	p.detect = detector.NewHeuristic(0)
}

// Run crawls the job to completion. A rerun of a previously interrupted job
// reopens the same output files and re-crawls from the start URL; records
// already committed to disk are suppressed by the dedup set seeded from the
// existing output, so nothing is emitted twice.
func (p *Pipeline) Run(ctx context.Context, job scraper.JobRecord, progress ProgressFunc) (scraper.PipelineOutcome, error) {
	logger := p.logger.With(zap.String("job_id", job.ID))

	writer, err := stream.NewWriter(p.cfg.OutputDir, job.ID, logger)
	if err != nil {
		return scraper.PipelineOutcome{}, err
	}
	outcome := scraper.PipelineOutcome{Results: writer.Paths()}

	var dedupFields []string
	maxBlock := splitter.DefaultMaxBlockSize
	var spec scraper.ExtractSpec
	if ai := job.Config.AI; ai != nil {
		dedupFields = ai.DedupFields
		if ai.MaxCharsPerBlock > 0 {
			maxBlock = ai.MaxCharsPerBlock
		}
		spec = scraper.ExtractSpec{
			Instruction: ai.Instruction,
			Schema:      []byte(ai.ResponseSchema),
			Model:       ai.Model,
		}
	}

	seen, err := stream.SeedDedup(writer.Paths().RecordsPath, dedupFields)
	if err != nil {
		writer.Close()
		return outcome, fmt.Errorf("seed dedup state: %w", err)
	}
	if len(seen) > 0 {
		logger.Info("resuming with seeded dedup state", zap.Int("records", len(seen)))
	}

	resolver := pagination.NewResolver(job.Config.Pagination, logger)
	cursor := pagination.NewCursor(job.Config.URL)
	threshold := job.Config.FailureRateThreshold
	if threshold <= 0 {
		threshold = p.cfg.FailureRateThreshold
	}

	fetcher := p.fetcher
	if job.Config.Headless && p.headless != nil {
		fetcher = p.headless
	}

	var totalBlocks, failedBlocks int
	for {
		// Cancellation is observed between pages; an in-flight page is
		// always carried to a durable state first.
		if err := ctx.Err(); err != nil {
			writer.Close()
			return outcome, err
		}

		pageNum := outcome.PagesCrawled + 1
		page, err := fetcher.Fetch(ctx, cursor.CurrentURL, p.fetchOptions(job.Config, pageNum))
		if err != nil {
			metrics.ObservePage(cursor.CurrentURL, "error")
			writer.Close()
			return outcome, &scraper.FetchError{URL: cursor.CurrentURL, Err: err}
		}

		// A page that came back looking client-rendered is re-fetched with
		// the headless browser, which then serves the rest of the crawl.
		if p.headless != nil && fetcher != p.headless && p.detect.ShouldPromote(page) {
			logger.Info("promoting crawl to headless rendering",
				zap.String("url", cursor.CurrentURL))
			fetcher = p.headless
			page, err = fetcher.Fetch(ctx, cursor.CurrentURL, p.fetchOptions(job.Config, pageNum))
			if err != nil {
				metrics.ObservePage(cursor.CurrentURL, "error")
				writer.Close()
				return outcome, &scraper.FetchError{URL: cursor.CurrentURL, Err: err}
			}
		}
		metrics.ObservePage(cursor.CurrentURL, "success")

		pageURL := page.FinalURL
		if pageURL == "" {
			pageURL = cursor.CurrentURL
		}
		banner := fmt.Sprintf("--- PAGE %d: %s ---\n\n%s", pageNum, pageURL, page.Content)
		if err := writer.AppendRaw(banner); err != nil {
			writer.Close()
			return outcome, err
		}

		blocks := splitter.Split(page.Content, maxBlock)
		if job.Config.AI != nil && len(blocks) > 0 {
			pageRecords, failed := p.extractPage(ctx, job.ID, pageURL, blocks, spec, seen, dedupFields)
			totalBlocks += len(blocks)
			failedBlocks += failed

			if err := writer.AppendRecords(pageRecords); err != nil {
				writer.Close()
				return outcome, err
			}
			outcome.RecordsEmitted += len(pageRecords)
			metrics.ObserveRecords(pageURL, len(pageRecords))
		}

		outcome.PagesCrawled = pageNum
		outcome.BlocksFailed = failedBlocks
		cursor.PagesVisited = pageNum

		if progress != nil {
			if err := progress(ctx, pageNum, outcome.Results); err != nil {
				writer.Close()
				return outcome, fmt.Errorf("persist progress: %w", err)
			}
		}

		if totalBlocks > 0 {
			rate := float64(failedBlocks) / float64(totalBlocks)
			if rate > threshold {
				writer.Close()
				// A shutdown mid-extraction fails every in-flight block;
				// that is a cancellation, not degraded extraction. The job
				// stays RUNNING and startup recovery owns it.
				if err := ctx.Err(); err != nil {
					return outcome, err
				}
				return outcome, &scraper.DegradedError{
					Failed:    failedBlocks,
					Total:     totalBlocks,
					Threshold: threshold,
				}
			}
		}

		next, term := resolver.Next(cursor, page)
		if term != pagination.TerminationNone {
			outcome.Termination = string(term)
			logger.Info("pagination ended",
				zap.String("reason", outcome.Termination),
				zap.Int("pages", outcome.PagesCrawled),
			)
			break
		}
		cursor.Advance(next)

		if job.Config.DelaySeconds > 0 {
			if !sleepCtx(ctx, time.Duration(job.Config.DelaySeconds)*time.Second) {
				writer.Close()
				return outcome, ctx.Err()
			}
		}
	}

	if _, err := writer.Finalize(); err != nil {
		return outcome, err
	}
	logger.Info("crawl finished",
		zap.Int("pages", outcome.PagesCrawled),
		zap.Int("records", outcome.RecordsEmitted),
		zap.Int("blocks_failed", outcome.BlocksFailed),
	)
	return outcome, nil
}

// extractPage runs extraction over the page's blocks and returns the new,
// deduplicated records plus the failed block count. Failed blocks never fail
// the page; they count toward the job's failure rate.
func (p *Pipeline) extractPage(
	ctx context.Context,
	jobID string,
	pageURL string,
	blocks []scraper.Block,
	spec scraper.ExtractSpec,
	seen map[string]struct{},
	dedupFields []string,
) ([]scraper.Record, int) {
	results := p.extractor.ExtractAll(ctx, jobID, pageURL, blocks, spec)

	var out []scraper.Record
	failed := 0
	for _, br := range results {
		if br.Err != nil {
			failed++
			p.logger.Warn("block extraction failed",
				zap.String("job_id", jobID),
				zap.String("page_url", pageURL),
				zap.Int("block", br.Block.Ordinal),
				zap.Error(br.Err),
			)
			continue
		}
		for _, r := range br.Result.Records {
			key := scraper.DedupKey(r, dedupFields)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, r)
		}
	}
	return out, failed
}

// fetchOptions assembles per-page fetch options, rotating through the job's
// proxies round-robin.
func (p *Pipeline) fetchOptions(cfg scraper.JobConfig, pageNum int) scraper.FetchOptions {
	opts := scraper.FetchOptions{
		ScrollDepth:  cfg.ScrollDepth,
		WaitSelector: cfg.WaitSelector,
	}
	if cfg.FetchTimeoutSeconds > 0 {
		opts.Timeout = time.Duration(cfg.FetchTimeoutSeconds) * time.Second
	}
	if len(cfg.Proxies) > 0 {
		proxy := cfg.Proxies[(pageNum-1)%len(cfg.Proxies)]
		opts.Proxy = &proxy
	}
	return opts
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
