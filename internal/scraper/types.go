// Package scraper defines core types shared across subsystems.
package scraper

import (
	"encoding/json"
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job repository. Transitions are
// one-directional: pending -> running -> completed|failed.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ProxyConfig identifies one upstream proxy.
type ProxyConfig struct {
	Server   string `json:"server"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// AIConfig captures the extraction backend settings for a job. The schema and
// instruction are opaque to the pipeline; they are forwarded to the provider.
type AIConfig struct {
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	APIKey           string          `json:"api_key,omitempty"`
	BaseURL          string          `json:"base_url,omitempty"`
	Instruction      string          `json:"instruction"`
	ResponseSchema   json.RawMessage `json:"response_schema,omitempty"`
	DedupFields      []string        `json:"dedup_fields,omitempty"`
	MaxCharsPerBlock int             `json:"max_chars_per_block,omitempty"`
	UseProxy         bool            `json:"use_proxy,omitempty"`
}

// PaginationStrategy selects how the next page URL is derived.
type PaginationStrategy string

// Supported pagination strategies.
const (
	// PaginationNextLink finds an anchor matching a CSS selector in the page
	// HTML and follows its href.
	PaginationNextLink PaginationStrategy = "next_link"
	// PaginationFetcherHint trusts the next-URL hint resolved by the fetcher
	// (for sites where "next" is a click, not a link).
	PaginationFetcherHint PaginationStrategy = "fetcher_hint"
	// PaginationPageLimit crawls only the starting URL (or stops purely on
	// the page cap when combined with a hint).
	PaginationPageLimit PaginationStrategy = "page_limit"
)

// PaginationConfig governs pagination for one job.
type PaginationConfig struct {
	Strategy     PaginationStrategy `json:"strategy"`
	NextSelector string             `json:"next_selector,omitempty"`
	MaxPages     int                `json:"max_pages"`
}

// JobConfig is everything a job run needs, threaded explicitly through
// enqueue and the pipeline. No process-wide mutable settings.
type JobConfig struct {
	URL                  string           `json:"url"`
	Proxies              []ProxyConfig    `json:"proxies,omitempty"`
	Headless             bool             `json:"headless,omitempty"`
	ScrollDepth          int              `json:"scroll_depth,omitempty"`
	WaitSelector         string           `json:"wait_selector,omitempty"`
	DelaySeconds         int              `json:"delay_seconds,omitempty"`
	FetchTimeoutSeconds  int              `json:"fetch_timeout_seconds,omitempty"`
	AI                   *AIConfig        `json:"ai,omitempty"`
	Pagination           PaginationConfig `json:"pagination"`
	FailureRateThreshold float64          `json:"failure_rate_threshold,omitempty"`
}

// ResultLocations points at the two per-job output streams.
type ResultLocations struct {
	RawPath     string `json:"raw_path,omitempty"`
	RecordsPath string `json:"records_path,omitempty"`
}

// Empty reports whether no output has been recorded yet.
func (r ResultLocations) Empty() bool {
	return r.RawPath == "" && r.RecordsPath == ""
}

// JobRecord is the metadata persisted for each submitted crawl job.
type JobRecord struct {
	ID           string          `json:"id"`
	Status       JobStatus       `json:"status"`
	Config       JobConfig       `json:"config"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	PagesCrawled int             `json:"pages_crawled"`
	Results      ResultLocations `json:"results"`
	LastError    string          `json:"last_error,omitempty"`
}

// Block is a bounded slice of page content submitted as one extraction unit.
// Ordinal is the block's index within its page.
type Block struct {
	Ordinal int
	Text    string
}

// Record is one structured item extracted by the AI provider. Keys follow the
// caller-supplied schema; the core treats them as opaque.
type Record map[string]any

// ExtractionResult carries the records extracted from one block, plus
// provenance.
type ExtractionResult struct {
	Records      []Record
	BlockOrdinal int
	PageURL      string
}

// BlockResult pairs a block with its extraction outcome. Exactly one of
// Result and Err is set.
type BlockResult struct {
	Block  Block
	Result *ExtractionResult
	Err    error
}

// FetchOptions direct a single page fetch. Rendering directives are opaque to
// the pipeline and interpreted by the fetcher implementation.
type FetchOptions struct {
	Proxy        *ProxyConfig
	ScrollDepth  int
	WaitSelector string
	Timeout      time.Duration
	Headers      http.Header
}

// FetchResult is the outcome of fetching one page. Content is the extracted
// text fed to the splitter; HTML is the raw markup used for pagination.
// NextURLHint is set when the fetcher itself resolved the next page (for
// example by clicking a button).
type FetchResult struct {
	URL         string
	FinalURL    string
	Content     string
	HTML        string
	NextURLHint string
	StatusCode  int
	Duration    time.Duration
}

// AttemptRecord is one row in the diagnostic sink: a full audit of a single
// provider call, kept because model output is non-deterministic and needs
// post-hoc inspection.
type AttemptRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	JobID        string    `json:"job_id"`
	PageURL      string    `json:"page_url,omitempty"`
	BlockOrdinal int       `json:"block_ordinal"`
	Attempt      int       `json:"attempt"`
	InputExcerpt string    `json:"input_excerpt"`
	RawResponse  string    `json:"raw_response,omitempty"`
	Outcome      string    `json:"outcome"`
	Error        string    `json:"error,omitempty"`
}

// Attempt outcome values recorded in the diagnostic sink.
const (
	AttemptOutcomeSuccess   = "success"
	AttemptOutcomeTransient = "transient_error"
	AttemptOutcomePermanent = "permanent_error"
)

// PipelineOutcome summarizes a finished pipeline run.
type PipelineOutcome struct {
	Results        ResultLocations
	PagesCrawled   int
	RecordsEmitted int
	BlocksFailed   int
	Termination    string
}

// JobEvent is published when a job reaches a terminal state.
type JobEvent struct {
	JobID      string          `json:"job_id"`
	Status     JobStatus       `json:"status"`
	Error      string          `json:"error,omitempty"`
	Results    ResultLocations `json:"results"`
	FinishedAt time.Time       `json:"finished_at"`
}
