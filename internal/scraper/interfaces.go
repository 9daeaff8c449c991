package scraper

import (
	"context"
	"time"
)

// ListFilter narrows JobRepository.List results.
type ListFilter struct {
	Status *JobStatus
	Limit  int
	Offset int
}

// RecoverPolicy decides what happens to jobs left running by a crashed
// process. The repository exposes the mechanism; the worker config picks the
// policy.
type RecoverPolicy string

// Recovery policies for jobs found in the running state at startup.
const (
	RecoverFail    RecoverPolicy = "fail"
	RecoverRequeue RecoverPolicy = "requeue"
)

// JobRepository is the durable store of job records. All mutations must be
// atomic with respect to concurrent leasers: two concurrent LeaseNext calls
// never return the same record.
type JobRepository interface {
	// Enqueue persists a new pending job and returns the stored record.
	Enqueue(ctx context.Context, cfg JobConfig) (JobRecord, error)
	// LeaseNext atomically claims the oldest pending job (ties broken by id),
	// transitions it to running and returns it. Returns (nil, nil) when no
	// pending job exists.
	LeaseNext(ctx context.Context) (*JobRecord, error)
	// MarkCompleted transitions running -> completed. Returns ErrConflict if
	// the record is not currently running.
	MarkCompleted(ctx context.Context, id string, results ResultLocations) error
	// MarkFailed transitions running -> failed. Returns ErrConflict if the
	// record is not currently running.
	MarkFailed(ctx context.Context, id string, errText string) error
	// UpdateProgress advances the durable progress marker for a running job.
	UpdateProgress(ctx context.Context, id string, pagesCrawled int, results ResultLocations) error
	Get(ctx context.Context, id string) (JobRecord, error)
	List(ctx context.Context, filter ListFilter) ([]JobRecord, error)
	// RecoverRunning applies the policy to jobs stuck in running from a
	// previous process and returns how many were affected.
	RecoverRunning(ctx context.Context, policy RecoverPolicy) (int, error)
}

// Fetcher turns a URL into page content. Implementations own retries, proxy
// handling and rendering; a returned error means the page is unfetchable.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts FetchOptions) (FetchResult, error)
}

// ExtractSpec is the provider-facing slice of the job's AI configuration.
type ExtractSpec struct {
	Instruction string
	Schema      []byte
	Model       string
}

// Provider is the AI extraction backend. It returns the structured records
// for one block plus the raw model response for the diagnostic sink. Errors
// should be *ExtractionError so the extractor can classify them.
type Provider interface {
	Extract(ctx context.Context, block string, spec ExtractSpec) ([]Record, string, error)
}

// DiagnosticSink records every provider attempt for offline audit. Sinks are
// best-effort: a sink failure must never fail the extraction.
type DiagnosticSink interface {
	Record(attempt AttemptRecord)
}

// Publisher pushes terminal job events to a message bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Archiver copies finalized output files to long-term storage and returns
// their URIs.
type Archiver interface {
	Archive(ctx context.Context, jobID string, paths []string) ([]string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
