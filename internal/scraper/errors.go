package scraper

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across repository implementations.
var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when a status transition is attempted on a
	// record that is not in the expected state. It indicates a concurrency
	// bug and is fatal to the worker.
	ErrConflict = errors.New("job status conflict")
)

// ErrorKind classifies a provider failure.
type ErrorKind int

// Provider failure classes.
const (
	// ErrorTransient covers timeouts, rate limits and transient network
	// failures; the extractor retries these.
	ErrorTransient ErrorKind = iota
	// ErrorPermanent covers schema rejections and over-length inputs; never
	// retried.
	ErrorPermanent
)

func (k ErrorKind) String() string {
	if k == ErrorPermanent {
		return "permanent"
	}
	return "transient"
}

// ExtractionError wraps a provider failure with its retry class.
type ExtractionError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("extraction %s: %s", e.Kind, e.Message)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// NewTransientError builds a retryable extraction error.
func NewTransientError(message string, err error) *ExtractionError {
	return &ExtractionError{Kind: ErrorTransient, Message: message, Err: err}
}

// NewPermanentError builds a non-retryable extraction error.
func NewPermanentError(message string, err error) *ExtractionError {
	return &ExtractionError{Kind: ErrorPermanent, Message: message, Err: err}
}

// IsTransient reports whether err is a retryable extraction error. Unknown
// errors are treated as transient so that one flaky provider response does
// not permanently fail a block.
func IsTransient(err error) bool {
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return ee.Kind == ErrorTransient
	}
	return true
}

// FetchError marks a page as unfetchable after the fetcher exhausted its own
// retries.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StorageWriteError is fatal to a job: the streaming guarantees cannot be
// upheld once a durable write fails.
type StorageWriteError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("storage write %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageWriteError) Unwrap() error {
	return e.Err
}

// DegradedError fails a job whose block failure rate crossed the configured
// threshold.
type DegradedError struct {
	Failed    int
	Total     int
	Threshold float64
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("extraction degraded: %d/%d blocks failed (threshold %.2f)", e.Failed, e.Total, e.Threshold)
}
