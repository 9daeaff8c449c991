package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nguyentrungtung/universal-scraper-web/internal/metrics"
	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
)

func init() {
	metrics.Init()
}

// scriptedProvider answers each Extract call according to a per-block script.
type scriptedProvider struct {
	mu    sync.Mutex
	calls map[string]int
	// script maps block text to a function of the attempt count (1-based).
	script func(block string, attempt int) ([]scraper.Record, string, error)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	delay       time.Duration
}

func (p *scriptedProvider) Extract(ctx context.Context, block string, spec scraper.ExtractSpec) ([]scraper.Record, string, error) {
	cur := p.inFlight.Add(1)
	for {
		max := p.maxInFlight.Load()
		if cur <= max || p.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	defer p.inFlight.Add(-1)

	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	if p.calls == nil {
		p.calls = make(map[string]int)
	}
	p.calls[block]++
	attempt := p.calls[block]
	p.mu.Unlock()

	return p.script(block, attempt)
}

func fastRetry() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func blocks(n int) []scraper.Block {
	out := make([]scraper.Block, n)
	for i := range out {
		out[i] = scraper.Block{Ordinal: i, Text: fmt.Sprintf("block-%d", i)}
	}
	return out
}

func TestConcurrencyNeverExceedsBound(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{
		delay: 10 * time.Millisecond,
		script: func(block string, attempt int) ([]scraper.Record, string, error) {
			return []scraper.Record{{"src": block}}, "{}", nil
		},
	}
	e := New(p, nil, Config{MaxConcurrent: 2, Retry: fastRetry()}, nil)

	results := e.ExtractAll(context.Background(), "job-1", "https://example.com", blocks(8), scraper.ExtractSpec{})

	if got := p.maxInFlight.Load(); got > 2 {
		t.Fatalf("observed %d concurrent calls, bound is 2", got)
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("block %d: unexpected error %v", i, r.Err)
		}
	}
}

func TestPermanentFailureIsolatedToItsBlock(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{
		script: func(block string, attempt int) ([]scraper.Record, string, error) {
			if block == "block-1" {
				return nil, "not json at all", scraper.NewPermanentError("schema rejected", nil)
			}
			return []scraper.Record{{"src": block}}, "{}", nil
		},
	}
	sink := NewMemorySink()
	e := New(p, sink, Config{MaxConcurrent: 3, Retry: fastRetry()}, nil)

	results := e.ExtractAll(context.Background(), "job-1", "https://example.com", blocks(5), scraper.ExtractSpec{})

	if len(results) != 5 {
		t.Fatalf("got %d results, want 5", len(results))
	}
	for i, r := range results {
		if r.Block.Ordinal != i {
			t.Fatalf("result %d carries ordinal %d, want in-order results", i, r.Block.Ordinal)
		}
		if i == 1 {
			if r.Err == nil {
				t.Fatal("block 1 should have failed")
			}
			if scraper.IsTransient(r.Err) {
				t.Fatalf("block 1 error should be permanent, got %v", r.Err)
			}
			continue
		}
		if r.Err != nil {
			t.Fatalf("sibling block %d failed: %v", i, r.Err)
		}
	}

	// Permanent errors are never retried.
	if calls := p.calls["block-1"]; calls != 1 {
		t.Fatalf("permanent failure retried: %d calls", calls)
	}
	for _, a := range sink.Attempts() {
		if a.BlockOrdinal == 1 && a.Outcome != scraper.AttemptOutcomePermanent {
			t.Fatalf("block 1 attempt recorded as %q", a.Outcome)
		}
	}
}

func TestTransientFailureRetriedThenSucceeds(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{
		script: func(block string, attempt int) ([]scraper.Record, string, error) {
			if attempt < 3 {
				return nil, "", scraper.NewTransientError("rate limited", nil)
			}
			return []scraper.Record{{"src": block}}, `[{"src":"ok"}]`, nil
		},
	}
	sink := NewMemorySink()
	e := New(p, sink, Config{MaxConcurrent: 1, Retry: fastRetry()}, nil)

	results := e.ExtractAll(context.Background(), "job-1", "https://example.com", blocks(1), scraper.ExtractSpec{})
	if results[0].Err != nil {
		t.Fatalf("expected success after retries, got %v", results[0].Err)
	}
	if results[0].Result == nil || len(results[0].Result.Records) != 1 {
		t.Fatalf("missing records: %+v", results[0].Result)
	}

	attempts := sink.Attempts()
	if len(attempts) != 3 {
		t.Fatalf("got %d audit rows, want one per attempt (3)", len(attempts))
	}
	wantOutcomes := []string{
		scraper.AttemptOutcomeTransient,
		scraper.AttemptOutcomeTransient,
		scraper.AttemptOutcomeSuccess,
	}
	for i, a := range attempts {
		if a.Attempt != i+1 {
			t.Fatalf("row %d has attempt %d", i, a.Attempt)
		}
		if a.Outcome != wantOutcomes[i] {
			t.Fatalf("row %d outcome %q, want %q", i, a.Outcome, wantOutcomes[i])
		}
	}
	if attempts[2].RawResponse != `[{"src":"ok"}]` {
		t.Fatalf("raw response not preserved: %q", attempts[2].RawResponse)
	}
}

func TestTransientFailureExhaustsRetries(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{
		script: func(block string, attempt int) ([]scraper.Record, string, error) {
			return nil, "", scraper.NewTransientError("upstream timeout", errors.New("deadline"))
		},
	}
	e := New(p, nil, Config{MaxConcurrent: 1, Retry: fastRetry()}, nil)

	results := e.ExtractAll(context.Background(), "job-1", "https://example.com", blocks(1), scraper.ExtractSpec{})
	if results[0].Err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if calls := p.calls["block-0"]; calls != 3 {
		t.Fatalf("got %d calls, want 3 attempts", calls)
	}
}

func TestInputExcerptBounded(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("x", 4*excerptLimit)
	p := &scriptedProvider{
		script: func(block string, attempt int) ([]scraper.Record, string, error) {
			return nil, "", scraper.NewPermanentError("too long", nil)
		},
	}
	sink := NewMemorySink()
	e := New(p, sink, Config{MaxConcurrent: 1, Retry: fastRetry()}, nil)

	e.ExtractAll(context.Background(), "job-1", "", []scraper.Block{{Ordinal: 0, Text: big}}, scraper.ExtractSpec{})

	attempts := sink.Attempts()
	if len(attempts) != 1 {
		t.Fatalf("got %d attempts", len(attempts))
	}
	if len(attempts[0].InputExcerpt) != excerptLimit {
		t.Fatalf("excerpt length %d, want %d", len(attempts[0].InputExcerpt), excerptLimit)
	}
}

func TestExtractRecordsAttemptMetrics(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{
		script: func(block string, attempt int) ([]scraper.Record, string, error) {
			return []scraper.Record{{"src": block}}, "{}", nil
		},
	}
	e := New(p, nil, Config{MaxConcurrent: 1, Retry: fastRetry()}, nil)

	e.ExtractAll(context.Background(), "job-1", "", blocks(2), scraper.ExtractSpec{Model: "test-model"})

	// Each provider call increments the attempt counter and observes latency.
	n, err := testutil.GatherAndCount(prometheus.DefaultGatherer,
		"scraper_extraction_attempts_total", "scraper_extraction_duration_seconds")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n < 2 {
		t.Fatalf("extraction metrics not recorded: %d series", n)
	}
}

func TestCanceledContextStopsDispatch(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{
		script: func(block string, attempt int) ([]scraper.Record, string, error) {
			return []scraper.Record{{"src": block}}, "{}", nil
		},
	}
	e := New(p, nil, Config{MaxConcurrent: 2, Retry: fastRetry()}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := e.ExtractAll(ctx, "job-1", "", blocks(4), scraper.ExtractSpec{})
	for i, r := range results {
		if r.Err == nil {
			t.Fatalf("block %d dispatched despite canceled context", i)
		}
	}
}
