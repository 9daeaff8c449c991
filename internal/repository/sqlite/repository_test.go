package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
)

type stepClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(time.Second)
	return c.at
}

type seqID struct {
	mu sync.Mutex
	n  int
}

func (g *seqID) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%03d", g.n), nil
}

func newRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := New(
		filepath.Join(t.TempDir(), "jobs.db"),
		&seqID{},
		&stepClock{at: time.Unix(1700000000, 0).UTC()},
	)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func enqueue(t *testing.T, repo *Repository, url string) scraper.JobRecord {
	t.Helper()
	rec, err := repo.Enqueue(context.Background(), scraper.JobConfig{
		URL:        url,
		Pagination: scraper.PaginationConfig{Strategy: scraper.PaginationNextLink, MaxPages: 2},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return rec
}

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()
	repo := newRepo(t)
	ctx := context.Background()

	rec := enqueue(t, repo, "https://example.com")
	if rec.Status != scraper.JobStatusPending {
		t.Fatalf("status after enqueue = %s", rec.Status)
	}

	leased, err := repo.LeaseNext(ctx)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if leased == nil || leased.ID != rec.ID || leased.Status != scraper.JobStatusRunning {
		t.Fatalf("unexpected lease result: %+v", leased)
	}
	if leased.Config.URL != "https://example.com" {
		t.Fatalf("config round-trip lost URL: %+v", leased.Config)
	}

	results := scraper.ResultLocations{RawPath: "/out/a.md", RecordsPath: "/out/a.json"}
	if err := repo.UpdateProgress(ctx, rec.ID, 2, results); err != nil {
		t.Fatalf("update progress: %v", err)
	}
	if err := repo.MarkCompleted(ctx, rec.ID, results); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != scraper.JobStatusCompleted || got.PagesCrawled != 2 {
		t.Fatalf("final record: %+v", got)
	}
	if got.Results != results {
		t.Fatalf("results = %+v", got.Results)
	}
}

func TestLeaseNextEmptyQueue(t *testing.T) {
	t.Parallel()
	repo := newRepo(t)

	rec, err := repo.LeaseNext(context.Background())
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if rec != nil {
		t.Fatalf("leased from empty queue: %+v", rec)
	}
}

func TestLeaseOrderIsFIFO(t *testing.T) {
	t.Parallel()
	repo := newRepo(t)
	ctx := context.Background()

	first := enqueue(t, repo, "https://example.com/1")
	second := enqueue(t, repo, "https://example.com/2")

	a, err := repo.LeaseNext(ctx)
	if err != nil {
		t.Fatalf("lease 1: %v", err)
	}
	b, err := repo.LeaseNext(ctx)
	if err != nil {
		t.Fatalf("lease 2: %v", err)
	}
	if a.ID != first.ID || b.ID != second.ID {
		t.Fatalf("lease order %s, %s; want %s, %s", a.ID, b.ID, first.ID, second.ID)
	}
}

func TestConcurrentLeasesNeverShareAJob(t *testing.T) {
	t.Parallel()
	repo := newRepo(t)
	ctx := context.Background()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		enqueue(t, repo, fmt.Sprintf("https://example.com/%d", i))
	}

	var mu sync.Mutex
	leased := make(map[string]int)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				rec, err := repo.LeaseNext(ctx)
				if err != nil {
					t.Errorf("lease: %v", err)
					return
				}
				if rec == nil {
					return
				}
				mu.Lock()
				leased[rec.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(leased) != jobs {
		t.Fatalf("leased %d distinct jobs, want %d", len(leased), jobs)
	}
	for id, n := range leased {
		if n != 1 {
			t.Fatalf("job %s leased %d times", id, n)
		}
	}
}

func TestTransitionConflicts(t *testing.T) {
	t.Parallel()
	repo := newRepo(t)
	ctx := context.Background()

	rec := enqueue(t, repo, "https://example.com")

	// Completing a pending job is a conflict.
	if err := repo.MarkCompleted(ctx, rec.ID, scraper.ResultLocations{}); !errors.Is(err, scraper.ErrConflict) {
		t.Fatalf("complete pending: %v", err)
	}

	if _, err := repo.LeaseNext(ctx); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := repo.MarkFailed(ctx, rec.ID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// Terminal states reject further transitions.
	if err := repo.MarkCompleted(ctx, rec.ID, scraper.ResultLocations{}); !errors.Is(err, scraper.ErrConflict) {
		t.Fatalf("complete failed job: %v", err)
	}
	if err := repo.UpdateProgress(ctx, rec.ID, 1, scraper.ResultLocations{}); !errors.Is(err, scraper.ErrConflict) {
		t.Fatalf("progress on failed job: %v", err)
	}

	// Unknown ids are not conflicts.
	if err := repo.MarkFailed(ctx, "nope", "x"); !errors.Is(err, scraper.ErrNotFound) {
		t.Fatalf("fail unknown: %v", err)
	}
}

func TestRecoverRunning(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("fail", func(t *testing.T) {
		t.Parallel()
		repo := newRepo(t)
		rec := enqueue(t, repo, "https://example.com")
		if _, err := repo.LeaseNext(ctx); err != nil {
			t.Fatalf("lease: %v", err)
		}

		n, err := repo.RecoverRunning(ctx, scraper.RecoverFail)
		if err != nil || n != 1 {
			t.Fatalf("recover: n=%d err=%v", n, err)
		}
		got, err := repo.Get(ctx, rec.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != scraper.JobStatusFailed || got.LastError == "" {
			t.Fatalf("recovered record: %+v", got)
		}
	})

	t.Run("requeue", func(t *testing.T) {
		t.Parallel()
		repo := newRepo(t)
		rec := enqueue(t, repo, "https://example.com")
		if _, err := repo.LeaseNext(ctx); err != nil {
			t.Fatalf("lease: %v", err)
		}

		n, err := repo.RecoverRunning(ctx, scraper.RecoverRequeue)
		if err != nil || n != 1 {
			t.Fatalf("recover: n=%d err=%v", n, err)
		}
		leased, err := repo.LeaseNext(ctx)
		if err != nil {
			t.Fatalf("re-lease: %v", err)
		}
		if leased == nil || leased.ID != rec.ID {
			t.Fatalf("requeued job not leasable: %+v", leased)
		}
	})
}

func TestListFiltersByStatus(t *testing.T) {
	t.Parallel()
	repo := newRepo(t)
	ctx := context.Background()

	enqueue(t, repo, "https://example.com/1")
	enqueue(t, repo, "https://example.com/2")
	if _, err := repo.LeaseNext(ctx); err != nil {
		t.Fatalf("lease: %v", err)
	}

	pending := scraper.JobStatusPending
	got, err := repo.List(ctx, scraper.ListFilter{Status: &pending})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Status != scraper.JobStatusPending {
		t.Fatalf("pending list: %+v", got)
	}

	all, err := repo.List(ctx, scraper.ListFilter{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all list: %d entries", len(all))
	}
}
