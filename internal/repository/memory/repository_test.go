package memory

import (
	"context"
	"errors"
	"fmt"
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

func newRepo() *Repository {
	return New(&seqID{}, &stepClock{at: time.Unix(1700000000, 0).UTC()})
}

func TestLeaseRespectsEnqueueOrder(t *testing.T) {
	t.Parallel()
	repo := newRepo()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := repo.Enqueue(ctx, scraper.JobConfig{URL: fmt.Sprintf("https://e.com/%d", i)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		rec, err := repo.LeaseNext(ctx)
		if err != nil || rec == nil {
			t.Fatalf("lease %d: rec=%v err=%v", i, rec, err)
		}
		want := fmt.Sprintf("job-%03d", i+1)
		if rec.ID != want {
			t.Fatalf("lease %d returned %s, want %s", i, rec.ID, want)
		}
	}

	rec, err := repo.LeaseNext(ctx)
	if err != nil || rec != nil {
		t.Fatalf("empty queue: rec=%v err=%v", rec, err)
	}
}

func TestConcurrentLeasesAreDistinct(t *testing.T) {
	t.Parallel()
	repo := newRepo()
	ctx := context.Background()

	const jobs = 32
	for i := 0; i < jobs; i++ {
		if _, err := repo.Enqueue(ctx, scraper.JobConfig{URL: "https://e.com"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	ids := make(chan string, jobs)
	var wg sync.WaitGroup
	for g := 0; g < jobs; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := repo.LeaseNext(ctx)
			if err != nil {
				t.Errorf("lease: %v", err)
				return
			}
			if rec != nil {
				ids <- rec.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("job %s leased twice", id)
		}
		seen[id] = true
	}
	if len(seen) != jobs {
		t.Fatalf("leased %d jobs, want %d", len(seen), jobs)
	}
}

func TestTransitionGuards(t *testing.T) {
	t.Parallel()
	repo := newRepo()
	ctx := context.Background()

	rec, err := repo.Enqueue(ctx, scraper.JobConfig{URL: "https://e.com"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := repo.MarkCompleted(ctx, rec.ID, scraper.ResultLocations{}); !errors.Is(err, scraper.ErrConflict) {
		t.Fatalf("complete pending: %v", err)
	}
	if err := repo.MarkFailed(ctx, "missing", "x"); !errors.Is(err, scraper.ErrNotFound) {
		t.Fatalf("fail missing: %v", err)
	}

	if _, err := repo.LeaseNext(ctx); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := repo.MarkCompleted(ctx, rec.ID, scraper.ResultLocations{RawPath: "a", RecordsPath: "b"}); err != nil {
		t.Fatalf("complete running: %v", err)
	}

	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != scraper.JobStatusCompleted || got.Results.RawPath != "a" {
		t.Fatalf("final: %+v", got)
	}
}
