// Package memory provides an in-process job repository for tests and
// single-run tooling.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
)

// Repository implements scraper.JobRepository with a mutex-guarded map.
type Repository struct {
	mu    sync.Mutex
	jobs  map[string]scraper.JobRecord
	ids   scraper.IDGenerator
	clock scraper.Clock
}

// New builds an empty Repository.
func New(ids scraper.IDGenerator, clock scraper.Clock) *Repository {
	return &Repository{
		jobs:  make(map[string]scraper.JobRecord),
		ids:   ids,
		clock: clock,
	}
}

// Enqueue persists a new pending job.
func (r *Repository) Enqueue(_ context.Context, cfg scraper.JobConfig) (scraper.JobRecord, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return scraper.JobRecord{}, err
	}
	now := r.clock.Now()
	rec := scraper.JobRecord{
		ID:        id,
		Status:    scraper.JobStatusPending,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.jobs[id] = rec
	r.mu.Unlock()
	return rec, nil
}

// LeaseNext claims the oldest pending job, ties broken by id.
func (r *Repository) LeaseNext(context.Context) (*scraper.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var oldest *scraper.JobRecord
	for id := range r.jobs {
		rec := r.jobs[id]
		if rec.Status != scraper.JobStatusPending {
			continue
		}
		if oldest == nil ||
			rec.CreatedAt.Before(oldest.CreatedAt) ||
			(rec.CreatedAt.Equal(oldest.CreatedAt) && rec.ID < oldest.ID) {
			oldest = &rec
		}
	}
	if oldest == nil {
		return nil, nil
	}

	oldest.Status = scraper.JobStatusRunning
	oldest.UpdatedAt = r.clock.Now()
	r.jobs[oldest.ID] = *oldest
	leased := *oldest
	return &leased, nil
}

// MarkCompleted transitions running -> completed.
func (r *Repository) MarkCompleted(_ context.Context, id string, results scraper.ResultLocations) error {
	return r.transition(id, func(rec *scraper.JobRecord) {
		rec.Status = scraper.JobStatusCompleted
		rec.Results = results
		rec.LastError = ""
	})
}

// MarkFailed transitions running -> failed.
func (r *Repository) MarkFailed(_ context.Context, id string, errText string) error {
	return r.transition(id, func(rec *scraper.JobRecord) {
		rec.Status = scraper.JobStatusFailed
		rec.LastError = errText
	})
}

// UpdateProgress advances the durable progress marker for a running job.
func (r *Repository) UpdateProgress(_ context.Context, id string, pagesCrawled int, results scraper.ResultLocations) error {
	return r.transition(id, func(rec *scraper.JobRecord) {
		rec.PagesCrawled = pagesCrawled
		rec.Results = results
	})
}

func (r *Repository) transition(id string, apply func(*scraper.JobRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok {
		return scraper.ErrNotFound
	}
	if rec.Status != scraper.JobStatusRunning {
		return scraper.ErrConflict
	}
	apply(&rec)
	rec.UpdatedAt = r.clock.Now()
	r.jobs[id] = rec
	return nil
}

// Get returns the job with the given id.
func (r *Repository) Get(_ context.Context, id string) (scraper.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok {
		return scraper.JobRecord{}, scraper.ErrNotFound
	}
	return rec, nil
}

// List returns jobs matching the filter, newest first.
func (r *Repository) List(_ context.Context, filter scraper.ListFilter) ([]scraper.JobRecord, error) {
	r.mu.Lock()
	var out []scraper.JobRecord
	for _, rec := range r.jobs {
		if filter.Status != nil && rec.Status != *filter.Status {
			continue
		}
		out = append(out, rec)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// RecoverRunning applies the policy to jobs left running by a dead process.
func (r *Repository) RecoverRunning(_ context.Context, policy scraper.RecoverPolicy) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, rec := range r.jobs {
		if rec.Status != scraper.JobStatusRunning {
			continue
		}
		switch policy {
		case scraper.RecoverRequeue:
			rec.Status = scraper.JobStatusPending
		default:
			rec.Status = scraper.JobStatusFailed
			rec.LastError = "interrupted by process restart"
		}
		rec.UpdatedAt = r.clock.Now()
		r.jobs[id] = rec
		n++
	}
	return n, nil
}
