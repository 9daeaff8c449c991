// Package postgres provides the Postgres-backed job repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Repository implements scraper.JobRepository on Postgres. Lease atomicity
// relies on FOR UPDATE SKIP LOCKED, so concurrent workers never claim the
// same job.
type Repository struct {
	pool  dbPool
	ids   scraper.IDGenerator
	clock scraper.Clock
}

// New connects a Repository using the provided config.
func New(ctx context.Context, cfg Config, ids scraper.IDGenerator, clock scraper.Clock) (*Repository, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	r := NewWithPool(pool, ids, clock)
	if err := r.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS jobs (
			id            TEXT PRIMARY KEY,
			status        TEXT NOT NULL,
			config        JSONB NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL,
			pages_crawled INT NOT NULL DEFAULT 0,
			raw_path      TEXT NOT NULL DEFAULT '',
			records_path  TEXT NOT NULL DEFAULT '',
			last_error    TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at, id);
	`
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate jobs table: %w", err)
	}
	return nil
}

// NewWithPool wires a Repository over an existing pool. Used by tests.
func NewWithPool(pool dbPool, ids scraper.IDGenerator, clock scraper.Clock) *Repository {
	return &Repository{pool: pool, ids: ids, clock: clock}
}

// Close closes the underlying connection pool.
func (r *Repository) Close() {
	r.pool.Close()
}

const jobColumns = `id, status, config, created_at, updated_at, pages_crawled, raw_path, records_path, last_error`

// Enqueue persists a new pending job.
func (r *Repository) Enqueue(ctx context.Context, cfg scraper.JobConfig) (scraper.JobRecord, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return scraper.JobRecord{}, err
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return scraper.JobRecord{}, fmt.Errorf("encode job config: %w", err)
	}
	now := r.clock.Now()

	query := `
		INSERT INTO jobs (id, status, config, created_at, updated_at, pages_crawled)
		VALUES ($1, $2, $3, $4, $4, 0);
	`
	if _, err := r.pool.Exec(ctx, query, id, scraper.JobStatusPending, cfgJSON, now); err != nil {
		return scraper.JobRecord{}, fmt.Errorf("enqueue job: %w", err)
	}
	return scraper.JobRecord{
		ID:        id,
		Status:    scraper.JobStatusPending,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// LeaseNext atomically claims the oldest pending job.
func (r *Repository) LeaseNext(ctx context.Context) (*scraper.JobRecord, error) {
	query := `
		UPDATE jobs SET status = $1, updated_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $3
			ORDER BY created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns + `;
	`
	row := r.pool.QueryRow(ctx, query, scraper.JobStatusRunning, r.clock.Now(), scraper.JobStatusPending)
	rec, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lease next job: %w", err)
	}
	return &rec, nil
}

// MarkCompleted transitions running -> completed.
func (r *Repository) MarkCompleted(ctx context.Context, id string, results scraper.ResultLocations) error {
	query := `
		UPDATE jobs SET status = $1, updated_at = $2, raw_path = $3, records_path = $4, last_error = ''
		WHERE id = $5 AND status = $6;
	`
	tag, err := r.pool.Exec(ctx, query,
		scraper.JobStatusCompleted, r.clock.Now(), results.RawPath, results.RecordsPath,
		id, scraper.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("mark job %s completed: %w", id, err)
	}
	return r.transitionResult(ctx, id, tag)
}

// MarkFailed transitions running -> failed.
func (r *Repository) MarkFailed(ctx context.Context, id string, errText string) error {
	query := `
		UPDATE jobs SET status = $1, updated_at = $2, last_error = $3
		WHERE id = $4 AND status = $5;
	`
	tag, err := r.pool.Exec(ctx, query,
		scraper.JobStatusFailed, r.clock.Now(), errText,
		id, scraper.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("mark job %s failed: %w", id, err)
	}
	return r.transitionResult(ctx, id, tag)
}

// UpdateProgress advances the durable progress marker for a running job.
func (r *Repository) UpdateProgress(ctx context.Context, id string, pagesCrawled int, results scraper.ResultLocations) error {
	query := `
		UPDATE jobs SET pages_crawled = $1, raw_path = $2, records_path = $3, updated_at = $4
		WHERE id = $5 AND status = $6;
	`
	tag, err := r.pool.Exec(ctx, query,
		pagesCrawled, results.RawPath, results.RecordsPath, r.clock.Now(),
		id, scraper.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("update progress for job %s: %w", id, err)
	}
	return r.transitionResult(ctx, id, tag)
}

// transitionResult distinguishes a missing row from a wrong-state row after a
// guarded update touched nothing.
func (r *Repository) transitionResult(ctx context.Context, id string, tag pgconn.CommandTag) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return scraper.ErrConflict
}

// Get returns the job with the given id.
func (r *Repository) Get(ctx context.Context, id string) (scraper.JobRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, id)
	rec, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scraper.JobRecord{}, scraper.ErrNotFound
		}
		return scraper.JobRecord{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return rec, nil
}

// List returns jobs matching the filter, newest first.
func (r *Repository) List(ctx context.Context, filter scraper.ListFilter) ([]scraper.JobRecord, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var rows pgx.Rows
	var err error
	if filter.Status != nil {
		query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3;`
		rows, err = r.pool.Query(ctx, query, *filter.Status, limit, offset)
	} else {
		query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2;`
		rows, err = r.pool.Query(ctx, query, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []scraper.JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// RecoverRunning applies the policy to jobs left running by a dead process.
func (r *Repository) RecoverRunning(ctx context.Context, policy scraper.RecoverPolicy) (int, error) {
	var query string
	switch policy {
	case scraper.RecoverRequeue:
		query = `UPDATE jobs SET status = $1, updated_at = $2 WHERE status = $3;`
		tag, err := r.pool.Exec(ctx, query, scraper.JobStatusPending, r.clock.Now(), scraper.JobStatusRunning)
		if err != nil {
			return 0, fmt.Errorf("requeue running jobs: %w", err)
		}
		return int(tag.RowsAffected()), nil
	case scraper.RecoverFail:
		query = `UPDATE jobs SET status = $1, updated_at = $2, last_error = $3 WHERE status = $4;`
		tag, err := r.pool.Exec(ctx, query,
			scraper.JobStatusFailed, r.clock.Now(), "interrupted by process restart", scraper.JobStatusRunning)
		if err != nil {
			return 0, fmt.Errorf("fail running jobs: %w", err)
		}
		return int(tag.RowsAffected()), nil
	default:
		return 0, fmt.Errorf("unknown recover policy %q", policy)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (scraper.JobRecord, error) {
	var rec scraper.JobRecord
	var cfgJSON []byte
	if err := row.Scan(
		&rec.ID, &rec.Status, &cfgJSON, &rec.CreatedAt, &rec.UpdatedAt,
		&rec.PagesCrawled, &rec.Results.RawPath, &rec.Results.RecordsPath, &rec.LastError,
	); err != nil {
		return scraper.JobRecord{}, err
	}
	if err := json.Unmarshal(cfgJSON, &rec.Config); err != nil {
		return scraper.JobRecord{}, fmt.Errorf("decode job config: %w", err)
	}
	return rec, nil
}
