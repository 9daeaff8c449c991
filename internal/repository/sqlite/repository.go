// Package sqlite provides a single-node job repository backed by SQLite. It
// covers local deployments that have no Postgres around.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/nguyentrungtung/universal-scraper-web/internal/scraper"
)

// Repository implements scraper.JobRepository on SQLite. Leases run inside an
// exclusive transaction serialized by a process-local mutex; SQLite has no
// SKIP LOCKED, so the mutex keeps concurrent leasers from retrying on
// SQLITE_BUSY.
type Repository struct {
	db      *sql.DB
	leaseMu sync.Mutex
	ids     scraper.IDGenerator
	clock   scraper.Clock
}

// New opens (or creates) the SQLite database at dbPath and runs migrations.
func New(dbPath string, ids scraper.IDGenerator, clock scraper.Clock) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	r := &Repository{db: db, ids: ids, clock: clock}
	if err = r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

func (r *Repository) migrate() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id            TEXT PRIMARY KEY,
			status        TEXT NOT NULL,
			config        TEXT NOT NULL,
			created_at    DATETIME NOT NULL,
			updated_at    DATETIME NOT NULL,
			pages_crawled INTEGER NOT NULL DEFAULT 0,
			raw_path      TEXT NOT NULL DEFAULT '',
			records_path  TEXT NOT NULL DEFAULT '',
			last_error    TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at, id);
	`)
	return err
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
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

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, scraper.JobStatusPending, string(cfgJSON), now, now)
	if err != nil {
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
	r.leaseMu.Lock()
	defer r.leaseMu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lease tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	row := tx.QueryRowContext(ctx, `
		SELECT id FROM jobs WHERE status = ?
		ORDER BY created_at, id
		LIMIT 1
	`, scraper.JobStatusPending)

	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select pending job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, scraper.JobStatusRunning, r.clock.Now(), id, scraper.JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		if err != nil {
			return nil, err
		}
		return nil, scraper.ErrConflict
	}

	rec, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("load leased job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}
	return &rec, nil
}

// MarkCompleted transitions running -> completed.
func (r *Repository) MarkCompleted(ctx context.Context, id string, results scraper.ResultLocations) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?, raw_path = ?, records_path = ?, last_error = ''
		WHERE id = ? AND status = ?
	`, scraper.JobStatusCompleted, r.clock.Now(), results.RawPath, results.RecordsPath,
		id, scraper.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("mark job %s completed: %w", id, err)
	}
	return r.transitionResult(ctx, id, res)
}

// MarkFailed transitions running -> failed.
func (r *Repository) MarkFailed(ctx context.Context, id string, errText string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?, last_error = ?
		WHERE id = ? AND status = ?
	`, scraper.JobStatusFailed, r.clock.Now(), errText, id, scraper.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("mark job %s failed: %w", id, err)
	}
	return r.transitionResult(ctx, id, res)
}

// UpdateProgress advances the durable progress marker for a running job.
func (r *Repository) UpdateProgress(ctx context.Context, id string, pagesCrawled int, results scraper.ResultLocations) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET pages_crawled = ?, raw_path = ?, records_path = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, pagesCrawled, results.RawPath, results.RecordsPath, r.clock.Now(),
		id, scraper.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("update progress for job %s: %w", id, err)
	}
	return r.transitionResult(ctx, id, res)
}

func (r *Repository) transitionResult(ctx context.Context, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return scraper.ErrConflict
}

// Get returns the job with the given id.
func (r *Repository) Get(ctx context.Context, id string) (scraper.JobRecord, error) {
	rec, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

	var rows *sql.Rows
	var err error
	if filter.Status != nil {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+jobColumns+` FROM jobs WHERE status = ?
			ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?
		`, *filter.Status, limit, offset)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+jobColumns+` FROM jobs
			ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?
		`, limit, offset)
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
	var res sql.Result
	var err error
	switch policy {
	case scraper.RecoverRequeue:
		res, err = r.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?
		`, scraper.JobStatusPending, r.clock.Now(), scraper.JobStatusRunning)
	case scraper.RecoverFail:
		res, err = r.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, updated_at = ?, last_error = ? WHERE status = ?
		`, scraper.JobStatusFailed, r.clock.Now(), "interrupted by process restart", scraper.JobStatusRunning)
	default:
		return 0, fmt.Errorf("unknown recover policy %q", policy)
	}
	if err != nil {
		return 0, fmt.Errorf("recover running jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (scraper.JobRecord, error) {
	var rec scraper.JobRecord
	var cfgJSON string
	if err := row.Scan(
		&rec.ID, &rec.Status, &cfgJSON, &rec.CreatedAt, &rec.UpdatedAt,
		&rec.PagesCrawled, &rec.Results.RawPath, &rec.Results.RecordsPath, &rec.LastError,
	); err != nil {
		return scraper.JobRecord{}, err
	}
	if err := json.Unmarshal([]byte(cfgJSON), &rec.Config); err != nil {
		return scraper.JobRecord{}, fmt.Errorf("decode job config: %w", err)
	}
	return rec, nil
}
