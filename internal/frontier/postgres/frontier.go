// Package postgres provides the Postgres-backed crawl frontier.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ruoliu2/partassist/internal/catalog"
)

type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// FrontierConfig controls the Postgres connection pool for the frontier.
type FrontierConfig struct {
	DSN         string
	MaxConns    int32
	MaxAttempts int
}

// Frontier implements catalog.Frontier on a crawl_frontier table. Leasing
// relies on FOR UPDATE SKIP LOCKED so concurrent workers never claim the
// same entry.
type Frontier struct {
	pool        db
	clock       catalog.Clock
	maxAttempts int
}

// NewFrontier connects a pool and returns a Frontier.
func NewFrontier(ctx context.Context, cfg FrontierConfig, clock catalog.Clock) (*Frontier, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newFrontier(pool, clock, cfg.MaxAttempts), nil
}

// NewFrontierWithPool constructs a Frontier from an existing pool
// (primarily for testing).
func NewFrontierWithPool(pool db, clock catalog.Clock, maxAttempts int) (*Frontier, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newFrontier(pool, clock, maxAttempts), nil
}

func newFrontier(pool db, clock catalog.Clock, maxAttempts int) *Frontier {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Frontier{pool: pool, clock: clock, maxAttempts: maxAttempts}
}

// Close releases the underlying pool resources.
func (f *Frontier) Close() {
	if f == nil || f.pool == nil {
		return
	}
	f.pool.Close()
}

// EnsureSchema creates the frontier table if it does not exist.
func (f *Frontier) EnsureSchema(ctx context.Context) error {
	_, err := f.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS crawl_frontier (
	url_canonical TEXT PRIMARY KEY,
	status        TEXT NOT NULL DEFAULT 'queued',
	attempts      INT  NOT NULL DEFAULT 0,
	source_url    TEXT NOT NULL DEFAULT '',
	lease_owner   TEXT,
	last_error    TEXT,
	discovered_at TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS crawl_frontier_status_idx
	ON crawl_frontier (status, discovered_at)`)
	if err != nil {
		return fmt.Errorf("ensure frontier schema: %w", err)
	}
	return nil
}

// Enqueue inserts a queued entry if the canonical URL is unseen. With
// forceRequeue set, terminal entries are reset to queued.
func (f *Frontier) Enqueue(ctx context.Context, urlCanonical, sourceURL string, forceRequeue bool) error {
	now := f.clock.Now()
	query := `
INSERT INTO crawl_frontier (url_canonical, status, source_url, discovered_at, updated_at)
VALUES ($1, 'queued', $2, $3, $3)
ON CONFLICT (url_canonical) DO NOTHING`
	if forceRequeue {
		query = `
INSERT INTO crawl_frontier (url_canonical, status, source_url, discovered_at, updated_at)
VALUES ($1, 'queued', $2, $3, $3)
ON CONFLICT (url_canonical) DO UPDATE
SET status = 'queued', attempts = 0, last_error = NULL, updated_at = EXCLUDED.updated_at
WHERE crawl_frontier.status IN ('done', 'failed')`
	}
	if _, err := f.pool.Exec(ctx, query, urlCanonical, sourceURL, now); err != nil {
		return fmt.Errorf("enqueue %s: %w", urlCanonical, err)
	}
	return nil
}

// Lease claims the oldest queued entry for the worker. The claim and the
// attempt increment happen in one statement so a crash between them is
// impossible.
func (f *Frontier) Lease(ctx context.Context, workerID string) (catalog.FrontierEntry, error) {
	row := f.pool.QueryRow(ctx, `
UPDATE crawl_frontier
SET status = 'processing', attempts = attempts + 1, lease_owner = $1, updated_at = $2
WHERE url_canonical = (
	SELECT url_canonical FROM crawl_frontier
	WHERE status = 'queued'
	ORDER BY discovered_at
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING url_canonical, status, attempts, source_url, discovered_at, updated_at,
	COALESCE(lease_owner, ''), COALESCE(last_error, '')`,
		workerID, f.clock.Now())

	var entry catalog.FrontierEntry
	err := row.Scan(
		&entry.URLCanonical,
		&entry.Status,
		&entry.Attempts,
		&entry.SourceURL,
		&entry.DiscoveredAt,
		&entry.UpdatedAt,
		&entry.LeaseOwner,
		&entry.LastError,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.FrontierEntry{}, catalog.ErrNotFound
	}
	if err != nil {
		return catalog.FrontierEntry{}, fmt.Errorf("lease frontier entry: %w", err)
	}
	return entry, nil
}

// Complete marks the entry done and releases its lease.
func (f *Frontier) Complete(ctx context.Context, urlCanonical string) error {
	tag, err := f.pool.Exec(ctx, `
UPDATE crawl_frontier
SET status = 'done', lease_owner = NULL, updated_at = $2
WHERE url_canonical = $1`,
		urlCanonical, f.clock.Now())
	if err != nil {
		return fmt.Errorf("complete %s: %w", urlCanonical, err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

// Fail records the error and requeues the entry while attempts remain.
func (f *Frontier) Fail(ctx context.Context, urlCanonical string, cause error) error {
	causeText := ""
	if cause != nil {
		causeText = cause.Error()
	}
	tag, err := f.pool.Exec(ctx, `
UPDATE crawl_frontier
SET status = CASE WHEN attempts >= $2 THEN 'failed' ELSE 'queued' END,
	last_error = $3, lease_owner = NULL, updated_at = $4
WHERE url_canonical = $1`,
		urlCanonical, f.maxAttempts, causeText, f.clock.Now())
	if err != nil {
		return fmt.Errorf("fail %s: %w", urlCanonical, err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

// Reclaim requeues processing entries whose lease is older than the cutoff.
func (f *Frontier) Reclaim(ctx context.Context, olderThan time.Duration) (int, error) {
	now := f.clock.Now()
	tag, err := f.pool.Exec(ctx, `
UPDATE crawl_frontier
SET status = 'queued', lease_owner = NULL, updated_at = $2
WHERE status = 'processing' AND updated_at < $1`,
		now.Add(-olderThan), now)
	if err != nil {
		return 0, fmt.Errorf("reclaim frontier entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PendingCount reports queued plus processing entries.
func (f *Frontier) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := f.pool.QueryRow(ctx, `
SELECT count(*) FROM crawl_frontier WHERE status IN ('queued', 'processing')`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending frontier entries: %w", err)
	}
	return count, nil
}
