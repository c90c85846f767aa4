// Package postgres provides the Postgres-backed page repository.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/pagestore/internal/page"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "pages"

// Config controls the Postgres connection pool used for page rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PageStore persists pages in a single table with a unique url column.
type PageStore struct {
	pool  pool
	table string

	upsertSQL string
	listSQL   string
}

// NewPageStore connects a pool using cfg and returns a store over it.
func NewPageStore(ctx context.Context, cfg Config) (*PageStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewPageStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewPageStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPageStoreWithPool(p pool, table string) (*PageStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PageStore{
		pool:  p,
		table: table,
		// xmax is zero only on a freshly inserted tuple, which is how one
		// statement reports insert versus update.
		upsertSQL: fmt.Sprintf(`
INSERT INTO %[1]s (url, title, links, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (url) DO UPDATE
SET title = EXCLUDED.title,
	links = EXCLUDED.links,
	updated_at = GREATEST(EXCLUDED.updated_at, %[1]s.created_at)
RETURNING (xmax = 0) AS inserted, created_at, updated_at`, table),
		listSQL: fmt.Sprintf(`
SELECT url, title, cardinality(links), created_at
FROM %s
ORDER BY created_at DESC, url COLLATE "C" DESC
LIMIT $1`, table),
	}, nil
}

// Table returns the table the store writes to.
func (s *PageStore) Table() string {
	return s.table
}

// Upsert runs one INSERT .. ON CONFLICT (url) DO UPDATE statement. The
// unique index on url serializes concurrent writers for the same URL inside
// Postgres, so no caller ever sees a duplicate-key error.
func (s *PageStore) Upsert(ctx context.Context, obs page.Observation, at time.Time) (page.IngestResult, error) {
	links := obs.Links
	if links == nil {
		links = []string{}
	}
	var (
		inserted  bool
		createdAt time.Time
		updatedAt time.Time
	)
	err := s.pool.QueryRow(ctx, s.upsertSQL, obs.URL, obs.Title, links, at).
		Scan(&inserted, &createdAt, &updatedAt)
	if err != nil {
		return page.IngestResult{}, fmt.Errorf("%w: upsert page: %w", page.ErrStoreUnavailable, err)
	}
	return page.IngestResult{
		Created: inserted,
		Page: page.Page{
			URL:       obs.URL,
			Title:     obs.Title,
			Links:     append([]string(nil), links...),
			CreatedAt: createdAt.UTC(),
			UpdatedAt: updatedAt.UTC(),
		},
	}, nil
}

// ListRecent selects the newest pages; link bodies never leave the database.
func (s *PageStore) ListRecent(ctx context.Context, limit int) ([]page.Summary, error) {
	rows, err := s.pool.Query(ctx, s.listSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list pages: %w", page.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	summaries := make([]page.Summary, 0, limit)
	for rows.Next() {
		var sum page.Summary
		if err := rows.Scan(&sum.URL, &sum.Title, &sum.LinksCount, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan page row: %w", page.ErrStoreUnavailable, err)
		}
		sum.CreatedAt = sum.CreatedAt.UTC()
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate page rows: %w", page.ErrStoreUnavailable, err)
	}
	return summaries, nil
}

// Ping checks connectivity.
func (s *PageStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping postgres: %w", page.ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *PageStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
