// Package postgres provides Postgres-backed implementations of the harvest repositories.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/release-harvester/internal/harvest"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool used by the store; pgxmock satisfies it in tests.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store owns the pool shared by every repository.
type Store struct {
	pool pool
	sb   sq.StatementBuilderType
	now  func() time.Time
}

// New connects to Postgres using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("storage.dsn is required")
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
	return NewWithPool(p)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{
		pool: p,
		sb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Repositories exposes the store through the harvest contracts.
func (s *Store) Repositories() harvest.Repositories {
	return harvest.Repositories{
		Profiles:      profileRepo{s},
		Releases:      releaseRepo{s},
		Tasks:         taskRepo{s},
		Catalog:       catalogRepo{s},
		Settings:      settingsRepo{s},
		Exports:       exportRepo{s},
		EnsureIndexes: s.EnsureIndexes,
		Close:         s.Close,
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
	title_id   INTEGER PRIMARY KEY,
	enabled    BOOLEAN NOT NULL DEFAULT FALSE,
	document   JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS profiles_enabled_idx ON profiles (enabled)`,
	`CREATE TABLE IF NOT EXISTS seen_releases (
	title_id       INTEGER NOT NULL,
	link           TEXT NOT NULL,
	infohash       TEXT,
	title          TEXT NOT NULL,
	magnet         TEXT NOT NULL DEFAULT '',
	published_at   TIMESTAMPTZ,
	first_seen     TIMESTAMPTZ NOT NULL,
	local_path     TEXT NOT NULL DEFAULT '',
	content_sha256 TEXT NOT NULL DEFAULT '',
	exported       BOOLEAN NOT NULL DEFAULT FALSE,
	exported_at    TIMESTAMPTZ
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS seen_releases_title_link_idx ON seen_releases (title_id, link)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS seen_releases_infohash_idx ON seen_releases (infohash) WHERE infohash IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS task_runs (
	task_id      TEXT PRIMARY KEY,
	task_type    TEXT NOT NULL,
	triggered_by TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	parameters   JSONB NOT NULL DEFAULT '{}',
	result       JSONB NOT NULL DEFAULT '{}',
	error        TEXT NOT NULL DEFAULT '',
	processed    INTEGER NOT NULL DEFAULT 0,
	succeeded    INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS task_runs_started_idx ON task_runs (started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS task_runs_status_idx ON task_runs (status)`,
	`CREATE INDEX IF NOT EXISTS task_runs_type_idx ON task_runs (task_type)`,
	`CREATE TABLE IF NOT EXISTS catalog_titles (
	title_id   INTEGER PRIMARY KEY,
	document   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS catalog_titles_updated_idx ON catalog_titles (updated_at)`,
	`CREATE TABLE IF NOT EXISTS global_settings (
	id         SMALLINT PRIMARY KEY CHECK (id = 1),
	document   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS export_history (
	id           BIGSERIAL PRIMARY KEY,
	title_id     INTEGER NOT NULL,
	title        TEXT NOT NULL,
	torrent_path TEXT NOT NULL,
	save_path    TEXT NOT NULL,
	category     TEXT NOT NULL,
	infohash     TEXT,
	added_at     TIMESTAMPTZ NOT NULL
)`,
}

// EnsureIndexes creates the tables and indexes when missing.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, harvest.ErrNotFound)
	}
	return fmt.Errorf("query %s: %w", what, err)
}
