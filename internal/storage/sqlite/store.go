// Package sqlite provides an embedded single-file implementation of the harvest repositories.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/release-harvester/internal/harvest"
)

// Store wraps a single-connection SQLite handle.
type Store struct {
	db  *sql.DB
	sb  sq.StatementBuilderType
	now func() time.Time
}

// Open opens (or creates) the database at path and enables WAL journaling.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage.sqlite_path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA synchronous=NORMAL;`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return &Store{
		db:  db,
		sb:  sq.StatementBuilder.PlaceholderFormat(sq.Question),
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
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
		Close:         func() { _ = s.Close() },
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	title_id   INTEGER PRIMARY KEY,
	enabled    INTEGER NOT NULL DEFAULT 0,
	document   TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS profiles_enabled_idx ON profiles (enabled);

CREATE TABLE IF NOT EXISTS seen_releases (
	title_id       INTEGER NOT NULL,
	link           TEXT NOT NULL,
	infohash       TEXT,
	title          TEXT NOT NULL,
	magnet         TEXT NOT NULL DEFAULT '',
	published_at   INTEGER,
	first_seen     INTEGER NOT NULL,
	local_path     TEXT NOT NULL DEFAULT '',
	content_sha256 TEXT NOT NULL DEFAULT '',
	exported       INTEGER NOT NULL DEFAULT 0,
	exported_at    INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS seen_releases_title_link_idx ON seen_releases (title_id, link);
CREATE UNIQUE INDEX IF NOT EXISTS seen_releases_infohash_idx ON seen_releases (infohash) WHERE infohash IS NOT NULL;

CREATE TABLE IF NOT EXISTS task_runs (
	task_id      TEXT PRIMARY KEY,
	task_type    TEXT NOT NULL,
	triggered_by TEXT NOT NULL,
	status       TEXT NOT NULL CHECK (status IN ('running','completed','failed')),
	started_at   INTEGER NOT NULL,
	completed_at INTEGER,
	parameters   TEXT NOT NULL DEFAULT '{}',
	result       TEXT NOT NULL DEFAULT '{}',
	error        TEXT NOT NULL DEFAULT '',
	processed    INTEGER NOT NULL DEFAULT 0,
	succeeded    INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS task_runs_started_idx ON task_runs (started_at DESC);
CREATE INDEX IF NOT EXISTS task_runs_status_idx ON task_runs (status);

CREATE TABLE IF NOT EXISTS catalog_titles (
	title_id   INTEGER PRIMARY KEY,
	document   TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS global_settings (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	document   TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS export_history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	title_id     INTEGER NOT NULL,
	title        TEXT NOT NULL,
	torrent_path TEXT NOT NULL,
	save_path    TEXT NOT NULL,
	category     TEXT NOT NULL,
	infohash     TEXT,
	added_at     INTEGER NOT NULL
);
`

// EnsureIndexes creates the tables and indexes when missing.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Timestamps are stored as unix nanoseconds.

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, harvest.ErrNotFound)
	}
	return fmt.Errorf("query %s: %w", what, err)
}

type scanner interface {
	Scan(dest ...any) error
}
