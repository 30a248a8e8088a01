// Package storage selects the persistence backend behind the harvest repositories.
// The application stays independent of a specific database: memory for development,
// Postgres for shared deployments, SQLite for a single-file install.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/release-harvester/internal/harvest"
	"github.com/JakeFAU/release-harvester/internal/storage/memory"
	"github.com/JakeFAU/release-harvester/internal/storage/postgres"
	"github.com/JakeFAU/release-harvester/internal/storage/sqlite"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config describes which backend to open and how to reach it.
type Config struct {
	Backend    string
	DSN        string
	SQLitePath string
	MaxConns   int32
	MinConns   int32
}

// Open constructs the repositories for the configured backend.
// The caller owns the returned Close func when it is non-nil.
func Open(ctx context.Context, cfg Config) (harvest.Repositories, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		return memory.New().Repositories(), nil
	case BackendPostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.DSN,
			MaxConns: cfg.MaxConns,
			MinConns: cfg.MinConns,
		})
		if err != nil {
			return harvest.Repositories{}, fmt.Errorf("open postgres storage: %w", err)
		}
		return store.Repositories(), nil
	case BackendSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return harvest.Repositories{}, fmt.Errorf("open sqlite storage: %w", err)
		}
		return store.Repositories(), nil
	default:
		return harvest.Repositories{}, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
