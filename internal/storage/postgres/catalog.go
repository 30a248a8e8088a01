package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/release-harvester/internal/harvest"
)

type catalogRepo struct{ s *Store }

// UpsertMany writes each title as a JSONB document and returns how many were stored.
func (r catalogRepo) UpsertMany(ctx context.Context, titles []harvest.CatalogTitle) (int, error) {
	now := r.s.now()
	count := 0
	for _, title := range titles {
		if title.TitleID <= 0 {
			continue
		}
		title.UpdatedAt = &now
		doc, err := json.Marshal(title)
		if err != nil {
			return count, fmt.Errorf("marshal catalog title %d: %w", title.TitleID, err)
		}
		_, err = r.s.pool.Exec(ctx, `
INSERT INTO catalog_titles (title_id, document, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (title_id) DO UPDATE
SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`,
			title.TitleID, doc, now)
		if err != nil {
			return count, fmt.Errorf("upsert catalog title %d: %w", title.TitleID, err)
		}
		count++
	}
	return count, nil
}

func (r catalogRepo) GetByIDs(ctx context.Context, ids []int) (map[int]harvest.CatalogTitle, error) {
	out := make(map[int]harvest.CatalogTitle, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := r.s.sb.Select("document").From("catalog_titles").
		Where(sq.Eq{"title_id": ids}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build catalog query: %w", err)
	}
	rows, err := r.s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query catalog titles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan catalog title: %w", err)
		}
		var title harvest.CatalogTitle
		if err := json.Unmarshal(doc, &title); err != nil {
			return nil, fmt.Errorf("decode catalog title: %w", err)
		}
		out[title.TitleID] = title
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog titles: %w", err)
	}
	return out, nil
}

type settingsRepo struct{ s *Store }

// Get returns the stored settings, or the zero value when none were saved.
func (r settingsRepo) Get(ctx context.Context) (harvest.GlobalSettings, error) {
	var doc []byte
	err := r.s.pool.QueryRow(ctx, `SELECT document FROM global_settings WHERE id = 1`).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.GlobalSettings{}, nil
	}
	if err != nil {
		return harvest.GlobalSettings{}, fmt.Errorf("query settings: %w", err)
	}
	var settings harvest.GlobalSettings
	if err := json.Unmarshal(doc, &settings); err != nil {
		return harvest.GlobalSettings{}, fmt.Errorf("decode settings: %w", err)
	}
	return settings, nil
}

func (r settingsRepo) Put(ctx context.Context, settings harvest.GlobalSettings) error {
	doc, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = r.s.pool.Exec(ctx, `
INSERT INTO global_settings (id, document, updated_at)
VALUES (1, $1, $2)
ON CONFLICT (id) DO UPDATE
SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`, doc, r.s.now())
	if err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}
	return nil
}

type exportRepo struct{ s *Store }

func (r exportRepo) Record(ctx context.Context, record harvest.ExportRecord) error {
	addedAt := record.AddedAt
	if addedAt.IsZero() {
		addedAt = r.s.now()
	}
	_, err := r.s.pool.Exec(ctx, `
INSERT INTO export_history (title_id, title, torrent_path, save_path, category, infohash, added_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.TitleID, record.Title, record.TorrentPath, record.SavePath,
		record.Category, nullString(record.Infohash), addedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert export record: %w", err)
	}
	return nil
}

