package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/release-harvester/internal/harvest"
)

type profileRepo struct{ s *Store }

func (r profileRepo) Get(ctx context.Context, titleID int) (harvest.Profile, error) {
	row := r.s.db.QueryRowContext(ctx,
		`SELECT document, created_at, updated_at FROM profiles WHERE title_id = ?`, titleID)
	p, err := scanProfile(row)
	if err != nil {
		return harvest.Profile{}, notFound(err, fmt.Sprintf("profile %d", titleID))
	}
	return p, nil
}

func (r profileRepo) Upsert(ctx context.Context, profile harvest.Profile) error {
	if profile.TitleID <= 0 {
		return fmt.Errorf("title id must be positive: %w", harvest.ErrInvalidInput)
	}
	now := r.s.now()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now
	doc, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	_, err = r.s.db.ExecContext(ctx, `
INSERT INTO profiles (title_id, enabled, document, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (title_id) DO UPDATE
SET enabled = excluded.enabled, document = excluded.document, updated_at = excluded.updated_at`,
		profile.TitleID, boolInt(profile.Enabled), string(doc), toNanos(profile.CreatedAt), toNanos(now))
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (r profileRepo) List(ctx context.Context) ([]harvest.Profile, error) {
	return r.list(ctx, `SELECT document, created_at, updated_at FROM profiles ORDER BY title_id`)
}

func (r profileRepo) ListEnabled(ctx context.Context) ([]harvest.Profile, error) {
	return r.list(ctx, `SELECT document, created_at, updated_at FROM profiles WHERE enabled = 1 ORDER BY title_id`)
}

func (r profileRepo) list(ctx context.Context, query string) ([]harvest.Profile, error) {
	rows, err := r.s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	out := []harvest.Profile{}
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return out, nil
}

func (r profileRepo) Delete(ctx context.Context, titleID int) error {
	res, err := r.s.db.ExecContext(ctx, `DELETE FROM profiles WHERE title_id = ?`, titleID)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("profile %d: %w", titleID, harvest.ErrNotFound)
	}
	return nil
}

func scanProfile(row scanner) (harvest.Profile, error) {
	var (
		doc                  string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&doc, &createdAt, &updatedAt); err != nil {
		return harvest.Profile{}, err
	}
	var p harvest.Profile
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return harvest.Profile{}, fmt.Errorf("decode profile document: %w", err)
	}
	p.CreatedAt = fromNanos(createdAt)
	p.UpdatedAt = fromNanos(updatedAt)
	if p.Includes == nil {
		p.Includes = []string{}
	}
	if p.Excludes == nil {
		p.Excludes = []string{}
	}
	return p, nil
}

type releaseRepo struct{ s *Store }

func (r releaseRepo) Exists(ctx context.Context, titleID int, infohash, link string) (bool, error) {
	// Links are scoped per title; the infohash index is global.
	var match sq.Sqlizer = sq.And{sq.Eq{"title_id": titleID}, sq.Eq{"link": link}}
	if infohash != "" {
		match = sq.Or{match, sq.Eq{"infohash": infohash}}
	}
	query, args, err := r.s.sb.Select("1").
		Prefix("SELECT EXISTS (").
		From("seen_releases").
		Where(match).
		Suffix(")").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build exists query: %w", err)
	}
	var exists int
	if err := r.s.db.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("query seen release: %w", err)
	}
	return exists == 1, nil
}

// MarkSeen relies on INSERT OR IGNORE against both unique indexes.
func (r releaseRepo) MarkSeen(ctx context.Context, release harvest.SeenRelease) error {
	if release.FirstSeen.IsZero() {
		release.FirstSeen = r.s.now()
	}
	_, err := r.s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO seen_releases (
	title_id, link, infohash, title, magnet, published_at,
	first_seen, local_path, content_sha256, exported, exported_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		release.TitleID,
		release.Link,
		nullString(release.Infohash),
		release.Title,
		release.Magnet,
		nullNanos(release.PublishedAt),
		toNanos(release.FirstSeen),
		release.LocalPath,
		release.ContentSHA256,
		boolInt(release.Exported),
		nullNanos(release.ExportedAt),
	)
	if err != nil {
		return fmt.Errorf("insert seen release: %w", err)
	}
	return nil
}

func (r releaseRepo) ListByTitle(ctx context.Context, titleID int, limit, offset int) ([]harvest.SeenRelease, error) {
	builder := r.s.sb.Select(
		"title_id", "link", "infohash", "title", "magnet", "published_at",
		"first_seen", "local_path", "content_sha256", "exported", "exported_at",
	).From("seen_releases").
		Where(sq.Eq{"title_id": titleID}).
		OrderBy("first_seen DESC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	} else if offset > 0 {
		builder = builder.Limit(math.MaxInt64)
	}
	if offset > 0 {
		builder = builder.Offset(uint64(offset))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build release history query: %w", err)
	}
	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list seen releases: %w", err)
	}
	defer rows.Close()

	out := []harvest.SeenRelease{}
	for rows.Next() {
		var (
			rel                     harvest.SeenRelease
			infohash                sql.NullString
			published, exportedAt   sql.NullInt64
			firstSeen, exportedFlag int64
		)
		if err := rows.Scan(
			&rel.TitleID, &rel.Link, &infohash, &rel.Title, &rel.Magnet, &published,
			&firstSeen, &rel.LocalPath, &rel.ContentSHA256, &exportedFlag, &exportedAt,
		); err != nil {
			return nil, fmt.Errorf("scan seen release: %w", err)
		}
		rel.Infohash = infohash.String
		rel.PublishedAt = timePtr(published)
		rel.FirstSeen = fromNanos(firstSeen)
		rel.Exported = exportedFlag == 1
		rel.ExportedAt = timePtr(exportedAt)
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seen releases: %w", err)
	}
	return out, nil
}

type catalogRepo struct{ s *Store }

func (r catalogRepo) UpsertMany(ctx context.Context, titles []harvest.CatalogTitle) (int, error) {
	now := r.s.now()
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin catalog upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	count := 0
	for _, title := range titles {
		if title.TitleID <= 0 {
			continue
		}
		title.UpdatedAt = &now
		doc, err := json.Marshal(title)
		if err != nil {
			return 0, fmt.Errorf("marshal catalog title %d: %w", title.TitleID, err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO catalog_titles (title_id, document, updated_at) VALUES (?, ?, ?)
ON CONFLICT (title_id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
			title.TitleID, string(doc), toNanos(now)); err != nil {
			return 0, fmt.Errorf("upsert catalog title %d: %w", title.TitleID, err)
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit catalog upsert: %w", err)
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
	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query catalog titles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan catalog title: %w", err)
		}
		var title harvest.CatalogTitle
		if err := json.Unmarshal([]byte(doc), &title); err != nil {
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

func (r settingsRepo) Get(ctx context.Context) (harvest.GlobalSettings, error) {
	var doc string
	err := r.s.db.QueryRowContext(ctx, `SELECT document FROM global_settings WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return harvest.GlobalSettings{}, nil
	}
	if err != nil {
		return harvest.GlobalSettings{}, fmt.Errorf("query settings: %w", err)
	}
	var settings harvest.GlobalSettings
	if err := json.Unmarshal([]byte(doc), &settings); err != nil {
		return harvest.GlobalSettings{}, fmt.Errorf("decode settings: %w", err)
	}
	return settings, nil
}

func (r settingsRepo) Put(ctx context.Context, settings harvest.GlobalSettings) error {
	doc, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = r.s.db.ExecContext(ctx, `
INSERT INTO global_settings (id, document, updated_at) VALUES (1, ?, ?)
ON CONFLICT (id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		string(doc), toNanos(r.s.now()))
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
	_, err := r.s.db.ExecContext(ctx, `
INSERT INTO export_history (title_id, title, torrent_path, save_path, category, infohash, added_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.TitleID, record.Title, record.TorrentPath, record.SavePath,
		record.Category, nullString(record.Infohash), toNanos(addedAt))
	if err != nil {
		return fmt.Errorf("insert export record: %w", err)
	}
	return nil
}
