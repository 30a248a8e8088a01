package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/release-harvester/internal/harvest"
)

var releaseColumns = []string{
	"title_id", "link", "infohash", "title", "magnet", "published_at",
	"first_seen", "local_path", "content_sha256", "exported", "exported_at",
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
	var exists bool
	if err := r.s.pool.QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("query seen release: %w", err)
	}
	return exists, nil
}

// MarkSeen ignores conflicts on either unique index.
func (r releaseRepo) MarkSeen(ctx context.Context, release harvest.SeenRelease) error {
	if release.FirstSeen.IsZero() {
		release.FirstSeen = r.s.now()
	}
	_, err := r.s.pool.Exec(ctx, `
INSERT INTO seen_releases (
	title_id, link, infohash, title, magnet, published_at,
	first_seen, local_path, content_sha256, exported, exported_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT DO NOTHING`,
		release.TitleID,
		release.Link,
		nullString(release.Infohash),
		release.Title,
		release.Magnet,
		release.PublishedAt,
		release.FirstSeen,
		release.LocalPath,
		release.ContentSHA256,
		release.Exported,
		release.ExportedAt,
	)
	if err != nil {
		return fmt.Errorf("insert seen release: %w", err)
	}
	return nil
}

func (r releaseRepo) ListByTitle(ctx context.Context, titleID int, limit, offset int) ([]harvest.SeenRelease, error) {
	builder := r.s.sb.Select(releaseColumns...).
		From("seen_releases").
		Where(sq.Eq{"title_id": titleID}).
		OrderBy("first_seen DESC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	if offset > 0 {
		builder = builder.Offset(uint64(offset))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build release history query: %w", err)
	}
	rows, err := r.s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list seen releases: %w", err)
	}
	defer rows.Close()

	out := []harvest.SeenRelease{}
	for rows.Next() {
		var (
			rel      harvest.SeenRelease
			infohash *string
		)
		if err := rows.Scan(
			&rel.TitleID, &rel.Link, &infohash, &rel.Title, &rel.Magnet, &rel.PublishedAt,
			&rel.FirstSeen, &rel.LocalPath, &rel.ContentSHA256, &rel.Exported, &rel.ExportedAt,
		); err != nil {
			return nil, fmt.Errorf("scan seen release: %w", err)
		}
		rel.Infohash = derefString(infohash)
		rel.FirstSeen = rel.FirstSeen.UTC()
		rel.PublishedAt = utcPtr(rel.PublishedAt)
		rel.ExportedAt = utcPtr(rel.ExportedAt)
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seen releases: %w", err)
	}
	return out, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
