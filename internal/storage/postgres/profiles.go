package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/release-harvester/internal/harvest"
)

type profileRepo struct{ s *Store }

func (r profileRepo) Get(ctx context.Context, titleID int) (harvest.Profile, error) {
	row := r.s.pool.QueryRow(ctx,
		`SELECT document, created_at, updated_at FROM profiles WHERE title_id = $1`, titleID)
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
	_, err = r.s.pool.Exec(ctx, `
INSERT INTO profiles (title_id, enabled, document, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (title_id) DO UPDATE
SET enabled = EXCLUDED.enabled, document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`,
		profile.TitleID, profile.Enabled, doc, profile.CreatedAt, profile.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (r profileRepo) List(ctx context.Context) ([]harvest.Profile, error) {
	return r.list(ctx, `SELECT document, created_at, updated_at FROM profiles ORDER BY title_id`)
}

func (r profileRepo) ListEnabled(ctx context.Context) ([]harvest.Profile, error) {
	return r.list(ctx,
		`SELECT document, created_at, updated_at FROM profiles WHERE enabled = TRUE ORDER BY title_id`)
}

func (r profileRepo) list(ctx context.Context, query string) ([]harvest.Profile, error) {
	rows, err := r.s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []harvest.Profile
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
	tag, err := r.s.pool.Exec(ctx, `DELETE FROM profiles WHERE title_id = $1`, titleID)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("profile %d: %w", titleID, harvest.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (harvest.Profile, error) {
	var (
		doc       []byte
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&doc, &createdAt, &updatedAt); err != nil {
		return harvest.Profile{}, err
	}
	var p harvest.Profile
	if err := json.Unmarshal(doc, &p); err != nil {
		return harvest.Profile{}, fmt.Errorf("decode profile document: %w", err)
	}
	p.CreatedAt = createdAt.UTC()
	p.UpdatedAt = updatedAt.UTC()
	if p.Includes == nil {
		p.Includes = []string{}
	}
	if p.Excludes == nil {
		p.Excludes = []string{}
	}
	return p, nil
}
