package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/release-harvester/internal/harvest"
	"github.com/JakeFAU/release-harvester/internal/pathtmpl"
)

// buildQuery picks the explicit query, or joins the catalog names when the
// profile opts into synonym queries. It returns "" when neither applies.
func buildQuery(p harvest.Profile, title *harvest.CatalogTitle) string {
	if q := strings.TrimSpace(p.SearchQuery); q != "" {
		return q
	}
	if !p.AutoQueryFromSynonyms || title == nil {
		return ""
	}
	names := []string{title.Titles.Romaji, title.Titles.English, title.Titles.Native}
	names = append(names, title.Synonyms...)

	seen := make(map[string]struct{}, len(names))
	parts := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		parts = append(parts, name)
	}
	return strings.Join(parts, " ")
}

func catalogContext(t harvest.CatalogTitle) map[string]any {
	out := map[string]any{
		"anilist_id": t.TitleID,
		"anilistId":  t.TitleID,
		"title": map[string]any{
			"romaji":  t.Titles.Romaji,
			"english": t.Titles.English,
			"native":  t.Titles.Native,
		},
		"format":        t.Format,
		"season":        t.Season,
		"status":        t.Status,
		"genres":        t.Genres,
		"synonyms":      t.Synonyms,
		"average_score": t.AverageScore,
		"popularity":    t.Popularity,
		"site_url":      t.SiteURL,
	}
	if t.SeasonYear > 0 {
		out["season_year"] = t.SeasonYear
		out["seasonYear"] = t.SeasonYear
	}
	return out
}

// templateContext assembles the values save-path templates render against.
// Metadata lookups are best-effort.
func (s *Scanner) templateContext(
	ctx context.Context,
	p harvest.Profile,
	title *harvest.CatalogTitle,
	now time.Time,
) pathtmpl.Context {
	tctx := pathtmpl.BaseContext(now)
	if title != nil {
		tctx["anime"] = catalogContext(*title)
	}
	s.addMetadata(ctx, tctx, "tvdb", s.tvdb, p.TitleID, p.TVDBID, p.TVDBSeason)
	s.addMetadata(ctx, tctx, "tmdb", s.tmdb, p.TitleID, p.TMDBID, p.TMDBSeason)
	return tctx
}

func (s *Scanner) addMetadata(
	ctx context.Context,
	tctx pathtmpl.Context,
	key string,
	provider harvest.MetadataProvider,
	titleID int,
	id, season *int,
) {
	if provider == nil || id == nil || !provider.Enabled() {
		return
	}
	meta, err := provider.Metadata(ctx, *id, season)
	if err != nil {
		s.logger.Warn("metadata fetch failed",
			zap.String("provider", key),
			zap.Int("title_id", titleID),
			zap.Int("external_id", *id),
			zap.Error(err),
		)
		return
	}
	if meta == nil {
		return
	}
	if n, ok := meta["season"].(int); ok {
		meta["seasonNumber"] = fmt.Sprintf("%02d", n)
	}
	tctx[key] = meta
}
