package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/release-harvester/internal/harvest"
	"github.com/JakeFAU/release-harvester/internal/metrics"
	"github.com/JakeFAU/release-harvester/internal/tasks"
)

// CatalogSync refreshes the catalog with the titles releasing in a season.
type CatalogSync struct {
	source  harvest.CatalogSource
	catalog harvest.CatalogRepository
	tracker *tasks.Tracker
	clock   harvest.Clock
	season  string
	year    int
	logger  *zap.Logger
}

// NewCatalogSync builds a CatalogSync. season and year are the defaults applied when
// Sync receives zero values; a zero year means the current one.
func NewCatalogSync(
	source harvest.CatalogSource,
	catalog harvest.CatalogRepository,
	tracker *tasks.Tracker,
	clock harvest.Clock,
	season string,
	year int,
	logger *zap.Logger,
) (*CatalogSync, error) {
	if source == nil {
		return nil, errors.New("catalog source is required")
	}
	if catalog == nil {
		return nil, errors.New("catalog repository is required")
	}
	if tracker == nil {
		return nil, errors.New("task tracker is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogSync{
		source:  source,
		catalog: catalog,
		tracker: tracker,
		clock:   clock,
		season:  season,
		year:    year,
		logger:  logger,
	}, nil
}

// Sync fetches and upserts the releasing titles inside a tracked sync_anilist run.
func (c *CatalogSync) Sync(ctx context.Context, trigger harvest.Trigger, season string, year int) (harvest.TaskRun, error) {
	season = strings.ToUpper(strings.TrimSpace(season))
	if season == "" {
		season = strings.ToUpper(c.season)
	}
	if year <= 0 {
		year = c.year
	}
	if year <= 0 {
		year = c.clock.Now().Year()
	}

	params := map[string]any{"season": season, "season_year": year}
	return c.tracker.Track(ctx, harvest.TaskTypeCatalogSync, trigger, params,
		func(ctx context.Context, run *tasks.Run) error {
			titles, err := c.source.FetchReleasing(ctx, season, year)
			if err != nil {
				return fmt.Errorf("fetch releasing titles: %w", err)
			}
			run.IncProcessed(len(titles))

			count, err := c.catalog.UpsertMany(ctx, titles)
			if err != nil {
				return fmt.Errorf("upsert catalog titles: %w", err)
			}
			run.IncSucceeded(count)
			metrics.ObserveCatalogUpserted(count)

			c.logger.Info("catalog synced",
				zap.String("season", season),
				zap.Int("season_year", year),
				zap.Int("count", count),
			)
			run.SetResult(map[string]any{
				"count":       count,
				"season":      season,
				"season_year": year,
			})
			return nil
		})
}
