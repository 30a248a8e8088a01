// Package anilist reads seasonal catalog data from the AniList GraphQL API.
package anilist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/JakeFAU/release-harvester/internal/fsutil"
	"github.com/JakeFAU/release-harvester/internal/harvest"
	"github.com/JakeFAU/release-harvester/internal/metrics"
)

const (
	defaultPageSize   = 50
	defaultMaxRetries = 3
	defaultTimeout    = 30 * time.Second
	maxBackoff        = 30 * time.Second
	releasingStatus   = "RELEASING"
	latencyTarget     = "anilist"
)

// Config controls the client.
type Config struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	PageSize   int
	MaxRetries int
}

// Client implements harvest.CatalogSource.
type Client struct {
	cfg       Config
	http      *http.Client
	logger    *zap.Logger
	sanitizer *bluemonday.Policy
	sleep     func(ctx context.Context, d time.Duration) error
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.Timeout},
		logger:    logger.Named("anilist"),
		sanitizer: bluemonday.StrictPolicy(),
		sleep:     sleepContext,
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

type media struct {
	ID    int `json:"id"`
	Title struct {
		Romaji  string `json:"romaji"`
		English string `json:"english"`
		Native  string `json:"native"`
	} `json:"title"`
	Format       string   `json:"format"`
	Season       string   `json:"season"`
	SeasonYear   int      `json:"seasonYear"`
	Status       string   `json:"status"`
	Genres       []string `json:"genres"`
	Synonyms     []string `json:"synonyms"`
	Description  string   `json:"description"`
	AverageScore int      `json:"averageScore"`
	Popularity   int      `json:"popularity"`
	CoverImage   struct {
		Large string `json:"large"`
	} `json:"coverImage"`
	SiteURL   string `json:"siteUrl"`
	UpdatedAt int64  `json:"updatedAt"`
}

type pageResponse struct {
	Data struct {
		Page struct {
			PageInfo struct {
				CurrentPage int  `json:"currentPage"`
				HasNextPage bool `json:"hasNextPage"`
			} `json:"pageInfo"`
			Media []media `json:"media"`
		} `json:"Page"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

type mediaResponse struct {
	Data struct {
		Media *media `json:"Media"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

// FetchReleasing pages through every releasing title of season/year.
func (c *Client) FetchReleasing(ctx context.Context, season string, year int) ([]harvest.CatalogTitle, error) {
	season = strings.ToUpper(strings.TrimSpace(season))
	var titles []harvest.CatalogTitle
	for page := 1; ; page++ {
		var resp pageResponse
		err := c.post(ctx, graphQLRequest{
			Query: releasingQuery,
			Variables: map[string]any{
				"page":       page,
				"perPage":    c.cfg.PageSize,
				"season":     season,
				"seasonYear": year,
				"status":     releasingStatus,
			},
		}, &resp)
		if err != nil {
			return nil, fmt.Errorf("fetch page %d: %w", page, err)
		}
		if len(resp.Errors) > 0 {
			return nil, fmt.Errorf("fetch page %d: graphql: %s", page, resp.Errors[0].Message)
		}
		for _, m := range resp.Data.Page.Media {
			titles = append(titles, c.toTitle(m))
		}
		if !resp.Data.Page.PageInfo.HasNextPage {
			break
		}
	}
	c.logger.Info("catalog fetched",
		zap.Int("count", len(titles)),
		zap.String("season", season),
		zap.Int("season_year", year),
	)
	return titles, nil
}

// FetchByID returns one title or harvest.ErrNotFound.
func (c *Client) FetchByID(ctx context.Context, id int) (harvest.CatalogTitle, error) {
	var resp mediaResponse
	if err := c.post(ctx, graphQLRequest{Query: byIDQuery, Variables: map[string]any{"id": id}}, &resp); err != nil {
		return harvest.CatalogTitle{}, fmt.Errorf("fetch title %d: %w", id, err)
	}
	if resp.Data.Media == nil {
		return harvest.CatalogTitle{}, fmt.Errorf("title %d: %w", id, harvest.ErrNotFound)
	}
	return c.toTitle(*resp.Data.Media), nil
}

func (c *Client) toTitle(m media) harvest.CatalogTitle {
	title := harvest.CatalogTitle{
		TitleID:      m.ID,
		Titles:       harvest.TitleNames{Romaji: m.Title.Romaji, English: m.Title.English, Native: m.Title.Native},
		Format:       m.Format,
		Season:       m.Season,
		SeasonYear:   m.SeasonYear,
		Status:       m.Status,
		Genres:       m.Genres,
		Synonyms:     m.Synonyms,
		Description:  c.cleanDescription(m.Description),
		AverageScore: m.AverageScore,
		Popularity:   m.Popularity,
		CoverImage:   m.CoverImage.Large,
		SiteURL:      m.SiteURL,
	}
	if m.UpdatedAt > 0 {
		ts := time.Unix(m.UpdatedAt, 0).UTC()
		title.UpdatedAt = &ts
	}
	return title
}

// cleanDescription strips markup and decodes the entities the policy escapes.
func (c *Client) cleanDescription(raw string) string {
	return fsutil.CollapseSpaces(html.UnescapeString(c.sanitizer.Sanitize(raw)))
}

// post sends one GraphQL request. 429 waits on Retry-After without consuming an
// attempt; transport errors and 5xx back off exponentially.
func (c *Client) post(ctx context.Context, payload graphQLRequest, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; {
		status, data, retryAfter, err := c.once(ctx, body)
		switch {
		case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
			return err
		case err == nil && status == http.StatusTooManyRequests:
			c.logger.Warn("rate limited", zap.Duration("retry_after", retryAfter))
			if err := c.sleep(ctx, retryAfter); err != nil {
				return err
			}
			continue
		case err == nil && status >= 200 && status < 300:
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		case err == nil && status < 500:
			return fmt.Errorf("anilist status %d: %s", status, strings.TrimSpace(string(data)))
		case err == nil:
			err = fmt.Errorf("anilist status %d", status)
		}
		lastErr = err
		if attempt == c.cfg.MaxRetries {
			break
		}
		delay := min(time.Duration(1<<attempt)*time.Second, maxBackoff)
		c.logger.Warn("request failed, retrying", zap.Int("attempt", attempt), zap.Duration("backoff", delay), zap.Error(err))
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
		attempt++
	}
	return fmt.Errorf("anilist request failed after %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

func (c *Client) once(ctx context.Context, body []byte) (int, []byte, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ObserveExternalRequest(latencyTarget, time.Since(start))
	if err != nil {
		return 0, nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return 0, nil, 0, fmt.Errorf("read body: %w", err)
	}
	retryAfter := time.Second
	if secs, convErr := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); convErr == nil && secs >= 0 {
		retryAfter = time.Duration(secs) * time.Second
	}
	return resp.StatusCode, data, retryAfter, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
