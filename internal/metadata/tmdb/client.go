// Package tmdb fetches movie and TV metadata from The Movie Database.
package tmdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/release-harvester/internal/metrics"
)

const (
	defaultTimeout = 30 * time.Second
	latencyTarget  = "tmdb"
)

// Config controls the client. An empty APIKey disables it.
type Config struct {
	BaseURL   string
	APIKey    string
	Language  string
	UserAgent string
	Timeout   time.Duration
}

// Client implements harvest.MetadataProvider.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, logger: logger.Named("tmdb")}
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool {
	return c.cfg.APIKey != ""
}

type genre struct {
	Name string `json:"name"`
}

type movie struct {
	Title         string  `json:"title"`
	OriginalTitle string  `json:"original_title"`
	ReleaseDate   string  `json:"release_date"`
	Overview      string  `json:"overview"`
	PosterPath    string  `json:"poster_path"`
	Runtime       int     `json:"runtime"`
	Genres        []genre `json:"genres"`
}

type show struct {
	Name         string  `json:"name"`
	OriginalName string  `json:"original_name"`
	FirstAirDate string  `json:"first_air_date"`
	Overview     string  `json:"overview"`
	PosterPath   string  `json:"poster_path"`
	Genres       []genre `json:"genres"`
}

type season struct {
	Name     string            `json:"name"`
	Overview string            `json:"overview"`
	AirDate  string            `json:"air_date"`
	Episodes []json.RawMessage `json:"episodes"`
}

// Metadata returns template fields for id. With a season the id is treated as a TV
// show; otherwise a movie is tried first and a show second. Unknown ids yield nil.
func (c *Client) Metadata(ctx context.Context, id int, seasonNumber *int) (map[string]any, error) {
	if !c.Enabled() {
		return nil, nil
	}

	if seasonNumber != nil {
		var s show
		found, err := c.get(ctx, fmt.Sprintf("/tv/%d", id), &s)
		if err != nil || !found {
			return nil, err
		}
		var sp season
		seasonFound, err := c.get(ctx, fmt.Sprintf("/tv/%d/season/%d", id, *seasonNumber), &sp)
		if err != nil {
			c.logger.Debug("season lookup failed", zap.Int("tmdb_id", id), zap.Error(err))
		}
		var spp *season
		if seasonFound {
			spp = &sp
		}
		return showPayload(id, s, seasonNumber, spp), nil
	}

	var m movie
	found, err := c.get(ctx, fmt.Sprintf("/movie/%d", id), &m)
	if err != nil {
		return nil, err
	}
	if found {
		return moviePayload(id, m), nil
	}
	var s show
	found, err = c.get(ctx, fmt.Sprintf("/tv/%d", id), &s)
	if err != nil || !found {
		return nil, err
	}
	return showPayload(id, s, nil, nil), nil
}

func moviePayload(id int, m movie) map[string]any {
	out := map[string]any{
		"id":             id,
		"type":           "movie",
		"title":          m.Title,
		"original_title": m.OriginalTitle,
		"release_date":   m.ReleaseDate,
		"overview":       m.Overview,
		"poster_path":    m.PosterPath,
		"runtime":        m.Runtime,
		"genres":         genreNames(m.Genres),
	}
	if year := yearOf(m.ReleaseDate); year > 0 {
		out["year"] = year
	}
	return out
}

func showPayload(id int, s show, seasonNumber *int, sp *season) map[string]any {
	out := map[string]any{
		"id":             id,
		"type":           "tv",
		"name":           s.Name,
		"original_name":  s.OriginalName,
		"first_air_date": s.FirstAirDate,
		"overview":       s.Overview,
		"poster_path":    s.PosterPath,
		"genres":         genreNames(s.Genres),
	}
	if year := yearOf(s.FirstAirDate); year > 0 {
		out["year"] = year
	}
	if seasonNumber != nil {
		out["season"] = *seasonNumber
	}
	if sp != nil {
		out["season_name"] = sp.Name
		out["season_overview"] = sp.Overview
		out["season_air_date"] = sp.AirDate
		out["episode_count"] = len(sp.Episodes)
	}
	return out
}

func genreNames(genres []genre) []string {
	names := make([]string, 0, len(genres))
	for _, g := range genres {
		if g.Name != "" {
			names = append(names, g.Name)
		}
	}
	return names
}

// get decodes path into out. A 404 reports found=false.
func (c *Client) get(ctx context.Context, path string, out any) (bool, error) {
	query := url.Values{"api_key": {c.cfg.APIKey}}
	if c.cfg.Language != "" {
		query.Set("language", c.cfg.Language)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ObserveExternalRequest(latencyTarget, time.Since(start))
	if err != nil {
		return false, fmt.Errorf("GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func yearOf(date string) int {
	if len(date) < 4 {
		return 0
	}
	year := 0
	for _, r := range date[:4] {
		if r < '0' || r > '9' {
			return 0
		}
		year = year*10 + int(r-'0')
	}
	return year
}
