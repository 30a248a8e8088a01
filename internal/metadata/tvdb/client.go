// Package tvdb fetches series metadata from TheTVDB v4 API for path templates.
package tvdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/release-harvester/internal/metrics"
)

const (
	defaultTimeout = 30 * time.Second
	tokenLifetime  = 23 * time.Hour
	// tokenSkew renews tokens slightly before the server-side expiry.
	tokenSkew     = time.Minute
	latencyTarget = "tvdb"
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
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
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
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named("tvdb"),
		now:    time.Now,
	}
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool {
	return c.cfg.APIKey != ""
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

type series struct {
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	Overview   string `json:"overview"`
	FirstAired string `json:"firstAired"`
	Image      string `json:"image"`
	Network    any    `json:"originalNetwork"`
	Runtime    int    `json:"averageRuntime"`
	Status     any    `json:"status"`
}

type translation struct {
	Name     string `json:"name"`
	Overview string `json:"overview"`
}

// Metadata returns the series fields exposed to templates, or nil when the series
// does not exist or the client is disabled.
func (c *Client) Metadata(ctx context.Context, id int, season *int) (map[string]any, error) {
	if !c.Enabled() {
		return nil, nil
	}
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}

	var s series
	found, err := c.get(ctx, token, fmt.Sprintf("/series/%d", id), &s)
	if err != nil || !found {
		return nil, err
	}

	var tr *translation
	if c.cfg.Language != "" {
		var t translation
		ok, err := c.get(ctx, token, fmt.Sprintf("/series/%d/translations/%s", id, c.cfg.Language), &t)
		if err != nil {
			c.logger.Debug("translation unavailable", zap.Int("series_id", id), zap.Error(err))
		} else if ok {
			tr = &t
		}
	}
	return transform(id, s, season, tr), nil
}

func transform(id int, s series, season *int, tr *translation) map[string]any {
	out := map[string]any{
		"id":           id,
		"name":         s.Name,
		"nameOriginal": s.Name,
		"slug":         s.Slug,
		"overview":     s.Overview,
		"first_aired":  s.FirstAired,
		"image":        s.Image,
		"runtime":      s.Runtime,
	}
	if year := yearOf(s.FirstAired); year > 0 {
		out["year"] = year
	}
	switch status := s.Status.(type) {
	case string:
		out["status"] = status
	case map[string]any:
		if name, ok := status["name"].(string); ok {
			out["status"] = name
		}
	}
	if network, ok := s.Network.(map[string]any); ok {
		if name, ok := network["name"].(string); ok {
			out["network"] = name
		}
	}
	if season != nil {
		out["season"] = *season
	}
	if tr != nil {
		if tr.Name != "" {
			out["name"] = tr.Name
			if tr.Name != s.Name {
				out["nameTranslated"] = tr.Name
			}
		}
		if tr.Overview != "" {
			out["overview"] = tr.Overview
		}
	}
	return out
}

// bearer returns a cached token, logging in when it is missing or expired.
func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	body, err := json.Marshal(map[string]string{"apikey": c.cfg.APIKey})
	if err != nil {
		return "", fmt.Errorf("marshal login: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/login", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	status, data, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("tvdb login: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("tvdb login: status %d", status)
	}
	var env envelope
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode login: %w", err)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return "", fmt.Errorf("decode login: %w", err)
		}
	}
	if payload.Token == "" {
		return "", errors.New("tvdb login did not return a token")
	}
	c.token = payload.Token
	c.tokenExpiry = c.expiryOf(payload.Token)
	return c.token, nil
}

// expiryOf reads the exp claim without verifying the signature; the token is only
// echoed back to the issuer. Tokens without a readable claim get the default lifetime.
func (c *Client) expiryOf(token string) time.Time {
	fallback := c.now().Add(tokenLifetime)
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return fallback
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fallback
	}
	return exp.Add(-tokenSkew)
}

// get decodes the data envelope of path into out. A 404 reports found=false.
func (c *Client) get(ctx context.Context, token, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if c.cfg.Language != "" {
		req.Header.Set("Accept-Language", c.cfg.Language)
	}
	status, data, err := c.do(req)
	if err != nil {
		return false, fmt.Errorf("GET %s: %w", path, err)
	}
	switch {
	case status == http.StatusNotFound:
		return false, nil
	case status == http.StatusUnauthorized:
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return false, fmt.Errorf("GET %s: unauthorized", path)
	case status < 200 || status >= 300:
		return false, fmt.Errorf("GET %s: status %d", path, status)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ObserveExternalRequest(latencyTarget, time.Since(start))
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, data, nil
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
