// Package qbittorrent forwards acquired .torrent files to a qBittorrent Web API.
package qbittorrent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/release-harvester/internal/harvest"
	"github.com/JakeFAU/release-harvester/internal/metrics"
)

const (
	defaultTimeout = 60 * time.Second
	loginOK        = "ok."
	latencyTarget  = "qbittorrent"
)

// ErrLoginFailed is returned when the Web API rejects the credentials.
var ErrLoginFailed = errors.New("qbittorrent login failed")

// Config describes one qBittorrent instance.
type Config struct {
	URL      string
	Username string
	Password string
	Category string
	Timeout  time.Duration
}

// Client implements harvest.ExportSink.
type Client struct {
	cfg    Config
	base   string
	http   *http.Client
	logger *zap.Logger

	mu            sync.Mutex
	authenticated bool
}

// New builds a Client with its own cookie jar for the session cookie.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: qbittorrent url %q", harvest.ErrInvalidInput, cfg.URL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		base:   base,
		http:   &http.Client{Jar: jar, Timeout: timeout},
		logger: logger.Named("qbittorrent"),
	}, nil
}

// NewSinkFactory returns a factory building a Client from the persisted settings.
func NewSinkFactory(timeout time.Duration, logger *zap.Logger) harvest.ExportSinkFactory {
	return func(settings harvest.GlobalSettings) (harvest.ExportSink, error) {
		return New(Config{
			URL:      settings.QBittorrentURL,
			Username: settings.QBittorrentUsername,
			Password: settings.QBittorrentPassword,
			Category: settings.Category(),
			Timeout:  timeout,
		}, logger)
	}
}

// Login authenticates when credentials are configured. Without credentials the
// instance is assumed to allow anonymous access.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	if c.cfg.Username == "" || c.cfg.Password == "" {
		c.authenticated = true
		return nil
	}
	form := url.Values{"username": {c.cfg.Username}, "password": {c.cfg.Password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v2/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, body, err := c.do(req)
	if err != nil {
		return fmt.Errorf("qbittorrent login: %w", err)
	}
	if resp.StatusCode != http.StatusOK || strings.ToLower(strings.TrimSpace(string(body))) != loginOK {
		c.logger.Error("login rejected", zap.Int("status", resp.StatusCode), zap.String("body", strings.TrimSpace(string(body))))
		return fmt.Errorf("%w: status %d", ErrLoginFailed, resp.StatusCode)
	}
	c.authenticated = true
	c.logger.Info("login succeeded", zap.String("url", c.base))
	return nil
}

// Add uploads filePath with the given save path and category. It reports false
// when the Web API refuses the upload.
func (c *Client) Add(ctx context.Context, filePath, savePath, category string) (bool, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec // path comes from the downloader
	if err != nil {
		return false, fmt.Errorf("read %s: %w", filePath, err)
	}
	if category == "" {
		category = c.cfg.Category
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authenticated {
		if err := c.loginLocked(ctx); err != nil {
			return false, err
		}
	}

	status, body, err := c.upload(ctx, filepath.Base(filePath), data, savePath, category)
	if err != nil {
		return false, err
	}
	if status == http.StatusForbidden {
		// Session expired.
		c.authenticated = false
		if err := c.loginLocked(ctx); err != nil {
			return false, err
		}
		if status, body, err = c.upload(ctx, filepath.Base(filePath), data, savePath, category); err != nil {
			return false, err
		}
	}
	if status != http.StatusOK {
		c.logger.Error("add rejected",
			zap.String("file", filePath),
			zap.Int("status", status),
			zap.String("body", strings.TrimSpace(string(body))),
		)
		return false, nil
	}
	c.logger.Info("torrent added",
		zap.String("file", filepath.Base(filePath)),
		zap.String("save_path", savePath),
		zap.String("category", category),
	)
	return true, nil
}

func (c *Client) upload(ctx context.Context, name string, data []byte, savePath, category string) (int, []byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="torrents"; filename=%q`, name))
	header.Set("Content-Type", "application/x-bittorrent")
	part, err := w.CreatePart(header)
	if err != nil {
		return 0, nil, fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return 0, nil, fmt.Errorf("write file part: %w", err)
	}
	fields := [][2]string{{"savepath", filepath.ToSlash(savePath)}, {"category", category}, {"autoTMM", "false"}}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return 0, nil, fmt.Errorf("write field %s: %w", f[0], err)
		}
	}
	if err := w.Close(); err != nil {
		return 0, nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v2/torrents/add", &buf)
	if err != nil {
		return 0, nil, fmt.Errorf("build add request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, body, err := c.do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("qbittorrent add: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) do(req *http.Request) (*http.Response, []byte, error) {
	req.Header.Set("Referer", c.base)
	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ObserveExternalRequest(latencyTarget, time.Since(start))
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	return resp, body, nil
}
