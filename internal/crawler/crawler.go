package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/release-harvester/internal/harvest"
	"github.com/JakeFAU/release-harvester/internal/metrics"
)

const (
	defaultMaxRetries        = 3
	defaultBaseBackoff       = time.Second
	defaultMaxBackoff        = 30 * time.Second
	defaultRetryAfter        = time.Second
	requestLatencyTargetNyaa = "nyaa"
)

// Config controls the crawler.
type Config struct {
	BaseURL string
	// MaxRetries counts attempts for transient failures. Rate-limit waits are not counted.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// DefaultRetryAfter applies when a 429 carries no usable Retry-After header.
	DefaultRetryAfter time.Duration
	// MaxRateLimitWaits bounds consecutive 429 waits per request; 0 means unbounded.
	MaxRateLimitWaits int
}

// Limiter runs fn under the concurrency governor for host.
type Limiter interface {
	Do(ctx context.Context, host string, fn func(context.Context) error) error
}

// Option customizes a Crawler.
type Option func(*Crawler)

// WithRenderer enables the headless re-render of script-shell search pages.
func WithRenderer(renderer harvest.Fetcher, detector harvest.HeadlessDetector) Option {
	return func(c *Crawler) {
		c.renderer = renderer
		c.detector = detector
	}
}

// Crawler implements harvest.ReleaseSource against a nyaa-style tracker.
type Crawler struct {
	cfg      Config
	base     *url.URL
	host     string
	fetcher  harvest.Fetcher
	renderer harvest.Fetcher
	detector harvest.HeadlessDetector
	limiter  Limiter
	logger   *zap.Logger
	policy   retryPolicy
	pause    pauser
	now      func() time.Time
}

// New builds a Crawler. limiter may be nil, in which case requests are not governed.
func New(cfg Config, fetcher harvest.Fetcher, limiter Limiter, logger *zap.Logger, opts ...Option) (*Crawler, error) {
	if fetcher == nil {
		return nil, errors.New("crawler requires a fetcher")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", harvest.ErrInvalidInput, cfg.BaseURL)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.DefaultRetryAfter <= 0 {
		cfg.DefaultRetryAfter = defaultRetryAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Crawler{
		cfg:     cfg,
		base:    base,
		host:    base.Host,
		fetcher: fetcher,
		limiter: limiter,
		logger:  logger.Named("crawler"),
		policy: retryPolicy{
			maxAttempts: cfg.MaxRetries,
			baseDelay:   cfg.BaseBackoff,
			maxDelay:    cfg.MaxBackoff,
		},
		pause: timerPauser{},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Fetch lists candidates for query: the RSS feed first, then the HTML results page.
func (c *Crawler) Fetch(ctx context.Context, query string) ([]harvest.Candidate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty search query", harvest.ErrInvalidInput)
	}
	logger := c.logger.With(zap.String("query", query))

	items, _, err := c.fetchParsed(ctx, c.fetcher, c.feedURL(query), parseRSS)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	if len(items) > 0 {
		logger.Debug("feed items parsed", zap.Int("count", len(items)))
		return items, nil
	}

	logger.Debug("feed empty, falling back to search page")
	pageURL := c.searchURL(query)
	items, resp, err := c.fetchParsed(ctx, c.fetcher, pageURL, c.parsePage)
	if err != nil {
		return nil, fmt.Errorf("fetch search page: %w", err)
	}
	if len(items) > 0 || c.renderer == nil || c.detector == nil || !c.detector.ShouldPromote(resp) {
		return items, nil
	}

	logger.Info("search page looks script rendered, retrying headless")
	items, _, err = c.fetchParsed(ctx, c.renderer, pageURL, c.parsePage)
	if err != nil {
		return nil, fmt.Errorf("render search page: %w", err)
	}
	return items, nil
}

func (c *Crawler) feedURL(query string) string {
	return c.base.String() + "/?page=rss&q=" + url.QueryEscape(query)
}

func (c *Crawler) searchURL(query string) string {
	return c.base.String() + "/?f=0&c=0_0&q=" + url.QueryEscape(query) + "&s=seeders&o=desc"
}

func (c *Crawler) parsePage(body []byte) ([]harvest.Candidate, error) {
	return parseHTML(body, c.base)
}

// fetchParsed runs one logical request with retries. Parse failures count as transient.
func (c *Crawler) fetchParsed(
	ctx context.Context,
	fetcher harvest.Fetcher,
	target string,
	parse func([]byte) ([]harvest.Candidate, error),
) ([]harvest.Candidate, harvest.FetchResponse, error) {
	var (
		lastErr        error
		rateLimitWaits int
	)
	attempt := 0
	for attempt < c.policy.maxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, harvest.FetchResponse{}, err
		}
		resp, err := c.once(ctx, fetcher, target)
		if err == nil {
			items, parseErr := parse(resp.Body)
			if parseErr == nil {
				return items, resp, nil
			}
			err = fmt.Errorf("%w: %w", errParse, parseErr)
		}

		var se *statusError
		if errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests {
			rateLimitWaits++
			if c.cfg.MaxRateLimitWaits > 0 && rateLimitWaits > c.cfg.MaxRateLimitWaits {
				return nil, resp, fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
			}
			c.logger.Warn("rate limited",
				zap.String("url", target),
				zap.Duration("retry_after", se.RetryAfter),
				zap.Int("waits", rateLimitWaits),
			)
			metrics.ObserveRateLimitedWait(c.host, se.RetryAfter)
			if pauseErr := c.pause.Pause(ctx, se.RetryAfter); pauseErr != nil {
				return nil, resp, pauseErr
			}
			continue
		}
		rateLimitWaits = 0

		if !c.policy.shouldRetry(err) {
			return nil, resp, err
		}
		lastErr = err
		attempt++
		if attempt >= c.policy.maxAttempts {
			break
		}
		delay := c.policy.backoff(attempt)
		c.logger.Warn("request failed, retrying",
			zap.String("url", target),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if pauseErr := c.pause.Pause(ctx, delay); pauseErr != nil {
			return nil, resp, pauseErr
		}
	}
	c.logger.Error("request failed", zap.String("url", target), zap.Error(lastErr))
	return nil, harvest.FetchResponse{}, fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

// once performs a single governed GET and maps non-2xx statuses to statusError.
func (c *Crawler) once(ctx context.Context, fetcher harvest.Fetcher, target string) (harvest.FetchResponse, error) {
	var resp harvest.FetchResponse
	request := harvest.FetchRequest{URL: target}
	call := func(ctx context.Context) error {
		start := time.Now()
		r, err := fetcher.Fetch(ctx, request)
		metrics.ObserveExternalRequest(requestLatencyTargetNyaa, time.Since(start))
		if err != nil {
			return err
		}
		resp = r
		return nil
	}

	var err error
	if c.limiter != nil {
		err = c.limiter.Do(ctx, c.host, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return harvest.FetchResponse{}, fmt.Errorf("GET %s: %w", target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, &statusError{
			URL:        target,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Headers, c.now(), c.cfg.DefaultRetryAfter),
		}
	}
	return resp, nil
}
