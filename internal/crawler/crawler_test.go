package crawler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	collyfetcher "github.com/JakeFAU/release-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/release-harvester/internal/harvest"
)

type scriptedFetcher struct {
	mu    sync.Mutex
	urls  []string
	steps []func(url string) (harvest.FetchResponse, error)
}

func (f *scriptedFetcher) Fetch(_ context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.urls)
	f.urls = append(f.urls, req.URL)
	if idx >= len(f.steps) {
		return harvest.FetchResponse{}, errors.New("unexpected request " + req.URL)
	}
	return f.steps[idx](req.URL)
}

func (f *scriptedFetcher) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

func respond(status int, body string, headers ...string) func(string) (harvest.FetchResponse, error) {
	return func(url string) (harvest.FetchResponse, error) {
		h := http.Header{}
		for i := 0; i+1 < len(headers); i += 2 {
			h.Set(headers[i], headers[i+1])
		}
		return harvest.FetchResponse{URL: url, StatusCode: status, Headers: h, Body: []byte(body)}, nil
	}
}

func fail(err error) func(string) (harvest.FetchResponse, error) {
	return func(string) (harvest.FetchResponse, error) { return harvest.FetchResponse{}, err }
}

type recordingPauser struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (p *recordingPauser) Pause(ctx context.Context, delay time.Duration) error {
	p.mu.Lock()
	p.delays = append(p.delays, delay)
	p.mu.Unlock()
	return ctx.Err()
}

type recordingLimiter struct {
	mu    sync.Mutex
	hosts []string
}

func (l *recordingLimiter) Do(ctx context.Context, host string, fn func(context.Context) error) error {
	l.mu.Lock()
	l.hosts = append(l.hosts, host)
	l.mu.Unlock()
	return fn(ctx)
}

type staticDetector bool

func (d staticDetector) ShouldPromote(harvest.FetchResponse) bool { return bool(d) }

func newTestCrawler(t *testing.T, fetcher harvest.Fetcher, limiter Limiter, opts ...Option) (*Crawler, *recordingPauser) {
	t.Helper()
	c, err := New(Config{BaseURL: "https://nyaa.si/", MaxRetries: 3}, fetcher, limiter, zap.NewNop(), opts...)
	require.NoError(t, err)
	p := &recordingPauser{}
	c.pause = p
	return c, p
}

func TestNewValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := New(Config{BaseURL: "https://nyaa.si"}, nil, nil, nil)
	require.Error(t, err)

	_, err = New(Config{BaseURL: "not a url"}, &scriptedFetcher{}, nil, nil)
	require.ErrorIs(t, err, harvest.ErrInvalidInput)
}

func TestFetchReturnsFeedItems(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []func(string) (harvest.FetchResponse, error){
		respond(http.StatusOK, sampleRSS),
	}}
	limiter := &recordingLimiter{}
	c, pauser := newTestCrawler(t, fetcher, limiter)

	items, err := c.Fetch(context.Background(), "Frieren 1080p")
	require.NoError(t, err)
	require.Len(t, items, 2)

	calls := fetcher.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "https://nyaa.si/?page=rss&q=Frieren+1080p", calls[0])
	assert.Equal(t, []string{"nyaa.si"}, limiter.hosts)
	assert.Empty(t, pauser.delays)
}

func TestFetchFallsBackToSearchPage(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []func(string) (harvest.FetchResponse, error){
		respond(http.StatusOK, emptyRSS),
		respond(http.StatusOK, sampleHTML),
	}}
	c, _ := newTestCrawler(t, fetcher, nil)

	items, err := c.Fetch(context.Background(), "frieren")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "https://nyaa.si/download/999.torrent", items[0].Link)

	calls := fetcher.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "https://nyaa.si/?f=0&c=0_0&q=frieren&s=seeders&o=desc", calls[1])
}

func TestFetchRateLimitDoesNotConsumeAttempts(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []func(string) (harvest.FetchResponse, error){
		respond(http.StatusTooManyRequests, "", "Retry-After", "2"),
		respond(http.StatusTooManyRequests, ""),
		respond(http.StatusServiceUnavailable, ""),
		fail(errors.New("connection reset")),
		respond(http.StatusOK, sampleRSS),
	}}
	c, pauser := newTestCrawler(t, fetcher, nil)

	items, err := c.Fetch(context.Background(), "frieren")
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Len(t, fetcher.calls(), 5)
	assert.Equal(t, []time.Duration{2 * time.Second, time.Second, 2 * time.Second, 4 * time.Second}, pauser.delays)
}

func TestFetchRetriesExhausted(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []func(string) (harvest.FetchResponse, error){
		respond(http.StatusBadGateway, ""),
		respond(http.StatusBadGateway, ""),
		respond(http.StatusBadGateway, ""),
	}}
	c, pauser := newTestCrawler(t, fetcher, nil)

	_, err := c.Fetch(context.Background(), "frieren")
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Contains(t, err.Error(), "status 502")
	assert.Len(t, fetcher.calls(), 3)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, pauser.delays)
}

func TestFetchParseErrorsAreRetried(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []func(string) (harvest.FetchResponse, error){
		respond(http.StatusOK, "<rss><channel><item>"),
		respond(http.StatusOK, sampleRSS),
	}}
	c, _ := newTestCrawler(t, fetcher, nil)

	items, err := c.Fetch(context.Background(), "frieren")
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestFetchClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []func(string) (harvest.FetchResponse, error){
		respond(http.StatusNotFound, "missing"),
	}}
	c, pauser := newTestCrawler(t, fetcher, nil)

	_, err := c.Fetch(context.Background(), "frieren")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Contains(t, err.Error(), "status 404")
	assert.Len(t, fetcher.calls(), 1)
	assert.Empty(t, pauser.delays)
}

func TestFetchBoundedRateLimitWaits(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []func(string) (harvest.FetchResponse, error){
		respond(http.StatusTooManyRequests, ""),
		respond(http.StatusTooManyRequests, ""),
	}}
	c, _ := newTestCrawler(t, fetcher, nil)
	c.cfg.MaxRateLimitWaits = 1

	_, err := c.Fetch(context.Background(), "frieren")
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{}
	c, _ := newTestCrawler(t, fetcher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Fetch(ctx, "frieren")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, fetcher.calls())
}

func TestFetchEmptyQuery(t *testing.T) {
	t.Parallel()

	c, _ := newTestCrawler(t, &scriptedFetcher{}, nil)
	_, err := c.Fetch(context.Background(), "   ")
	require.ErrorIs(t, err, harvest.ErrInvalidInput)
}

func TestFetchHeadlessRerender(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		promote   bool
		wantItems int
		wantRuns  int
	}{
		{name: "promoted", promote: true, wantItems: 1, wantRuns: 1},
		{name: "not promoted", promote: false, wantItems: 0, wantRuns: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fetcher := &scriptedFetcher{steps: []func(string) (harvest.FetchResponse, error){
				respond(http.StatusOK, emptyRSS),
				respond(http.StatusOK, shellHTML),
			}}
			renderer := &scriptedFetcher{steps: []func(string) (harvest.FetchResponse, error){
				respond(http.StatusOK, sampleHTML),
			}}
			c, _ := newTestCrawler(t, fetcher, nil, WithRenderer(renderer, staticDetector(tc.promote)))

			items, err := c.Fetch(context.Background(), "frieren")
			require.NoError(t, err)
			assert.Len(t, items, tc.wantItems)
			assert.Len(t, renderer.calls(), tc.wantRuns)
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	header := func(v string) http.Header {
		h := http.Header{}
		if v != "" {
			h.Set("Retry-After", v)
		}
		return h
	}

	assert.Equal(t, 5*time.Second, parseRetryAfter(header("5"), now, time.Second))
	assert.Equal(t, time.Second, parseRetryAfter(header(""), now, time.Second))
	assert.Equal(t, time.Second, parseRetryAfter(header("soon"), now, time.Second))
	assert.Equal(t, 30*time.Second, parseRetryAfter(header(now.Add(30*time.Second).Format(http.TimeFormat)), now, time.Second))
}

func TestBackoffIsCapped(t *testing.T) {
	t.Parallel()

	p := retryPolicy{maxAttempts: 10, baseDelay: time.Second, maxDelay: 30 * time.Second}
	assert.Equal(t, 2*time.Second, p.backoff(1))
	assert.Equal(t, 16*time.Second, p.backoff(4))
	assert.Equal(t, 30*time.Second, p.backoff(5))
	assert.Equal(t, 30*time.Second, p.backoff(9))
}

func TestFetchAgainstHTTPServer(t *testing.T) {
	t.Parallel()

	var rssHits, pageHits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.URL.Query().Get("page") == "rss" {
			rssHits++
			w.Header().Set("Content-Type", "application/rss+xml")
			_, _ = w.Write([]byte(emptyRSS))
			return
		}
		pageHits++
		assert.Equal(t, "seeders", r.URL.Query().Get("s"))
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(strings.ReplaceAll(sampleHTML, "/download/999.torrent", "/download/1000.torrent")))
	}))
	defer srv.Close()

	fetcher := collyfetcher.New(collyfetcher.Config{UserAgent: "test-agent", Timeout: 5 * time.Second})
	c, err := New(Config{BaseURL: srv.URL}, fetcher, nil, zap.NewNop())
	require.NoError(t, err)

	items, err := c.Fetch(context.Background(), "frieren")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, srv.URL+"/download/1000.torrent", items[0].Link)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, rssHits)
	assert.Equal(t, 1, pageHits)
}
