package acquire

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	collyfetcher "github.com/JakeFAU/release-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/release-harvester/internal/governor"
	"github.com/JakeFAU/release-harvester/internal/harvest"
	sha256hasher "github.com/JakeFAU/release-harvester/internal/hash/sha256"
)

type stubFetcher struct {
	resp harvest.FetchResponse
	err  error
}

func (s stubFetcher) Fetch(context.Context, harvest.FetchRequest) (harvest.FetchResponse, error) {
	return s.resp, s.err
}

type hostRecorder struct{ hosts []string }

func (h *hostRecorder) Do(ctx context.Context, host string, fn func(context.Context) error) error {
	h.hosts = append(h.hosts, host)
	return fn(ctx)
}

func TestBuildFilename(t *testing.T) {
	t.Parallel()

	hash := strings.Repeat("ab", 20)
	long := strings.Repeat("x", 300)

	tests := []struct {
		name     string
		title    string
		infohash string
		want     string
	}{
		{"with hash", "[Grp] Show: 01", strings.ToUpper(hash), "[Grp] Show 01 " + hash + ".torrent"},
		{"without hash", "Show/01?", "", "Show 01.torrent"},
		{"empty title with hash", "???", hash, "torrent " + hash + ".torrent"},
		{"empty title", "", "", "torrent.torrent"},
		{"long with hash", long, hash, strings.Repeat("x", 206) + " " + hash + ".torrent"},
		{"long without hash", long, "", strings.Repeat("x", 247) + ".torrent"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := BuildFilename(tc.title, tc.infohash)
			assert.Equal(t, tc.want, got)
			assert.LessOrEqual(t, len(got), 255)
		})
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("葬", 100) // 3 bytes each
	got := truncate(s, 206)
	assert.Equal(t, 204, len(got))
	assert.True(t, strings.HasPrefix(s, got))
}

func TestDownloadWritesAtomically(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	limiter := &hostRecorder{}
	a := New(stubFetcher{resp: harvest.FetchResponse{StatusCode: http.StatusOK, Body: []byte("d8:announce")}},
		limiter, sha256hasher.New(), zap.NewNop())

	res, err := a.Download(context.Background(), "https://nyaa.si/download/1.torrent", "Show - 01", "", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Show - 01.torrent"), res.Path)
	assert.Equal(t, int64(len("d8:announce")), res.Size)
	assert.Len(t, res.SHA256, 64)
	assert.Equal(t, []string{"nyaa.si"}, limiter.hosts)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "d8:announce", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDownloadFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fetcher stubFetcher
		url     string
		wantErr error
	}{
		{name: "empty body", fetcher: stubFetcher{resp: harvest.FetchResponse{StatusCode: http.StatusOK}}, url: "https://x/1", wantErr: ErrEmptyBody},
		{name: "bad status", fetcher: stubFetcher{resp: harvest.FetchResponse{StatusCode: http.StatusNotFound, Body: []byte("nope")}}, url: "https://x/1"},
		{name: "transport", fetcher: stubFetcher{err: errors.New("boom")}, url: "https://x/1"},
		{name: "empty url", url: "", wantErr: harvest.ErrInvalidInput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			a := New(tc.fetcher, nil, nil, nil)
			_, err := a.Download(context.Background(), tc.url, "Show", "", dir)
			require.Error(t, err)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
			}
			entries, readErr := os.ReadDir(dir)
			require.NoError(t, readErr)
			assert.Empty(t, entries)
		})
	}
}

func TestHostKeyFallback(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "nyaa.si", hostKey("https://nyaa.si/download/1.torrent"))
	assert.Equal(t, fallbackHost, hostKey("/relative/path"))
	assert.Equal(t, fallbackHost, hostKey("::bad"))
}

func TestDownloadFromHTTPServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-bittorrent")
		_, _ = w.Write([]byte("d4:infod4:name4:testee"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	gov := governor.New(governor.Config{Global: 2, PerHost: 1}, nil)
	fetcher := collyfetcher.New(collyfetcher.Config{Timeout: 5 * time.Second})
	a := New(fetcher, gov, sha256hasher.New(), zap.NewNop())

	hash := strings.Repeat("0", 40)
	res, err := a.Download(context.Background(), srv.URL+"/download/5.torrent", "[Grp] Show - 05", hash, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "[Grp] Show - 05 "+hash+".torrent"), res.Path)
	assert.FileExists(t, res.Path)
}
