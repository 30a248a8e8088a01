package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/release-harvester/internal/harvest"
	"github.com/JakeFAU/release-harvester/internal/scheduler"
	"github.com/JakeFAU/release-harvester/internal/storage/memory"
)

type fakeScanner struct {
	mu     sync.Mutex
	scans  []harvest.Trigger
	titles []int
	err    error
}

func (f *fakeScanner) Scan(_ context.Context, trigger harvest.Trigger) (harvest.TaskRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, trigger)
	return harvest.TaskRun{TaskID: "scan_nyaa_1"}, f.err
}

func (f *fakeScanner) ScanTitle(_ context.Context, _ harvest.Trigger, titleID int) (harvest.TaskRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, titleID)
	return harvest.TaskRun{TaskID: "scan_nyaa_2"}, f.err
}

type fakeSyncer struct {
	mu     sync.Mutex
	season string
	year   int
	calls  int
}

func (f *fakeSyncer) Sync(_ context.Context, _ harvest.Trigger, season string, year int) (harvest.TaskRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.season, f.year = season, year
	return harvest.TaskRun{}, nil
}

type fakeJobs struct{ jobs []scheduler.JobInfo }

func (f fakeJobs) Jobs() []scheduler.JobInfo { return f.jobs }

type failingSettings struct{}

func (failingSettings) Get(context.Context) (harvest.GlobalSettings, error) {
	return harvest.GlobalSettings{}, errors.New("connection refused")
}

func (failingSettings) Put(context.Context, harvest.GlobalSettings) error {
	return errors.New("connection refused")
}

type testEnv struct {
	server  *Server
	repos   harvest.Repositories
	scanner *fakeScanner
	syncer  *fakeSyncer
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	repos := memory.New().Repositories()
	env := &testEnv{repos: repos, scanner: &fakeScanner{}, syncer: &fakeSyncer{}}
	jobs := fakeJobs{jobs: []scheduler.JobInfo{
		{ID: "scan_nyaa", Interval: 5 * time.Minute, NextRun: time.Date(2026, 10, 4, 12, 5, 0, 0, time.UTC)},
		{ID: "sync_anilist", Interval: time.Hour},
	}}
	env.server = NewServer(repos, env.scanner, env.syncer, jobs, opts, zap.NewNop())
	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{MetricsEnabled: true})
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ReadyzFailsWhenStorageDown(t *testing.T) {
	t.Parallel()

	repos := memory.New().Repositories()
	repos.Settings = failingSettings{}
	server := NewServer(repos, nil, nil, nil, Options{}, nil)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_TriggerScan(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodPost, "/v1/scan", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "accepted", decode(t, rec)["status"])
	env.server.Wait()
	assert.Equal(t, []harvest.Trigger{harvest.TriggerAPI}, env.scanner.scans)
}

func TestServer_TriggerScanTitle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	require.NoError(t, env.repos.Profiles.Upsert(context.Background(), harvest.Profile{TitleID: 42}))

	rec := env.do(t, http.MethodPost, "/v1/scan?title_id=42", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	env.server.Wait()
	assert.Equal(t, []int{42}, env.scanner.titles)

	rec = env.do(t, http.MethodPost, "/v1/scan?title_id=7", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/scan?title_id=abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_TriggerSync(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodPost, "/v1/sync", []byte(`{"season":"spring","season_year":2027}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	env.server.Wait()
	assert.Equal(t, "spring", env.syncer.season)
	assert.Equal(t, 2027, env.syncer.year)

	rec = env.do(t, http.MethodPost, "/v1/sync", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	env.server.Wait()
	assert.Equal(t, 2, env.syncer.calls)
	assert.Empty(t, env.syncer.season)

	rec = env.do(t, http.MethodPost, "/v1/sync", []byte(`{invalid`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_TriggersUnavailable(t *testing.T) {
	t.Parallel()

	server := NewServer(memory.New().Repositories(), nil, nil, nil, Options{}, nil)
	for _, target := range []string{"/v1/scan", "/v1/sync"} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, target)
	}
}

func TestServer_ListJobs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Jobs []jobDTO `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Jobs, 2)
	assert.Equal(t, "scan_nyaa", payload.Jobs[0].ID)
	assert.InDelta(t, 300, payload.Jobs[0].IntervalSeconds, 0.001)
	require.NotNil(t, payload.Jobs[0].NextRun)
	assert.Nil(t, payload.Jobs[1].NextRun)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{APIKey: "secret"})

	rec := env.do(t, http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/jobs?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoverMiddleware(t *testing.T) {
	t.Parallel()

	server := &Server{logger: zap.NewNop()}
	handler := server.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_RequestIDPropagates(t *testing.T) {
	t.Parallel()

	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestServer_Profiles(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodGet, "/v1/profiles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["profiles"])

	body := []byte(`{"title_id":1,"enabled":true,"search_query":"Frieren 1080p","save_path":"/media/frieren"}`)
	rec = env.do(t, http.MethodPut, "/v1/profiles/154587", body)
	require.Equal(t, http.StatusOK, rec.Code)
	profile := decode(t, rec)["profile"].(map[string]any)
	assert.InDelta(t, 154587, profile["title_id"], 0)
	assert.Equal(t, "Frieren 1080p", profile["search_query"])

	rec = env.do(t, http.MethodGet, "/v1/profiles/154587", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPut, "/v1/profiles/154587", []byte(`{`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/profiles/154587", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/profiles/154587", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/profiles/0", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Settings(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodGet, "/v1/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := []byte(`{"qbittorrent_enabled":true,"qbittorrent_url":"http://qbit:8080","qbittorrent_password":"hunter2",` +
		`"path_mappings":[{"from":"/data","to":"/downloads"}]}`)
	rec = env.do(t, http.MethodPut, "/v1/settings", body)
	require.Equal(t, http.StatusOK, rec.Code)
	settings := decode(t, rec)["settings"].(map[string]any)
	assert.Equal(t, redactedSecret, settings["qbittorrent_password"])

	body = []byte(`{"qbittorrent_enabled":true,"qbittorrent_url":"http://qbit:9090","qbittorrent_password":"********"}`)
	rec = env.do(t, http.MethodPut, "/v1/settings", body)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := env.repos.Settings.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hunter2", stored.QBittorrentPassword)
	assert.Equal(t, "http://qbit:9090", stored.QBittorrentURL)

	rec = env.do(t, http.MethodPut, "/v1/settings", []byte(`{"qbittorrent_enabled":true}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ListReleases(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	for i, link := range []string{"a", "b", "c"} {
		require.NoError(t, env.repos.Releases.MarkSeen(ctx, harvest.SeenRelease{
			TitleID: 9, Link: link, Title: link, FirstSeen: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	rec := env.do(t, http.MethodGet, "/v1/titles/9/releases?limit=2&offset=0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Releases []harvest.SeenRelease `json:"releases"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Releases, 2)
	assert.Equal(t, "c", payload.Releases[0].Link)

	rec = env.do(t, http.MethodGet, "/v1/titles/9/releases?offset=-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/titles/10/releases", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, decode(t, rec)["releases"])
}
