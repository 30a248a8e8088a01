package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/release-harvester/internal/harvest"
)

func openTestStore(t *testing.T) (*Store, harvest.Repositories) {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "harvester.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	repos := store.Repositories()
	require.NoError(t, repos.EnsureIndexes(context.Background()))
	// Schema creation is idempotent.
	require.NoError(t, repos.EnsureIndexes(context.Background()))
	return store, repos
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), " ")
	require.Error(t, err)
}

func TestProfiles(t *testing.T) {
	t.Parallel()

	_, repos := openTestStore(t)
	ctx := context.Background()
	season := 2

	require.NoError(t, repos.Profiles.Upsert(ctx, harvest.Profile{
		TitleID:     10,
		Enabled:     true,
		SearchQuery: "Show",
		Includes:    []string{"1080p"},
		TVDBSeason:  &season,
	}))
	require.NoError(t, repos.Profiles.Upsert(ctx, harvest.Profile{TitleID: 11}))

	first, err := repos.Profiles.Get(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "Show", first.SearchQuery)
	require.NotNil(t, first.TVDBSeason)
	assert.Equal(t, 2, *first.TVDBSeason)
	assert.Equal(t, []string{}, first.Excludes)

	first.SearchQuery = "Show S2"
	require.NoError(t, repos.Profiles.Upsert(ctx, first))
	updated, err := repos.Profiles.Get(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "Show S2", updated.SearchQuery)
	assert.Equal(t, first.CreatedAt, updated.CreatedAt)

	enabled, err := repos.Profiles.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)

	all, err := repos.Profiles.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, repos.Profiles.Delete(ctx, 11))
	require.ErrorIs(t, repos.Profiles.Delete(ctx, 11), harvest.ErrNotFound)
	_, err = repos.Profiles.Get(ctx, 11)
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestReleasesDedup(t *testing.T) {
	t.Parallel()

	_, repos := openTestStore(t)
	ctx := context.Background()
	hash := "0123456789abcdef0123456789abcdef01234567"
	published := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, repos.Releases.MarkSeen(ctx, harvest.SeenRelease{
		TitleID: 1, Link: "https://nyaa.si/view/1", Infohash: hash, Title: "A", PublishedAt: &published,
	}))
	// Duplicate link and duplicate infohash are both ignored.
	require.NoError(t, repos.Releases.MarkSeen(ctx, harvest.SeenRelease{TitleID: 1, Link: "https://nyaa.si/view/1", Title: "A2"}))
	require.NoError(t, repos.Releases.MarkSeen(ctx, harvest.SeenRelease{TitleID: 2, Link: "https://nyaa.si/view/9", Infohash: hash, Title: "B"}))
	// Rows without an infohash do not collide with each other.
	require.NoError(t, repos.Releases.MarkSeen(ctx, harvest.SeenRelease{TitleID: 1, Link: "https://nyaa.si/view/2", Title: "C"}))
	require.NoError(t, repos.Releases.MarkSeen(ctx, harvest.SeenRelease{TitleID: 1, Link: "https://nyaa.si/view/3", Title: "D"}))

	exists, err := repos.Releases.Exists(ctx, 1, hash, "other")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = repos.Releases.Exists(ctx, 1, "", "https://nyaa.si/view/2")
	require.NoError(t, err)
	assert.True(t, exists)
	// The infohash is held by title 1, so title 2 sees it too.
	exists, err = repos.Releases.Exists(ctx, 2, hash, "https://nyaa.si/view/9")
	require.NoError(t, err)
	assert.True(t, exists)
	// Links stay scoped to their title.
	exists, err = repos.Releases.Exists(ctx, 2, "", "https://nyaa.si/view/2")
	require.NoError(t, err)
	assert.False(t, exists)

	history, err := repos.Releases.ListByTitle(ctx, 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)

	paged, err := repos.Releases.ListByTitle(ctx, 1, 0, 2)
	require.NoError(t, err)
	require.Len(t, paged, 1)

	var found bool
	for _, rel := range history {
		if rel.Infohash == hash {
			found = true
			require.NotNil(t, rel.PublishedAt)
			assert.Equal(t, published, *rel.PublishedAt)
			assert.Equal(t, "A", rel.Title)
		}
	}
	assert.True(t, found)
}

func TestTasks(t *testing.T) {
	t.Parallel()

	_, repos := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repos.Tasks.Create(ctx, harvest.TaskRun{
		TaskID: "scan_nyaa_a", TaskType: harvest.TaskTypeScan, Trigger: harvest.TriggerScheduled,
		Status: harvest.TaskRunning, StartedAt: base, Parameters: map[string]any{"title_id": 42},
	}))
	require.NoError(t, repos.Tasks.Create(ctx, harvest.TaskRun{
		TaskID: "sync_anilist_b", TaskType: harvest.TaskTypeCatalogSync, Trigger: harvest.TriggerManual,
		Status: harvest.TaskRunning, StartedAt: base.Add(time.Hour),
	}))
	require.Error(t, repos.Tasks.Create(ctx, harvest.TaskRun{
		TaskID: "scan_nyaa_a", TaskType: harvest.TaskTypeScan, Trigger: harvest.TriggerManual,
		Status: harvest.TaskRunning, StartedAt: base,
	}))

	running, err := repos.Tasks.GetRunning(ctx)
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, "sync_anilist_b", running[0].TaskID)

	done := base.Add(2 * time.Minute)
	run := running[1]
	run.Status = harvest.TaskCompleted
	run.CompletedAt = &done
	run.Result = map[string]any{"downloaded": 2}
	run.Counters = harvest.TaskCounters{Processed: 3, Succeeded: 2, Failed: 1}
	require.NoError(t, repos.Tasks.Update(ctx, run))
	require.ErrorIs(t, repos.Tasks.Update(ctx, harvest.TaskRun{TaskID: "missing", Status: harvest.TaskFailed}), harvest.ErrNotFound)

	got, err := repos.Tasks.GetByID(ctx, "scan_nyaa_a")
	require.NoError(t, err)
	assert.Equal(t, harvest.TaskCompleted, got.Status)
	assert.Equal(t, harvest.TriggerScheduled, got.Trigger)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, done, *got.CompletedAt)
	assert.InDelta(t, 2, got.Result["downloaded"], 0)
	assert.Equal(t, base, got.StartedAt)

	_, err = repos.Tasks.GetByID(ctx, "missing")
	require.ErrorIs(t, err, harvest.ErrNotFound)

	titleID := 42
	byTitle, err := repos.Tasks.ListRecent(ctx, harvest.TaskFilter{TitleID: &titleID})
	require.NoError(t, err)
	require.Len(t, byTitle, 1)
	assert.Equal(t, "scan_nyaa_a", byTitle[0].TaskID)

	since := base.Add(30 * time.Minute)
	recent, err := repos.Tasks.ListRecent(ctx, harvest.TaskFilter{Since: &since})
	require.NoError(t, err)
	require.Len(t, recent, 1)

	failed, err := repos.Tasks.ListRecent(ctx, harvest.TaskFilter{Status: harvest.TaskFailed})
	require.NoError(t, err)
	assert.Empty(t, failed)

	stats, err := repos.Tasks.GetStatistics(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, harvest.TaskStats{Count: 1, TotalProcessed: 3, TotalSucceeded: 2, TotalFailed: 1}, stats[harvest.TaskCompleted])
	assert.Equal(t, 1, stats[harvest.TaskRunning].Count)

	stats, err = repos.Tasks.GetStatistics(ctx, &since)
	require.NoError(t, err)
	assert.NotContains(t, stats, harvest.TaskCompleted)
}

func TestCatalogSettingsExports(t *testing.T) {
	t.Parallel()

	store, repos := openTestStore(t)
	ctx := context.Background()

	n, err := repos.Catalog.UpsertMany(ctx, []harvest.CatalogTitle{
		{TitleID: 1, Titles: harvest.TitleNames{Romaji: "Ichi"}, Synonyms: []string{"One"}},
		{TitleID: 2, Titles: harvest.TitleNames{Native: "二"}},
		{TitleID: -1},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = repos.Catalog.UpsertMany(ctx, []harvest.CatalogTitle{{TitleID: 1, Titles: harvest.TitleNames{Romaji: "Ichi v2"}}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	titles, err := repos.Catalog.GetByIDs(ctx, []int{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, titles, 2)
	assert.Equal(t, "Ichi v2", titles[1].PrimaryTitle())
	assert.Equal(t, "二", titles[2].PrimaryTitle())

	settings, err := repos.Settings.Get(ctx)
	require.NoError(t, err)
	assert.False(t, settings.ExportEnabled())

	require.NoError(t, repos.Settings.Put(ctx, harvest.GlobalSettings{
		QBittorrentEnabled:   true,
		AutoAddToQBittorrent: true,
		QBittorrentURL:       "http://qbit:8080",
		PathMappings:         []harvest.PathMapping{{From: "/data", To: "/downloads"}},
	}))
	require.NoError(t, repos.Settings.Put(ctx, harvest.GlobalSettings{
		QBittorrentEnabled:   true,
		AutoAddToQBittorrent: true,
		QBittorrentURL:       "http://qbit:9090",
	}))
	settings, err = repos.Settings.Get(ctx)
	require.NoError(t, err)
	assert.True(t, settings.ExportEnabled())
	assert.Equal(t, "http://qbit:9090", settings.QBittorrentURL)
	assert.Empty(t, settings.PathMappings)

	require.NoError(t, repos.Exports.Record(ctx, harvest.ExportRecord{TitleID: 1, Title: "Ichi", Category: "anime"}))
	var count int
	require.NoError(t, store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM export_history`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestReleasesConcurrentMarkSeen(t *testing.T) {
	t.Parallel()

	_, repos := openTestStore(t)
	ctx := context.Background()
	release := harvest.SeenRelease{
		TitleID:  7,
		Link:     "https://nyaa.si/view/42",
		Infohash: "89abcdef0123456789abcdef0123456789abcdef",
		Title:    "[Group] Show - 01",
	}

	var wg conc.WaitGroup
	for range 16 {
		wg.Go(func() {
			assert.NoError(t, repos.Releases.MarkSeen(ctx, release))
		})
	}
	wg.Wait()

	history, err := repos.Releases.ListByTitle(ctx, 7, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, release.Link, history[0].Link)
}
