package memory

import (
	"context"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/release-harvester/internal/harvest"
)

func TestProfilesLifecycle(t *testing.T) {
	t.Parallel()

	repos := New().Repositories()
	ctx := context.Background()

	_, err := repos.Profiles.Get(ctx, 1)
	require.ErrorIs(t, err, harvest.ErrNotFound)

	require.NoError(t, repos.Profiles.Upsert(ctx, harvest.Profile{TitleID: 2, Enabled: true, Includes: []string{"1080p"}}))
	require.NoError(t, repos.Profiles.Upsert(ctx, harvest.Profile{TitleID: 1}))
	require.ErrorIs(t, repos.Profiles.Upsert(ctx, harvest.Profile{}), harvest.ErrInvalidInput)

	got, err := repos.Profiles.Get(ctx, 2)
	require.NoError(t, err)
	got.Includes[0] = "mutated"
	again, err := repos.Profiles.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"1080p"}, again.Includes)
	assert.False(t, again.CreatedAt.IsZero())

	all, err := repos.Profiles.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].TitleID)

	enabled, err := repos.Profiles.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, 2, enabled[0].TitleID)

	require.NoError(t, repos.Profiles.Delete(ctx, 2))
	require.ErrorIs(t, repos.Profiles.Delete(ctx, 2), harvest.ErrNotFound)
}

func TestReleasesDedup(t *testing.T) {
	t.Parallel()

	repos := New().Repositories()
	ctx := context.Background()
	hash := "0123456789abcdef0123456789abcdef01234567"

	require.NoError(t, repos.Releases.MarkSeen(ctx, harvest.SeenRelease{TitleID: 1, Link: "a", Infohash: hash}))
	// Same link, same title.
	require.NoError(t, repos.Releases.MarkSeen(ctx, harvest.SeenRelease{TitleID: 1, Link: "a"}))
	// Same infohash under another title.
	require.NoError(t, repos.Releases.MarkSeen(ctx, harvest.SeenRelease{TitleID: 2, Link: "b", Infohash: hash}))
	require.NoError(t, repos.Releases.MarkSeen(ctx, harvest.SeenRelease{TitleID: 1, Link: "c"}))

	tests := []struct {
		name     string
		titleID  int
		infohash string
		link     string
		want     bool
	}{
		{name: "by link", titleID: 1, link: "a", want: true},
		{name: "by infohash", titleID: 1, infohash: hash, link: "zzz", want: true},
		{name: "infohash held by another title", titleID: 2, infohash: hash, link: "b", want: true},
		{name: "link scoped to its title", titleID: 2, link: "a", want: false},
		{name: "empty infohash does not match", titleID: 1, link: "zzz", want: false},
		{name: "link without hash", titleID: 1, link: "c", want: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := repos.Releases.Exists(ctx, tc.titleID, tc.infohash, tc.link)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	history, err := repos.Releases.ListByTitle(ctx, 1, 10, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	empty, err := repos.Releases.ListByTitle(ctx, 1, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestTasksQueries(t *testing.T) {
	t.Parallel()

	repos := New().Repositories()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	runs := []harvest.TaskRun{
		{TaskID: "scan_nyaa_1", TaskType: harvest.TaskTypeScan, Status: harvest.TaskCompleted, StartedAt: base,
			Counters: harvest.TaskCounters{Processed: 3, Succeeded: 2, Failed: 1}},
		{TaskID: "scan_nyaa_2", TaskType: harvest.TaskTypeScan, Status: harvest.TaskRunning, StartedAt: base.Add(time.Hour),
			Parameters: map[string]any{"title_id": float64(42)}},
		{TaskID: "sync_anilist_1", TaskType: harvest.TaskTypeCatalogSync, Status: harvest.TaskFailed, StartedAt: base.Add(2 * time.Hour),
			Counters: harvest.TaskCounters{Processed: 1, Failed: 1}},
	}
	for _, run := range runs {
		require.NoError(t, repos.Tasks.Create(ctx, run))
	}
	require.ErrorIs(t, repos.Tasks.Create(ctx, runs[0]), harvest.ErrInvalidInput)

	recent, err := repos.Tasks.ListRecent(ctx, harvest.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "sync_anilist_1", recent[0].TaskID)

	scans, err := repos.Tasks.ListRecent(ctx, harvest.TaskFilter{TaskType: harvest.TaskTypeScan, Limit: 1})
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, "scan_nyaa_2", scans[0].TaskID)

	titleID := 42
	byTitle, err := repos.Tasks.ListRecent(ctx, harvest.TaskFilter{TitleID: &titleID})
	require.NoError(t, err)
	require.Len(t, byTitle, 1)

	running, err := repos.Tasks.GetRunning(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)

	running[0].Status = harvest.TaskCompleted
	require.NoError(t, repos.Tasks.Update(ctx, running[0]))
	got, err := repos.Tasks.GetByID(ctx, "scan_nyaa_2")
	require.NoError(t, err)
	assert.Equal(t, harvest.TaskCompleted, got.Status)

	_, err = repos.Tasks.GetByID(ctx, "missing")
	require.ErrorIs(t, err, harvest.ErrNotFound)
	require.ErrorIs(t, repos.Tasks.Update(ctx, harvest.TaskRun{TaskID: "missing"}), harvest.ErrNotFound)

	stats, err := repos.Tasks.GetStatistics(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, harvest.TaskStats{Count: 2, TotalProcessed: 3, TotalSucceeded: 2, TotalFailed: 1}, stats[harvest.TaskCompleted])
	assert.Equal(t, 1, stats[harvest.TaskFailed].Count)

	since := base.Add(90 * time.Minute)
	stats, err = repos.Tasks.GetStatistics(ctx, &since)
	require.NoError(t, err)
	assert.Len(t, stats, 1)
}

func TestCatalogSettingsAndExports(t *testing.T) {
	t.Parallel()

	store := New()
	repos := store.Repositories()
	ctx := context.Background()

	n, err := repos.Catalog.UpsertMany(ctx, []harvest.CatalogTitle{
		{TitleID: 1, Titles: harvest.TitleNames{Romaji: "One"}},
		{TitleID: 0},
		{TitleID: 2, Titles: harvest.TitleNames{English: "Two"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	titles, err := repos.Catalog.GetByIDs(ctx, []int{1, 3})
	require.NoError(t, err)
	require.Len(t, titles, 1)
	assert.Equal(t, "One", titles[1].PrimaryTitle())
	assert.NotNil(t, titles[1].UpdatedAt)

	settings, err := repos.Settings.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "anime", settings.Category())

	settings.QBittorrentCategory = "tv"
	settings.PathMappings = []harvest.PathMapping{{From: "/a", To: "/b"}}
	require.NoError(t, repos.Settings.Put(ctx, settings))
	settings.PathMappings[0].From = "/mutated"
	stored, err := repos.Settings.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tv", stored.Category())
	assert.Equal(t, "/a", stored.PathMappings[0].From)

	require.NoError(t, repos.Exports.Record(ctx, harvest.ExportRecord{TitleID: 1, Title: "One"}))
	exports := store.Exports()
	require.Len(t, exports, 1)
	assert.False(t, exports[0].AddedAt.IsZero())
	require.NoError(t, repos.EnsureIndexes(ctx))
}

func TestReleasesConcurrentMarkSeen(t *testing.T) {
	t.Parallel()

	repos := New().Repositories()
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
