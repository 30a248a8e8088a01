// Package memory provides in-process implementations of the harvest repositories
// for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/release-harvester/internal/harvest"
)

// Store keeps every repository's rows behind one lock.
type Store struct {
	mu       sync.RWMutex
	profiles map[int]harvest.Profile
	releases []harvest.SeenRelease
	tasks    map[string]harvest.TaskRun
	catalog  map[int]harvest.CatalogTitle
	settings harvest.GlobalSettings
	exports  []harvest.ExportRecord
	now      func() time.Time
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		profiles: make(map[int]harvest.Profile),
		tasks:    make(map[string]harvest.TaskRun),
		catalog:  make(map[int]harvest.CatalogTitle),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Repositories exposes the store through the harvest contracts.
func (s *Store) Repositories() harvest.Repositories {
	return harvest.Repositories{
		Profiles:      profileRepo{s},
		Releases:      releaseRepo{s},
		Tasks:         taskRepo{s},
		Catalog:       catalogRepo{s},
		Settings:      settingsRepo{s},
		Exports:       exportRepo{s},
		EnsureIndexes: func(context.Context) error { return nil },
	}
}

// Exports returns a copy of the recorded export history.
func (s *Store) Exports() []harvest.ExportRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.ExportRecord, len(s.exports))
	copy(out, s.exports)
	return out
}

type profileRepo struct{ s *Store }

func (r profileRepo) Get(_ context.Context, titleID int) (harvest.Profile, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.profiles[titleID]
	if !ok {
		return harvest.Profile{}, fmt.Errorf("profile %d: %w", titleID, harvest.ErrNotFound)
	}
	return cloneProfile(p), nil
}

func (r profileRepo) Upsert(_ context.Context, profile harvest.Profile) error {
	if profile.TitleID <= 0 {
		return fmt.Errorf("title id must be positive: %w", harvest.ErrInvalidInput)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.now()
	if existing, ok := r.s.profiles[profile.TitleID]; ok {
		profile.CreatedAt = existing.CreatedAt
	} else if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now
	r.s.profiles[profile.TitleID] = cloneProfile(profile)
	return nil
}

func (r profileRepo) List(_ context.Context) ([]harvest.Profile, error) {
	return r.s.listProfiles(func(harvest.Profile) bool { return true }), nil
}

func (r profileRepo) ListEnabled(_ context.Context) ([]harvest.Profile, error) {
	return r.s.listProfiles(func(p harvest.Profile) bool { return p.Enabled }), nil
}

func (r profileRepo) Delete(_ context.Context, titleID int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.profiles[titleID]; !ok {
		return fmt.Errorf("profile %d: %w", titleID, harvest.ErrNotFound)
	}
	delete(r.s.profiles, titleID)
	return nil
}

func (s *Store) listProfiles(keep func(harvest.Profile) bool) []harvest.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		if keep(p) {
			out = append(out, cloneProfile(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TitleID < out[j].TitleID })
	return out
}

type releaseRepo struct{ s *Store }

func (r releaseRepo) Exists(_ context.Context, titleID int, infohash, link string) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	// Links are scoped per title; an infohash is unique across all titles.
	for _, rel := range r.s.releases {
		if rel.TitleID == titleID && rel.Link == link {
			return true, nil
		}
		if infohash != "" && rel.Infohash == infohash {
			return true, nil
		}
	}
	return false, nil
}

func (r releaseRepo) MarkSeen(_ context.Context, release harvest.SeenRelease) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, rel := range r.s.releases {
		if rel.TitleID == release.TitleID && rel.Link == release.Link {
			return nil
		}
		if release.Infohash != "" && rel.Infohash == release.Infohash {
			return nil
		}
	}
	if release.FirstSeen.IsZero() {
		release.FirstSeen = r.s.now()
	}
	r.s.releases = append(r.s.releases, release)
	return nil
}

func (r releaseRepo) ListByTitle(_ context.Context, titleID int, limit, offset int) ([]harvest.SeenRelease, error) {
	r.s.mu.RLock()
	var matched []harvest.SeenRelease
	for _, rel := range r.s.releases {
		if rel.TitleID == titleID {
			matched = append(matched, rel)
		}
	}
	r.s.mu.RUnlock()
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].FirstSeen.After(matched[j].FirstSeen) })
	return page(matched, limit, offset), nil
}

type taskRepo struct{ s *Store }

func (r taskRepo) Create(_ context.Context, run harvest.TaskRun) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.tasks[run.TaskID]; exists {
		return fmt.Errorf("task %s already exists: %w", run.TaskID, harvest.ErrInvalidInput)
	}
	r.s.tasks[run.TaskID] = cloneTask(run)
	return nil
}

func (r taskRepo) Update(_ context.Context, run harvest.TaskRun) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tasks[run.TaskID]; !ok {
		return fmt.Errorf("task %s: %w", run.TaskID, harvest.ErrNotFound)
	}
	r.s.tasks[run.TaskID] = cloneTask(run)
	return nil
}

func (r taskRepo) GetByID(_ context.Context, taskID string) (harvest.TaskRun, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	run, ok := r.s.tasks[taskID]
	if !ok {
		return harvest.TaskRun{}, fmt.Errorf("task %s: %w", taskID, harvest.ErrNotFound)
	}
	return cloneTask(run), nil
}

func (r taskRepo) ListRecent(_ context.Context, filter harvest.TaskFilter) ([]harvest.TaskRun, error) {
	runs := r.s.filterTasks(func(run harvest.TaskRun) bool {
		if filter.TaskType != "" && run.TaskType != filter.TaskType {
			return false
		}
		if filter.Status != "" && run.Status != filter.Status {
			return false
		}
		if filter.Since != nil && run.StartedAt.Before(*filter.Since) {
			return false
		}
		if filter.TitleID != nil {
			id, ok := run.ParamInt("title_id")
			if !ok || id != *filter.TitleID {
				return false
			}
		}
		return true
	})
	if limit := filter.EffectiveLimit(); len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (r taskRepo) GetRunning(_ context.Context) ([]harvest.TaskRun, error) {
	return r.s.filterTasks(func(run harvest.TaskRun) bool { return run.Status == harvest.TaskRunning }), nil
}

func (r taskRepo) GetStatistics(_ context.Context, since *time.Time) (map[harvest.TaskStatus]harvest.TaskStats, error) {
	runs := r.s.filterTasks(func(run harvest.TaskRun) bool {
		return since == nil || !run.StartedAt.Before(*since)
	})
	out := make(map[harvest.TaskStatus]harvest.TaskStats)
	for _, run := range runs {
		stats := out[run.Status]
		stats.Count++
		stats.TotalProcessed += run.Counters.Processed
		stats.TotalSucceeded += run.Counters.Succeeded
		stats.TotalFailed += run.Counters.Failed
		out[run.Status] = stats
	}
	return out, nil
}

// filterTasks returns matching runs, newest first.
func (s *Store) filterTasks(keep func(harvest.TaskRun) bool) []harvest.TaskRun {
	s.mu.RLock()
	out := make([]harvest.TaskRun, 0, len(s.tasks))
	for _, run := range s.tasks {
		if keep(run) {
			out = append(out, cloneTask(run))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].TaskID > out[j].TaskID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

type catalogRepo struct{ s *Store }

func (r catalogRepo) UpsertMany(_ context.Context, titles []harvest.CatalogTitle) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.now()
	count := 0
	for _, title := range titles {
		if title.TitleID <= 0 {
			continue
		}
		title.UpdatedAt = &now
		title.Genres = append([]string(nil), title.Genres...)
		title.Synonyms = append([]string(nil), title.Synonyms...)
		r.s.catalog[title.TitleID] = title
		count++
	}
	return count, nil
}

func (r catalogRepo) GetByIDs(_ context.Context, ids []int) (map[int]harvest.CatalogTitle, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make(map[int]harvest.CatalogTitle, len(ids))
	for _, id := range ids {
		if title, ok := r.s.catalog[id]; ok {
			out[id] = title
		}
	}
	return out, nil
}

type settingsRepo struct{ s *Store }

// Get returns the stored settings, or the zero value when none were saved.
func (r settingsRepo) Get(_ context.Context) (harvest.GlobalSettings, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	settings := r.s.settings
	settings.PathMappings = append([]harvest.PathMapping(nil), settings.PathMappings...)
	return settings, nil
}

func (r settingsRepo) Put(_ context.Context, settings harvest.GlobalSettings) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	settings.PathMappings = append([]harvest.PathMapping(nil), settings.PathMappings...)
	r.s.settings = settings
	return nil
}

type exportRepo struct{ s *Store }

func (r exportRepo) Record(_ context.Context, record harvest.ExportRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if record.AddedAt.IsZero() {
		record.AddedAt = r.s.now()
	}
	r.s.exports = append(r.s.exports, record)
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func cloneProfile(p harvest.Profile) harvest.Profile {
	p.Includes = append([]string(nil), p.Includes...)
	p.Excludes = append([]string(nil), p.Excludes...)
	return p
}

func cloneTask(run harvest.TaskRun) harvest.TaskRun {
	run.Parameters = cloneMap(run.Parameters)
	run.Result = cloneMap(run.Result)
	return run
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
