// Package harvest holds the domain types and collaborator contracts shared by
// the acquisition pipeline, its stores and its transports.
package harvest

import (
	"errors"
	"time"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidInput signals malformed caller input; it is never retried.
	ErrInvalidInput = errors.New("invalid input")
)

// Profile is a tracked title's filter and destination configuration.
type Profile struct {
	TitleID               int        `json:"title_id"`
	Enabled               bool       `json:"enabled"`
	SearchQuery           string     `json:"search_query,omitempty"`
	AutoQueryFromSynonyms bool       `json:"auto_query_from_synonyms"`
	Includes              []string   `json:"includes"`
	Excludes              []string   `json:"excludes"`
	PreferredResolution   string     `json:"preferred_resolution,omitempty"`
	PreferredSubgroup     string     `json:"preferred_subgroup,omitempty"`
	SavePath              string     `json:"save_path,omitempty"`
	SavePathTemplate      string     `json:"save_path_template,omitempty"`
	TVDBID                *int       `json:"tvdb_id,omitempty"`
	TVDBSeason            *int       `json:"tvdb_season,omitempty"`
	TMDBID                *int       `json:"tmdb_id,omitempty"`
	TMDBSeason            *int       `json:"tmdb_season,omitempty"`
	PublishedAfter        *time.Time `json:"published_after,omitempty"`
	PublishedBefore       *time.Time `json:"published_before,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Candidate is a release discovered on the feed source. It is never persisted as-is.
type Candidate struct {
	Title       string     `json:"title"`
	Link        string     `json:"link"`
	Magnet      string     `json:"magnet,omitempty"`
	Infohash    string     `json:"infohash,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Size        string     `json:"size,omitempty"`
	Seeders     int        `json:"seeders"`
	Leechers    int        `json:"leechers"`
	Resolution  string     `json:"resolution,omitempty"`
	Subgroup    string     `json:"subgroup,omitempty"`
}

// SeenRelease records a release acquired for a title.
// At most one row exists per (TitleID, Link) and per non-empty Infohash.
type SeenRelease struct {
	TitleID       int        `json:"title_id"`
	Link          string     `json:"link"`
	Infohash      string     `json:"infohash,omitempty"`
	Title         string     `json:"title"`
	Magnet        string     `json:"magnet,omitempty"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	FirstSeen     time.Time  `json:"first_seen"`
	LocalPath     string     `json:"local_path,omitempty"`
	ContentSHA256 string     `json:"content_sha256,omitempty"`
	Exported      bool       `json:"exported"`
	ExportedAt    *time.Time `json:"exported_at,omitempty"`
}

// TaskStatus is the lifecycle state of a task run.
type TaskStatus string

// Task statuses. Running transitions exactly once to Completed or Failed.
const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	return s == TaskRunning || s.Terminal()
}

// Trigger identifies what started a task run.
type Trigger string

// Known triggers.
const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerAPI       Trigger = "api"
)

// Task types recorded in the history log.
const (
	TaskTypeScan        = "scan_nyaa"
	TaskTypeCatalogSync = "sync_anilist"
)

// TaskCounters tracks per-run progress.
type TaskCounters struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// TaskRun is one auditable execution of a scheduled or triggered operation.
type TaskRun struct {
	TaskID      string         `json:"task_id"`
	TaskType    string         `json:"task_type"`
	Trigger     Trigger        `json:"trigger"`
	Status      TaskStatus     `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Counters    TaskCounters   `json:"counters"`
}

// TaskFilter narrows history queries. Zero values mean "any".
type TaskFilter struct {
	TaskType string
	Status   TaskStatus
	TitleID  *int
	Since    *time.Time
	Limit    int
}

// TaskStats aggregates runs sharing a status.
type TaskStats struct {
	Count          int `json:"count"`
	TotalProcessed int `json:"total_processed"`
	TotalSucceeded int `json:"total_succeeded"`
	TotalFailed    int `json:"total_failed"`
}

// TitleNames carries the localized names of a catalog title.
type TitleNames struct {
	Romaji  string `json:"romaji,omitempty"`
	English string `json:"english,omitempty"`
	Native  string `json:"native,omitempty"`
}

// CatalogTitle is a catalog entry synchronized from the catalog source.
type CatalogTitle struct {
	TitleID      int        `json:"anilist_id"`
	Titles       TitleNames `json:"title"`
	Format       string     `json:"format,omitempty"`
	Season       string     `json:"season,omitempty"`
	SeasonYear   int        `json:"season_year,omitempty"`
	Status       string     `json:"status,omitempty"`
	Genres       []string   `json:"genres,omitempty"`
	Synonyms     []string   `json:"synonyms,omitempty"`
	Description  string     `json:"description,omitempty"`
	AverageScore int        `json:"average_score,omitempty"`
	Popularity   int        `json:"popularity,omitempty"`
	CoverImage   string     `json:"cover_image,omitempty"`
	SiteURL      string     `json:"site_url,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// PrimaryTitle returns the best display name available.
func (c CatalogTitle) PrimaryTitle() string {
	switch {
	case c.Titles.Romaji != "":
		return c.Titles.Romaji
	case c.Titles.English != "":
		return c.Titles.English
	default:
		return c.Titles.Native
	}
}

// PathMapping translates a local path prefix into the export client's namespace.
type PathMapping struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// GlobalSettings holds runtime-editable integration settings.
type GlobalSettings struct {
	QBittorrentEnabled         bool          `json:"qbittorrent_enabled"`
	AutoAddToQBittorrent       bool          `json:"auto_add_to_qbittorrent"`
	QBittorrentURL             string        `json:"qbittorrent_url,omitempty"`
	QBittorrentUsername        string        `json:"qbittorrent_username,omitempty"`
	QBittorrentPassword        string        `json:"qbittorrent_password,omitempty"`
	QBittorrentCategory        string        `json:"qbittorrent_category,omitempty"`
	QBittorrentTorrentTemplate string        `json:"qbittorrent_torrent_template,omitempty"`
	QBittorrentSaveTemplate    string        `json:"qbittorrent_save_template,omitempty"`
	PathMappings               []PathMapping `json:"path_mappings,omitempty"`
}

// DefaultCategory is applied when no export category is configured.
const DefaultCategory = "anime"

// ExportEnabled reports whether acquired files should be forwarded to the export client.
func (g GlobalSettings) ExportEnabled() bool {
	return g.QBittorrentEnabled && g.AutoAddToQBittorrent
}

// Category returns the configured category or DefaultCategory.
func (g GlobalSettings) Category() string {
	if g.QBittorrentCategory == "" {
		return DefaultCategory
	}
	return g.QBittorrentCategory
}

// ExportRecord is the history entry written after a successful export.
type ExportRecord struct {
	TitleID     int       `json:"title_id"`
	Title       string    `json:"title"`
	TorrentPath string    `json:"torrent_path"`
	SavePath    string    `json:"save_path"`
	Category    string    `json:"category"`
	Infohash    string    `json:"infohash,omitempty"`
	AddedAt     time.Time `json:"added_at"`
}

// AcquiredEvent is published after a release has been acquired and recorded.
type AcquiredEvent struct {
	TitleID   int       `json:"title_id"`
	Title     string    `json:"title"`
	Infohash  string    `json:"infohash,omitempty"`
	LocalPath string    `json:"local_path"`
	SHA256    string    `json:"sha256,omitempty"`
	Exported  bool      `json:"exported"`
	At        time.Time `json:"at"`
}

// Task history limits applied when a filter leaves Limit unset or oversized.
const (
	DefaultTaskLimit = 50
	MaxTaskLimit     = 500
)

// EffectiveLimit clamps the filter limit into [1, MaxTaskLimit].
func (f TaskFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultTaskLimit
	case f.Limit > MaxTaskLimit:
		return MaxTaskLimit
	default:
		return f.Limit
	}
}

// ParamInt reads an integer parameter. JSON round-trips turn numbers into float64,
// so both representations are accepted.
func (r TaskRun) ParamInt(key string) (int, bool) {
	switch v := r.Parameters[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
