package harvest

import (
	"context"
	"net/http"
	"time"
)

// ProfileRepository persists tracked title profiles.
type ProfileRepository interface {
	Get(ctx context.Context, titleID int) (Profile, error)
	Upsert(ctx context.Context, profile Profile) error
	List(ctx context.Context) ([]Profile, error)
	ListEnabled(ctx context.Context) ([]Profile, error)
	Delete(ctx context.Context, titleID int) error
}

// ReleaseRepository is the authoritative dedup record of acquired releases.
type ReleaseRepository interface {
	// Exists matches by infohash when non-empty, or by link, within a title.
	Exists(ctx context.Context, titleID int, infohash, link string) (bool, error)
	// MarkSeen inserts the record; duplicates are silently ignored.
	MarkSeen(ctx context.Context, release SeenRelease) error
	ListByTitle(ctx context.Context, titleID int, limit, offset int) ([]SeenRelease, error)
}

// TaskRepository persists task runs.
type TaskRepository interface {
	Create(ctx context.Context, run TaskRun) error
	Update(ctx context.Context, run TaskRun) error
	GetByID(ctx context.Context, taskID string) (TaskRun, error)
	ListRecent(ctx context.Context, filter TaskFilter) ([]TaskRun, error)
	GetRunning(ctx context.Context) ([]TaskRun, error)
	GetStatistics(ctx context.Context, since *time.Time) (map[TaskStatus]TaskStats, error)
}

// CatalogRepository persists catalog titles.
type CatalogRepository interface {
	UpsertMany(ctx context.Context, titles []CatalogTitle) (int, error)
	GetByIDs(ctx context.Context, ids []int) (map[int]CatalogTitle, error)
}

// SettingsRepository persists the global integration settings.
type SettingsRepository interface {
	Get(ctx context.Context) (GlobalSettings, error)
	Put(ctx context.Context, settings GlobalSettings) error
}

// ExportHistoryRepository records successful exports.
type ExportHistoryRepository interface {
	Record(ctx context.Context, record ExportRecord) error
}

// Repositories bundles the persistence contracts of one storage backend.
type Repositories struct {
	Profiles ProfileRepository
	Releases ReleaseRepository
	Tasks    TaskRepository
	Catalog  CatalogRepository
	Settings SettingsRepository
	Exports  ExportHistoryRepository
	// EnsureIndexes creates the tables and unique indexes the contracts rely on.
	EnsureIndexes func(ctx context.Context) error
	// Close releases backend resources; nil when there is nothing to release.
	Close func()
}

// FetchRequest describes a single HTTP GET.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse captures the upstream response, including non-2xx statuses.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a static response needs a browser render.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// ReleaseSource lists candidate releases for a search query.
type ReleaseSource interface {
	Fetch(ctx context.Context, query string) ([]Candidate, error)
}

// AcquiredFile describes a file written by the downloader.
type AcquiredFile struct {
	Path   string
	SHA256 string
	Size   int64
}

// Downloader acquires release content into a directory.
type Downloader interface {
	Download(ctx context.Context, url, title, infohash, destDir string) (AcquiredFile, error)
}

// ExportSink forwards an acquired file to an external content client.
type ExportSink interface {
	Add(ctx context.Context, filePath, savePath, category string) (bool, error)
}

// ExportSinkFactory builds an export sink from the current global settings.
type ExportSinkFactory func(settings GlobalSettings) (ExportSink, error)

// ArchiveSink copies an acquired file to durable storage and returns its URI.
type ArchiveSink interface {
	Archive(ctx context.Context, titleID int, filePath string) (string, error)
}

// MetadataProvider returns best-effort descriptive metadata for template rendering.
type MetadataProvider interface {
	Enabled() bool
	Metadata(ctx context.Context, id int, season *int) (map[string]any, error)
}

// CatalogSource lists releasing titles for a season.
type CatalogSource interface {
	FetchReleasing(ctx context.Context, season string, year int) ([]CatalogTitle, error)
}

// Publisher pushes acquisition events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
