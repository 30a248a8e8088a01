// Package pipeline runs the acquisition cycle: for every tracked title it searches the
// feed, filters and dedups candidates, downloads new releases and forwards them to the
// configured export, archive and notification sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/release-harvester/internal/filter"
	"github.com/JakeFAU/release-harvester/internal/fsutil"
	"github.com/JakeFAU/release-harvester/internal/harvest"
	"github.com/JakeFAU/release-harvester/internal/metrics"
	"github.com/JakeFAU/release-harvester/internal/pathmap"
	"github.com/JakeFAU/release-harvester/internal/pathtmpl"
	"github.com/JakeFAU/release-harvester/internal/tasks"
)

// AcquiredTopic is the topic acquisition events are published to by default.
const AcquiredTopic = "release.acquired"

// Config tunes scan behaviour.
type Config struct {
	// CreateMissingDirs creates absent destination directories instead of failing the title.
	CreateMissingDirs bool
}

// Deps are the collaborators every scan needs.
type Deps struct {
	Repos      harvest.Repositories
	Tracker    *tasks.Tracker
	Source     harvest.ReleaseSource
	Downloader harvest.Downloader
	Clock      harvest.Clock
}

// Option configures optional sinks on a Scanner.
type Option func(*Scanner)

// WithExportSinkFactory enables forwarding to the export client when settings allow it.
func WithExportSinkFactory(factory harvest.ExportSinkFactory) Option {
	return func(s *Scanner) { s.sinkFactory = factory }
}

// WithArchive adds an archive sink; every acquired file is copied to it.
func WithArchive(sink harvest.ArchiveSink) Option {
	return func(s *Scanner) {
		if sink != nil {
			s.archives = append(s.archives, sink)
		}
	}
}

// WithMetadata sets the providers used for tvdb.* and tmdb.* template keys.
func WithMetadata(tvdb, tmdb harvest.MetadataProvider) Option {
	return func(s *Scanner) {
		s.tvdb = tvdb
		s.tmdb = tmdb
	}
}

// WithPublisher publishes an AcquiredEvent per acquired release. An empty topic
// falls back to AcquiredTopic.
func WithPublisher(publisher harvest.Publisher, topic string) Option {
	return func(s *Scanner) {
		s.publisher = publisher
		if topic != "" {
			s.topic = topic
		}
	}
}

// Scanner executes scan_nyaa task runs.
type Scanner struct {
	cfg         Config
	deps        Deps
	sinkFactory harvest.ExportSinkFactory
	archives    []harvest.ArchiveSink
	tvdb        harvest.MetadataProvider
	tmdb        harvest.MetadataProvider
	publisher   harvest.Publisher
	topic       string
	logger      *zap.Logger
}

// NewScanner validates deps and applies opts.
func NewScanner(cfg Config, deps Deps, logger *zap.Logger, opts ...Option) (*Scanner, error) {
	switch {
	case deps.Repos.Profiles == nil || deps.Repos.Releases == nil ||
		deps.Repos.Catalog == nil || deps.Repos.Settings == nil || deps.Repos.Exports == nil:
		return nil, errors.New("repositories are required")
	case deps.Tracker == nil:
		return nil, errors.New("task tracker is required")
	case deps.Source == nil:
		return nil, errors.New("release source is required")
	case deps.Downloader == nil:
		return nil, errors.New("downloader is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scanner{cfg: cfg, deps: deps, topic: AcquiredTopic, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Scan processes every enabled profile inside a tracked scan_nyaa run.
func (s *Scanner) Scan(ctx context.Context, trigger harvest.Trigger) (harvest.TaskRun, error) {
	return s.deps.Tracker.Track(ctx, harvest.TaskTypeScan, trigger, nil,
		func(ctx context.Context, run *tasks.Run) error {
			profiles, err := s.deps.Repos.Profiles.ListEnabled(ctx)
			if err != nil {
				return fmt.Errorf("list enabled profiles: %w", err)
			}
			return s.scanProfiles(ctx, run, profiles)
		})
}

// ScanTitle runs a tracked scan restricted to one profile, enabled or not.
func (s *Scanner) ScanTitle(ctx context.Context, trigger harvest.Trigger, titleID int) (harvest.TaskRun, error) {
	params := map[string]any{"title_id": titleID}
	return s.deps.Tracker.Track(ctx, harvest.TaskTypeScan, trigger, params,
		func(ctx context.Context, run *tasks.Run) error {
			profile, err := s.deps.Repos.Profiles.Get(ctx, titleID)
			if err != nil {
				return fmt.Errorf("load profile: %w", err)
			}
			return s.scanProfiles(ctx, run, []harvest.Profile{profile})
		})
}

// exportTarget is the export client resolved once per run.
type exportTarget struct {
	sink     harvest.ExportSink
	mapper   *pathmap.Mapper
	settings harvest.GlobalSettings
}

func (s *Scanner) scanProfiles(ctx context.Context, run *tasks.Run, profiles []harvest.Profile) error {
	if len(profiles) == 0 {
		s.logger.Info("scan skipped", zap.String("reason", "no_enabled_settings"))
		run.SetResult(map[string]any{"reason": "no_enabled_settings"})
		return nil
	}

	export, err := s.resolveExport(ctx)
	if err != nil {
		return err
	}

	ids := make([]int, 0, len(profiles))
	for _, p := range profiles {
		ids = append(ids, p.TitleID)
	}
	catalog, err := s.deps.Repos.Catalog.GetByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("load catalog titles: %w", err)
	}

	downloaded, failures := 0, 0
	for _, profile := range profiles {
		if err := ctx.Err(); err != nil {
			return err
		}
		var title *harvest.CatalogTitle
		if t, ok := catalog[profile.TitleID]; ok {
			title = &t
		}
		out := s.scanTitle(ctx, profile, title, export)
		if out.processed {
			run.IncProcessed(1)
		}
		run.IncSucceeded(out.acquired)
		run.IncFailed(out.failed)
		downloaded += out.acquired
		failures += out.failed
		if out.err != nil {
			s.logger.Warn("title scan failed", zap.Int("title_id", profile.TitleID), zap.Error(out.err))
		}
	}

	run.SetResult(map[string]any{
		"anime_tracked": len(profiles),
		"downloaded":    downloaded,
		"failures":      failures,
	})
	return nil
}

func (s *Scanner) resolveExport(ctx context.Context) (*exportTarget, error) {
	if s.sinkFactory == nil {
		return nil, nil
	}
	settings, err := s.deps.Repos.Settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load global settings: %w", err)
	}
	if !settings.ExportEnabled() {
		return nil, nil
	}
	sink, err := s.sinkFactory(settings)
	if err != nil {
		s.logger.Error("export client unavailable", zap.Error(err))
		return nil, nil
	}
	s.logger.Info("export integration enabled", zap.String("url", settings.QBittorrentURL))
	return &exportTarget{sink: sink, mapper: pathmap.New(settings.PathMappings), settings: settings}, nil
}

// titleOutcome is the per-title result aggregated by scanProfiles.
type titleOutcome struct {
	processed bool
	acquired  int
	failed    int
	err       error
}

func (s *Scanner) scanTitle(
	ctx context.Context,
	profile harvest.Profile,
	title *harvest.CatalogTitle,
	export *exportTarget,
) titleOutcome {
	var out titleOutcome
	logger := s.logger.With(zap.Int("title_id", profile.TitleID))

	query := buildQuery(profile, title)
	if query == "" {
		logger.Warn("no query")
		return out
	}
	out.processed = true

	tctx := s.templateContext(ctx, profile, title, s.deps.Clock.Now())
	dest, ok := s.destination(profile, tctx, logger)
	if !ok {
		return out
	}
	created, err := fsutil.EnsureDirectory(dest, s.cfg.CreateMissingDirs)
	if err != nil {
		out.failed++
		out.err = fmt.Errorf("prepare destination: %w", err)
		return out
	}
	if created {
		logger.Info("created destination directory", zap.String("path", dest))
	}

	candidates, err := s.deps.Source.Fetch(ctx, query)
	if err != nil {
		out.failed++
		out.err = fmt.Errorf("fetch candidates: %w", err)
		return out
	}
	if len(candidates) == 0 {
		logger.Info("no items", zap.String("query", query))
		return out
	}
	metrics.ObserveItemsFound(profile.TitleID, len(candidates))

	criteria := filter.FromProfile(profile)
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if ctx.Err() != nil {
			out.err = ctx.Err()
			return out
		}
		if !filter.Matches(c, criteria) {
			logger.Debug("candidate filtered", zap.String("title", c.Title))
			continue
		}
		if markIteration(seen, c) {
			continue
		}
		exists, err := s.deps.Repos.Releases.Exists(ctx, profile.TitleID, c.Infohash, c.Link)
		if err != nil {
			out.failed++
			logger.Error("dedup lookup failed", zap.String("title", c.Title), zap.Error(err))
			continue
		}
		if exists {
			logger.Debug("already seen", zap.String("title", c.Title))
			continue
		}

		acquired, failed := s.acquire(ctx, profile, c, dest, tctx, export, logger)
		out.acquired += acquired
		out.failed += failed
	}
	return out
}

// destination resolves the save directory; a template takes priority over the raw path.
func (s *Scanner) destination(profile harvest.Profile, tctx pathtmpl.Context, logger *zap.Logger) (string, bool) {
	raw := profile.SavePath
	if profile.SavePathTemplate != "" {
		raw = pathtmpl.Render(profile.SavePathTemplate, tctx)
		if raw == "" {
			logger.Warn("save path template rendered empty", zap.String("template", profile.SavePathTemplate))
			return "", false
		}
	}
	if raw == "" {
		logger.Warn("missing save path")
		return "", false
	}
	dest, err := fsutil.CleanSavePath(raw)
	if err != nil {
		logger.Warn("invalid save path", zap.String("path", raw), zap.Error(err))
		return "", false
	}
	return dest, true
}

// markIteration reports whether c was already handled in this pass, recording it otherwise.
func markIteration(seen map[string]struct{}, c harvest.Candidate) bool {
	keys := []string{"link:" + c.Link}
	if c.Infohash != "" {
		keys = append(keys, "hash:"+c.Infohash)
	}
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			return true
		}
	}
	for _, k := range keys {
		seen[k] = struct{}{}
	}
	return false
}

func (s *Scanner) acquire(
	ctx context.Context,
	profile harvest.Profile,
	c harvest.Candidate,
	dest string,
	tctx pathtmpl.Context,
	export *exportTarget,
	logger *zap.Logger,
) (acquired, failed int) {
	file, err := s.deps.Downloader.Download(ctx, c.Link, c.Title, c.Infohash, dest)
	metrics.ObserveDownload(profile.TitleID, err)
	if err != nil {
		logger.Error("download failed", zap.String("title", c.Title), zap.Error(err))
		return 0, 1
	}
	acquired = 1
	logger.Info("release acquired", zap.String("title", c.Title), zap.String("path", file.Path))

	var exportedAt *time.Time
	if export != nil && s.exportFile(ctx, profile, c, file, dest, tctx, export, logger) {
		now := s.deps.Clock.Now()
		exportedAt = &now
	}

	for _, archive := range s.archives {
		uri, err := archive.Archive(ctx, profile.TitleID, file.Path)
		if err != nil {
			logger.Warn("archive failed", zap.String("path", file.Path), zap.Error(err))
			continue
		}
		logger.Debug("archived release", zap.String("uri", uri))
	}

	record := harvest.SeenRelease{
		TitleID:       profile.TitleID,
		Link:          c.Link,
		Infohash:      c.Infohash,
		Title:         c.Title,
		Magnet:        c.Magnet,
		PublishedAt:   c.PublishedAt,
		FirstSeen:     s.deps.Clock.Now(),
		LocalPath:     file.Path,
		ContentSHA256: file.SHA256,
		Exported:      exportedAt != nil,
		ExportedAt:    exportedAt,
	}
	if err := s.deps.Repos.Releases.MarkSeen(ctx, record); err != nil {
		logger.Error("record release failed", zap.String("title", c.Title), zap.Error(err))
		failed++
	}

	if s.publisher != nil {
		event := harvest.AcquiredEvent{
			TitleID:   profile.TitleID,
			Title:     c.Title,
			Infohash:  c.Infohash,
			LocalPath: file.Path,
			SHA256:    file.SHA256,
			Exported:  record.Exported,
			At:        record.FirstSeen,
		}
		if _, err := s.publisher.Publish(ctx, s.topic, event); err != nil {
			logger.Warn("publish acquired event failed", zap.Error(err))
		}
	}
	return acquired, failed
}

// exportFile forwards the file to the export client and reports whether it was accepted.
func (s *Scanner) exportFile(
	ctx context.Context,
	profile harvest.Profile,
	c harvest.Candidate,
	file harvest.AcquiredFile,
	dest string,
	tctx pathtmpl.Context,
	export *exportTarget,
	logger *zap.Logger,
) bool {
	torrentPath := file.Path
	if tmpl := export.settings.QBittorrentTorrentTemplate; tmpl != "" {
		if rendered := pathtmpl.Render(tmpl, tctx); rendered != "" {
			torrentPath = rendered
		}
	}
	savePath := dest
	if tmpl := export.settings.QBittorrentSaveTemplate; tmpl != "" {
		if rendered := pathtmpl.Render(tmpl, tctx); rendered != "" {
			savePath = rendered
		}
	}
	clientPath := export.mapper.ToClient(savePath)
	category := export.settings.Category()

	added, err := export.sink.Add(ctx, torrentPath, clientPath, category)
	if err != nil {
		metrics.ObserveExport(false)
		logger.Error("export failed", zap.String("title", c.Title), zap.Error(err))
		return false
	}
	metrics.ObserveExport(added)
	if !added {
		logger.Warn("export rejected", zap.String("title", c.Title))
		return false
	}

	record := harvest.ExportRecord{
		TitleID:     profile.TitleID,
		Title:       c.Title,
		TorrentPath: torrentPath,
		SavePath:    clientPath,
		Category:    category,
		Infohash:    c.Infohash,
		AddedAt:     s.deps.Clock.Now(),
	}
	if err := s.deps.Repos.Exports.Record(ctx, record); err != nil {
		logger.Warn("record export failed", zap.Error(err))
	}
	logger.Info("export added",
		zap.String("title", c.Title),
		zap.String("local_path", dest),
		zap.String("client_path", clientPath),
	)
	return true
}
