// Package app builds and runs the harvester's long-lived services, acting as the
// dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/release-harvester/internal/acquire"
	"github.com/JakeFAU/release-harvester/internal/api"
	"github.com/JakeFAU/release-harvester/internal/catalog/anilist"
	"github.com/JakeFAU/release-harvester/internal/clock/system"
	"github.com/JakeFAU/release-harvester/internal/config"
	"github.com/JakeFAU/release-harvester/internal/crawler"
	gcsarchive "github.com/JakeFAU/release-harvester/internal/export/gcs"
	localarchive "github.com/JakeFAU/release-harvester/internal/export/local"
	"github.com/JakeFAU/release-harvester/internal/export/qbittorrent"
	collyfetcher "github.com/JakeFAU/release-harvester/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/release-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/release-harvester/internal/governor"
	"github.com/JakeFAU/release-harvester/internal/harvest"
	"github.com/JakeFAU/release-harvester/internal/hash/sha256"
	"github.com/JakeFAU/release-harvester/internal/headless/detector"
	"github.com/JakeFAU/release-harvester/internal/id/uuid"
	"github.com/JakeFAU/release-harvester/internal/logging"
	"github.com/JakeFAU/release-harvester/internal/metadata/tmdb"
	"github.com/JakeFAU/release-harvester/internal/metadata/tvdb"
	"github.com/JakeFAU/release-harvester/internal/metrics"
	"github.com/JakeFAU/release-harvester/internal/pipeline"
	"github.com/JakeFAU/release-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/release-harvester/internal/policy/simple"
	gcppublisher "github.com/JakeFAU/release-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/release-harvester/internal/scheduler"
	harveststorage "github.com/JakeFAU/release-harvester/internal/storage"
	"github.com/JakeFAU/release-harvester/internal/tasks"
	"github.com/JakeFAU/release-harvester/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Version is reported as the service version on traces.
var Version = "dev"

// App holds the shared services built from one Config.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	repos       harvest.Repositories
	tracker     *tasks.Tracker
	scanner     *pipeline.Scanner
	catalogSync *pipeline.CatalogSync
	scheduler   *scheduler.Scheduler
	apiServer   *api.Server

	renderer     *headlessfetcher.Renderer
	gcsClient    *storage.Client
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	telemetry    *telemetry.Providers
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Repositories exposes the storage backend.
func (a *App) Repositories() harvest.Repositories { return a.repos }

// Scanner returns the scan pipeline.
func (a *App) Scanner() *pipeline.Scanner { return a.scanner }

// CatalogSync returns the catalog sync operation.
func (a *App) CatalogSync() *pipeline.CatalogSync { return a.catalogSync }

// Handler returns the HTTP handler of the REST API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Build creates every dependency described by cfg. Resources opened before a
// failure are released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.closeInfrastructure()
		}
	}()

	logger.Info("building application dependencies",
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("scheduler_enabled", cfg.Scheduler.Enabled),
	)

	if cfg.Tracing.Enabled {
		a.telemetry, err = telemetry.Init(ctx, telemetry.Config{
			ServiceName:    "release-harvester",
			ServiceVersion: Version,
			ProjectID:      cfg.Tracing.ProjectID,
			SampleRatio:    cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("telemetry init failed: %w", err)
		}
	}

	a.repos, err = harveststorage.Open(ctx, cfg.StorageSettings())
	if err != nil {
		return nil, fmt.Errorf("storage init failed: %w", err)
	}

	clock := system.New()
	a.tracker, err = tasks.New(a.repos.Tasks, uuid.NewUUIDGenerator(), clock, logging.Named(logger, "tasks"))
	if err != nil {
		return nil, fmt.Errorf("task tracker init failed: %w", err)
	}

	gov := governor.New(governor.Config{
		Global:  cfg.Scheduler.DownloadConcurrency,
		PerHost: cfg.Scheduler.RateLimitPerDomain,
	}, a.pacer())

	source, err := a.setupCrawler(gov)
	if err != nil {
		return nil, err
	}

	downloadFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Nyaa.UserAgent,
		Timeout:   config.Seconds(cfg.Torrent.DownloadTimeoutSeconds),
	})
	downloader := acquire.New(downloadFetcher, gov, sha256.New(), logger)

	opts, err := a.setupSinks(ctx)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		pipeline.WithExportSinkFactory(qbittorrent.NewSinkFactory(
			config.Seconds(cfg.Nyaa.TimeoutSeconds), logger)),
		pipeline.WithMetadata(
			tvdb.New(tvdb.Config{
				BaseURL:   cfg.TVDB.BaseURL,
				APIKey:    cfg.TVDB.APIKey,
				Language:  cfg.TVDB.Language,
				UserAgent: cfg.Nyaa.UserAgent,
				Timeout:   config.Seconds(cfg.Nyaa.TimeoutSeconds),
			}, logger),
			tmdb.New(tmdb.Config{
				BaseURL:   cfg.TMDB.BaseURL,
				APIKey:    cfg.TMDB.APIKey,
				Language:  cfg.TMDB.Language,
				UserAgent: cfg.Nyaa.UserAgent,
				Timeout:   config.Seconds(cfg.Nyaa.TimeoutSeconds),
			}, logger),
		),
	)

	a.scanner, err = pipeline.NewScanner(
		pipeline.Config{CreateMissingDirs: cfg.Torrent.CreateMissingSaveDirs},
		pipeline.Deps{
			Repos:      a.repos,
			Tracker:    a.tracker,
			Source:     source,
			Downloader: downloader,
			Clock:      clock,
		},
		logging.Named(logger, "pipeline"),
		opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("scanner init failed: %w", err)
	}

	catalogSource := anilist.New(anilist.Config{
		BaseURL:    cfg.AniList.BaseURL,
		UserAgent:  cfg.AniList.UserAgent,
		Timeout:    config.Seconds(cfg.AniList.TimeoutSeconds),
		PageSize:   cfg.AniList.PageSize,
		MaxRetries: cfg.AniList.MaxRetries,
	}, logger)
	a.catalogSync, err = pipeline.NewCatalogSync(
		catalogSource, a.repos.Catalog, a.tracker, clock,
		cfg.AniList.Season, cfg.AniList.SeasonYear, logging.Named(logger, "catalog"),
	)
	if err != nil {
		return nil, fmt.Errorf("catalog sync init failed: %w", err)
	}

	if err := a.setupScheduler(clock); err != nil {
		return nil, err
	}

	var jobs api.JobLister
	if a.scheduler != nil {
		jobs = a.scheduler
	}
	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(a.repos, a.scanner, a.catalogSync, jobs, api.Options{
		APIKey:         apiKey,
		MetricsEnabled: cfg.Metrics.Enabled,
	}, logging.Named(logger, "api"))

	return a, nil
}

func (a *App) pacer() governor.Pacer {
	if a.cfg.Scheduler.RequestsPerSecond <= 0 {
		return simple.New()
	}
	a.logger.Info("per-host pacing enabled", zap.Float64("rps", a.cfg.Scheduler.RequestsPerSecond))
	return ratelimit.New(ratelimit.Config{DefaultRPS: a.cfg.Scheduler.RequestsPerSecond, DefaultBurst: 1})
}

func (a *App) setupCrawler(gov *governor.Governor) (*crawler.Crawler, error) {
	cfg := a.cfg.Nyaa
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.UserAgent,
		Timeout:   config.Seconds(cfg.TimeoutSeconds),
	})
	var opts []crawler.Option
	if cfg.HeadlessFallback {
		renderer, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       1,
			UserAgent:         cfg.UserAgent,
			NavigationTimeout: config.Seconds(cfg.HeadlessTimeoutSeconds),
		})
		if err != nil {
			a.logger.Warn("headless renderer init failed; continuing without fallback", zap.Error(err))
		} else {
			a.renderer = renderer
			opts = append(opts, crawler.WithRenderer(renderer, detector.NewHeuristic(cfg.HeadlessPromotionThreshold)))
			a.logger.Info("headless fallback enabled")
		}
	}
	c, err := crawler.New(crawler.Config{
		BaseURL:           cfg.BaseURL,
		MaxRetries:        cfg.MaxRetries,
		MaxRateLimitWaits: cfg.MaxRateLimitWaits,
	}, fetcher, gov, a.logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("crawler init failed: %w", err)
	}
	return c, nil
}

// setupSinks opens the optional archive and notification sinks.
func (a *App) setupSinks(ctx context.Context) ([]pipeline.Option, error) {
	var opts []pipeline.Option
	exp := a.cfg.Export

	if exp.ArchiveDir != "" {
		archive, err := localarchive.New(localarchive.Config{BaseDir: exp.ArchiveDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		opts = append(opts, pipeline.WithArchive(archive))
		a.logger.Info("local archive enabled", zap.String("path", exp.ArchiveDir))
	}

	if exp.GCSBucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		archive, err := gcsarchive.New(client, gcsarchive.Config{Bucket: exp.GCSBucket, Prefix: exp.GCSPrefix})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		opts = append(opts, pipeline.WithArchive(archive))
		a.logger.Info("gcs archive enabled", zap.String("bucket", exp.GCSBucket))
	}

	if exp.PubSubTopic != "" {
		client, err := pubsub.NewClient(ctx, exp.PubSubProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.publisher = gcppublisher.New(client)
		opts = append(opts, pipeline.WithPublisher(a.publisher, exp.PubSubTopic))
		a.logger.Info("pubsub notifications enabled",
			zap.String("project", exp.PubSubProjectID),
			zap.String("topic", exp.PubSubTopic),
		)
	}
	return opts, nil
}

func (a *App) setupScheduler(clock harvest.Clock) error {
	if !a.cfg.Scheduler.Enabled {
		a.logger.Info("scheduler disabled")
		return nil
	}
	s, err := scheduler.New(a.repos, scheduler.Config{
		MisfireGrace: config.Seconds(a.cfg.Scheduler.MisfireGraceSeconds),
	}, clock, logging.Named(a.logger, "scheduler"),
		scheduler.Job{
			ID:       harvest.TaskTypeCatalogSync,
			Interval: config.Seconds(a.cfg.Scheduler.CatalogIntervalSeconds),
			Run: func(ctx context.Context) error {
				_, err := a.catalogSync.Sync(ctx, harvest.TriggerScheduled, "", 0)
				return err
			},
		},
		scheduler.Job{
			ID:       harvest.TaskTypeScan,
			Interval: config.Seconds(a.cfg.Scheduler.ScanIntervalSeconds),
			Run: func(ctx context.Context) error {
				_, err := a.scanner.Scan(ctx, harvest.TriggerScheduled)
				return err
			},
		},
	)
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	a.scheduler = s
	return nil
}

// Scan runs one manual scan; a titleID of 0 scans every enabled profile.
func (a *App) Scan(ctx context.Context, titleID int) (harvest.TaskRun, error) {
	if titleID == 0 {
		return a.scanner.Scan(ctx, harvest.TriggerManual)
	}
	return a.scanner.ScanTitle(ctx, harvest.TriggerManual, titleID)
}

// Sync runs one manual catalog sync.
func (a *App) Sync(ctx context.Context, season string, year int) (harvest.TaskRun, error) {
	return a.catalogSync.Sync(ctx, harvest.TriggerManual, season, year)
}

// Prepare creates the storage schema. One-shot commands call it instead of Serve.
func (a *App) Prepare(ctx context.Context) error {
	if a.repos.EnsureIndexes == nil {
		return nil
	}
	if err := a.repos.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}
	return nil
}

// Serve reconciles interrupted runs, starts the scheduler and the HTTP server, and
// blocks until ctx is canceled or the server fails.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Prepare(ctx); err != nil {
		return err
	}
	if _, err := a.tracker.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile tasks: %w", err)
	}
	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer a.scheduler.Stop()
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases every resource held by the App.
func (a *App) Close() {
	if a.apiServer != nil {
		a.apiServer.Wait()
	}
	if a.scheduler != nil {
		a.scheduler.Wait()
	}
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.repos.Close != nil {
		a.repos.Close()
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
}
