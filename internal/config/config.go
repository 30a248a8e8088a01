// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/release-harvester/internal/storage"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	AniList   AniListConfig   `mapstructure:"anilist"`
	Nyaa      NyaaConfig      `mapstructure:"nyaa"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Torrent   TorrentConfig   `mapstructure:"torrent"`
	TVDB      MetadataConfig  `mapstructure:"tvdb"`
	TMDB      MetadataConfig  `mapstructure:"tmdb"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Export    ExportConfig    `mapstructure:"export"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// AniListConfig configures the catalog source.
type AniListConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Season         string `mapstructure:"season"`
	// SeasonYear of 0 selects the current year at sync time.
	SeasonYear int `mapstructure:"season_year"`
	PageSize   int `mapstructure:"page_size"`
	MaxRetries int `mapstructure:"max_retries"`
}

// NyaaConfig configures the feed crawler.
type NyaaConfig struct {
	BaseURL                    string `mapstructure:"base_url"`
	UserAgent                  string `mapstructure:"user_agent"`
	TimeoutSeconds             int    `mapstructure:"timeout_seconds"`
	MaxRetries                 int    `mapstructure:"max_retries"`
	HeadlessFallback           bool   `mapstructure:"headless_fallback"`
	HeadlessTimeoutSeconds     int    `mapstructure:"headless_timeout_seconds"`
	HeadlessPromotionThreshold int    `mapstructure:"headless_promotion_threshold"`
	// MaxRateLimitWaits bounds consecutive 429 waits; 0 waits indefinitely.
	MaxRateLimitWaits int `mapstructure:"max_rate_limit_waits"`
}

// SchedulerConfig configures periodic jobs and outbound concurrency.
type SchedulerConfig struct {
	Enabled                bool    `mapstructure:"enabled"`
	CatalogIntervalSeconds int     `mapstructure:"catalog_interval_seconds"`
	ScanIntervalSeconds    int     `mapstructure:"scan_interval_seconds"`
	MisfireGraceSeconds    int     `mapstructure:"misfire_grace_seconds"`
	DownloadConcurrency    int     `mapstructure:"download_concurrency"`
	RateLimitPerDomain     int     `mapstructure:"rate_limit_per_domain"`
	RequestsPerSecond      float64 `mapstructure:"requests_per_second"`
}

// TorrentConfig configures the downloader.
type TorrentConfig struct {
	CreateMissingSaveDirs  bool `mapstructure:"create_missing_save_dirs"`
	DownloadTimeoutSeconds int  `mapstructure:"download_timeout_seconds"`
}

// MetadataConfig configures a metadata provider; an empty APIKey disables it.
type MetadataConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	Language string `mapstructure:"language"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend    string `mapstructure:"backend"`
	DSN        string `mapstructure:"dsn"`
	SQLitePath string `mapstructure:"sqlite_path"`
	MaxConns   int32  `mapstructure:"max_conns"`
	MinConns   int32  `mapstructure:"min_conns"`
}

// ExportConfig configures archive and notification sinks. Empty values disable them.
type ExportConfig struct {
	ArchiveDir      string `mapstructure:"archive_dir"`
	GCSBucket       string `mapstructure:"gcs_bucket"`
	GCSPrefix       string `mapstructure:"gcs_prefix"`
	PubSubProjectID string `mapstructure:"pubsub_project_id"`
	PubSubTopic     string `mapstructure:"pubsub_topic"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TracingConfig toggles OpenTelemetry tracing. An empty ProjectID keeps spans in-process.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)

	v.SetDefault("anilist.base_url", "https://graphql.anilist.co")
	v.SetDefault("anilist.user_agent", "anime-service/1.0")
	v.SetDefault("anilist.timeout_seconds", 30)
	v.SetDefault("anilist.season", "FALL")
	v.SetDefault("anilist.season_year", 0)
	v.SetDefault("anilist.page_size", 50)
	v.SetDefault("anilist.max_retries", 3)

	v.SetDefault("nyaa.base_url", "https://nyaa.si")
	v.SetDefault("nyaa.user_agent", "release-harvester/1.0")
	v.SetDefault("nyaa.timeout_seconds", 30)
	v.SetDefault("nyaa.max_retries", 3)
	v.SetDefault("nyaa.headless_fallback", false)
	v.SetDefault("nyaa.headless_timeout_seconds", 45)
	v.SetDefault("nyaa.headless_promotion_threshold", 60)
	v.SetDefault("nyaa.max_rate_limit_waits", 0)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.catalog_interval_seconds", 3600)
	v.SetDefault("scheduler.scan_interval_seconds", 300)
	v.SetDefault("scheduler.misfire_grace_seconds", 60)
	v.SetDefault("scheduler.download_concurrency", 4)
	v.SetDefault("scheduler.rate_limit_per_domain", 4)
	v.SetDefault("scheduler.requests_per_second", 0)

	v.SetDefault("torrent.create_missing_save_dirs", true)
	v.SetDefault("torrent.download_timeout_seconds", 60)

	v.SetDefault("tvdb.base_url", "https://api4.thetvdb.com/v4")
	v.SetDefault("tvdb.api_key", "")
	v.SetDefault("tvdb.language", "eng")
	v.SetDefault("tmdb.base_url", "https://api.themoviedb.org/3")
	v.SetDefault("tmdb.api_key", "")
	v.SetDefault("tmdb.language", "en-US")

	v.SetDefault("storage.backend", storage.BackendMemory)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.sqlite_path", "harvester.db")
	v.SetDefault("storage.max_conns", 0)
	v.SetDefault("storage.min_conns", 0)

	v.SetDefault("export.archive_dir", "")
	v.SetDefault("export.gcs_bucket", "")
	v.SetDefault("export.gcs_prefix", "torrents")
	v.SetDefault("export.pubsub_project_id", "")
	v.SetDefault("export.pubsub_topic", "")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

var seasons = map[string]bool{"WINTER": true, "SPRING": true, "SUMMER": true, "FALL": true}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if !seasons[strings.ToUpper(c.AniList.Season)] {
		return fmt.Errorf("anilist.season must be one of WINTER, SPRING, SUMMER, FALL")
	}
	if c.AniList.PageSize <= 0 || c.AniList.PageSize > 50 {
		return fmt.Errorf("anilist.page_size must be between 1 and 50")
	}
	if c.Nyaa.TimeoutSeconds <= 0 || c.AniList.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeouts must be > 0")
	}
	if c.Scheduler.CatalogIntervalSeconds <= 0 || c.Scheduler.ScanIntervalSeconds <= 0 {
		return fmt.Errorf("scheduler intervals must be > 0")
	}
	if c.Scheduler.DownloadConcurrency <= 0 {
		return fmt.Errorf("scheduler.download_concurrency must be > 0")
	}
	if c.Scheduler.RateLimitPerDomain <= 0 {
		return fmt.Errorf("scheduler.rate_limit_per_domain must be > 0")
	}
	if c.Scheduler.RequestsPerSecond < 0 {
		return fmt.Errorf("scheduler.requests_per_second must be >= 0")
	}
	if c.Torrent.DownloadTimeoutSeconds <= 0 {
		return fmt.Errorf("torrent.download_timeout_seconds must be > 0")
	}
	switch strings.ToLower(c.Storage.Backend) {
	case "", storage.BackendMemory:
	case storage.BackendPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres backend")
		}
	case storage.BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path must be set for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	if c.Export.PubSubTopic != "" && c.Export.PubSubProjectID == "" {
		return fmt.Errorf("export.pubsub_project_id must be set when export.pubsub_topic is set")
	}
	return nil
}

// Seconds converts a whole-second setting into a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// StorageSettings converts the storage section for storage.Open.
func (c Config) StorageSettings() storage.Config {
	return storage.Config{
		Backend:    c.Storage.Backend,
		DSN:        c.Storage.DSN,
		SQLitePath: c.Storage.SQLitePath,
		MaxConns:   c.Storage.MaxConns,
		MinConns:   c.Storage.MinConns,
	}
}
