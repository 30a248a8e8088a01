// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	catalogUpsertedTotal           prometheus.Counter
	itemsFoundTotal                *prometheus.CounterVec
	torrentsDownloadedTotal        *prometheus.CounterVec
	torrentsErrorsTotal            *prometheus.CounterVec
	externalRequestLatencySeconds  *prometheus.HistogramVec
	exportAddedTotal               prometheus.Counter
	exportFailedTotal              prometheus.Counter
	tasksTotal                     *prometheus.CounterVec
	governorInFlight               prometheus.Gauge
	governorWaitSeconds            *prometheus.HistogramVec
	httpRequestsTotal              *prometheus.CounterVec
	httpRequestDurationSeconds     *prometheus.HistogramVec
	schedulerMisfiresTotal         *prometheus.CounterVec
	crawlerRateLimitedWaitsSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		catalogUpsertedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "anilist_upserted_items_total",
				Help: "Total number of catalog titles upserted from AniList.",
			},
		)

		itemsFoundTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nyaa_items_found_total",
				Help: "Total number of candidate releases found, labeled by title.",
			},
			[]string{"title_id"},
		)

		torrentsDownloadedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nyaa_torrents_downloaded_total",
				Help: "Total number of torrent files downloaded, labeled by title.",
			},
			[]string{"title_id"},
		)

		torrentsErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nyaa_torrents_errors_total",
				Help: "Total number of torrent download failures, labeled by title.",
			},
			[]string{"title_id"},
		)

		externalRequestLatencySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "external_request_latency_seconds",
				Help:    "Latency of requests to external services, labeled by target.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"target"},
		)

		exportAddedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "qbittorrent_torrents_added_total",
				Help: "Total number of torrents added to qBittorrent.",
			},
		)

		exportFailedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "qbittorrent_torrents_failed_total",
				Help: "Total number of torrents qBittorrent refused or failed to add.",
			},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_tasks_total",
				Help: "Total number of finished task runs, labeled by type and status.",
			},
			[]string{"type", "status"},
		)

		governorInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_governor_in_flight",
				Help: "Number of network operations currently holding governor permits.",
			},
		)

		governorWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_governor_wait_seconds",
				Help:    "Histogram of time spent waiting for governor permits, labeled by host.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		schedulerMisfiresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_scheduler_misfires_total",
				Help: "Total number of scheduled firings skipped, labeled by job and reason.",
			},
			[]string{"job", "reason"},
		)

		crawlerRateLimitedWaitsSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limited_wait_seconds",
				Help:    "Histogram of Retry-After waits honored after HTTP 429, labeled by host.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"host"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCatalogUpserted adds n upserted catalog titles.
func ObserveCatalogUpserted(n int) {
	Init()
	if n > 0 {
		catalogUpsertedTotal.Add(float64(n))
	}
}

// ObserveItemsFound records how many candidates a crawl returned for a title.
func ObserveItemsFound(titleID int, n int) {
	Init()
	if n > 0 {
		itemsFoundTotal.WithLabelValues(strconv.Itoa(titleID)).Add(float64(n))
	}
}

// ObserveDownload records a download outcome for a title.
func ObserveDownload(titleID int, err error) {
	Init()
	label := strconv.Itoa(titleID)
	if err != nil {
		torrentsErrorsTotal.WithLabelValues(label).Inc()
		return
	}
	torrentsDownloadedTotal.WithLabelValues(label).Inc()
}

// ObserveExternalRequest records the latency of a call to an external service.
func ObserveExternalRequest(target string, duration time.Duration) {
	Init()
	externalRequestLatencySeconds.WithLabelValues(target).Observe(duration.Seconds())
}

// ObserveExport records whether the export client accepted a torrent.
func ObserveExport(added bool) {
	Init()
	if added {
		exportAddedTotal.Inc()
		return
	}
	exportFailedTotal.Inc()
}

// ObserveTask increments the finished task counter.
func ObserveTask(taskType, status string) {
	Init()
	tasksTotal.WithLabelValues(taskType, status).Inc()
}

// IncInFlight increments the governor in-flight gauge.
func IncInFlight() {
	Init()
	governorInFlight.Inc()
}

// DecInFlight decrements the governor in-flight gauge.
func DecInFlight() {
	Init()
	governorInFlight.Dec()
}

// ObserveGovernorWait records how long a caller waited for permits.
func ObserveGovernorWait(host string, duration time.Duration) {
	Init()
	governorWaitSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveMisfire counts a skipped scheduler firing.
func ObserveMisfire(job, reason string) {
	Init()
	schedulerMisfiresTotal.WithLabelValues(job, reason).Inc()
}

// ObserveRateLimitedWait records a Retry-After wait honored by the crawler.
func ObserveRateLimitedWait(host string, duration time.Duration) {
	Init()
	crawlerRateLimitedWaitsSeconds.WithLabelValues(host).Observe(duration.Seconds())
}
