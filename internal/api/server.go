// Package api exposes the HTTP interface for the harvester service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/release-harvester/internal/harvest"
	"github.com/JakeFAU/release-harvester/internal/metrics"
	"github.com/JakeFAU/release-harvester/internal/scheduler"
)

const (
	requestTimeout = 60 * time.Second
	storeTimeout   = 5 * time.Second
)

// Scanner triggers scan runs.
type Scanner interface {
	Scan(ctx context.Context, trigger harvest.Trigger) (harvest.TaskRun, error)
	ScanTitle(ctx context.Context, trigger harvest.Trigger, titleID int) (harvest.TaskRun, error)
}

// CatalogSyncer triggers catalog sync runs.
type CatalogSyncer interface {
	Sync(ctx context.Context, trigger harvest.Trigger, season string, year int) (harvest.TaskRun, error)
}

// JobLister reports the scheduler's registered jobs.
type JobLister interface {
	Jobs() []scheduler.JobInfo
}

// Options configures optional server behavior.
type Options struct {
	// APIKey, when set, is required on every /v1 request.
	APIKey string
	// MetricsEnabled exposes GET /metrics.
	MetricsEnabled bool
}

// Server wires HTTP handlers to the pipeline, scheduler and stores.
type Server struct {
	router  chi.Router
	repos   harvest.Repositories
	scanner Scanner
	syncer  CatalogSyncer
	jobs    JobLister
	logger  *zap.Logger

	background sync.WaitGroup
}

// NewServer constructs a Server with middleware and routes. jobs may be nil when the
// scheduler is disabled.
func NewServer(
	repos harvest.Repositories,
	scanner Scanner,
	syncer CatalogSyncer,
	jobs JobLister,
	opts Options,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		repos:   repos,
		scanner: scanner,
		syncer:  syncer,
		jobs:    jobs,
		logger:  logger,
	}
	tasks := newTaskHandler(repos.Tasks, logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if opts.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/scan", s.triggerScan)
		r.Post("/sync", s.triggerSync)
		r.Get("/jobs", s.listJobs)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", tasks.ListTasks)
			r.Get("/running", tasks.ListRunning)
			r.Get("/stats", tasks.Stats)
			r.Get("/{task_id}", tasks.GetTask)
		})

		r.Get("/titles/{title_id}/releases", s.listReleases)

		r.Route("/profiles", func(r chi.Router) {
			r.Get("/", s.listProfiles)
			r.Route("/{title_id}", func(r chi.Router) {
				r.Get("/", s.getProfile)
				r.Put("/", s.putProfile)
				r.Delete("/", s.deleteProfile)
			})
		})

		r.Get("/settings", s.getSettings)
		r.Put("/settings", s.putSettings)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Wait blocks until runs triggered through the API have finished.
func (s *Server) Wait() {
	s.background.Wait()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if _, err := s.repos.Settings.Get(ctx); err != nil {
		s.logger.Warn("readiness probe failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// runDetached executes fn after the request returns; its context survives the request.
func (s *Server) runDetached(r *http.Request, name string, fn func(ctx context.Context) (harvest.TaskRun, error)) {
	ctx := context.WithoutCancel(r.Context())
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		run, err := fn(ctx)
		if err != nil {
			s.logger.Error("triggered run failed",
				zap.String("task", name),
				zap.String("task_id", run.TaskID),
				zap.Error(err),
			)
		}
	}()
}

func (s *Server) triggerScan(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		writeError(w, http.StatusServiceUnavailable, "scanner unavailable")
		return
	}
	raw := r.URL.Query().Get("title_id")
	if raw == "" {
		s.runDetached(r, harvest.TaskTypeScan, func(ctx context.Context) (harvest.TaskRun, error) {
			return s.scanner.Scan(ctx, harvest.TriggerAPI)
		})
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		return
	}

	titleID, err := parseTitleID(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if _, err := s.repos.Profiles.Get(ctx, titleID); err != nil {
		s.writeStoreError(w, err, "load profile")
		return
	}
	s.runDetached(r, harvest.TaskTypeScan, func(ctx context.Context) (harvest.TaskRun, error) {
		return s.scanner.ScanTitle(ctx, harvest.TriggerAPI, titleID)
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "title_id": titleID})
}

type syncRequest struct {
	Season     string `json:"season"`
	SeasonYear int    `json:"season_year"`
}

func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog sync unavailable")
		return
	}
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SeasonYear < 0 {
		writeError(w, http.StatusBadRequest, "invalid season_year")
		return
	}
	s.runDetached(r, harvest.TaskTypeCatalogSync, func(ctx context.Context) (harvest.TaskRun, error) {
		return s.syncer.Sync(ctx, harvest.TriggerAPI, req.Season, req.SeasonYear)
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type jobDTO struct {
	ID              string     `json:"id"`
	IntervalSeconds float64    `json:"interval_seconds"`
	NextRun         *time.Time `json:"next_run,omitempty"`
	Running         bool       `json:"running"`
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	out := []jobDTO{}
	if s.jobs != nil {
		for _, job := range s.jobs.Jobs() {
			dto := jobDTO{ID: job.ID, IntervalSeconds: job.Interval.Seconds(), Running: job.Running}
			if !job.NextRun.IsZero() {
				next := job.NextRun
				dto.NextRun = &next
			}
			out = append(out, dto)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// writeStoreError maps repository errors onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error, op string) {
	writeMappedError(w, s.logger, err, op)
}

func writeMappedError(w http.ResponseWriter, logger *zap.Logger, err error, op string) {
	switch {
	case errors.Is(err, harvest.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, harvest.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to %s", op))
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.Stack("stack"))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
