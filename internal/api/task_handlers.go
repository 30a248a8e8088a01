package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/release-harvester/internal/harvest"
)

const (
	defaultReleaseLimit = 50
	maxReleaseLimit     = 500
	historyTimeout      = 3 * time.Second
)

// taskHandler exposes the read-only task history endpoints.
type taskHandler struct {
	repo    harvest.TaskRepository
	timeout time.Duration
	logger  *zap.Logger
}

func newTaskHandler(repo harvest.TaskRepository, logger *zap.Logger) *taskHandler {
	return &taskHandler{repo: repo, timeout: historyTimeout, logger: logger}
}

// ListTasks handles GET /v1/tasks?task_type=&status=&title_id=&since=&limit=.
// It returns {"tasks": [...]} or 400 for invalid filters.
func (h *taskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "task repository unavailable")
		return
	}
	filter, err := parseTaskFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.repo.ListRecent(ctx, filter)
	if err != nil {
		writeMappedError(w, h.logger, err, "list tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": nonNil(runs)})
}

// ListRunning handles GET /v1/tasks/running.
func (h *taskHandler) ListRunning(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "task repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.repo.GetRunning(ctx)
	if err != nil {
		writeMappedError(w, h.logger, err, "list running tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": nonNil(runs)})
}

// Stats handles GET /v1/tasks/stats?since=. Statuses without runs are omitted.
func (h *taskHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "task repository unavailable")
		return
	}
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	stats, err := h.repo.GetStatistics(ctx, since)
	if err != nil {
		writeMappedError(w, h.logger, err, "load task statistics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

// GetTask handles GET /v1/tasks/{task_id}, returning {"task": {...}} or 404.
func (h *taskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "task repository unavailable")
		return
	}
	taskID := strings.TrimSpace(chi.URLParam(r, "task_id"))
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetByID(ctx, taskID)
	if err != nil {
		writeMappedError(w, h.logger, err, "load task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": run})
}

func parseTaskFilter(r *http.Request) (harvest.TaskFilter, error) {
	q := r.URL.Query()
	filter := harvest.TaskFilter{TaskType: strings.TrimSpace(q.Get("task_type"))}

	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status := harvest.TaskStatus(strings.ToLower(raw))
		if !status.Valid() {
			return harvest.TaskFilter{}, errors.New("invalid status")
		}
		filter.Status = status
	}
	if raw := q.Get("title_id"); raw != "" {
		id, err := parseTitleID(raw)
		if err != nil {
			return harvest.TaskFilter{}, err
		}
		filter.TitleID = &id
	}
	since, err := parseSince(q.Get("since"))
	if err != nil {
		return harvest.TaskFilter{}, err
	}
	filter.Since = since

	if raw := q.Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			return harvest.TaskFilter{}, errors.New("invalid limit")
		}
		filter.Limit = val
	}
	filter.Limit = filter.EffectiveLimit()
	return filter, nil
}

func parseSince(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errors.New("invalid since: expected RFC3339")
	}
	t = t.UTC()
	return &t, nil
}

func parseTitleID(raw string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || id <= 0 {
		return 0, errors.New("invalid title_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
