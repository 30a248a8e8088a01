package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/release-harvester/internal/harvest"
	"github.com/JakeFAU/release-harvester/internal/storage/memory"
)

var started = time.Date(2026, 10, 4, 9, 0, 0, 0, time.UTC)

func seedTasks(t *testing.T, repo harvest.TaskRepository) {
	t.Helper()
	ctx := context.Background()
	done := started.Add(time.Minute)
	runs := []harvest.TaskRun{
		{TaskID: "sync_anilist_1", TaskType: harvest.TaskTypeCatalogSync, Trigger: harvest.TriggerScheduled,
			Status: harvest.TaskCompleted, StartedAt: started, CompletedAt: &done,
			Counters: harvest.TaskCounters{Processed: 40, Succeeded: 40}},
		{TaskID: "scan_nyaa_1", TaskType: harvest.TaskTypeScan, Trigger: harvest.TriggerAPI,
			Status: harvest.TaskFailed, StartedAt: started.Add(time.Hour), CompletedAt: &done,
			Parameters: map[string]any{"title_id": 42}, Error: "boom"},
		{TaskID: "scan_nyaa_2", TaskType: harvest.TaskTypeScan, Trigger: harvest.TriggerScheduled,
			Status: harvest.TaskRunning, StartedAt: started.Add(2 * time.Hour)},
	}
	for _, run := range runs {
		require.NoError(t, repo.Create(ctx, run))
	}
}

func serveTasks(t *testing.T, repo harvest.TaskRepository, target string) *httptest.ResponseRecorder {
	t.Helper()
	repos := memory.New().Repositories()
	repos.Tasks = repo
	server := NewServer(repos, nil, nil, nil, Options{}, zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func taskIDs(t *testing.T, rec *httptest.ResponseRecorder) []string {
	t.Helper()
	var payload struct {
		Tasks []harvest.TaskRun `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	ids := make([]string, 0, len(payload.Tasks))
	for _, run := range payload.Tasks {
		ids = append(ids, run.TaskID)
	}
	return ids
}

func TestTaskHandler_ListTasksFilters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		target string
		want   []string
	}{
		{name: "all newest first", target: "/v1/tasks", want: []string{"scan_nyaa_2", "scan_nyaa_1", "sync_anilist_1"}},
		{name: "by type", target: "/v1/tasks?task_type=sync_anilist", want: []string{"sync_anilist_1"}},
		{name: "by status", target: "/v1/tasks?status=FAILED", want: []string{"scan_nyaa_1"}},
		{name: "by title", target: "/v1/tasks?title_id=42", want: []string{"scan_nyaa_1"}},
		{name: "since", target: "/v1/tasks?since=2026-10-04T10:30:00Z", want: []string{"scan_nyaa_2"}},
		{name: "limit", target: "/v1/tasks?limit=1", want: []string{"scan_nyaa_2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			repo := memory.New().Repositories().Tasks
			seedTasks(t, repo)
			rec := serveTasks(t, repo, tt.target)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, taskIDs(t, rec))
		})
	}
}

func TestTaskHandler_ListTasksRejectsBadFilters(t *testing.T) {
	t.Parallel()

	for _, target := range []string{
		"/v1/tasks?status=paused",
		"/v1/tasks?title_id=-1",
		"/v1/tasks?since=yesterday",
		"/v1/tasks?limit=0",
	} {
		rec := serveTasks(t, memory.New().Repositories().Tasks, target)
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestTaskHandler_RunningAndGet(t *testing.T) {
	t.Parallel()

	repo := memory.New().Repositories().Tasks
	seedTasks(t, repo)

	rec := serveTasks(t, repo, "/v1/tasks/running")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"scan_nyaa_2"}, taskIDs(t, rec))

	rec = serveTasks(t, repo, "/v1/tasks/scan_nyaa_1")
	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Task harvest.TaskRun `json:"task"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "boom", payload.Task.Error)
	id, ok := payload.Task.ParamInt("title_id")
	require.True(t, ok)
	assert.Equal(t, 42, id)

	rec = serveTasks(t, repo, "/v1/tasks/missing")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskHandler_Stats(t *testing.T) {
	t.Parallel()

	repo := memory.New().Repositories().Tasks
	seedTasks(t, repo)

	rec := serveTasks(t, repo, "/v1/tasks/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Stats map[harvest.TaskStatus]harvest.TaskStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, 1, payload.Stats[harvest.TaskCompleted].Count)
	assert.Equal(t, 40, payload.Stats[harvest.TaskCompleted].TotalSucceeded)
	assert.Equal(t, 1, payload.Stats[harvest.TaskRunning].Count)

	rec = serveTasks(t, repo, "/v1/tasks/stats?since=2026-10-04T10:30:00Z")
	require.Equal(t, http.StatusOK, rec.Code)
	payload.Stats = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Len(t, payload.Stats, 1)

	rec = serveTasks(t, repo, "/v1/tasks/stats?since=bad")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

type brokenTasks struct{ harvest.TaskRepository }

func (brokenTasks) ListRecent(context.Context, harvest.TaskFilter) ([]harvest.TaskRun, error) {
	return nil, errors.New("db down")
}

func TestTaskHandler_RepositoryErrors(t *testing.T) {
	t.Parallel()

	rec := serveTasks(t, brokenTasks{}, "/v1/tasks")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "failed to list tasks")
}
