package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/release-harvester/internal/harvest"
)

var taskColumns = []string{
	"task_id", "task_type", "triggered_by", "status", "started_at", "completed_at",
	"parameters", "result", "error", "processed", "succeeded", "failed",
}

type taskRepo struct{ s *Store }

func (r taskRepo) Create(ctx context.Context, run harvest.TaskRun) error {
	params, result, err := encodeTaskMaps(run)
	if err != nil {
		return err
	}
	_, err = r.s.db.ExecContext(ctx, `
INSERT INTO task_runs (
	task_id, task_type, triggered_by, status, started_at, completed_at,
	parameters, result, error, processed, succeeded, failed
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.TaskID, run.TaskType, string(run.Trigger), string(run.Status),
		toNanos(run.StartedAt), nullNanos(run.CompletedAt),
		params, result, run.Error,
		run.Counters.Processed, run.Counters.Succeeded, run.Counters.Failed,
	)
	if err != nil {
		return fmt.Errorf("insert task run: %w", err)
	}
	return nil
}

func (r taskRepo) Update(ctx context.Context, run harvest.TaskRun) error {
	params, result, err := encodeTaskMaps(run)
	if err != nil {
		return err
	}
	res, err := r.s.db.ExecContext(ctx, `
UPDATE task_runs
SET status = ?, completed_at = ?, parameters = ?, result = ?, error = ?,
	processed = ?, succeeded = ?, failed = ?
WHERE task_id = ?`,
		string(run.Status), nullNanos(run.CompletedAt), params, result, run.Error,
		run.Counters.Processed, run.Counters.Succeeded, run.Counters.Failed,
		run.TaskID,
	)
	if err != nil {
		return fmt.Errorf("update task run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("task %s: %w", run.TaskID, harvest.ErrNotFound)
	}
	return nil
}

func (r taskRepo) GetByID(ctx context.Context, taskID string) (harvest.TaskRun, error) {
	query, args, err := r.s.sb.Select(taskColumns...).From("task_runs").
		Where(sq.Eq{"task_id": taskID}).ToSql()
	if err != nil {
		return harvest.TaskRun{}, fmt.Errorf("build task query: %w", err)
	}
	run, err := scanTask(r.s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return harvest.TaskRun{}, notFound(err, "task "+taskID)
	}
	return run, nil
}

func (r taskRepo) ListRecent(ctx context.Context, filter harvest.TaskFilter) ([]harvest.TaskRun, error) {
	builder := r.s.sb.Select(taskColumns...).From("task_runs")
	if filter.TaskType != "" {
		builder = builder.Where(sq.Eq{"task_type": filter.TaskType})
	}
	if filter.Status != "" {
		builder = builder.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.TitleID != nil {
		builder = builder.Where("json_extract(parameters, '$.title_id') = ?", *filter.TitleID)
	}
	if filter.Since != nil {
		builder = builder.Where(sq.GtOrEq{"started_at": toNanos(*filter.Since)})
	}
	builder = builder.OrderBy("started_at DESC", "task_id DESC").Limit(uint64(filter.EffectiveLimit()))
	return r.query(ctx, builder)
}

func (r taskRepo) GetRunning(ctx context.Context) ([]harvest.TaskRun, error) {
	return r.query(ctx, r.s.sb.Select(taskColumns...).From("task_runs").
		Where(sq.Eq{"status": string(harvest.TaskRunning)}).
		OrderBy("started_at DESC"))
}

func (r taskRepo) GetStatistics(ctx context.Context, since *time.Time) (map[harvest.TaskStatus]harvest.TaskStats, error) {
	builder := r.s.sb.Select(
		"status",
		"COUNT(*)",
		"COALESCE(SUM(processed), 0)",
		"COALESCE(SUM(succeeded), 0)",
		"COALESCE(SUM(failed), 0)",
	).From("task_runs").GroupBy("status")
	if since != nil {
		builder = builder.Where(sq.GtOrEq{"started_at": toNanos(*since)})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build statistics query: %w", err)
	}
	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query task statistics: %w", err)
	}
	defer rows.Close()

	out := make(map[harvest.TaskStatus]harvest.TaskStats)
	for rows.Next() {
		var (
			status string
			stats  harvest.TaskStats
		)
		if err := rows.Scan(&status, &stats.Count, &stats.TotalProcessed, &stats.TotalSucceeded, &stats.TotalFailed); err != nil {
			return nil, fmt.Errorf("scan task statistics: %w", err)
		}
		out[harvest.TaskStatus(status)] = stats
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task statistics: %w", err)
	}
	return out, nil
}

func (r taskRepo) query(ctx context.Context, builder sq.SelectBuilder) ([]harvest.TaskRun, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build task query: %w", err)
	}
	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	out := []harvest.TaskRun{}
	for rows.Next() {
		run, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task runs: %w", err)
	}
	return out, nil
}

func scanTask(row scanner) (harvest.TaskRun, error) {
	var (
		run             harvest.TaskRun
		trigger, status string
		startedAt       int64
		completedAt     sql.NullInt64
		params, result  string
	)
	if err := row.Scan(
		&run.TaskID, &run.TaskType, &trigger, &status, &startedAt, &completedAt,
		&params, &result, &run.Error, &run.Counters.Processed, &run.Counters.Succeeded, &run.Counters.Failed,
	); err != nil {
		return harvest.TaskRun{}, err
	}
	run.Trigger = harvest.Trigger(trigger)
	run.Status = harvest.TaskStatus(status)
	run.StartedAt = fromNanos(startedAt)
	run.CompletedAt = timePtr(completedAt)
	if err := decodeMap(params, &run.Parameters); err != nil {
		return harvest.TaskRun{}, fmt.Errorf("decode parameters: %w", err)
	}
	if err := decodeMap(result, &run.Result); err != nil {
		return harvest.TaskRun{}, fmt.Errorf("decode result: %w", err)
	}
	return run, nil
}

func encodeTaskMaps(run harvest.TaskRun) (string, string, error) {
	params, err := encodeMap(run.Parameters)
	if err != nil {
		return "", "", fmt.Errorf("marshal parameters: %w", err)
	}
	result, err := encodeMap(run.Result)
	if err != nil {
		return "", "", fmt.Errorf("marshal result: %w", err)
	}
	return params, result, nil
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	return string(raw), err
}

func decodeMap(raw string, dst *map[string]any) error {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return err
	}
	if len(m) > 0 {
		*dst = m
	}
	return nil
}
