package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
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
	_, err = r.s.pool.Exec(ctx, `
INSERT INTO task_runs (
	task_id, task_type, triggered_by, status, started_at, completed_at,
	parameters, result, error, processed, succeeded, failed
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.TaskID,
		run.TaskType,
		string(run.Trigger),
		string(run.Status),
		run.StartedAt,
		run.CompletedAt,
		params,
		result,
		run.Error,
		run.Counters.Processed,
		run.Counters.Succeeded,
		run.Counters.Failed,
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
	tag, err := r.s.pool.Exec(ctx, `
UPDATE task_runs
SET status = $1, completed_at = $2, parameters = $3, result = $4, error = $5,
	processed = $6, succeeded = $7, failed = $8
WHERE task_id = $9`,
		string(run.Status),
		run.CompletedAt,
		params,
		result,
		run.Error,
		run.Counters.Processed,
		run.Counters.Succeeded,
		run.Counters.Failed,
		run.TaskID,
	)
	if err != nil {
		return fmt.Errorf("update task run: %w", err)
	}
	if tag.RowsAffected() == 0 {
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
	run, err := scanTask(r.s.pool.QueryRow(ctx, query, args...))
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
		builder = builder.Where("parameters->>'title_id' = ?", strconv.Itoa(*filter.TitleID))
	}
	if filter.Since != nil {
		builder = builder.Where(sq.GtOrEq{"started_at": *filter.Since})
	}
	builder = builder.OrderBy("started_at DESC").Limit(uint64(filter.EffectiveLimit()))
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
		builder = builder.Where(sq.GtOrEq{"started_at": *since})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build statistics query: %w", err)
	}
	rows, err := r.s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query task statistics: %w", err)
	}
	defer rows.Close()

	out := make(map[harvest.TaskStatus]harvest.TaskStats)
	for rows.Next() {
		var (
			status                         string
			count, processed, succ, failed int64
		)
		if err := rows.Scan(&status, &count, &processed, &succ, &failed); err != nil {
			return nil, fmt.Errorf("scan task statistics: %w", err)
		}
		out[harvest.TaskStatus(status)] = harvest.TaskStats{
			Count:          int(count),
			TotalProcessed: int(processed),
			TotalSucceeded: int(succ),
			TotalFailed:    int(failed),
		}
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
	rows, err := r.s.pool.Query(ctx, query, args...)
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
		run                        harvest.TaskRun
		trigger, status            string
		params, result             []byte
		processed, succeeded, fail int32
	)
	if err := row.Scan(
		&run.TaskID, &run.TaskType, &trigger, &status, &run.StartedAt, &run.CompletedAt,
		&params, &result, &run.Error, &processed, &succeeded, &fail,
	); err != nil {
		return harvest.TaskRun{}, err
	}
	run.Trigger = harvest.Trigger(trigger)
	run.Status = harvest.TaskStatus(status)
	run.StartedAt = run.StartedAt.UTC()
	run.CompletedAt = utcPtr(run.CompletedAt)
	run.Counters = harvest.TaskCounters{Processed: int(processed), Succeeded: int(succeeded), Failed: int(fail)}
	if err := decodeMap(params, &run.Parameters); err != nil {
		return harvest.TaskRun{}, fmt.Errorf("decode parameters: %w", err)
	}
	if err := decodeMap(result, &run.Result); err != nil {
		return harvest.TaskRun{}, fmt.Errorf("decode result: %w", err)
	}
	return run, nil
}

func encodeTaskMaps(run harvest.TaskRun) ([]byte, []byte, error) {
	params, err := encodeMap(run.Parameters)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal parameters: %w", err)
	}
	result, err := encodeMap(run.Result)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal result: %w", err)
	}
	return params, result, nil
}

func encodeMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func decodeMap(raw []byte, dst *map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	if len(m) > 0 {
		*dst = m
	}
	return nil
}
