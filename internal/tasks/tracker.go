// Package tasks records every scheduled or triggered operation as an auditable TaskRun.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/release-harvester/internal/harvest"
	"github.com/JakeFAU/release-harvester/internal/metrics"
)

// InterruptedError is recorded on runs left running by a previous process.
const InterruptedError = "interrupted: process exited before completion"

const tracerName = "github.com/JakeFAU/release-harvester/internal/tasks"

// persistTimeout bounds terminal writes issued after the caller's context ended.
const persistTimeout = 10 * time.Second

// IDGenerator produces "<type>_<suffix>" task ids.
type IDGenerator interface {
	NewTaskID(taskType string) (string, error)
}

// Tracker creates and finalizes task runs.
type Tracker struct {
	repo   harvest.TaskRepository
	ids    IDGenerator
	clock  harvest.Clock
	logger *zap.Logger
}

// New constructs a Tracker.
func New(repo harvest.TaskRepository, ids IDGenerator, clock harvest.Clock, logger *zap.Logger) (*Tracker, error) {
	if repo == nil {
		return nil, errors.New("task repository is required")
	}
	if ids == nil {
		return nil, errors.New("id generator is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{repo: repo, ids: ids, clock: clock, logger: logger}, nil
}

// Run is a live handle on a running task. Counter methods are safe for concurrent use.
type Run struct {
	tracker *Tracker

	mu   sync.Mutex
	run  harvest.TaskRun
	done bool
}

// Start persists a new running task.
func (t *Tracker) Start(
	ctx context.Context,
	taskType string,
	trigger harvest.Trigger,
	params map[string]any,
) (*Run, error) {
	id, err := t.ids.NewTaskID(taskType)
	if err != nil {
		return nil, fmt.Errorf("generate task id: %w", err)
	}
	run := harvest.TaskRun{
		TaskID:     id,
		TaskType:   taskType,
		Trigger:    trigger,
		Status:     harvest.TaskRunning,
		StartedAt:  t.clock.Now(),
		Parameters: params,
	}
	if err := t.repo.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create task run: %w", err)
	}
	t.logger.Info("task started",
		zap.String("task_id", id),
		zap.String("task_type", taskType),
		zap.String("trigger", string(trigger)),
	)
	return &Run{tracker: t, run: run}, nil
}

// ID returns the task id.
func (r *Run) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run.TaskID
}

// Snapshot returns a copy of the current record.
func (r *Run) Snapshot() harvest.TaskRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Run) snapshotLocked() harvest.TaskRun {
	out := r.run
	if r.run.Result != nil {
		out.Result = make(map[string]any, len(r.run.Result))
		for k, v := range r.run.Result {
			out.Result[k] = v
		}
	}
	return out
}

// IncProcessed adds n to the processed counter.
func (r *Run) IncProcessed(n int) {
	r.mu.Lock()
	r.run.Counters.Processed += n
	r.mu.Unlock()
}

// IncSucceeded adds n to the succeeded counter.
func (r *Run) IncSucceeded(n int) {
	r.mu.Lock()
	r.run.Counters.Succeeded += n
	r.mu.Unlock()
}

// IncFailed adds n to the failed counter.
func (r *Run) IncFailed(n int) {
	r.mu.Lock()
	r.run.Counters.Failed += n
	r.mu.Unlock()
}

// SetResult replaces the result payload.
func (r *Run) SetResult(result map[string]any) {
	r.mu.Lock()
	r.run.Result = result
	r.mu.Unlock()
}

// Complete marks the run completed. Only the first terminal transition is persisted.
func (r *Run) Complete(ctx context.Context) error {
	return r.finish(ctx, harvest.TaskCompleted, "")
}

// Fail marks the run failed with err's text.
func (r *Run) Fail(ctx context.Context, err error) error {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return r.finish(ctx, harvest.TaskFailed, msg)
}

func (r *Run) finish(ctx context.Context, status harvest.TaskStatus, errText string) error {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return nil
	}
	r.done = true
	now := r.tracker.clock.Now()
	r.run.Status = status
	r.run.CompletedAt = &now
	r.run.Error = errText
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	// The terminal row is written even when the caller's context has been cancelled.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.tracker.repo.Update(persistCtx, snapshot); err != nil {
		return fmt.Errorf("persist task %s: %w", snapshot.TaskID, err)
	}
	metrics.ObserveTask(snapshot.TaskType, string(status))

	fields := []zap.Field{
		zap.String("task_id", snapshot.TaskID),
		zap.String("task_type", snapshot.TaskType),
		zap.String("status", string(status)),
		zap.Int("processed", snapshot.Counters.Processed),
		zap.Int("succeeded", snapshot.Counters.Succeeded),
		zap.Int("failed", snapshot.Counters.Failed),
		zap.Duration("duration", now.Sub(snapshot.StartedAt)),
	}
	if status == harvest.TaskFailed {
		r.tracker.logger.Warn("task failed", append(fields, zap.String("error", errText))...)
	} else {
		r.tracker.logger.Info("task completed", fields...)
	}
	return nil
}

// Track wraps fn in a task run: nil completes it, an error fails it, and a panic
// fails it before propagating.
func (t *Tracker) Track(
	ctx context.Context,
	taskType string,
	trigger harvest.Trigger,
	params map[string]any,
	fn func(ctx context.Context, run *Run) error,
) (harvest.TaskRun, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, taskType)
	defer span.End()

	run, err := t.Start(ctx, taskType, trigger, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start failed")
		return harvest.TaskRun{}, err
	}
	span.SetAttributes(
		attribute.String("task.id", run.ID()),
		attribute.String("task.trigger", string(trigger)),
	)

	defer func() {
		if rec := recover(); rec != nil {
			if ferr := run.Fail(ctx, fmt.Errorf("panic: %v", rec)); ferr != nil {
				t.logger.Error("failed to record panicked task", zap.Error(ferr))
			}
			panic(rec)
		}
	}()

	if fnErr := fn(ctx, run); fnErr != nil {
		span.RecordError(fnErr)
		span.SetStatus(codes.Error, fnErr.Error())
		if ferr := run.Fail(ctx, fnErr); ferr != nil {
			t.logger.Error("failed to record task failure", zap.String("task_id", run.ID()), zap.Error(ferr))
		}
		return run.Snapshot(), fnErr
	}
	if err := run.Complete(ctx); err != nil {
		return run.Snapshot(), err
	}
	return run.Snapshot(), nil
}

// Reconcile fails every run a previous process left in the running state.
func (t *Tracker) Reconcile(ctx context.Context) (int, error) {
	running, err := t.repo.GetRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running tasks: %w", err)
	}
	now := t.clock.Now()
	reconciled := 0
	for _, run := range running {
		run.Status = harvest.TaskFailed
		run.CompletedAt = &now
		run.Error = InterruptedError
		if err := t.repo.Update(ctx, run); err != nil {
			return reconciled, fmt.Errorf("reconcile task %s: %w", run.TaskID, err)
		}
		metrics.ObserveTask(run.TaskType, string(harvest.TaskFailed))
		reconciled++
	}
	if reconciled > 0 {
		t.logger.Warn("reconciled interrupted tasks", zap.Int("count", reconciled))
	}
	return reconciled, nil
}
