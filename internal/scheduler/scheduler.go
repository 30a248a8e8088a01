// Package scheduler fires the periodic catalog-sync and scan jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/JakeFAU/release-harvester/internal/harvest"
	"github.com/JakeFAU/release-harvester/internal/metrics"
)

// DefaultMisfireGrace is how late a firing may start before it is skipped.
const DefaultMisfireGrace = 60 * time.Second

// Misfire reasons reported to metrics.
const (
	misfireLate    = "late"
	misfireOverlap = "overlap"
)

// Job is a periodic unit of work. Run receives a context detached from Stop.
type Job struct {
	ID       string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// JobInfo describes a registered job for the API.
type JobInfo struct {
	ID       string        `json:"id"`
	Interval time.Duration `json:"interval"`
	NextRun  time.Time     `json:"next_run"`
	Running  bool          `json:"running"`
}

// Config tunes the scheduler.
type Config struct {
	MisfireGrace time.Duration
}

type entry struct {
	job     Job
	cancel  context.CancelFunc
	running *atomic.Bool

	mu   sync.Mutex
	next time.Time
}

// newEntry shares running with a replaced entry so an in-flight run still blocks overlap.
func newEntry(job Job, running *atomic.Bool) *entry {
	if running == nil {
		running = new(atomic.Bool)
	}
	return &entry{job: job, running: running}
}

func (e *entry) nextRun() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.next
}

func (e *entry) setNext(t time.Time) {
	e.mu.Lock()
	e.next = t
	e.mu.Unlock()
}

// Scheduler runs each job on its own ticker. A job never overlaps itself.
type Scheduler struct {
	cfg    Config
	repos  harvest.Repositories
	clock  harvest.Clock
	logger *zap.Logger

	mu      sync.Mutex
	pending []Job
	entries map[string]*entry
	base    context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Scheduler for jobs. Nothing runs until Start.
func New(repos harvest.Repositories, cfg Config, clock harvest.Clock, logger *zap.Logger, jobs ...Job) (*Scheduler, error) {
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = DefaultMisfireGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, job := range jobs {
		if err := validate(job); err != nil {
			return nil, err
		}
	}
	return &Scheduler{
		cfg:     cfg,
		repos:   repos,
		clock:   clock,
		logger:  logger,
		pending: jobs,
		entries: make(map[string]*entry),
	}, nil
}

func validate(job Job) error {
	switch {
	case job.ID == "":
		return errors.New("job id is required")
	case job.Interval <= 0:
		return fmt.Errorf("job %s: interval must be positive", job.ID)
	case job.Run == nil:
		return fmt.Errorf("job %s: run func is required", job.ID)
	}
	return nil
}

// Start ensures the storage indexes exist, then registers and starts every job.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.repos.EnsureIndexes != nil {
		if err := s.repos.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("ensure indexes: %w", err)
		}
	}

	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.base, s.stop = context.WithCancel(context.WithoutCancel(ctx))
	jobs := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, job := range jobs {
		if err := s.Register(job); err != nil {
			return err
		}
	}
	s.logger.Info("scheduler started", zap.Int("jobs", len(jobs)))
	return nil
}

// Register adds job, replacing any job with the same id. Before Start the job is
// queued; afterwards its ticker starts immediately.
func (s *Scheduler) Register(job Job) error {
	if err := validate(job); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop == nil {
		s.pending = append(s.pending, job)
		return nil
	}
	var running *atomic.Bool
	if old, ok := s.entries[job.ID]; ok {
		old.cancel()
		running = old.running
		s.logger.Info("replacing job", zap.String("job", job.ID))
	}
	loopCtx, cancel := context.WithCancel(s.base)
	e := newEntry(job, running)
	e.cancel = cancel
	e.setNext(s.clock.Now().Add(job.Interval))
	s.entries[job.ID] = e
	go s.loop(loopCtx, e)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	ticker := time.NewTicker(e.job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			e.setNext(tick.Add(e.job.Interval))
			s.fire(ctx, e, tick)
		}
	}
}

// fire starts one run of e unless it is too late or the previous run is still going.
func (s *Scheduler) fire(ctx context.Context, e *entry, scheduled time.Time) bool {
	if ctx.Err() != nil {
		return false
	}
	logger := s.logger.With(zap.String("job", e.job.ID))
	if late := s.clock.Now().Sub(scheduled); late > s.cfg.MisfireGrace {
		metrics.ObserveMisfire(e.job.ID, misfireLate)
		logger.Warn("job misfired", zap.Duration("late", late))
		return false
	}
	if !e.running.CompareAndSwap(false, true) {
		metrics.ObserveMisfire(e.job.ID, misfireOverlap)
		logger.Info("job still running, skipping firing")
		return false
	}

	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer e.running.Store(false)

		var err error
		var pc panics.Catcher
		pc.Try(func() { err = e.job.Run(runCtx) })
		if r := pc.Recovered(); r != nil {
			err = r.AsError()
		}
		if err != nil {
			logger.Error("job failed", zap.Error(err))
			return
		}
		logger.Debug("job finished")
	}()
	return true
}

// Stop cancels future firings and returns without waiting for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return
	}
	s.stop()
	s.stop = nil
	s.entries = make(map[string]*entry)
	s.logger.Info("scheduler stopped")
}

// Wait blocks until every in-flight run has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Jobs lists the registered jobs ordered by id.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.entries)+len(s.pending))
	for _, e := range s.entries {
		out = append(out, JobInfo{
			ID:       e.job.ID,
			Interval: e.job.Interval,
			NextRun:  e.nextRun(),
			Running:  e.running.Load(),
		})
	}
	for _, job := range s.pending {
		out = append(out, JobInfo{ID: job.ID, Interval: job.Interval})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
