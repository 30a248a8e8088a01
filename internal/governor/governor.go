// Package governor bounds simultaneous network operations globally and per host.
//
// Callers acquire the global permit first and the host permit second; host
// permits therefore always count against the global ceiling. Every acquired
// permit is released on every exit path.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/release-harvester/internal/metrics"
)

// DefaultHost keys operations whose target host is unknown.
const DefaultHost = "default"

// Pacer optionally delays operations against a host.
type Pacer interface {
	Wait(ctx context.Context, host string) error
}

// Config sets permit capacities.
type Config struct {
	// Global bounds simultaneous operations across all hosts.
	Global int
	// PerHost bounds simultaneous operations against a single host.
	PerHost int
}

// Governor is a two-level counting limiter.
type Governor struct {
	global  *semaphore.Weighted
	perHost int64
	pacer   Pacer

	mu    sync.Mutex
	hosts map[string]*semaphore.Weighted
}

// New builds a Governor. Non-positive capacities default to 1. pacer may be nil.
func New(cfg Config, pacer Pacer) *Governor {
	global := cfg.Global
	if global <= 0 {
		global = 1
	}
	perHost := cfg.PerHost
	if perHost <= 0 {
		perHost = 1
	}
	return &Governor{
		global:  semaphore.NewWeighted(int64(global)),
		perHost: int64(perHost),
		pacer:   pacer,
		hosts:   make(map[string]*semaphore.Weighted),
	}
}

// Acquire blocks until both the global and host permits are held.
// The returned release func must be called exactly once.
func (g *Governor) Acquire(ctx context.Context, host string) (func(), error) {
	if host == "" {
		host = DefaultHost
	}
	start := time.Now()
	if err := g.global.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire global permit: %w", err)
	}
	hostSem := g.hostSemaphore(host)
	if err := hostSem.Acquire(ctx, 1); err != nil {
		g.global.Release(1)
		return nil, fmt.Errorf("acquire host permit %s: %w", host, err)
	}
	if g.pacer != nil {
		if err := g.pacer.Wait(ctx, host); err != nil {
			hostSem.Release(1)
			g.global.Release(1)
			return nil, err
		}
	}
	metrics.ObserveGovernorWait(host, time.Since(start))
	metrics.IncInFlight()

	var once sync.Once
	return func() {
		once.Do(func() {
			metrics.DecInFlight()
			hostSem.Release(1)
			g.global.Release(1)
		})
	}, nil
}

// Do runs fn while holding both permits for host.
func (g *Governor) Do(ctx context.Context, host string, fn func(context.Context) error) error {
	release, err := g.Acquire(ctx, host)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

func (g *Governor) hostSemaphore(host string) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()
	sem, ok := g.hosts[host]
	if !ok {
		sem = semaphore.NewWeighted(g.perHost)
		g.hosts[host] = sem
	}
	return sem
}
