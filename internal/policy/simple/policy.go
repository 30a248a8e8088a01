// Package simple contains the pass-through pacing policy used when per-host
// rate limiting is disabled.
package simple

import "context"

// Pacer never delays; it only honors cancellation.
type Pacer struct{}

// New creates a new Pacer.
func New() *Pacer {
	return &Pacer{}
}

// Wait returns immediately unless ctx is already done.
func (Pacer) Wait(ctx context.Context, _ string) error {
	return ctx.Err()
}
