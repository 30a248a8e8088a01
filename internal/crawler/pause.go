package crawler

import (
	"context"
	"time"
)

// pauser abstracts how the crawler sleeps between attempts.
type pauser interface {
	Pause(ctx context.Context, delay time.Duration) error
}

type timerPauser struct{}

func (timerPauser) Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
