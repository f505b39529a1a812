package client

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// throttle bounds the load put on the bridge: at most a fixed number of
// request streams in flight, and a minimum gap between request starts.
// Spacing decisions are serialized so the gap holds between any two
// successive starts regardless of how many callers are waiting.
type throttle struct {
	slots   *semaphore.Weighted
	spacing time.Duration

	mu        sync.Mutex
	lastStart time.Time
}

func newThrottle(maxConcurrent int, spacing time.Duration) *throttle {
	return &throttle{
		slots:   semaphore.NewWeighted(int64(maxConcurrent)),
		spacing: spacing,
	}
}

// acquire blocks until a slot is free and the spacing gap has passed.
func (t *throttle) acquire(ctx context.Context) error {
	if err := t.slots.Acquire(ctx, 1); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.lastStart.IsZero() {
		if remaining := t.spacing - time.Since(t.lastStart); remaining > 0 {
			timer := time.NewTimer(remaining)

			select {
			case <-timer.C:

			case <-ctx.Done():
				timer.Stop()
				t.slots.Release(1)
				return ctx.Err()
			}
		}
	}

	t.lastStart = time.Now()

	return nil
}

func (t *throttle) release() {
	t.slots.Release(1)
}
