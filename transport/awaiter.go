package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAwaitTimeout is returned by Awaiter.Await when no resolution arrives
// within the timeout.
var ErrAwaitTimeout = errors.New("timed out awaiting stream result")

// Awaiter is a single-assignment result cell bound to one stream. The
// stream's listener resolves it from network callbacks; the requesting
// goroutine blocks on Await. It resolves at most once: any Resolve or
// Fail after the first is a no-op.
type Awaiter struct {
	mu       sync.Mutex
	done     chan struct{}
	resolved bool
	value    string
	err      error
}

func NewAwaiter() *Awaiter {
	return &Awaiter{done: make(chan struct{})}
}

// Resolve completes the awaiter successfully. Only the first call wins.
func (a *Awaiter) Resolve(value string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.resolved {
		return
	}

	a.resolved = true
	a.value = value
	close(a.done)
}

// Fail completes the awaiter with an error. Only the first call wins.
func (a *Awaiter) Fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.resolved {
		return
	}

	a.resolved = true
	a.err = err
	close(a.done)
}

// Done reports whether the awaiter has been resolved or failed.
func (a *Awaiter) Done() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.resolved
}

// Await blocks until the awaiter resolves, the timeout elapses, or the
// context is cancelled. Cancellation propagates ctx.Err() rather than
// being treated as a result.
func (a *Awaiter) Await(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-a.done:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.value, a.err

	case <-timer.C:
		return "", ErrAwaitTimeout

	case <-ctx.Done():
		return "", ctx.Err()
	}
}
