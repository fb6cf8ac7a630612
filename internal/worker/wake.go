package worker

import (
	"context"
	"time"
)

// Wake is an edge-triggered wake-up signal for a sleeping loop. Setting
// an already-set signal coalesces into one wake.
type Wake struct {
	ch chan struct{}
}

// NewWake creates an unset signal.
func NewWake() *Wake {
	return &Wake{ch: make(chan struct{}, 1)}
}

// Set fires the signal. It never blocks.
func (w *Wake) Set() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the signal fires, the timeout elapses, or ctx ends.
// A timeout of zero or less waits on the signal alone, which is how the
// loops run under test.
func (w *Wake) Wait(ctx context.Context, timeout time.Duration) {
	if timeout <= 0 {
		select {
		case <-w.ch:
		case <-ctx.Done():
		}
		return
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-w.ch:
	case <-t.C:
	case <-ctx.Done():
	}
}
