package worker

import (
	"log"
	"sync/atomic"
	"time"
)

const (
	// DefaultResultCapacity bounds the in-process result stream.
	DefaultResultCapacity = 1000

	// DefaultPublishTimeout is how long a publisher waits on a full
	// stream before dropping the result.
	DefaultPublishTimeout = 5 * time.Second
)

// Result is one delivery outcome published to the in-process result
// stream: a terminal sent/error, or an admission rejection that was
// persisted for reporting.
type Result struct {
	PK       string `json:"pk,omitempty"`
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	TS       int64  `json:"timestamp"`
}

// ResultQueue is a bounded stream of delivery results. Publishing a
// result to a full queue waits up to the publish timeout and then drops
// it with a log line, so a slow or absent consumer can never stall the
// dispatch loop.
type ResultQueue struct {
	ch      chan Result
	timeout time.Duration
	dropped atomic.Int64
}

// NewResultQueue creates a bounded result stream. Non-positive
// arguments fall back to the defaults.
func NewResultQueue(capacity int, timeout time.Duration) *ResultQueue {
	if capacity <= 0 {
		capacity = DefaultResultCapacity
	}
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &ResultQueue{
		ch:      make(chan Result, capacity),
		timeout: timeout,
	}
}

// Publish enqueues r, reporting whether it was accepted before the
// publish timeout.
func (q *ResultQueue) Publish(r Result) bool {
	select {
	case q.ch <- r:
		return true
	default:
	}

	t := time.NewTimer(q.timeout)
	defer t.Stop()
	select {
	case q.ch <- r:
		return true
	case <-t.C:
		q.dropped.Add(1)
		log.Printf("[Results] Stream full, dropping result for message %s (status=%s)", r.ID, r.Status)
		return false
	}
}

// C is the receive side of the stream.
func (q *ResultQueue) C() <-chan Result { return q.ch }

// Dropped returns how many results were discarded on overflow.
func (q *ResultQueue) Dropped() int64 { return q.dropped.Load() }
