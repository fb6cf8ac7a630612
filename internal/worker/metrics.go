package worker

import "sync/atomic"

// Metrics holds the process counters surfaced by the status endpoints.
// Counters only ever increase; QueueDepth is a gauge refreshed at the
// start of every dispatch cycle.
type Metrics struct {
	Sent        atomic.Int64
	Errors      atomic.Int64
	Deferred    atomic.Int64
	RateLimited atomic.Int64
	Reported    atomic.Int64
	Cycles      atomic.Int64
	QueueDepth  atomic.Int64
}

// NewMetrics creates a zeroed counter set.
func NewMetrics() *Metrics { return &Metrics{} }

// Snapshot returns the counters as a flat map for JSON rendering.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"sent":         m.Sent.Load(),
		"errors":       m.Errors.Load(),
		"deferred":     m.Deferred.Load(),
		"rate_limited": m.RateLimited.Load(),
		"reported":     m.Reported.Load(),
		"cycles":       m.Cycles.Load(),
		"queue_depth":  m.QueueDepth.Load(),
	}
}
