// Package smtppool caches open, authenticated SMTP connections so that
// dispatch workers sending bursts through the same relay skip the
// connect/EHLO/AUTH round trips. Connections are keyed by worker
// identity, so parallel workers hold separate sessions even when they
// target the same endpoint, and an entry is reused only while its
// endpoint parameters still match, its reuse window has not lapsed and
// it answers a NOOP probe.
package smtppool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/mailroom/internal/pkg/logger"
)

// Params identifies one relay endpoint. Entries are interchangeable only
// when every credential field matches; a password rotation forces a
// redial. TTLSeconds overrides the pool's reuse window for this entry
// (zero means the pool default) and does not participate in matching.
type Params struct {
	Host       string
	Port       int
	Username   string
	Password   string
	UseTLS     bool
	TTLSeconds int
}

func (p Params) sameEndpoint(o Params) bool {
	return p.Host == o.Host && p.Port == o.Port &&
		p.Username == o.Username && p.Password == o.Password &&
		p.UseTLS == o.UseTLS
}

type entry struct {
	conn     Conn
	params   Params
	lastUsed time.Time
}

// Pool hands each worker identity at most one live connection.
type Pool struct {
	mu       sync.Mutex
	dial     Dialer
	entries  map[string]*entry
	ttl      time.Duration
	timeouts Timeouts
}

// New builds a pool around the given dialer. ttl is the default reuse
// window; accounts can shorten or extend it per endpoint.
func New(dial Dialer, ttl time.Duration, t Timeouts) *Pool {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Pool{
		dial:     dial,
		entries:  make(map[string]*entry),
		ttl:      ttl,
		timeouts: t,
	}
}

func (pl *Pool) entryTTL(p Params) time.Duration {
	if p.TTLSeconds > 0 {
		return time.Duration(p.TTLSeconds) * time.Second
	}
	return pl.ttl
}

// Acquire returns the worker's pooled connection when it is still
// usable, otherwise evicts it and dials a fresh one. Each worker
// identity is owned by a single goroutine at a time, so only the map
// accesses need the lock.
func (pl *Pool) Acquire(ctx context.Context, worker string, p Params) (Conn, error) {
	pl.mu.Lock()
	e := pl.entries[worker]
	pl.mu.Unlock()

	if e != nil {
		if e.params.sameEndpoint(p) && time.Since(e.lastUsed) < pl.entryTTL(p) && pl.probe(e.conn) == nil {
			pl.mu.Lock()
			e.lastUsed = time.Now()
			pl.mu.Unlock()
			return e.conn, nil
		}
		pl.mu.Lock()
		delete(pl.entries, worker)
		pl.mu.Unlock()
		if err := e.conn.Quit(); err != nil {
			e.conn.Close()
		}
	}

	conn, err := pl.dial(ctx, p)
	if err != nil {
		return nil, err
	}
	pl.mu.Lock()
	pl.entries[worker] = &entry{conn: conn, params: p, lastUsed: time.Now()}
	pl.mu.Unlock()
	return conn, nil
}

// Send runs one full SMTP transaction on the worker's pooled connection
// under a hard deadline. Any failure mid-transaction leaves the session
// in an unknown state, so the connection is dropped rather than reused.
func (pl *Pool) Send(ctx context.Context, worker string, p Params, from string, rcpts []string, data []byte) error {
	conn, err := pl.Acquire(ctx, worker, p)
	if err != nil {
		return err
	}

	if c, ok := conn.(*client); ok {
		c.armDeadline(pl.timeouts.Send)
		defer c.clearDeadline()
	}

	if err := pl.transact(conn, from, rcpts, data); err != nil {
		pl.Evict(worker)
		return err
	}

	pl.mu.Lock()
	if e := pl.entries[worker]; e != nil && e.conn == conn {
		e.lastUsed = time.Now()
	}
	pl.mu.Unlock()
	return nil
}

func (pl *Pool) transact(conn Conn, from string, rcpts []string, data []byte) error {
	if err := conn.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range rcpts {
		if err := conn.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", logger.RedactEmail(rcpt), err)
		}
	}
	w, err := conn.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA close: %w", err)
	}
	return nil
}

// Evict drops the worker's connection with a best-effort close.
func (pl *Pool) Evict(worker string) {
	pl.mu.Lock()
	e := pl.entries[worker]
	delete(pl.entries, worker)
	pl.mu.Unlock()
	if e != nil {
		e.conn.Close()
	}
}

// Cleanup drops entries that have outlived their reuse window or stopped
// answering probes. The probe runs outside the lock; an entry replaced
// in the meantime is left alone.
func (pl *Pool) Cleanup() int {
	now := time.Now()

	pl.mu.Lock()
	type snapshot struct {
		worker string
		e      *entry
	}
	snap := make([]snapshot, 0, len(pl.entries))
	for w, e := range pl.entries {
		snap = append(snap, snapshot{w, e})
	}
	pl.mu.Unlock()

	var victims []snapshot
	for _, s := range snap {
		if now.Sub(s.e.lastUsed) > pl.entryTTL(s.e.params) || pl.probe(s.e.conn) != nil {
			victims = append(victims, s)
		}
	}

	for _, v := range victims {
		pl.mu.Lock()
		current := pl.entries[v.worker]
		if current == v.e {
			delete(pl.entries, v.worker)
		}
		pl.mu.Unlock()
		if current == v.e {
			if err := v.e.conn.Quit(); err != nil {
				v.e.conn.Close()
			}
		}
	}
	return len(victims)
}

// Run sweeps the pool until the context ends.
func (pl *Pool) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = pl.ttl / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := pl.Cleanup(); n > 0 {
				logger.Debug("smtp pool sweep", "evicted", n, "open", pl.Len())
			}
		}
	}
}

// Len reports the number of pooled connections.
func (pl *Pool) Len() int {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return len(pl.entries)
}

// Close quits every pooled connection. Called once at shutdown.
func (pl *Pool) Close() {
	pl.mu.Lock()
	entries := pl.entries
	pl.entries = make(map[string]*entry)
	pl.mu.Unlock()
	for _, e := range entries {
		if err := e.conn.Quit(); err != nil {
			e.conn.Close()
		}
	}
}

func (pl *Pool) probe(c Conn) error {
	if cl, ok := c.(*client); ok {
		cl.armDeadline(pl.timeouts.Probe)
		defer cl.clearDeadline()
	}
	return c.Noop()
}
