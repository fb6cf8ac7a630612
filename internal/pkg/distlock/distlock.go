package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is the interface for distributed locking. The dispatcher holds
// one of these for its entire run so that only a single process writes
// message state at a time.
// Implementations must be safe for use from a single goroutine;
// concurrent use across goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
	// Extend refreshes the lock for long-running holders. Backends
	// without an expiry treat this as a no-op.
	Extend(ctx context.Context, ttl time.Duration) error
}

// NewLock creates a distributed lock using the best available backend.
// If redisClient is non-nil, uses Redis (preferred for cross-host locking).
// Otherwise falls back to PostgreSQL advisory locks.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// =============================================================================
// PostgreSQL Advisory Lock (fallback when Redis is unavailable)
// =============================================================================
// Uses pg_try_advisory_lock / pg_advisory_unlock which are session-scoped.
// The lock is automatically released if the DB connection drops, providing
// crash-safety similar to Redis TTL expiration. Because the lock belongs to
// a session, Acquire pins a dedicated connection and Release unlocks on that
// same connection; going through the pool would unlock on the wrong session.

// PGAdvisoryLock implements DistLock using PostgreSQL advisory locks.
type PGAdvisoryLock struct {
	db     *sql.DB
	conn   *sql.Conn
	lockID int64
}

// NewPGAdvisoryLock creates a PG advisory lock with a deterministic lock ID
// derived from the given key string.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries to acquire the advisory lock. Returns true if successful.
// Uses pg_try_advisory_lock which returns immediately (non-blocking).
// The connection carrying the lock stays checked out until Release.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release releases the advisory lock and returns its connection to the pool.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return err
	}
	return closeErr
}

// Extend is a no-op: advisory locks live as long as their session.
func (l *PGAdvisoryLock) Extend(ctx context.Context, ttl time.Duration) error {
	return nil
}
