// Package store implements the durable message queue and tenant registry
// on PostgreSQL. Every mutation that changes a message's delivery state
// appends the matching event row in the same transaction, so the event
// log never disagrees with the queue.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Not-found sentinels, checked by handlers to map onto 404s.
var (
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrTenantExists    = errors.New("tenant already exists")
	ErrAccountNotFound = errors.New("account not found")
	ErrMessageNotFound = errors.New("message not found")
)

// Store wraps the PostgreSQL connection pool.
type Store struct {
	db *sql.DB
}

// New creates a Store over an existing database handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

// Open connects to PostgreSQL and applies pool limits.
func Open(dsn string, maxOpen, maxIdle int, connMaxLifetime time.Duration) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connMaxLifetime)
	return &Store{db: db}, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the underlying handle for callers that need raw access
// (the advisory writer lock rides on the same pool).
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// withTx runs fn inside a transaction, committing on success and
// rolling back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
