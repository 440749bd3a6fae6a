// Package store is the durable, authoritative state layer: sessions,
// orders, positions, strategy state, control log, circuit-breaker state,
// reconciliation log, audit log, and feed heartbeat. Uniqueness and
// append-only invariants are enforced at the storage layer itself, via
// constraints and triggers, so application code is never their only
// guarantor.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the single *sql.DB every sub-table's methods operate on.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at dsn and runs every
// migration. SQLite's single-writer model means this also reasonably
// serves as the durable store's transaction lock plane for the advisory
// locks implemented in locking.go.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer; avoids SQLITE_BUSY under our own load
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for components (advisory locks, row locks) that
// need to manage their own transaction.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate() error {
	migrations := []func() error{
		s.migrateSessions,
		s.migrateOrders,
		s.migratePositions,
		s.migrateStrategies,
		s.migrateControlLog,
		s.migrateCircuitBreaker,
		s.migrateReconciliationLog,
		s.migrateAudit,
		s.migrateFeedHeartbeat,
		s.migratePnL,
		s.migrateAdvisoryLocks,
	}
	for _, m := range migrations {
		if err := m(); err != nil {
			return err
		}
	}
	return nil
}

// Fixed-width fraction so the TEXT timestamp columns order correctly under
// plain string comparison (cutoff queries, ORDER BY created_at).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
