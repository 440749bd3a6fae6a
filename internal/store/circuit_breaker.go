package store

import (
	"database/sql"
	"time"

	"github.com/tradeforge/engine/internal/domain"
)

func (s *Store) migrateCircuitBreaker() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS circuit_breaker_states (
			service_name TEXT PRIMARY KEY,
			state TEXT NOT NULL DEFAULT 'CLOSED',
			failure_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			last_failure_at TEXT,
			opened_at TEXT,
			next_attempt_at TEXT,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)
	`)
	return err
}

// GetOrCreateBreakerState returns the persisted state for a service,
// creating it CLOSED on first use. Handles the concurrent-create race by
// falling back to a re-fetch on a unique-constraint failure.
func (s *Store) GetOrCreateBreakerState(service string) (*domain.CircuitBreakerState, error) {
	if st, err := s.GetBreakerState(service); err == nil {
		return st, nil
	} else if err != sql.ErrNoRows {
		return nil, err
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO circuit_breaker_states (service_name, state, updated_at) VALUES (?, ?, ?)
	`, service, string(domain.BreakerClosed), fmtTime(now))
	if err != nil {
		if existing, getErr := s.GetBreakerState(service); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return s.GetBreakerState(service)
}

// GetBreakerState fetches one service's persisted breaker state.
func (s *Store) GetBreakerState(service string) (*domain.CircuitBreakerState, error) {
	row := s.db.QueryRow(`
		SELECT service_name, state, failure_count, success_count, last_failure_at, opened_at, next_attempt_at, updated_at
		FROM circuit_breaker_states WHERE service_name = ?
	`, service)
	return scanBreakerState(row)
}

// ListBreakerStates returns every persisted breaker row, for diagnostics.
func (s *Store) ListBreakerStates() ([]*domain.CircuitBreakerState, error) {
	rows, err := s.db.Query(`
		SELECT service_name, state, failure_count, success_count, last_failure_at, opened_at, next_attempt_at, updated_at
		FROM circuit_breaker_states ORDER BY service_name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.CircuitBreakerState
	for rows.Next() {
		st, err := scanBreakerState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SaveBreakerState writes back a transitioned state. A later persisted
// transition always wins under concurrent writers.
func (s *Store) SaveBreakerState(st *domain.CircuitBreakerState) error {
	st.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE circuit_breaker_states SET
			state = ?, failure_count = ?, success_count = ?, last_failure_at = ?, opened_at = ?, next_attempt_at = ?, updated_at = ?
		WHERE service_name = ?
	`, string(st.State), st.FailureCount, st.SuccessCount, nullableTime(st.LastFailureAt),
		nullableTime(st.OpenedAt), nullableTime(st.NextAttemptAt), fmtTime(st.UpdatedAt), st.ServiceName)
	return err
}

func scanBreakerState(row rowScanner) (*domain.CircuitBreakerState, error) {
	var st domain.CircuitBreakerState
	var state string
	var lastFailureAt, openedAt, nextAttemptAt sql.NullString
	var updatedAt string
	err := row.Scan(&st.ServiceName, &state, &st.FailureCount, &st.SuccessCount,
		&lastFailureAt, &openedAt, &nextAttemptAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	st.State = domain.BreakerState(state)
	st.LastFailureAt = parseNullTime(lastFailureAt)
	st.OpenedAt = parseNullTime(openedAt)
	st.NextAttemptAt = parseNullTime(nextAttemptAt)
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}
