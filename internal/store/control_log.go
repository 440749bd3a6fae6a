package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/tradeforge/engine/internal/domain"
)

func (s *Store) migrateControlLog() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS strategy_control_log (
			id TEXT PRIMARY KEY,
			strategy TEXT NOT NULL,
			action TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			from_status TEXT NOT NULL DEFAULT '',
			to_status TEXT NOT NULL DEFAULT '',
			acked_at TEXT,
			ack_latency_ms INTEGER,
			notes TEXT DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)
	`)
	if err != nil {
		return err
	}
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_control_log_strategy ON strategy_control_log(strategy, created_at DESC)`)
	// Append-only, with one sanctioned exception: the ack patch writes
	// acked_at/ack_latency_ms after the fact. The WHEN clause blocks any
	// update touching a column other than those two, so the identity,
	// actor, and status fields stay immutable while the one legitimate
	// patch path still succeeds.
	_, err = s.db.Exec(`
		CREATE TRIGGER IF NOT EXISTS strategy_control_log_no_update
		BEFORE UPDATE ON strategy_control_log
		WHEN OLD.strategy IS NOT NEW.strategy
			OR OLD.action IS NOT NEW.action
			OR OLD.actor IS NOT NEW.actor
			OR OLD.ip_address IS NOT NEW.ip_address
			OR OLD.from_status IS NOT NEW.from_status
			OR OLD.to_status IS NOT NEW.to_status
			OR OLD.notes IS NOT NEW.notes
			OR OLD.created_at IS NOT NEW.created_at
		BEGIN
			SELECT RAISE(ABORT, 'strategy_control_log fields are append-only except the ack patch');
		END
	`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		CREATE TRIGGER IF NOT EXISTS strategy_control_log_no_delete
		BEFORE DELETE ON strategy_control_log
		BEGIN
			SELECT RAISE(ABORT, 'strategy_control_log is append-only');
		END
	`)
	return err
}

// AppendControlLog inserts one control-action record and returns its id.
func (s *Store) AppendControlLog(entry domain.StrategyControlLogEntry) (string, error) {
	entry.ID = uuid.NewString()
	entry.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO strategy_control_log (id, strategy, action, actor, ip_address, from_status, to_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Strategy, string(entry.Action), entry.Actor, entry.IPAddress,
		string(entry.FromStatus), string(entry.ToStatus), fmtTime(entry.CreatedAt))
	return entry.ID, err
}

// AckControlLog patches the most recent pending entry for a strategy with
// its ack latency, via a dialect-agnostic ORDER BY ... LIMIT 1 subquery
// (SQLite does not support UPDATE ... ORDER BY directly).
func (s *Store) AckControlLog(strategy string, ackedAt time.Time, latencyMS int64) error {
	_, err := s.db.Exec(`
		UPDATE strategy_control_log
		SET acked_at = ?, ack_latency_ms = ?
		WHERE id = (
			SELECT id FROM strategy_control_log
			WHERE strategy = ? AND acked_at IS NULL
			ORDER BY created_at DESC LIMIT 1
		)
	`, fmtTime(ackedAt), latencyMS, strategy)
	return err
}

// RecentControlLog returns the most recent N control-log rows across all strategies.
func (s *Store) RecentControlLog(limit int) ([]domain.StrategyControlLogEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, strategy, action, actor, ip_address, from_status, to_status, acked_at, ack_latency_ms, notes, created_at
		FROM strategy_control_log ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StrategyControlLogEntry
	for rows.Next() {
		var e domain.StrategyControlLogEntry
		var action, fromStatus, toStatus string
		var ackedAt sql.NullString
		var latencyMS sql.NullInt64
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Strategy, &action, &e.Actor, &e.IPAddress, &fromStatus, &toStatus,
			&ackedAt, &latencyMS, &e.Notes, &createdAt); err != nil {
			return nil, err
		}
		e.Action = domain.ControlIntent(action)
		e.FromStatus = domain.StrategyStatus(fromStatus)
		e.ToStatus = domain.StrategyStatus(toStatus)
		e.AckedAt = parseNullTime(ackedAt)
		if latencyMS.Valid {
			e.AckLatencyMS = &latencyMS.Int64
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
