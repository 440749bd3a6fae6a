package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/tradeforge/engine/internal/domain"
)

// migratePnL adds the append-only P&L ledger kept alongside the running
// session totals, so every realized increment has a traceable row.
func (s *Store) migratePnL() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS pnl_records (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			order_id TEXT DEFAULT '',
			symbol TEXT NOT NULL,
			pnl_type TEXT NOT NULL,
			amount REAL NOT NULL,
			recorded_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_pnl_session ON pnl_records(session_id, recorded_at)`)
	_, err = s.db.Exec(`
		CREATE TRIGGER IF NOT EXISTS pnl_records_no_update
		BEFORE UPDATE ON pnl_records
		BEGIN SELECT RAISE(ABORT, 'pnl_records is append-only'); END
	`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		CREATE TRIGGER IF NOT EXISTS pnl_records_no_delete
		BEFORE DELETE ON pnl_records
		BEGIN SELECT RAISE(ABORT, 'pnl_records is append-only'); END
	`)
	return err
}

// RecordPnL appends one realized/unrealized P&L ledger entry, optionally
// within tx so it lands atomically alongside the session-level total update.
func (s *Store) RecordPnL(tx *sql.Tx, r domain.PnLRecord) error {
	r.ID = uuid.NewString()
	r.RecordedAt = time.Now().UTC()
	exec := anyExecer(tx, s.db)
	_, err := exec.Exec(`
		INSERT INTO pnl_records (id, session_id, order_id, symbol, pnl_type, amount, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.SessionID, r.OrderID, r.Symbol, r.PnLType, r.Amount, fmtTime(r.RecordedAt))
	return err
}

// ListPnLRecords returns a session's P&L ledger, for diagnostics.
func (s *Store) ListPnLRecords(sessionID string) ([]domain.PnLRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, order_id, symbol, pnl_type, amount, recorded_at
		FROM pnl_records WHERE session_id = ? ORDER BY recorded_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.PnLRecord
	for rows.Next() {
		var r domain.PnLRecord
		var recordedAt string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.OrderID, &r.Symbol, &r.PnLType, &r.Amount, &recordedAt); err != nil {
			return nil, err
		}
		r.RecordedAt = parseTime(recordedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
