package store

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/tradeforge/engine/internal/domain"
)

func (s *Store) migrateReconciliationLog() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS reconciliation_log (
			id TEXT PRIMARY KEY,
			ran_at TEXT NOT NULL,
			status TEXT NOT NULL,
			count_checked INTEGER NOT NULL DEFAULT 0,
			mismatches TEXT NOT NULL DEFAULT '[]',
			corrections TEXT NOT NULL DEFAULT '[]',
			error_message TEXT DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		CREATE TRIGGER IF NOT EXISTS reconciliation_log_no_update
		BEFORE UPDATE ON reconciliation_log
		BEGIN SELECT RAISE(ABORT, 'reconciliation_log is append-only'); END
	`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		CREATE TRIGGER IF NOT EXISTS reconciliation_log_no_delete
		BEFORE DELETE ON reconciliation_log
		BEGIN SELECT RAISE(ABORT, 'reconciliation_log is append-only'); END
	`)
	return err
}

// AppendReconciliationLog writes one append-only reconciliation-cycle record.
func (s *Store) AppendReconciliationLog(l domain.ReconciliationLog) error {
	l.ID = uuid.NewString()
	mismatches, _ := json.Marshal(l.Mismatches)
	corrections, _ := json.Marshal(l.Corrections)
	_, err := s.db.Exec(`
		INSERT INTO reconciliation_log (id, ran_at, status, count_checked, mismatches, corrections, error_message, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, fmtTime(l.RanAt), string(l.Status), l.CountChecked, string(mismatches), string(corrections), l.ErrorMessage, l.DurationMS)
	return err
}

// RecentReconciliationLog returns the most recent N cycle records, for diagnostics.
func (s *Store) RecentReconciliationLog(limit int) ([]domain.ReconciliationLog, error) {
	rows, err := s.db.Query(`
		SELECT id, ran_at, status, count_checked, mismatches, corrections, error_message, duration_ms
		FROM reconciliation_log ORDER BY ran_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ReconciliationLog
	for rows.Next() {
		var l domain.ReconciliationLog
		var ranAt, status, mismatches, corrections string
		if err := rows.Scan(&l.ID, &ranAt, &status, &l.CountChecked, &mismatches, &corrections, &l.ErrorMessage, &l.DurationMS); err != nil {
			return nil, err
		}
		l.RanAt = parseTime(ranAt)
		l.Status = domain.ReconcileRunStatus(status)
		_ = json.Unmarshal([]byte(mismatches), &l.Mismatches)
		_ = json.Unmarshal([]byte(corrections), &l.Corrections)
		out = append(out, l)
	}
	return out, rows.Err()
}
