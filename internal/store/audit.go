package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/tradeforge/engine/internal/domain"
)

func (s *Store) migrateAudit() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			entity_type TEXT NOT NULL DEFAULT '',
			entity_id TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			payload TEXT DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)
	`)
	if err != nil {
		return err
	}
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_log(event_type)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_log(created_at)`)
	// Enforced at the storage layer, not just application code.
	_, err = s.db.Exec(`
		CREATE TRIGGER IF NOT EXISTS audit_log_no_update
		BEFORE UPDATE ON audit_log
		BEGIN SELECT RAISE(ABORT, 'audit_log is append-only'); END
	`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		CREATE TRIGGER IF NOT EXISTS audit_log_no_delete
		BEFORE DELETE ON audit_log
		BEGIN SELECT RAISE(ABORT, 'audit_log is append-only'); END
	`)
	return err
}

// AddAudit writes one audit event. tx may be nil to write outside any
// transaction. Callers on the hot risk path must treat a failure here as
// best-effort: it must not abort the decision it accompanies.
func (s *Store) AddAudit(tx *sql.Tx, e domain.AuditLogEntry) error {
	e.ID = uuid.NewString()
	e.CreatedAt = time.Now().UTC()
	exec := anyExecer(tx, s.db)
	_, err := exec.Exec(`
		INSERT INTO audit_log (id, event_type, entity_type, entity_id, actor, ip_address, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.EventType, e.EntityType, e.EntityID, e.Actor, e.IPAddress, e.Payload, fmtTime(e.CreatedAt))
	return err
}

// RecentAudit returns the most recent N audit rows, newest first.
func (s *Store) RecentAudit(limit int) ([]domain.AuditLogEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, event_type, entity_type, entity_id, actor, ip_address, payload, created_at
		FROM audit_log ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.EventType, &e.EntityType, &e.EntityID, &e.Actor, &e.IPAddress, &e.Payload, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
