package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tradeforge/engine/internal/domain"
)

func (s *Store) migrateSessions() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS trading_sessions (
			id TEXT PRIMARY KEY,
			date TEXT NOT NULL UNIQUE,
			is_killed BOOLEAN NOT NULL DEFAULT 0,
			kill_reason TEXT DEFAULT '',
			kill_time TEXT,
			killed_by TEXT DEFAULT '',
			max_daily_loss REAL NOT NULL DEFAULT 0,
			max_position_size INTEGER NOT NULL DEFAULT 0,
			max_open_orders INTEGER NOT NULL DEFAULT 0,
			max_margin_usage_pct REAL NOT NULL DEFAULT 0,
			max_lot_size INTEGER NOT NULL DEFAULT 0,
			realized_pnl REAL NOT NULL DEFAULT 0,
			unrealized_pnl REAL NOT NULL DEFAULT 0,
			total_orders INTEGER NOT NULL DEFAULT 0,
			rejected_orders INTEGER NOT NULL DEFAULT 0,
			reconcile_failure_count INTEGER NOT NULL DEFAULT 0,
			last_reconcile_at TEXT,
			last_reconcile_status TEXT NOT NULL DEFAULT 'PENDING',
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)
	`)
	if err != nil {
		return err
	}
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_date ON trading_sessions(date)`)
	return nil
}

// GetOrCreateToday returns today's session row, creating it with defaults on
// first trading action of the day. defaults supplies the risk-limit snapshot.
func (s *Store) GetOrCreateToday(date string, defaults domain.TradingSession) (*domain.TradingSession, error) {
	sess, err := s.GetSessionByDate(date)
	if err == nil {
		return sess, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	sess = &defaults
	sess.ID = uuid.NewString()
	sess.Date = date
	now := time.Now().UTC()
	sess.CreatedAt, sess.UpdatedAt = now, now
	sess.LastReconcileStatus = domain.ReconcilePending

	_, err = s.db.Exec(`
		INSERT INTO trading_sessions (
			id, date, max_daily_loss, max_position_size, max_open_orders,
			max_margin_usage_pct, max_lot_size, last_reconcile_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.Date, sess.MaxDailyLoss, sess.MaxPositionSize, sess.MaxOpenOrders,
		sess.MaxMarginUsagePct, sess.MaxLotSize, sess.LastReconcileStatus, fmtTime(now), fmtTime(now))
	if err != nil {
		// Another process may have created it concurrently under the unique(date) constraint.
		if existing, getErr := s.GetSessionByDate(date); getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// GetSessionByDate fetches the session row for a calendar date.
func (s *Store) GetSessionByDate(date string) (*domain.TradingSession, error) {
	row := s.db.QueryRow(sessionSelectCols+`FROM trading_sessions WHERE date = ?`, date)
	return scanSession(row)
}

// GetSession fetches a session by its id with a plain read; it takes no
// lock. LockSessionRow is the transactional read. Risk validation reads the
// session through GetSession under the advisory lock only, so the session
// row itself is not locked during evaluation.
func (s *Store) GetSession(id string) (*domain.TradingSession, error) {
	row := s.db.QueryRow(sessionSelectCols+`FROM trading_sessions WHERE id = ?`, id)
	return scanSession(row)
}

// LockSessionRow reads the session row within tx. SQLite's single-writer
// transaction already provides SELECT-FOR-UPDATE-equivalent semantics: no
// other writer can commit a concurrent update until tx ends.
func (s *Store) LockSessionRow(tx *sql.Tx, id string) (*domain.TradingSession, error) {
	row := tx.QueryRow(sessionSelectCols+`FROM trading_sessions WHERE id = ?`, id)
	return scanSession(row)
}

const sessionSelectCols = `SELECT id, date, is_killed, kill_reason, kill_time, killed_by,
	max_daily_loss, max_position_size, max_open_orders, max_margin_usage_pct, max_lot_size,
	realized_pnl, unrealized_pnl, total_orders, rejected_orders,
	reconcile_failure_count, last_reconcile_at, last_reconcile_status, created_at, updated_at `

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.TradingSession, error) {
	var sess domain.TradingSession
	var killReason, killedBy string
	var killTime, lastReconcileAt sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&sess.ID, &sess.Date, &sess.IsKilled, &killReason, &killTime, &killedBy,
		&sess.MaxDailyLoss, &sess.MaxPositionSize, &sess.MaxOpenOrders, &sess.MaxMarginUsagePct, &sess.MaxLotSize,
		&sess.RealizedPnL, &sess.UnrealizedPnL, &sess.TotalOrders, &sess.RejectedOrders,
		&sess.ReconcileFailureCount, &lastReconcileAt, &sess.LastReconcileStatus, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sess.KillReason = domain.KillReason(killReason)
	sess.KilledBy = killedBy
	sess.KillTime = parseNullTime(killTime)
	sess.LastReconcileAt = parseNullTime(lastReconcileAt)
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

// TriggerKillSwitch conditionally sets is_killed, leaving an already-killed
// row untouched. Returns true if this call is the one that flipped it.
func (s *Store) TriggerKillSwitch(tx *sql.Tx, sessionID string, reason domain.KillReason, actor string) (bool, error) {
	now := fmtTime(time.Now().UTC())
	res, err := tx.Exec(`
		UPDATE trading_sessions
		SET is_killed = 1, kill_reason = ?, kill_time = ?, killed_by = ?, updated_at = ?
		WHERE id = ? AND is_killed = 0
	`, string(reason), now, actor, now, sessionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeactivateKillSwitch clears is_killed as an explicit manual operator
// action, distinct from the automatic trigger path.
func (s *Store) DeactivateKillSwitch(sessionID, actor string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE trading_sessions
		SET is_killed = 0, kill_reason = '', kill_time = NULL, killed_by = ?, updated_at = ?
		WHERE id = ? AND is_killed = 1
	`, actor, fmtTime(time.Now().UTC()), sessionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecordRealizedPnL atomically increments realized_pnl and returns the
// resulting day P&L so the risk engine can decide whether to trip the kill
// switch inline, all within the caller's transaction.
func (s *Store) RecordRealizedPnL(tx *sql.Tx, sessionID string, delta float64) (float64, error) {
	_, err := tx.Exec(`UPDATE trading_sessions SET realized_pnl = realized_pnl + ?, updated_at = ? WHERE id = ?`,
		delta, fmtTime(time.Now().UTC()), sessionID)
	if err != nil {
		return 0, err
	}
	var realized, unrealized float64
	err = tx.QueryRow(`SELECT realized_pnl, unrealized_pnl FROM trading_sessions WHERE id = ?`, sessionID).
		Scan(&realized, &unrealized)
	return realized + unrealized, err
}

// SetUnrealizedPnL is called by reconciliation after refreshing positions.
func (s *Store) SetUnrealizedPnL(sessionID string, unrealized float64) error {
	_, err := s.db.Exec(`UPDATE trading_sessions SET unrealized_pnl = ?, updated_at = ? WHERE id = ?`,
		unrealized, fmtTime(time.Now().UTC()), sessionID)
	return err
}

// SetReconcileOutcome records the run-level outcome on the session. The
// per-position reconcile_status carries the row-level outcome separately.
func (s *Store) SetReconcileOutcome(sessionID string, status domain.ReconcileRunStatus) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE trading_sessions SET last_reconcile_status = ?, last_reconcile_at = ?, updated_at = ?
		WHERE id = ?
	`, string(status), fmtTime(now), fmtTime(now), sessionID)
	return err
}

// IncrementReconcileFailureCount atomically bumps the persistent counter and
// returns the new value (monotonic across a day except on an OK cycle).
func (s *Store) IncrementReconcileFailureCount(sessionID string) (int, error) {
	_, err := s.db.Exec(`UPDATE trading_sessions SET reconcile_failure_count = reconcile_failure_count + 1, updated_at = ? WHERE id = ?`,
		fmtTime(time.Now().UTC()), sessionID)
	if err != nil {
		return 0, err
	}
	var count int
	err = s.db.QueryRow(`SELECT reconcile_failure_count FROM trading_sessions WHERE id = ?`, sessionID).Scan(&count)
	return count, err
}

// ResetReconcileFailureCount zeroes the counter on a successful cycle.
func (s *Store) ResetReconcileFailureCount(sessionID string) error {
	_, err := s.db.Exec(`UPDATE trading_sessions SET reconcile_failure_count = 0, updated_at = ? WHERE id = ?`,
		fmtTime(time.Now().UTC()), sessionID)
	return err
}

// CountOpenPositions counts rows with nonzero net_quantity for a session.
func (s *Store) CountOpenPositions(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM positions WHERE session_id = ? AND net_quantity != 0`, sessionID).Scan(&n)
	return n, err
}

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
