package store

import (
	"database/sql"
	"time"

	"github.com/tradeforge/engine/internal/domain"
)

func (s *Store) migrateStrategies() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS strategy_states (
			name TEXT PRIMARY KEY,
			symbol TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'stopped',
			control_intent TEXT,
			intent_set_at TEXT,
			intent_acked_at TEXT,
			intent_actor TEXT DEFAULT '',

			pnl REAL NOT NULL DEFAULT 0,
			allocated_capital REAL NOT NULL DEFAULT 0,
			open_qty INTEGER NOT NULL DEFAULT 0,
			avg_entry REAL NOT NULL DEFAULT 0,
			ltp REAL NOT NULL DEFAULT 0,
			win_rate REAL NOT NULL DEFAULT 0,
			total_trades INTEGER NOT NULL DEFAULT 0,
			winning_trades INTEGER NOT NULL DEFAULT 0,

			net_delta REAL NOT NULL DEFAULT 0,
			drawdown_pct REAL NOT NULL DEFAULT 0,
			max_dd_cap REAL NOT NULL DEFAULT 0,
			risk_pct REAL NOT NULL DEFAULT 0,
			direction_bias TEXT NOT NULL DEFAULT 'NEUTRAL',
			current_signal TEXT NOT NULL DEFAULT 'WAITING',

			error_message TEXT DEFAULT '',
			error_trace TEXT DEFAULT '',
			error_count INTEGER NOT NULL DEFAULT 0,
			last_error_at TEXT,
			last_good_at TEXT,
			restart_count INTEGER NOT NULL DEFAULT 0,
			auto_restart BOOLEAN NOT NULL DEFAULT 1,

			last_trade_at TEXT,
			last_tick_at TEXT,
			started_at TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)
	`)
	if err != nil {
		return err
	}
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_strategy_control_intent ON strategy_states(control_intent)`)
	return nil
}

// EnsureStrategyRow upserts one row per registered strategy, tolerating a
// concurrent-insert race by falling back to the existing row.
func (s *Store) EnsureStrategyRow(name, symbol string) (*domain.StrategyState, error) {
	if st, err := s.GetStrategy(name); err == nil {
		return st, nil
	} else if err != sql.ErrNoRows {
		return nil, err
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO strategy_states (name, symbol, status, auto_restart, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
	`, name, symbol, string(domain.StrategyStopped), fmtTime(now), fmtTime(now))
	if err != nil {
		if existing, getErr := s.GetStrategy(name); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return s.GetStrategy(name)
}

// GetStrategy fetches one strategy's state row.
func (s *Store) GetStrategy(name string) (*domain.StrategyState, error) {
	row := s.db.QueryRow(strategySelectCols+`FROM strategy_states WHERE name = ?`, name)
	return scanStrategy(row)
}

// ListStrategies returns every registered strategy's state.
func (s *Store) ListStrategies() ([]*domain.StrategyState, error) {
	rows, err := s.db.Query(strategySelectCols + `FROM strategy_states ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.StrategyState
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListPendingIntents returns every row with a non-null control_intent,
// ordered by intent_set_at. This is the executor control loop's read.
func (s *Store) ListPendingIntents() ([]*domain.StrategyState, error) {
	rows, err := s.db.Query(strategySelectCols+`FROM strategy_states
		WHERE control_intent IS NOT NULL AND control_intent != ''
		ORDER BY intent_set_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.StrategyState
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SetIntentIfClear conditionally writes a new control intent only if none is
// pending (control_intent IS NULL), returning whether the write landed.
func (s *Store) SetIntentIfClear(name string, intent domain.ControlIntent, actor string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE strategy_states
		SET control_intent = ?, intent_set_at = ?, intent_actor = ?, updated_at = ?
		WHERE name = ? AND (control_intent IS NULL OR control_intent = '')
	`, string(intent), fmtTime(now), actor, fmtTime(now), name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AckIntent is the only write path that clears control_intent, called
// exclusively by the executor's control loop.
func (s *Store) AckIntent(name string, newStatus domain.StrategyStatus, clearError bool) error {
	now := time.Now().UTC()
	if clearError {
		_, err := s.db.Exec(`
			UPDATE strategy_states
			SET status = ?, control_intent = NULL, intent_acked_at = ?, error_message = '', updated_at = ?
			WHERE name = ?
		`, string(newStatus), fmtTime(now), fmtTime(now), name)
		return err
	}
	_, err := s.db.Exec(`
		UPDATE strategy_states
		SET status = ?, control_intent = NULL, intent_acked_at = ?, updated_at = ?
		WHERE name = ?
	`, string(newStatus), fmtTime(now), fmtTime(now), name)
	return err
}

// SetAutoRestart toggles the auto-restart flag (cleared on an explicit stop).
func (s *Store) SetAutoRestart(name string, enabled bool) error {
	_, err := s.db.Exec(`UPDATE strategy_states SET auto_restart = ?, updated_at = ? WHERE name = ?`,
		enabled, fmtTime(time.Now().UTC()), name)
	return err
}

// SetStartedAt stamps started_at on a start transition.
func (s *Store) SetStartedAt(name string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE strategy_states SET started_at = ?, updated_at = ? WHERE name = ?`,
		fmtTime(at), fmtTime(time.Now().UTC()), name)
	return err
}

// UpdateMetrics persists the per-tick metrics a strategy callback emitted.
func (s *Store) UpdateMetrics(name string, m domain.StrategyMetrics, tickAt time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE strategy_states SET
			pnl = ?, open_qty = ?, avg_entry = ?, ltp = ?, net_delta = ?, drawdown_pct = ?,
			risk_pct = ?, direction_bias = ?, current_signal = ?, win_rate = ?, total_trades = ?,
			last_tick_at = ?, updated_at = ?
		WHERE name = ?
	`, m.PnL, m.OpenQty, m.AvgEntry, m.LTP, m.NetDelta, m.DrawdownPct,
		m.RiskPct, string(m.DirectionBias), string(m.Signal), m.WinRate, m.TotalTrades,
		fmtTime(tickAt), fmtTime(now), name)
	return err
}

// RecordError transitions a strategy to error status with a bounded message/trace.
func (s *Store) RecordError(name, message, trace string, restartCount int) error {
	if len(message) > 500 {
		message = message[:500]
	}
	if len(trace) > 4000 {
		trace = trace[:4000]
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE strategy_states SET
			status = ?, error_message = ?, error_trace = ?, error_count = error_count + 1,
			last_error_at = ?, restart_count = ?, updated_at = ?
		WHERE name = ?
	`, string(domain.StrategyError), message, trace, fmtTime(now), restartCount, fmtTime(now), name)
	return err
}

// RecordGoodTick stamps last_good_at, used to decide whether an error-state
// strategy has recovered after an auto-restart.
func (s *Store) RecordGoodTick(name string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE strategy_states SET last_good_at = ?, updated_at = ? WHERE name = ?`,
		fmtTime(at), fmtTime(time.Now().UTC()), name)
	return err
}

// AutoRestartRecover transitions an error-state strategy back to running
// after its scheduled 30s auto-restart delay, independent of the operator
// control-intent path (auto-restart is not an operator action and must
// never touch control_intent).
func (s *Store) AutoRestartRecover(name string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE strategy_states SET status = ?, error_message = '', updated_at = ?
		WHERE name = ? AND status = ?
	`, string(domain.StrategyRunning), fmtTime(now), name, string(domain.StrategyError))
	return err
}

const strategySelectCols = `SELECT name, symbol, status, control_intent, intent_set_at, intent_acked_at, intent_actor,
	pnl, allocated_capital, open_qty, avg_entry, ltp, win_rate, total_trades, winning_trades,
	net_delta, drawdown_pct, max_dd_cap, risk_pct, direction_bias, current_signal,
	error_message, error_trace, error_count, last_error_at, last_good_at, restart_count, auto_restart,
	last_trade_at, last_tick_at, started_at, created_at, updated_at `

func scanStrategy(row rowScanner) (*domain.StrategyState, error) {
	var st domain.StrategyState
	var status, directionBias, currentSignal string
	var controlIntent, intentSetAt, intentAckedAt sql.NullString
	var lastErrorAt, lastGoodAt, lastTradeAt, lastTickAt, startedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&st.Name, &st.Symbol, &status, &controlIntent, &intentSetAt, &intentAckedAt, &st.IntentActor,
		&st.PnL, &st.AllocatedCapital, &st.OpenQty, &st.AvgEntry, &st.LTP, &st.WinRate, &st.TotalTrades, &st.WinningTrades,
		&st.NetDelta, &st.DrawdownPct, &st.MaxDDCap, &st.RiskPct, &directionBias, &currentSignal,
		&st.ErrorMessage, &st.ErrorTrace, &st.ErrorCount, &lastErrorAt, &lastGoodAt, &st.RestartCount, &st.AutoRestart,
		&lastTradeAt, &lastTickAt, &startedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	st.Status = domain.StrategyStatus(status)
	st.ControlIntent = domain.ControlIntent(controlIntent.String)
	st.DirectionBias = domain.DirectionBias(directionBias)
	st.CurrentSignal = domain.Signal(currentSignal)
	st.IntentSetAt = parseNullTime(intentSetAt)
	st.IntentAckedAt = parseNullTime(intentAckedAt)
	st.LastErrorAt = parseNullTime(lastErrorAt)
	st.LastGoodAt = parseNullTime(lastGoodAt)
	st.LastTradeAt = parseNullTime(lastTradeAt)
	st.LastTickAt = parseNullTime(lastTickAt)
	st.StartedAt = parseNullTime(startedAt)
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}
