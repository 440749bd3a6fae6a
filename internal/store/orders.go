package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradeforge/engine/internal/domain"
)

func (s *Store) migrateOrders() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			symbol TEXT NOT NULL,
			display_symbol TEXT NOT NULL DEFAULT '',
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			product TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			price REAL,
			trigger_price REAL,
			validity TEXT NOT NULL DEFAULT 'DAY',
			status TEXT NOT NULL,
			status_history TEXT NOT NULL DEFAULT '[]',
			broker_order_id TEXT UNIQUE,
			filled_qty INTEGER NOT NULL DEFAULT 0,
			avg_fill_price REAL NOT NULL DEFAULT 0,
			fill_timestamp TEXT,
			reject_reason TEXT DEFAULT '',
			broker_reject_code TEXT DEFAULT '',
			risk_snapshot TEXT,
			sent_at TEXT,
			acked_at TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)
	`)
	if err != nil {
		return err
	}
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_orders_session ON orders(session_id)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`)
	return nil
}

// CreateOrder inserts the new order row. The UNIQUE constraint on
// idempotency_key is the storage-level duplicate guard: a second insert
// with the same key fails here, never silently overwrites.
func (s *Store) CreateOrder(tx *sql.Tx, o *domain.Order) error {
	history, err := json.Marshal(o.StatusHistory)
	if err != nil {
		return err
	}
	snapshot, err := json.Marshal(o.RiskSnapshot)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now

	exec := anyExecer(tx, s.db)
	_, err = exec.Exec(`
		INSERT INTO orders (
			id, session_id, idempotency_key, symbol, display_symbol, side, type, product,
			quantity, price, trigger_price, validity, status, status_history, risk_snapshot,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.SessionID, o.IdempotencyKey, o.Symbol, o.DisplaySymbol, string(o.Side), string(o.Type), string(o.Product),
		o.Quantity, o.Price, o.TriggerPrice, o.Validity, string(o.Status), string(history), string(snapshot),
		fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

// GetOrderByIdempotencyKey implements the duplicate-order lookup step of
// risk validation.
func (s *Store) GetOrderByIdempotencyKey(tx *sql.Tx, key string) (*domain.Order, error) {
	q := anyQueryer(tx, s.db)
	row := q.QueryRow(orderSelectCols+`FROM orders WHERE idempotency_key = ?`, key)
	return scanOrder(row)
}

// GetOrder fetches an order by id.
func (s *Store) GetOrder(id string) (*domain.Order, error) {
	row := s.db.QueryRow(orderSelectCols+`FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

// ListNonTerminalOrders returns every order for a session whose status is
// not yet FILLED/CANCELLED/REJECTED/EXPIRED/RISK_REJECTED.
func (s *Store) ListNonTerminalOrders(sessionID string) ([]*domain.Order, error) {
	rows, err := s.db.Query(orderSelectCols+`FROM orders
		WHERE session_id = ? AND status NOT IN (?, ?, ?, ?, ?)
		ORDER BY created_at ASC`,
		sessionID, string(domain.OrderFilled), string(domain.OrderCancelled),
		string(domain.OrderRejected), string(domain.OrderExpired), string(domain.OrderRiskRejected))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListStaleSendingOrders returns SENDING/ACKNOWLEDGED orders older than
// threshold with no fill/cancel yet, the orphaned-order recovery scope.
func (s *Store) ListStaleSendingOrders(sessionID string, threshold time.Duration) ([]*domain.Order, error) {
	cutoff := fmtTime(time.Now().UTC().Add(-threshold))
	rows, err := s.db.Query(orderSelectCols+`FROM orders
		WHERE session_id = ? AND status IN (?, ?) AND created_at < ?
		ORDER BY created_at ASC`,
		sessionID, string(domain.OrderSending), string(domain.OrderAcknowledged), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// UpdateOrderStatus transitions an order's status, appending to its
// append-only status_history in the same write.
func (s *Store) UpdateOrderStatus(o *domain.Order) error {
	history, err := json.Marshal(o.StatusHistory)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	o.UpdatedAt = now
	_, err = s.db.Exec(`
		UPDATE orders SET
			status = ?, status_history = ?, broker_order_id = ?, filled_qty = ?,
			avg_fill_price = ?, fill_timestamp = ?, reject_reason = ?, broker_reject_code = ?,
			sent_at = ?, acked_at = ?, updated_at = ?
		WHERE id = ?
	`, string(o.Status), string(history), nullableString(o.BrokerOrderID), o.FilledQty,
		o.AvgFillPrice, nullableTime(o.FillTimestamp), o.RejectReason, o.BrokerRejectCode,
		nullableTime(o.SentAt), nullableTime(o.AckedAt), fmtTime(now), o.ID)
	return err
}

const orderSelectCols = `SELECT id, session_id, idempotency_key, symbol, display_symbol, side, type, product,
	quantity, price, trigger_price, validity, status, status_history, broker_order_id,
	filled_qty, avg_fill_price, fill_timestamp, reject_reason, broker_reject_code, risk_snapshot,
	sent_at, acked_at, created_at, updated_at `

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var side, typ, product, status, history string
	var brokerOrderID, rejectCode sql.NullString
	var price, triggerPrice sql.NullFloat64
	var fillTS, snapshotJSON, sentAt, ackedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&o.ID, &o.SessionID, &o.IdempotencyKey, &o.Symbol, &o.DisplaySymbol, &side, &typ, &product,
		&o.Quantity, &price, &triggerPrice, &o.Validity, &status, &history, &brokerOrderID,
		&o.FilledQty, &o.AvgFillPrice, &fillTS, &o.RejectReason, &rejectCode, &snapshotJSON,
		&sentAt, &ackedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	o.Side, o.Type, o.Product, o.Status = domain.OrderSide(side), domain.OrderType(typ), domain.ProductType(product), domain.OrderStatus(status)
	o.BrokerOrderID = brokerOrderID.String
	o.BrokerRejectCode = rejectCode.String
	if price.Valid {
		o.Price = &price.Float64
	}
	if triggerPrice.Valid {
		o.TriggerPrice = &triggerPrice.Float64
	}
	_ = json.Unmarshal([]byte(history), &o.StatusHistory)
	if snapshotJSON.Valid && snapshotJSON.String != "" && snapshotJSON.String != "null" {
		var snap domain.RiskSnapshot
		if err := json.Unmarshal([]byte(snapshotJSON.String), &snap); err == nil {
			o.RiskSnapshot = &snap
		}
	}
	o.FillTimestamp = parseNullTime(fillTS)
	o.SentAt = parseNullTime(sentAt)
	o.AckedAt = parseNullTime(ackedAt)
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]*domain.Order, error) {
	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
}

func anyExecer(tx *sql.Tx, db *sql.DB) execer {
	if tx != nil {
		return tx
	}
	return db
}

func anyQueryer(tx *sql.Tx, db *sql.DB) queryer {
	if tx != nil {
		return tx
	}
	return db
}
