package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/tradeforge/engine/internal/domain"
)

func (s *Store) migratePositions() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			product TEXT NOT NULL,
			net_quantity INTEGER NOT NULL DEFAULT 0,
			buy_quantity INTEGER NOT NULL DEFAULT 0,
			sell_quantity INTEGER NOT NULL DEFAULT 0,
			avg_buy_price REAL NOT NULL DEFAULT 0,
			avg_sell_price REAL NOT NULL DEFAULT 0,
			last_price REAL NOT NULL DEFAULT 0,
			unrealized_pnl REAL NOT NULL DEFAULT 0,
			realized_pnl REAL NOT NULL DEFAULT 0,
			broker_quantity INTEGER NOT NULL DEFAULT 0,
			reconcile_status TEXT NOT NULL DEFAULT 'PENDING',
			last_reconciled_at TEXT,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			UNIQUE(session_id, symbol, product)
		)
	`)
	if err != nil {
		return err
	}
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_positions_session ON positions(session_id)`)
	return nil
}

// ListPositions returns every position row for a session.
func (s *Store) ListPositions(sessionID string) ([]*domain.Position, error) {
	rows, err := s.db.Query(positionSelectCols+`FROM positions WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetOrCreatePosition ensures a (session, symbol, product) row exists.
func (s *Store) GetOrCreatePosition(sessionID, symbol string, product domain.ProductType) (*domain.Position, error) {
	row := s.db.QueryRow(positionSelectCols+`FROM positions WHERE session_id = ? AND symbol = ? AND product = ?`,
		sessionID, symbol, string(product))
	p, err := scanPosition(row)
	if err == nil {
		return p, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}
	p = &domain.Position{
		ID: uuid.NewString(), SessionID: sessionID, Symbol: symbol, Product: product,
		ReconcileStatus: domain.ReconcilePending, UpdatedAt: time.Now().UTC(),
	}
	_, err = s.db.Exec(`
		INSERT INTO positions (id, session_id, symbol, product, reconcile_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.SessionID, p.Symbol, string(p.Product), string(p.ReconcileStatus), fmtTime(p.UpdatedAt))
	if err != nil {
		if row2 := s.db.QueryRow(positionSelectCols+`FROM positions WHERE session_id = ? AND symbol = ? AND product = ?`,
			sessionID, symbol, string(product)); row2 != nil {
			if existing, getErr := scanPosition(row2); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	return p, nil
}

// UpdatePosition persists a corrected or refreshed position row.
func (s *Store) UpdatePosition(p *domain.Position) error {
	p.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE positions SET
			net_quantity = ?, buy_quantity = ?, sell_quantity = ?, avg_buy_price = ?, avg_sell_price = ?,
			last_price = ?, unrealized_pnl = ?, realized_pnl = ?, broker_quantity = ?,
			reconcile_status = ?, last_reconciled_at = ?, updated_at = ?
		WHERE id = ?
	`, p.NetQuantity, p.BuyQuantity, p.SellQuantity, p.AvgBuyPrice, p.AvgSellPrice,
		p.LastPrice, p.UnrealizedPnL, p.RealizedPnL, p.BrokerQuantity,
		string(p.ReconcileStatus), nullableTime(p.LastReconciledAt), fmtTime(p.UpdatedAt), p.ID)
	return err
}

const positionSelectCols = `SELECT id, session_id, symbol, product, net_quantity, buy_quantity, sell_quantity,
	avg_buy_price, avg_sell_price, last_price, unrealized_pnl, realized_pnl, broker_quantity,
	reconcile_status, last_reconciled_at, updated_at `

func scanPosition(row rowScanner) (*domain.Position, error) {
	var p domain.Position
	var product, reconcileStatus string
	var lastReconciledAt sql.NullString
	var updatedAt string
	err := row.Scan(&p.ID, &p.SessionID, &p.Symbol, &product, &p.NetQuantity, &p.BuyQuantity, &p.SellQuantity,
		&p.AvgBuyPrice, &p.AvgSellPrice, &p.LastPrice, &p.UnrealizedPnL, &p.RealizedPnL, &p.BrokerQuantity,
		&reconcileStatus, &lastReconciledAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.Product = domain.ProductType(product)
	p.ReconcileStatus = domain.ReconcileRunStatus(reconcileStatus)
	p.LastReconciledAt = parseNullTime(lastReconciledAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}
