package store

import (
	"database/sql"
	"time"

	"github.com/tradeforge/engine/internal/domain"
)

func (s *Store) migrateFeedHeartbeat() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS feed_heartbeat (
			feed_name TEXT PRIMARY KEY,
			last_tick_at TEXT,
			symbol_count INTEGER NOT NULL DEFAULT 0,
			connected BOOLEAN NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)
	`)
	return err
}

// UpsertFeedHeartbeat writes the durable-store side of the dual-tier
// heartbeat (the fast cache handles the sub-millisecond side).
func (s *Store) UpsertFeedHeartbeat(feedName string, lastTickAt time.Time, symbolCount int, connected bool) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO feed_heartbeat (feed_name, last_tick_at, symbol_count, connected, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(feed_name) DO UPDATE SET
			last_tick_at = excluded.last_tick_at,
			symbol_count = excluded.symbol_count,
			connected = excluded.connected,
			updated_at = excluded.updated_at
	`, feedName, fmtTime(lastTickAt), symbolCount, connected, fmtTime(now))
	return err
}

// MarkFeedDisconnected flips the connected flag without touching last_tick_at.
func (s *Store) MarkFeedDisconnected(feedName string) error {
	_, err := s.db.Exec(`
		INSERT INTO feed_heartbeat (feed_name, connected, updated_at) VALUES (?, 0, ?)
		ON CONFLICT(feed_name) DO UPDATE SET connected = 0, updated_at = excluded.updated_at
	`, feedName, fmtTime(time.Now().UTC()))
	return err
}

// GetFeedHeartbeat reads the durable heartbeat row for feedName.
func (s *Store) GetFeedHeartbeat(feedName string) (*domain.FeedHeartbeat, error) {
	var h domain.FeedHeartbeat
	var lastTickAt sql.NullString
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT feed_name, last_tick_at, symbol_count, connected, updated_at
		FROM feed_heartbeat WHERE feed_name = ?
	`, feedName).Scan(&h.FeedName, &lastTickAt, &h.SymbolCount, &h.Connected, &updatedAt)
	if err != nil {
		return nil, err
	}
	h.LastTickAt = parseNullTime(lastTickAt)
	h.UpdatedAt = parseTime(updatedAt)
	return &h, nil
}
