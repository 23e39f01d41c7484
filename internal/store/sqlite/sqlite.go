// Package sqlite implements the relay stores on an embedded SQLite database.
// Used in standalone mode; managed deployments use the pg package instead.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/relaybot/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS reply_mappings (
	thread_id       TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	wallet_address  TEXT NOT NULL DEFAULT '',
	agent_id        TEXT NOT NULL DEFAULT '',
	last_activity   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reply_mappings_last_activity ON reply_mappings(last_activity);

CREATE TABLE IF NOT EXISTS greeted_conversations (
	conversation_id TEXT PRIMARY KEY,
	greeted_at      TIMESTAMP NOT NULL
);
`

// Store implements store.MappingStore and store.GreetedStore over one
// SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and ensures
// the schema exists. Pass ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// Single writer: SQLite serializes writes anyway, and one connection
	// avoids SQLITE_BUSY during concurrent flush callbacks.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Upsert creates or refreshes a mapping; lastActivity always moves to now.
func (s *Store) Upsert(ctx context.Context, threadID, conversationID, walletAddress, agentID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reply_mappings (thread_id, conversation_id, wallet_address, agent_id, last_activity)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (thread_id) DO UPDATE SET
		   conversation_id = excluded.conversation_id,
		   wallet_address  = excluded.wallet_address,
		   agent_id        = excluded.agent_id,
		   last_activity   = excluded.last_activity`,
		threadID, conversationID, walletAddress, agentID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert mapping %s: %w", threadID, err)
	}
	return nil
}

// Lookup returns the mapping for threadID, or (nil, nil) when absent.
func (s *Store) Lookup(ctx context.Context, threadID string) (*store.Mapping, error) {
	var m store.Mapping
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, conversation_id, wallet_address, agent_id, last_activity
		 FROM reply_mappings WHERE thread_id = ?`, threadID).
		Scan(&m.ThreadID, &m.ConversationID, &m.WalletAddress, &m.AgentID, &m.LastActivity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup mapping %s: %w", threadID, err)
	}
	return &m, nil
}

// EvictOlderThan removes mappings idle longer than maxAge.
func (s *Store) EvictOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reply_mappings WHERE last_activity < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("evict mappings: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats summarizes the mapping table.
func (s *Store) Stats(ctx context.Context) (*store.MappingStats, error) {
	stats := &store.MappingStats{PerAgentCounts: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, last_activity FROM reply_mappings`)
	if err != nil {
		return nil, fmt.Errorf("mapping stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var agentID string
		var lastActivity time.Time
		if err := rows.Scan(&agentID, &lastActivity); err != nil {
			return nil, fmt.Errorf("mapping stats scan: %w", err)
		}
		stats.TotalMappings++
		if agentID == "" {
			agentID = "default"
		}
		stats.PerAgentCounts[agentID]++
		if stats.Oldest == nil || lastActivity.Before(*stats.Oldest) {
			t := lastActivity
			stats.Oldest = &t
		}
		if stats.Newest == nil || lastActivity.After(*stats.Newest) {
			t := lastActivity
			stats.Newest = &t
		}
	}
	return stats, rows.Err()
}

// HasGreeted reports whether a conversation was ever greeted.
func (s *Store) HasGreeted(ctx context.Context, conversationID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM greeted_conversations WHERE conversation_id = ?`, conversationID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has greeted %s: %w", conversationID, err)
	}
	return true, nil
}

// MarkGreeted records a conversation as greeted. Idempotent.
func (s *Store) MarkGreeted(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO greeted_conversations (conversation_id, greeted_at)
		 VALUES (?, ?) ON CONFLICT (conversation_id) DO NOTHING`,
		conversationID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark greeted %s: %w", conversationID, err)
	}
	return nil
}
