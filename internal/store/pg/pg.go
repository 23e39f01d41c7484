// Package pg implements the relay stores on Postgres for managed
// deployments. Schema is owned by cmd/migrate (golang-migrate).
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/relaybot/internal/store"
)

// Store implements store.MappingStore and store.GreetedStore over Postgres.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres using the given DSN and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Upsert(ctx context.Context, threadID, conversationID, walletAddress, agentID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reply_mappings (thread_id, conversation_id, wallet_address, agent_id, last_activity)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (thread_id) DO UPDATE SET
		   conversation_id = EXCLUDED.conversation_id,
		   wallet_address  = EXCLUDED.wallet_address,
		   agent_id        = EXCLUDED.agent_id,
		   last_activity   = EXCLUDED.last_activity`,
		threadID, conversationID, walletAddress, agentID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert mapping %s: %w", threadID, err)
	}
	return nil
}

func (s *Store) Lookup(ctx context.Context, threadID string) (*store.Mapping, error) {
	var m store.Mapping
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, conversation_id, wallet_address, agent_id, last_activity
		 FROM reply_mappings WHERE thread_id = $1`, threadID).
		Scan(&m.ThreadID, &m.ConversationID, &m.WalletAddress, &m.AgentID, &m.LastActivity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup mapping %s: %w", threadID, err)
	}
	return &m, nil
}

func (s *Store) EvictOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reply_mappings WHERE last_activity < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("evict mappings: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

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

func (s *Store) HasGreeted(ctx context.Context, conversationID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM greeted_conversations WHERE conversation_id = $1`, conversationID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has greeted %s: %w", conversationID, err)
	}
	return true, nil
}

func (s *Store) MarkGreeted(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO greeted_conversations (conversation_id, greeted_at)
		 VALUES ($1, $2) ON CONFLICT (conversation_id) DO NOTHING`,
		conversationID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark greeted %s: %w", conversationID, err)
	}
	return nil
}
