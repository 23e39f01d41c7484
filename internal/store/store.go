// Package store defines the durable state boundaries of the relay: the
// thread→conversation mapping used for asynchronous reply routing, and the
// greeted set that survives restarts so groups are not re-greeted.
package store

import (
	"context"
	"time"
)

// Mapping links an external thread identifier (the backend's conversation
// reference) to the native conversation on the messaging network.
type Mapping struct {
	ThreadID       string    `json:"threadId"`
	ConversationID string    `json:"conversationId"`
	WalletAddress  string    `json:"walletAddress"`
	LastActivity   time.Time `json:"lastActivity"`
	AgentID        string    `json:"agentId,omitempty"`
}

// MappingStats is a derived, read-only summary of the mapping table.
type MappingStats struct {
	TotalMappings  int            `json:"totalMappings"`
	Oldest         *time.Time     `json:"oldest,omitempty"`
	Newest         *time.Time     `json:"newest,omitempty"`
	PerAgentCounts map[string]int `json:"perAgentCounts"`
}

// MappingStore persists thread→conversation mappings.
type MappingStore interface {
	// Upsert creates or refreshes a mapping. Idempotent: re-adding the same
	// threadID overwrites the conversation id and refreshes lastActivity.
	Upsert(ctx context.Context, threadID, conversationID, walletAddress, agentID string) error
	// Lookup returns the mapping for threadID, or (nil, nil) when absent.
	Lookup(ctx context.Context, threadID string) (*Mapping, error)
	// EvictOlderThan removes mappings whose lastActivity predates now-maxAge
	// and returns how many were removed.
	EvictOlderThan(ctx context.Context, maxAge time.Duration) (int, error)
	// Stats summarizes the current table. O(n) over entries.
	Stats(ctx context.Context) (*MappingStats, error)
	Close() error
}

// GreetedStore records which group conversations have been greeted.
// Durable across restarts.
type GreetedStore interface {
	HasGreeted(ctx context.Context, conversationID string) (bool, error)
	MarkGreeted(ctx context.Context, conversationID string) error
}
