// Package config holds the relaybot configuration: a JSON5 config file
// overlaid by RELAYBOT_* environment variables. Secrets come from the
// environment only and are never persisted.
package config

import (
	"time"
)

// Config is the root configuration.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Node      NodeConfig      `json:"node"`
	Backend   BackendConfig   `json:"backend"`
	Vision    VisionConfig    `json:"vision,omitempty"`
	HTTP      HTTPConfig      `json:"http"`
	Store     StoreConfig     `json:"store"`
	Relay     RelayConfig     `json:"relay,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// AgentConfig identifies this bot toward the backend and configures group
// mention gating.
type AgentConfig struct {
	ID string `json:"id"`
	// MentionAgentID names the one agent identity that responds to raw-text
	// mentions in groups. Leave empty to respond only to replies.
	MentionAgentID string   `json:"mention_agent_id,omitempty"`
	MentionTokens  []string `json:"mention_tokens,omitempty"`
}

// NodeConfig points at the local protocol node sidecar.
type NodeConfig struct {
	URL string `json:"url"` // websocket endpoint, e.g. ws://127.0.0.1:7656/ws
	// StorePath is the node's local persisted store, removed during
	// stuck-store recovery.
	StorePath string `json:"store_path,omitempty"`
}

// BackendConfig points at the inference service.
// Token comes from env RELAYBOT_BACKEND_TOKEN only (secret).
type BackendConfig struct {
	URL   string `json:"url"`
	Token string `json:"-"`
}

// VisionConfig points at the vision-analysis service. Empty URL disables
// image analysis (attachments still produce a placeholder fragment).
type VisionConfig struct {
	URL   string `json:"url,omitempty"`
	Token string `json:"-"` // env RELAYBOT_VISION_TOKEN only
}

// HTTPConfig configures the reply boundary listener.
// Token comes from env RELAYBOT_HTTP_TOKEN only (secret).
type HTTPConfig struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"-"`
}

// StoreConfig selects the mapping/greeted store backend.
// PostgresDSN is NEVER read from config.json (secret) — only from env
// RELAYBOT_POSTGRES_DSN; when set, Postgres is used instead of SQLite.
type StoreConfig struct {
	Path        string `json:"path,omitempty"` // SQLite file (standalone mode)
	PostgresDSN string `json:"-"`
}

// RelayConfig tunes the coalescing and maintenance behavior.
type RelayConfig struct {
	// QuietPeriodMs is the coalescing debounce window (default 1000ms).
	QuietPeriodMs int `json:"quiet_period_ms,omitempty"`
	// SendsPerMinute paces outbound sends per conversation (default 30).
	SendsPerMinute int `json:"sends_per_minute,omitempty"`
	// EvictSchedule is a cron expression for mapping eviction (default hourly).
	EvictSchedule string `json:"evict_schedule,omitempty"`
	// EvictMaxAgeHours is the mapping idle lifetime (default 72).
	EvictMaxAgeHours int `json:"evict_max_age_hours,omitempty"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "http" (default) or "grpc"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// QuietPeriod returns the debounce window as a duration.
func (c *Config) QuietPeriod() time.Duration {
	if c.Relay.QuietPeriodMs <= 0 {
		return time.Second
	}
	return time.Duration(c.Relay.QuietPeriodMs) * time.Millisecond
}

// EvictMaxAge returns the mapping idle lifetime as a duration.
func (c *Config) EvictMaxAge() time.Duration {
	if c.Relay.EvictMaxAgeHours <= 0 {
		return 72 * time.Hour
	}
	return time.Duration(c.Relay.EvictMaxAgeHours) * time.Hour
}

// UsesPostgres reports whether the managed Postgres store is selected.
func (c *Config) UsesPostgres() bool {
	return c.Store.PostgresDSN != ""
}
