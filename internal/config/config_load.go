package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			ID: "default",
		},
		Node: NodeConfig{
			URL:       "ws://127.0.0.1:7656/ws",
			StorePath: "~/.relaybot/node/store.db3",
		},
		HTTP: HTTPConfig{
			Host: "0.0.0.0",
			Port: 18980,
		},
		Store: StoreConfig{
			Path: "~/.relaybot/relaybot.db",
		},
		Relay: RelayConfig{
			QuietPeriodMs:    1000,
			SendsPerMinute:   30,
			EvictSchedule:    "0 * * * *",
			EvictMaxAgeHours: 72,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults (env vars still apply).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("RELAYBOT_AGENT_ID", &c.Agent.ID)
	envStr("RELAYBOT_MENTION_AGENT_ID", &c.Agent.MentionAgentID)
	if v := os.Getenv("RELAYBOT_MENTION_TOKENS"); v != "" {
		c.Agent.MentionTokens = strings.Split(v, ",")
	}

	envStr("RELAYBOT_NODE_URL", &c.Node.URL)
	envStr("RELAYBOT_NODE_STORE", &c.Node.StorePath)

	envStr("RELAYBOT_BACKEND_URL", &c.Backend.URL)
	envStr("RELAYBOT_BACKEND_TOKEN", &c.Backend.Token)
	envStr("RELAYBOT_VISION_URL", &c.Vision.URL)
	envStr("RELAYBOT_VISION_TOKEN", &c.Vision.Token)

	envStr("RELAYBOT_HOST", &c.HTTP.Host)
	if v := os.Getenv("RELAYBOT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.HTTP.Port = port
		}
	}
	envStr("RELAYBOT_HTTP_TOKEN", &c.HTTP.Token)

	envStr("RELAYBOT_STORE_PATH", &c.Store.Path)
	envStr("RELAYBOT_POSTGRES_DSN", &c.Store.PostgresDSN)

	envStr("RELAYBOT_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("RELAYBOT_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("RELAYBOT_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("RELAYBOT_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RELAYBOT_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Validate checks the fields without which the process cannot start.
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required (or RELAYBOT_BACKEND_URL)")
	}
	if c.Node.URL == "" {
		return fmt.Errorf("node.url is required (or RELAYBOT_NODE_URL)")
	}
	return nil
}

// Save writes the config to a JSON file. Secret fields carry `json:"-"`
// and never persist.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
