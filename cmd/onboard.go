package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/relaybot/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

// canAutoOnboard reports whether enough RELAYBOT_* env vars are set for a
// non-interactive setup (e.g. Docker).
func canAutoOnboard() bool {
	return os.Getenv("RELAYBOT_BACKEND_URL") != "" && os.Getenv("RELAYBOT_AGENT_ID") != ""
}

func runOnboard() error {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Printf("Config already exists at %s — edit it directly or remove it to re-onboard.\n", cfgPath)
		return nil
	}

	cfg := config.Default()

	if canAutoOnboard() {
		fmt.Println("Auto-onboard: environment variables detected, running non-interactive setup...")
		// Load on a missing file returns defaults + env overlay.
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("auto-onboard: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("auto-onboard produced an invalid config: %w", err)
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Config written to %s\n", cfgPath)
		return nil
	}

	var (
		useMention = false
		httpPort   = strconv.Itoa(cfg.HTTP.Port)
		storeMode  = "sqlite"
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Agent ID").
				Description("Identity this bot presents to the backend service").
				Value(&cfg.Agent.ID).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("agent ID is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Backend URL").
				Description("Inference service base URL (token via RELAYBOT_BACKEND_TOKEN)").
				Value(&cfg.Backend.URL).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("backend URL is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Node websocket URL").
				Value(&cfg.Node.URL),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Respond to group mentions?").
				Description("Without this the bot only answers direct replies in groups").
				Value(&useMention),
			huh.NewInput().
				Title("HTTP port").
				Description("Reply-boundary listener port").
				Value(&httpPort),
			huh.NewSelect[string]().
				Title("Mapping store").
				Options(
					huh.NewOption("SQLite (standalone)", "sqlite"),
					huh.NewOption("Postgres (managed, DSN via RELAYBOT_POSTGRES_DSN)", "postgres"),
				).
				Value(&storeMode),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("onboarding cancelled: %w", err)
	}

	if useMention {
		cfg.Agent.MentionAgentID = cfg.Agent.ID
		if len(cfg.Agent.MentionTokens) == 0 {
			cfg.Agent.MentionTokens = []string{cfg.Agent.ID}
		}
	}
	if p, err := strconv.Atoi(httpPort); err == nil && p > 0 {
		cfg.HTTP.Port = p
	}
	if storeMode == "postgres" {
		// Path stays as a fallback; the DSN env var selects Postgres at runtime.
		fmt.Println("Remember to set RELAYBOT_POSTGRES_DSN and run: relaybot migrate up")
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Config written to %s\n", cfgPath)
	fmt.Println("Secrets are read from the environment only: RELAYBOT_BACKEND_TOKEN, RELAYBOT_HTTP_TOKEN, RELAYBOT_VISION_TOKEN.")
	return nil
}
