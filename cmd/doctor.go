package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/relaybot/internal/backend"
	"github.com/nextlevelbuilder/relaybot/internal/config"
	"github.com/nextlevelbuilder/relaybot/internal/messaging/nodeclient"
	"github.com/nextlevelbuilder/relaybot/internal/store/pg"
	"github.com/nextlevelbuilder/relaybot/internal/store/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("relaybot doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — run: relaybot onboard)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Store
	fmt.Println()
	fmt.Println("  Store:")
	if cfg.UsesPostgres() {
		fmt.Printf("    %-12s postgres\n", "Mode:")
		st, err := pg.Open(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		} else {
			defer st.Close()
			reportStats(ctx, st)
		}
	} else {
		path := config.ExpandHome(cfg.Store.Path)
		fmt.Printf("    %-12s sqlite\n", "Mode:")
		fmt.Printf("    %-12s %s\n", "Path:", path)
		st, err := sqlite.Open(path)
		if err != nil {
			fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", err)
		} else {
			defer st.Close()
			reportStats(ctx, st)
		}
	}

	// Backend
	fmt.Println()
	fmt.Println("  Backend:")
	fmt.Printf("    %-12s %s\n", "URL:", cfg.Backend.URL)
	if cfg.Backend.Token == "" {
		fmt.Printf("    %-12s RELAYBOT_BACKEND_TOKEN not set\n", "Token:")
	}
	bc := backend.New(cfg.Backend.URL, cfg.Backend.Token)
	if err := bc.Ping(ctx); err != nil {
		fmt.Printf("    %-12s UNREACHABLE (%s)\n", "Status:", err)
	} else {
		fmt.Printf("    %-12s OK\n", "Status:")
	}

	// Node
	fmt.Println()
	fmt.Println("  Node:")
	fmt.Printf("    %-12s %s\n", "URL:", cfg.Node.URL)
	node, err := nodeclient.Dial(ctx, cfg.Node.URL)
	if err != nil {
		fmt.Printf("    %-12s UNREACHABLE (%s)\n", "Status:", err)
	} else {
		fmt.Printf("    %-12s OK (inbox %s)\n", "Status:", node.InboxID())
		node.Close()
	}

	// Vision
	fmt.Println()
	if cfg.Vision.URL == "" {
		fmt.Println("  Vision:   disabled")
	} else {
		fmt.Printf("  Vision:   %s\n", cfg.Vision.URL)
	}
}

func reportStats(ctx context.Context, st mappingGreetedStore) {
	stats, err := st.Stats(ctx)
	if err != nil {
		fmt.Printf("    %-12s STATS FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-12s OK (%d mappings)\n", "Status:", stats.TotalMappings)
}
