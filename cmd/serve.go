package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/relaybot/internal/backend"
	"github.com/nextlevelbuilder/relaybot/internal/config"
	"github.com/nextlevelbuilder/relaybot/internal/cron"
	"github.com/nextlevelbuilder/relaybot/internal/httpapi"
	"github.com/nextlevelbuilder/relaybot/internal/messaging/nodeclient"
	"github.com/nextlevelbuilder/relaybot/internal/recovery"
	"github.com/nextlevelbuilder/relaybot/internal/relay"
	"github.com/nextlevelbuilder/relaybot/internal/store"
	"github.com/nextlevelbuilder/relaybot/internal/store/pg"
	"github.com/nextlevelbuilder/relaybot/internal/store/sqlite"
	"github.com/nextlevelbuilder/relaybot/internal/telemetry"
	"github.com/nextlevelbuilder/relaybot/internal/vision"
)

const shutdownGrace = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

// mappingGreetedStore is what both store backends implement.
type mappingGreetedStore interface {
	store.MappingStore
	store.GreetedStore
}

func runServe() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		slog.Error("failed to set up telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	node, err := nodeclient.Dial(ctx, cfg.Node.URL)
	if err != nil {
		slog.Error("failed to connect to node", "url", cfg.Node.URL, "error", err)
		os.Exit(1)
	}
	defer node.Close()
	slog.Info("connected to node", "url", cfg.Node.URL, "inbox_id", node.InboxID())

	responder := backend.New(cfg.Backend.URL, cfg.Backend.Token)
	if cfg.Vision.URL == "" {
		slog.Info("vision analysis disabled")
	}
	analyzer := vision.New(cfg.Vision.URL, cfg.Vision.Token)

	nodeStorePath := config.ExpandHome(cfg.Node.StorePath)
	engine := relay.New(node, responder, analyzer, st, st, relay.Options{
		AgentID:        cfg.Agent.ID,
		MentionAgentID: cfg.Agent.MentionAgentID,
		MentionTokens:  cfg.Agent.MentionTokens,
		QuietPeriod:    cfg.QuietPeriod(),
		SendsPerMinute: cfg.Relay.SendsPerMinute,
		OnStoreStuck: func(conversationID string) {
			slog.Error("node store stuck, purging local node state",
				"conversation_id", conversationID, "store_path", nodeStorePath)
			removed, err := recovery.PurgeNodeStore(nodeStorePath)
			if err != nil {
				slog.Error("node store purge failed", "error", err)
			}
			slog.Error("exiting for supervisor restart", "files_removed", removed)
			os.Exit(2)
		},
	})

	server := httpapi.NewServer(cfg.HTTP.Host, cfg.HTTP.Port, func() map[string]any {
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		backendOK := responder.Ping(pingCtx) == nil
		_, storeErr := st.Stats(pingCtx)
		return map[string]any{
			"status":     "ok",
			"version":    Version,
			"inbox_id":   node.InboxID(),
			"backend_ok": backendOK,
			"store_ok":   storeErr == nil,
		}
	})
	replies := httpapi.NewReplyHandler(node, st, cfg.HTTP.Token)
	replies.RegisterRoutes(server.Mux())

	janitor := cron.NewJanitor(st, cfg.Relay.EvictSchedule, cfg.EvictMaxAge())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("http listener starting", "host", cfg.HTTP.Host, "port", cfg.HTTP.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return janitor.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		sdCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return server.Shutdown(sdCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("relaybot exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("relaybot stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (mappingGreetedStore, error) {
	if cfg.UsesPostgres() {
		slog.Info("using postgres mapping store")
		return pg.Open(ctx, cfg.Store.PostgresDSN)
	}
	path := config.ExpandHome(cfg.Store.Path)
	slog.Info("using sqlite mapping store", "path", path)
	return sqlite.Open(path)
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
