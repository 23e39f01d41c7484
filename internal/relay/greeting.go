package relay

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/relaybot/internal/messaging"
)

// greetIfNeeded runs the group greeting check. Returns true when handling of
// the triggering event should stop: either a greeting was just sent (the
// original message is not further processed) or the store looks stuck and
// recovery was requested.
//
// The history read here doubles as a staleness observation — it is one of
// the two paths that re-read conversation history on inbound activity.
func (e *Engine) greetIfNeeded(ctx context.Context, conv messaging.Conversation) bool {
	greeted, err := e.greeted.HasGreeted(ctx, conv.ID())
	if err != nil {
		slog.Error("greeted lookup failed", "conversation", conv.ID(), "error", err)
		return false
	}
	if greeted {
		return false
	}

	history, err := conv.Messages(ctx, greetingHistoryLimit)
	if err != nil {
		slog.Error("greeting check: history read failed", "conversation", conv.ID(), "error", err)
		return false
	}

	if e.observeHistory(conv.ID(), history) {
		return true
	}

	// If the bot has posted before, the group was greeted in a previous
	// life (pre-durable-store deployments) — record it and move on.
	for _, m := range history {
		if m.SenderInboxID == e.client.InboxID() {
			if err := e.greeted.MarkGreeted(ctx, conv.ID()); err != nil {
				slog.Error("mark greeted failed", "conversation", conv.ID(), "error", err)
			}
			return false
		}
	}

	greeting, err := e.backend.Greet(ctx, conv.ID(), e.opts.AgentID)
	if err != nil || greeting == "" {
		if err != nil {
			slog.Warn("greeting generation failed, using fallback",
				"conversation", conv.ID(), "error", err)
		}
		greeting = fallbackGreeting
	}

	e.send(ctx, conv, greeting)
	if err := e.greeted.MarkGreeted(ctx, conv.ID()); err != nil {
		slog.Error("mark greeted failed", "conversation", conv.ID(), "error", err)
	}

	slog.Info("greeted group conversation", "conversation", conv.ID())
	return true
}
