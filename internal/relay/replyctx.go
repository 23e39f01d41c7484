package relay

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/relaybot/internal/messaging"
)

const (
	// replyContextWindow is the history depth searched when recovering the
	// quoted original of a reply.
	replyContextWindow = 100

	// replyTargetWindow is the history depth searched when deciding whether
	// a reply targets one of the bot's own messages.
	replyTargetWindow = 300

	// quotedContextMax bounds how much of the quoted original is included
	// in the turn text.
	quotedContextMax = 200
)

// findMessage scans history for a message id. Linear search over the recent
// window; a miss is a normal negative result.
func findMessage(history []messaging.Message, id string) *messaging.Message {
	for i := range history {
		if history[i].ID == id {
			return &history[i]
		}
	}
	return nil
}

// quotedContext formats the referenced message's text for inclusion ahead of
// the reply body. Text longer than quotedContextMax characters is truncated
// on a rune boundary with a trailing ellipsis outside the quotes.
func quotedContext(original string) string {
	runes := []rune(original)
	if len(runes) > quotedContextMax {
		return fmt.Sprintf("[Immediate parent message]: %q...", string(runes[:quotedContextMax]))
	}
	return fmt.Sprintf("[Immediate parent message]: %q", original)
}

// resolveReplyText builds the turn text for a reply event. When the
// referenced message is found in the recent window, its quoted text is
// prefixed ahead of the reply body; when the lookup misses, the reply text
// passes through unmodified. The history read feeds the staleness detector —
// this is the second of the two paths that re-read conversation history.
func (e *Engine) resolveReplyText(ctx context.Context, conv messaging.Conversation, referenceID, replyText string) string {
	if referenceID == "" {
		return replyText
	}

	history, err := conv.Messages(ctx, replyContextWindow)
	if err != nil {
		// Context is a bonus, not a requirement.
		return replyText
	}
	e.observeHistory(conv.ID(), history)

	original := findMessage(history, referenceID)
	if original == nil || original.Content == "" {
		return replyText
	}
	return quotedContext(original.Content) + "\n\n" + replyText
}

// repliesToBot reports whether a reply event references a message this bot
// sent. Resolution searches the recent history window for the referenced id.
func (e *Engine) repliesToBot(ctx context.Context, conv messaging.Conversation, referenceID string) bool {
	if referenceID == "" {
		return false
	}
	history, err := conv.Messages(ctx, replyTargetWindow)
	if err != nil {
		return false
	}
	original := findMessage(history, referenceID)
	return original != nil && original.SenderInboxID == e.client.InboxID()
}

// observeHistory feeds a history snapshot into the staleness detector and
// requests recovery when the store looks stuck. Returns true when recovery
// was requested.
func (e *Engine) observeHistory(conversationID string, history []messaging.Message) bool {
	ids := make([]string, 0, len(history))
	for _, m := range history {
		ids = append(ids, m.ID)
	}
	if e.staleness.Observe(conversationID, ids) {
		e.requestRecovery(conversationID)
		return true
	}
	return false
}
