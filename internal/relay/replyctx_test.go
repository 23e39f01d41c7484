package relay

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/relaybot/internal/messaging"
)

func testEngine(client *fakeClient) *Engine {
	return New(client, &fakeResponder{}, &fakeVision{}, newMemStore(), newMemStore(), Options{AgentID: "agent-1"})
}

func TestQuotedContext(t *testing.T) {
	t.Run("short text quoted whole", func(t *testing.T) {
		got := quotedContext("original words")
		want := `[Immediate parent message]: "original words"`
		if got != want {
			t.Errorf("quotedContext() = %q, want %q", got, want)
		}
	})

	t.Run("long text truncated with ellipsis", func(t *testing.T) {
		long := strings.Repeat("z", quotedContextMax+50)
		got := quotedContext(long)
		if !strings.HasSuffix(got, `"...`) {
			t.Errorf("truncated quote missing ellipsis suffix: %q", got[len(got)-10:])
		}
		if strings.Count(got, "z") != quotedContextMax {
			t.Errorf("quote kept %d chars, want %d", strings.Count(got, "z"), quotedContextMax)
		}
	})

	t.Run("multi-byte runes survive truncation", func(t *testing.T) {
		long := strings.Repeat("日", quotedContextMax+10)
		got := quotedContext(long)
		if strings.Contains(got, `\x`) {
			t.Errorf("truncation split a multi-byte rune: %q", got)
		}
		if strings.Count(got, "日") != quotedContextMax {
			t.Errorf("quote kept %d runes, want %d", strings.Count(got, "日"), quotedContextMax)
		}
	})

	t.Run("exactly at limit not truncated", func(t *testing.T) {
		exact := strings.Repeat("b", quotedContextMax)
		if got := quotedContext(exact); strings.HasSuffix(got, "...") {
			t.Errorf("text at the limit was truncated: %q", got)
		}
	})
}

func TestResolveReplyText(t *testing.T) {
	client := newFakeClient()
	e := testEngine(client)

	conv := &fakeConversation{id: "c1", history: []messaging.Message{
		{ID: "m1", SenderInboxID: "u1", Content: "the original question"},
		{ID: "m2", SenderInboxID: "u2", Content: ""},
	}}

	tests := []struct {
		name        string
		referenceID string
		replyText   string
		want        string
	}{
		{
			"found reference gets quoted prefix",
			"m1", "my follow-up",
			"[Immediate parent message]: \"the original question\"\n\nmy follow-up",
		},
		{
			"missing reference passes through",
			"gone", "my follow-up",
			"my follow-up",
		},
		{
			"empty reference passes through",
			"", "my follow-up",
			"my follow-up",
		},
		{
			"reference with empty content passes through",
			"m2", "my follow-up",
			"my follow-up",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.resolveReplyText(context.Background(), conv, tt.referenceID, tt.replyText)
			if got != tt.want {
				t.Errorf("resolveReplyText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveReplyText_HistoryErrorPassesThrough(t *testing.T) {
	client := newFakeClient()
	e := testEngine(client)
	conv := &fakeConversation{id: "c1", histErr: errors.New("store unavailable")}

	got := e.resolveReplyText(context.Background(), conv, "m1", "reply body")
	if got != "reply body" {
		t.Errorf("resolveReplyText() with failing history = %q, want pass-through", got)
	}
}

func TestRepliesToBot(t *testing.T) {
	client := newFakeClient()
	e := testEngine(client)

	conv := &fakeConversation{id: "g1", isGroup: true, history: []messaging.Message{
		{ID: "bot-msg", SenderInboxID: "bot-inbox", Content: "bot said this"},
		{ID: "user-msg", SenderInboxID: "someone", Content: "user said this"},
	}}

	tests := []struct {
		name        string
		referenceID string
		want        bool
	}{
		{"reply to bot message", "bot-msg", true},
		{"reply to user message", "user-msg", false},
		{"reply to unknown message", "gone", false},
		{"no reference", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.repliesToBot(context.Background(), conv, tt.referenceID); got != tt.want {
				t.Errorf("repliesToBot(%q) = %v, want %v", tt.referenceID, got, tt.want)
			}
		})
	}
}
