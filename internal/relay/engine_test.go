package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/relaybot/internal/backend"
	"github.com/nextlevelbuilder/relaybot/internal/messaging"
	"github.com/nextlevelbuilder/relaybot/internal/store"
)

// --- fakes ---

type fakeConversation struct {
	mu      sync.Mutex
	id      string
	isGroup bool
	history []messaging.Message
	histErr error
	sent    []string
	sendErr error
}

func (f *fakeConversation) ID() string    { return f.id }
func (f *fakeConversation) IsGroup() bool { return f.isGroup }

func (f *fakeConversation) Messages(ctx context.Context, limit int) ([]messaging.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.histErr != nil {
		return nil, f.histErr
	}
	if limit > len(f.history) {
		limit = len(f.history)
	}
	return append([]messaging.Message(nil), f.history[len(f.history)-limit:]...), nil
}

func (f *fakeConversation) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeConversation) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeClient struct {
	inboxID       string
	conversations map[string]*fakeConversation
	addresses     map[string]string
	events        chan messaging.Event
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		inboxID:       "bot-inbox",
		conversations: make(map[string]*fakeConversation),
		addresses:     make(map[string]string),
		events:        make(chan messaging.Event, 16),
	}
}

func (f *fakeClient) InboxID() string { return f.inboxID }

func (f *fakeClient) ConversationByID(ctx context.Context, id string) (messaging.Conversation, error) {
	conv, ok := f.conversations[id]
	if !ok {
		return nil, nil
	}
	return conv, nil
}

func (f *fakeClient) SenderAddress(ctx context.Context, inboxID string) (string, error) {
	if addr, ok := f.addresses[inboxID]; ok {
		return addr, nil
	}
	return "", nil
}

func (f *fakeClient) Events() <-chan messaging.Event { return f.events }

type fakeResponder struct {
	mu       sync.Mutex
	requests []backend.Request
	reply    string
	threadID string
	err      error
	greeting string
	greetErr error
}

func (f *fakeResponder) Respond(ctx context.Context, req backend.Request) (*backend.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &backend.Response{Reply: f.reply, ThreadID: f.threadID}, nil
}

func (f *fakeResponder) Greet(ctx context.Context, conversationID, agentID string) (string, error) {
	return f.greeting, f.greetErr
}

func (f *fakeResponder) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeResponder) lastRequest() backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeVision struct{ description string }

func (f *fakeVision) Describe(ctx context.Context, data []byte, mimeType string) string {
	return f.description
}

type memStore struct {
	mu       sync.Mutex
	mappings map[string]store.Mapping
	greeted  map[string]bool
}

func newMemStore() *memStore {
	return &memStore{mappings: make(map[string]store.Mapping), greeted: make(map[string]bool)}
}

func (m *memStore) Upsert(ctx context.Context, threadID, conversationID, walletAddress, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[threadID] = store.Mapping{
		ThreadID:       threadID,
		ConversationID: conversationID,
		WalletAddress:  walletAddress,
		AgentID:        agentID,
		LastActivity:   time.Now(),
	}
	return nil
}

func (m *memStore) Lookup(ctx context.Context, threadID string) (*store.Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mp, ok := m.mappings[threadID]; ok {
		return &mp, nil
	}
	return nil, nil
}

func (m *memStore) EvictOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	return 0, nil
}

func (m *memStore) Stats(ctx context.Context) (*store.MappingStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &store.MappingStats{TotalMappings: len(m.mappings)}, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) HasGreeted(ctx context.Context, conversationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.greeted[conversationID], nil
}

func (m *memStore) MarkGreeted(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.greeted[conversationID] = true
	return nil
}

// --- harness ---

type engineHarness struct {
	client    *fakeClient
	responder *fakeResponder
	st        *memStore
	engine    *Engine
	cancel    context.CancelFunc
	done      chan error
}

func newEngineHarness(t *testing.T, opts Options) *engineHarness {
	t.Helper()
	if opts.AgentID == "" {
		opts.AgentID = "agent-1"
	}
	if opts.QuietPeriod == 0 {
		opts.QuietPeriod = 20 * time.Millisecond
	}
	client := newFakeClient()
	responder := &fakeResponder{reply: "backend reply"}
	st := newMemStore()
	engine := New(client, responder, &fakeVision{description: "an image"}, st, st, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	h := &engineHarness{client: client, responder: responder, st: st, engine: engine, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return h
}

func (h *engineHarness) addConversation(id string, isGroup bool) *fakeConversation {
	conv := &fakeConversation{id: id, isGroup: isGroup}
	h.client.conversations[id] = conv
	return conv
}

func (h *engineHarness) textEvent(convID, msgID, sender, content string) messaging.Event {
	return messaging.Event{
		Kind:           messaging.EventText,
		ConversationID: convID,
		Message: messaging.Message{
			ID:            msgID,
			SenderInboxID: sender,
			Content:       content,
			SentAt:        time.Now(),
		},
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// --- tests ---

func TestEngine_DirectMessageDispatched(t *testing.T) {
	h := newEngineHarness(t, Options{})
	conv := h.addConversation("c1", false)
	h.client.addresses["sender-inbox"] = "0xWALLET"

	h.client.events <- h.textEvent("c1", "m1", "sender-inbox", "hello bot")

	waitUntil(t, func() bool { return len(conv.sentMessages()) == 1 })

	if got := conv.sentMessages()[0]; got != "backend reply" {
		t.Errorf("sent %q, want %q", got, "backend reply")
	}
	req := h.responder.lastRequest()
	if req.Message != "hello bot" {
		t.Errorf("backend message = %q, want %q", req.Message, "hello bot")
	}
	if req.SenderAddress != "0xWALLET" {
		t.Errorf("sender address = %q, want resolved wallet", req.SenderAddress)
	}
	if req.ConversationID != "c1" || req.AgentID != "agent-1" {
		t.Errorf("request routing = %+v", req)
	}
}

func TestEngine_RedeliveredMessageDispatchedOnce(t *testing.T) {
	h := newEngineHarness(t, Options{})
	conv := h.addConversation("c1", false)

	ev := h.textEvent("c1", "m1", "sender-inbox", "hello")
	h.client.events <- ev
	h.client.events <- ev
	h.client.events <- ev

	waitUntil(t, func() bool { return len(conv.sentMessages()) == 1 })
	time.Sleep(100 * time.Millisecond)

	if got := h.responder.requestCount(); got != 1 {
		t.Errorf("backend called %d times for redelivered message, want 1", got)
	}
}

func TestEngine_OwnMessagesIgnored(t *testing.T) {
	h := newEngineHarness(t, Options{})
	h.addConversation("c1", false)

	h.client.events <- h.textEvent("c1", "m1", "bot-inbox", "my own echo")
	time.Sleep(100 * time.Millisecond)

	if got := h.responder.requestCount(); got != 0 {
		t.Errorf("backend called %d times for own message, want 0", got)
	}
}

func TestEngine_BurstCoalescedIntoOneTurn(t *testing.T) {
	h := newEngineHarness(t, Options{QuietPeriod: 50 * time.Millisecond})
	conv := h.addConversation("c1", false)

	h.client.events <- h.textEvent("c1", "m1", "s", "first")
	h.client.events <- h.textEvent("c1", "m2", "s", "second")
	h.client.events <- h.textEvent("c1", "m3", "s", "third")

	waitUntil(t, func() bool { return len(conv.sentMessages()) == 1 })

	if got := h.responder.requestCount(); got != 1 {
		t.Fatalf("backend called %d times for one burst, want 1", got)
	}
	if got, want := h.responder.lastRequest().Message, "first\n\nsecond\n\nthird"; got != want {
		t.Errorf("combined turn = %q, want %q", got, want)
	}
}

func TestEngine_BackendFailureSendsApology(t *testing.T) {
	h := newEngineHarness(t, Options{})
	h.responder.err = errors.New("backend down")
	conv := h.addConversation("c1", false)

	h.client.events <- h.textEvent("c1", "m1", "s", "hello")

	waitUntil(t, func() bool { return len(conv.sentMessages()) == 1 })
	if got := conv.sentMessages()[0]; got != apologyText {
		t.Errorf("sent %q, want apology", got)
	}
	// No retry.
	time.Sleep(100 * time.Millisecond)
	if got := h.responder.requestCount(); got != 1 {
		t.Errorf("backend called %d times, want 1 (no retry)", got)
	}
}

func TestEngine_MappingUpsertAfterDispatch(t *testing.T) {
	h := newEngineHarness(t, Options{})
	h.responder.threadID = "thread-42"
	h.addConversation("c1", false)
	h.client.addresses["s"] = "0xABC"

	h.client.events <- h.textEvent("c1", "m1", "s", "hello")

	waitUntil(t, func() bool {
		mp, _ := h.st.Lookup(context.Background(), "thread-42")
		return mp != nil
	})
	mp, _ := h.st.Lookup(context.Background(), "thread-42")
	if mp.ConversationID != "c1" || mp.WalletAddress != "0xABC" || mp.AgentID != "agent-1" {
		t.Errorf("mapping = %+v", mp)
	}
}

func TestEngine_MappingFallsBackToConversationID(t *testing.T) {
	h := newEngineHarness(t, Options{})
	h.responder.threadID = ""
	h.addConversation("c1", false)

	h.client.events <- h.textEvent("c1", "m1", "s", "hello")

	waitUntil(t, func() bool {
		mp, _ := h.st.Lookup(context.Background(), "c1")
		return mp != nil
	})
}

func TestEngine_GroupTextIgnoredWithoutMentionGating(t *testing.T) {
	h := newEngineHarness(t, Options{})
	conv := h.addConversation("g1", true)
	h.st.MarkGreeted(context.Background(), "g1")

	h.client.events <- h.textEvent("g1", "m1", "s", "random group chatter")
	time.Sleep(100 * time.Millisecond)

	if got := h.responder.requestCount(); got != 0 {
		t.Errorf("backend called %d times for unaddressed group text, want 0", got)
	}
	if got := len(conv.sentMessages()); got != 0 {
		t.Errorf("sent %d messages, want 0", got)
	}
}

func TestEngine_GroupMentionDispatchedForGatedAgent(t *testing.T) {
	h := newEngineHarness(t, Options{
		AgentID:        "agent-1",
		MentionAgentID: "agent-1",
		MentionTokens:  []string{"relaybot"},
	})
	conv := h.addConversation("g1", true)
	h.st.MarkGreeted(context.Background(), "g1")

	h.client.events <- h.textEvent("g1", "m1", "s", "hey relaybot, hello")
	waitUntil(t, func() bool { return len(conv.sentMessages()) == 1 })

	h.client.events <- h.textEvent("g1", "m2", "s", "not addressed to anyone")
	time.Sleep(100 * time.Millisecond)
	if got := h.responder.requestCount(); got != 1 {
		t.Errorf("backend called %d times, want 1 (mention only)", got)
	}
}

func TestEngine_GroupReplyToBotDispatched(t *testing.T) {
	h := newEngineHarness(t, Options{})
	conv := h.addConversation("g1", true)
	conv.history = []messaging.Message{
		{ID: "bot-msg", SenderInboxID: "bot-inbox", Content: "earlier bot answer"},
	}
	h.st.MarkGreeted(context.Background(), "g1")

	h.client.events <- messaging.Event{
		Kind:           messaging.EventReply,
		ConversationID: "g1",
		ReferenceID:    "bot-msg",
		Message:        messaging.Message{ID: "m1", SenderInboxID: "s", Content: "tell me more"},
	}

	waitUntil(t, func() bool { return len(conv.sentMessages()) == 1 })
	msg := h.responder.lastRequest().Message
	if !strings.Contains(msg, "tell me more") {
		t.Errorf("turn text %q missing reply body", msg)
	}
	if !strings.Contains(msg, "[Immediate parent message]") {
		t.Errorf("turn text %q missing quoted context", msg)
	}
}

func TestEngine_GroupReplyToOtherUserIgnored(t *testing.T) {
	h := newEngineHarness(t, Options{})
	conv := h.addConversation("g1", true)
	conv.history = []messaging.Message{
		{ID: "user-msg", SenderInboxID: "other-user", Content: "someone else's note"},
	}
	h.st.MarkGreeted(context.Background(), "g1")

	h.client.events <- messaging.Event{
		Kind:           messaging.EventReply,
		ConversationID: "g1",
		ReferenceID:    "user-msg",
		Message:        messaging.Message{ID: "m1", SenderInboxID: "s", Content: "replying to a human"},
	}
	time.Sleep(100 * time.Millisecond)

	if got := h.responder.requestCount(); got != 0 {
		t.Errorf("backend called %d times for reply to non-bot message, want 0", got)
	}
}

func TestEngine_GroupGreetingOnFirstContact(t *testing.T) {
	h := newEngineHarness(t, Options{})
	h.responder.greeting = "Hi, I'm the relay assistant."
	conv := h.addConversation("g1", true)

	h.client.events <- h.textEvent("g1", "m1", "s", "welcome everyone")

	waitUntil(t, func() bool { return len(conv.sentMessages()) == 1 })
	if got := conv.sentMessages()[0]; got != "Hi, I'm the relay assistant." {
		t.Errorf("greeting = %q", got)
	}

	// The triggering message is consumed by the greeting; no turn dispatch.
	time.Sleep(100 * time.Millisecond)
	if got := h.responder.requestCount(); got != 0 {
		t.Errorf("backend Respond called %d times during greeting, want 0", got)
	}

	greeted, _ := h.st.HasGreeted(context.Background(), "g1")
	if !greeted {
		t.Error("conversation not marked greeted")
	}
}

func TestEngine_GreetingFallbackOnBackendFailure(t *testing.T) {
	h := newEngineHarness(t, Options{})
	h.responder.greetErr = errors.New("backend down")
	conv := h.addConversation("g1", true)

	h.client.events <- h.textEvent("g1", "m1", "s", "hello all")

	waitUntil(t, func() bool { return len(conv.sentMessages()) == 1 })
	if got := conv.sentMessages()[0]; got != fallbackGreeting {
		t.Errorf("greeting = %q, want fallback", got)
	}
}

func TestEngine_PriorBotPostSkipsGreeting(t *testing.T) {
	h := newEngineHarness(t, Options{
		AgentID:        "agent-1",
		MentionAgentID: "agent-1",
		MentionTokens:  []string{"relaybot"},
	})
	conv := h.addConversation("g1", true)
	conv.history = []messaging.Message{
		{ID: "old", SenderInboxID: "bot-inbox", Content: "posted in a previous deployment"},
	}

	h.client.events <- h.textEvent("g1", "m1", "s", "relaybot are you there")

	// No greeting: the bot already posted. The mention still dispatches.
	waitUntil(t, func() bool { return h.responder.requestCount() == 1 })
	greeted, _ := h.st.HasGreeted(context.Background(), "g1")
	if !greeted {
		t.Error("prior bot post did not mark conversation greeted")
	}
	for _, sent := range conv.sentMessages() {
		if sent == fallbackGreeting {
			t.Error("greeting sent despite prior bot post")
		}
	}
}

func TestEngine_AttachmentBecomesImageFragment(t *testing.T) {
	h := newEngineHarness(t, Options{})
	conv := h.addConversation("c1", false)

	h.client.events <- messaging.Event{
		Kind:           messaging.EventAttachment,
		ConversationID: "c1",
		Message:        messaging.Message{ID: "m1", SenderInboxID: "s"},
		Attachment:     &messaging.Attachment{Data: []byte{0xFF}, MimeType: "image/jpeg"},
	}
	h.client.events <- h.textEvent("c1", "m2", "s", "what is this?")

	waitUntil(t, func() bool { return len(conv.sentMessages()) == 1 })
	// Text precedes image-derived content regardless of arrival order.
	if got, want := h.responder.lastRequest().Message, "what is this?\n\nan image"; got != want {
		t.Errorf("combined turn = %q, want %q", got, want)
	}
}

func TestEngine_StuckStoreTriggersRecovery(t *testing.T) {
	var mu sync.Mutex
	var recovered []string
	h := newEngineHarness(t, Options{
		OnStoreStuck: func(conversationID string) {
			mu.Lock()
			recovered = append(recovered, conversationID)
			mu.Unlock()
		},
	})
	conv := h.addConversation("c1", false)
	conv.history = []messaging.Message{
		{ID: "frozen", SenderInboxID: "someone", Content: "never changes"},
	}

	// Reply-context resolution re-reads history on every reply event. Three
	// identical snapshots trip the detector.
	for i := 0; i < 3; i++ {
		h.client.events <- messaging.Event{
			Kind:           messaging.EventReply,
			ConversationID: "c1",
			ReferenceID:    "frozen",
			Message:        messaging.Message{SenderInboxID: "s", Content: "ping"},
		}
		time.Sleep(20 * time.Millisecond)
	}

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(recovered) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if recovered[0] != "c1" {
		t.Errorf("recovery requested for %q, want c1", recovered[0])
	}
}

func TestEngine_UnknownConversationDropped(t *testing.T) {
	h := newEngineHarness(t, Options{})

	h.client.events <- h.textEvent("nope", "m1", "s", "hello")
	time.Sleep(100 * time.Millisecond)

	if got := h.responder.requestCount(); got != 0 {
		t.Errorf("backend called %d times for unknown conversation, want 0", got)
	}
}
