// Package relay implements the message coalescing & conversation state
// engine: dedupe of redelivered node events, group greeting and
// response-eligibility policy, debounced turn coalescing, backend dispatch,
// and stuck-store detection.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/relaybot/internal/backend"
	"github.com/nextlevelbuilder/relaybot/internal/bus"
	"github.com/nextlevelbuilder/relaybot/internal/messaging"
	"github.com/nextlevelbuilder/relaybot/internal/store"
)

const (
	// apologyText is sent to the user when a collaborator fails. No
	// automatic retry — the user decides whether to ask again.
	apologyText = "Sorry, I ran into a problem processing that message. Please try again in a moment."

	// fallbackGreeting covers backend failure during first contact.
	fallbackGreeting = "Hello everyone! I'm an AI assistant — mention me or reply to my messages and I'll help out."

	// greetingHistoryLimit is the history window read during the greeting
	// check (also feeds the staleness detector).
	greetingHistoryLimit = 50

	// flushDispatchTimeout bounds one flush end to end: backend call plus
	// reply send.
	flushDispatchTimeout = 150 * time.Second
)

// Responder is the backend inference collaborator boundary.
type Responder interface {
	Respond(ctx context.Context, req backend.Request) (*backend.Response, error)
	Greet(ctx context.Context, conversationID, agentID string) (string, error)
}

// ImageDescriber is the vision collaborator boundary.
type ImageDescriber interface {
	Describe(ctx context.Context, data []byte, mimeType string) string
}

// Options tunes engine policy.
type Options struct {
	// AgentID identifies this bot toward the backend.
	AgentID string
	// MentionAgentID names the single agent identity for which raw-text
	// mention gating applies in groups. All other identities respond in
	// groups only to replies targeting their own messages.
	MentionAgentID string
	// MentionTokens are the names/handles the mention gate matches.
	MentionTokens []string
	// QuietPeriod is the coalescing debounce window (default 1s).
	QuietPeriod time.Duration
	// SendsPerMinute paces outbound sends per conversation (0 = default 30).
	SendsPerMinute int
	// OnStoreStuck is invoked when the staleness detector trips. The
	// callback owns recovery (delete node store, restart process); the
	// engine only signals.
	OnStoreStuck func(conversationID string)
}

// Engine is the turn dispatcher. One Engine is constructed per process and
// handed its collaborators by reference — no package-level state.
type Engine struct {
	client    messaging.Client
	backend   Responder
	vision    ImageDescriber
	mappings  store.MappingStore
	greeted   store.GreetedStore
	ledger    *bus.DedupeLedger
	coalescer *bus.Coalescer
	staleness *StalenessDetector
	mention   *MentionGate
	opts      Options
	tracer    trace.Tracer

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	wg sync.WaitGroup
}

// New wires an engine from its collaborators.
func New(client messaging.Client, responder Responder, vision ImageDescriber,
	mappings store.MappingStore, greeted store.GreetedStore, opts Options) *Engine {

	e := &Engine{
		client:    client,
		backend:   responder,
		vision:    vision,
		mappings:  mappings,
		greeted:   greeted,
		ledger:    bus.NewDedupeLedger(),
		staleness: NewStalenessDetector(),
		mention:   NewMentionGate(opts.MentionTokens),
		opts:      opts,
		tracer:    otel.Tracer("relaybot/relay"),
		limiters:  make(map[string]*rate.Limiter),
	}
	e.coalescer = bus.NewCoalescer(opts.QuietPeriod, e.dispatchTurn)
	return e
}

// Run consumes node events until the context is cancelled or the event
// stream closes. Events are handled start-to-finish in arrival order; only
// reply-context resolution and batch flushes run off this goroutine.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("relay engine started",
		"agent", e.opts.AgentID,
		"mention_gating", e.opts.MentionAgentID != "" && e.opts.AgentID == e.opts.MentionAgentID,
	)

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case ev, ok := <-e.client.Events():
			if !ok {
				slog.Info("relay engine stopped: event stream closed")
				e.shutdown()
				return nil
			}
			e.handleEvent(ctx, ev)
		}
	}
}

func (e *Engine) shutdown() {
	// Pending batches are dropped, not flushed: at-most-once delivery.
	if n := e.coalescer.Pending(); n > 0 {
		slog.Warn("relay engine shutdown: dropping pending batches", "count", n)
	}
	e.coalescer.Stop()
	e.wg.Wait()
}

func (e *Engine) handleEvent(ctx context.Context, ev messaging.Event) {
	switch ev.Kind {
	case messaging.EventStart:
		slog.Info("node stream started")
	case messaging.EventStop:
		slog.Info("node stream stopped")
	case messaging.EventUnhandledError:
		slog.Error("node reported unhandled error", "error", ev.Err)
	case messaging.EventUnknown:
		slog.Debug("ignoring unknown event", "conversation", ev.ConversationID)
	case messaging.EventConversationCreated, messaging.EventGroupUpdate:
		// New group or membership change: run the greeting check so the bot
		// introduces itself before anyone addresses it.
		if !ev.IsGroup {
			return
		}
		conv := e.resolveConversation(ctx, ev.ConversationID)
		if conv == nil {
			return
		}
		e.greetIfNeeded(ctx, conv)
	case messaging.EventText, messaging.EventReply, messaging.EventAttachment:
		e.handleMessage(ctx, ev)
	default:
		slog.Debug("ignoring event", "kind", string(ev.Kind))
	}
}

// handleMessage runs the dispatch state machine for one inbound message
// event. Terminal outcomes short-circuit with a return.
func (e *Engine) handleMessage(ctx context.Context, ev messaging.Event) {
	msg := ev.Message

	// Never respond to ourselves.
	if msg.SenderInboxID == e.client.InboxID() {
		return
	}

	// Dedup: the node may redeliver events. Check-and-mark happens before
	// any suspension point so a redelivered id can never race this handler.
	if msg.ID != "" {
		if e.ledger.Seen(msg.ID) {
			slog.Debug("dedup: skipping redelivered message", "message_id", msg.ID)
			return
		}
		e.ledger.MarkSeen(msg.ID)
	}

	conv := e.resolveConversation(ctx, ev.ConversationID)
	if conv == nil {
		slog.Warn("inbound: conversation not found", "conversation", ev.ConversationID)
		return
	}

	if conv.IsGroup() {
		if terminal := e.greetIfNeeded(ctx, conv); terminal {
			return
		}
		if !e.groupEligible(ctx, conv, ev) {
			slog.Debug("inbound: group message not addressed to bot",
				"conversation", conv.ID(),
				"kind", string(ev.Kind),
			)
			return
		}
	}

	sender := e.senderAddress(ctx, msg.SenderInboxID)

	switch ev.Kind {
	case messaging.EventAttachment:
		if ev.Attachment == nil {
			return
		}
		content := e.vision.Describe(ctx, ev.Attachment.Data, ev.Attachment.MimeType)
		e.enqueue(conv.ID(), sender, bus.FragmentImageDerivedText, msg.ID, content)

	case messaging.EventReply:
		// Reply context resolution reads up to 300 messages of history —
		// run it as a best-effort background continuation so the event
		// pipeline is not held up.
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			text := e.resolveReplyText(context.Background(), conv, ev.ReferenceID, msg.Content)
			e.enqueue(conv.ID(), sender, bus.FragmentText, msg.ID, text)
		}()

	default: // text
		e.enqueue(conv.ID(), sender, bus.FragmentText, msg.ID, msg.Content)
	}
}

// groupEligible applies the post-greeting response filter for multi-party
// conversations: replies must target a message the bot sent; raw text is
// eligible only for the configured mention-gated agent identity.
func (e *Engine) groupEligible(ctx context.Context, conv messaging.Conversation, ev messaging.Event) bool {
	if ev.Kind == messaging.EventReply {
		return e.repliesToBot(ctx, conv, ev.ReferenceID)
	}
	if e.opts.MentionAgentID == "" || e.opts.AgentID != e.opts.MentionAgentID {
		return false
	}
	return e.mention.Matches(ev.Message.Content)
}

func (e *Engine) enqueue(conversationID, senderAddress string, kind bus.FragmentKind, id, content string) {
	if content == "" {
		return
	}
	if id == "" {
		id = uuid.NewString()
	}
	e.coalescer.Add(conversationID, senderAddress, bus.Fragment{
		ID:         id,
		Kind:       kind,
		Content:    content,
		ObservedAt: time.Now(),
	})
}

// dispatchTurn is the coalescer flush callback: combine fragments, call the
// backend, persist the reply mapping, send the response. Runs on the batch
// timer goroutine — flushes for different conversations may overlap.
func (e *Engine) dispatchTurn(conversationID, senderAddress string, fragments []bus.Fragment) {
	ctx, cancel := context.WithTimeout(context.Background(), flushDispatchTimeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "relay.dispatch_turn",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("turn.fragments", len(fragments)),
		))
	defer span.End()

	combined := bus.CombineFragments(fragments)
	if combined == "" {
		return
	}

	slog.Info("dispatching turn",
		"conversation", conversationID,
		"sender", senderAddress,
		"fragments", len(fragments),
	)

	conv := e.resolveConversation(ctx, conversationID)
	if conv == nil {
		slog.Warn("dispatch: conversation vanished", "conversation", conversationID)
		return
	}

	resp, err := e.backend.Respond(ctx, backend.Request{
		Message:        combined,
		SenderAddress:  senderAddress,
		ConversationID: conversationID,
		AgentID:        e.opts.AgentID,
	})
	if err != nil {
		slog.Error("dispatch: backend call failed",
			"conversation", conversationID,
			"sender", senderAddress,
			"error", err,
		)
		e.send(ctx, conv, apologyText)
		return
	}

	// Refresh the reply-routing mapping on every successful dispatch. Not
	// atomic with the send below — a crash in between leaves a mapping with
	// no reply, acceptable under at-most-once delivery.
	threadID := resp.ThreadID
	if threadID == "" {
		threadID = conversationID
	}
	if err := e.mappings.Upsert(ctx, threadID, conversationID, senderAddress, e.opts.AgentID); err != nil {
		slog.Error("dispatch: mapping upsert failed", "thread", threadID, "error", err)
	}

	if resp.Reply != "" {
		e.send(ctx, conv, resp.Reply)
	}
}

// send delivers text to a conversation, paced per conversation. A failed
// send is logged and dropped — no retry, no re-buffer.
func (e *Engine) send(ctx context.Context, conv messaging.Conversation, text string) {
	if err := e.limiterFor(conv.ID()).Wait(ctx); err != nil {
		return
	}
	if err := conv.Send(ctx, text); err != nil {
		slog.Error("send failed", "conversation", conv.ID(), "error", err)
	}
}

func (e *Engine) limiterFor(conversationID string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if lim, ok := e.limiters[conversationID]; ok {
		return lim
	}
	perMinute := e.opts.SendsPerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	lim := rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 5)
	e.limiters[conversationID] = lim
	return lim
}

func (e *Engine) resolveConversation(ctx context.Context, id string) messaging.Conversation {
	conv, err := e.client.ConversationByID(ctx, id)
	if err != nil {
		slog.Error("conversation lookup failed", "conversation", id, "error", err)
		return nil
	}
	return conv
}

func (e *Engine) senderAddress(ctx context.Context, inboxID string) string {
	addr, err := e.client.SenderAddress(ctx, inboxID)
	if err != nil || addr == "" {
		if err != nil {
			slog.Warn("sender address resolution failed", "inbox", inboxID, "error", err)
		}
		return inboxID
	}
	return addr
}

// requestRecovery reports a stuck local store. Recovery itself (deleting the
// node store and exiting so the supervisor restarts the process) is owned by
// the OnStoreStuck callback.
func (e *Engine) requestRecovery(conversationID string) {
	slog.Error("message store appears stuck, requesting recovery",
		"conversation", conversationID,
		"threshold", stuckThreshold,
	)
	e.staleness.Forget(conversationID)
	if e.opts.OnStoreStuck != nil {
		e.opts.OnStoreStuck(conversationID)
	}
}
