// Package nodeclient implements the messaging boundary over a websocket
// JSON-RPC connection to the local protocol node sidecar. The sidecar owns
// the network's wire format, crypto, and message store; this client only
// issues requests and decodes typed events.
package nodeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relaybot/internal/messaging"
)

const (
	eventBufferSize = 64
	callTimeout     = 30 * time.Second
	maxFrameBytes   = 16 << 20 // attachments arrive base64-encoded in frames
)

// frame is the sidecar's wire envelope: either an RPC response (ID set) or
// a pushed event (Event set).
type frame struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Event  json.RawMessage `json:"event,omitempty"`
}

// Client is a websocket node client implementing messaging.Client.
type Client struct {
	conn    *websocket.Conn
	inboxID string

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame
	closed  bool

	events chan messaging.Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial connects to the sidecar, performs the identify handshake, and starts
// the read loop.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("node: dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxFrameBytes)

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan frame),
		events:  make(chan messaging.Event, eventBufferSize),
	}

	rctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.readLoop(rctx)

	var identity struct {
		InboxID string `json:"inbox_id"`
	}
	if err := c.call(ctx, "identity.get", nil, &identity); err != nil {
		c.Close()
		return nil, fmt.Errorf("node: identify: %w", err)
	}
	c.inboxID = identity.InboxID

	slog.Info("node client connected", "url", url, "inbox", c.inboxID)
	return c, nil
}

// InboxID returns the bot's own inbox identifier.
func (c *Client) InboxID() string { return c.inboxID }

// Events returns the inbound event stream. Closed when the connection drops
// or Close is called.
func (c *Client) Events() <-chan messaging.Event { return c.events }

// Close tears down the connection and fails all pending calls.
func (c *Client) Close() {
	c.cancel()
	c.conn.Close(websocket.StatusNormalClosure, "shutdown")
	c.wg.Wait()
}

// ConversationByID resolves a conversation handle. A missing conversation is
// a normal negative result: (nil, nil).
func (c *Client) ConversationByID(ctx context.Context, id string) (messaging.Conversation, error) {
	var result struct {
		Found   bool   `json:"found"`
		ID      string `json:"id"`
		IsGroup bool   `json:"is_group"`
	}
	err := c.call(ctx, "conversation.get", map[string]string{"conversation_id": id}, &result)
	if err != nil {
		return nil, err
	}
	if !result.Found {
		return nil, nil
	}
	return &conversation{client: c, id: result.ID, isGroup: result.IsGroup}, nil
}

// SenderAddress resolves an inbox id to the sender's wallet address.
func (c *Client) SenderAddress(ctx context.Context, inboxID string) (string, error) {
	var result struct {
		Address string `json:"address"`
	}
	err := c.call(ctx, "inbox.address", map[string]string{"inbox_id": inboxID}, &result)
	if err != nil {
		return "", err
	}
	return result.Address, nil
}

// call issues one correlated RPC and decodes the result.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	id := uuid.NewString()

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("node: encode %s params: %w", method, err)
		}
		raw = data
	}

	payload, err := json.Marshal(frame{ID: id, Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("node: encode %s: %w", method, err)
	}

	ch := make(chan frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("node: connection closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	c.writeMu.Lock()
	err = c.conn.Write(cctx, websocket.MessageText, payload)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("node: write %s: %w", method, err)
	}

	select {
	case <-cctx.Done():
		return fmt.Errorf("node: %s: %w", method, cctx.Err())
	case resp := <-ch:
		if resp.Error != "" {
			return fmt.Errorf("node: %s: %s", method, resp.Error)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("node: decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// readLoop reads frames until the connection drops, routing responses to
// pending calls and events to the event channel.
func (c *Client) readLoop(ctx context.Context) {
	defer c.wg.Done()
	defer c.teardown()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("node connection lost", "error", err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("node: malformed frame", "error", err)
			continue
		}

		switch {
		case f.ID != "":
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case len(f.Event) > 0:
			ev, err := decodeEvent(f.Event)
			if err != nil {
				slog.Warn("node: undecodable event", "error", err)
				continue
			}
			select {
			case c.events <- ev:
			default:
				// Bounded buffer: drop rather than stall the read loop.
				slog.Warn("node: event buffer full, dropping event",
					"kind", string(ev.Kind), "conversation", ev.ConversationID)
			}
		}
	}
}

func (c *Client) teardown() {
	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		ch <- frame{ID: id, Error: "connection closed"}
	}
	c.pending = make(map[string]chan frame)
	c.mu.Unlock()
	close(c.events)
}

// decodeEvent maps a raw event payload to a typed messaging.Event. Kinds
// the client does not recognize come through as EventUnknown so the engine
// can log them.
func decodeEvent(raw json.RawMessage) (messaging.Event, error) {
	var ev messaging.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return messaging.Event{}, err
	}
	switch ev.Kind {
	case messaging.EventText, messaging.EventReply, messaging.EventAttachment,
		messaging.EventConversationCreated, messaging.EventGroupUpdate,
		messaging.EventUnhandledError, messaging.EventStart, messaging.EventStop:
	default:
		ev.Kind = messaging.EventUnknown
	}
	return ev, nil
}
