// Package messaging defines the boundary to the decentralized messaging
// network. The wire protocol, handshake, and transport reliability are owned
// by the local node sidecar; this package only models the events and
// operations the relay engine consumes.
package messaging

import (
	"context"
	"time"
)

// EventKind discriminates inbound node events.
type EventKind string

const (
	EventText                EventKind = "text"
	EventReply               EventKind = "reply"
	EventAttachment          EventKind = "attachment"
	EventConversationCreated EventKind = "conversation-created"
	EventGroupUpdate         EventKind = "group-membership-update"
	EventUnknown             EventKind = "unknown"
	EventUnhandledError      EventKind = "unhandled-error"
	EventStart               EventKind = "start"
	EventStop                EventKind = "stop"
)

// Message is one message as stored in a conversation's history.
type Message struct {
	ID            string    `json:"id"`
	SenderInboxID string    `json:"sender_inbox_id"`
	Content       string    `json:"content"`
	SentAt        time.Time `json:"sent_at,omitempty"`
}

// Attachment carries raw media bytes delivered with an attachment event.
type Attachment struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
}

// Event is one typed inbound event from the node.
type Event struct {
	Kind           EventKind   `json:"kind"`
	Message        Message     `json:"message"`
	ConversationID string      `json:"conversation_id"`
	IsGroup        bool        `json:"is_group"`
	ReferenceID    string      `json:"reference_id,omitempty"` // reply events: id of the quoted message
	Attachment     *Attachment `json:"attachment,omitempty"`
	Err            string      `json:"error,omitempty"` // unhandled-error events
}

// Conversation is a handle to one conversation on the node.
type Conversation interface {
	ID() string
	IsGroup() bool
	// Messages returns up to limit messages of recent history, oldest first.
	Messages(ctx context.Context, limit int) ([]Message, error)
	Send(ctx context.Context, text string) error
}

// Client is the node sidecar boundary the relay engine runs on top of.
type Client interface {
	// InboxID returns the bot's own inbox identifier.
	InboxID() string
	// ConversationByID resolves a conversation handle. A missing conversation
	// is a normal negative result: (nil, nil).
	ConversationByID(ctx context.Context, id string) (Conversation, error)
	// SenderAddress resolves an inbox id to the sender's wallet address.
	SenderAddress(ctx context.Context, inboxID string) (string, error)
	// Events returns the inbound event stream. Closed when the client stops.
	Events() <-chan Event
}
