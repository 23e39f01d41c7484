package nodeclient

import (
	"context"

	"github.com/nextlevelbuilder/relaybot/internal/messaging"
)

// conversation is a node-backed conversation handle.
type conversation struct {
	client  *Client
	id      string
	isGroup bool
}

func (c *conversation) ID() string    { return c.id }
func (c *conversation) IsGroup() bool { return c.isGroup }

// Messages returns up to limit messages of recent history, oldest first.
func (c *conversation) Messages(ctx context.Context, limit int) ([]messaging.Message, error) {
	var result struct {
		Messages []messaging.Message `json:"messages"`
	}
	err := c.client.call(ctx, "conversation.messages", map[string]any{
		"conversation_id": c.id,
		"limit":           limit,
	}, &result)
	if err != nil {
		return nil, err
	}
	return result.Messages, nil
}

// Send delivers text into the conversation.
func (c *conversation) Send(ctx context.Context, text string) error {
	return c.client.call(ctx, "conversation.send", map[string]any{
		"conversation_id": c.id,
		"text":            text,
	}, nil)
}
