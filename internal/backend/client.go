// Package backend is the HTTP client for the inference service the relay
// forwards turns to. The service owns all model/tooling logic; this client
// only ships combined turn text and relays the response.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// requestTimeout is the fixed upper bound on one inference call. Exceeding
// it is a transient failure, not a retry trigger.
const requestTimeout = 120 * time.Second

// Request is one consolidated conversational turn.
type Request struct {
	Message        string `json:"message"`
	SenderAddress  string `json:"sender_address"`
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id,omitempty"`
}

// Response is the backend's reply. ThreadID is the backend-side thread
// reference used to route asynchronous follow-up replies.
type Response struct {
	Reply    string `json:"reply"`
	ThreadID string `json:"thread_id,omitempty"`
}

// Client talks to the backend inference service.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates a backend client for the given base URL.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

// BaseURL returns the configured endpoint (for diagnostics).
func (c *Client) BaseURL() string { return c.baseURL }

// Respond sends one turn and returns the backend's reply. Bold markdown
// markers are stripped from the reply text — cosmetic normalization for
// clients that render plain text.
func (c *Client) Respond(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.post(ctx, "/api/messages", req)
	if err != nil {
		return nil, err
	}
	resp.Reply = StripBold(resp.Reply)
	return resp, nil
}

// Greet asks the backend to produce a first-contact greeting for a group
// conversation.
func (c *Client) Greet(ctx context.Context, conversationID, agentID string) (string, error) {
	resp, err := c.post(ctx, "/api/greeting", Request{
		ConversationID: conversationID,
		AgentID:        agentID,
	})
	if err != nil {
		return "", err
	}
	return StripBold(resp.Reply), nil
}

// Ping checks backend reachability. Used by doctor and startup validation.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("backend unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body Request) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("backend: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("backend: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("backend: decode response: %w", err)
	}
	return &out, nil
}

// StripBold removes markdown bold markers from text.
func StripBold(text string) string {
	return strings.ReplaceAll(text, "**", "")
}
