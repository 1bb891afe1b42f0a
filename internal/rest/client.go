// Package rest implements the HTTP side of the chat backend contract:
// conversation listing, idempotent get-or-create, paginated message history,
// and user search. Every endpoint wraps its payload in a
// {success, data, message} envelope; this client unwraps it and surfaces
// backend failures as errors.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/vvinit594/Flowwdeck/internal/auth"
	"github.com/vvinit594/Flowwdeck/internal/protocol"
)

// DefaultPageSize bounds a single message history page.
const DefaultPageSize = 50

// Client talks to the chat REST endpoints with bearer authentication.
type Client struct {
	baseURL string
	httpc   *http.Client
	tokens  auth.TokenProvider
}

// NewClient creates a REST client rooted at baseURL (no trailing slash).
func NewClient(baseURL string, tokens auth.TokenProvider) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 15 * time.Second},
		tokens:  tokens,
	}
}

// envelope is the backend's uniform response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// do performs one authenticated request and unwraps the envelope into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rest: marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("rest: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("rest: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("rest: %s %s: status %d with undecodable body: %w", method, path, resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.Success {
		msg := env.Message
		if msg == "" {
			msg = fmt.Sprintf("request failed with status %d", resp.StatusCode)
		}
		return fmt.Errorf("rest: %s %s: %s", method, path, msg)
	}

	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("rest: %s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}

// Conversations fetches all conversations for the current user, including
// last-message previews and unread counts.
func (c *Client) Conversations(ctx context.Context) ([]protocol.Conversation, error) {
	var data struct {
		Conversations []protocol.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/chat/conversations", nil, nil, &data); err != nil {
		return nil, err
	}
	return data.Conversations, nil
}

// CreatedConversation is the get-or-create response: the conversation plus
// the other participant's public profile.
type CreatedConversation struct {
	Conversation protocol.Conversation `json:"conversation"`
	OtherUser    protocol.User         `json:"otherUser"`
}

// CreateConversation requests conversation creation with another user. The
// call is idempotent server-side: repeating it for the same pair of users
// returns the same conversation id.
func (c *Client) CreateConversation(ctx context.Context, otherUserID protocol.UserID) (*CreatedConversation, error) {
	body := map[string]string{"otherUserId": string(otherUserID)}
	var data CreatedConversation
	if err := c.do(ctx, http.MethodPost, "/api/chat/conversations", nil, body, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Messages fetches one page of message history for a conversation. An empty
// before cursor fetches the most recent page; otherwise messages strictly
// older than the cursor are returned. Pages arrive oldest-first.
func (c *Client) Messages(ctx context.Context, conversationID protocol.ConversationID, before string, limit int) ([]protocol.Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if before != "" {
		q.Set("before", before)
	}

	var data struct {
		Messages []protocol.Message `json:"messages"`
	}
	path := "/api/chat/conversations/" + url.PathEscape(string(conversationID)) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &data); err != nil {
		return nil, err
	}
	return data.Messages, nil
}

// SearchUsers returns candidate users for starting a new conversation.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]protocol.User, error) {
	q := url.Values{"search": {query}}
	var data struct {
		Users []protocol.User `json:"users"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/chat/search", q, nil, &data); err != nil {
		return nil, err
	}
	return data.Users, nil
}
