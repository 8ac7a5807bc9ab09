// Package whisperbox is the real-time message synchronization engine of the
// Whisperbox anonymous-messaging service.
//
// It keeps one live connection per session, reconciles history, live pushes
// and optimistic local sends into per-conversation message sets, tracks
// unread state and decides when to alert the user.
//
// Example:
//
//	session := whisperbox.AccountSession(token, "alice")
//	engine, _ := whisperbox.NewEngine(session,
//		whisperbox.WithClient(whisperbox.NewClient(whisperbox.WithBaseURL("https://whisperbox.app"))),
//	)
//	defer engine.Close()
//
//	_ = engine.Start(ctx)
//	_ = engine.LoadHistory(ctx, "anon-42", false)
//	_, _ = engine.Send(ctx, "anon-42", whisperbox.NewDraft("hello"))
package whisperbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://whisperbox.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the REST endpoints that back the engine: history,
// conversation listing and deletion.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new REST client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// StreamURL returns the message-stream endpoint matching the base URL.
func (c *Client) StreamURL() string {
	return c.baseURL + "/ws"
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, session Session, query map[string]string) ([]byte, int, error) {
	params := url.Values{}
	for k, v := range query {
		params.Set(k, v)
	}
	if session.Role == RoleAnonymous && session.AnonID != "" {
		params.Set("anonSessionId", session.AnonID)
	}
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if session.Role == RoleAccount && session.Token != "" {
		req.Header.Set("Authorization", "Bearer "+session.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, session Session, query map[string]string) (*Result, error) {
	data, status, err := c.doRequest(ctx, method, path, session, query)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[Result](data)
	if err != nil {
		if status >= http.StatusBadRequest {
			return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: http.StatusText(status)}
		}
		return nil, err
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: "request failed"}
	}
	return result, nil
}

// ============================================================================
// Endpoints
// ============================================================================

// History fetches the stored messages exchanged between session and
// counterpart, in wire envelope form.
func (c *Client) History(ctx context.Context, session Session, counterpart string) ([]Envelope, error) {
	result, err := c.do(ctx, http.MethodGet, "/api/messages/history", session, map[string]string{"counterpart": counterpart})
	if err != nil {
		return nil, fmt.Errorf("fetch history for %s: %w", counterpart, err)
	}
	var envs []Envelope
	if err := result.Decode(&envs); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return envs, nil
}

// Conversations lists the account holder's conversations.
func (c *Client) Conversations(ctx context.Context, session Session) ([]ConversationSummary, error) {
	if session.Role != RoleAccount {
		return nil, &ValidationError{Field: "session", Reason: "conversation listing requires an account session"}
	}
	result, err := c.do(ctx, http.MethodGet, "/api/conversations", session, nil)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	var convs []ConversationSummary
	if err := result.Decode(&convs); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return convs, nil
}

// DeleteConversation removes a conversation on the server.
func (c *Client) DeleteConversation(ctx context.Context, session Session, key string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(key), session, nil); err != nil {
		return fmt.Errorf("delete conversation %s: %w", key, err)
	}
	return nil
}
