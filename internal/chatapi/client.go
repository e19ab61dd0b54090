// Package chatapi implements the REST client for the remote chat backend,
// which is the source of truth for per-chat state. Every call is a single
// bounded attempt with no retries; non-2xx responses surface as a generic
// APIError carrying the status and captured body text for diagnostics.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const maxErrorBodyBytes = 2048

// StatusOpen is the chat status in which the bot replies to messages.
const StatusOpen = "open"

// Chat is the remote per-chat state. LastIncomingMessageTimestamp is the
// backend's high-water mark, monotonically advanced as messages arrive; an
// event older than it is a stale or duplicate delivery.
type Chat struct {
	ID                           string `json:"id"`
	ExternalBot                  bool   `json:"externalBot"`
	Status                       string `json:"status"`
	LastIncomingMessageTimestamp int64  `json:"lastIncomingMessageTimestamp"`
	BotSessionID                 string `json:"botSessionId"`
}

// Message is a message stored by the chat backend.
type Message struct {
	ID        string `json:"id"`
	Direction string `json:"direction"`
	Type      string `json:"type"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// OutboundMessage is a reply sent to a chat. Exactly one of Text or ImageURL
// is expected to be set.
type OutboundMessage struct {
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// APIError is a non-2xx response from the chat backend.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api status %d: %s", e.Status, e.Body)
}

// Client talks to the chat backend, authenticated via a static bearer
// credential.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a chat backend client.
func NewClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "chat_api"),
	}
}

// GetChat fetches the current remote state of a chat.
func (c *Client) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	chat := &Chat{}
	if err := c.doRequest(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID), nil, chat); err != nil {
		return nil, err
	}
	return chat, nil
}

// SetExternalBot requests the backend to turn bot mode on or off for a chat.
func (c *Client) SetExternalBot(ctx context.Context, chatID string, enabled bool) error {
	body := map[string]bool{"externalBot": enabled}
	return c.doRequest(ctx, http.MethodPatch, "/chats/"+url.PathEscape(chatID), body, nil)
}

// ResolveChat requests the backend to resolve a chat.
func (c *Client) ResolveChat(ctx context.Context, chatID string) error {
	return c.doRequest(ctx, http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/resolve", nil, nil)
}

// SessionMessages fetches the messages of a chat scoped to one bot session.
func (c *Client) SessionMessages(ctx context.Context, chatID, botSessionID string) ([]Message, error) {
	query := url.Values{}
	query.Set("botSessionId", botSessionID)

	var messages []Message
	path := "/messages/chat/" + url.PathEscape(chatID) + "?" + query.Encode()
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// SendMessage delivers a reply to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID string, msg OutboundMessage) error {
	return c.doRequest(ctx, http.MethodPost, "/messages/send/"+url.PathEscape(chatID), msg, nil)
}

// doRequest handles the request/response cycle. A nil response target
// discards the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, body, response any) error {
	req, err := c.buildRequest(ctx, method, path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		captured, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &APIError{Status: resp.StatusCode, Body: string(captured)}
	}

	if response == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) buildRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	return req, nil
}
