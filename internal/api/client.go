// Package api provides the HTTP client for the remote coding-assistant
// server's request/response surface: message submission, turn abort,
// permission responses, revert/unrevert, and thin session CRUD.
//
// The realtime event stream is NOT handled here; see internal/stream.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/inercia/tether/internal/event"
)

// Decision is a user's answer to a permission request.
type Decision string

const (
	DecisionOnce   Decision = "once"
	DecisionAlways Decision = "always"
	DecisionReject Decision = "reject"
)

// Client provides HTTP methods for the remote server's REST API.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// New creates a new API client.
// baseURL should be the remote server address (e.g., "http://localhost:4096").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the base URL of the client.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// sessionURL builds a session-scoped API URL.
func (c *Client) sessionURL(sessionID string, suffix string) string {
	return c.baseURL + "/session/" + url.PathEscape(sessionID) + suffix
}

// doJSON issues a request with an optional JSON body and decodes the JSON
// response into out (when out is non-nil). Non-2xx statuses are returned as
// errors carrying the response body.
func (c *Client) doJSON(ctx context.Context, method, rawURL string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
	}
	return nil
}

// --- Session CRUD ---

// CreateSessionRequest represents a request to create a new session.
type CreateSessionRequest struct {
	Title     string `json:"title,omitempty"`
	Directory string `json:"directory,omitempty"`
}

// ListSessions returns all sessions known to the server.
func (c *Client) ListSessions(ctx context.Context) ([]event.SessionInfo, error) {
	var sessions []event.SessionInfo
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/session", nil, &sessions); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// CreateSession creates a new session.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*event.SessionInfo, error) {
	var info event.SessionInfo
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/session", req, &info); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &info, nil
}

// GetSession returns information about a specific session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*event.SessionInfo, error) {
	var info event.SessionInfo
	if err := c.doJSON(ctx, http.MethodGet, c.sessionURL(sessionID, ""), nil, &info); err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &info, nil
}

// --- Messages ---

// MessageWithParts pairs message metadata with its decoded parts.
type MessageWithParts struct {
	Info  event.MessageInfo
	Parts []event.Part
}

// rawMessage is the wire shape of one message in a transcript response.
type rawMessage struct {
	Info  event.MessageInfo `json:"info"`
	Parts []json.RawMessage `json:"parts"`
}

// Messages returns the canonical transcript of a session, oldest first.
// Parts are decoded through the same tagged union used for stream events.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]MessageWithParts, error) {
	var raw []rawMessage
	if err := c.doJSON(ctx, http.MethodGet, c.sessionURL(sessionID, "/message"), nil, &raw); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	messages := make([]MessageWithParts, 0, len(raw))
	for _, rm := range raw {
		msg := MessageWithParts{Info: rm.Info, Parts: make([]event.Part, 0, len(rm.Parts))}
		for _, rp := range rm.Parts {
			part, err := event.DecodePart(rp)
			if err != nil {
				return nil, fmt.Errorf("list messages: %w", err)
			}
			msg.Parts = append(msg.Parts, part)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// SubmitResult is the server's acknowledgment of a submitted message.
// Key echoes the client-supplied correlation key.
type SubmitResult struct {
	MessageID string `json:"messageID"`
	Key       string `json:"key"`
}

// SubmitMessage sends a user message to the agent, starting a new turn.
// key is a client-generated correlation key echoed back by the server and
// used to reconcile the optimistic local copy.
func (c *Client) SubmitMessage(ctx context.Context, sessionID, text, key string) (*SubmitResult, error) {
	req := map[string]any{
		"key": key,
		"parts": []map[string]any{
			{"type": "text", "text": text},
		},
	}
	var result SubmitResult
	if err := c.doJSON(ctx, http.MethodPost, c.sessionURL(sessionID, "/message"), req, &result); err != nil {
		return nil, fmt.Errorf("submit message: %w", err)
	}
	return &result, nil
}

// AbortTurn requests cancellation of the session's in-flight turn.
func (c *Client) AbortTurn(ctx context.Context, sessionID string) error {
	if err := c.doJSON(ctx, http.MethodPost, c.sessionURL(sessionID, "/abort"), nil, nil); err != nil {
		return fmt.Errorf("abort turn: %w", err)
	}
	return nil
}

// RespondPermission answers a pending tool-use permission request.
func (c *Client) RespondPermission(ctx context.Context, sessionID, requestID string, decision Decision) error {
	req := map[string]string{"response": string(decision)}
	rawURL := c.sessionURL(sessionID, "/permissions/"+url.PathEscape(requestID))
	if err := c.doJSON(ctx, http.MethodPost, rawURL, req, nil); err != nil {
		return fmt.Errorf("respond permission: %w", err)
	}
	return nil
}

// RevertMessage discards server-side file changes made after the given
// message. The caller must reload the transcript afterwards; revert has no
// pure in-memory representation.
func (c *Client) RevertMessage(ctx context.Context, sessionID, messageID string) error {
	req := map[string]string{"messageID": messageID}
	if err := c.doJSON(ctx, http.MethodPost, c.sessionURL(sessionID, "/revert"), req, nil); err != nil {
		return fmt.Errorf("revert message: %w", err)
	}
	return nil
}

// UnrevertSession restores the most recently reverted state.
func (c *Client) UnrevertSession(ctx context.Context, sessionID string) error {
	if err := c.doJSON(ctx, http.MethodPost, c.sessionURL(sessionID, "/unrevert"), nil, nil); err != nil {
		return fmt.Errorf("unrevert session: %w", err)
	}
	return nil
}
