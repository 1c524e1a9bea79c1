// Package api is a client for the agent portal REST endpoints: agents,
// sessions and chat history.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/inercia/avatalk/internal/auth"
)

// DefaultTimeout bounds every REST call.
const DefaultTimeout = 8 * time.Second

// DefaultHistoryLimit is the number of chats fetched with an agent's detail.
const DefaultHistoryLimit = 40

// NewSessionTitle is the title given to sessions created by the client.
const NewSessionTitle = "New Session"

// Client provides HTTP methods for the portal REST API.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     auth.TokenSource
	logger     *slog.Logger
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
		if d > 0 {
			client.httpClient.Timeout = d
		}
	}
}

// WithTokenSource attaches a bearer token to every request. Requests go out
// unauthenticated when the source has no credential.
func WithTokenSource(ts auth.TokenSource) Option {
	return func(client *Client) {
		client.tokens = ts
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) {
		client.logger = logger
	}
}

// New creates a client for the server at baseURL (e.g. "http://localhost:8000").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
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

// Error is a non-2xx response. Message carries the server's detail or error
// field when the body has one.
type Error struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status of an *Error in err's chain, or 0.
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// errorMessage extracts a human readable message from an error body.
func errorMessage(body []byte) string {
	var payload struct {
		Detail any    `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		switch d := payload.Detail.(type) {
		case string:
			if d != "" {
				return d
			}
		case nil:
		default:
			if b, err := json.Marshal(d); err == nil {
				return string(b)
			}
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200] + "…"
	}
	return msg
}

// do sends one request. in is JSON-encoded when non-nil; out is decoded from
// a 2xx response when non-nil.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		switch {
		case err == nil && tok != "":
			req.Header.Set("Authorization", "Bearer "+tok)
		case err != nil && !errors.Is(err, auth.ErrNoCredential):
			return fmt.Errorf("%s: credential: %w", op, err)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("API call", "op", op, "method", method, "path", path,
		"status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

// CreateSession creates a server-side session for an agent and returns its id.
func (c *Client) CreateSession(ctx context.Context, botID string) (string, error) {
	var s Session
	q := url.Values{"bot_id": {botID}}
	if err := c.do(ctx, "create session", http.MethodPost, "/api/session/create/", q,
		map[string]string{"title": NewSessionTitle}, &s); err != nil {
		return "", err
	}
	if s.SessionID == "" {
		return "", errors.New("create session: no session_id in response")
	}
	return s.SessionID, nil
}

// AgentDetail returns an agent with the most recent chats of a session.
func (c *Client) AgentDetail(ctx context.Context, botID, sessionID string, limit int) (*AgentDetail, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	q := url.Values{
		"bot_id":     {botID},
		"session_id": {sessionID},
		"limit":      {strconv.Itoa(limit)},
	}
	var d AgentDetail
	if err := c.do(ctx, "agent detail", http.MethodGet, "/api/agent/detail/", q, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListAgents returns one page of agents.
func (c *Client) ListAgents(ctx context.Context, limit int, cursor string) (*AgentPage, error) {
	if limit <= 0 {
		limit = 20
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var page AgentPage
	if err := c.do(ctx, "list agents", http.MethodGet, "/api/agent/list/", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// CreateAgent creates an agent.
func (c *Client) CreateAgent(ctx context.Context, req AgentRequest) (*Agent, error) {
	var a Agent
	if err := c.do(ctx, "create agent", http.MethodPost, "/api/agent/create/", nil, req, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAgent returns one agent.
func (c *Client) GetAgent(ctx context.Context, botID string) (*Agent, error) {
	var a Agent
	if err := c.do(ctx, "get agent", http.MethodGet, agentPath(botID), nil, nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAgent replaces an agent's settings.
func (c *Client) UpdateAgent(ctx context.Context, botID string, req AgentRequest) (*Agent, error) {
	var a Agent
	if err := c.do(ctx, "update agent", http.MethodPut, agentPath(botID), nil, req, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// DeleteAgent deletes an agent, and its chats when cascadeChats is set.
func (c *Client) DeleteAgent(ctx context.Context, botID string, cascadeChats bool) error {
	q := url.Values{
		"bot_id":        {botID},
		"cascade_chats": {strconv.FormatBool(cascadeChats)},
	}
	return c.do(ctx, "delete agent", http.MethodDelete, "/api/agent/delete/", q, nil, nil)
}

func agentPath(botID string) string {
	return "/api/agent/" + url.PathEscape(botID) + "/"
}
