// Package loqui implements the message synchronisation and
// status-reconciliation engine of the Loqui chat client.
//
// The engine merges paginated history fetched over HTTP with a live push
// event stream, keeps per-conversation unread counters correct, derives
// aggregate delivery/read status for group messages from per-recipient
// status vectors, and applies end-to-end content encryption on send and
// decryption at render time.
//
// Example:
//
//	client := loqui.NewClient("https://chat.example.com", token)
//	engine := loqui.NewEngine(loqui.EngineConfig{
//		SelfID:  "user-42",
//		Key:     contentKey,
//		Backend: client,
//	})
//
//	rt := loqui.NewRealtimeClient("https://chat.example.com", loqui.RealtimeConfig{Token: token})
//	engine.Bind(rt)
//	rt.Connect(ctx)
//
//	engine.OpenConversation(ctx, loqui.KindPersonal, "user-7")
//	engine.SendMessage(ctx, "hello")
package loqui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultPageSize is the history page length requested when the caller
	// does not choose one.
	DefaultPageSize = 20

	defaultTimeout = 30 * time.Second
)

// ============================================================================
// Errors
// ============================================================================

// FetchError wraps a failed history or search fetch. The engine leaves prior
// state intact on fetch failure; Retryable tells the embedding UI whether
// offering a retry makes sense.
type FetchError struct {
	Key string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch for %q failed: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether retrying the same fetch can succeed. Transport
// failures and 5xx server errors are transient; a 4xx-class rejection is not.
func (e *FetchError) Retryable() bool {
	var apiErr *APIError
	if !errors.As(e.Err, &apiErr) {
		return true
	}
	return strings.HasPrefix(apiErr.Code, "5")
}

// ============================================================================
// Client
// ============================================================================

// Backend is the request/response surface the engine needs from the chat
// API server. *Client is the production implementation.
type Backend interface {
	History(ctx context.Context, kind ConversationKind, key string, page, limit int) (*HistoryPage, error)
	SearchMessages(ctx context.Context, query string, scope SearchScope) ([]Message, error)
	Contacts(ctx context.Context) ([]Contact, error)
	Groups(ctx context.Context, userID string) ([]Group, error)
}

// Client is the HTTP backend client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithClientLogger sets the client's logger.
func WithClientLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a backend client for baseURL authenticating with the
// given bearer token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken updates the bearer token, used after a session refresh.
func (c *Client) SetToken(token string) { c.token = token }

func (c *Client) get(ctx context.Context, path string, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var envelope struct {
			Error *APIError `json:"error,omitempty"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil {
			return nil, envelope.Error
		}
		return nil, &APIError{Code: strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	}
	return body, nil
}

// ============================================================================
// History and search
// ============================================================================

// History fetches one page of conversation history, oldest page number 1.
func (c *Client) History(ctx context.Context, kind ConversationKind, key string, page, limit int) (*HistoryPage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	path := "/message/conversation/" + url.PathEscape(key)
	if kind == KindGroup {
		path = "/message/group/" + url.PathEscape(key)
	}

	body, err := c.get(ctx, path, map[string]string{
		"page":  strconv.Itoa(page),
		"limit": strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}

	var resp historyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	out := &HistoryPage{}
	if resp.Pagination != nil {
		out.HasNext = resp.Pagination.HasNext
	}
	for _, raw := range resp.Data {
		m, ok := decodePayload(raw)
		if !ok {
			continue
		}
		msg, ok := decodeWireMessage(m)
		if !ok {
			c.log.Warn("skipping history entry without id")
			continue
		}
		if msg.ConversationKey == "" {
			msg.ConversationKey = key
		}
		out.Messages = append(out.Messages, msg)
	}
	return out, nil
}

// SearchMessages runs a backend full-text search scoped to one conversation.
func (c *Client) SearchMessages(ctx context.Context, query string, scope SearchScope) ([]Message, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	q := map[string]string{"query": query}
	switch scope.Kind {
	case KindGroup:
		q["type"] = "group"
		q["groupId"] = scope.Key
	default:
		q["type"] = "direct"
		q["userId"] = scope.Key
	}

	body, err := c.get(ctx, "/message/search", q)
	if err != nil {
		return nil, err
	}

	var resp historyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode search: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var matches []Message
	for _, raw := range resp.Data {
		m, ok := decodePayload(raw)
		if !ok {
			continue
		}
		if msg, ok := decodeWireMessage(m); ok {
			if msg.ConversationKey == "" {
				msg.ConversationKey = scope.Key
			}
			matches = append(matches, msg)
		}
	}
	return matches, nil
}

// ============================================================================
// Users and groups
// ============================================================================

// Contacts fetches the registered user list.
func (c *Client) Contacts(ctx context.Context) ([]Contact, error) {
	body, err := c.get(ctx, "/users", nil)
	if err != nil {
		return nil, err
	}

	var resp usersResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var out []Contact
	for _, raw := range resp.Data {
		m, ok := decodePayload(raw)
		if !ok {
			continue
		}
		id, ok := stringField(m, "id", "_id", "userId")
		if !ok {
			continue
		}
		contact := Contact{ID: id}
		contact.Username, _ = stringField(m, "username", "name")
		contact.DisplayName, _ = stringField(m, "displayName", "display_name")
		if online, ok := boolField(m, "isOnline", "online", "status"); ok {
			contact.Online = online
		}
		if t, ok := timeField(m, "lastSeen", "lastSeenAt", "last_seen"); ok {
			contact.LastSeen = &t
		}
		out = append(out, contact)
	}
	return out, nil
}

// Groups fetches the groups the given user belongs to.
func (c *Client) Groups(ctx context.Context, userID string) ([]Group, error) {
	body, err := c.get(ctx, "/users/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, err
	}

	var resp userDetailResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode user detail: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Data.Groups, nil
}
