// Package backend is the REST client for the conversation server.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

const (
	APIPrefix      = "/api/v1"
	DefaultTimeout = 15 * time.Second

	// maxResponseSize bounds how much of a response body is read.
	maxResponseSize = 8 << 20
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeValidation = "validation"
	CodeAuth       = "auth"
	CodeCapacity   = "capacity"
	CodeNotFound   = "not_found"
	CodeForbidden  = "forbidden"
	CodeConflict   = "conflict"
	CodeInternal   = "internal"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	ErrConflict  = errors.New("conflict")
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// APIError is returned for non-2xx responses. It unwraps to the matching
// protocol error kind or package sentinel.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case CodeValidation:
		return protocol.ErrValidation
	case CodeAuth:
		return protocol.ErrAuth
	case CodeCapacity:
		return protocol.ErrCapacity
	case CodeNotFound:
		return ErrNotFound
	case CodeForbidden:
		return ErrForbidden
	case CodeConflict:
		return ErrConflict
	}
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return protocol.ErrAuth
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode >= 500:
		return protocol.ErrConnection
	}
	return nil
}

// SessionRequest asks for a session token.
type SessionRequest struct {
	AccountID string `json:"account_id"`
	UserID    string `json:"user_id"`
}

// SessionResponse carries a session token.
type SessionResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// ProfileRequest updates the session user's profile.
type ProfileRequest struct {
	DisplayName string `json:"displayName"`
}

// CreateConversationRequest opens a conversation.
type CreateConversationRequest struct {
	ID           string                 `json:"id,omitempty"`
	Participants []protocol.Fingerprint `json:"participants"`
}

// Config configures a Client.
type Config struct {
	BaseURL   string
	APIKey    string
	AccountID string
	UserID    string

	// Token returns the bearer token for authenticated calls. Nil sends
	// only the API key.
	Token func(ctx context.Context) (string, error)

	HTTPClient *http.Client
}

// Client talks to the REST backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	mu        sync.RWMutex
	accountID string
	userID    string
	token     func(ctx context.Context) (string, error)
}

func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: bad backend url %q", protocol.ErrValidation, cfg.BaseURL)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		accountID:  cfg.AccountID,
		userID:     cfg.UserID,
		token:      cfg.Token,
		httpClient: cfg.HTTPClient,
	}, nil
}

// SetTokenSource sets the bearer token provider.
func (c *Client) SetTokenSource(token func(ctx context.Context) (string, error)) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// SetAccount changes the account that new sessions are requested for.
func (c *Client) SetAccount(accountID string) {
	c.mu.Lock()
	c.accountID = accountID
	c.mu.Unlock()
}

// SetUser changes the user that new sessions are requested for.
func (c *Client) SetUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Session obtains a new session token using the API key.
func (c *Client) Session(ctx context.Context) (string, error) {
	var resp SessionResponse
	c.mu.RLock()
	req := SessionRequest{AccountID: c.accountID, UserID: c.userID}
	c.mu.RUnlock()
	if err := c.do(ctx, http.MethodPost, "/session", nil, false, req, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// ===== IDENTITIES =====

func (c *Client) ListIdentities(ctx context.Context) ([]protocol.Identity, error) {
	var ids []protocol.Identity
	err := c.do(ctx, http.MethodGet, "/identities", nil, true, nil, &ids)
	return ids, err
}

func (c *Client) RegisterIdentity(ctx context.Context, id *protocol.Identity) (*protocol.Identity, error) {
	var created protocol.Identity
	if err := c.do(ctx, http.MethodPost, "/identities", nil, true, id, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) DeleteIdentity(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/identities/"+url.PathEscape(id), nil, true, nil, nil)
}

// ===== PROFILE =====

func (c *Client) Profile(ctx context.Context) (*protocol.Profile, error) {
	var p protocol.Profile
	if err := c.do(ctx, http.MethodGet, "/profile", nil, true, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProfile sets the display name of the session user.
func (c *Client) UpdateProfile(ctx context.Context, displayName string) (*protocol.Profile, error) {
	var p protocol.Profile
	body := ProfileRequest{DisplayName: displayName}
	if err := c.do(ctx, http.MethodPut, "/profile", nil, true, body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ===== CONVERSATIONS & MESSAGES =====

func identityQuery(identity string) url.Values {
	return url.Values{"identity": []string{identity}}
}

// FetchConversations lists the conversations visible to identity.
func (c *Client) FetchConversations(ctx context.Context, identity string) ([]protocol.Conversation, error) {
	var convs []protocol.Conversation
	err := c.do(ctx, http.MethodGet, "/conversations", identityQuery(identity), true, nil, &convs)
	return convs, err
}

// CreateConversation opens a conversation on behalf of identity.
func (c *Client) CreateConversation(ctx context.Context, identity string, req CreateConversationRequest) (*protocol.Conversation, error) {
	var conv protocol.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", identityQuery(identity), true, req, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// FetchMessages lists the messages of a conversation.
func (c *Client) FetchMessages(ctx context.Context, identity, conversation string) ([]protocol.Message, error) {
	var msgs []protocol.Message
	path := "/conversations/" + url.PathEscape(conversation) + "/messages"
	err := c.do(ctx, http.MethodGet, path, identityQuery(identity), true, nil, &msgs)
	return msgs, err
}

// CreateMessage stores a message without a live connection.
func (c *Client) CreateMessage(ctx context.Context, identity string, msg *protocol.Message) (*protocol.Message, error) {
	var created protocol.Message
	path := "/conversations/" + url.PathEscape(msg.ConversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, identityQuery(identity), true, msg, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// DeleteMessage deletes a message sent by identity.
func (c *Client) DeleteMessage(ctx context.Context, identity, conversation, messageID string) error {
	path := "/conversations/" + url.PathEscape(conversation) + "/messages/" + url.PathEscape(messageID)
	return c.do(ctx, http.MethodDelete, path, identityQuery(identity), true, nil, nil)
}

// do performs one request. On 2xx the body is decoded into out, if set.
// On 4xx/5xx an *APIError is returned.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, auth bool, body, out any) error {
	requestURL := c.baseURL + APIPrefix + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return fmt.Errorf("backend: failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	c.mu.RLock()
	source := c.token
	c.mu.RUnlock()
	if auth && source != nil {
		token, err := source(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", protocol.ErrConnection, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: failed to read response body: %v", protocol.ErrConnection, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var er ErrorResponse
		if jsonErr := json.Unmarshal(respBody, &er); jsonErr == nil {
			apiErr.Code = er.Code
			apiErr.Message = er.Error
			if er.Message != "" {
				apiErr.Message += ": " + er.Message
			}
		} else {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("backend: failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}
