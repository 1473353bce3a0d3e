package network

import (
	"fmt"
	"net/url"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

// Session scopes a connection.
type Session struct {
	BaseURL        string // backend http(s) base URL
	ConversationID string
	AccountID      string
	UserID         string
	APIKey         string
}

// BuildURL derives the websocket address of a conversation from the
// backend base URL: http becomes ws and https becomes wss.
func BuildURL(s Session, token string) (string, error) {
	if s.ConversationID == "" {
		return "", fmt.Errorf("%w: missing conversation id", protocol.ErrValidation)
	}
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return "", fmt.Errorf("%w: base url: %v", protocol.ErrValidation, err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", protocol.ErrValidation, u.Scheme)
	}

	u = u.JoinPath("ws", s.ConversationID)

	q := url.Values{}
	q.Set("account_id", s.AccountID)
	q.Set("user_id", s.UserID)
	q.Set("auth_token", token)
	q.Set("x_api_key", s.APIKey)
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}
