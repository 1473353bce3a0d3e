package protocol

// ===== MESSAGES & CONVERSATIONS =====

// Message is the JSON form of a chat message. Body holds envelope text;
// the server never sees plaintext.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	Sender         Fingerprint   `json:"sender"`
	Body           string        `json:"body"`
	Timestamp      int64         `json:"timestamp"`           // Unix millis
	ExpiresAt      int64         `json:"expiresAt,omitempty"` // Unix millis, 0 = never
	ReadBy         []Fingerprint `json:"readBy,omitempty"`
	RKey           string        `json:"rkey,omitempty"`
}

// Expired reports whether the message has passed its expiry at nowMillis.
func (m *Message) Expired(nowMillis int64) bool {
	return m.ExpiresAt > 0 && nowMillis >= m.ExpiresAt
}

// IsReadBy reports whether fp appears in the read-by set.
func (m *Message) IsReadBy(fp Fingerprint) bool {
	for _, r := range m.ReadBy {
		if r == fp {
			return true
		}
	}
	return false
}

// MessageSummary is the "latest message" preview kept on a conversation.
type MessageSummary struct {
	ID        string      `json:"id"`
	Sender    Fingerprint `json:"sender"`
	Timestamp int64       `json:"timestamp"`
}

// Conversation represents a conversation thread as seen by one identity.
type Conversation struct {
	ID           string          `json:"id"`
	Participants []Fingerprint   `json:"participants"`
	Latest       *MessageSummary `json:"latest,omitempty"`
	UnreadCount  int             `json:"unreadCount"`
}

// HasParticipant reports whether fp takes part in the conversation.
func (c *Conversation) HasParticipant(fp Fingerprint) bool {
	for _, p := range c.Participants {
		if p == fp {
			return true
		}
	}
	return false
}

// ===== IDENTITIES & PROFILE =====

// Identity is a key-bearing entity registered with the backend.
type Identity struct {
	ID          string      `json:"id"`
	AccountID   string      `json:"accountId"`
	Fingerprint Fingerprint `json:"fingerprint"`
	Label       string      `json:"label"`
	Restricted  bool        `json:"restricted,omitempty"`
	CreatedAt   int64       `json:"createdAt,omitempty"`
}

// Profile is the user profile refreshed through the single-flight path.
type Profile struct {
	UserID      string `json:"userId"`
	AccountID   string `json:"accountId"`
	DisplayName string `json:"displayName"`
	UpdatedAt   int64  `json:"updatedAt"`
}
