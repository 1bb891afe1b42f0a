package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Canonical identifiers
// ---------------------------------------------------------------------------

// UserID is the canonical user identifier. The backend is inconsistent about
// whether ids arrive as JSON strings or numbers, so the type normalizes both
// at decode time. Comparisons anywhere above the wire layer are plain ==.
type UserID string

// MessageID is the canonical server-assigned message identifier. Identifiers
// are monotonic per conversation, which makes them usable as the secondary
// sort key for messages that share a timestamp.
type MessageID string

// ConversationID is the canonical conversation identifier.
type ConversationID string

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (id *UserID) UnmarshalJSON(data []byte) error {
	s, err := flexString(data)
	if err != nil {
		return fmt.Errorf("protocol: user id: %w", err)
	}
	*id = UserID(s)
	return nil
}

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (id *MessageID) UnmarshalJSON(data []byte) error {
	s, err := flexString(data)
	if err != nil {
		return fmt.Errorf("protocol: message id: %w", err)
	}
	*id = MessageID(s)
	return nil
}

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (id *ConversationID) UnmarshalJSON(data []byte) error {
	s, err := flexString(data)
	if err != nil {
		return fmt.Errorf("protocol: conversation id: %w", err)
	}
	*id = ConversationID(s)
	return nil
}

// flexString decodes a JSON string or number into its string form.
func flexString(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return "", nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return "", fmt.Errorf("expected string or number, got %s", data)
	}
	return n.String(), nil
}

// ---------------------------------------------------------------------------
// Wire models
// ---------------------------------------------------------------------------

// Message is a single chat utterance as it appears on the wire, from either
// the history endpoint or a live push. The backend serves both camelCase and
// snake_case field names depending on the code path, so decoding goes through
// a custom unmarshaler that accepts either spelling.
type Message struct {
	ID             MessageID
	ConversationID ConversationID
	SenderID       UserID
	SenderName     string
	Content        string
	CorrelationID  string
	CreatedAt      time.Time
	ReadAt         *time.Time
}

// wireMessage mirrors Message with every field-name variant the backend emits.
type wireMessage struct {
	ID              MessageID      `json:"id"`
	ConversationID  ConversationID `json:"conversationId"`
	ConversationID2 ConversationID `json:"conversation_id"`
	SenderID        UserID         `json:"senderId"`
	SenderID2       UserID         `json:"sender_id"`
	SenderName      string         `json:"senderName"`
	SenderName2     string         `json:"sender_name"`
	Content         string         `json:"content"`
	CorrelationID   string         `json:"correlationId"`
	CreatedAt       *time.Time     `json:"createdAt"`
	CreatedAt2      *time.Time     `json:"created_at"`
	ReadAt          *time.Time     `json:"readAt"`
	ReadAt2         *time.Time     `json:"read_at"`
}

// UnmarshalJSON decodes a message, preferring camelCase fields and falling
// back to their snake_case spellings.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("protocol: decode message: %w", err)
	}

	m.ID = w.ID
	m.ConversationID = pick(w.ConversationID, w.ConversationID2)
	m.SenderID = pick(w.SenderID, w.SenderID2)
	m.SenderName = pick(w.SenderName, w.SenderName2)
	m.Content = w.Content
	m.CorrelationID = w.CorrelationID
	if w.CreatedAt != nil {
		m.CreatedAt = *w.CreatedAt
	} else if w.CreatedAt2 != nil {
		m.CreatedAt = *w.CreatedAt2
	}
	m.ReadAt = w.ReadAt
	if m.ReadAt == nil {
		m.ReadAt = w.ReadAt2
	}
	return nil
}

// MarshalJSON always emits the camelCase spelling.
func (m Message) MarshalJSON() ([]byte, error) {
	out := struct {
		ID             MessageID      `json:"id"`
		ConversationID ConversationID `json:"conversationId"`
		SenderID       UserID         `json:"senderId"`
		SenderName     string         `json:"senderName,omitempty"`
		Content        string         `json:"content"`
		CorrelationID  string         `json:"correlationId,omitempty"`
		CreatedAt      time.Time      `json:"createdAt"`
		ReadAt         *time.Time     `json:"readAt,omitempty"`
	}{m.ID, m.ConversationID, m.SenderID, m.SenderName, m.Content, m.CorrelationID, m.CreatedAt, m.ReadAt}
	return json.Marshal(out)
}

func pick[T ~string](a, b T) T {
	if a != "" {
		return a
	}
	return b
}

// User is a public user profile as returned by the search and conversation
// endpoints.
type User struct {
	ID        UserID `json:"id"`
	FullName  string `json:"full_name"`
	UserType  string `json:"user_type"` // "client" | "freelancer"
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Conversation is a message thread summary as returned by the conversations
// endpoints: the other participant, a last-message snapshot, and the unread
// count for the viewing user.
type Conversation struct {
	ID          ConversationID `json:"id"`
	OtherUser   User           `json:"otherUser"`
	LastMessage *Message       `json:"lastMessage,omitempty"`
	UnreadCount int            `json:"unreadCount"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}
