// Package protocol defines the duplex-channel events exchanged between the
// chat client and the messaging backend, and the canonical identifier types
// shared by the REST and push code paths. All events are serialized as JSON
// and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeJoinConversation  = "join_conversation"
	TypeLeaveConversation = "leave_conversation"
	TypeTyping            = "typing"
	TypeStopTyping        = "stop_typing"
	TypeSendMessage       = "send_message"
	TypeMarkRead          = "mark_read"
	TypePing              = "ping"
)

// Server -> Client event types.
const (
	TypeNewMessage     = "new_message"
	TypeUserTyping     = "user_typing"
	TypeUserStopTyping = "user_stop_typing"
	TypeMessageRead    = "message_read"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw event for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// JoinConversationEvent registers server-side room membership so that pushed
// events for the conversation reach this client.
type JoinConversationEvent struct {
	Type           string         `json:"type"`
	ConversationID ConversationID `json:"conversationId"`
}

// LeaveConversationEvent removes server-side room membership.
type LeaveConversationEvent struct {
	Type           string         `json:"type"`
	ConversationID ConversationID `json:"conversationId"`
}

// TypingEvent announces that the viewer is typing in a conversation.
type TypingEvent struct {
	Type           string         `json:"type"`
	ConversationID ConversationID `json:"conversationId"`
}

// StopTypingEvent announces that the viewer stopped typing.
type StopTypingEvent struct {
	Type           string         `json:"type"`
	ConversationID ConversationID `json:"conversationId"`
}

// SendMessageEvent submits a new message. CorrelationID is a client-generated
// id carried through the round trip so the server echo can be matched against
// the optimistic local entry.
type SendMessageEvent struct {
	Type           string         `json:"type"`
	ConversationID ConversationID `json:"conversationId"`
	Content        string         `json:"content"`
	MessageType    string         `json:"messageType"`
	CorrelationID  string         `json:"correlationId"`
}

// MarkReadEvent emits a read receipt for a single message.
type MarkReadEvent struct {
	Type      string    `json:"type"`
	MessageID MessageID `json:"messageId"`
}

// PingEvent is a client-initiated keepalive ping.
type PingEvent struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// NewMessageEvent delivers a pushed message. The message may belong to any
// conversation the client has joined, not only the currently open one.
type NewMessageEvent struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// UserTypingEvent relays that a user started (or refreshed) typing.
type UserTypingEvent struct {
	Type           string         `json:"type"`
	ConversationID ConversationID `json:"conversationId"`
	UserID         UserID         `json:"userId"`
}

// UserStopTypingEvent relays that a user stopped typing. Delivery is not
// guaranteed; consumers must age typing state out on their own.
type UserStopTypingEvent struct {
	Type           string         `json:"type"`
	ConversationID ConversationID `json:"conversationId"`
	UserID         UserID         `json:"userId"`
}

// MessageReadEvent relays that the remote peer read a message the viewer sent.
type MessageReadEvent struct {
	Type      string    `json:"type"`
	MessageID MessageID `json:"messageId"`
	ReaderID  UserID    `json:"readerId"`
	ReadAt    time.Time `json:"readAt"`
}

// ErrorEvent communicates a server-side error condition.
type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongEvent is the server's response to a client ping.
type PongEvent struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerEvent parses raw WebSocket bytes into a typed server event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// client-only event types.
func ParseServerEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		evt interface{}
		err error
	)

	switch env.Type {
	case TypeNewMessage:
		var e NewMessageEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypeUserTyping:
		var e UserTypingEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypeUserStopTyping:
		var e UserStopTypingEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypeMessageRead:
		var e MessageReadEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypeError:
		var e ErrorEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	case TypePong:
		var e PongEvent
		err = json.Unmarshal(env.Raw, &e)
		evt = e
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, evt, nil
}

// NewClientEvent creates a JSON-encoded byte slice for a client event.
// The evtType is injected into the payload under the "type" key. The payload
// should be one of the client event structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewClientEvent(evtType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = evtType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal client event: %w", err)
	}
	return out, nil
}
