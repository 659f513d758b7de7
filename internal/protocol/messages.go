// Package protocol defines the WebSocket events exchanged between relay
// clients and the server. All events are JSON objects with a "type"
// discriminator; the remaining fields depend on the type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/whisper/relay/internal/chat"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeSendMessage  = "sendMessage"
	TypeMessageRead  = "messageRead" // also echoed server -> client to the sender
	TypeOpenChat     = "openChat"
	TypeFetchHistory = "fetchHistory"
	TypePing         = "ping"
)

// Server -> Client event types.
const (
	TypeSessionReady     = "sessionReady"
	TypeReceiveMessage   = "receiveMessage"
	TypeMessageDelivered = "messageDelivered"
	TypeUserOnline       = "userOnline"
	TypeUserOffline      = "userOffline"
	TypeChatOpened       = "chatOpened"
	TypeHistory          = "history"
	TypeError            = "error"
	TypePong             = "pong"
)

// ErrUnknownType is returned by ParseClientMessage for a well-formed event
// whose type a client may not send.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

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

// SendMessageMsg asks the server to send content to receiverId in chatId.
type SendMessageMsg struct {
	Type       string `json:"type"`
	ChatID     string `json:"chatId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

// MessageReadMsg acknowledges that the client has read a message. The server
// sends the same shape to the original sender.
type MessageReadMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

// OpenChatMsg asks for the chat between the client and participantId,
// creating it if it does not exist yet.
type OpenChatMsg struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participantId"`
}

// FetchHistoryMsg asks for every message of a chat.
type FetchHistoryMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// SessionReadyMsg is sent once the connection is registered and its backlog
// has been flushed.
type SessionReadyMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// ReceiveMessageMsg carries a full message record. The message fields are
// inlined next to "type".
type ReceiveMessageMsg struct {
	Type string `json:"type"`
	chat.Message
}

// MessageDeliveredMsg tells the sender that a message reached its receiver.
type MessageDeliveredMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

// UserPresenceMsg announces that a user came online or went offline.
type UserPresenceMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// ChatOpenedMsg answers openChat.
type ChatOpenedMsg struct {
	Type string     `json:"type"`
	Chat *chat.Chat `json:"chat"`
}

// HistoryMsg answers fetchHistory.
type HistoryMsg struct {
	Type     string          `json:"type"`
	ChatID   string          `json:"chatId"`
	Messages []*chat.Message `json:"messages"`
}

// ErrorMsg reports a failed operation without closing the connection.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. Unknown and server-only types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageRead:
		var m MessageReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOpenChat:
		var m OpenChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFetchHistory:
		var m FetchHistoryMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server event.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{})
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
