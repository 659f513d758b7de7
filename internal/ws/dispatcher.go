package ws

import (
	"errors"
	"log"

	"github.com/whisper/relay/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client event.
// The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g., protocol.SendMessageMsg).
type MessageHandler func(conn *Connection, msgType string, msg interface{})

// MessageDispatcher routes incoming WebSocket events to registered handlers
// based on the event type. It answers the application-level ping itself and
// sends structured error responses for malformed or unsupported events.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with an event type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed event, handles ping internally, and routes all other types to
// the registered handler. Parse errors and unregistered types result in an
// error event sent back to the client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error session=%s user=%s: %v", conn.ID, conn.UserID(), err)
		if errors.Is(err, protocol.ErrUnknownType) {
			d.sendError(conn, "unsupported_type", "unsupported message type")
			return
		}
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q session=%s", msgType, conn.ID)
		d.sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msgType, msg)
}

// sendError queues a structured error event for the client. Failures are
// logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	if err := conn.Push(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	}); err != nil {
		log.Printf("ws: failed to send error message session=%s: %v", conn.ID, err)
	}
}

// sendPong answers a client ping and records the activity.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()
	if err := conn.Push(protocol.TypePong, protocol.PongMsg{}); err != nil {
		log.Printf("ws: failed to send pong message session=%s: %v", conn.ID, err)
	}
}
