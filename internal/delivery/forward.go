package delivery

import (
	"context"
	"errors"
	"log"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/presence"
	"github.com/whisper/relay/internal/protocol"
)

// Kinds of events forwarded between nodes.
const (
	ForwardPending   = "pending"   // a message waits for a receiver on another node
	ForwardDelivered = "delivered" // tell a sender on another node its message arrived
	ForwardRead      = "read"      // tell a sender on another node its message was read
)

// Forwarder passes an event about messageID to the node userID is connected
// to, if any. Forward must not block on the network for long; lost forwards
// are recovered by the next connect flush.
type Forwarder interface {
	Forward(ctx context.Context, userID, kind, messageID string)
}

func (c *Coordinator) forward(ctx context.Context, userID, kind, messageID string) {
	if c.forwarder == nil {
		return
	}
	c.forwarder.Forward(ctx, userID, kind, messageID)
}

// Apply handles an event another node forwarded for userID. The store is
// re-read, so a stale or duplicated forward changes nothing. A forwarded
// event is never forwarded on again.
func (c *Coordinator) Apply(ctx context.Context, userID, kind, messageID string) error {
	conn, ok := c.registry.Lookup(userID)
	if !ok {
		return nil
	}

	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return storeFailure("get message", err)
	}
	if msg == nil {
		return notFound("message %s", messageID)
	}

	switch kind {
	case ForwardPending:
		if msg.ReceiverID != userID || msg.Status != chat.StatusSent {
			return nil
		}
		if c.drains.running(conn) {
			c.drain(userID, conn)
			return nil
		}
		sl, err := presence.TryReserve(conn)
		if err != nil {
			if errors.Is(err, presence.ErrQueueFull) {
				c.drain(userID, conn)
			}
			return nil
		}
		if _, err := c.deliver(ctx, msg.ID, sl, nil); err != nil {
			return storeFailure("mark delivered", err)
		}
	case ForwardDelivered:
		if msg.SenderID != userID || msg.Status < chat.StatusDelivered {
			return nil
		}
		c.push(conn, userID, protocol.TypeMessageDelivered, protocol.MessageDeliveredMsg{
			MessageID: msg.ID,
			ChatID:    msg.ChatID,
		})
	case ForwardRead:
		if msg.SenderID != userID || msg.Status < chat.StatusRead {
			return nil
		}
		c.push(conn, userID, protocol.TypeMessageRead, protocol.MessageReadMsg{
			MessageID: msg.ID,
			ChatID:    msg.ChatID,
		})
	default:
		log.Printf("[delivery] unknown forwarded event kind=%q user=%s", kind, userID)
	}
	return nil
}
