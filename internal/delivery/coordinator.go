// Package delivery owns the message lifecycle. It persists new messages,
// decides whether a message can be pushed to its receiver immediately or has
// to wait for the receiver's next connect, flushes that backlog on connect,
// and relays delivery and read acknowledgements back to senders.
//
// Every status change goes through chat.Store.UpdateMessageStatus, which only
// advances a message and reports whether this caller performed the change.
// A push that claims a status is sent only after, and only by the caller
// whose store write advanced it.
package delivery

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/presence"
	"github.com/whisper/relay/internal/protocol"
)

// Coordinator runs the SENT -> DELIVERED -> READ state machine on top of a
// chat.Store and a presence.Registry.
type Coordinator struct {
	store       chat.Store
	registry    *presence.Registry
	broadcaster presence.Broadcaster
	forwarder   Forwarder
	users       *userLocks
	drains      *drainSet
	now         func() time.Time
}

// NewCoordinator creates a Coordinator. A nil broadcaster announces presence
// changes to the registry's own connections.
func NewCoordinator(store chat.Store, registry *presence.Registry, broadcaster presence.Broadcaster) *Coordinator {
	if broadcaster == nil {
		broadcaster = presence.NewLocalBroadcaster(registry)
	}
	return &Coordinator{
		store:       store,
		registry:    registry,
		broadcaster: broadcaster,
		users:       newUserLocks(),
		drains:      newDrainSet(),
		now:         time.Now,
	}
}

// SetForwarder hands events for users who are not connected to this node to
// f. It must be called before the coordinator is used.
func (c *Coordinator) SetForwarder(f Forwarder) {
	c.forwarder = f
}

// Outgoing is a message a client asked to send.
type Outgoing struct {
	SenderID   string
	ChatID     string
	ReceiverID string
	Content    string
}

// Submit validates and persists an outgoing message, echoes it to the
// sender's connection, and pushes it to the receiver if the receiver is
// connected. origin is the connection the request arrived on; when nil the
// sender's registered connection is used.
func (c *Coordinator) Submit(ctx context.Context, origin presence.Conn, out Outgoing) (*chat.Message, error) {
	if out.SenderID == "" || out.ChatID == "" || out.ReceiverID == "" || out.Content == "" {
		return nil, invalid("chatId, receiverId and content are required")
	}
	if out.SenderID == out.ReceiverID {
		return nil, invalid("cannot send a message to yourself")
	}
	if err := chat.ValidateContent(out.Content); err != nil {
		return nil, invalid("%v", err)
	}

	ch, err := c.store.GetChat(ctx, out.ChatID)
	if err != nil {
		return nil, storeFailure("get chat", err)
	}
	if ch == nil {
		return nil, invalid("chat %s does not exist", out.ChatID)
	}
	if !ch.HasPair(out.SenderID, out.ReceiverID) {
		return nil, denied("chat %s is not between %s and %s", out.ChatID, out.SenderID, out.ReceiverID)
	}

	msg, err := c.store.CreateMessage(ctx, out.ChatID, out.SenderID, out.ReceiverID, out.Content)
	if err != nil {
		return nil, storeFailure("create message", err)
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	if err := c.store.TouchChat(ctx, out.ChatID, msg.ID); err != nil {
		log.Printf("[delivery] touch chat=%s message=%s: %v", out.ChatID, msg.ID, err)
	}

	if origin == nil {
		origin, _ = c.registry.Lookup(out.SenderID)
	}
	c.push(origin, out.SenderID, protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{Message: *msg})

	c.deliverNow(ctx, msg, origin)
	return msg, nil
}

// deliverNow pushes msg to its receiver if the receiver is connected right
// now. A slot in the receiver's outbound queue is claimed before the status
// is written, so a message that cannot be queued stays SENT. A full queue
// hands the backlog to a background drain.
func (c *Coordinator) deliverNow(ctx context.Context, msg *chat.Message, senderConn presence.Conn) {
	conn, ok := c.registry.Lookup(msg.ReceiverID)
	if !ok {
		c.forward(ctx, msg.ReceiverID, ForwardPending, msg.ID)
		return
	}
	if c.drains.running(conn) {
		// Keep creation order behind the backlog already waiting.
		c.drain(msg.ReceiverID, conn)
		return
	}

	sl, err := presence.TryReserve(conn)
	if err != nil {
		if errors.Is(err, presence.ErrQueueFull) {
			c.drain(msg.ReceiverID, conn)
			return
		}
		log.Printf("[delivery] receiver=%s unavailable for message=%s: %v", msg.ReceiverID, msg.ID, err)
		return
	}
	if _, err := c.deliver(ctx, msg.ID, sl, senderConn); err != nil {
		log.Printf("[delivery] mark delivered message=%s: %v", msg.ID, err)
	}
}

// deliver advances messageID to DELIVERED and queues it through sl. sl is
// released when the store write fails or another caller got there first.
// It reports whether this call delivered the message.
func (c *Coordinator) deliver(ctx context.Context, messageID string, sl presence.Slot, senderConn presence.Conn) (bool, error) {
	updated, advanced, err := c.store.UpdateMessageStatus(ctx, messageID, chat.StatusDelivered)
	if err != nil {
		sl.Release()
		return false, err
	}
	if !advanced {
		sl.Release()
		return false, nil
	}
	metrics.MessagesTotal.WithLabelValues("delivered").Inc()

	if err := sl.Push(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{Message: *updated}); err != nil {
		log.Printf("[delivery] push %s to user=%s failed: %v", protocol.TypeReceiveMessage, updated.ReceiverID, err)
	}
	c.notify(ctx, updated.SenderID, senderConn, ForwardDelivered, updated.ID, protocol.TypeMessageDelivered, protocol.MessageDeliveredMsg{
		MessageID: updated.ID,
		ChatID:    updated.ChatID,
	})
	return true, nil
}

// OnConnect registers conn as userID's live connection, delivers every
// message still SENT to the user in creation order, and announces the user
// as online. It returns the number of messages delivered by the flush. A
// backlog larger than the connection's free queue space is delivered in the
// background as the client drains its queue.
func (c *Coordinator) OnConnect(ctx context.Context, userID string, conn presence.Conn) (int, error) {
	if userID == "" || conn == nil {
		return 0, invalid("connect requires a user and a connection")
	}

	unlock := c.users.lock(userID)
	defer unlock()

	if prev := c.registry.Register(userID, conn); prev != nil {
		log.Printf("[delivery] user=%s reconnected, previous connection superseded", userID)
	}

	if err := c.store.SetUserReachability(ctx, userID, true, c.now()); err != nil {
		log.Printf("[delivery] set user=%s online: %v", userID, err)
	}

	delivered, full, err := c.flush(ctx, userID, conn, presence.TryReserve)
	metrics.FlushMessages.Observe(float64(delivered))
	if full {
		c.drain(userID, conn)
	}

	c.broadcaster.Announce(userID, true)
	return delivered, err
}

// flush delivers userID's SENT messages to conn in creation order, claiming
// a queue slot with reserve before each status write. full reports that it
// stopped early because conn's queue had no room.
func (c *Coordinator) flush(ctx context.Context, userID string, conn presence.Conn, reserve func(presence.Conn) (presence.Slot, error)) (delivered int, full bool, err error) {
	pending, err := c.store.MessagesByReceiverAndStatus(ctx, userID, chat.StatusSent)
	if err != nil {
		return 0, false, storeFailure("pending messages", err)
	}

	var firstErr error
	for _, msg := range pending {
		sl, rerr := reserve(conn)
		if rerr != nil {
			if errors.Is(rerr, presence.ErrQueueFull) {
				full = true
			} else {
				log.Printf("[delivery] flush user=%s stopped: %v", userID, rerr)
			}
			break
		}

		ok, uerr := c.deliver(ctx, msg.ID, sl, nil)
		if uerr != nil {
			log.Printf("[delivery] flush user=%s message=%s: %v", userID, msg.ID, uerr)
			if firstErr == nil {
				firstErr = storeFailure("mark delivered", uerr)
			}
			continue
		}
		if ok {
			delivered++
		}
	}

	if delivered > 0 {
		log.Printf("[delivery] flushed %d pending message(s) to user=%s", delivered, userID)
	}
	return delivered, full, firstErr
}

// MarkRead moves a message to READ on behalf of its receiver and tells the
// sender if the sender is connected. It reports whether this call changed
// the status; marking an already-read message is not an error.
func (c *Coordinator) MarkRead(ctx context.Context, readerID, messageID, chatID string) (bool, error) {
	if readerID == "" || messageID == "" || chatID == "" {
		return false, invalid("messageId and chatId are required")
	}

	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return false, storeFailure("get message", err)
	}
	if msg == nil {
		return false, notFound("message %s", messageID)
	}

	ch, err := c.store.GetChat(ctx, chatID)
	if err != nil {
		return false, storeFailure("get chat", err)
	}
	if ch == nil {
		return false, notFound("chat %s", chatID)
	}
	if !ch.IsParticipant(readerID) {
		return false, denied("user %s is not in chat %s", readerID, chatID)
	}
	if msg.ChatID != chatID {
		return false, denied("message %s does not belong to chat %s", messageID, chatID)
	}
	if msg.ReceiverID != readerID {
		return false, denied("only the receiver can mark message %s read", messageID)
	}

	if msg.Status == chat.StatusRead {
		return false, nil
	}

	updated, advanced, err := c.store.UpdateMessageStatus(ctx, messageID, chat.StatusRead)
	if err != nil {
		return false, storeFailure("mark read", err)
	}
	if !advanced {
		return false, nil
	}
	metrics.MessagesTotal.WithLabelValues("read").Inc()

	c.notify(ctx, updated.SenderID, nil, ForwardRead, updated.ID, protocol.TypeMessageRead, protocol.MessageReadMsg{
		MessageID: updated.ID,
		ChatID:    updated.ChatID,
	})
	return true, nil
}

// OnDisconnect removes conn from the registry, records the user's last-seen
// time and announces the user as offline. A connection that was already
// superseded by a newer one for the same user changes nothing.
func (c *Coordinator) OnDisconnect(ctx context.Context, userID string, conn presence.Conn) error {
	unlock := c.users.lock(userID)
	defer unlock()

	if !c.registry.Unregister(userID, conn) {
		log.Printf("[delivery] user=%s stale connection closed, presence unchanged", userID)
		return nil
	}

	var result error
	if err := c.store.SetUserReachability(ctx, userID, false, c.now()); err != nil {
		log.Printf("[delivery] set user=%s offline: %v", userID, err)
		result = storeFailure("set reachability", err)
	}

	c.broadcaster.Announce(userID, false)
	return result
}

// notify pushes an acknowledgement to userID's connection: conn when given,
// otherwise the registered one. A user connected elsewhere gets it forwarded.
func (c *Coordinator) notify(ctx context.Context, userID string, conn presence.Conn, kind, messageID, event string, payload interface{}) {
	if conn == nil {
		var ok bool
		if conn, ok = c.registry.Lookup(userID); !ok {
			c.forward(ctx, userID, kind, messageID)
			return
		}
	}
	c.push(conn, userID, event, payload)
}

// push is fire-and-forget: a failed push is logged and otherwise ignored.
// The store already holds the state the push announces.
func (c *Coordinator) push(conn presence.Conn, userID, event string, payload interface{}) {
	if conn == nil {
		return
	}
	if err := conn.Push(event, payload); err != nil {
		log.Printf("[delivery] push %s to user=%s failed: %v", event, userID, err)
	}
}
