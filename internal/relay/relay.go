// Package relay is the connection lifecycle glue. It turns a live client
// connection and its inbound events into Coordinator operations and turns
// their results and failures into outbound events. No failure here closes the
// connection.
package relay

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/whisper/relay/internal/delivery"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/presence"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/ratelimit"
)

// CodeRateLimited is the error code for a send refused by the rate limiter.
const CodeRateLimited = "rate_limited"

// ErrRateLimited is reported when a user sends faster than the limiter allows.
var ErrRateLimited = errors.New("relay: rate limited")

// Client is an authenticated connection.
type Client interface {
	presence.Conn
	UserID() string
}

// Limiter decides whether an identifier may perform one more action.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Relay dispatches client events to a delivery.Coordinator.
type Relay struct {
	coord   *delivery.Coordinator
	limiter Limiter
	rule    ratelimit.Rule
	timeout time.Duration
}

// New creates a Relay over coord. Each operation runs with a 5 second
// deadline.
func New(coord *delivery.Coordinator) *Relay {
	return &Relay{coord: coord, timeout: 5 * time.Second}
}

// SetLimiter enables rate limiting of sendMessage under rule.
func (r *Relay) SetLimiter(l Limiter, rule ratelimit.Rule) {
	r.limiter = l
	r.rule = rule
}

// Connect registers c, flushes the user's backlog to it and tells the client
// its session is ready. A flush failure is reported to the client; the
// connection stays usable.
func (r *Relay) Connect(ctx context.Context, c Client) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	n, err := r.coord.OnConnect(ctx, c.UserID(), c)
	if err != nil {
		log.Printf("[relay] connect user=%s: %v", c.UserID(), err)
		r.fail(c, err)
	}
	if err := c.Push(protocol.TypeSessionReady, protocol.SessionReadyMsg{UserID: c.UserID()}); err != nil {
		log.Printf("[relay] sessionReady user=%s: %v", c.UserID(), err)
	}
	log.Printf("[relay] user=%s connected, flushed=%d", c.UserID(), n)
}

// Disconnect releases c. Nothing is sent to c; it is already gone.
func (r *Relay) Disconnect(ctx context.Context, c Client) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.coord.OnDisconnect(ctx, c.UserID(), c); err != nil {
		log.Printf("[relay] disconnect user=%s: %v", c.UserID(), err)
	}
}

// Handle runs one parsed client event.
func (r *Relay) Handle(ctx context.Context, c Client, msgType string, msg interface{}) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var err error
	switch m := msg.(type) {
	case protocol.SendMessageMsg:
		err = r.sendMessage(ctx, c, m)
	case protocol.MessageReadMsg:
		_, err = r.coord.MarkRead(ctx, c.UserID(), m.MessageID, m.ChatID)
	case protocol.OpenChatMsg:
		err = r.openChat(ctx, c, m)
	case protocol.FetchHistoryMsg:
		err = r.fetchHistory(ctx, c, m)
	default:
		log.Printf("[relay] unsupported event type=%q user=%s", msgType, c.UserID())
		r.sendError(c, "unsupported_type", "unsupported message type")
		return
	}

	if err != nil {
		log.Printf("[relay] %s user=%s: %v", msgType, c.UserID(), err)
		r.fail(c, err)
	}
}

func (r *Relay) sendMessage(ctx context.Context, c Client, m protocol.SendMessageMsg) error {
	if r.limiter != nil {
		// Allow fails open on Redis errors; only an explicit refusal counts.
		if ok, _ := r.limiter.Allow(ctx, c.UserID(), r.rule); !ok {
			return ErrRateLimited
		}
	}
	_, err := r.coord.Submit(ctx, c, delivery.Outgoing{
		SenderID:   c.UserID(),
		ChatID:     m.ChatID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
	})
	return err
}

func (r *Relay) openChat(ctx context.Context, c Client, m protocol.OpenChatMsg) error {
	ch, err := r.coord.OpenChat(ctx, c.UserID(), m.ParticipantID)
	if err != nil {
		return err
	}
	r.reply(c, protocol.TypeChatOpened, protocol.ChatOpenedMsg{Chat: ch})
	return nil
}

func (r *Relay) fetchHistory(ctx context.Context, c Client, m protocol.FetchHistoryMsg) error {
	msgs, err := r.coord.History(ctx, c.UserID(), m.ChatID)
	if err != nil {
		return err
	}
	r.reply(c, protocol.TypeHistory, protocol.HistoryMsg{ChatID: m.ChatID, Messages: msgs})
	return nil
}

// reply pushes a response to c. A connection that cannot take it will not
// take an error event either, so the failure is only logged.
func (r *Relay) reply(c Client, event string, payload interface{}) {
	if err := c.Push(event, payload); err != nil {
		log.Printf("[relay] %s to user=%s failed: %v", event, c.UserID(), err)
	}
}

// fail reports err to the client as an error event.
func (r *Relay) fail(c Client, err error) {
	if errors.Is(err, ErrRateLimited) {
		r.sendError(c, CodeRateLimited, "too many messages, slow down")
		return
	}
	r.sendError(c, delivery.Code(err), delivery.PublicMessage(err))
}

func (r *Relay) sendError(c Client, code, message string) {
	metrics.RequestErrors.WithLabelValues(code).Inc()
	if err := c.Push(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message}); err != nil {
		log.Printf("[relay] error event to user=%s failed: %v", c.UserID(), err)
	}
}
