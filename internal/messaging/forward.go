package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/whisper/relay/internal/session"
)

// DeliveryEvent is a delivery event addressed to a user on another node.
type DeliveryEvent struct {
	Node      string `json:"node"` // sending node
	UserID    string `json:"userId"`
	Kind      string `json:"kind"`
	MessageID string `json:"messageId"`
}

// Locator finds the node serving a user.
type Locator interface {
	Locate(ctx context.Context, userID string) (*session.Session, error)
}

// Applier handles delivery events forwarded to this node.
type Applier interface {
	Apply(ctx context.Context, userID, kind, messageID string) error
}

// DeliverySubject returns the subject node listens on for delivery events.
// Dots in node names would split the subject, so they are replaced.
func DeliverySubject(node string) string {
	return SubjectDeliveryPrefix + strings.ReplaceAll(node, ".", "_")
}

// DeliveryForwarder routes delivery events to the node that holds the
// receiving user's connection, as recorded in the session mirror.
type DeliveryForwarder struct {
	bus     PubSub
	locator Locator
	node    string
	applier Applier
}

// NewDeliveryForwarder creates a forwarder for the node named node.
func NewDeliveryForwarder(bus PubSub, locator Locator, node string) *DeliveryForwarder {
	return &DeliveryForwarder{bus: bus, locator: locator, node: node}
}

// Forward publishes the event to userID's node. Users that are not connected
// anywhere, or whose newest session is on this node, are skipped.
func (f *DeliveryForwarder) Forward(ctx context.Context, userID, kind, messageID string) {
	sess, err := f.locator.Locate(ctx, userID)
	if err != nil {
		log.Printf("[nats] locate user=%s: %v", userID, err)
		return
	}
	if sess == nil || sess.Server == "" || sess.Server == f.node {
		return
	}

	data, err := json.Marshal(DeliveryEvent{Node: f.node, UserID: userID, Kind: kind, MessageID: messageID})
	if err != nil {
		log.Printf("[nats] marshal delivery event user=%s: %v", userID, err)
		return
	}
	subject := DeliverySubject(sess.Server)
	if err := f.bus.Publish(subject, data); err != nil {
		log.Printf("[nats] publish %s user=%s: %v", subject, userID, err)
	}
}

// Start subscribes to delivery events addressed to this node and hands them
// to a.
func (f *DeliveryForwarder) Start(a Applier) error {
	f.applier = a
	if err := f.bus.Subscribe(DeliverySubject(f.node), f.handle); err != nil {
		return fmt.Errorf("messaging: delivery subscribe: %w", err)
	}
	log.Printf("[nats] delivery forwarding started node=%s", f.node)
	return nil
}

// Stop unsubscribes from delivery events.
func (f *DeliveryForwarder) Stop() error {
	return f.bus.Unsubscribe(DeliverySubject(f.node))
}

func (f *DeliveryForwarder) handle(msg *nats.Msg) {
	var ev DeliveryEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		log.Printf("[nats] bad delivery event on %s: %v", msg.Subject, err)
		return
	}
	if ev.UserID == "" || ev.MessageID == "" {
		return
	}
	if err := f.applier.Apply(context.Background(), ev.UserID, ev.Kind, ev.MessageID); err != nil {
		log.Printf("[nats] apply %s message=%s user=%s: %v", ev.Kind, ev.MessageID, ev.UserID, err)
	}
}
