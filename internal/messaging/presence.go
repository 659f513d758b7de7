package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/relay/internal/presence"
)

// PresenceEvent is the cluster-wide form of a presence change.
type PresenceEvent struct {
	Node   string `json:"node"`
	UserID string `json:"userId"`
	Online bool   `json:"online"`
	Ts     int64  `json:"ts"`
}

// PubSub is the part of NATSClient the cluster broadcaster needs.
type PubSub interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(msg *nats.Msg)) error
	Unsubscribe(subject string) error
}

// ClusterBroadcaster announces presence changes to this node's connections
// and publishes them for the other relay nodes. Events published by other
// nodes are re-broadcast to the local connections.
type ClusterBroadcaster struct {
	bus   PubSub
	local *presence.LocalBroadcaster
	node  string
}

// NewClusterBroadcaster creates a ClusterBroadcaster for the node named node.
func NewClusterBroadcaster(bus PubSub, local *presence.LocalBroadcaster, node string) *ClusterBroadcaster {
	return &ClusterBroadcaster{bus: bus, local: local, node: node}
}

// Announce notifies local connections, then publishes the change. A publish
// failure is logged; the local broadcast has already happened.
func (b *ClusterBroadcaster) Announce(userID string, online bool) {
	b.local.Announce(userID, online)

	subject := SubjectPresenceOffline
	if online {
		subject = SubjectPresenceOnline
	}
	data, err := json.Marshal(PresenceEvent{
		Node:   b.node,
		UserID: userID,
		Online: online,
		Ts:     time.Now().Unix(),
	})
	if err != nil {
		log.Printf("[nats] marshal presence user=%s: %v", userID, err)
		return
	}
	if err := b.bus.Publish(subject, data); err != nil {
		log.Printf("[nats] publish %s user=%s: %v", subject, userID, err)
	}
}

// Start subscribes to presence events from the rest of the cluster.
func (b *ClusterBroadcaster) Start() error {
	if err := b.bus.Subscribe(SubjectPresenceAll, b.handle); err != nil {
		return fmt.Errorf("messaging: presence subscribe: %w", err)
	}
	log.Printf("[nats] presence fan-out started node=%s", b.node)
	return nil
}

// Stop unsubscribes from cluster presence events. Local announcements keep
// working.
func (b *ClusterBroadcaster) Stop() error {
	return b.bus.Unsubscribe(SubjectPresenceAll)
}

func (b *ClusterBroadcaster) handle(msg *nats.Msg) {
	var ev PresenceEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		log.Printf("[nats] bad presence event on %s: %v", msg.Subject, err)
		return
	}
	if ev.Node == b.node || ev.UserID == "" {
		return
	}
	b.local.Notify(ev.UserID, ev.Online)
}
