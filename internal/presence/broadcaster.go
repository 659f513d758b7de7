package presence

import (
	"fmt"
	"log"

	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/protocol"
)

// Broadcaster announces a user's reachability change to other users.
type Broadcaster interface {
	Announce(userID string, online bool)
}

// LocalBroadcaster pushes presence changes to every connection in a Registry
// except the one belonging to the user who changed.
type LocalBroadcaster struct {
	registry *Registry
}

// NewLocalBroadcaster creates a broadcaster over the given registry.
func NewLocalBroadcaster(registry *Registry) *LocalBroadcaster {
	return &LocalBroadcaster{registry: registry}
}

// Announce sends userOnline or userOffline to all other live connections.
// A failed push is logged and counted; it never stops the remaining pushes.
func (b *LocalBroadcaster) Announce(userID string, online bool) {
	b.Notify(userID, online)
}

// Notify does the work of Announce and returns how many pushes failed.
func (b *LocalBroadcaster) Notify(userID string, online bool) int {
	event := protocol.TypeUserOffline
	if online {
		event = protocol.TypeUserOnline
	}
	payload := protocol.UserPresenceMsg{UserID: userID}

	failed := 0
	for _, e := range b.registry.Snapshot() {
		if e.UserID == userID {
			continue
		}
		if err := pushSafe(e.Conn, event, payload); err != nil {
			failed++
			metrics.PresenceNotifyFailures.Inc()
			log.Printf("[presence] %s for user=%s to user=%s failed: %v", event, userID, e.UserID, err)
		}
	}
	return failed
}

// pushSafe converts a panicking connection into an error so one broken
// connection cannot abort a broadcast.
func pushSafe(conn Conn, event string, payload interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("push panicked: %v", r)
		}
	}()
	return conn.Push(event, payload)
}
