// Package presence tracks which users currently hold a live connection and
// announces reachability changes to everyone else who is connected.
package presence

import (
	"sync"

	"github.com/whisper/relay/internal/metrics"
)

// Conn is the push capability of a live client connection. Push must not
// block on the network; failed or dropped pushes are reported as errors.
// Implementations must be comparable (pointer types), since the registry
// compares connections by identity.
type Conn interface {
	Push(event string, payload interface{}) error
}

// Entry is one user -> connection mapping in a registry snapshot.
type Entry struct {
	UserID string
	Conn   Conn
}

// Registry maps each user to the single connection currently serving them.
// It is safe for concurrent use; every operation holds the lock for O(1) work
// and never calls into a connection while holding it.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register installs conn as the connection for userID. A previous connection
// for the same user is superseded, not closed, and is returned so the caller
// can decide what to do with it.
func (r *Registry) Register(userID string, conn Conn) Conn {
	r.mu.Lock()
	prev := r.conns[userID]
	r.conns[userID] = conn
	n := len(r.conns)
	r.mu.Unlock()

	metrics.OnlineUsers.Set(float64(n))
	if prev == conn {
		return nil
	}
	return prev
}

// Unregister removes the entry for userID only if it still refers to conn.
// It returns false when a newer connection has replaced conn, in which case
// the registry is left untouched.
func (r *Registry) Unregister(userID string, conn Conn) bool {
	r.mu.Lock()
	current, ok := r.conns[userID]
	if !ok || current != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, userID)
	n := len(r.conns)
	r.mu.Unlock()

	metrics.OnlineUsers.Set(float64(n))
	return true
}

// Lookup returns the live connection for userID.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	conn, ok := r.conns[userID]
	r.mu.RUnlock()
	return conn, ok
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.conns)
	r.mu.RUnlock()
	return n
}

// Snapshot returns a copy of all entries. The returned slice is safe to
// iterate without holding the lock.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.conns))
	for userID, conn := range r.conns {
		entries = append(entries, Entry{UserID: userID, Conn: conn})
	}
	r.mu.RUnlock()
	return entries
}

// Reset drops every entry. Used at shutdown after connections are closed.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.conns = make(map[string]Conn)
	r.mu.Unlock()
	metrics.OnlineUsers.Set(0)
}
