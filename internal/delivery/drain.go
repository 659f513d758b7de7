package delivery

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/whisper/relay/internal/presence"
)

var errSuperseded = errors.New("delivery: connection superseded")

// userLocks serializes connect and disconnect handling per user so that the
// registry, the stored reachability and the last presence announcement agree.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

// lock blocks until userID's lock is held and returns its release func.
func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	ul := l.locks[userID]
	if ul == nil {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()
	return func() {
		ul.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}

// drainSet tracks connections with a background drain in progress. The value
// records that more work arrived while the drain was running.
type drainSet struct {
	mu      sync.Mutex
	pending map[presence.Conn]bool
}

func newDrainSet() *drainSet {
	return &drainSet{pending: make(map[presence.Conn]bool)}
}

func (d *drainSet) running(conn presence.Conn) bool {
	d.mu.Lock()
	_, ok := d.pending[conn]
	d.mu.Unlock()
	return ok
}

// start reports whether the caller should start a drain for conn. When one
// is already running it is asked to go round again instead.
func (d *drainSet) start(conn presence.Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[conn]; ok {
		d.pending[conn] = true
		return false
	}
	d.pending[conn] = false
	return true
}

// finish ends the drain for conn unless more work arrived since the last
// pass, in which case it reports true and the drain runs again.
func (d *drainSet) finish(conn presence.Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending[conn] {
		d.pending[conn] = false
		return true
	}
	delete(d.pending, conn)
	return false
}

// drain delivers userID's remaining SENT messages to conn in the background,
// waiting for queue space before each one. It stops when nothing is pending,
// when conn closes or when conn stops being the user's registered
// connection.
func (c *Coordinator) drain(userID string, conn presence.Conn) {
	if !c.drains.start(conn) {
		return
	}
	go func() {
		ctx := context.Background()
		reserve := func(conn presence.Conn) (presence.Slot, error) {
			sl, err := presence.Reserve(ctx, conn)
			if err != nil {
				return nil, err
			}
			if cur, ok := c.registry.Lookup(userID); !ok || cur != conn {
				sl.Release()
				return nil, errSuperseded
			}
			return sl, nil
		}

		total := 0
		for {
			n, _, err := c.flush(ctx, userID, conn, reserve)
			total += n
			if err != nil {
				log.Printf("[delivery] drain user=%s: %v", userID, err)
			}
			if !c.drains.finish(conn) {
				break
			}
		}
		if total > 0 {
			log.Printf("[delivery] drained %d queued message(s) to user=%s", total, userID)
		}
	}()
}
