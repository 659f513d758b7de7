package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/relay/internal/presence"
	"github.com/whisper/relay/internal/protocol"
)

var (
	// ErrConnectionClosed is returned by Push after the connection is closed.
	ErrConnectionClosed = errors.New("ws: connection closed")
	// ErrSendQueueFull is returned by Push when the client does not drain its
	// outbound queue fast enough.
	ErrSendQueueFull = fmt.Errorf("ws: send queue full: %w", presence.ErrQueueFull)
)

var _ presence.Reserver = (*Connection)(nil)

// Connection represents a single authenticated WebSocket client connection.
// Outbound events are queued and written by a dedicated goroutine, so a slow
// client never blocks the goroutine that pushes to it.
type Connection struct {
	ID        string    // connection ID (UUID)
	Conn      net.Conn  // underlying TCP connection
	CreatedAt time.Time // when the connection was established

	userID       string
	lastActive   int64         // unix nanos of the last frame read, atomic
	send         chan []byte   // outbound text frames
	slots        chan struct{} // one token per reserved or queued frame
	done         chan struct{} // closed by Close
	closeOnce    sync.Once
	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes writes to this connection
	processing   int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

func newConnection(id, userID string, conn net.Conn, queueSize int, writeTimeout time.Duration) *Connection {
	if queueSize <= 0 {
		queueSize = 1
	}
	now := time.Now()
	c := &Connection{
		ID:           id,
		Conn:         conn,
		CreatedAt:    now,
		userID:       userID,
		send:         make(chan []byte, queueSize),
		slots:        make(chan struct{}, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	c.Touch()
	return c
}

// UserID returns the authenticated user this connection belongs to.
func (c *Connection) UserID() string {
	return c.userID
}

// Touch records client activity.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
}

// LastActive returns when the client last sent a frame.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

// Push encodes an event and queues it for the writer goroutine. It never
// blocks: a full queue or a closed connection is reported as an error.
func (c *Connection) Push(event string, payload interface{}) error {
	sl, err := c.TryReserve()
	if err != nil {
		return err
	}
	return sl.Push(event, payload)
}

// Enqueue queues an already encoded text frame.
func (c *Connection) Enqueue(data []byte) error {
	sl, err := c.TryReserve()
	if err != nil {
		return err
	}
	return sl.(*slot).commit(data)
}

// TryReserve claims one place in the send queue without blocking.
func (c *Connection) TryReserve() (presence.Slot, error) {
	select {
	case <-c.done:
		return nil, ErrConnectionClosed
	default:
	}

	select {
	case c.slots <- struct{}{}:
		return &slot{c: c}, nil
	case <-c.done:
		return nil, ErrConnectionClosed
	default:
		return nil, ErrSendQueueFull
	}
}

// Reserve claims one place in the send queue, waiting for the writer to free
// one if the queue is full.
func (c *Connection) Reserve(ctx context.Context) (presence.Slot, error) {
	select {
	case <-c.done:
		return nil, ErrConnectionClosed
	default:
	}

	select {
	case c.slots <- struct{}{}:
		return &slot{c: c}, nil
	case <-c.done:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// slot is a reserved place in a connection's send queue. The frame queued
// through it gives its token back once the writer dequeues it.
type slot struct {
	c    *Connection
	used int32
}

func (s *slot) Push(event string, payload interface{}) error {
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		s.Release()
		return err
	}
	return s.commit(data)
}

func (s *slot) commit(data []byte) error {
	if !atomic.CompareAndSwapInt32(&s.used, 0, 1) {
		return errors.New("ws: slot already used")
	}
	// The token guarantees room in send, so this never blocks.
	select {
	case <-s.c.done:
		<-s.c.slots
		return ErrConnectionClosed
	default:
	}
	s.c.send <- data
	return nil
}

func (s *slot) Release() {
	if atomic.CompareAndSwapInt32(&s.used, 0, 1) {
		<-s.c.slots
	}
}

// writeLoop drains the send queue until the connection is closed. A failed
// write closes the connection; the read path then removes it.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.send:
			<-c.slots
			if err := c.WriteMessage(data); err != nil {
				log.Printf("ws: write failed session=%s user=%s: %v", c.ID, c.userID, err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close stops the writer and closes the underlying network connection. It is
// safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry of live connections, indexed by
// connection ID and by the net.Conn the readiness loop reports.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // connection id -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID. Returns true if the connection was
// found and removed, false if it was already gone. The caller closes it.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
