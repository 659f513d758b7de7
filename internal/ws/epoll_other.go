//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms
// so the relay can run on macOS and Windows during development. Each
// connection is watched by a goroutine that peeks for pending bytes, reports
// the connection as ready, and waits for the server to finish reading before
// peeking again.
type Epoll struct {
	mu       sync.Mutex
	watchers map[net.Conn]*watcher
	readyCh  chan net.Conn // connections with pending data
	done     chan struct{}
	once     sync.Once
}

type watcher struct {
	conn  *peekConn
	rearm chan struct{}
	stop  chan struct{}
}

// peekConn buffers reads so the watcher can detect pending data without
// consuming it.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		watchers: make(map[net.Conn]*watcher),
		readyCh:  make(chan net.Conn, 128),
		done:     make(chan struct{}),
	}, nil
}

// Wrap returns the buffered form of conn. The server must read frames from
// the wrapped connection and register that same value with Add.
func (e *Epoll) Wrap(conn net.Conn) net.Conn {
	if pc, ok := conn.(*peekConn); ok {
		return pc
	}
	return &peekConn{Conn: conn, r: bufio.NewReader(conn)}
}

// Add starts watching a connection returned by Wrap.
func (e *Epoll) Add(conn net.Conn) error {
	pc, ok := conn.(*peekConn)
	if !ok {
		pc = e.Wrap(conn).(*peekConn)
	}
	w := &watcher{
		conn:  pc,
		rearm: make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}

	e.mu.Lock()
	e.watchers[conn] = w
	e.mu.Unlock()

	go e.watch(conn, w)
	return nil
}

// watch reports conn as ready whenever bytes are pending, then waits for
// Rearm. A read error is reported as readiness so the server's read path
// observes the closure.
func (e *Epoll) watch(conn net.Conn, w *watcher) {
	for {
		_, err := w.conn.r.Peek(1)

		select {
		case e.readyCh <- conn:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.rearm:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
	}
}

// Rearm lets the watcher of conn look for the next frame.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.Lock()
	w := e.watchers[conn]
	e.mu.Unlock()
	if w == nil {
		return
	}
	select {
	case w.rearm <- struct{}{}:
	default:
	}
}

// Remove stops watching a connection.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.watchers[conn]
	delete(e.watchers, conn)
	e.mu.Unlock()
	if ok {
		close(w.stop)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading and returns
// every connection that is ready at that point.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops all watchers.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.watchers = make(map[net.Conn]*watcher)
	e.mu.Unlock()
	return nil
}
