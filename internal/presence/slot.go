package presence

import (
	"context"
	"errors"
)

// ErrQueueFull is matched (errors.Is) by reservation failures caused by a
// connection whose outbound queue has no free slot.
var ErrQueueFull = errors.New("presence: outbound queue full")

// Slot is one claimed place in a connection's outbound queue. Exactly one of
// Push or Release must be called.
type Slot interface {
	Push(event string, payload interface{}) error
	Release()
}

// Reserver is implemented by connections with a bounded outbound queue.
// TryReserve fails fast with an error matching ErrQueueFull when the queue
// is full. Reserve blocks until a slot frees up, ctx ends or the connection
// closes.
type Reserver interface {
	TryReserve() (Slot, error)
	Reserve(ctx context.Context) (Slot, error)
}

// TryReserve claims a slot on conn without blocking. Connections without a
// bounded queue always get a slot that pushes directly.
func TryReserve(conn Conn) (Slot, error) {
	if r, ok := conn.(Reserver); ok {
		return r.TryReserve()
	}
	return directSlot{conn}, nil
}

// Reserve claims a slot on conn, waiting for queue space if needed.
func Reserve(ctx context.Context, conn Conn) (Slot, error) {
	if r, ok := conn.(Reserver); ok {
		return r.Reserve(ctx)
	}
	return directSlot{conn}, nil
}

type directSlot struct{ conn Conn }

func (s directSlot) Push(event string, payload interface{}) error { return s.conn.Push(event, payload) }
func (s directSlot) Release()                                     {}
