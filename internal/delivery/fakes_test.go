package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/presence"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/store/memory"
)

type pushed struct {
	event   string
	payload interface{}
}

// recordingConn is a presence.Conn that keeps every push for inspection.
type recordingConn struct {
	mu  sync.Mutex
	got []pushed
}

func (c *recordingConn) Push(event string, payload interface{}) error {
	c.mu.Lock()
	c.got = append(c.got, pushed{event: event, payload: payload})
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) all() []pushed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pushed(nil), c.got...)
}

func (c *recordingConn) ofType(event string) []pushed {
	var out []pushed
	for _, p := range c.all() {
		if p.event == event {
			out = append(out, p)
		}
	}
	return out
}

// received returns the message records pushed as receiveMessage.
func (c *recordingConn) received() []chat.Message {
	var out []chat.Message
	for _, p := range c.ofType(protocol.TypeReceiveMessage) {
		out = append(out, p.payload.(protocol.ReceiveMessageMsg).Message)
	}
	return out
}

// failingStore wraps the memory store and fails selected operations.
type failingStore struct {
	*memory.Store
	failCreate       bool
	failPending      bool
	failUpdate       bool
	failReachability bool
}

var errDown = errors.New("database is down")

func (s *failingStore) CreateMessage(ctx context.Context, chatID, senderID, receiverID, content string) (*chat.Message, error) {
	if s.failCreate {
		return nil, errDown
	}
	return s.Store.CreateMessage(ctx, chatID, senderID, receiverID, content)
}

func (s *failingStore) MessagesByReceiverAndStatus(ctx context.Context, receiverID string, status chat.Status) ([]*chat.Message, error) {
	if s.failPending {
		return nil, errDown
	}
	return s.Store.MessagesByReceiverAndStatus(ctx, receiverID, status)
}

func (s *failingStore) UpdateMessageStatus(ctx context.Context, messageID string, status chat.Status) (*chat.Message, bool, error) {
	if s.failUpdate {
		return nil, false, errDown
	}
	return s.Store.UpdateMessageStatus(ctx, messageID, status)
}

func (s *failingStore) SetUserReachability(ctx context.Context, userID string, online bool, at time.Time) error {
	if s.failReachability {
		return errDown
	}
	return s.Store.SetUserReachability(ctx, userID, online, at)
}

var errConnClosed = errors.New("connection closed")

// boundedConn records pushes like recordingConn but only has room for a fixed
// number of unread events. read frees the room again, the way a client
// draining its socket would.
type boundedConn struct {
	recordingConn
	slots  chan struct{}
	closed chan struct{}
}

func newBoundedConn(size int) *boundedConn {
	return &boundedConn{
		slots:  make(chan struct{}, size),
		closed: make(chan struct{}),
	}
}

func (c *boundedConn) TryReserve() (presence.Slot, error) {
	select {
	case <-c.closed:
		return nil, errConnClosed
	default:
	}
	select {
	case c.slots <- struct{}{}:
		return &boundedSlot{c: c}, nil
	default:
		return nil, fmt.Errorf("bounded conn: %w", presence.ErrQueueFull)
	}
}

func (c *boundedConn) Reserve(ctx context.Context) (presence.Slot, error) {
	select {
	case <-c.closed:
		return nil, errConnClosed
	default:
	}
	select {
	case c.slots <- struct{}{}:
		return &boundedSlot{c: c}, nil
	case <-c.closed:
		return nil, errConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *boundedConn) Push(event string, payload interface{}) error {
	sl, err := c.TryReserve()
	if err != nil {
		return err
	}
	return sl.Push(event, payload)
}

// read frees every occupied slot.
func (c *boundedConn) read() {
	for {
		select {
		case <-c.slots:
		default:
			return
		}
	}
}

func (c *boundedConn) close() { close(c.closed) }

type boundedSlot struct {
	c    *boundedConn
	used bool
}

func (s *boundedSlot) Push(event string, payload interface{}) error {
	s.used = true
	return s.c.recordingConn.Push(event, payload)
}

func (s *boundedSlot) Release() {
	if s.used {
		return
	}
	s.used = true
	select {
	case <-s.c.slots:
	default:
	}
}

// gatedStore holds the first offline reachability write until release is
// closed, signalling entered once it is waiting.
type gatedStore struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		Store:   memory.NewStore(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *gatedStore) SetUserReachability(ctx context.Context, userID string, online bool, at time.Time) error {
	if !online {
		s.once.Do(func() {
			close(s.entered)
			<-s.release
		})
	}
	return s.Store.SetUserReachability(ctx, userID, online, at)
}

type forwarded struct{ user, kind, id string }

// recordingForwarder keeps every forwarded event.
type recordingForwarder struct {
	mu  sync.Mutex
	got []forwarded
}

func (f *recordingForwarder) Forward(ctx context.Context, userID, kind, messageID string) {
	f.mu.Lock()
	f.got = append(f.got, forwarded{userID, kind, messageID})
	f.mu.Unlock()
}

func (f *recordingForwarder) all() []forwarded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forwarded(nil), f.got...)
}
