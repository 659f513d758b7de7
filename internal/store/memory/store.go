// Package memory provides an in-process chat.Store. It keeps all state in
// maps guarded by a single mutex and is used for development runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/relay/internal/chat"
)

// User is the reachability record kept per user.
type User struct {
	Online   bool
	LastSeen time.Time
}

type storedMessage struct {
	msg *chat.Message
	seq int64 // insertion order, breaks CreatedAt ties
}

// Store is a goroutine-safe in-memory chat.Store.
type Store struct {
	mu       sync.Mutex
	seq      int64
	now      func() time.Time
	messages map[string]*storedMessage
	chats    map[string]*chat.Chat
	pairs    map[[2]string]string // sorted pair -> chat id
	users    map[string]User
}

var _ chat.Store = (*Store)(nil)

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		now:      time.Now,
		messages: make(map[string]*storedMessage),
		chats:    make(map[string]*chat.Chat),
		pairs:    make(map[[2]string]string),
		users:    make(map[string]User),
	}
}

// SetClock replaces the time source. Tests use it to control CreatedAt.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// CreateMessage appends a message with status SENT.
func (s *Store) CreateMessage(ctx context.Context, chatID, senderID, receiverID, content string) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	msg := &chat.Message{
		ID:         uuid.New().String(),
		ChatID:     chatID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Status:     chat.StatusSent,
		CreatedAt:  s.now(),
	}
	s.messages[msg.ID] = &storedMessage{msg: msg, seq: s.seq}
	return msg.Clone(), nil
}

// GetMessage returns a message by id.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.messages[messageID]
	if !ok {
		return nil, nil
	}
	return sm.msg.Clone(), nil
}

// MessagesByReceiverAndStatus returns matching messages, oldest first.
func (s *Store) MessagesByReceiverAndStatus(ctx context.Context, receiverID string, status chat.Status) ([]*chat.Message, error) {
	return s.filter(func(m *chat.Message) bool {
		return m.ReceiverID == receiverID && m.Status == status
	}), nil
}

// MessagesByChat returns the messages of a chat, oldest first.
func (s *Store) MessagesByChat(ctx context.Context, chatID string) ([]*chat.Message, error) {
	return s.filter(func(m *chat.Message) bool {
		return m.ChatID == chatID
	}), nil
}

func (s *Store) filter(keep func(*chat.Message) bool) []*chat.Message {
	s.mu.Lock()
	matched := make([]*storedMessage, 0)
	for _, sm := range s.messages {
		if keep(sm.msg) {
			matched = append(matched, &storedMessage{msg: sm.msg.Clone(), seq: sm.seq})
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		return a.seq < b.seq
	})

	out := make([]*chat.Message, len(matched))
	for i, sm := range matched {
		out[i] = sm.msg
	}
	return out
}

// UpdateMessageStatus advances a message's status if status is greater than
// the stored one. The check and the write happen under the store lock.
func (s *Store) UpdateMessageStatus(ctx context.Context, messageID string, status chat.Status) (*chat.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sm, ok := s.messages[messageID]
	if !ok {
		return nil, false, nil
	}
	if !sm.msg.Status.Advances(status) {
		return sm.msg.Clone(), false, nil
	}
	sm.msg.Status = status
	return sm.msg.Clone(), true, nil
}

// GetChat returns a chat by id.
func (s *Store) GetChat(ctx context.Context, chatID string) (*chat.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// FindChatByParticipants returns the chat between a and b in either order.
func (s *Store) FindChatByParticipants(ctx context.Context, a, b string) (*chat.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo, hi := chat.SortedPair(a, b)
	id, ok := s.pairs[[2]string{lo, hi}]
	if !ok {
		return nil, nil
	}
	cp := *s.chats[id]
	return &cp, nil
}

// CreateChat returns the chat between a and b, creating it if needed.
func (s *Store) CreateChat(ctx context.Context, a, b string) (*chat.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo, hi := chat.SortedPair(a, b)
	key := [2]string{lo, hi}
	if id, ok := s.pairs[key]; ok {
		cp := *s.chats[id]
		return &cp, nil
	}

	now := s.now()
	c := &chat.Chat{
		ID:           uuid.New().String(),
		Participants: [2]string{lo, hi},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.chats[c.ID] = c
	s.pairs[key] = c.ID
	cp := *c
	return &cp, nil
}

// TouchChat points the chat at its newest message.
func (s *Store) TouchChat(ctx context.Context, chatID, lastMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	c.LastMessageID = lastMessageID
	c.UpdatedAt = s.now()
	return nil
}

// SetUserReachability records the user's online flag and last-seen time.
func (s *Store) SetUserReachability(ctx context.Context, userID string, online bool, at time.Time) error {
	s.mu.Lock()
	s.users[userID] = User{Online: online, LastSeen: at}
	s.mu.Unlock()
	return nil
}

// User returns the reachability record for a user.
func (s *Store) User(userID string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	return u, ok
}
