package relay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/delivery"
	"github.com/whisper/relay/internal/presence"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/store/memory"
)

type event struct {
	name    string
	payload interface{}
}

type fakeClient struct {
	user   string
	refuse bool // Push records the event but reports failure
	mu     sync.Mutex
	got    []event
}

func (c *fakeClient) UserID() string { return c.user }

func (c *fakeClient) Push(name string, payload interface{}) error {
	c.mu.Lock()
	c.got = append(c.got, event{name, payload})
	c.mu.Unlock()
	if c.refuse {
		return errors.New("send queue full")
	}
	return nil
}

func (c *fakeClient) of(name string) []event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []event
	for _, e := range c.got {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

func (c *fakeClient) lastError(t *testing.T) protocol.ErrorMsg {
	t.Helper()
	errs := c.of(protocol.TypeError)
	if len(errs) == 0 {
		t.Fatal("expected an error event")
	}
	return errs[len(errs)-1].payload.(protocol.ErrorMsg)
}

type fakeLimiter struct {
	allow bool
	calls int
}

func (l *fakeLimiter) Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error) {
	l.calls++
	return l.allow, nil
}

func newRelay(t *testing.T) (*Relay, *memory.Store, string) {
	t.Helper()
	store := memory.NewStore()
	c, err := store.CreateChat(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	coord := delivery.NewCoordinator(store, presence.NewRegistry(), nil)
	return New(coord), store, c.ID
}

func TestConnectSendsSessionReadyAfterBacklog(t *testing.T) {
	r, _, chatID := newRelay(t)
	ctx := context.Background()
	bob := &fakeClient{user: "bob"}
	r.Connect(ctx, bob)

	r.Handle(ctx, bob, protocol.TypeSendMessage, protocol.SendMessageMsg{
		ChatID: chatID, ReceiverID: "alice", Content: "hi",
	})

	alice := &fakeClient{user: "alice"}
	r.Connect(ctx, alice)

	alice.mu.Lock()
	defer alice.mu.Unlock()
	if len(alice.got) < 2 {
		t.Fatalf("expected backlog and sessionReady, got %+v", alice.got)
	}
	if alice.got[0].name != protocol.TypeReceiveMessage {
		t.Errorf("expected backlog first, got %s", alice.got[0].name)
	}
	last := alice.got[len(alice.got)-1]
	if last.name != protocol.TypeSessionReady || last.payload.(protocol.SessionReadyMsg).UserID != "alice" {
		t.Errorf("expected sessionReady last, got %+v", last)
	}
}

func TestSendAndReadRoundTrip(t *testing.T) {
	r, store, chatID := newRelay(t)
	ctx := context.Background()
	alice := &fakeClient{user: "alice"}
	bob := &fakeClient{user: "bob"}
	r.Connect(ctx, alice)
	r.Connect(ctx, bob)

	r.Handle(ctx, bob, protocol.TypeSendMessage, protocol.SendMessageMsg{
		ChatID: chatID, ReceiverID: "alice", Content: "hello",
	})

	got := alice.of(protocol.TypeReceiveMessage)
	if len(got) != 1 {
		t.Fatalf("expected alice to receive 1 message, got %d", len(got))
	}
	msg := got[0].payload.(protocol.ReceiveMessageMsg).Message
	if msg.SenderID != "bob" || msg.Content != "hello" {
		t.Errorf("unexpected message %+v", msg)
	}
	if n := len(bob.of(protocol.TypeMessageDelivered)); n != 1 {
		t.Errorf("expected bob to get 1 delivery notice, got %d", n)
	}

	r.Handle(ctx, alice, protocol.TypeMessageRead, protocol.MessageReadMsg{MessageID: msg.ID, ChatID: chatID})
	if n := len(bob.of(protocol.TypeMessageRead)); n != 1 {
		t.Errorf("expected bob to get 1 read notice, got %d", n)
	}
	stored, _ := store.GetMessage(ctx, msg.ID)
	if stored.Status != chat.StatusRead {
		t.Errorf("expected READ, got %s", stored.Status)
	}
	if n := len(alice.of(protocol.TypeError)) + len(bob.of(protocol.TypeError)); n != 0 {
		t.Errorf("expected no error events, got %d", n)
	}
}

func TestSenderIdentityComesFromConnection(t *testing.T) {
	r, store, chatID := newRelay(t)
	ctx := context.Background()
	mallory := &fakeClient{user: "mallory"}

	r.Handle(ctx, mallory, protocol.TypeSendMessage, protocol.SendMessageMsg{
		ChatID: chatID, ReceiverID: "alice", Content: "pretending to be bob",
	})

	if e := mallory.lastError(t); e.Code != delivery.CodeAccessDenied {
		t.Errorf("expected %q, got %q", delivery.CodeAccessDenied, e.Code)
	}
	if msgs, _ := store.MessagesByChat(ctx, chatID); len(msgs) != 0 {
		t.Errorf("expected nothing stored, got %d", len(msgs))
	}
}

func TestErrorEvents(t *testing.T) {
	r, _, chatID := newRelay(t)
	ctx := context.Background()
	alice := &fakeClient{user: "alice"}

	r.Handle(ctx, alice, protocol.TypeSendMessage, protocol.SendMessageMsg{ChatID: chatID, ReceiverID: "bob"})
	if e := alice.lastError(t); e.Code != delivery.CodeInvalidRequest {
		t.Errorf("empty content: expected %q, got %q", delivery.CodeInvalidRequest, e.Code)
	}

	r.Handle(ctx, alice, protocol.TypeMessageRead, protocol.MessageReadMsg{MessageID: "missing", ChatID: chatID})
	if e := alice.lastError(t); e.Code != delivery.CodeNotFound {
		t.Errorf("unknown message: expected %q, got %q", delivery.CodeNotFound, e.Code)
	}

	r.Handle(ctx, alice, protocol.TypeFetchHistory, protocol.FetchHistoryMsg{ChatID: "nope"})
	if e := alice.lastError(t); e.Code != delivery.CodeNotFound {
		t.Errorf("unknown chat: expected %q, got %q", delivery.CodeNotFound, e.Code)
	}

	r.Handle(ctx, alice, protocol.TypePing, protocol.PingMsg{})
	if e := alice.lastError(t); e.Code != "unsupported_type" {
		t.Errorf("unrouted event: expected unsupported_type, got %q", e.Code)
	}
}

func TestOpenChatAndHistory(t *testing.T) {
	r, _, chatID := newRelay(t)
	ctx := context.Background()
	alice := &fakeClient{user: "alice"}

	r.Handle(ctx, alice, protocol.TypeOpenChat, protocol.OpenChatMsg{ParticipantID: "bob"})
	opened := alice.of(protocol.TypeChatOpened)
	if len(opened) != 1 || opened[0].payload.(protocol.ChatOpenedMsg).Chat.ID != chatID {
		t.Fatalf("expected existing chat %s, got %+v", chatID, opened)
	}

	r.Handle(ctx, alice, protocol.TypeSendMessage, protocol.SendMessageMsg{
		ChatID: chatID, ReceiverID: "bob", Content: "one",
	})
	r.Handle(ctx, alice, protocol.TypeFetchHistory, protocol.FetchHistoryMsg{ChatID: chatID})

	hist := alice.of(protocol.TypeHistory)
	if len(hist) != 1 {
		t.Fatalf("expected 1 history event, got %d", len(hist))
	}
	h := hist[0].payload.(protocol.HistoryMsg)
	if h.ChatID != chatID || len(h.Messages) != 1 || h.Messages[0].Content != "one" {
		t.Errorf("unexpected history %+v", h)
	}
}

func TestRateLimitedSend(t *testing.T) {
	r, store, chatID := newRelay(t)
	ctx := context.Background()
	limiter := &fakeLimiter{allow: false}
	r.SetLimiter(limiter, ratelimit.RuleMessage)
	bob := &fakeClient{user: "bob"}

	r.Handle(ctx, bob, protocol.TypeSendMessage, protocol.SendMessageMsg{
		ChatID: chatID, ReceiverID: "alice", Content: "spam",
	})

	if limiter.calls != 1 {
		t.Errorf("expected limiter to be consulted once, got %d", limiter.calls)
	}
	if e := bob.lastError(t); e.Code != CodeRateLimited {
		t.Errorf("expected %q, got %q", CodeRateLimited, e.Code)
	}
	if msgs, _ := store.MessagesByChat(ctx, chatID); len(msgs) != 0 {
		t.Errorf("rate limited send must not persist, got %d", len(msgs))
	}

	limiter.allow = true
	r.Handle(ctx, bob, protocol.TypeSendMessage, protocol.SendMessageMsg{
		ChatID: chatID, ReceiverID: "alice", Content: "ok now",
	})
	if msgs, _ := store.MessagesByChat(ctx, chatID); len(msgs) != 1 {
		t.Errorf("expected allowed send to persist, got %d", len(msgs))
	}
}

func TestDisconnectAnnouncesOffline(t *testing.T) {
	r, _, _ := newRelay(t)
	ctx := context.Background()
	alice := &fakeClient{user: "alice"}
	bob := &fakeClient{user: "bob"}
	r.Connect(ctx, alice)
	r.Connect(ctx, bob)

	r.Disconnect(ctx, alice)

	off := bob.of(protocol.TypeUserOffline)
	if len(off) != 1 || off[0].payload.(protocol.UserPresenceMsg).UserID != "alice" {
		t.Fatalf("expected bob to see alice offline, got %+v", off)
	}
}

func TestFailMapsStoreErrorsGenerically(t *testing.T) {
	r, _, _ := newRelay(t)
	c := &fakeClient{user: "alice"}

	r.fail(c, errors.Join(delivery.ErrStoreFailure, errors.New("pq: connection refused")))

	e := c.lastError(t)
	if e.Code != delivery.CodeStoreFailure {
		t.Errorf("expected %q, got %q", delivery.CodeStoreFailure, e.Code)
	}
	if e.Message != delivery.PublicMessage(delivery.ErrStoreFailure) {
		t.Errorf("store detail leaked to client: %q", e.Message)
	}
}

func TestFailedReplyIsNotFollowedByErrorEvent(t *testing.T) {
	r, _, chatID := newRelay(t)
	ctx := context.Background()
	alice := &fakeClient{user: "alice", refuse: true}

	r.Handle(ctx, alice, protocol.TypeOpenChat, protocol.OpenChatMsg{ParticipantID: "bob"})
	r.Handle(ctx, alice, protocol.TypeFetchHistory, protocol.FetchHistoryMsg{ChatID: chatID})

	alice.mu.Lock()
	defer alice.mu.Unlock()
	if len(alice.got) != 2 {
		t.Fatalf("expected exactly the two replies, got %+v", alice.got)
	}
	if alice.got[0].name != protocol.TypeChatOpened || alice.got[1].name != protocol.TypeHistory {
		t.Errorf("unexpected events %+v", alice.got)
	}
}
