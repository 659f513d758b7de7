package postgres

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/relay/internal/chat"
)

// newTestStore connects to the database named by DATABASE_URL, applies the
// migrations and returns a Store. Tests that call this helper are skipped
// when no database is configured or reachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("postgres not available: %v", err)
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		t.Fatalf("RunMigrations: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

// testUsers returns two fresh user ids so tests do not collide with each
// other or with earlier runs.
func testUsers() (string, string) {
	return "test_" + uuid.New().String(), "test_" + uuid.New().String()
}

func TestCreateChatUnordered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b := testUsers()

	c1, err := s.CreateChat(ctx, a, b)
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	c2, err := s.CreateChat(ctx, b, a)
	if err != nil {
		t.Fatalf("CreateChat reversed: %v", err)
	}
	if c1.ID != c2.ID {
		t.Fatalf("expected one chat per pair, got %s and %s", c1.ID, c2.ID)
	}
	if !c1.HasPair(a, b) {
		t.Errorf("chat participants %v do not match %s/%s", c1.Participants, a, b)
	}

	found, err := s.FindChatByParticipants(ctx, b, a)
	if err != nil || found == nil || found.ID != c1.ID {
		t.Fatalf("FindChatByParticipants: chat=%v err=%v", found, err)
	}
}

func TestMessageLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b := testUsers()

	c, err := s.CreateChat(ctx, a, b)
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	msg, err := s.CreateMessage(ctx, c.ID, b, a, "hi")
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if msg.Status != chat.StatusSent {
		t.Fatalf("expected SENT, got %s", msg.Status)
	}
	if err := s.TouchChat(ctx, c.ID, msg.ID); err != nil {
		t.Fatalf("TouchChat: %v", err)
	}

	pending, err := s.MessagesByReceiverAndStatus(ctx, a, chat.StatusSent)
	if err != nil {
		t.Fatalf("MessagesByReceiverAndStatus: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != msg.ID {
		t.Fatalf("expected the new message pending, got %+v", pending)
	}

	updated, advanced, err := s.UpdateMessageStatus(ctx, msg.ID, chat.StatusDelivered)
	if err != nil || !advanced || updated.Status != chat.StatusDelivered {
		t.Fatalf("expected advance to DELIVERED, got %+v advanced=%v err=%v", updated, advanced, err)
	}

	_, advanced, err = s.UpdateMessageStatus(ctx, msg.ID, chat.StatusDelivered)
	if err != nil || advanced {
		t.Fatalf("repeat DELIVERED must not advance, advanced=%v err=%v", advanced, err)
	}

	if _, advanced, _ = s.UpdateMessageStatus(ctx, msg.ID, chat.StatusRead); !advanced {
		t.Fatal("expected advance to READ")
	}
	current, advanced, _ := s.UpdateMessageStatus(ctx, msg.ID, chat.StatusSent)
	if advanced || current.Status != chat.StatusRead {
		t.Fatalf("status regressed: %+v advanced=%v", current, advanced)
	}

	history, err := s.MessagesByChat(ctx, c.ID)
	if err != nil || len(history) != 1 {
		t.Fatalf("MessagesByChat: %d messages err=%v", len(history), err)
	}

	got, err := s.GetChat(ctx, c.ID)
	if err != nil || got.LastMessageID != msg.ID {
		t.Fatalf("expected last message %s, got %+v err=%v", msg.ID, got, err)
	}

	missing, err := s.GetMessage(ctx, "test_missing")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for unknown message, got %+v err=%v", missing, err)
	}
}

func TestConcurrentDeliveredUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b := testUsers()

	c, _ := s.CreateChat(ctx, a, b)
	msg, err := s.CreateMessage(ctx, c.ID, a, b, "race")
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, advanced, err := s.UpdateMessageStatus(ctx, msg.ID, chat.StatusDelivered); err == nil && advanced {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one advancing update, got %d", wins)
	}
}

func TestSetUserReachability(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, _ := testUsers()

	if err := s.SetUserReachability(ctx, a, true, time.Now()); err != nil {
		t.Fatalf("SetUserReachability online: %v", err)
	}
	if err := s.SetUserReachability(ctx, a, false, time.Now()); err != nil {
		t.Fatalf("SetUserReachability offline: %v", err)
	}

	var online bool
	if err := s.db.QueryRow(`SELECT is_online FROM users WHERE id = $1`, a).Scan(&online); err != nil {
		t.Fatalf("query user: %v", err)
	}
	if online {
		t.Error("expected user to be offline")
	}
}
