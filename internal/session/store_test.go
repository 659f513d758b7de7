package session

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store on a local Redis instance and removes the test
// keys before and after the test. Tests that call this helper require a
// running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		for _, prefix := range []string{SessionPrefix + "test_*", UserPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, prefix, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStoreWithClient(client, "node-a")
}

func TestCreateAndLocate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, "test_s1", "test_alice"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sess, err := store.Locate(ctx, "test_alice")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if sess == nil || sess.ID != "test_s1" || sess.Server != "node-a" || sess.UserID != "test_alice" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if sess.CreatedAt == 0 || sess.LastActive == 0 {
		t.Errorf("expected timestamps, got %+v", sess)
	}

	if err := store.Touch(ctx, "test_s1", "test_alice"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
}

func TestLocateUnknownUser(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Locate(context.Background(), "test_nobody")
	if err != nil || sess != nil {
		t.Fatalf("expected nil session, got %+v err=%v", sess, err)
	}
}

func TestDeleteKeepsNewerSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Create(ctx, "test_old", "test_bob")
	store.Create(ctx, "test_new", "test_bob")

	if err := store.Delete(ctx, "test_old", "test_bob"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if sess, _ := store.Get(ctx, "test_old"); sess != nil {
		t.Error("old session hash must be gone")
	}
	sess, err := store.Locate(ctx, "test_bob")
	if err != nil || sess == nil || sess.ID != "test_new" {
		t.Fatalf("newer session must stay located, got %+v err=%v", sess, err)
	}

	if err := store.Delete(ctx, "test_new", "test_bob"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if sess, _ := store.Locate(ctx, "test_bob"); sess != nil {
		t.Errorf("expected no session after last delete, got %+v", sess)
	}
}
