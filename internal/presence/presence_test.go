package presence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestPresence creates a Store connected to a local Redis instance and
// cleans up test keys. Tests that call this helper require a running Redis
// on localhost:6379.
func newTestPresence(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		iter := client.Scan(ctx, 0, PresencePrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewStore(client, "test-server")
}

func TestSetOnlineAndGet(t *testing.T) {
	store := newTestPresence(t)
	ctx := context.Background()

	before := time.Now().Unix()
	if err := store.SetOnline(ctx, "test_alice"); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}

	states, err := store.Get(ctx, []string{"test_alice", "test_ghost"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	alice := states["test_alice"]
	if !alice.Online {
		t.Error("alice should be online")
	}
	if alice.LastSeen < before {
		t.Errorf("LastSeen = %d, want >= %d", alice.LastSeen, before)
	}

	ghost := states["test_ghost"]
	if ghost.Online || ghost.LastSeen != 0 {
		t.Errorf("unknown user state = %+v, want offline never-seen", ghost)
	}
}

func TestSetOffline_KeepsLastSeen(t *testing.T) {
	store := newTestPresence(t)
	ctx := context.Background()

	if err := store.SetOnline(ctx, "test_bob"); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	if err := store.SetOffline(ctx, "test_bob"); err != nil {
		t.Fatalf("SetOffline: %v", err)
	}

	states, err := store.Get(ctx, []string{"test_bob"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	bob := states["test_bob"]
	if bob.Online {
		t.Error("bob should be offline")
	}
	if bob.LastSeen == 0 {
		t.Error("LastSeen lost on SetOffline")
	}
}

func TestIsOnline(t *testing.T) {
	store := newTestPresence(t)
	ctx := context.Background()

	online, err := store.IsOnline(ctx, "test_carol")
	if err != nil {
		t.Fatalf("IsOnline(no record): %v", err)
	}
	if online {
		t.Error("user with no record reported online")
	}

	if err := store.SetOnline(ctx, "test_carol"); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	online, err = store.IsOnline(ctx, "test_carol")
	if err != nil {
		t.Fatalf("IsOnline: %v", err)
	}
	if !online {
		t.Error("user reported offline after SetOnline")
	}
}

func TestHeartbeat_RefreshesTTL(t *testing.T) {
	store := newTestPresence(t)
	ctx := context.Background()

	if err := store.SetOnline(ctx, "test_dave"); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	if err := store.Heartbeat(ctx, "test_dave"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	ttl, err := store.client.TTL(ctx, PresencePrefix+"test_dave").Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > OnlineTTL {
		t.Errorf("TTL after heartbeat = %v, want in (0, %v]", ttl, OnlineTTL)
	}
}

func TestGet_EmptyInput(t *testing.T) {
	store := newTestPresence(t)

	states, err := store.Get(context.Background(), nil)
	if err != nil {
		t.Fatalf("Get(nil): %v", err)
	}
	if len(states) != 0 {
		t.Errorf("Get(nil) = %v, want empty map", states)
	}
}
