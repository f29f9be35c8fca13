package conversation

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/rohanbhuri/bhuri-sap-messaging/internal/apperr"
	"github.com/rohanbhuri/bhuri-sap-messaging/internal/directory"
	"github.com/rohanbhuri/bhuri-sap-messaging/internal/testdb"
)

func TestPairKey_OrderIndependent(t *testing.T) {
	if PairKey("alice", "bob") != PairKey("bob", "alice") {
		t.Error("PairKey must be identical for both orderings")
	}
	if PairKey("alice", "bob") == PairKey("alice", "carol") {
		t.Error("PairKey must differ for different pairs")
	}
	if len(PairKey("a", "b")) != 32 {
		t.Errorf("PairKey length = %d, want 32 hex chars", len(PairKey("a", "b")))
	}
}

func TestPairKey_NoDelimiterConfusion(t *testing.T) {
	// ("ab", "c") and ("a", "bc") must not collide.
	if PairKey("ab", "c") == PairKey("a", "bc") {
		t.Error("PairKey collides across different pair boundaries")
	}
}

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db := testdb.Connect(t)
	testdb.TruncateAll(t, db)

	testdb.SeedMember(t, db, "org1", "alice", "Alice", "Iyer", "alice@example.com")
	testdb.SeedMember(t, db, "org1", "bob", "Bob", "Rao", "bob@example.com")
	testdb.SeedMember(t, db, "org1", "carol", "Carol", "Shah", "carol@example.com")
	testdb.SeedMember(t, db, "org2", "alice", "Alice", "Iyer", "alice@example.com")

	return NewStore(db, directory.NewSQLDirectory(db)), db
}

func TestGetOrCreateDirect_CreatesOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.GetOrCreateDirect(ctx, "org1", "alice", "bob")
	if err != nil {
		t.Fatalf("GetOrCreateDirect() error: %v", err)
	}
	if first.Kind != KindDirect {
		t.Errorf("Kind = %q, want %q", first.Kind, KindDirect)
	}
	if len(first.ParticipantIDs) != 2 {
		t.Fatalf("ParticipantIDs = %v, want 2 entries", first.ParticipantIDs)
	}

	// Opposite ordering resolves to the same conversation.
	second, err := store.GetOrCreateDirect(ctx, "org1", "bob", "alice")
	if err != nil {
		t.Fatalf("GetOrCreateDirect() reversed error: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("reversed pair got conversation %s, want %s", second.ID, first.ID)
	}
}

func TestGetOrCreateDirect_ScopedByOrg(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	testdb.SeedMember(t, db, "org2", "bob", "Bob", "Rao", "bob@example.com")

	conv1, err := store.GetOrCreateDirect(ctx, "org1", "alice", "bob")
	if err != nil {
		t.Fatalf("org1 pair: %v", err)
	}
	conv2, err := store.GetOrCreateDirect(ctx, "org2", "alice", "bob")
	if err != nil {
		t.Fatalf("org2 pair: %v", err)
	}
	if conv1.ID == conv2.ID {
		t.Error("the same pair in different orgs must get distinct conversations")
	}
}

func TestGetOrCreateDirect_SelfPair(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.GetOrCreateDirect(context.Background(), "org1", "alice", "alice")
	if !errors.Is(err, apperr.ErrInvalidPair) {
		t.Fatalf("self pair error = %v, want ErrInvalidPair", err)
	}
}

func TestGetOrCreateDirect_NonMember(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetOrCreateDirect(ctx, "org1", "alice", "mallory"); !errors.Is(err, apperr.ErrNotAMember) {
		t.Fatalf("unknown counterpart error = %v, want ErrNotAMember", err)
	}
	// alice belongs to org2 but bob does not.
	if _, err := store.GetOrCreateDirect(ctx, "org2", "alice", "bob"); !errors.Is(err, apperr.ErrNotAMember) {
		t.Fatalf("cross-org counterpart error = %v, want ErrNotAMember", err)
	}
}

func TestGetOrCreateDirect_ConcurrentConvergence(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	const racers = 8
	ids := make([]string, racers)
	errs := make([]error, racers)

	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userA, userB := "alice", "bob"
			if i%2 == 1 {
				userA, userB = userB, userA
			}
			conv, err := store.GetOrCreateDirect(ctx, "org1", userA, userB)
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()

	for i := 0; i < racers; i++ {
		if errs[i] != nil {
			t.Fatalf("racer %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("racer %d got conversation %s, racer 0 got %s", i, ids[i], ids[0])
		}
	}
}

func TestGet_NotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), "no-such-conversation")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Get(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestListForUser(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ab, err := store.GetOrCreateDirect(ctx, "org1", "alice", "bob")
	if err != nil {
		t.Fatalf("create alice-bob: %v", err)
	}
	if _, err := store.GetOrCreateDirect(ctx, "org1", "alice", "carol"); err != nil {
		t.Fatalf("create alice-carol: %v", err)
	}

	aliceConvs, err := store.ListForUser(ctx, "org1", "alice")
	if err != nil {
		t.Fatalf("ListForUser(alice): %v", err)
	}
	if len(aliceConvs) != 2 {
		t.Fatalf("alice has %d conversations, want 2", len(aliceConvs))
	}

	bobConvs, err := store.ListForUser(ctx, "org1", "bob")
	if err != nil {
		t.Fatalf("ListForUser(bob): %v", err)
	}
	if len(bobConvs) != 1 || bobConvs[0].ID != ab.ID {
		t.Fatalf("bob's conversations = %v, want just %s", bobConvs, ab.ID)
	}
}

func TestConversation_Other(t *testing.T) {
	conv := &Conversation{Kind: KindDirect, ParticipantIDs: []string{"alice", "bob"}}

	if got := conv.Other("alice"); got != "bob" {
		t.Errorf("Other(alice) = %q, want bob", got)
	}
	if got := conv.Other("bob"); got != "alice" {
		t.Errorf("Other(bob) = %q, want alice", got)
	}
	if got := conv.Other("carol"); got != "" {
		t.Errorf("Other(non-participant) = %q, want empty", got)
	}
}
