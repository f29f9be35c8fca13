package readstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/rohanbhuri/bhuri-sap-messaging/internal/apperr"
	"github.com/rohanbhuri/bhuri-sap-messaging/internal/conversation"
	"github.com/rohanbhuri/bhuri-sap-messaging/internal/directory"
	"github.com/rohanbhuri/bhuri-sap-messaging/internal/message"
	"github.com/rohanbhuri/bhuri-sap-messaging/internal/testdb"
)

// newTestLog sets up an alice-bob conversation with n messages from alice.
func newTestLog(t *testing.T, n int) (*Store, *sql.DB, string) {
	t.Helper()
	db := testdb.Connect(t)
	testdb.TruncateAll(t, db)

	testdb.SeedMember(t, db, "org1", "alice", "Alice", "Iyer", "alice@example.com")
	testdb.SeedMember(t, db, "org1", "bob", "Bob", "Rao", "bob@example.com")

	ctx := context.Background()
	convs := conversation.NewStore(db, directory.NewSQLDirectory(db))
	conv, err := convs.GetOrCreateDirect(ctx, "org1", "alice", "bob")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	msgs := message.NewStore(db)
	for i := 1; i <= n; i++ {
		if _, err := msgs.Append(ctx, conv.ID, "alice", fmt.Sprintf("m%d", i), nil, ""); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	return NewStore(db), db, conv.ID
}

func TestMarkRead_AdvancesAndClamps(t *testing.T) {
	store, _, convID := newTestLog(t, 5)
	ctx := context.Background()

	cursor, err := store.MarkRead(ctx, convID, "bob", 3)
	if err != nil {
		t.Fatalf("MarkRead(3): %v", err)
	}
	if cursor != 3 {
		t.Errorf("cursor = %d, want 3", cursor)
	}

	// Stale call: the cursor never moves backwards.
	cursor, err = store.MarkRead(ctx, convID, "bob", 2)
	if err != nil {
		t.Fatalf("MarkRead(2): %v", err)
	}
	if cursor != 3 {
		t.Errorf("cursor after stale call = %d, want 3", cursor)
	}

	// upTo <= 0 means "everything".
	cursor, err = store.MarkRead(ctx, convID, "bob", 0)
	if err != nil {
		t.Fatalf("MarkRead(0): %v", err)
	}
	if cursor != 5 {
		t.Errorf("cursor after mark-all = %d, want 5", cursor)
	}
}

func TestMarkRead_ClampsToExistingMessages(t *testing.T) {
	store, db, convID := newTestLog(t, 3)
	ctx := context.Background()

	// A cursor beyond the log is clamped; bob cannot read messages that
	// were never sent.
	cursor, err := store.MarkRead(ctx, convID, "bob", 99)
	if err != nil {
		t.Fatalf("MarkRead(99): %v", err)
	}
	if cursor != 3 {
		t.Errorf("cursor = %d, want clamp to 3", cursor)
	}

	cursor, err = store.MarkDelivered(ctx, convID, "bob", 99)
	if err != nil {
		t.Fatalf("MarkDelivered(99): %v", err)
	}
	if cursor != 3 {
		t.Errorf("delivered cursor = %d, want clamp to 3", cursor)
	}

	// A message appended after the inflated call must still show as sent.
	msg, err := message.NewStore(db).Append(ctx, convID, "alice", "m4", nil, "")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	status, err := store.MessageStatus(ctx, convID, "alice", msg.Sequence)
	if err != nil {
		t.Fatalf("MessageStatus: %v", err)
	}
	if status != StatusSent {
		t.Errorf("status of later message = %q, want %q", status, StatusSent)
	}
}

func TestMarkRead_UnknownConversation(t *testing.T) {
	store, _, _ := newTestLog(t, 0)

	_, err := store.MarkRead(context.Background(), "no-such-conv", "bob", 0)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("MarkRead(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestUnreadCount(t *testing.T) {
	store, _, convID := newTestLog(t, 4)
	ctx := context.Background()

	// Bob has read nothing.
	count, err := store.UnreadCount(ctx, convID, "bob")
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if count != 4 {
		t.Errorf("unread = %d, want 4", count)
	}

	// Alice sent everything, so her own messages are not unread.
	count, err = store.UnreadCount(ctx, convID, "alice")
	if err != nil {
		t.Fatalf("UnreadCount(alice): %v", err)
	}
	if count != 0 {
		t.Errorf("sender unread = %d, want 0", count)
	}

	if _, err := store.MarkRead(ctx, convID, "bob", 3); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	count, err = store.UnreadCount(ctx, convID, "bob")
	if err != nil {
		t.Fatalf("UnreadCount after read: %v", err)
	}
	if count != 1 {
		t.Errorf("unread after reading to 3 = %d, want 1", count)
	}
}

func TestUnreadTotals(t *testing.T) {
	store, db, convID := newTestLog(t, 2)
	ctx := context.Background()

	// A second conversation with one unread message for bob.
	testdb.SeedMember(t, db, "org1", "carol", "Carol", "Shah", "carol@example.com")
	convs := conversation.NewStore(db, directory.NewSQLDirectory(db))
	other, err := convs.GetOrCreateDirect(ctx, "org1", "bob", "carol")
	if err != nil {
		t.Fatalf("create second conversation: %v", err)
	}
	if _, err := message.NewStore(db).Append(ctx, other.ID, "carol", "hi bob", nil, ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	totals, err := store.UnreadTotals(ctx, "bob")
	if err != nil {
		t.Fatalf("UnreadTotals: %v", err)
	}
	if totals[convID] != 2 || totals[other.ID] != 1 {
		t.Fatalf("totals = %v, want {%s:2 %s:1}", totals, convID, other.ID)
	}

	// Fully-read conversations drop out of the map.
	if _, err := store.MarkRead(ctx, other.ID, "bob", 0); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	totals, err = store.UnreadTotals(ctx, "bob")
	if err != nil {
		t.Fatalf("UnreadTotals after read: %v", err)
	}
	if _, present := totals[other.ID]; present {
		t.Errorf("fully-read conversation still in totals: %v", totals)
	}
}

func TestMessageStatus_Progression(t *testing.T) {
	store, _, convID := newTestLog(t, 3)
	ctx := context.Background()

	status, err := store.MessageStatus(ctx, convID, "alice", 2)
	if err != nil {
		t.Fatalf("MessageStatus: %v", err)
	}
	if status != StatusSent {
		t.Errorf("status before any ack = %q, want %q", status, StatusSent)
	}

	if _, err := store.MarkDelivered(ctx, convID, "bob", 2); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	status, err = store.MessageStatus(ctx, convID, "alice", 2)
	if err != nil {
		t.Fatalf("MessageStatus after deliver: %v", err)
	}
	if status != StatusDelivered {
		t.Errorf("status after ack = %q, want %q", status, StatusDelivered)
	}
	// Sequence 3 was not delivered yet.
	status, _ = store.MessageStatus(ctx, convID, "alice", 3)
	if status != StatusSent {
		t.Errorf("status of undelivered message = %q, want %q", status, StatusSent)
	}

	if _, err := store.MarkRead(ctx, convID, "bob", 2); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	status, err = store.MessageStatus(ctx, convID, "alice", 2)
	if err != nil {
		t.Fatalf("MessageStatus after read: %v", err)
	}
	if status != StatusRead {
		t.Errorf("status after read = %q, want %q", status, StatusRead)
	}
}

func TestMessageStatus_IgnoresSenderCursor(t *testing.T) {
	store, _, convID := newTestLog(t, 1)
	ctx := context.Background()

	// Appending advanced alice's own cursor to 1; that must not count as
	// the recipient having read it.
	status, err := store.MessageStatus(ctx, convID, "alice", 1)
	if err != nil {
		t.Fatalf("MessageStatus: %v", err)
	}
	if status != StatusSent {
		t.Errorf("status = %q, want %q (sender's own cursor excluded)", status, StatusSent)
	}
}

func TestMarkDelivered_DoesNotAdvanceRead(t *testing.T) {
	store, _, convID := newTestLog(t, 3)
	ctx := context.Background()

	if _, err := store.MarkDelivered(ctx, convID, "bob", 0); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	count, err := store.UnreadCount(ctx, convID, "bob")
	if err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if count != 3 {
		t.Errorf("unread after delivery-only ack = %d, want 3", count)
	}
}
