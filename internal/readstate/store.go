// Package readstate tracks per-user read and delivered watermarks per
// conversation. Instead of marking individual messages, each user keeps
// "I have read/received up to sequence N"; unread counts and message status
// are derived from the watermarks. Both cursors are monotonically
// non-decreasing by construction (GREATEST upserts), so late or repeated
// client calls are harmless no-ops.
package readstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rohanbhuri/bhuri-sap-messaging/internal/apperr"
)

// Message delivery status values, advisory UI state for the sender.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Store manages read cursors in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a read-state store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// MarkRead advances the user's read cursor. upTo <= 0 means "up to the
// conversation's current max sequence", and values beyond the max are
// clamped to it so a client cannot pre-mark messages that do not exist
// yet. The cursor never moves backwards; a stale call returns the stored
// (higher) cursor unchanged. Reading also implies delivery, so the
// delivered watermark is advanced alongside.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID string, upTo int64) (int64, error) {
	max, err := s.maxSequence(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if upTo <= 0 || upTo > max {
		upTo = max
	}

	var cursor int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO read_cursors (conversation_id, user_id, last_read_sequence, last_delivered_sequence)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET
			last_read_sequence      = GREATEST(read_cursors.last_read_sequence, EXCLUDED.last_read_sequence),
			last_delivered_sequence = GREATEST(read_cursors.last_delivered_sequence, EXCLUDED.last_delivered_sequence),
			updated_at              = NOW()
		RETURNING last_read_sequence`,
		conversationID, userID, upTo).Scan(&cursor)
	if err != nil {
		return 0, fmt.Errorf("readstate: mark read: %w", err)
	}
	return cursor, nil
}

// MarkDelivered advances the user's delivered watermark, leaving the read
// cursor untouched. Called when the user's connection acknowledges receipt
// of pushed messages. Like MarkRead, upTo is clamped to the conversation's
// current max sequence.
func (s *Store) MarkDelivered(ctx context.Context, conversationID, userID string, upTo int64) (int64, error) {
	max, err := s.maxSequence(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if upTo <= 0 || upTo > max {
		upTo = max
	}

	var cursor int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO read_cursors (conversation_id, user_id, last_read_sequence, last_delivered_sequence)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET
			last_delivered_sequence = GREATEST(read_cursors.last_delivered_sequence, EXCLUDED.last_delivered_sequence),
			updated_at              = NOW()
		RETURNING last_delivered_sequence`,
		conversationID, userID, upTo).Scan(&cursor)
	if err != nil {
		return 0, fmt.Errorf("readstate: mark delivered: %w", err)
	}
	return cursor, nil
}

// UnreadCount returns how many messages in the conversation the user has
// not read: sequence above the cursor and sent by someone else.
func (s *Store) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m
		WHERE m.conversation_id = $1
		  AND m.sender_id <> $2
		  AND m.sequence > COALESCE((
			SELECT last_read_sequence FROM read_cursors
			WHERE conversation_id = $1 AND user_id = $2
		  ), 0)`, conversationID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("readstate: unread count: %w", err)
	}
	return count, nil
}

// UnreadTotals returns conversation ID -> unread count across every
// conversation the user participates in, for badging the member list.
// Conversations with zero unread are omitted.
func (s *Store) UnreadTotals(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.conversation_id, COUNT(*)
		FROM messages m
		JOIN conversation_participants p
		  ON p.conversation_id = m.conversation_id AND p.user_id = $1
		LEFT JOIN read_cursors rc
		  ON rc.conversation_id = m.conversation_id AND rc.user_id = $1
		WHERE m.sender_id <> $1
		  AND m.sequence > COALESCE(rc.last_read_sequence, 0)
		GROUP BY m.conversation_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("readstate: unread totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]int)
	for rows.Next() {
		var conversationID string
		var count int
		if err := rows.Scan(&conversationID, &count); err != nil {
			return nil, fmt.Errorf("readstate: scan totals: %w", err)
		}
		totals[conversationID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("readstate: unread totals: %w", err)
	}
	return totals, nil
}

// MessageStatus derives the sender-facing status of a message from the
// other participants' watermarks: read once any recipient's read cursor
// passed it, delivered once any recipient's connection acknowledged it,
// otherwise sent.
func (s *Store) MessageStatus(ctx context.Context, conversationID, senderID string, sequence int64) (string, error) {
	var maxRead, maxDelivered sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(last_read_sequence), MAX(last_delivered_sequence)
		FROM read_cursors
		WHERE conversation_id = $1 AND user_id <> $2`,
		conversationID, senderID).Scan(&maxRead, &maxDelivered)
	if err != nil {
		return "", fmt.Errorf("readstate: message status: %w", err)
	}

	switch {
	case maxRead.Valid && maxRead.Int64 >= sequence:
		return StatusRead, nil
	case maxDelivered.Valid && maxDelivered.Int64 >= sequence:
		return StatusDelivered, nil
	default:
		return StatusSent, nil
	}
}

// maxSequence reads the conversation's counter value.
func (s *Store) maxSequence(ctx context.Context, conversationID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM conversation_sequences WHERE conversation_id = $1`,
		conversationID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("readstate: conversation %s: %w", conversationID, apperr.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("readstate: max sequence: %w", err)
	}
	return seq, nil
}
