// Package reaction maintains the multiset of (emoji, user) reactions per
// message. Applying the same emoji twice toggles it off, so repeated client
// clicks are naturally idempotent. Counts are always derived from the rows,
// never stored redundantly.
package reaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/rohanbhuri/bhuri-sap-messaging/internal/apperr"
)

// ToggleResult reports the outcome of a reaction toggle. ConversationID is
// included so callers can route the change to the right fan-out subject.
type ToggleResult struct {
	Added          bool
	ConversationID string
}

// EmojiCount is one aggregated reaction entry for a message.
type EmojiCount struct {
	Emoji   string `json:"emoji"`
	Count   int    `json:"count"`
	Reacted bool   `json:"reacted"` // did the viewing user react with this emoji
}

// Store manages reaction rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a reaction store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Toggle adds the (message, user, emoji) reaction if absent, or removes it
// if present. Returns apperr.ErrNotFound for unknown messages.
func (s *Store) Toggle(ctx context.Context, messageID, userID, emoji string) (*ToggleResult, error) {
	if emoji == "" {
		return nil, fmt.Errorf("reaction: empty emoji: %w", apperr.ErrValidation)
	}

	var conversationID string
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id FROM messages WHERE id = $1`,
		messageID).Scan(&conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reaction: message %s: %w", messageID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reaction: message lookup: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM reactions
		WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji)
	if err != nil {
		return nil, fmt.Errorf("reaction: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return &ToggleResult{Added: false, ConversationID: conversationID}, nil
	}

	// Nothing to remove, so this click adds. ON CONFLICT covers the race
	// where two identical clicks land at once; both observe "added".
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO reactions (message_id, user_id, emoji)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id, emoji) DO NOTHING`,
		messageID, userID, emoji); err != nil {
		return nil, fmt.Errorf("reaction: insert: %w", err)
	}
	return &ToggleResult{Added: true, ConversationID: conversationID}, nil
}

// ListByMessage returns emoji -> reacting user IDs, users ordered by when
// they reacted.
func (s *Store) ListByMessage(ctx context.Context, messageID string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT emoji, user_id
		FROM reactions
		WHERE message_id = $1
		ORDER BY created_at, user_id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("reaction: list: %w", err)
	}
	defer rows.Close()

	byEmoji := make(map[string][]string)
	for rows.Next() {
		var emoji, userID string
		if err := rows.Scan(&emoji, &userID); err != nil {
			return nil, fmt.Errorf("reaction: scan: %w", err)
		}
		byEmoji[emoji] = append(byEmoji[emoji], userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reaction: list: %w", err)
	}
	return byEmoji, nil
}

// Summary returns per-emoji counts plus whether the viewing user reacted,
// sorted by emoji for deterministic output.
func (s *Store) Summary(ctx context.Context, messageID, viewerID string) ([]EmojiCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT emoji,
		       COUNT(*),
		       BOOL_OR(user_id = $2)
		FROM reactions
		WHERE message_id = $1
		GROUP BY emoji`, messageID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("reaction: summary: %w", err)
	}
	defer rows.Close()

	var counts []EmojiCount
	for rows.Next() {
		var ec EmojiCount
		if err := rows.Scan(&ec.Emoji, &ec.Count, &ec.Reacted); err != nil {
			return nil, fmt.Errorf("reaction: scan summary: %w", err)
		}
		counts = append(counts, ec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reaction: summary: %w", err)
	}

	sort.Slice(counts, func(i, j int) bool { return counts[i].Emoji < counts[j].Emoji })
	return counts, nil
}
