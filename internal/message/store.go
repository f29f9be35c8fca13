// Package message implements the append-only per-conversation message log.
// Every message carries a conversation-scoped, gap-free sequence number
// assigned inside the append transaction; sequence is the sole ordering key
// (created_at is display metadata only).
package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rohanbhuri/bhuri-sap-messaging/internal/apperr"
)

// Attachment is a file reference carried by a message. The file itself
// lives in the product's storage module; messages only hold pointers.
type Attachment struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	MimeType  string `json:"mimeType,omitempty"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
}

// Message is one entry of a conversation's log. Immutable once appended;
// reactions and read state live in side tables keyed by ID.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Attachments    []Attachment
	ReplyToID      string // empty when not a reply
	Sequence       int64
	CreatedAt      time.Time
}

// Store manages the message log in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append validates and appends a message, assigning the next sequence for
// the conversation. The conversation's counter row is updated inside the
// transaction, which serializes concurrent appends without gaps or
// collisions. The sender's own read cursor is advanced to the new sequence
// (sending implies having read up to your own message).
func (s *Store) Append(ctx context.Context, conversationID, senderID, content string, attachments []Attachment, replyToID string) (*Message, error) {
	if err := ValidateContent(content, attachments); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("message: begin append: %w", err)
	}
	defer tx.Rollback()

	// Sender must be a participant; unknown conversations and outsiders
	// both read as "no such conversation" to the caller.
	var isParticipant bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2
		)`, conversationID, senderID).Scan(&isParticipant); err != nil {
		return nil, fmt.Errorf("message: participant check: %w", err)
	}
	if !isParticipant {
		return nil, fmt.Errorf("message: conversation %s: %w", conversationID, apperr.ErrNotFound)
	}

	if replyToID != "" {
		var sameConversation bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM messages
				WHERE id = $1 AND conversation_id = $2
			)`, replyToID, conversationID).Scan(&sameConversation); err != nil {
			return nil, fmt.Errorf("message: reply check: %w", err)
		}
		if !sameConversation {
			return nil, fmt.Errorf("message: reply target %s not in conversation: %w", replyToID, apperr.ErrValidation)
		}
	}

	// The single serializing critical section: row lock on the counter.
	var seq int64
	err = tx.QueryRowContext(ctx, `
		UPDATE conversation_sequences
		SET last_sequence = last_sequence + 1, updated_at = NOW()
		WHERE conversation_id = $1
		RETURNING last_sequence`, conversationID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message: conversation %s has no sequence row: %w", conversationID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("message: next sequence: %w", err)
	}

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Attachments:    attachments,
		ReplyToID:      replyToID,
		Sequence:       seq,
	}

	var attachmentsJSON []byte
	if len(attachments) > 0 {
		attachmentsJSON, err = json.Marshal(attachments)
		if err != nil {
			return nil, fmt.Errorf("message: marshal attachments: %w", err)
		}
	}

	var replyTo sql.NullString
	if replyToID != "" {
		replyTo = sql.NullString{String: replyToID, Valid: true}
	}

	if err := tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, attachments, reply_to_id, sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		msg.ID, conversationID, senderID, content, attachmentsJSON, replyTo, seq,
	).Scan(&msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("message: insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO read_cursors (conversation_id, user_id, last_read_sequence, last_delivered_sequence)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET
			last_read_sequence      = GREATEST(read_cursors.last_read_sequence, EXCLUDED.last_read_sequence),
			last_delivered_sequence = GREATEST(read_cursors.last_delivered_sequence, EXCLUDED.last_delivered_sequence),
			updated_at              = NOW()`,
		conversationID, senderID, seq); err != nil {
		return nil, fmt.Errorf("message: advance sender cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("message: commit append: %w", err)
	}
	return msg, nil
}

// DefaultPageLimit caps history pages when the caller passes limit <= 0.
const DefaultPageLimit = 50

// Page returns up to limit messages with sequence < beforeSequence in
// descending sequence order. beforeSequence <= 0 means "most recent page".
// hasMore is false once a short page is returned; paging past the oldest
// message yields an empty page, which is terminal, not an error.
func (s *Store) Page(ctx context.Context, conversationID string, beforeSequence int64, limit int) (msgs []*Message, hasMore bool, err error) {
	if limit <= 0 || limit > DefaultPageLimit {
		limit = DefaultPageLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, content, attachments, reply_to_id, sequence, created_at
		FROM messages
		WHERE conversation_id = $1 AND ($2 <= 0 OR sequence < $2)
		ORDER BY sequence DESC
		LIMIT $3`, conversationID, beforeSequence, limit)
	if err != nil {
		return nil, false, fmt.Errorf("message: page: %w", err)
	}
	defer rows.Close()

	msgs = make([]*Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, false, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("message: page: %w", err)
	}
	return msgs, len(msgs) == limit, nil
}

// Get loads a single message by ID. Returns apperr.ErrNotFound for unknown IDs.
func (s *Store) Get(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, content, attachments, reply_to_id, sequence, created_at
		FROM messages
		WHERE id = $1`, id)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message: %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// MaxSequence returns the conversation's current counter value (0 for an
// empty conversation). Returns apperr.ErrNotFound for unknown conversations.
func (s *Store) MaxSequence(ctx context.Context, conversationID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM conversation_sequences WHERE conversation_id = $1`,
		conversationID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("message: conversation %s: %w", conversationID, apperr.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("message: max sequence: %w", err)
	}
	return seq, nil
}

// scanTarget matches both *sql.Row and *sql.Rows.
type scanTarget interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanTarget) (*Message, error) {
	var (
		msg             Message
		attachmentsJSON []byte
		replyTo         sql.NullString
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content,
		&attachmentsJSON, &replyTo, &msg.Sequence, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("message: scan: %w", err)
	}

	if len(attachmentsJSON) > 0 {
		if err := json.Unmarshal(attachmentsJSON, &msg.Attachments); err != nil {
			return nil, fmt.Errorf("message: unmarshal attachments: %w", err)
		}
	}
	if replyTo.Valid {
		msg.ReplyToID = replyTo.String
	}
	return &msg, nil
}
