// Package conversation resolves organization members to durable, uniquely
// identified conversations. Direct conversations are keyed by a canonical
// hash of the sorted participant pair so that concurrent creation attempts
// from either ordering converge on a single row.
package conversation

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/rohanbhuri/bhuri-sap-messaging/internal/apperr"
	"github.com/rohanbhuri/bhuri-sap-messaging/internal/directory"
)

// Conversation kinds.
const (
	KindDirect = "direct"
	KindGroup  = "group"
)

// Conversation is a durable chat between organization members.
type Conversation struct {
	ID             string
	OrgID          string
	Kind           string
	ParticipantIDs []string
	CreatedAt      time.Time
}

// IsParticipant reports whether the user belongs to this conversation.
func (c *Conversation) IsParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Other returns the other participant of a direct conversation, or "" if
// the user is not a participant or the conversation is not direct.
func (c *Conversation) Other(userID string) string {
	if c.Kind != KindDirect || len(c.ParticipantIDs) != 2 {
		return ""
	}
	switch userID {
	case c.ParticipantIDs[0]:
		return c.ParticipantIDs[1]
	case c.ParticipantIDs[1]:
		return c.ParticipantIDs[0]
	}
	return ""
}

// PairKey computes the canonical key for an unordered user pair. IDs are
// sorted before hashing so both orderings produce the same key.
func PairKey(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	h := sha256.Sum256([]byte(pair[0] + ":" + pair[1]))
	return fmt.Sprintf("%x", h[:16])
}

// Store manages conversation rows in PostgreSQL.
type Store struct {
	db  *sql.DB
	dir directory.Directory
}

// NewStore creates a conversation store backed by the given database handle
// and membership directory.
func NewStore(db *sql.DB, dir directory.Directory) *Store {
	return &Store{db: db, dir: dir}
}

// GetOrCreateDirect returns the direct conversation between two members of
// an organization, creating it on first contact. Creation is idempotent:
// the unique index on (org_id, pair_key) guarantees at most one row even
// under concurrent calls from both orderings.
func (s *Store) GetOrCreateDirect(ctx context.Context, orgID, userA, userB string) (*Conversation, error) {
	if userA == userB {
		return nil, apperr.ErrInvalidPair
	}
	for _, userID := range []string{userA, userB} {
		ok, err := s.dir.IsMember(ctx, orgID, userID)
		if err != nil {
			return nil, fmt.Errorf("conversation: membership check: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("conversation: user %s: %w", userID, apperr.ErrNotAMember)
		}
	}

	pairKey := PairKey(userA, userB)

	// Fast path: the conversation usually already exists.
	conv, err := s.getDirect(ctx, orgID, pairKey)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}

	if err := s.createDirect(ctx, orgID, pairKey, userA, userB); err != nil {
		return nil, err
	}

	// Re-select regardless of who won the insert race.
	conv, err = s.getDirect(ctx, orgID, pairKey)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation: direct conversation missing after create org=%s", orgID)
	}
	return conv, nil
}

// createDirect inserts the conversation, its two participants, and its
// sequence counter row in one transaction. A concurrent creator winning the
// unique-index race is not an error; the caller re-selects afterwards.
func (s *Store) createDirect(ctx context.Context, orgID, pairKey, userA, userB string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("conversation: begin create: %w", err)
	}
	defer tx.Rollback()

	id := uuid.New().String()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, org_id, kind, pair_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (org_id, pair_key) WHERE kind = 'direct' DO NOTHING`,
		id, orgID, KindDirect, pairKey)
	if err != nil {
		// A serialization-level duplicate can still surface as a unique
		// violation; treat it like losing the ON CONFLICT race.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil
		}
		return fmt.Errorf("conversation: insert: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil // lost the race, existing row wins
	}

	for _, userID := range []string{userA, userB} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id)
			VALUES ($1, $2)`, id, userID); err != nil {
			return fmt.Errorf("conversation: insert participant: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_sequences (conversation_id, last_sequence)
		VALUES ($1, 0)`, id); err != nil {
		return fmt.Errorf("conversation: insert sequence row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("conversation: commit create: %w", err)
	}
	return nil
}

// getDirect loads a direct conversation by its canonical pair key.
// Returns nil if not found.
func (s *Store) getDirect(ctx context.Context, orgID, pairKey string) (*Conversation, error) {
	var conv Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, kind, created_at
		FROM conversations
		WHERE org_id = $1 AND pair_key = $2 AND kind = 'direct'`,
		orgID, pairKey).Scan(&conv.ID, &conv.OrgID, &conv.Kind, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: select direct: %w", err)
	}

	if err := s.loadParticipants(ctx, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Get loads a conversation by ID. Returns apperr.ErrNotFound for unknown IDs.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, kind, created_at
		FROM conversations
		WHERE id = $1`, id).Scan(&conv.ID, &conv.OrgID, &conv.Kind, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation: %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: select: %w", err)
	}

	if err := s.loadParticipants(ctx, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListForUser returns all conversations in an organization the user
// participates in, most recently created first.
func (s *Store) ListForUser(ctx context.Context, orgID, userID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.org_id, c.kind, c.created_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE c.org_id = $1 AND p.user_id = $2
		ORDER BY c.created_at DESC`, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("conversation: list for user: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.OrgID, &conv.Kind, &conv.CreatedAt); err != nil {
			return nil, fmt.Errorf("conversation: scan: %w", err)
		}
		convs = append(convs, &conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: list for user: %w", err)
	}

	for _, conv := range convs {
		if err := s.loadParticipants(ctx, conv); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

// loadParticipants fills ParticipantIDs, sorted for deterministic output.
func (s *Store) loadParticipants(ctx context.Context, conv *Conversation) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id
		FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY user_id`, conv.ID)
	if err != nil {
		return fmt.Errorf("conversation: load participants: %w", err)
	}
	defer rows.Close()

	conv.ParticipantIDs = conv.ParticipantIDs[:0]
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return fmt.Errorf("conversation: scan participant: %w", err)
		}
		conv.ParticipantIDs = append(conv.ParticipantIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("conversation: load participants: %w", err)
	}
	return nil
}
