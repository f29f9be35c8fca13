package fanout

import (
	"encoding/json"
	"fmt"
)

// Event type discriminators pushed to stream subscribers. Events are
// level-triggered state hints: clients reconcile to current state and
// re-query durable stores on reconnect, never replay an event log.
const (
	EventMessageAppended    = "message_appended"
	EventTypingChanged      = "typing_changed"
	EventReactionChanged    = "reaction_changed"
	EventReadCursorAdvanced = "read_cursor_advanced"
	EventPresenceChanged    = "presence_changed"
)

// MessagePayload carries a freshly appended message.
type MessagePayload struct {
	ID          string           `json:"id"`
	SenderID    string           `json:"senderId"`
	Content     string           `json:"content"`
	Attachments json.RawMessage  `json:"attachments,omitempty"`
	ReplyToID   string           `json:"replyToId,omitempty"`
	Sequence    int64            `json:"sequence"`
	CreatedAt   int64            `json:"createdAt"` // unix ms, display only
}

// TypingPayload carries the current typing state of one user.
type TypingPayload struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ReactionPayload carries the new aggregate for one message after a toggle.
type ReactionPayload struct {
	MessageID string          `json:"messageId"`
	UserID    string          `json:"userId"`
	Emoji     string          `json:"emoji"`
	Added     bool            `json:"added"`
	Counts    json.RawMessage `json:"counts,omitempty"` // emoji -> count
}

// ReadCursorPayload carries a user's advanced read cursor.
type ReadCursorPayload struct {
	UserID           string `json:"userId"`
	LastReadSequence int64  `json:"lastReadSequence"`
}

// PresencePayload carries a user's presence delta for the org roster.
type PresencePayload struct {
	UserID   string `json:"userId"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen"`
}

// Event is the tagged union pushed over conversation and organization
// subjects. Exactly one payload pointer is set, matching Type.
type Event struct {
	Type           string             `json:"type"`
	ConversationID string             `json:"conversationId,omitempty"`
	OrgID          string             `json:"orgId,omitempty"`
	Message        *MessagePayload    `json:"message,omitempty"`
	Typing         *TypingPayload     `json:"typing,omitempty"`
	Reaction       *ReactionPayload   `json:"reaction,omitempty"`
	ReadCursor     *ReadCursorPayload `json:"readCursor,omitempty"`
	Presence       *PresencePayload   `json:"presence,omitempty"`
}

// Encode serializes the event for publishing.
func (e Event) Encode() ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("fanout: event without type")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("fanout: encode event: %w", err)
	}
	return data, nil
}

// DecodeEvent parses an event received from a subject.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("fanout: decode event: %w", err)
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("fanout: event without type")
	}
	return e, nil
}

// Notification is the outbound hand-off to the notification subsystem for
// recipients who are offline when a message lands. This core only emits;
// push/email delivery happens elsewhere.
type Notification struct {
	Type           string `json:"type"` // always "message"
	ConversationID string `json:"conversationId"`
	RecipientID    string `json:"recipientId"`
}
