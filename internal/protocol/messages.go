// Package protocol defines the WebSocket message types and structures used
// between the client and the realtime gateway. All messages are serialized
// as JSON and follow a consistent envelope format with a type discriminator.
// Pushed state changes (messages, typing, reactions, read cursors, presence)
// reuse the fanout event encoding and are forwarded as-is; this package only
// covers the client's control messages and the gateway's own responses.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> Server message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeTyping      = "typing"
	TypeAck         = "ack"
	TypeMarkRead    = "mark_read"
	TypePing        = "ping"
)

// Server -> Client message types (pushed fanout events carry their own
// type discriminators and are not listed here).
const (
	TypeReady = "ready"
	TypeError = "error"
	TypePong  = "pong"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SubscribeMsg attaches the connection to a conversation's event stream.
type SubscribeMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// UnsubscribeMsg detaches the connection from a conversation's event stream.
type UnsubscribeMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// TypingMsg signals whether the user is currently typing in a conversation.
type TypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// AckMsg acknowledges receipt of pushed messages up to a sequence,
// advancing the user's delivered watermark.
type AckMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	UpToSequence   int64  `json:"up_to_sequence"`
}

// MarkReadMsg advances the user's read cursor. UpToSequence <= 0 means
// "up to the latest message".
type MarkReadMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	UpToSequence   int64  `json:"up_to_sequence"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ReadyMsg is sent once after a successful authenticated upgrade.
type ReadyMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// ErrorMsg communicates an error condition on the stream.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnsubscribe:
		var m UnsubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAck:
		var m AckMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
