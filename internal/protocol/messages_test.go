package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseClientMessage_Subscribe(t *testing.T) {
	raw := []byte(`{"type":"subscribe","conversation_id":"c1"}`)

	msgType, msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error: %v", err)
	}
	if msgType != TypeSubscribe {
		t.Errorf("type = %q, want %q", msgType, TypeSubscribe)
	}
	sub, ok := msg.(SubscribeMsg)
	if !ok {
		t.Fatalf("msg type = %T, want SubscribeMsg", msg)
	}
	if sub.ConversationID != "c1" {
		t.Errorf("ConversationID = %q, want %q", sub.ConversationID, "c1")
	}
}

func TestParseClientMessage_Typing(t *testing.T) {
	raw := []byte(`{"type":"typing","conversation_id":"c1","is_typing":true}`)

	_, msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error: %v", err)
	}
	typing, ok := msg.(TypingMsg)
	if !ok {
		t.Fatalf("msg type = %T, want TypingMsg", msg)
	}
	if !typing.IsTyping {
		t.Error("IsTyping = false, want true")
	}
}

func TestParseClientMessage_AckAndMarkRead(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"ack","conversation_id":"c1","up_to_sequence":42}`))
	if err != nil {
		t.Fatalf("ParseClientMessage(ack) error: %v", err)
	}
	ack, ok := msg.(AckMsg)
	if !ok || ack.UpToSequence != 42 {
		t.Fatalf("ack = %#v, want UpToSequence=42", msg)
	}

	_, msg, err = ParseClientMessage([]byte(`{"type":"mark_read","conversation_id":"c1"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage(mark_read) error: %v", err)
	}
	read, ok := msg.(MarkReadMsg)
	if !ok || read.UpToSequence != 0 {
		t.Fatalf("mark_read = %#v, want UpToSequence=0 (latest)", msg)
	}
}

func TestParseClientMessage_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{not json`},
		{"missing type", `{"conversation_id":"c1"}`},
		{"empty type", `{"type":""}`},
		{"unknown type", `{"type":"launch_missiles"}`},
		{"server-only type", `{"type":"ready"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseClientMessage([]byte(tt.raw)); err == nil {
				t.Errorf("ParseClientMessage(%s) = nil error, want error", tt.raw)
			}
		})
	}
}

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeReady, ReadyMsg{UserID: "u1"})
	if err != nil {
		t.Fatalf("NewServerMessage() error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != TypeReady {
		t.Errorf("type = %v, want %q", decoded["type"], TypeReady)
	}
	if decoded["user_id"] != "u1" {
		t.Errorf("user_id = %v, want %q", decoded["user_id"], "u1")
	}
}

func TestEnvelope_PreservesRaw(t *testing.T) {
	raw := []byte(`{"type":"typing","conversation_id":"c9","is_typing":false}`)

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != TypeTyping {
		t.Errorf("Type = %q, want %q", env.Type, TypeTyping)
	}

	var typing TypingMsg
	if err := json.Unmarshal(env.Raw, &typing); err != nil {
		t.Fatalf("raw payload not decodable: %v", err)
	}
	if typing.ConversationID != "c9" {
		t.Errorf("ConversationID = %q, want %q", typing.ConversationID, "c9")
	}
}
