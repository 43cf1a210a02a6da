package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Envelope tests
// ---------------------------------------------------------------------------

func TestEnvelopeUnmarshal(t *testing.T) {
	raw := []byte(`{"type":"new_message","room":3,"message":"hi"}`)

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != TypeNewMessage {
		t.Errorf("type = %q, want %q", env.Type, TypeNewMessage)
	}
	if string(env.Raw) != string(raw) {
		t.Errorf("raw payload not preserved: %s", env.Raw)
	}
}

func TestEnvelopeMissingType(t *testing.T) {
	var env Envelope
	if err := json.Unmarshal([]byte(`{"room":3}`), &env); err == nil {
		t.Fatal("expected error for missing type field")
	}
}

// ---------------------------------------------------------------------------
// ParseClientMessage tests
// ---------------------------------------------------------------------------

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		typ  string
	}{
		{"join", `{"type":"join","identity":"alice"}`, TypeJoin},
		{"new_message", `{"type":"new_message","room":1,"message":"hello"}`, TypeNewMessage},
		{"add_channel", `{"type":"add_channel","name":"dogs","private":true}`, TypeAddChannel},
		{"join_channel", `{"type":"join_channel","id":4}`, TypeJoinChannel},
		{"leave_channel", `{"type":"leave_channel","id":4}`, TypeLeaveChannel},
		{"add_user", `{"type":"add_user_to_channel","channel":4,"user":"bob"}`, TypeAddUserToChannel},
		{"direct", `{"type":"request_direct_room","to":"bob"}`, TypeRequestDirectRoom},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, msg, err := ParseClientMessage([]byte(tt.raw))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if typ != tt.typ {
				t.Errorf("type = %q, want %q", typ, tt.typ)
			}
			if msg == nil {
				t.Error("decoded message is nil")
			}
		})
	}
}

func TestParseClientMessageFields(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(
		`{"type":"new_message","room":7,"message":"cipher","iv":"abc","encryptedKeys":{"bob":"k1"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	m, ok := msg.(NewMessageMsg)
	if !ok {
		t.Fatalf("decoded type = %T, want NewMessageMsg", msg)
	}
	if m.Room != 7 || m.Message != "cipher" || m.IV != "abc" {
		t.Errorf("unexpected fields: %+v", m)
	}
	if m.EncryptedKeys["bob"] != "k1" {
		t.Errorf("encrypted keys = %v", m.EncryptedKeys)
	}
}

func TestParseClientMessageUnknownType(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"login"}`)); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("server-only type: err = %v, want ErrUnknownType", err)
	}
	if _, _, err := ParseClientMessage([]byte(`{"type":"bogus"}`)); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("unknown type: err = %v, want ErrUnknownType", err)
	}
	if _, _, err := ParseClientMessage([]byte(`{broken`)); errors.Is(err, ErrUnknownType) {
		t.Fatal("malformed frame misreported as unknown type")
	}
}

// ---------------------------------------------------------------------------
// NewServerMessage tests
// ---------------------------------------------------------------------------

func TestNewServerMessageInjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeRateError, RateErrorMsg{RetryAfter: 6})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["type"] != TypeRateError {
		t.Errorf("type = %v, want %q", decoded["type"], TypeRateError)
	}
	if decoded["retry_after"] != float64(6) {
		t.Errorf("retry_after = %v, want 6", decoded["retry_after"])
	}
}

func TestNewServerMessageOverridesStructType(t *testing.T) {
	data, err := NewServerMessage(TypePong, PongMsg{Type: "wrong"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"type":"pong"`) {
		t.Errorf("type not overridden: %s", data)
	}
}
