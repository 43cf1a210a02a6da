package room

import (
	"encoding/json"
	"testing"
)

func TestKindConfidential(t *testing.T) {
	if KindPublic.Confidential() {
		t.Error("public rooms must not be confidential")
	}
	if !KindPrivate.Confidential() {
		t.Error("private rooms must be confidential")
	}
	if !KindDirect.Confidential() {
		t.Error("direct rooms must be confidential")
	}
}

func TestPairKeySymmetric(t *testing.T) {
	if PairKey("alice", "bob") != PairKey("bob", "alice") {
		t.Error("pair key differs by argument order")
	}
	if PairKey("Alice", "BOB") != "alice|bob" {
		t.Errorf("pair key not normalized: %q", PairKey("Alice", "BOB"))
	}
	if PairKey("alice", "bob") == PairKey("alice", "carol") {
		t.Error("distinct pairs share a key")
	}
}

func TestRoomMarshalCompatFlags(t *testing.T) {
	tests := []struct {
		kind    Kind
		private bool
		direct  bool
	}{
		{KindPublic, false, false},
		{KindPrivate, true, false},
		{KindDirect, true, true},
	}

	for _, tt := range tests {
		data, err := json.Marshal(Room{ID: 1, Name: "x", Kind: tt.kind})
		if err != nil {
			t.Fatalf("marshal %s: %v", tt.kind, err)
		}

		var decoded struct {
			Kind    string `json:"kind"`
			Private bool   `json:"private"`
			Direct  bool   `json:"direct"`
		}
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("decode %s: %v", tt.kind, err)
		}
		if decoded.Kind != string(tt.kind) {
			t.Errorf("kind = %q, want %q", decoded.Kind, tt.kind)
		}
		if decoded.Private != tt.private || decoded.Direct != tt.direct {
			t.Errorf("%s: private=%v direct=%v, want %v/%v",
				tt.kind, decoded.Private, decoded.Direct, tt.private, tt.direct)
		}
	}
}

func TestMessageMarshalOmitsEncryptionFields(t *testing.T) {
	data, err := json.Marshal(Message{Room: 1, Username: "alice", Body: "hi", Time: 42})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := decoded["iv"]; ok {
		t.Error("empty iv not omitted")
	}
	if _, ok := decoded["encryptedKeys"]; ok {
		t.Error("empty encryptedKeys not omitted")
	}
	if decoded["message"] != "hi" {
		t.Errorf("body key = %v", decoded["message"])
	}
}
