package session

import (
	"errors"
	"testing"
)

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	s, err := r.Register("alice", "conn-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if s.Identity != "alice" || s.ConnID != "conn-1" {
		t.Errorf("unexpected session: %+v", s)
	}

	if got := r.Lookup("alice"); got != s {
		t.Error("Lookup did not return the registered session")
	}
	if got := r.LookupConn("conn-1"); got != s {
		t.Error("LookupConn did not return the registered session")
	}
	if r.Count() != 1 {
		t.Errorf("count = %d, want 1", r.Count())
	}
}

func TestRegisterDuplicateKeepsFirst(t *testing.T) {
	r := NewRegistry()

	first, _ := r.Register("alice", "conn-1")
	second, err := r.Register("alice", "conn-2")

	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("err = %v, want ErrAlreadyActive", err)
	}
	if second != first {
		t.Error("duplicate register did not return the existing session")
	}
	if got := r.Lookup("alice"); got.ConnID != "conn-1" {
		t.Errorf("first session evicted, conn = %s", got.ConnID)
	}
	if r.Count() != 1 {
		t.Errorf("count = %d, want 1", r.Count())
	}
}

func TestEnd(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", "conn-1")

	ended := r.End("alice")
	if ended == nil || ended.ConnID != "conn-1" {
		t.Fatalf("ended = %+v", ended)
	}
	if r.Lookup("alice") != nil {
		t.Error("session still present after End")
	}
	if r.LookupConn("conn-1") != nil {
		t.Error("conn mapping still present after End")
	}
	if r.End("alice") != nil {
		t.Error("ending twice should return nil")
	}
}

func TestEndConn(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", "conn-1")

	if s := r.EndConn("conn-1"); s == nil || s.Identity != "alice" {
		t.Fatalf("EndConn = %+v", s)
	}
	if r.Lookup("alice") != nil {
		t.Error("identity mapping still present after EndConn")
	}
	if r.EndConn("conn-1") != nil {
		t.Error("EndConn twice should return nil")
	}
}

func TestAll(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", "conn-1")
	r.Register("bob", "conn-2")

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}
}
