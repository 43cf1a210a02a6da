package ws

import (
	"fmt"
	"net"
	"testing"
)

func pipeConn(t *testing.T, id, identity string) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	conn := NewConnection(id, identity, server, -1, 0)
	t.Cleanup(func() {
		conn.Close()
		client.Close()
	})
	return conn, client
}

// ---------------------------------------------------------------------------
// Connection tests
// ---------------------------------------------------------------------------

func TestConnectionIdentity(t *testing.T) {
	conn, _ := pipeConn(t, "c1", "alice")

	if conn.Identity() != "alice" {
		t.Errorf("identity = %q", conn.Identity())
	}
	if conn.Joined() {
		t.Error("new connection reports joined")
	}
	conn.MarkJoined()
	if !conn.Joined() {
		t.Error("joined flag not set")
	}
}

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	conn, _ := pipeConn(t, "c1", "alice")
	// No writer running, so frames accumulate in the queue.

	for i := 0; i <= DefaultSendQueueSize; i++ {
		conn.Enqueue([]byte(fmt.Sprintf("frame-%d", i)))
	}

	if len(conn.out) != DefaultSendQueueSize {
		t.Fatalf("queue len = %d, want %d", len(conn.out), DefaultSendQueueSize)
	}

	// frame-0 was the oldest and must be the one discarded.
	first := <-conn.out
	if string(first) != "frame-1" {
		t.Errorf("head of queue = %q, want frame-1", first)
	}
}

func TestEnqueueAfterCloseIsNoop(t *testing.T) {
	conn, _ := pipeConn(t, "c1", "alice")
	conn.Close()

	conn.Enqueue([]byte("late"))
	if len(conn.out) != 0 {
		t.Errorf("queue len = %d after close", len(conn.out))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn, _ := pipeConn(t, "c1", "alice")
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

// ---------------------------------------------------------------------------
// ConnectionManager tests
// ---------------------------------------------------------------------------

func TestConnectionManagerAddGetRemove(t *testing.T) {
	cm := NewConnectionManager()

	server, client := net.Pipe()
	defer client.Close()
	conn := NewConnection("c1", "alice", server, 42, 0)

	cm.Add(conn)
	if cm.Count() != 1 {
		t.Fatalf("count = %d", cm.Count())
	}
	if cm.Get("c1") != conn {
		t.Error("Get by id failed")
	}
	if cm.GetByFd(42) != conn {
		t.Error("Get by fd failed")
	}

	if !cm.Remove("c1") {
		t.Fatal("remove returned false")
	}
	if cm.Get("c1") != nil || cm.GetByFd(42) != nil {
		t.Error("connection still resolvable after remove")
	}
	if cm.Remove("c1") {
		t.Error("second remove returned true")
	}
}

func TestBroadcastSkipsExcluded(t *testing.T) {
	cm := NewConnectionManager()

	a, _ := pipeConn(t, "a", "alice")
	a.Fd = 1
	b, _ := pipeConn(t, "b", "bob")
	b.Fd = 2
	cm.Add(a)
	cm.Add(b)

	cm.Broadcast([]byte("hello"), "a")

	if len(a.out) != 0 {
		t.Error("excluded connection received the broadcast")
	}
	if len(b.out) != 1 {
		t.Errorf("other connection queue len = %d, want 1", len(b.out))
	}
}
