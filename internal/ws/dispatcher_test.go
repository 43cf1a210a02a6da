package ws

import (
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/parley/chat-relay/internal/protocol"
)

func drainFrame(t *testing.T, conn *Connection) map[string]interface{} {
	t.Helper()
	select {
	case data := <-conn.out:
		var decoded map[string]interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return decoded
	default:
		t.Fatal("no frame queued")
		return nil
	}
}

func TestDispatchRoutesToHandler(t *testing.T) {
	d := NewMessageDispatcher()
	conn, _ := pipeConn(t, "c1", "alice")

	var got interface{}
	d.Register(protocol.TypeJoin, func(_ *Connection, msg interface{}) {
		got = msg
	})

	d.Dispatch(conn, []byte(`{"type":"join","identity":"alice"}`))

	join, ok := got.(protocol.JoinMsg)
	if !ok {
		t.Fatalf("handler saw %T, want JoinMsg", got)
	}
	if join.Identity != "alice" {
		t.Errorf("identity = %q", join.Identity)
	}
}

func TestDispatchMalformedFrame(t *testing.T) {
	d := NewMessageDispatcher()
	conn, _ := pipeConn(t, "c1", "alice")

	d.Dispatch(conn, []byte(`{not json`))

	frame := drainFrame(t, conn)
	if frame["type"] != protocol.TypeError {
		t.Errorf("frame type = %v, want error", frame["type"])
	}
}

func TestDispatchUnknownType(t *testing.T) {
	d := NewMessageDispatcher()
	conn, _ := pipeConn(t, "c1", "alice")

	d.Dispatch(conn, []byte(`{"type":"bogus"}`))

	frame := drainFrame(t, conn)
	if frame["type"] != protocol.TypeError {
		t.Errorf("frame type = %v, want error", frame["type"])
	}
	if frame["code"] != "unknown_type" {
		t.Errorf("code = %v", frame["code"])
	}
}

func TestBuiltinPing(t *testing.T) {
	d := NewMessageDispatcher()
	conn, _ := pipeConn(t, "c1", "alice")

	before := conn.LastPing()
	time.Sleep(5 * time.Millisecond)

	d.Dispatch(conn, []byte(`{"type":"ping"}`))

	frame := drainFrame(t, conn)
	if frame["type"] != protocol.TypePong {
		t.Errorf("frame type = %v, want pong", frame["type"])
	}
	if !conn.LastPing().After(before) {
		t.Error("ping did not refresh the heartbeat timestamp")
	}
}

// ---------------------------------------------------------------------------
// Upgrade token extraction
// ---------------------------------------------------------------------------

func TestBearerToken(t *testing.T) {
	fromQuery, _ := http.NewRequest(http.MethodGet, "/ws?token=abc", nil)
	if got := bearerToken(fromQuery); got != "abc" {
		t.Errorf("query token = %q", got)
	}

	fromHeader, _ := http.NewRequest(http.MethodGet, "/ws", nil)
	fromHeader.Header.Set("Authorization", "Bearer xyz")
	if got := bearerToken(fromHeader); got != "xyz" {
		t.Errorf("header token = %q", got)
	}

	missing, _ := http.NewRequest(http.MethodGet, "/ws", nil)
	if got := bearerToken(missing); got != "" {
		t.Errorf("missing token = %q", got)
	}

	malformed, _ := http.NewRequest(http.MethodGet, "/ws", nil)
	malformed.Header.Set("Authorization", "Basic dXNlcg==")
	if got := bearerToken(malformed); got != "" {
		t.Errorf("non-bearer auth yielded token %q", got)
	}
}

// ---------------------------------------------------------------------------
// Heartbeat sweep
// ---------------------------------------------------------------------------

func TestHeartbeatReapsSilentConnection(t *testing.T) {
	cm := NewConnectionManager()
	conn, _ := pipeConn(t, "c1", "alice")
	conn.Fd = 1
	cm.Add(conn)

	// Backdate the heartbeat past the timeout.
	conn.mu.Lock()
	conn.lastPing = time.Now().Add(-time.Minute)
	conn.mu.Unlock()

	var dead []string
	h := NewHeartbeatMonitor(cm, time.Minute, 30*time.Second, func(c *Connection) {
		dead = append(dead, c.ID)
	})
	h.sweep()

	if len(dead) != 1 || dead[0] != "c1" {
		t.Errorf("reaped = %v, want [c1]", dead)
	}
}

func TestHeartbeatKeepsLiveConnection(t *testing.T) {
	cm := NewConnectionManager()

	server, client := net.Pipe()
	conn := NewConnection("c1", "alice", server, 1, 0)
	t.Cleanup(func() {
		conn.Close()
		client.Close()
	})
	cm.Add(conn)

	// Drain the ping frames the sweep writes.
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()

	var dead []string
	h := NewHeartbeatMonitor(cm, time.Minute, 30*time.Second, func(c *Connection) {
		dead = append(dead, c.ID)
	})
	h.sweep()

	if len(dead) != 0 {
		t.Errorf("live connection reaped: %v", dead)
	}
}
