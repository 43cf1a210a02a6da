package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/parley/chat-relay/internal/metrics"
)

// DefaultSendQueueSize bounds the per-connection outbound queue. A stalled
// client can hold at most this many frames before deliveries to it are
// dropped oldest-first; deliveries to other members are never delayed.
const DefaultSendQueueSize = 64

// Connection represents a single WebSocket client connection. The identity
// authenticated at upgrade time is attached immediately; the joined flag
// flips once the session is registered.
type Connection struct {
	ID        string    // connection ID (UUID)
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for event-loop lookups
	CreatedAt time.Time // when the connection was established

	mu       sync.RWMutex
	identity string    // authenticated identity (set at upgrade)
	joined   bool      // true once a session is registered
	lastPing time.Time // last heartbeat received from the client

	writeMu      sync.Mutex // serializes writes to this connection
	processing   int32      // atomic flag: 0 = idle, 1 = being read
	writeTimeout time.Duration

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection wraps an upgraded network connection. The caller must start
// the write loop with StartWriter before enqueueing frames.
func NewConnection(id, identity string, conn net.Conn, fd int, writeTimeout time.Duration) *Connection {
	return &Connection{
		ID:           id,
		Conn:         conn,
		Fd:           fd,
		CreatedAt:    time.Now(),
		lastPing:     time.Now(),
		identity:     identity,
		writeTimeout: writeTimeout,
		out:          make(chan []byte, DefaultSendQueueSize),
		done:         make(chan struct{}),
	}
}

// Identity returns the identity authenticated at upgrade time.
func (c *Connection) Identity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// MarkJoined records that the connection completed the join handshake.
func (c *Connection) MarkJoined() {
	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
}

// Joined reports whether the connection has a registered session. Room and
// message actions from connections that never joined are ignored.
func (c *Connection) Joined() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.joined
}

// TouchPing records a heartbeat from the client.
func (c *Connection) TouchPing() {
	c.mu.Lock()
	c.lastPing = time.Now()
	c.mu.Unlock()
}

// LastPing returns the time of the most recent client heartbeat.
func (c *Connection) LastPing() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPing
}

// StartWriter launches the connection's write loop, which drains the
// outbound queue one frame at a time.
func (c *Connection) StartWriter() {
	go func() {
		for {
			select {
			case <-c.done:
				return
			case data := <-c.out:
				_ = c.WriteMessage(data)
			}
		}
	}()
}

// Enqueue places a frame on the outbound queue without blocking. When the
// queue is full the oldest pending frame is discarded to make room, so one
// slow receiver cannot stall fan-out or grow memory without bound.
func (c *Connection) Enqueue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.out <- data:
		return
	default:
	}

	// Queue full: drop the oldest frame and retry once.
	select {
	case <-c.out:
		metrics.DroppedDeliveriesTotal.Inc()
	default:
	}
	select {
	case c.out <- data:
	default:
		metrics.DroppedDeliveriesTotal.Inc()
	}
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close tears down the write loop and the underlying network connection.
// Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// file descriptors to their respective Connection objects. It supports O(1)
// lookups by both.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // conn_id -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// Broadcast enqueues a frame for every connection except the excluded ID
// (pass "" to reach everyone). Delivery rides the per-connection queues,
// so one slow client cannot delay the others.
func (cm *ConnectionManager) Broadcast(msg []byte, exceptID string) {
	for _, conn := range cm.All() {
		if conn.ID == exceptID {
			continue
		}
		conn.Enqueue(msg)
	}
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
