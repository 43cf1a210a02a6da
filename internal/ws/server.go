// Package ws implements the relay's WebSocket transport: an epoll-driven
// event loop with a bounded worker pool on Linux, token-authenticated
// upgrades, per-connection outbound queues, and heartbeat-based reaping of
// dead connections.
package ws

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/parley/chat-relay/internal/metrics"
)

// VerifyFunc authenticates a bearer token presented at upgrade time and
// returns the identity it was issued to.
type VerifyFunc func(ctx context.Context, token string) (string, error)

// Config holds the WebSocket server settings.
type Config struct {
	Addr              string        // listen address, e.g. ":8080"
	WorkerPoolSize    int           // number of goroutines reading ready sockets
	MaxEpollEvents    int           // max events returned per epoll wait
	WriteTimeout      time.Duration // per-frame write deadline
	HeartbeatInterval time.Duration // how often the server pings clients
	HeartbeatTimeout  time.Duration // silence threshold before reaping
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		WorkerPoolSize:    32,
		MaxEpollEvents:    128,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
	}
}

// Server accepts WebSocket connections, authenticates them, and feeds
// inbound frames through the dispatcher.
type Server struct {
	config     Config
	verify     VerifyFunc
	dispatcher *MessageDispatcher
	conns      *ConnectionManager
	poller     *Poller
	heartbeat  *HeartbeatMonitor
	httpServer *http.Server
	mux        *http.ServeMux
	jobs       chan int
	done       chan struct{}

	onDisconnect func(*Connection)
}

// NewServer wires up the transport. The verifier gates the upgrade path; the
// dispatcher receives every inbound text frame.
func NewServer(config Config, verify VerifyFunc, dispatcher *MessageDispatcher) *Server {
	s := &Server{
		config:     config,
		verify:     verify,
		dispatcher: dispatcher,
		conns:      NewConnectionManager(),
		mux:        http.NewServeMux(),
		jobs:       make(chan int, config.WorkerPoolSize*4),
		done:       make(chan struct{}),
	}

	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","connections":%d}`, s.conns.Count())
	})

	s.httpServer = &http.Server{
		Addr:    config.Addr,
		Handler: s.mux,
	}
	return s
}

// Handle mounts an additional HTTP handler on the server's mux. Must be
// called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// SetOnDisconnect installs the callback run after a connection is removed.
// The relay uses it to end the session and release its subscriptions.
func (s *Server) SetOnDisconnect(fn func(*Connection)) {
	s.onDisconnect = fn
}

// Connections exposes the connection set for fan-out by the relay.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Start runs the event loop, worker pool, heartbeat monitor, and HTTP
// listener. It blocks until the listener stops.
func (s *Server) Start() error {
	poller, err := NewPoller(s.config.MaxEpollEvents)
	if err != nil {
		log.Printf("[ws] event loop unavailable (%v), using reader goroutines", err)
	} else {
		s.poller = poller
		go s.eventLoop()
		for i := 0; i < s.config.WorkerPoolSize; i++ {
			go s.worker()
		}
	}

	s.heartbeat = NewHeartbeatMonitor(s.conns, s.config.HeartbeatInterval, s.config.HeartbeatTimeout, s.closeConnection)
	s.heartbeat.Start()

	log.Printf("[ws] listening on %s", s.config.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: listen: %w", err)
	}
	return nil
}

// Shutdown stops accepting new connections, closes existing ones, and tears
// down the event loop.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)
	if s.heartbeat != nil {
		s.heartbeat.Stop()
	}

	err := s.httpServer.Shutdown(ctx)

	for _, conn := range s.conns.All() {
		s.closeConnection(conn)
	}
	if s.poller != nil {
		s.poller.Close()
	}
	return err
}

// bearerToken pulls the auth token from the upgrade request: the "token"
// query parameter or an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// handleUpgrade authenticates the bearer token and, only on success,
// completes the WebSocket handshake. Failures are rejected with 401 before
// any frame is exchanged.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	identity, err := s.verify(r.Context(), token)
	if err != nil {
		log.Printf("[ws] upgrade rejected: %v", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[ws] upgrade failed for %s: %v", identity, err)
		return
	}

	conn := NewConnection(uuid.New().String(), identity, netConn, socketFD(netConn), s.config.WriteTimeout)
	conn.StartWriter()
	s.conns.Add(conn)
	metrics.ConnectionsTotal.Inc()

	if s.poller != nil {
		if err := s.poller.Add(conn.Fd); err != nil {
			log.Printf("[ws] conn=%s epoll add: %v", conn.ID, err)
			s.closeConnection(conn)
			return
		}
	} else {
		go s.readLoop(conn)
	}

	log.Printf("[ws] conn=%s identity=%s connected", conn.ID, identity)
}

// eventLoop pumps ready descriptors from the poller into the worker queue.
func (s *Server) eventLoop() {
	for {
		fds, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			log.Printf("[ws] poll wait: %v", err)
			continue
		}
		for _, fd := range fds {
			select {
			case s.jobs <- fd:
			case <-s.done:
				return
			}
		}
	}
}

// worker drains the ready queue. The processing flag keeps two workers from
// reading the same socket at once when epoll reports it ready twice.
func (s *Server) worker() {
	for {
		select {
		case <-s.done:
			return
		case fd := <-s.jobs:
			conn := s.conns.GetByFd(fd)
			if conn == nil {
				continue
			}
			if !atomic.CompareAndSwapInt32(&conn.processing, 0, 1) {
				continue
			}
			s.readOne(conn)
			atomic.StoreInt32(&conn.processing, 0)
		}
	}
}

// readOne reads a single frame from the connection and dispatches it.
func (s *Server) readOne(conn *Connection) {
	data, op, err := wsutil.ReadClientData(conn.Conn)
	if err != nil {
		s.closeConnection(conn)
		return
	}

	switch op {
	case ws.OpText:
		s.dispatcher.Dispatch(conn, data)
	case ws.OpPong:
		conn.TouchPing()
	case ws.OpClose:
		s.closeConnection(conn)
	}
}

// readLoop is the fallback read path when no event loop is available: one
// goroutine per connection, blocking reads.
func (s *Server) readLoop(conn *Connection) {
	for {
		data, op, err := wsutil.ReadClientData(conn.Conn)
		if err != nil {
			s.closeConnection(conn)
			return
		}

		switch op {
		case ws.OpText:
			s.dispatcher.Dispatch(conn, data)
		case ws.OpPong:
			conn.TouchPing()
		case ws.OpClose:
			s.closeConnection(conn)
			return
		}
	}
}

// closeConnection removes and closes a connection, then runs the disconnect
// callback exactly once.
func (s *Server) closeConnection(conn *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(conn.Fd)
	}
	if !s.conns.Remove(conn.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	log.Printf("[ws] conn=%s identity=%s disconnected", conn.ID, conn.Identity())
	if s.onDisconnect != nil {
		s.onDisconnect(conn)
	}
}
