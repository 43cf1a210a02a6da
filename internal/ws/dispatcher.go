package ws

import (
	"errors"
	"log"
	"sync"

	"github.com/parley/chat-relay/internal/protocol"
)

// HandlerFunc processes one decoded client message for a connection. The
// msg argument is the concrete struct ParseClientMessage produced for the
// registered type.
type HandlerFunc func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming frames to registered handlers by the
// envelope's type discriminator. The ping handler is built in; everything
// else is wired up by the relay at startup.
type MessageDispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewMessageDispatcher creates a dispatcher with the built-in ping handler.
func NewMessageDispatcher() *MessageDispatcher {
	d := &MessageDispatcher{
		handlers: make(map[string]HandlerFunc),
	}
	d.Register(protocol.TypePing, handlePing)
	return d
}

// Register installs a handler for the given message type, replacing any
// previous handler for that type.
func (d *MessageDispatcher) Register(msgType string, handler HandlerFunc) {
	d.mu.Lock()
	d.handlers[msgType] = handler
	d.mu.Unlock()
}

// Dispatch parses a raw frame and invokes the matching handler. Malformed
// frames and unknown types produce an error event back to the sender; the
// connection stays open.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			log.Printf("[dispatch] conn=%s unknown type %q", conn.ID, msgType)
			SendError(conn, "unknown_type", "unknown message type: "+msgType)
			return
		}
		log.Printf("[dispatch] conn=%s malformed frame: %v", conn.ID, err)
		SendError(conn, "bad_request", "malformed message")
		return
	}

	d.mu.RLock()
	handler, ok := d.handlers[msgType]
	d.mu.RUnlock()

	if !ok {
		log.Printf("[dispatch] conn=%s no handler for %q", conn.ID, msgType)
		SendError(conn, "unknown_type", "unknown message type: "+msgType)
		return
	}

	handler(conn, msg)
}

// handlePing records the heartbeat and answers with a pong event.
func handlePing(conn *Connection, _ interface{}) {
	conn.TouchPing()
	msg, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("[dispatch] conn=%s pong encode: %v", conn.ID, err)
		return
	}
	conn.Enqueue(msg)
}

// SendError enqueues an error event on the connection.
func SendError(conn *Connection, code, text string) {
	msg, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: text})
	if err != nil {
		log.Printf("[dispatch] conn=%s error encode: %v", conn.ID, err)
		return
	}
	conn.Enqueue(msg)
}
