// Package messaging provides a NATS client wrapper for the relay's fan-out
// bus. Each room maps to one subject; every local session holding
// membership in a room keeps its own subscription to that subject, so a
// membership revocation detaches exactly one socket from the multicast
// group. Presence changes and public-key announcements ride on their own
// broadcast subjects.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used by the relay.
const (
	SubjectRoom     = "rooms"         // + .<room_id>
	SubjectPresence = "presence"      // user_state_change broadcasts
	SubjectKeys     = "keys.announce" // public-key announcements
	SubjectChannels = "channels"      // public channel index refreshes
)

// Client wraps the NATS connection with helper methods for pub/sub.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "chat-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// roomSubKey builds the internal subscription key for one session's
// membership in one room, so the same room can be subscribed by multiple
// local sessions without the entries overwriting each other.
func roomSubKey(sessionID string, roomID int64) string {
	return fmt.Sprintf("roomsub:%s:%d", sessionID, roomID)
}

// PublishRoom publishes data to the rooms.<roomID> subject.
func (c *Client) PublishRoom(roomID int64, data []byte) error {
	return c.conn.Publish(fmt.Sprintf("%s.%d", SubjectRoom, roomID), data)
}

// SubscribeRoom attaches a session to a room's multicast subject. A second
// subscription for the same session/room pair replaces the first.
func (c *Client) SubscribeRoom(sessionID string, roomID int64, handler func(data []byte)) error {
	subject := fmt.Sprintf("%s.%d", SubjectRoom, roomID)
	key := roomSubKey(sessionID, roomID)

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeRoom detaches a session from a room's multicast subject.
func (c *Client) UnsubscribeRoom(sessionID string, roomID int64) error {
	return c.unsubscribe(roomSubKey(sessionID, roomID))
}

// UnsubscribeAllRooms detaches a session from every room subject it holds.
// Called on disconnect.
func (c *Client) UnsubscribeAllRooms(sessionID string) {
	prefix := "roomsub:" + sessionID + ":"

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, sub := range c.subs {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			if err := sub.Unsubscribe(); err != nil {
				log.Printf("[nats] unsubscribe %s: %v", key, err)
			}
			delete(c.subs, key)
		}
	}
}

// PublishPresence broadcasts a presence change to all relay instances.
func (c *Client) PublishPresence(data []byte) error {
	return c.conn.Publish(SubjectPresence, data)
}

// SubscribePresence registers the single per-process presence handler.
func (c *Client) SubscribePresence(handler func(data []byte)) error {
	return c.subscribeShared(SubjectPresence, handler)
}

// PublishChannelIndex broadcasts a refreshed public channel index.
func (c *Client) PublishChannelIndex(data []byte) error {
	return c.conn.Publish(SubjectChannels, data)
}

// SubscribeChannelIndex registers the single per-process channel-index
// handler.
func (c *Client) SubscribeChannelIndex(handler func(data []byte)) error {
	return c.subscribeShared(SubjectChannels, handler)
}

// PublishKeyAnnounce broadcasts one identity's public key.
func (c *Client) PublishKeyAnnounce(data []byte) error {
	return c.conn.Publish(SubjectKeys, data)
}

// SubscribeKeyAnnounce registers the single per-process key-announcement
// handler.
func (c *Client) SubscribeKeyAnnounce(handler func(data []byte)) error {
	return c.subscribeShared(SubjectKeys, handler)
}

func (c *Client) subscribeShared(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes a specific subscription key.
func (c *Client) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
