// Package relay implements the chat relay's application logic on top of the
// WebSocket transport: the join handshake, message routing with membership
// enforcement, channel lifecycle, direct room resolution, presence, and
// disconnect cleanup. Fan-out between sessions rides NATS subjects so
// multiple relay instances see the same traffic.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/parley/chat-relay/internal/identity"
	"github.com/parley/chat-relay/internal/metrics"
	"github.com/parley/chat-relay/internal/protocol"
	"github.com/parley/chat-relay/internal/ratelimit"
	"github.com/parley/chat-relay/internal/room"
	"github.com/parley/chat-relay/internal/session"
	"github.com/parley/chat-relay/internal/ws"
)

// opTimeout bounds every storage and bus operation triggered by one frame.
const opTimeout = 5 * time.Second

// Hub wires the relay's stores and bus to the transport's dispatcher.
type Hub struct {
	conns    *ws.ConnectionManager
	sessions *session.Registry
	ids      *identity.Store
	rooms    *room.Store
	bus      Bus
	limiter  *ratelimit.Limiter
}

// Bus is the fan-out surface the hub publishes to and subscribes on. The
// NATS client satisfies it in production; handler tests run against an
// in-process fake.
type Bus interface {
	PublishRoom(roomID int64, data []byte) error
	SubscribeRoom(sessionID string, roomID int64, handler func(data []byte)) error
	UnsubscribeRoom(sessionID string, roomID int64) error
	UnsubscribeAllRooms(sessionID string)
	PublishPresence(data []byte) error
	SubscribePresence(handler func(data []byte)) error
	PublishKeyAnnounce(data []byte) error
	SubscribeKeyAnnounce(handler func(data []byte)) error
	PublishChannelIndex(data []byte) error
	SubscribeChannelIndex(handler func(data []byte)) error
}

// NewHub assembles the relay hub.
func NewHub(conns *ws.ConnectionManager, sessions *session.Registry, ids *identity.Store, rooms *room.Store, bus Bus, limiter *ratelimit.Limiter) *Hub {
	return &Hub{
		conns:    conns,
		sessions: sessions,
		ids:      ids,
		rooms:    rooms,
		bus:      bus,
		limiter:  limiter,
	}
}

// sharedFrame wraps a shared-subject payload with the connection ID it
// originated from, so the local broadcast can skip the origin socket. The
// wrapper never reaches clients; Broadcast delivers only the inner frame.
type sharedFrame struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// Start subscribes the hub's shared bus handlers. Presence changes, key
// announcements, and channel index refreshes go to every local connection
// except the one the change originated from.
func (h *Hub) Start() error {
	broadcast := func(data []byte) {
		var f sharedFrame
		if err := json.Unmarshal(data, &f); err != nil || len(f.Frame) == 0 {
			log.Printf("[relay] dropping malformed shared frame: %v", err)
			return
		}
		h.conns.Broadcast(f.Frame, f.Origin)
	}
	if err := h.bus.SubscribePresence(broadcast); err != nil {
		return err
	}
	if err := h.bus.SubscribeKeyAnnounce(broadcast); err != nil {
		return err
	}
	return h.bus.SubscribeChannelIndex(broadcast)
}

// RegisterHandlers installs the hub's message handlers on the dispatcher.
func (h *Hub) RegisterHandlers(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoin, h.handleJoin)
	d.Register(protocol.TypeNewMessage, h.handleNewMessage)
	d.Register(protocol.TypeAddChannel, h.handleAddChannel)
	d.Register(protocol.TypeJoinChannel, h.handleJoinChannel)
	d.Register(protocol.TypeLeaveChannel, h.handleLeaveChannel)
	d.Register(protocol.TypeAddUserToChannel, h.handleAddUserToChannel)
	d.Register(protocol.TypeRequestDirectRoom, h.handleRequestDirectRoom)
}

func (h *Hub) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// sendTo encodes a server event and enqueues it on one connection.
func (h *Hub) sendTo(conn *ws.Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[relay] conn=%s encode %s: %v", conn.ID, msgType, err)
		return
	}
	conn.Enqueue(data)
}

// subscribeConn attaches a connection to a room's fan-out subject.
func (h *Hub) subscribeConn(conn *ws.Connection, roomID int64) {
	err := h.bus.SubscribeRoom(conn.ID, roomID, func(data []byte) {
		conn.Enqueue(data)
	})
	if err != nil {
		log.Printf("[relay] conn=%s subscribe room=%d: %v", conn.ID, roomID, err)
	}
}

// requireSession returns the live session for a connection, or nil if the
// connection never completed a join. Actions from unjoined connections are
// dropped without a response.
func (h *Hub) requireSession(conn *ws.Connection) *session.Session {
	sess := h.sessions.LookupConn(conn.ID)
	if sess == nil {
		log.Printf("[relay] conn=%s action before join, ignoring", conn.ID)
	}
	return sess
}

// throttle runs the rate limit check for a mutating action. When the window
// is full it emits a rate_error carrying the retry delay and reports false.
func (h *Hub) throttle(conn *ws.Connection) bool {
	ctx, cancel := h.opCtx()
	defer cancel()

	if h.limiter.Allow(ctx, conn.ID) {
		return true
	}
	metrics.RateLimitedTotal.Inc()
	h.sendTo(conn, protocol.TypeRateError, protocol.RateErrorMsg{
		RetryAfter: h.limiter.RetryAfter(ctx, conn.ID),
	})
	return false
}

// handleJoin binds the authenticated identity to the connection, subscribes
// it to its rooms, and delivers the login snapshot. A repeat join on the
// same connection resends the snapshot; a join while the identity is live
// on another connection is refused without evicting the first.
func (h *Hub) handleJoin(conn *ws.Connection, raw interface{}) {
	msg, ok := raw.(protocol.JoinMsg)
	if !ok {
		return
	}

	id := conn.Identity()
	if msg.Identity != "" && identity.Normalize(msg.Identity) != id {
		ws.SendError(conn, "identity_mismatch", "join identity does not match token")
		return
	}

	ctx, cancel := h.opCtx()
	defer cancel()

	sess, err := h.sessions.Register(id, conn.ID)
	if errors.Is(err, session.ErrAlreadyActive) {
		if sess.ConnID != conn.ID {
			ws.SendError(conn, "already_connected", "identity already has an active session")
			return
		}
		// Repeat join on the same connection: just resend the snapshot.
		h.sendLoginSnapshot(ctx, conn, id)
		return
	}

	conn.MarkJoined()
	metrics.SessionsTotal.Inc()

	if err := h.ids.SetActive(ctx, id, true); err != nil {
		log.Printf("[relay] conn=%s set active: %v", conn.ID, err)
	}

	if msg.PublicKey != "" {
		h.publishKey(ctx, conn, id, msg.PublicKey)
	}

	rooms, err := h.rooms.RoomsFor(ctx, id)
	if err != nil {
		log.Printf("[relay] conn=%s rooms for %s: %v", conn.ID, id, err)
		ws.SendError(conn, "internal", "failed to load rooms")
		return
	}
	for _, r := range rooms {
		h.subscribeConn(conn, r.ID)
	}

	h.sendLoginSnapshot(ctx, conn, id)
	h.publishPresence(conn.ID, id, true)

	log.Printf("[relay] conn=%s identity=%s joined rooms=%d", conn.ID, id, len(rooms))
}

// sendLoginSnapshot delivers the login event (roster, subscribed rooms,
// public channel index) followed by the current public key map.
func (h *Hub) sendLoginSnapshot(ctx context.Context, conn *ws.Connection, id string) {
	users, err := h.ids.List(ctx)
	if err != nil {
		log.Printf("[relay] conn=%s list users: %v", conn.ID, err)
		ws.SendError(conn, "internal", "failed to load users")
		return
	}
	rooms, err := h.rooms.RoomsFor(ctx, id)
	if err != nil {
		log.Printf("[relay] conn=%s rooms for %s: %v", conn.ID, id, err)
		ws.SendError(conn, "internal", "failed to load rooms")
		return
	}
	channels, err := h.rooms.ListPublicChannels(ctx)
	if err != nil {
		log.Printf("[relay] conn=%s public channels: %v", conn.ID, err)
		ws.SendError(conn, "internal", "failed to load channels")
		return
	}

	roster := make([]protocol.UserState, 0, len(users))
	for _, u := range users {
		roster = append(roster, protocol.UserState{Username: u.Name, Active: u.Active})
	}

	h.sendTo(conn, protocol.TypeLogin, protocol.LoginMsg{
		Users:          roster,
		Rooms:          rooms,
		PublicChannels: channels,
	})

	keys, err := h.ids.PublicKeys(ctx)
	if err != nil {
		log.Printf("[relay] conn=%s public keys: %v", conn.ID, err)
		return
	}
	h.sendTo(conn, protocol.TypeReceivePublicKeys, protocol.ReceivePublicKeysMsg{Keys: keys})
}

// wrapShared encodes a server event inside a sharedFrame that names the
// originating connection.
func wrapShared(origin, msgType string, payload interface{}) ([]byte, error) {
	frame, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sharedFrame{Origin: origin, Frame: frame})
}

// publishKey stores an identity's public key and announces it to everyone
// else.
func (h *Hub) publishKey(ctx context.Context, conn *ws.Connection, id, key string) {
	if err := h.ids.SetPublicKey(ctx, id, key); err != nil {
		log.Printf("[relay] conn=%s set public key: %v", conn.ID, err)
		return
	}
	data, err := wrapShared(conn.ID, protocol.TypePublicKey, protocol.PublicKeyMsg{
		Username: id,
		Key:      key,
	})
	if err != nil {
		log.Printf("[relay] conn=%s encode key announce: %v", conn.ID, err)
		return
	}
	if err := h.bus.PublishKeyAnnounce(data); err != nil {
		log.Printf("[relay] conn=%s publish key announce: %v", conn.ID, err)
	}
}

// publishPresence broadcasts a user_state_change for an identity to every
// session but the identity's own.
func (h *Hub) publishPresence(originConnID, id string, active bool) {
	data, err := wrapShared(originConnID, protocol.TypeUserStateChange, protocol.UserStateChangeMsg{
		Username: id,
		Active:   active,
	})
	if err != nil {
		log.Printf("[relay] encode presence for %s: %v", id, err)
		return
	}
	if err := h.bus.PublishPresence(data); err != nil {
		log.Printf("[relay] publish presence for %s: %v", id, err)
	}
}

// refreshRoomCount re-reads the room total into the rooms gauge.
func (h *Hub) refreshRoomCount(ctx context.Context) {
	n, err := h.rooms.Count(ctx)
	if err != nil {
		log.Printf("[relay] room count: %v", err)
		return
	}
	metrics.RoomsTotal.Set(float64(n))
}

// publishChannelIndex broadcasts the refreshed public channel list to
// everyone but the session that changed it.
func (h *Hub) publishChannelIndex(ctx context.Context, originConnID string) {
	channels, err := h.rooms.ListPublicChannels(ctx)
	if err != nil {
		log.Printf("[relay] public channels: %v", err)
		return
	}
	data, err := wrapShared(originConnID, protocol.TypeUpdatePublicChannels, protocol.UpdatePublicChannelsMsg{
		PublicChannels: channels,
	})
	if err != nil {
		log.Printf("[relay] encode channel index: %v", err)
		return
	}
	if err := h.bus.PublishChannelIndex(data); err != nil {
		log.Printf("[relay] publish channel index: %v", err)
	}
}

// publishMemberChange notifies a room's subscribers of a membership change
// with the refreshed member list.
func (h *Hub) publishMemberChange(roomID int64, username, action string, members []string) {
	data, err := protocol.NewServerMessage(protocol.TypeUpdateUser, protocol.UpdateUserMsg{
		Room:     roomID,
		Username: username,
		Action:   action,
		Members:  members,
	})
	if err != nil {
		log.Printf("[relay] encode member change room=%d: %v", roomID, err)
		return
	}
	if err := h.bus.PublishRoom(roomID, data); err != nil {
		log.Printf("[relay] publish member change room=%d: %v", roomID, err)
	}
}

// OnDisconnect releases everything a connection held: its session, its rate
// limit window, its room subscriptions, and its presence.
func (h *Hub) OnDisconnect(conn *ws.Connection) {
	ctx, cancel := h.opCtx()
	defer cancel()

	h.bus.UnsubscribeAllRooms(conn.ID)
	h.limiter.Clear(ctx, conn.ID)

	sess := h.sessions.EndConn(conn.ID)
	if sess == nil {
		return
	}
	metrics.SessionsTotal.Dec()

	if err := h.ids.SetActive(ctx, sess.Identity, false); err != nil {
		log.Printf("[relay] conn=%s set inactive: %v", conn.ID, err)
	}
	h.publishPresence(conn.ID, sess.Identity, false)

	log.Printf("[relay] conn=%s identity=%s session ended", conn.ID, sess.Identity)
}
