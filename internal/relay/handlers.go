package relay

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/parley/chat-relay/internal/content"
	"github.com/parley/chat-relay/internal/identity"
	"github.com/parley/chat-relay/internal/metrics"
	"github.com/parley/chat-relay/internal/protocol"
	"github.com/parley/chat-relay/internal/room"
	"github.com/parley/chat-relay/internal/ws"
)

// handleNewMessage routes one message into a room. Sends to rooms that do
// not exist and sends from outside the room's member set are dropped
// without a response, so the message path reveals neither room existence
// nor membership. Public plaintext is sanitized; payloads for confidential
// rooms pass through untouched.
func (h *Hub) handleNewMessage(conn *ws.Connection, raw interface{}) {
	sess := h.requireSession(conn)
	if sess == nil {
		return
	}
	if !h.throttle(conn) {
		return
	}

	msg, ok := raw.(protocol.NewMessageMsg)
	if !ok {
		return
	}

	started := time.Now()
	ctx, cancel := h.opCtx()
	defer cancel()

	meta, err := h.rooms.Meta(ctx, msg.Room)
	if errors.Is(err, room.ErrNotFound) {
		log.Printf("[relay] conn=%s dropped message to unknown room=%d", conn.ID, msg.Room)
		return
	}
	if err != nil {
		log.Printf("[relay] conn=%s room meta %d: %v", conn.ID, msg.Room, err)
		ws.SendError(conn, "internal", "failed to load room")
		return
	}

	member, err := h.rooms.IsMember(ctx, msg.Room, sess.Identity)
	if err != nil {
		log.Printf("[relay] conn=%s membership check: %v", conn.ID, err)
		return
	}
	if !member {
		// Silent drop: non-members get no signal the room exists.
		log.Printf("[relay] conn=%s dropped message to room=%d from non-member", conn.ID, msg.Room)
		return
	}

	stored := room.Message{
		Room:     msg.Room,
		Username: sess.Identity,
		Body:     msg.Message,
	}
	if meta.Kind.Confidential() {
		if msg.Message == "" {
			ws.SendError(conn, "bad_request", "empty payload")
			return
		}
		stored.IV = msg.IV
		stored.EncryptedKeys = msg.EncryptedKeys
	} else {
		if err := content.Validate(msg.Message); err != nil {
			ws.SendError(conn, "bad_request", err.Error())
			return
		}
		stored.Body = content.Sanitize(msg.Message)
	}

	saved, err := h.rooms.AppendMessage(ctx, stored)
	if err != nil {
		log.Printf("[relay] conn=%s append room=%d: %v", conn.ID, msg.Room, err)
		ws.SendError(conn, "internal", "failed to store message")
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.ServerNewMessageMsg{
		Message: *saved,
		Direct:  meta.Kind == room.KindDirect,
	})
	if err != nil {
		log.Printf("[relay] conn=%s encode message: %v", conn.ID, err)
		return
	}
	if err := h.bus.PublishRoom(msg.Room, data); err != nil {
		log.Printf("[relay] conn=%s publish room=%d: %v", conn.ID, msg.Room, err)
		return
	}

	metrics.MessagesTotal.WithLabelValues(string(meta.Kind)).Inc()
	metrics.BroadcastLatency.Observe(time.Since(started).Seconds())
}

// handleAddChannel creates a channel, enrolls the creator, and moves their
// view to it. Public channels refresh the global index.
func (h *Hub) handleAddChannel(conn *ws.Connection, raw interface{}) {
	sess := h.requireSession(conn)
	if sess == nil {
		return
	}
	if !h.throttle(conn) {
		return
	}

	msg, ok := raw.(protocol.AddChannelMsg)
	if !ok {
		return
	}

	name := strings.TrimSpace(msg.Name)
	if name == "" {
		ws.SendError(conn, "bad_request", "channel name is empty")
		return
	}

	kind := room.KindPublic
	if msg.Private {
		kind = room.KindPrivate
	}

	ctx, cancel := h.opCtx()
	defer cancel()

	r, err := h.rooms.CreateRoom(ctx, name, room.Options{
		Description: strings.TrimSpace(msg.Description),
		Kind:        kind,
	})
	if err != nil {
		log.Printf("[relay] conn=%s create channel %q: %v", conn.ID, name, err)
		ws.SendError(conn, "internal", "failed to create channel")
		return
	}

	if r.Members, err = h.rooms.AddMember(ctx, r.ID, sess.Identity); err != nil {
		log.Printf("[relay] conn=%s enroll creator room=%d: %v", conn.ID, r.ID, err)
		ws.SendError(conn, "internal", "failed to join new channel")
		return
	}

	h.subscribeConn(conn, r.ID)
	h.sendTo(conn, protocol.TypeUpdateRoom, protocol.UpdateRoomMsg{Room: *r, MoveTo: true})

	if kind == room.KindPublic {
		h.publishChannelIndex(ctx, conn.ID)
	}
	h.refreshRoomCount(ctx)

	log.Printf("[relay] conn=%s created channel %q id=%d kind=%s", conn.ID, name, r.ID, kind)
}

// handleJoinChannel adds the sender to a public channel. Private channels
// are invite-only and direct rooms cannot be joined at all.
func (h *Hub) handleJoinChannel(conn *ws.Connection, raw interface{}) {
	sess := h.requireSession(conn)
	if sess == nil {
		return
	}
	if !h.throttle(conn) {
		return
	}

	msg, ok := raw.(protocol.JoinChannelMsg)
	if !ok {
		return
	}

	ctx, cancel := h.opCtx()
	defer cancel()

	meta, err := h.rooms.Meta(ctx, msg.ID)
	if errors.Is(err, room.ErrNotFound) {
		ws.SendError(conn, "no_such_room", "channel does not exist")
		return
	}
	if err != nil {
		log.Printf("[relay] conn=%s room meta %d: %v", conn.ID, msg.ID, err)
		ws.SendError(conn, "internal", "failed to load channel")
		return
	}
	if meta.Kind != room.KindPublic {
		ws.SendError(conn, "forbidden", "channel is not joinable")
		return
	}

	members, err := h.rooms.AddMember(ctx, msg.ID, sess.Identity)
	if err != nil {
		log.Printf("[relay] conn=%s join room=%d: %v", conn.ID, msg.ID, err)
		ws.SendError(conn, "internal", "failed to join channel")
		return
	}

	h.subscribeConn(conn, msg.ID)

	r, err := h.rooms.GetRoom(ctx, msg.ID)
	if err != nil {
		log.Printf("[relay] conn=%s load room=%d: %v", conn.ID, msg.ID, err)
		ws.SendError(conn, "internal", "failed to load channel")
		return
	}
	h.sendTo(conn, protocol.TypeUpdateRoom, protocol.UpdateRoomMsg{Room: *r, MoveTo: true})
	h.publishMemberChange(msg.ID, sess.Identity, "added", members)
}

// handleLeaveChannel removes the sender from a channel. Direct rooms and
// forced-membership channels cannot be left.
func (h *Hub) handleLeaveChannel(conn *ws.Connection, raw interface{}) {
	sess := h.requireSession(conn)
	if sess == nil {
		return
	}
	if !h.throttle(conn) {
		return
	}

	msg, ok := raw.(protocol.LeaveChannelMsg)
	if !ok {
		return
	}

	ctx, cancel := h.opCtx()
	defer cancel()

	meta, err := h.rooms.Meta(ctx, msg.ID)
	if errors.Is(err, room.ErrNotFound) {
		ws.SendError(conn, "no_such_room", "channel does not exist")
		return
	}
	if err != nil {
		log.Printf("[relay] conn=%s room meta %d: %v", conn.ID, msg.ID, err)
		ws.SendError(conn, "internal", "failed to load channel")
		return
	}
	if meta.Kind == room.KindDirect {
		ws.SendError(conn, "forbidden", "direct conversations cannot be left")
		return
	}
	if meta.ForceMembership {
		ws.SendError(conn, "forbidden", "membership in this channel is required")
		return
	}

	members, err := h.rooms.RemoveMember(ctx, msg.ID, sess.Identity)
	if err != nil {
		log.Printf("[relay] conn=%s leave room=%d: %v", conn.ID, msg.ID, err)
		ws.SendError(conn, "internal", "failed to leave channel")
		return
	}

	if err := h.bus.UnsubscribeRoom(conn.ID, msg.ID); err != nil {
		log.Printf("[relay] conn=%s unsubscribe room=%d: %v", conn.ID, msg.ID, err)
	}

	h.sendTo(conn, protocol.TypeRemoveRoom, protocol.RemoveRoomMsg{Room: msg.ID})
	h.publishMemberChange(msg.ID, sess.Identity, "removed", members)
}

// handleAddUserToChannel invites another identity into a channel the sender
// belongs to. The invitee's live session, if any, is attached immediately.
func (h *Hub) handleAddUserToChannel(conn *ws.Connection, raw interface{}) {
	sess := h.requireSession(conn)
	if sess == nil {
		return
	}
	if !h.throttle(conn) {
		return
	}

	msg, ok := raw.(protocol.AddUserToChannelMsg)
	if !ok {
		return
	}

	ctx, cancel := h.opCtx()
	defer cancel()

	meta, err := h.rooms.Meta(ctx, msg.Channel)
	if errors.Is(err, room.ErrNotFound) {
		ws.SendError(conn, "no_such_room", "channel does not exist")
		return
	}
	if err != nil {
		log.Printf("[relay] conn=%s room meta %d: %v", conn.ID, msg.Channel, err)
		ws.SendError(conn, "internal", "failed to load channel")
		return
	}
	if meta.Kind == room.KindDirect {
		ws.SendError(conn, "forbidden", "cannot add users to a direct conversation")
		return
	}

	member, err := h.rooms.IsMember(ctx, msg.Channel, sess.Identity)
	if err != nil {
		log.Printf("[relay] conn=%s membership check: %v", conn.ID, err)
		return
	}
	if !member {
		ws.SendError(conn, "forbidden", "only members can add users")
		return
	}

	target := identity.Normalize(msg.User)
	if _, err := h.ids.Get(ctx, target); errors.Is(err, identity.ErrNotFound) {
		ws.SendError(conn, "no_such_user", "user does not exist")
		return
	} else if err != nil {
		log.Printf("[relay] conn=%s lookup %q: %v", conn.ID, target, err)
		ws.SendError(conn, "internal", "failed to look up user")
		return
	}

	members, err := h.rooms.AddMember(ctx, msg.Channel, target)
	if err != nil {
		log.Printf("[relay] conn=%s add %q to room=%d: %v", conn.ID, target, msg.Channel, err)
		ws.SendError(conn, "internal", "failed to add user")
		return
	}

	h.attachSessionToRoom(ctx, target, msg.Channel, false)
	h.publishMemberChange(msg.Channel, target, "added", members)
}

// handleRequestDirectRoom finds or creates the unique direct room between
// the sender and the named identity. Both parties end up subscribed to the
// same room; repeated requests in either direction return the same id.
func (h *Hub) handleRequestDirectRoom(conn *ws.Connection, raw interface{}) {
	sess := h.requireSession(conn)
	if sess == nil {
		return
	}
	if !h.throttle(conn) {
		return
	}

	msg, ok := raw.(protocol.RequestDirectRoomMsg)
	if !ok {
		return
	}

	target := identity.Normalize(msg.To)
	if target == "" || target == sess.Identity {
		ws.SendError(conn, "bad_request", "invalid direct room target")
		return
	}

	ctx, cancel := h.opCtx()
	defer cancel()

	if _, err := h.ids.Get(ctx, target); errors.Is(err, identity.ErrNotFound) {
		ws.SendError(conn, "no_such_user", "user does not exist")
		return
	} else if err != nil {
		log.Printf("[relay] conn=%s lookup %q: %v", conn.ID, target, err)
		ws.SendError(conn, "internal", "failed to look up user")
		return
	}

	r, err := h.rooms.ResolveDirect(ctx, sess.Identity, target)
	if err != nil {
		log.Printf("[relay] conn=%s resolve direct %s|%s: %v", conn.ID, sess.Identity, target, err)
		ws.SendError(conn, "internal", "failed to open direct conversation")
		return
	}

	h.subscribeConn(conn, r.ID)
	h.sendTo(conn, protocol.TypeUpdateRoom, protocol.UpdateRoomMsg{Room: *r, MoveTo: true})
	h.attachSessionToRoom(ctx, target, r.ID, false)
	h.refreshRoomCount(ctx)
}

// attachSessionToRoom subscribes an identity's live session, if any, to a
// room and delivers the room snapshot to it.
func (h *Hub) attachSessionToRoom(ctx context.Context, id string, roomID int64, moveTo bool) {
	target := h.sessions.Lookup(id)
	if target == nil {
		return
	}
	targetConn := h.conns.Get(target.ConnID)
	if targetConn == nil {
		return
	}

	h.subscribeConn(targetConn, roomID)

	r, err := h.rooms.GetRoom(ctx, roomID)
	if err != nil {
		log.Printf("[relay] load room=%d for %s: %v", roomID, id, err)
		return
	}
	h.sendTo(targetConn, protocol.TypeUpdateRoom, protocol.UpdateRoomMsg{Room: *r, MoveTo: moveTo})
}
