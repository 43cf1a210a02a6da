// Package protocol defines the WebSocket message types and structures used
// for communication between chat clients and the relay. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/parley/chat-relay/internal/room"
)

// ErrUnknownType is returned by ParseClientMessage for types that are not
// client messages, so callers can tell routing failures from decode ones.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin              = "join"
	TypeNewMessage        = "new_message"
	TypeAddChannel        = "add_channel"
	TypeJoinChannel       = "join_channel"
	TypeLeaveChannel      = "leave_channel"
	TypeAddUserToChannel  = "add_user_to_channel"
	TypeRequestDirectRoom = "request_direct_room"
	TypePing              = "ping"
)

// Server -> Client message types.
const (
	TypeLogin                = "login"
	TypeUpdateRoom           = "update_room"
	TypeRemoveRoom           = "remove_room"
	TypeUpdateUser           = "update_user"
	TypeUpdatePublicChannels = "update_public_channels"
	TypeUserStateChange      = "user_state_change"
	TypeReceivePublicKeys    = "receive_public_keys"
	TypePublicKey            = "public_key"
	TypeRateError            = "rate_error"
	TypeError                = "error"
	TypePong                 = "pong"
)

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinMsg is sent once per connection to bind the authenticated identity to
// the socket and subscribe it to the identity's rooms. A second join for an
// identity that already has a live session is an idempotent no-op.
type JoinMsg struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
	// PublicKey, when present, publishes the identity's key for
	// confidential rooms and announces it to connected sessions.
	PublicKey string `json:"publicKey,omitempty"`
}

// NewMessageMsg carries a message for a room. Public rooms set Message to
// plaintext. Private and direct rooms set Message to the ciphertext, IV to
// the initialization vector, and EncryptedKeys to the recipient-name ->
// wrapped-content-key map; the relay forwards those three fields verbatim
// and never inspects them.
type NewMessageMsg struct {
	Type          string            `json:"type"`
	Room          int64             `json:"room"`
	Message       string            `json:"message"`
	IV            string            `json:"iv,omitempty"`
	EncryptedKeys map[string]string `json:"encryptedKeys,omitempty"`
}

// AddChannelMsg requests creation of a new channel.
type AddChannelMsg struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Private     bool   `json:"private"`
}

// JoinChannelMsg requests membership in a public channel.
type JoinChannelMsg struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// LeaveChannelMsg requests leaving a channel. Direct and forced-membership
// rooms cannot be left.
type LeaveChannelMsg struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// AddUserToChannelMsg invites another identity into a channel.
type AddUserToChannelMsg struct {
	Type    string `json:"type"`
	Channel int64  `json:"channel"`
	User    string `json:"user"`
}

// RequestDirectRoomMsg asks for the unique direct room between the sender
// and the named identity, creating it if it does not exist yet.
type RequestDirectRoomMsg struct {
	Type string `json:"type"`
	To   string `json:"to"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// UserState is one entry in the login roster.
type UserState struct {
	Username string `json:"username"`
	Active   bool   `json:"active"`
}

// LoginMsg is sent to a session right after a successful join. It carries
// the full user roster, the identity's subscribed rooms (with members and
// history), and the public channel index.
type LoginMsg struct {
	Type           string      `json:"type"`
	Users          []UserState `json:"users"`
	Rooms          []room.Room `json:"rooms"`
	PublicChannels []room.Room `json:"publicChannels"`
}

// ServerNewMessageMsg is a stored message fanned out to room subscribers.
// The embedded room.Message already carries the server-assigned time and,
// for confidential rooms, the ciphertext/IV/wrapped-key fields verbatim.
type ServerNewMessageMsg struct {
	Type string `json:"type"`
	room.Message
	Direct bool `json:"direct"`
}

// UpdateRoomMsg delivers a full room snapshot to one session. MoveTo tells
// the client to switch its view to that room.
type UpdateRoomMsg struct {
	Type   string    `json:"type"`
	Room   room.Room `json:"room"`
	MoveTo bool      `json:"moveto"`
}

// RemoveRoomMsg tells a session to drop a room from its view.
type RemoveRoomMsg struct {
	Type string `json:"type"`
	Room int64  `json:"room"`
}

// UpdateUserMsg notifies room members of a membership change, carrying the
// refreshed member list so client views stay consistent without polling.
type UpdateUserMsg struct {
	Type     string   `json:"type"`
	Room     int64    `json:"room"`
	Username string   `json:"username"`
	Action   string   `json:"action"` // "added" or "removed"
	Members  []string `json:"members"`
}

// UpdatePublicChannelsMsg refreshes the public channel index on sessions
// other than the creator's.
type UpdatePublicChannelsMsg struct {
	Type           string      `json:"type"`
	PublicChannels []room.Room `json:"publicChannels"`
}

// UserStateChangeMsg is broadcast when an identity's presence flips.
type UserStateChangeMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Active   bool   `json:"active"`
}

// ReceivePublicKeysMsg gives a newly joined session the full current
// identity -> public key map for confidential rooms.
type ReceivePublicKeysMsg struct {
	Type string            `json:"type"`
	Keys map[string]string `json:"keys"`
}

// PublicKeyMsg announces one identity's public key to already-connected
// sessions so clients can build their key maps incrementally.
type PublicKeyMsg struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Key      string `json:"key"`
}

// RateErrorMsg is emitted instead of performing a throttled action.
type RateErrorMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNewMessage:
		var m NewMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAddChannel:
		var m AddChannelMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinChannel:
		var m JoinChannelMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveChannel:
		var m LeaveChannelMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAddUserToChannel:
		var m AddUserToChannelMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRequestDirectRoom:
		var m RequestDirectRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
