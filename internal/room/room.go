// Package room owns room records, membership sets, and message history,
// backed by PostgreSQL. All other components read membership through this
// package; nothing else holds a mutable copy of it.
package room

import "encoding/json"

// Kind is the room variant. A room is exactly one of public channel,
// private channel, or direct conversation; the variant is fixed at
// creation and never changes.
type Kind string

const (
	KindPublic  Kind = "public"
	KindPrivate Kind = "private"
	KindDirect  Kind = "direct"
)

// Confidential reports whether message payloads in this room are
// end-to-end encrypted. Direct rooms are always confidential.
func (k Kind) Confidential() bool {
	return k == KindPrivate || k == KindDirect
}

// Room is a named message-sharing context.
type Room struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Kind            Kind      `json:"kind"`
	ForceMembership bool      `json:"forceMembership"`
	Members         []string  `json:"members"`
	History         []Message `json:"history"`
}

// MarshalJSON adds the private/direct booleans the wire format exposes
// alongside the kind tag, so clients keyed to either representation work.
func (r Room) MarshalJSON() ([]byte, error) {
	type alias Room
	return json.Marshal(struct {
		alias
		Private bool `json:"private"`
		Direct  bool `json:"direct"`
	}{
		alias:   alias(r),
		Private: r.Kind.Confidential(),
		Direct:  r.Kind == KindDirect,
	})
}

// Message is one entry in a room's append-only history. Time is the
// server-assigned send timestamp in Unix milliseconds; it is never taken
// from the client. Public rooms carry Body; confidential rooms carry
// Body (ciphertext), IV, and the per-recipient wrapped-key map verbatim.
type Message struct {
	Room          int64             `json:"room"`
	Username      string            `json:"username"`
	Body          string            `json:"message"`
	IV            string            `json:"iv,omitempty"`
	EncryptedKeys map[string]string `json:"encryptedKeys,omitempty"`
	Time          int64             `json:"time"`
}
