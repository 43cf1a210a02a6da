package room

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when no room exists under the given id.
	ErrNotFound = errors.New("room: not found")

	// ErrDuplicateDirectRoom signals a broken invariant: more than one
	// direct room exists for an unordered identity pair. It is a server
	// bug, never surfaced to clients.
	ErrDuplicateDirectRoom = errors.New("room: duplicate direct room for pair")
)

// uniqueViolation is the PostgreSQL error code raised when the partial
// unique index on rooms(direct_key) rejects a concurrent insert.
const uniqueViolation = "23505"

// Options configures room creation.
type Options struct {
	Description     string
	Kind            Kind
	ForceMembership bool
}

// Store owns room and message records in PostgreSQL. Mutations on a given
// room are serialized in-process through a keyed lock, which together with
// single-statement SQL keeps history append-only-ordered and membership a
// set under concurrent connections.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a room store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, locks: make(map[string]*sync.Mutex)}
}

// lock acquires the named in-process lock, creating it on first use, and
// returns its unlock function. Lock entries are never removed; the key
// space (rooms and identity pairs) is small and bounded by real usage.
func (s *Store) lock(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// CreateRoom allocates a new room with an empty member set and history.
func (s *Store) CreateRoom(ctx context.Context, name string, opts Options) (*Room, error) {
	const query = `
		INSERT INTO rooms (name, description, kind, force_membership)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	var id int64
	err := s.db.QueryRowContext(ctx, query, name, opts.Description, string(opts.Kind), opts.ForceMembership).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("room: create %q: %w", name, err)
	}

	return &Room{
		ID:              id,
		Name:            name,
		Description:     opts.Description,
		Kind:            opts.Kind,
		ForceMembership: opts.ForceMembership,
		Members:         []string{},
		History:         []Message{},
	}, nil
}

// GetRoom returns a room with its member list and full message history.
func (s *Store) GetRoom(ctx context.Context, id int64) (*Room, error) {
	const query = `SELECT id, name, description, kind, force_membership FROM rooms WHERE id = $1`

	var r Room
	var kind string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&r.ID, &r.Name, &r.Description, &kind, &r.ForceMembership)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("room: get %d: %w", id, err)
	}
	r.Kind = Kind(kind)

	if r.Members, err = s.Members(ctx, id); err != nil {
		return nil, err
	}
	if r.History, err = s.history(ctx, id); err != nil {
		return nil, err
	}
	return &r, nil
}

// Count returns the total number of rooms.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rooms`).Scan(&n); err != nil {
		return 0, fmt.Errorf("room: count: %w", err)
	}
	return n, nil
}

// Meta returns a room's metadata without loading members or history. The
// message path uses it for kind and membership checks on every send.
func (s *Store) Meta(ctx context.Context, id int64) (*Room, error) {
	const query = `SELECT id, name, description, kind, force_membership FROM rooms WHERE id = $1`

	var r Room
	var kind string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&r.ID, &r.Name, &r.Description, &kind, &r.ForceMembership)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("room: meta %d: %w", id, err)
	}
	r.Kind = Kind(kind)
	return &r, nil
}

// ListRooms returns every room with members and history populated.
func (s *Store) ListRooms(ctx context.Context) ([]Room, error) {
	return s.listWhere(ctx, ``)
}

// ListPublicChannels returns the public channel index: rooms that are
// neither private nor direct. Only these are globally listable.
func (s *Store) ListPublicChannels(ctx context.Context) ([]Room, error) {
	return s.listWhere(ctx, `WHERE kind = 'public'`)
}

// ForcedRooms returns the rooms every new identity is auto-enrolled in.
func (s *Store) ForcedRooms(ctx context.Context) ([]Room, error) {
	return s.listWhere(ctx, `WHERE force_membership = true`)
}

// RoomsFor returns the rooms an identity is a member of, with members and
// history populated. This is the room set a session subscribes to at join.
func (s *Store) RoomsFor(ctx context.Context, identity string) ([]Room, error) {
	return s.listWhere(ctx,
		`WHERE id IN (SELECT room_id FROM room_members WHERE username = $1)`, identity)
}

func (s *Store) listWhere(ctx context.Context, where string, args ...interface{}) ([]Room, error) {
	query := `SELECT id, name, description, kind, force_membership FROM rooms ` + where + ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("room: list: %w", err)
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		var r Room
		var kind string
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &kind, &r.ForceMembership); err != nil {
			return nil, fmt.Errorf("room: list scan: %w", err)
		}
		r.Kind = Kind(kind)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].Members, err = s.Members(ctx, out[i].ID); err != nil {
			return nil, err
		}
		if out[i].History, err = s.history(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Members returns the current member list of a room, ordered by name.
func (s *Store) Members(ctx context.Context, roomID int64) ([]string, error) {
	const query = `SELECT username FROM room_members WHERE room_id = $1 ORDER BY username`

	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("room: members of %d: %w", roomID, err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("room: members scan: %w", err)
		}
		members = append(members, name)
	}
	return members, rows.Err()
}

// IsMember reports whether the identity belongs to the room.
func (s *Store) IsMember(ctx context.Context, roomID int64, identity string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM room_members WHERE room_id = $1 AND username = $2)`

	var ok bool
	if err := s.db.QueryRowContext(ctx, query, roomID, identity).Scan(&ok); err != nil {
		return false, fmt.Errorf("room: is member: %w", err)
	}
	return ok, nil
}

// AddMember inserts an identity into a room's member set. Adding an
// existing member is a no-op. Returns the refreshed member list.
func (s *Store) AddMember(ctx context.Context, roomID int64, identity string) ([]string, error) {
	unlock := s.lock(roomKey(roomID))
	defer unlock()

	const query = `
		INSERT INTO room_members (room_id, username)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, roomID, identity); err != nil {
		return nil, fmt.Errorf("room: add member: %w", err)
	}
	return s.Members(ctx, roomID)
}

// RemoveMember deletes an identity from a room's member set. Removing a
// non-member is a no-op. Returns the refreshed member list.
func (s *Store) RemoveMember(ctx context.Context, roomID int64, identity string) ([]string, error) {
	unlock := s.lock(roomKey(roomID))
	defer unlock()

	const query = `DELETE FROM room_members WHERE room_id = $1 AND username = $2`

	if _, err := s.db.ExecContext(ctx, query, roomID, identity); err != nil {
		return nil, fmt.Errorf("room: remove member: %w", err)
	}
	return s.Members(ctx, roomID)
}

// AppendMessage assigns the server timestamp and appends the message to the
// room's history. The timestamp never moves backwards within a room even if
// the wall clock does, so history order and time order agree.
func (s *Store) AppendMessage(ctx context.Context, msg Message) (*Message, error) {
	unlock := s.lock(roomKey(msg.Room))
	defer unlock()

	var keysJSON []byte
	if len(msg.EncryptedKeys) > 0 {
		var err error
		keysJSON, err = json.Marshal(msg.EncryptedKeys)
		if err != nil {
			return nil, fmt.Errorf("room: marshal encrypted keys: %w", err)
		}
	}

	const query = `
		INSERT INTO messages (room_id, username, body, iv, encrypted_keys, time)
		VALUES ($1, $2, $3, $4, $5,
			GREATEST($6::bigint, COALESCE((SELECT MAX(time) FROM messages WHERE room_id = $1), 0)))
		RETURNING time`

	stored := msg
	err := s.db.QueryRowContext(ctx, query,
		msg.Room, msg.Username, msg.Body, msg.IV, keysJSON, time.Now().UnixMilli(),
	).Scan(&stored.Time)
	if err != nil {
		return nil, fmt.Errorf("room: append message: %w", err)
	}
	return &stored, nil
}

func (s *Store) history(ctx context.Context, roomID int64) ([]Message, error) {
	const query = `
		SELECT room_id, username, body, COALESCE(iv, ''), encrypted_keys, time
		FROM messages
		WHERE room_id = $1
		ORDER BY time, id`

	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("room: history of %d: %w", roomID, err)
	}
	defer rows.Close()

	history := []Message{}
	for rows.Next() {
		var m Message
		var keysJSON []byte
		if err := rows.Scan(&m.Room, &m.Username, &m.Body, &m.IV, &keysJSON, &m.Time); err != nil {
			return nil, fmt.Errorf("room: history scan: %w", err)
		}
		if len(keysJSON) > 0 {
			if err := json.Unmarshal(keysJSON, &m.EncryptedKeys); err != nil {
				return nil, fmt.Errorf("room: history keys: %w", err)
			}
		}
		history = append(history, m)
	}
	return history, rows.Err()
}

// EnsureDefaults seeds the initial room set on an empty database: the
// forced-membership channels "random" and "general", plus the non-forced
// private channel "private". Idempotent across restarts.
func (s *Store) EnsureDefaults(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rooms`).Scan(&count); err != nil {
		return fmt.Errorf("room: count: %w", err)
	}
	if count > 0 {
		return nil
	}

	defaults := []struct {
		name string
		opts Options
	}{
		{"random", Options{Description: "Random!", Kind: KindPublic, ForceMembership: true}},
		{"general", Options{Description: "interesting things", Kind: KindPublic, ForceMembership: true}},
		{"private", Options{Description: "some very private channel", Kind: KindPrivate}},
	}
	for _, d := range defaults {
		if _, err := s.CreateRoom(ctx, d.name, d.opts); err != nil {
			return err
		}
	}
	return nil
}

func roomKey(id int64) string {
	return fmt.Sprintf("room:%d", id)
}

// isUniqueViolation reports whether err is the unique-index rejection the
// direct-room resolver relies on for cross-process races.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
