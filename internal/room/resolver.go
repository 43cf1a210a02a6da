package room

import (
	"context"
	"fmt"
	"strings"
)

// PairKey returns the canonical key for an unordered identity pair. Both
// orders of the same two names yield the same key, which is what the
// partial unique index on rooms(direct_key) enforces uniqueness over.
func PairKey(a, b string) string {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// ResolveDirect finds or creates the unique direct room between two
// identities. The check-then-create sequence is serialized per pair with an
// in-process lock, and the database's unique index on the pair key covers
// the remaining window: if a concurrent insert wins, the loser re-reads and
// returns the winner's room.
//
// Finding more than one direct room for the pair is an invariant violation
// and returns ErrDuplicateDirectRoom; callers must not pick one silently.
func (s *Store) ResolveDirect(ctx context.Context, a, b string) (*Room, error) {
	key := PairKey(a, b)

	unlock := s.lock("pair:" + key)
	defer unlock()

	r, err := s.findDirect(ctx, key)
	if err != nil {
		return nil, err
	}
	if r != nil {
		return r, nil
	}

	r, err = s.createDirect(ctx, a, b, key)
	if err == nil {
		return r, nil
	}
	if !isUniqueViolation(err) {
		return nil, err
	}

	// Another process created the pair's room first; adopt it.
	r, err = s.findDirect(ctx, key)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("room: direct room for %s vanished after conflict", key)
	}
	return r, nil
}

// findDirect returns the direct room for a pair key, nil if none exists,
// or ErrDuplicateDirectRoom if the uniqueness invariant is broken.
func (s *Store) findDirect(ctx context.Context, key string) (*Room, error) {
	const query = `SELECT id FROM rooms WHERE kind = 'direct' AND direct_key = $1`

	rows, err := s.db.QueryContext(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("room: find direct %s: %w", key, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("room: find direct scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(ids) {
	case 0:
		return nil, nil
	case 1:
		return s.GetRoom(ctx, ids[0])
	default:
		return nil, fmt.Errorf("%w: key=%s count=%d", ErrDuplicateDirectRoom, key, len(ids))
	}
}

// createDirect inserts a direct room and both memberships in a single
// transaction, so a persistence failure leaves no half-created room.
func (s *Store) createDirect(ctx context.Context, a, b, key string) (*Room, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("room: begin direct create: %w", err)
	}
	defer tx.Rollback()

	name := fmt.Sprintf("Direct-%s-%s", a, b)

	const insertRoom = `
		INSERT INTO rooms (name, description, kind, force_membership, direct_key)
		VALUES ($1, '', 'direct', false, $2)
		RETURNING id`

	var id int64
	if err := tx.QueryRowContext(ctx, insertRoom, name, key).Scan(&id); err != nil {
		return nil, err
	}

	const insertMember = `INSERT INTO room_members (room_id, username) VALUES ($1, $2)`
	for _, member := range []string{a, b} {
		if _, err := tx.ExecContext(ctx, insertMember, id, member); err != nil {
			return nil, fmt.Errorf("room: direct member insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	members := []string{a, b}
	if a > b {
		members = []string{b, a}
	}
	return &Room{
		ID:      id,
		Name:    name,
		Kind:    KindDirect,
		Members: members,
		History: []Message{},
	}, nil
}
