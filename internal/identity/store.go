// Package identity provides PostgreSQL-backed storage for registered
// identities: the case-normalized name, credential hash, optional public key
// for confidential rooms, and the durable online flag. Identities are never
// deleted in normal operation.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrNotFound is returned when no identity exists under the given name.
	ErrNotFound = errors.New("identity: not found")

	// ErrExists is returned when registering a name that is already taken.
	ErrExists = errors.New("identity: name already registered")

	// ErrBadCredentials is returned for a wrong password or unknown name on
	// authentication. Callers surface the same message for both so login
	// attempts reveal nothing about which names exist.
	ErrBadCredentials = errors.New("identity: bad credentials")

	// ErrInvalidName is returned for names outside the allowed charset.
	ErrInvalidName = errors.New("identity: name must match [a-zA-Z0-9_]+")
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// bcryptCost matches the work factor the reference deployment uses.
const bcryptCost = 10

// User is a registered identity.
type User struct {
	Name      string `json:"username"`
	Active    bool   `json:"active"`
	PublicKey string `json:"publicKey,omitempty"`
}

// Normalize lowercases an identity name. All lookups and uniqueness checks
// run on the normalized form.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Store manages identities in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new identity store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Register creates a new identity with a bcrypt-hashed credential. The name
// is case-normalized and validated against the allowed charset.
func (s *Store) Register(ctx context.Context, name, password string) (*User, error) {
	name = Normalize(name)
	if !nameRe.MatchString(name) {
		return nil, ErrInvalidName
	}
	if password == "" || !nameRe.MatchString(password) {
		return nil, fmt.Errorf("identity: password must match [a-zA-Z0-9_]+")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("identity: hash password: %w", err)
	}

	const query = `
		INSERT INTO users (name, password)
		VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING
		RETURNING name`

	var inserted string
	err = s.db.QueryRowContext(ctx, query, name, string(hash)).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExists
	}
	if err != nil {
		return nil, fmt.Errorf("identity: register: %w", err)
	}

	return &User{Name: name}, nil
}

// Authenticate verifies a name/password pair against the stored bcrypt hash.
func (s *Store) Authenticate(ctx context.Context, name, password string) error {
	name = Normalize(name)

	const query = `SELECT password FROM users WHERE name = $1`

	var hash string
	err := s.db.QueryRowContext(ctx, query, name).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrBadCredentials
	}
	if err != nil {
		return fmt.Errorf("identity: authenticate: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return ErrBadCredentials
	}
	return nil
}

// Get returns one identity by name.
func (s *Store) Get(ctx context.Context, name string) (*User, error) {
	const query = `SELECT name, active, COALESCE(public_key, '') FROM users WHERE name = $1`

	var u User
	err := s.db.QueryRowContext(ctx, query, Normalize(name)).Scan(&u.Name, &u.Active, &u.PublicKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: get %q: %w", name, err)
	}
	return &u, nil
}

// List returns all registered identities ordered by name.
func (s *Store) List(ctx context.Context) ([]User, error) {
	const query = `SELECT name, active, COALESCE(public_key, '') FROM users ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("identity: list: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Name, &u.Active, &u.PublicKey); err != nil {
			return nil, fmt.Errorf("identity: list scan: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetActive updates the durable online flag.
func (s *Store) SetActive(ctx context.Context, name string, active bool) error {
	const query = `UPDATE users SET active = $1 WHERE name = $2`

	if _, err := s.db.ExecContext(ctx, query, active, Normalize(name)); err != nil {
		return fmt.Errorf("identity: set active: %w", err)
	}
	return nil
}

// SetPublicKey stores the identity's public key for confidential rooms.
func (s *Store) SetPublicKey(ctx context.Context, name, key string) error {
	const query = `UPDATE users SET public_key = $1 WHERE name = $2`

	if _, err := s.db.ExecContext(ctx, query, key, Normalize(name)); err != nil {
		return fmt.Errorf("identity: set public key: %w", err)
	}
	return nil
}

// PublicKeys returns the identity -> public key map for every identity that
// has published one. Sent to each session at join time.
func (s *Store) PublicKeys(ctx context.Context) (map[string]string, error) {
	const query = `SELECT name, public_key FROM users WHERE public_key IS NOT NULL AND public_key <> ''`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("identity: public keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]string)
	for rows.Next() {
		var name, key string
		if err := rows.Scan(&name, &key); err != nil {
			return nil, fmt.Errorf("identity: public keys scan: %w", err)
		}
		keys[name] = key
	}
	return keys, rows.Err()
}
