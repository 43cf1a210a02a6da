// Package auth covers the credential boundary of the relay: bearer-token
// issuance and verification backed by Redis, and the HTTP registration and
// login endpoints. Password hashing itself lives with the identity store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// TokenPrefix is the Redis key prefix for bearer tokens.
	TokenPrefix = "token:"

	// TokenTTL is the lifetime of an issued token. Reconnecting after
	// expiry requires a fresh login.
	TokenTTL = 12 * time.Hour
)

// ErrInvalidToken is returned when a token is unknown or expired.
var ErrInvalidToken = errors.New("auth: invalid or expired token")

// Tokens issues and verifies bearer tokens in Redis.
type Tokens struct {
	client *redis.Client
}

// NewTokens creates a token store using the provided Redis client.
func NewTokens(client *redis.Client) *Tokens {
	return &Tokens{client: client}
}

// Issue creates a fresh bearer token for an identity with TokenTTL expiry.
func (t *Tokens) Issue(ctx context.Context, identity string) (string, error) {
	token := uuid.New().String()
	key := TokenPrefix + token

	if err := t.client.Set(ctx, key, identity, TokenTTL).Err(); err != nil {
		return "", fmt.Errorf("auth: issue token: %w", err)
	}
	return token, nil
}

// Verify resolves a bearer token to its identity. Unknown and expired
// tokens are indistinguishable to the caller.
func (t *Tokens) Verify(ctx context.Context, token string) (string, error) {
	key := TokenPrefix + token

	identity, err := t.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("auth: verify token: %w", err)
	}
	return identity, nil
}

// Revoke invalidates a token immediately.
func (t *Tokens) Revoke(ctx context.Context, token string) error {
	return t.client.Del(ctx, TokenPrefix+token).Err()
}
