package auth

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable, skipping: %v", err)
	}

	t.Cleanup(func() { client.Close() })
	return client
}

func TestIssueAndVerify(t *testing.T) {
	tokens := NewTokens(testRedis(t))
	ctx := context.Background()

	token, err := tokens.Issue(ctx, "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if token == "" {
		t.Fatal("empty token")
	}
	defer tokens.Revoke(ctx, token)

	identity, err := tokens.Verify(ctx, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity != "alice" {
		t.Errorf("identity = %q, want alice", identity)
	}
}

func TestVerifyUnknownToken(t *testing.T) {
	tokens := NewTokens(testRedis(t))

	if _, err := tokens.Verify(context.Background(), "nope"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestRevoke(t *testing.T) {
	tokens := NewTokens(testRedis(t))
	ctx := context.Background()

	token, err := tokens.Issue(ctx, "bob")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := tokens.Revoke(ctx, token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := tokens.Verify(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken after revoke", err)
	}
}

func TestTokensAreUnique(t *testing.T) {
	tokens := NewTokens(testRedis(t))
	ctx := context.Background()

	a, _ := tokens.Issue(ctx, "alice")
	b, _ := tokens.Issue(ctx, "alice")
	defer tokens.Revoke(ctx, a)
	defer tokens.Revoke(ctx, b)

	if a == b {
		t.Error("two issued tokens collide")
	}
}
