package ratelimit

import (
	"context"
	"fmt"
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

func uniqueConn() string {
	return fmt.Sprintf("conn_%d", time.Now().UnixNano())
}

func TestAllowUpToLimit(t *testing.T) {
	client := testRedis(t)
	l := NewLimiter(client, Rule{Key: "rl:test:", Limit: 5, Window: 10 * time.Second})
	ctx := context.Background()
	conn := uniqueConn()
	defer l.Clear(ctx, conn)

	for i := 0; i < 5; i++ {
		if !l.Allow(ctx, conn) {
			t.Fatalf("action %d rejected under the limit", i)
		}
	}
	if l.Allow(ctx, conn) {
		t.Error("action over the limit allowed")
	}
}

func TestRejectedActionNotRecorded(t *testing.T) {
	client := testRedis(t)
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 10 * time.Second}
	l := NewLimiter(client, rule)
	ctx := context.Background()
	conn := uniqueConn()
	defer l.Clear(ctx, conn)

	for i := 0; i < 3; i++ {
		l.Allow(ctx, conn)
	}

	// Hammering past the limit must not grow the recorded window.
	for i := 0; i < 10; i++ {
		l.Allow(ctx, conn)
	}
	count, err := client.ZCard(ctx, rule.Key+conn).Result()
	if err != nil {
		t.Fatalf("zcard: %v", err)
	}
	if count != int64(rule.Limit) {
		t.Errorf("window holds %d entries, want %d", count, rule.Limit)
	}
}

func TestWindowSlides(t *testing.T) {
	client := testRedis(t)
	l := NewLimiter(client, Rule{Key: "rl:test:", Limit: 2, Window: 300 * time.Millisecond})
	ctx := context.Background()
	conn := uniqueConn()
	defer l.Clear(ctx, conn)

	l.Allow(ctx, conn)
	l.Allow(ctx, conn)
	if l.Allow(ctx, conn) {
		t.Fatal("third action allowed inside the window")
	}

	time.Sleep(350 * time.Millisecond)
	if !l.Allow(ctx, conn) {
		t.Error("action rejected after the window slid past")
	}
}

func TestRetryAfter(t *testing.T) {
	client := testRedis(t)
	l := NewLimiter(client, Rule{Key: "rl:test:", Limit: 1, Window: 10 * time.Second})
	ctx := context.Background()
	conn := uniqueConn()
	defer l.Clear(ctx, conn)

	l.Allow(ctx, conn)

	retry := l.RetryAfter(ctx, conn)
	if retry < 1 || retry > 10 {
		t.Errorf("retry after = %d, want within (0, 10]", retry)
	}
}

func TestClear(t *testing.T) {
	client := testRedis(t)
	l := NewLimiter(client, Rule{Key: "rl:test:", Limit: 1, Window: 10 * time.Second})
	ctx := context.Background()
	conn := uniqueConn()

	l.Allow(ctx, conn)
	if l.Allow(ctx, conn) {
		t.Fatal("second action allowed")
	}

	l.Clear(ctx, conn)
	if !l.Allow(ctx, conn) {
		t.Error("action rejected after Clear")
	}
	l.Clear(ctx, conn)
}
