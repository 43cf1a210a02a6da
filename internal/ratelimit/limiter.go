// Package ratelimit provides Redis-backed rate limiting using a sorted-set
// sliding window. Every mutating client action on a connection is counted
// against the same window; when the window is full the action is rejected
// without being recorded.
package ratelimit

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number
// of actions allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:action:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleAction allows 10 mutating actions per 10 seconds per connection,
// matching the relay's default throttle.
var RuleAction = Rule{Key: "rl:action:", Limit: 10, Window: 10 * time.Second}

// Limiter performs sliding-window rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	rule   Rule
}

// NewLimiter creates a Limiter backed by the given Redis client and rule.
func NewLimiter(client *redis.Client, rule Rule) *Limiter {
	return &Limiter{client: client, rule: rule}
}

// allowScript prunes window entries older than the window, rejects if the
// remaining count is at the limit, and otherwise records the new timestamp.
// Running it as a script keeps prune+count+record atomic per connection.
const allowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
    return 0
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return 1
`

// Allow checks whether the connection identified by connID may perform
// another action. A rejected action records nothing, so a throttled client
// does not push its own window further into the future.
//
// On Redis errors the method fails open (returns true) so that a Redis
// outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, connID string) bool {
	key := l.rule.Key + connID
	now := time.Now().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + strconv.FormatInt(time.Now().UnixNano()%1000, 10)

	allowed, err := l.client.Eval(ctx, allowScript, []string{key},
		now, l.rule.Window.Milliseconds(), l.rule.Limit, member).Int()
	if err != nil {
		log.Printf("[ratelimit] redis eval error key=%s: %v (failing open)", key, err)
		return true
	}
	return allowed == 1
}

// RetryAfter returns the number of seconds until the oldest recorded action
// leaves the window, for inclusion in throttle notices. Returns the full
// window on any error.
func (l *Limiter) RetryAfter(ctx context.Context, connID string) int {
	key := l.rule.Key + connID

	oldest, err := l.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return int(l.rule.Window.Seconds())
	}

	expiry := int64(oldest[0].Score) + l.rule.Window.Milliseconds()
	remaining := time.Duration(expiry-time.Now().UnixMilli()) * time.Millisecond
	if remaining < time.Second {
		return 1
	}
	return int(remaining.Round(time.Second).Seconds())
}

// Clear purges the window for a connection. Called on disconnect so rate
// limit state does not outlive the connection.
func (l *Limiter) Clear(ctx context.Context, connID string) {
	key := l.rule.Key + connID
	if err := l.client.Del(ctx, key).Err(); err != nil {
		log.Printf("[ratelimit] redis DEL error key=%s: %v", key, err)
	}
}
