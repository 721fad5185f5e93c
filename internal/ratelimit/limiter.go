// Package ratelimit provides Redis-backed fixed-window rate limiting for
// message and upload intake.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper/chat-dlp/internal/logging"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMessage allows 5 chat messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 5, Window: 10 * time.Second}

	// RuleUpload allows 3 file uploads per minute per user.
	RuleUpload = Rule{Key: "rl:upload:", Limit: 3, Window: time.Minute}
)

// hitLua increments the counter and starts the window on the first hit in
// one round trip, so a counter never outlives its window.
const hitLua = `
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	hit    *redis.Script
	log    zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{
		client: client,
		hit:    redis.NewScript(hitLua),
		log:    logging.Component("ratelimit"),
	}
}

// Allow records one request for identifier under rule and reports whether it
// is within the limit.
//
// On Redis errors it fails open (returns true together with the error) so
// that a Redis outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.hit.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("rate limit check failed, failing open")
		return true, fmt.Errorf("ratelimit: %w", err)
	}
	return count <= int64(rule.Limit), nil
}

// RetryAfter returns how long until identifier's window resets.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl < 0 {
		return 0
	}
	return ttl
}
