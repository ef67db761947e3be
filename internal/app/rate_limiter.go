package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript keeps one sorted-set member per admitted attempt, scored
// by its time in milliseconds. Members older than the window are trimmed first;
// a rejected attempt is not recorded, so a client hammering the endpoint does
// not extend its own lockout.
//
// KEYS[1] the subject's key. ARGV: now ms, window ms, limit, member.
// Returns {admitted, in_window, oldest_score}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local used = redis.call("ZCARD", KEYS[1])
if used < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  redis.call("PEXPIRE", KEYS[1], window)
  return {1, used + 1, 0}
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
return {0, used, tonumber(oldest[2])}
`)

const defaultRateLimitPrefix = "xu:rate_limit"

// RateLimitDecision is the limiter's verdict on one attempt.
type RateLimitDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds for a Retry-After
// header. A rejected attempt always waits at least one second.
func (d RateLimitDecision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// allowAll is returned whenever limiting is switched off.
var allowAll = RateLimitDecision{Allowed: true}

// RedisRateLimiter admits at most limit attempts per subject in any rolling
// window, shared across every instance that points at the same Redis.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	return &RedisRateLimiter{client: client, prefix: prefix, now: time.Now}
}

// Allow records one attempt for subject within scope when it fits the window.
func (r *RedisRateLimiter) Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (RateLimitDecision, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return allowAll, nil
	}
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return allowAll, nil
	}

	nowMs := r.now().UnixMilli()
	windowMs := max(window.Milliseconds(), 1000)
	reply, err := slidingWindowScript.Run(ctx, r.client, []string{r.key(scope, subject)},
		nowMs, windowMs, limit, uuid.NewString()).Result()
	if err != nil {
		return RateLimitDecision{}, fmt.Errorf("rate limit %s: %w", scope, err)
	}
	return decisionFromReply(reply, limit, nowMs, windowMs)
}

func decisionFromReply(reply interface{}, limit int, nowMs, windowMs int64) (RateLimitDecision, error) {
	values, ok := reply.([]interface{})
	if !ok || len(values) != 3 {
		return RateLimitDecision{}, fmt.Errorf("unexpected rate limiter reply: %v", reply)
	}
	var fields [3]int64
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return RateLimitDecision{}, fmt.Errorf("unexpected rate limiter reply field %d: %T", i, v)
		}
		fields[i] = n
	}

	admitted, used, oldestMs := fields[0] == 1, int(fields[1]), fields[2]
	if admitted {
		return RateLimitDecision{Allowed: true, Remaining: max(limit-used, 0)}, nil
	}
	wait := oldestMs + windowMs - nowMs
	if wait <= 0 {
		wait = 1
	}
	return RateLimitDecision{RetryAfter: time.Duration(wait) * time.Millisecond}, nil
}

func (r *RedisRateLimiter) key(scope, subject string) string {
	return r.prefix + ":" + scope + ":" + subject
}
