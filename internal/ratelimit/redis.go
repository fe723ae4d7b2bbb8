package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript checks and records one request atomically.
// KEYS[1] = per-identity key
// ARGV[1] = now in nanoseconds
// ARGV[2] = window in nanoseconds
// ARGV[3] = limit
// Returns 1 when admitted, 0 when rejected.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		if redis.call('ZCARD', key) >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return 1
`)

const keyPrefix = "ratelimit:qpm:"

// RedisWindow shares admission state across gateway replicas. It fails open:
// when Redis is unreachable Admit reports true together with the error.
type RedisWindow struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisWindow returns a limiter backed by rdb.
func NewRedisWindow(rdb *redis.Client) *RedisWindow {
	return &RedisWindow{rdb: rdb, now: time.Now}
}

// Admit runs the sliding window script for identity.
func (r *RedisWindow) Admit(ctx context.Context, identity string, limitPerMinute int) (bool, error) {
	if limitPerMinute <= 0 {
		return true, nil
	}

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + identity},
		r.now().UnixNano(), Period.Nanoseconds(), limitPerMinute,
	).Int()
	if err != nil {
		return true, fmt.Errorf("ratelimit: redis: %w", err)
	}
	return result == 1, nil
}
