package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"authgate/internal/autherr"
)

// fixedWindowScript increments the key and starts its expiry on the first hit
// of a window. Running server-side keeps reset and increment one step even
// with several processes sharing the counter.
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 or redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {count, redis.call('PTTL', KEYS[1])}
`)

// RedisLimiter shares fixed windows across processes through Redis.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client redis.UniversalClient, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{client: client, prefix: prefix, now: time.Now}
}

func (l *RedisLimiter) Check(ctx context.Context, key string, limit Limit) (Decision, error) {
	if !limit.valid() {
		return Decision{}, ErrInvalidLimit
	}

	windowMs := limit.Window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}

	res, err := fixedWindowScript.Run(ctx, l.client, []string{l.key(key)}, windowMs).Int64Slice()
	if err != nil {
		return Decision{}, autherr.Unavailable("redis rate limit", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("redis rate limit: unexpected reply %v", res)
	}

	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl < 0 {
		ttl = limit.Window
	}
	windowStart := l.now().Add(ttl).Add(-limit.Window)

	return decide(int(res[0]), limit, windowStart), nil
}

// Reset clears the counter for key.
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.key(key)).Err(); err != nil {
		return autherr.Unavailable("redis rate limit reset", err)
	}
	return nil
}

func (l *RedisLimiter) key(key string) string {
	return l.prefix + ":" + key
}
