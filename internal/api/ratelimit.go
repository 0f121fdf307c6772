package api

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// incrWithExpiry bumps the counter and attaches the window TTL in the same
// script when the key is new, so a counter can never be created without an
// expiry even under concurrent first hits.
var incrWithExpiry = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// Limiter counts requests per key in a fixed window backed by Redis.
type Limiter struct {
	rdb           *redis.Client
	windowSeconds int
	limit         int
}

func NewLimiter(rdb *redis.Client, windowSeconds, limit int) *Limiter {
	return &Limiter{rdb: rdb, windowSeconds: windowSeconds, limit: limit}
}

// Allow reports whether the request identified by key may proceed within the
// current window.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	current, err := incrWithExpiry.Run(ctx, l.rdb, []string{"rl:" + key}, l.windowSeconds).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limiter increment failed: %w", err)
	}
	return current <= int64(l.limit), nil
}
