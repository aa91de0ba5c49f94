package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Cypherspark/campaign-dispatch/internal/core"
)

// reserveScript increments the day counter only while it is below the limit.
// Redis runs scripts atomically, so concurrent reservers cannot overshoot.
var reserveScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur >= limit then
  return {0, cur}
end
cur = redis.call('INCR', KEYS[1])
redis.call('PEXPIREAT', KEYS[1], ARGV[2])
return {1, cur}
`)

// RedisCounter keeps one key per bot and quota day. A new day starts on a
// fresh key, which is how the reset stays lazy.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

var _ core.QuotaCounter = (*RedisCounter)(nil)

func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client, prefix: "quota:"}
}

func (r *RedisCounter) key(botID string, dayStart time.Time) string {
	return r.prefix + botID + ":" + dayStart.Format("2006-01-02")
}

func (r *RedisCounter) Reserve(ctx context.Context, botID string, limit int, _ time.Time, dayStart time.Time) (core.QuotaResult, error) {
	// Keep the key a day past its window so late readers still see the final count.
	expireAt := dayStart.Add(48 * time.Hour).UnixMilli()
	vals, err := reserveScript.Run(ctx, r.client, []string{r.key(botID, dayStart)}, limit, expireAt).Int64Slice()
	if err != nil {
		return core.QuotaResult{}, fmt.Errorf("redis reserve: %w", err)
	}
	if len(vals) != 2 {
		return core.QuotaResult{}, fmt.Errorf("redis reserve: unexpected reply %v", vals)
	}
	return core.QuotaResult{Granted: vals[0] == 1, Used: int(vals[1])}, nil
}

// Used returns the count reserved so far on dayStart's quota day.
func (r *RedisCounter) Used(ctx context.Context, botID string, dayStart time.Time) (int, error) {
	n, err := r.client.Get(ctx, r.key(botID, dayStart)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
