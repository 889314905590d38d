package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keeps ledger records as hashes with a native TTL, which makes it the
// natural fit for the consume path where entries expire once the broker's
// redelivery window has passed.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

var tryBeginScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if status == "completed" then
  return {1, tonumber(redis.call("HGET", KEYS[1], "attempts")) or 0}
end
local attempts = redis.call("HINCRBY", KEYS[1], "attempts", 1)
redis.call("HSET", KEYS[1], "status", "processing")
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return {0, attempts}
`)

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

func (l *Redis) key(key, scope string) string {
	return "ledger:" + scope + ":" + key
}

func (l *Redis) TryBegin(ctx context.Context, key, scope string) (bool, int, error) {
	res, err := tryBeginScript.Run(ctx, l.rdb, []string{l.key(key, scope)}, l.ttl.Milliseconds()).Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ledger: unexpected reply %v for key %s", res, key)
	}
	done, _ := res[0].(int64)
	attempts, _ := res[1].(int64)
	return done == 1, int(attempts), nil
}

func (l *Redis) Complete(ctx context.Context, key, scope string) error {
	k := l.key(key, scope)
	pipe := l.rdb.TxPipeline()
	pipe.HSet(ctx, k, "status", statusCompleted)
	pipe.PExpire(ctx, k, l.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (l *Redis) Fail(ctx context.Context, key, scope string) error {
	// Keep the attempt counter; only the processing marker is cleared.
	return l.rdb.HSet(ctx, l.key(key, scope), "status", statusFailed).Err()
}
