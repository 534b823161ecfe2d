package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// remoteIncrScript atomically increments key, setting its TTL only on the
// first increment of a window so the count/reset pair stays consistent
// under concurrent callers (§5 "atomic for a given key"; §8 property 8).
var remoteIncrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// RemoteDriver is a redis/go-redis/v9-backed Driver, suitable for rate
// limiting shared across multiple Raffel processes (§4.5 "remote KV
// (optional; defined by the driver interface above)").
type RemoteDriver struct {
	client *redis.Client
	prefix string
}

// NewRemoteDriver wraps an existing redis client. keyPrefix namespaces this
// driver's keys within a shared Redis instance.
func NewRemoteDriver(client *redis.Client, keyPrefix string) *RemoteDriver {
	return &RemoteDriver{client: client, prefix: keyPrefix}
}

func (d *RemoteDriver) redisKey(key string) string {
	return d.prefix + key
}

// Increment runs remoteIncrScript so the count bump and TTL set happen
// atomically on the Redis server.
func (d *RemoteDriver) Increment(ctx context.Context, key string, period time.Duration) (Result, error) {
	res, err := remoteIncrScript.Run(ctx, d.client, []string{d.redisKey(key)}, period.Milliseconds()).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis incr %q: %w", key, err)
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return Result{}, fmt.Errorf("ratelimit: unexpected redis script result %v", res)
	}
	count := toInt64(vals[0])
	ttlMs := toInt64(vals[1])

	return Result{
		Count:   int(count),
		ResetAt: time.Now().Add(time.Duration(ttlMs) * time.Millisecond),
	}, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// Decrement lowers key's remote counter by one via DECR.
func (d *RemoteDriver) Decrement(ctx context.Context, key string) error {
	return d.client.Decr(ctx, d.redisKey(key)).Err()
}

// Reset deletes key's remote counter entirely.
func (d *RemoteDriver) Reset(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.redisKey(key)).Err()
}

// Shutdown closes the underlying redis client connection pool.
func (d *RemoteDriver) Shutdown() error {
	return d.client.Close()
}
