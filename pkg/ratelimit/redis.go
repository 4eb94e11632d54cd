package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// acquireScript counts and records a hit on a sorted set scored by epoch
// milliseconds. ARGV: now, member, n, then n pairs of (window_ms, max).
// Returns {allowed, count_1, ..., count_n}.
var acquireScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local n = tonumber(ARGV[3])
local result = {1}
local longest = 0
for i = 1, n do
  local window = tonumber(ARGV[2 + 2 * i])
  local max = tonumber(ARGV[3 + 2 * i])
  if window > longest then longest = window end
  local count = redis.call('ZCOUNT', KEYS[1], now - window, '+inf')
  result[i + 1] = count
  if count >= max then result[1] = 0 end
end
if result[1] == 1 then
  redis.call('ZADD', KEYS[1], now, ARGV[2])
  redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. (now - longest))
  redis.call('PEXPIRE', KEYS[1], longest)
end
return result
`)

// releaseScript removes one member scored at ARGV[1].
var releaseScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], ARGV[1], ARGV[1], 'LIMIT', 0, 1)
if #members == 0 then return 0 end
return redis.call('ZREM', KEYS[1], members[1])
`)

// RedisCounter is a Counter shared by every replica through Redis.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCounter connects to Redis and verifies the connection.
func NewRedisCounter(addr, password string, db int, prefix string) (*RedisCounter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisCounterFromClient(client, prefix), nil
}

// NewRedisCounterFromClient wraps an existing client.
func NewRedisCounterFromClient(client redis.UniversalClient, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "dg:ratelimit:"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (r *RedisCounter) Acquire(ctx context.Context, key string, windows []time.Duration, limits []int64, now time.Time) ([]int64, bool, error) {
	if len(windows) != len(limits) {
		return nil, false, fmt.Errorf("acquire %s: %d windows but %d limits", key, len(windows), len(limits))
	}
	args := make([]interface{}, 0, 3+2*len(windows))
	args = append(args, now.UnixMilli(), fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()), len(windows))
	for i, w := range windows {
		args = append(args, w.Milliseconds(), limits[i])
	}

	res, err := acquireScript.Run(ctx, r.client, []string{r.prefix + key}, args...).Result()
	if err != nil {
		return nil, false, fmt.Errorf("run acquire script: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != len(windows)+1 {
		return nil, false, fmt.Errorf("unexpected acquire script result %v", res)
	}

	counts := make([]int64, len(windows))
	for i := range windows {
		c, ok := vals[i+1].(int64)
		if !ok {
			return nil, false, fmt.Errorf("unexpected count type %T", vals[i+1])
		}
		counts[i] = c
	}
	allowed, _ := vals[0].(int64)
	return counts, allowed == 1, nil
}

func (r *RedisCounter) Release(ctx context.Context, key string, at time.Time) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + key}, at.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("run release script: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (r *RedisCounter) Close() error {
	return r.client.Close()
}
