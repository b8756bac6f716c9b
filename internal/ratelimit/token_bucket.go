package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a Redis token bucket guarding manual submissions. State lives in
// Redis so every API replica shares the same budget per client.
type TokenBucket struct {
	client   redis.Cmdable
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client redis.Cmdable, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   "clips:submit:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// WithClock replaces the time source passed to the script.
func (b *TokenBucket) WithClock(now func() time.Time) *TokenBucket {
	b.now = now
	return b
}

// Allow consumes a single token for client if available and reports the tokens left.
func (b *TokenBucket) Allow(ctx context.Context, client string) (bool, float64, error) {
	key := b.prefix + client
	res, err := bucketScript.Run(ctx, b.client, []string{key},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket %s: %w", key, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("token bucket %s: unexpected reply %T", key, res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		tokens, _ = strconv.ParseFloat(v, 64)
	}
	return allowed == 1, tokens, nil
}

// Tokens are returned as a string so fractional refill survives the Lua-to-Redis
// integer reply conversion.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
