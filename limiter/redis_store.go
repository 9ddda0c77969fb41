package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// tokenBucketScript refills and takes from a bucket stored as a hash.
// KEYS[1] bucket, ARGV: max tokens, tokens per second, now (seconds), cost.
const tokenBucketScript = `
local max_tokens = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = max_tokens
  ts = now
end

local elapsed = now - ts
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(max_tokens, tokens + elapsed * refill)

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(now))
redis.call("EXPIRE", KEYS[1], tostring(math.ceil(max_tokens / refill) + 1))
return allowed
`

var redisScript = redis.NewScript(tokenBucketScript)

type redisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a store shared by every process using client.
func NewRedisStore(client redis.Cmdable) Store {
	return &redisStore{client: client}
}

func (s *redisStore) Allow(ctx context.Context, key string, rate float64, period float64) (bool, error) {
	now := float64(time.Now().UnixNano()) / 1e9

	result, err := redisScript.Run(ctx, s.client, []string{keyPrefix + key}, rate, rate/period, now, 1).Result()
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("redis token bucket script failed")
		return false, fmt.Errorf("redis command failed for key %s: %w", key, err)
	}

	allowed, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected result type from redis script for key %s: %T", key, result)
	}

	log.Debug().Str("key", key).Bool("allowed", allowed == 1).Msg("command checked")
	return allowed == 1, nil
}
