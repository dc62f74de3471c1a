package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// agentTokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key ("agent_limit:<agent_id>")
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, fractional)
var agentTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// AgentLimiter throttles authenticated write traffic per agent across
// all API instances.
type AgentLimiter struct {
	client *redis.Client
	rpm    int
	burst  int
}

// NewAgentLimiter creates a Redis-backed per-agent limiter allowing
// rpm requests per minute with the given burst.
func NewAgentLimiter(addr string, rpm, burst int) *AgentLimiter {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &AgentLimiter{client: rdb, rpm: rpm, burst: burst}
}

// Allow consumes one token from the agent's bucket.
func (l *AgentLimiter) Allow(ctx context.Context, agentID string) (bool, error) {
	key := fmt.Sprintf("agent_limit:%s", agentID)

	rate := float64(l.rpm) / 60.0
	if rate <= 0 {
		rate = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := agentTokenBucketScript.Run(ctx, l.client, []string{key}, rate, l.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from lua script")
	}

	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// Close releases the Redis connection.
func (l *AgentLimiter) Close() error {
	return l.client.Close()
}
