package sink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// budgetScript is a token bucket evaluated atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = now (unix seconds, microsecond precision)
// Returns {allowed, wait_ms}.
var budgetScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
local wait_ms = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
else
    wait_ms = math.ceil((1 - tokens) / rate * 1000)
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, math.max(60, math.ceil(capacity / rate) + 1))
return {allowed, wait_ms}
`)

// RedisBudget is a Budget kept in Redis so every instance posting to the same webhook
// draws from one bucket.
type RedisBudget struct {
	client redis.UniversalClient
	key    string
	rate   float64
	burst  int
	now    func() time.Time
}

// NewRedisBudget returns a budget refilling at perSecond up to burst, stored under key.
func NewRedisBudget(client redis.UniversalClient, key string, perSecond float64, burst int) *RedisBudget {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RedisBudget{client: client, key: "nostrhook:budget:" + key, rate: perSecond, burst: burst, now: time.Now}
}

// BudgetKey derives a bucket key from a webhook URL without storing the URL's secret
// token in Redis. Instances posting to the same webhook share a key.
func BudgetKey(webhookURL string) string {
	sum := sha256.Sum256([]byte(webhookURL))
	return hex.EncodeToString(sum[:8])
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return rdb, nil
}

// Take consumes one token from the shared bucket.
func (b *RedisBudget) Take(ctx context.Context) (bool, time.Duration, error) {
	now := float64(b.now().UnixMicro()) / 1e6
	res, err := budgetScript.Run(ctx, b.client, []string{b.key}, b.rate, b.burst, now).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis budget: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("redis budget: unexpected script result %T", res)
	}
	allowed, _ := vals[0].(int64)
	waitMS, _ := vals[1].(int64)
	if allowed == 1 {
		return true, 0, nil
	}
	return false, time.Duration(math.Max(float64(waitMS), 1)) * time.Millisecond, nil
}
