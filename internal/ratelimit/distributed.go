package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedTokenBucket 分散式令牌桶
//
// Redis 儲存桶狀態：
//   - {key}:tokens      當前令牌數
//   - {key}:last_refill 上次填充時間（Unix 毫秒）
//
// 讀取、填充、扣除在同一段 Lua 腳本內完成，Redis 保證原子性。
type DistributedTokenBucket struct {
	client     redis.Scripter
	capacity   int64
	refillRate int64
	prefix     string
	script     *redis.Script
	now        func() time.Time
}

// KEYS[1]: 桶的 key
// ARGV[1]: 容量
// ARGV[2]: 每秒填充速率
// ARGV[3]: 當前時間（Unix 毫秒）
// ARGV[4]: key 存活秒數
//
// 回傳 {allowed, tokens}
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = tonumber(redis.call('GET', key .. ':tokens') or capacity)
local last_refill = tonumber(redis.call('GET', key .. ':last_refill') or now)

local elapsed = math.max(0, now - last_refill)
local tokens_to_add = math.floor(elapsed * refill_rate / 1000)
if tokens_to_add > 0 then
    tokens = math.min(capacity, tokens + tokens_to_add)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call('SET', key .. ':tokens', tokens, 'EX', ttl)
redis.call('SET', key .. ':last_refill', last_refill, 'EX', ttl)

return {allowed, tokens}
`)

// DefaultKeyPrefix 限流 key 的前綴
const DefaultKeyPrefix = "ratelimit:"

// NewDistributedTokenBucket 建立分散式令牌桶
func NewDistributedTokenBucket(client redis.Scripter, capacity, refillRate int64) *DistributedTokenBucket {
	return &DistributedTokenBucket{
		client:     client,
		capacity:   capacity,
		refillRate: refillRate,
		prefix:     DefaultKeyPrefix,
		script:     tokenBucketScript,
		now:        time.Now,
	}
}

// ttlSeconds 桶從空到滿所需時間，再多留一點；之後 key 自動過期（等同滿桶）
func (dtb *DistributedTokenBucket) ttlSeconds() int64 {
	if dtb.refillRate <= 0 {
		return 3600
	}
	return dtb.capacity/dtb.refillRate + 60
}

// Allow 檢查是否允許請求
//
// Redis 錯誤時降級為允許（可用性優先），同時回傳錯誤讓呼叫者記錄。
func (dtb *DistributedTokenBucket) Allow(ctx context.Context, key string) (bool, error) {
	result, err := dtb.script.Run(ctx, dtb.client,
		[]string{dtb.prefix + key},
		dtb.capacity,
		dtb.refillRate,
		dtb.now().UnixMilli(),
		dtb.ttlSeconds(),
	).Int64Slice()
	if err != nil {
		return true, fmt.Errorf("token bucket script: %w", err)
	}
	if len(result) != 2 {
		return true, fmt.Errorf("token bucket script: unexpected result %v", result)
	}

	return result[0] == 1, nil
}
