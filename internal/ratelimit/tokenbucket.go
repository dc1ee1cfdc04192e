// Package ratelimit 實作每個客戶端的突發限流
//
// 與每日配額的差別：
//   - 每日配額是全域的，所有客戶端共用 100 次（由 phrase.Service 保證）
//   - 這裡的令牌桶只防止單一客戶端在短時間內把配額用光
//
// 兩種實作：
//   - TokenBucket：單機版，每個 key 一個桶，存在本地記憶體
//   - DistributedTokenBucket：Redis + Lua，多個實例共享狀態
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket 以 key 區分的本地令牌桶
//
// 演算法：
//  1. 每個 key 一個固定容量的桶，以固定速率填充
//  2. 請求到達時取出一個令牌；沒有令牌則拒絕
//
// 閒置太久的桶（已回滿）會在 sweep 時移除，避免 map 無限成長。
type TokenBucket struct {
	capacity   int64
	refillRate int64 // 每秒填充的令牌數
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	calls   int
}

type bucket struct {
	tokens     int64
	lastRefill time.Time
}

// sweepEvery 每多少次 Allow 清理一次閒置的桶
const sweepEvery = 1024

// NewTokenBucket 建立本地令牌桶
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
		buckets:    make(map[string]*bucket),
	}
}

// Allow 檢查 key 是否還有令牌
//
// 簽名與 DistributedTokenBucket.Allow 相同，兩者都可作為 Limiter 使用；
// 本地版不會回傳錯誤。
func (tb *TokenBucket) Allow(_ context.Context, key string) (bool, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, ok := tb.buckets[key]
	if !ok {
		// 新的桶是滿的
		b = &bucket{tokens: tb.capacity, lastRefill: now}
		tb.buckets[key] = b
	}
	tb.refill(b, now)

	tb.calls++
	if tb.calls%sweepEvery == 0 {
		tb.sweep(now)
	}

	if b.tokens > 0 {
		b.tokens--
		return true, nil
	}
	return false, nil
}

// refill 依經過時間補充令牌，不超過容量
func (tb *TokenBucket) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	tokensToAdd := int64(elapsed.Seconds() * float64(tb.refillRate))
	if tokensToAdd > 0 {
		b.tokens = min(tb.capacity, b.tokens+tokensToAdd)
		b.lastRefill = now
	}
}

// sweep 移除已回滿的桶（與新建的桶等價）
func (tb *TokenBucket) sweep(now time.Time) {
	for key, b := range tb.buckets {
		tb.refill(b, now)
		if b.tokens >= tb.capacity {
			delete(tb.buckets, key)
		}
	}
}

// Tokens 目前 key 的令牌數（用於監控與測試）
func (tb *TokenBucket) Tokens(key string) int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	b, ok := tb.buckets[key]
	if !ok {
		return tb.capacity
	}
	tb.refill(b, tb.now())
	return b.tokens
}

// Len 目前追蹤中的 key 數
func (tb *TokenBucket) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.buckets)
}
