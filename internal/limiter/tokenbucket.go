// Package limiter 提供房間服務使用的限流器。
//
//   - TokenBucket：單一連線的上行訊息框限流（本地、無鎖競爭）
//   - Local：以 key 區分的本地令牌桶集合（單實例部署）
//   - Distributed：Redis + Lua 的令牌桶（多實例共享額度）
//
// 後兩者實作 Limiter 介面，命令註冊表以房間 ID 為 key 限制命令頻率。
package limiter

import (
	"sync"
	"time"
)

// TokenBucket 令牌桶
//
// 演算法：
//  1. 桶容量 capacity，初始為滿
//  2. 每秒補充 refillRate 個令牌（不超過容量）
//  3. 每次 Allow 取走一個令牌，沒有令牌則拒絕
//
// 容量決定可容忍的突發量，補充速率決定長期平均速率。
type TokenBucket struct {
	capacity   int64
	tokens     int64
	refillRate int64
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket 建立令牌桶
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return newTokenBucketAt(capacity, refillRate, time.Now)
}

func newTokenBucketAt(capacity, refillRate int64, now func() time.Time) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillRate < 1 {
		refillRate = 1
	}
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow 取走一個令牌
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// Tokens 目前的令牌數
func (tb *TokenBucket) Tokens() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// refill 依經過時間補充令牌；呼叫者須持有 mu
//
// 只有真的補進令牌時才推進 lastRefill，避免高頻呼叫把零頭時間吃掉。
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)
	tokensToAdd := int64(elapsed.Seconds() * float64(tb.refillRate))
	if tokensToAdd > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+tokensToAdd)
		tb.lastRefill = now
	}
}
