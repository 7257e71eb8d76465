package limiter

import (
	"context"
	"sync"
	"time"
)

// Limiter 以 key 區分的限流器
//
// 回傳錯誤時，第一個回傳值仍是呼叫者應採用的決定（Distributed 會降級放行）。
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Local 本地令牌桶集合，每個 key 一個桶
type Local struct {
	capacity   int64
	refillRate int64
	buckets    map[string]*localEntry
	now        func() time.Time
	mu         sync.Mutex
}

type localEntry struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

// NewLocal 建立本地限流器
func NewLocal(capacity, refillRate int64) *Local {
	return &Local{
		capacity:   capacity,
		refillRate: refillRate,
		buckets:    make(map[string]*localEntry),
		now:        time.Now,
	}
}

// Allow 實作 Limiter；本地限流不會失敗
func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	entry, ok := l.buckets[key]
	if !ok {
		entry = &localEntry{bucket: newTokenBucketAt(l.capacity, l.refillRate, l.now)}
		l.buckets[key] = entry
	}
	entry.lastSeen = l.now()
	l.mu.Unlock()

	return entry.bucket.Allow(), nil
}

// Sweep 移除閒置超過 maxIdle 的桶，回傳移除數量
//
// 閒置夠久的桶早已補滿，移除後重建結果相同。
func (l *Local) Sweep(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, entry := range l.buckets {
		if now.Sub(entry.lastSeen) > maxIdle {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len 目前追蹤的 key 數量
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
