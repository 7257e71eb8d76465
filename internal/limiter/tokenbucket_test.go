package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock 可手動推進的時鐘
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTokenBucket_Burst(t *testing.T) {
	clock := newFakeClock()
	tb := newTokenBucketAt(3, 1, clock.Now)

	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow(), "bucket should be empty after burst")
	assert.Equal(t, int64(0), tb.Tokens())
}

func TestTokenBucket_Refill(t *testing.T) {
	clock := newFakeClock()
	tb := newTokenBucketAt(5, 2, clock.Now)

	for range 5 {
		require.True(t, tb.Allow())
	}
	require.False(t, tb.Allow())

	// 不足一個令牌的時間不補充
	clock.Advance(400 * time.Millisecond)
	assert.False(t, tb.Allow())

	// 累積到 1 秒：補 2 個
	clock.Advance(600 * time.Millisecond)
	assert.Equal(t, int64(2), tb.Tokens())

	// 不超過容量
	clock.Advance(time.Hour)
	assert.Equal(t, int64(5), tb.Tokens())
}

func TestTokenBucket_ClampsConfig(t *testing.T) {
	tb := newTokenBucketAt(0, 0, newFakeClock().Now)
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow())
}

func TestTokenBucket_Concurrent(t *testing.T) {
	tb := newTokenBucketAt(100, 1, newFakeClock().Now)

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				if tb.Allow() {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), allowed.Load())
}

func TestLocal_PerKey(t *testing.T) {
	clock := newFakeClock()
	l := NewLocal(2, 1)
	l.now = clock.Now

	ctx := context.Background()
	allow := func(key string) bool {
		ok, err := l.Allow(ctx, key)
		require.NoError(t, err)
		return ok
	}

	assert.True(t, allow("room-a"))
	assert.True(t, allow("room-a"))
	assert.False(t, allow("room-a"))

	// 其他 key 不受影響
	assert.True(t, allow("room-b"))

	clock.Advance(time.Second)
	assert.True(t, allow("room-a"))
	assert.Equal(t, 2, l.Len())
}

func TestLocal_Sweep(t *testing.T) {
	clock := newFakeClock()
	l := NewLocal(1, 1)
	l.now = clock.Now

	ctx := context.Background()
	_, _ = l.Allow(ctx, "old")
	clock.Advance(5 * time.Minute)
	_, _ = l.Allow(ctx, "recent")

	assert.Equal(t, 1, l.Sweep(time.Minute))
	assert.Equal(t, 1, l.Len())

	// 被清掉的 key 重新建立時是滿的
	ok, err := l.Allow(ctx, "old")
	require.NoError(t, err)
	assert.True(t, ok)
}
