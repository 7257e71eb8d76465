package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Distributed Redis 上的令牌桶
//
// 多個服務實例共用同一個 Redis 時，同一房間的命令額度是全域的。
//
// Redis 狀態：
//   - {key}:tokens      目前令牌數
//   - {key}:last_refill 上次補充時間（Unix 秒）
//
// 讀取、補充、扣除在同一個 Lua 腳本內完成，Redis 保證原子性。
type Distributed struct {
	client     *redis.Client
	capacity   int64
	refillRate int64
	prefix     string
	script     *redis.Script
}

// KEYS[1]: 桶的 key
// ARGV[1]: 容量
// ARGV[2]: 每秒補充速率
// ARGV[3]: 目前時間（Unix 秒）
//
// 回傳 1 放行、0 拒絕
var tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call('GET', key .. ':tokens') or capacity)
local last_refill = tonumber(redis.call('GET', key .. ':last_refill') or now)

local elapsed = math.max(0, now - last_refill)
tokens = math.min(capacity, tokens + elapsed * refill_rate)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call('SET', key .. ':tokens', tokens, 'EX', 3600)
redis.call('SET', key .. ':last_refill', now, 'EX', 3600)

return allowed
`

// NewDistributed 建立分散式限流器；prefix 用來隔離不同用途的 key
func NewDistributed(client *redis.Client, prefix string, capacity, refillRate int64) *Distributed {
	return &Distributed{
		client:     client,
		capacity:   capacity,
		refillRate: refillRate,
		prefix:     prefix,
		script:     redis.NewScript(tokenBucketScript),
	}
}

// Allow 實作 Limiter
//
// Redis 錯誤時降級放行（可用性優先），並把錯誤回傳給呼叫者記錄。
func (d *Distributed) Allow(ctx context.Context, key string) (bool, error) {
	result, err := d.script.Run(
		ctx,
		d.client,
		[]string{d.prefix + key},
		d.capacity,
		d.refillRate,
		time.Now().Unix(),
	).Int()
	if err != nil {
		return true, fmt.Errorf("redis token bucket: %w", err)
	}
	return result == 1, nil
}
