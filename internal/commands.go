package internal

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/koopa0/interaction-rooms/internal/limiter"
)

// 系統設計問題：
//   聊天室內的 /command 如何在伺服器端執行，而且不卡住發出命令的連線？
//
// 設計方案：
//   ✅ 名稱 → Command 的註冊表，啟動時註冊、執行期唯讀
//   ✅ 每次呼叫一個 goroutine（fire-and-forget）
//   ✅ 處理器只拿到參數與 Publisher，拿不到 Manager
//   ✅ 任務生命週期跟著註冊表：連線或房間消失不會取消任務，
//      只有 Stop（伺服器關閉）會取消
//   ✅ 每個房間的命令頻率限制（Limiter，本地或 Redis）

// Command 一個斜線命令
type Command interface {
	Run(ctx context.Context, args []string, pub Publisher)
}

// CommandFunc 讓普通函數實作 Command
type CommandFunc func(ctx context.Context, args []string, pub Publisher)

// Run 實作 Command
func (f CommandFunc) Run(ctx context.Context, args []string, pub Publisher) {
	f(ctx, args, pub)
}

// DispatchResult Dispatch 的結果
type DispatchResult int

const (
	DispatchStarted   DispatchResult = iota // 已在背景啟動
	DispatchUnknown                         // 未知命令，靜默忽略
	DispatchThrottled                       // 超過房間的命令頻率
	DispatchStopped                         // 註冊表已停止
)

func (r DispatchResult) String() string {
	switch r {
	case DispatchStarted:
		return "started"
	case DispatchUnknown:
		return "unknown"
	case DispatchThrottled:
		return "throttled"
	case DispatchStopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// limiterTimeout 單次限流檢查的期限（Redis 來回）
const limiterTimeout = 100 * time.Millisecond

// CommandRegistry 命令註冊表
type CommandRegistry struct {
	commands map[string]Command
	limiter  limiter.Limiter // 可為 nil（不限流）
	metrics  *Metrics
	logger   *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewCommandRegistry 創建命令註冊表
func NewCommandRegistry(lim limiter.Limiter, metrics *Metrics, logger *slog.Logger) *CommandRegistry {
	ctx, cancel := context.WithCancel(context.Background())
	return &CommandRegistry{
		commands: make(map[string]Command),
		limiter:  lim,
		metrics:  metrics,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register 註冊命令（名稱不含斜線，不分大小寫）
func (r *CommandRegistry) Register(name string, cmd Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[strings.ToLower(name)] = cmd
}

// Names 已註冊的命令名稱（排序）
func (r *CommandRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Dispatch 解析一行聊天內容並在背景執行對應命令
//
// 第一個詞去掉前導斜線後為命令名稱，其餘為參數。
func (r *CommandRegistry) Dispatch(roomID, line string, pub Publisher) DispatchResult {
	fields := strings.Fields(line)
	name := ""
	var args []string
	if len(fields) > 0 {
		name = strings.ToLower(strings.TrimPrefix(fields[0], "/"))
		args = fields[1:]
	}

	r.mu.RLock()
	stopped := r.stopped
	cmd, ok := r.commands[name]
	r.mu.RUnlock()

	if stopped {
		return DispatchStopped
	}
	if !ok {
		r.logger.Debug("未知命令", "room_id", roomID, "command", name)
		r.metrics.command("unknown", DispatchUnknown.String())
		return DispatchUnknown
	}

	if !r.allow(roomID) {
		r.logger.Debug("命令頻率超過限制", "room_id", roomID, "command", name)
		r.metrics.command(name, DispatchThrottled.String())
		return DispatchThrottled
	}

	// Stop 可能在限流檢查期間發生，Add 前再確認一次
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return DispatchStopped
	}

	r.wg.Add(1)
	go r.run(roomID, name, cmd, args, pub)

	r.metrics.command(name, DispatchStarted.String())
	return DispatchStarted
}

// allow 房間的命令限流（不持有鎖；後端錯誤時放行）
func (r *CommandRegistry) allow(roomID string) bool {
	if r.limiter == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(r.ctx, limiterTimeout)
	defer cancel()

	allowed, err := r.limiter.Allow(ctx, "commands:"+roomID)
	if err != nil {
		r.logger.Warn("命令限流檢查失敗，放行", "room_id", roomID, "error", err)
		return true
	}
	return allowed
}

func (r *CommandRegistry) run(roomID, name string, cmd Command, args []string, pub Publisher) {
	defer r.wg.Done()
	defer func() {
		if err := recover(); err != nil {
			r.logger.Error("命令執行時發生 panic",
				"room_id", roomID,
				"command", name,
				"error", err)
		}
	}()

	r.logger.Debug("命令開始", "room_id", roomID, "command", name, "args", args)
	cmd.Run(r.ctx, args, pub)
	r.logger.Debug("命令結束", "room_id", roomID, "command", name)
}

// Stop 取消所有執行中的命令並等待結束
func (r *CommandRegistry) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	r.logger.Info("命令註冊表已停止")
}

const (
	countdownDefault = 5
	countdownMin     = 1
	countdownMax     = 60
	countdownFinale  = "guacamole"
)

// NewCountdown /countdown [seconds] [finish words...]
//
// 秒數預設 5，限制在 1-60；無法解析時用預設值。
// 每個 tick 發佈一次倒數，最後一個數字之後再等一個 tick 發佈結束語。
func NewCountdown(pipeline *Pipeline, tick time.Duration) Command {
	return CommandFunc(func(ctx context.Context, args []string, pub Publisher) {
		seconds := uint64(countdownDefault)
		if len(args) > 0 {
			if n, err := strconv.ParseUint(args[0], 10, 64); err == nil {
				seconds = n
			}
		}
		seconds = max(countdownMin, min(countdownMax, seconds))

		finale := countdownFinale
		if len(args) > 1 {
			finale = strings.Join(args[1:], " ")
		}

		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		wait := func() bool {
			select {
			case <-ticker.C:
				return true
			case <-ctx.Done():
				return false
			}
		}

		pub.Publish(pipeline.Notice(NoticeCommand, fmt.Sprintf("Starting countdown from %d...", seconds)))
		for i := seconds; i >= 1; i-- {
			if !wait() {
				return
			}
			pub.Publish(pipeline.Notice(NoticeCommand, fmt.Sprintf("... %d", i)))
		}
		if !wait() {
			return
		}
		pub.Publish(pipeline.Notice(NoticeFinale, finale))
	})
}

// NewHelp /help：列出所有命令
func NewHelp(pipeline *Pipeline, registry *CommandRegistry) Command {
	return CommandFunc(func(_ context.Context, _ []string, pub Publisher) {
		names := registry.Names()
		for i, name := range names {
			names[i] = "/" + name
		}
		pub.Publish(pipeline.Notice(NoticeCommand, "Commands: "+strings.Join(names, ", ")))
	})
}

// RegisterBuiltins 註冊內建命令
func RegisterBuiltins(registry *CommandRegistry, pipeline *Pipeline, cfg CommandsConfig) {
	registry.Register("countdown", NewCountdown(pipeline, cfg.CountdownTick))
	registry.Register("help", NewHelp(pipeline, registry))
}
