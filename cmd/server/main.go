package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/interaction-rooms/internal"
	"github.com/koopa0/interaction-rooms/internal/limiter"
)

func main() {
	// 解析命令行參數（非零值覆蓋配置檔與環境變數）
	var (
		configPath = flag.String("config", "", "配置檔路徑 (YAML)")
		port       = flag.Int("port", 0, "服務器端口")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
	)
	flag.Parse()

	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "載入配置失敗: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	// 設置日誌
	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)

	// 指標
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := internal.NewMetrics(registry)
	if err != nil {
		logger.Error("註冊指標失敗", "error", err)
		os.Exit(1)
	}

	pipeline := internal.NewPipeline(logger)

	// 命令限流：有 Redis 用 Redis，否則單機
	commandLimiter, closeLimiter := setupCommandLimiter(cfg.Limits, logger)
	defer closeLimiter()

	commands := internal.NewCommandRegistry(commandLimiter, metrics, logger)
	internal.RegisterBuiltins(commands, pipeline, cfg.Commands)

	// 創建房間管理器與常駐房間
	manager := internal.NewManager(cfg.Rooms, pipeline, metrics, logger)
	for _, room := range cfg.Permanent {
		if err := manager.AddPermanentRoom(room); err != nil {
			logger.Error("建立常駐房間失敗", "room_id", room.ID, "error", err)
			os.Exit(1)
		}
	}

	// 創建 WebSocket Hub 與 HTTP 處理器
	wsHub := internal.NewWebSocketHub(manager, commands, pipeline, metrics, cfg.WebSocket, cfg.Limits, logger)
	handler := internal.NewHandler(manager, wsHub, pipeline, registry, logger)
	if cfg.Limits.CreateBurst > 0 {
		createLimiter := limiter.NewLocal(cfg.Limits.CreateBurst, cfg.Limits.CreatesPerSecond)
		stopSweeper := startSweeper(createLimiter, logger)
		defer stopSweeper()
		handler.LimitRoomCreation(createLimiter)
	}

	// NATS 橋接（選用）
	var bridge *internal.Bridge
	if cfg.NATS.URL != "" {
		bridge = internal.NewBridge(manager, pipeline, cfg.NATS.SubjectPrefix, logger)
		if err := bridge.Connect(cfg.NATS.URL); err != nil {
			logger.Warn("NATS 橋接停用", "error", err)
			bridge = nil
		}
	}

	// 創建 HTTP 服務器
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// 啟動服務器
	go func() {
		logger.Info("互動房間服務器啟動",
			"port", cfg.Server.Port,
			"log_level", cfg.Log.Level,
			"log_format", cfg.Log.Format,
			"permanent_rooms", len(cfg.Permanent))

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("服務器啟動失敗", "error", err)
			os.Exit(1)
		}
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("收到關閉信號，開始優雅關閉...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接受新連接
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("服務器關閉失敗", "error", err)
	}

	// 停止外部發佈
	if bridge != nil {
		bridge.Close()
	}

	// 關閉所有 WebSocket 連線（會觸發每個連線的 Leave）
	wsHub.Stop()

	// 取消執行中的命令
	commands.Stop()

	// 停止房間管理器
	manager.Stop()

	logger.Info("服務器已關閉")
}

// setupCommandLimiter 建立命令限流器，回傳的函數負責釋放資源
func setupCommandLimiter(cfg internal.LimitsConfig, logger *slog.Logger) (limiter.Limiter, func()) {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  100 * time.Millisecond,
			WriteTimeout: 100 * time.Millisecond,
			PoolSize:     20,
			MaxRetries:   3,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		err := client.Ping(ctx).Err()
		if err == nil {
			logger.Info("使用 Redis 分散式命令限流", "addr", cfg.RedisAddr)
			return limiter.NewDistributed(client, "interaction:", cfg.CommandBurst, cfg.CommandsPerSecond), func() {
				_ = client.Close()
			}
		}
		logger.Warn("Redis 無法連線，改用單機命令限流", "addr", cfg.RedisAddr, "error", err)
		_ = client.Close()
	}

	local := limiter.NewLocal(cfg.CommandBurst, cfg.CommandsPerSecond)
	return local, startSweeper(local, logger)
}

// startSweeper 定期清除閒置的桶，回傳停止函數
func startSweeper(local *limiter.Local, logger *slog.Logger) func() {
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := local.Sweep(10 * time.Minute); n > 0 {
					logger.Debug("清除閒置限流桶", "count", n)
				}
			case <-stopCh:
				return
			}
		}
	}()
	return func() { close(stopCh) }
}

// setupLogger 設置日誌
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: level == "debug", // debug 模式顯示源碼位置
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
