package internal

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
//
// 載入順序：DefaultConfig → YAML 檔案 → 環境變數 → 命令列參數（main 處理）。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Rooms     RoomsConfig     `yaml:"rooms"`
	Permanent []PermanentRoom `yaml:"permanent_rooms"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Limits    LimitsConfig    `yaml:"limits"`
	Commands  CommandsConfig  `yaml:"commands"`
	NATS      NATSConfig      `yaml:"nats"`
}

// ServerConfig HTTP 服務器
type ServerConfig struct {
	Port            int           `yaml:"port" env:"INTERACTION_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"INTERACTION_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"INTERACTION_WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"INTERACTION_IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"INTERACTION_SHUTDOWN_TIMEOUT"`
}

// LogConfig 日誌
type LogConfig struct {
	Level  string `yaml:"level" env:"INTERACTION_LOG_LEVEL"`
	Format string `yaml:"format" env:"INTERACTION_LOG_FORMAT"`
}

// RoomsConfig 房間
type RoomsConfig struct {
	BufferSize      int           `yaml:"buffer_size" env:"INTERACTION_ROOM_BUFFER_SIZE"`           // 每個訂閱者的緩衝
	MaxPerRole      int           `yaml:"max_per_role" env:"INTERACTION_ROOM_MAX_PER_ROLE"`         // 單一角色人數上限的上限
	EmptyRoomTTL    time.Duration `yaml:"empty_room_ttl" env:"INTERACTION_ROOM_EMPTY_TTL"`          // 建立後無人加入的保留時間
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"INTERACTION_ROOM_CLEANUP_INTERVAL"` // 清理掃描間隔
}

// PermanentRoom 啟動時建立、永不因為空房而移除的房間
type PermanentRoom struct {
	ID       string   `yaml:"id"`
	Label    string   `yaml:"label"`
	Password string   `yaml:"password"`
	Capacity Capacity `yaml:",inline"`
}

// WebSocketConfig WebSocket 傳輸
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" env:"INTERACTION_WS_READ_BUFFER"`
	WriteBufferSize int           `yaml:"write_buffer_size" env:"INTERACTION_WS_WRITE_BUFFER"`
	MaxMessageSize  int64         `yaml:"max_message_size" env:"INTERACTION_WS_MAX_MESSAGE_SIZE"`
	WriteWait       time.Duration `yaml:"write_wait" env:"INTERACTION_WS_WRITE_WAIT"`
	PingPeriod      time.Duration `yaml:"ping_period" env:"INTERACTION_WS_PING_PERIOD"`
	CheckOrigin     bool          `yaml:"check_origin" env:"INTERACTION_WS_CHECK_ORIGIN"`
}

// LimitsConfig 限流
type LimitsConfig struct {
	FramesPerSecond   int64  `yaml:"frames_per_second" env:"INTERACTION_FRAMES_PER_SECOND"`
	FrameBurst        int64  `yaml:"frame_burst" env:"INTERACTION_FRAME_BURST"`
	CommandsPerSecond int64  `yaml:"commands_per_second" env:"INTERACTION_COMMANDS_PER_SECOND"`
	CommandBurst      int64  `yaml:"command_burst" env:"INTERACTION_COMMAND_BURST"`
	CreatesPerSecond  int64  `yaml:"creates_per_second" env:"INTERACTION_CREATES_PER_SECOND"` // 每個 IP 建立房間的速率
	CreateBurst       int64  `yaml:"create_burst" env:"INTERACTION_CREATE_BURST"`             // 0 = 不限制
	RedisAddr         string `yaml:"redis_addr" env:"INTERACTION_REDIS_ADDR"` // 空字串 = 單機限流
	RedisPassword     string `yaml:"redis_password" env:"INTERACTION_REDIS_PASSWORD"`
	RedisDB           int    `yaml:"redis_db" env:"INTERACTION_REDIS_DB"`
}

// CommandsConfig 命令
type CommandsConfig struct {
	CountdownTick time.Duration `yaml:"countdown_tick" env:"INTERACTION_COUNTDOWN_TICK"`
}

// NATSConfig 外部發佈橋接
type NATSConfig struct {
	URL           string `yaml:"url" env:"INTERACTION_NATS_URL"` // 空字串 = 停用
	SubjectPrefix string `yaml:"subject_prefix" env:"INTERACTION_NATS_SUBJECT_PREFIX"`
}

var roomSlugPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// DefaultConfig 預設配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Rooms: RoomsConfig{
			BufferSize:      100,
			MaxPerRole:      100,
			EmptyRoomTTL:    5 * time.Minute,
			CleanupInterval: time.Minute,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			MaxMessageSize:  64 * 1024,
			WriteWait:       10 * time.Second,
			PingPeriod:      54 * time.Second,
			CheckOrigin:     false,
		},
		Limits: LimitsConfig{
			FramesPerSecond:   40,
			FrameBurst:        40,
			CommandsPerSecond: 1,
			CommandBurst:      5,
			CreatesPerSecond:  1,
			CreateBurst:       5,
		},
		Commands: CommandsConfig{
			CountdownTick: time.Second,
		},
		NATS: NATSConfig{
			SubjectPrefix: "interaction.rooms",
		},
	}
}

// LoadConfig 讀取 YAML 配置並套用環境變數
//
// path 為空時只使用預設值與環境變數。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv 以環境變數覆蓋配置（未設定的變數不會改動現有值）
func ParseEnv(cfg *Config) error {
	sections := []any{
		&cfg.Server,
		&cfg.Log,
		&cfg.Rooms,
		&cfg.WebSocket,
		&cfg.Limits,
		&cfg.Commands,
		&cfg.NATS,
	}
	for _, section := range sections {
		if err := env.Parse(section); err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
	}
	return nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port 必須在 1-65535 之間: %d", c.Server.Port))
	}
	if c.Rooms.BufferSize < 1 {
		errs = append(errs, fmt.Errorf("rooms.buffer_size 必須大於 0: %d", c.Rooms.BufferSize))
	}
	if c.Rooms.MaxPerRole < 1 {
		errs = append(errs, fmt.Errorf("rooms.max_per_role 必須大於 0: %d", c.Rooms.MaxPerRole))
	}
	if c.Rooms.EmptyRoomTTL <= 0 || c.Rooms.CleanupInterval <= 0 {
		errs = append(errs, errors.New("rooms.empty_room_ttl 與 rooms.cleanup_interval 必須大於 0"))
	}
	if c.WebSocket.PingPeriod <= 0 || c.WebSocket.WriteWait <= 0 {
		errs = append(errs, errors.New("websocket.ping_period 與 websocket.write_wait 必須大於 0"))
	}
	if c.Limits.FramesPerSecond < 1 || c.Limits.FrameBurst < 1 {
		errs = append(errs, errors.New("limits.frames_per_second 與 limits.frame_burst 必須大於 0"))
	}
	if c.Limits.CommandsPerSecond < 1 || c.Limits.CommandBurst < 1 {
		errs = append(errs, errors.New("limits.commands_per_second 與 limits.command_burst 必須大於 0"))
	}
	if c.Limits.CreateBurst < 0 || (c.Limits.CreateBurst > 0 && c.Limits.CreatesPerSecond < 1) {
		errs = append(errs, errors.New("limits.create_burst 不能為負數，啟用時 limits.creates_per_second 必須大於 0"))
	}
	if c.Commands.CountdownTick <= 0 {
		errs = append(errs, errors.New("commands.countdown_tick 必須大於 0"))
	}

	seen := make(map[string]bool)
	for _, p := range c.Permanent {
		if !roomSlugPattern.MatchString(p.ID) {
			errs = append(errs, fmt.Errorf("permanent_rooms: 無效的房間 ID %q", p.ID))
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("permanent_rooms: 重複的房間 ID %q", p.ID))
		}
		seen[p.ID] = true
	}

	return errors.Join(errs...)
}
