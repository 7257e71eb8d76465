package internal

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"
)

// 系統設計問題：
//   如何讓一群匿名使用者（只有顯示名稱）以兩種角色共用一個即時房間？
//
// 核心挑戰：
//   1. 容量控制：每種角色各自有上限，並發加入時不能超收
//   2. 共享狀態：房間的「信號顏色」由 controller 設定、doer 觀看
//   3. 即時通信：聊天、系統通知、信號變更都要推送給房間內所有人
//   4. 資源回收：最後一人離開時房間立即消失（常駐房間除外）
//
// 設計方案：
//   ✅ 單一 RWMutex（在 Manager）- 房間表與成員一起保護，檢查與插入原子化
//   ✅ 每房一個 Broadcaster - 有界緩衝、丟最舊
//   ✅ 值快照（RoomSummary）- 鎖外只拿得到複本

// Role 參與者角色
type Role string

const (
	RoleController Role = "controller" // 設定信號、可聊天
	RoleDoer       Role = "doer"       // 觀看信號、可聊天
)

// ParseRole 解析角色字串（不分大小寫）
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleController:
		return RoleController, nil
	case RoleDoer:
		return RoleDoer, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Label 顯示用名稱
func (r Role) Label() string {
	switch r {
	case RoleController:
		return "Controller"
	case RoleDoer:
		return "Doer"
	default:
		return string(r)
	}
}

// Capacity 各角色的人數上限
type Capacity struct {
	MaxControllers int `yaml:"max_controllers" json:"max_controllers"`
	MaxDoers       int `yaml:"max_doers" json:"max_doers"`
}

// For 取得某角色的上限
func (c Capacity) For(role Role) int {
	switch role {
	case RoleController:
		return c.MaxControllers
	case RoleDoer:
		return c.MaxDoers
	default:
		return 0
	}
}

// Session 一個已被接納的連線
type Session struct {
	ConnectionID string    `json:"connection_id"`
	RoomID       string    `json:"room_id"`
	Role         Role      `json:"role"`
	DisplayName  string    `json:"display_name"`
	JoinedAt     time.Time `json:"joined_at"`
}

// Room 互動房間
//
// Room 本身沒有鎖：所有欄位都由 Manager.mu 保護，
// 只在 Manager 的方法內讀寫。password 建立後不再改變。
type Room struct {
	id          string
	label       string
	createdAt   time.Time
	seq         uint64 // 建立順序，createdAt 相同時用來排序
	capacity    Capacity
	password    string
	permanent   bool
	signal      string
	members     map[string]Session // connectionID -> Session
	everJoined  bool
	broadcaster *Broadcaster
}

// RoomSummary 房間的值快照
type RoomSummary struct {
	ID             string    `json:"room_id"`
	Label          string    `json:"label"`
	CreatedAt      time.Time `json:"created_at"`
	Controllers    int       `json:"controllers"`
	MaxControllers int       `json:"max_controllers"`
	Doers          int       `json:"doers"`
	MaxDoers       int       `json:"max_doers"`
	HasPassword    bool      `json:"has_password"`
	Permanent      bool      `json:"permanent"`
	Signal         string    `json:"signal"`
}

// Count 取得快照中某角色的人數
func (s RoomSummary) Count(role Role) int {
	switch role {
	case RoleController:
		return s.Controllers
	case RoleDoer:
		return s.Doers
	default:
		return 0
	}
}

// Max 取得快照中某角色的上限
func (s RoomSummary) Max(role Role) int {
	switch role {
	case RoleController:
		return s.MaxControllers
	case RoleDoer:
		return s.MaxDoers
	default:
		return 0
	}
}

func newRoom(id, label string, capacity Capacity, password string, permanent bool, broadcaster *Broadcaster, createdAt time.Time, seq uint64) *Room {
	return &Room{
		id:          id,
		label:       label,
		createdAt:   createdAt,
		seq:         seq,
		capacity:    capacity,
		password:    password,
		permanent:   permanent,
		signal:      DefaultSignal,
		members:     make(map[string]Session),
		broadcaster: broadcaster,
	}
}

func (r *Room) count(role Role) int {
	n := 0
	for _, s := range r.members {
		if s.Role == role {
			n++
		}
	}
	return n
}

func (r *Room) hasRoomFor(role Role) bool {
	return r.count(role) < r.capacity.For(role)
}

// validatePassword 常數時間比較，房間無密碼時一律通過
func (r *Room) validatePassword(password string) bool {
	if r.password == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(r.password), []byte(password)) == 1
}

// isExpired 建立後從未有人加入、且超過 ttl 的臨時房間
//
// 有人加入過的房間會在最後一人離開時直接移除，不走這條路。
func (r *Room) isExpired(now time.Time, ttl time.Duration) bool {
	if r.permanent || r.everJoined || len(r.members) > 0 {
		return false
	}
	return now.Sub(r.createdAt) > ttl
}

func (r *Room) summary() RoomSummary {
	return RoomSummary{
		ID:             r.id,
		Label:          r.label,
		CreatedAt:      r.createdAt,
		Controllers:    r.count(RoleController),
		MaxControllers: r.capacity.MaxControllers,
		Doers:          r.count(RoleDoer),
		MaxDoers:       r.capacity.MaxDoers,
		HasPassword:    r.password != "",
		Permanent:      r.permanent,
		Signal:         r.signal,
	}
}
