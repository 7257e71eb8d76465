package internal

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRoomNotFound    = errors.New("房間不存在")
	ErrWrongPassword   = errors.New("密碼錯誤")
	ErrRoleAtCapacity  = errors.New("該角色已滿")
	ErrEmptyUsername   = errors.New("名稱不能為空")
	ErrInvalidRole     = errors.New("無效的角色")
	ErrInvalidCapacity = errors.New("無效的人數上限")
	ErrInvalidSignal   = errors.New("無效的信號")
	ErrRoomExists      = errors.New("房間已存在")
	ErrRoomNotEmpty    = errors.New("房間仍有成員")
	ErrRoomPermanent   = errors.New("常駐房間不能移除")
)

// AdmissionError 加入房間被拒絕
//
// errors.Is 可以比對 Reason（ErrRoomNotFound、ErrWrongPassword、
// ErrRoleAtCapacity、ErrEmptyUsername）。
type AdmissionError struct {
	RoomID string
	Role   Role
	Reason error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("加入房間 %s 失敗: %v", e.RoomID, e.Reason)
}

func (e *AdmissionError) Unwrap() error {
	return e.Reason
}

// Admission 加入成功後交給連線的東西
type Admission struct {
	Session      Session
	Room         RoomSummary
	Broadcaster  *Broadcaster
	Subscription *Subscription
}

// Manager 房間管理器
//
// 系統設計考量：
//
//  1. 單一 RWMutex 保護房間表「以及」每個房間的成員與信號：
//     - Join 的「存在 → 密碼 → 容量 → 插入」在同一次寫鎖內完成，
//       兩個人搶最後一個位置時只有一個會成功
//     - Leave 的「移除成員 → 空了就移除房間」也是原子的，
//       不會有人加入一個正在被刪除的房間
//     - 讀取（列表、查詢）用讀鎖，彼此並發
//
//  2. 鎖內不做阻塞 I/O：
//     - Broadcaster.Publish 永不阻塞，所以可以在鎖內發佈
//     - 信號變更「改狀態 + 發佈」在同一個臨界區，訂閱者看到的順序與狀態一致
//     - 鎖順序固定為 Manager.mu → Broadcaster.mu
//
//  3. 資源回收：
//     - 最後一人離開 → 立即移除（常駐房間除外）
//     - 建立後一直沒人加入 → cleanupLoop 在 empty_room_ttl 後移除
type Manager struct {
	rooms    map[string]*Room
	seq      uint64
	cfg      RoomsConfig
	pipeline *Pipeline
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager 創建房間管理器並啟動清理 goroutine
func NewManager(cfg RoomsConfig, pipeline *Pipeline, metrics *Metrics, logger *slog.Logger) *Manager {
	m := &Manager{
		rooms:    make(map[string]*Room),
		cfg:      cfg,
		pipeline: pipeline,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}

	m.wg.Add(1)
	go m.cleanupLoop()

	return m
}

// CreateRoom 創建臨時房間
//
// 建立者不會自動成為成員，要透過 WebSocket 加入；
// 因此建立者的角色至少要有一個位置。
func (m *Manager) CreateRoom(role Role, displayName string, capacity Capacity, password string) (*RoomSummary, error) {
	if strings.TrimSpace(displayName) == "" {
		return nil, ErrEmptyUsername
	}
	if role != RoleController && role != RoleDoer {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if capacity.For(role) < 1 {
		return nil, fmt.Errorf("%w: %s 至少需要一個位置", ErrInvalidCapacity, role.Label())
	}
	if err := m.validateCapacity(capacity); err != nil {
		return nil, err
	}

	roomID := uuid.New().String()

	m.mu.Lock()
	room := m.insertRoom(roomID, role.Label()+" Room", capacity, password, false)
	summary := room.summary()
	m.mu.Unlock()

	m.logger.Info("房間已創建",
		"room_id", roomID,
		"creator", displayName,
		"role", role,
		"max_controllers", capacity.MaxControllers,
		"max_doers", capacity.MaxDoers,
		"has_password", password != "")

	return &summary, nil
}

// AddPermanentRoom 建立常駐房間（啟動時由配置呼叫）
func (m *Manager) AddPermanentRoom(p PermanentRoom) error {
	if !roomSlugPattern.MatchString(p.ID) {
		return fmt.Errorf("無效的房間 ID %q", p.ID)
	}
	if err := m.validateCapacity(p.Capacity); err != nil {
		return err
	}
	label := p.Label
	if label == "" {
		label = p.ID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rooms[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrRoomExists, p.ID)
	}
	m.insertRoom(p.ID, label, p.Capacity, p.Password, true)

	m.logger.Info("常駐房間已創建", "room_id", p.ID, "label", label)
	return nil
}

// insertRoom 呼叫者須持有寫鎖
func (m *Manager) insertRoom(id, label string, capacity Capacity, password string, permanent bool) *Room {
	m.seq++
	broadcaster := NewBroadcaster(m.cfg.BufferSize, m.metrics.droppedMessage)
	room := newRoom(id, label, capacity, password, permanent, broadcaster, m.now(), m.seq)
	m.rooms[id] = room
	m.metrics.setRooms(len(m.rooms))
	return room
}

func (m *Manager) validateCapacity(c Capacity) error {
	limit := m.cfg.MaxPerRole
	if c.MaxControllers < 0 || c.MaxDoers < 0 {
		return fmt.Errorf("%w: 不能為負數", ErrInvalidCapacity)
	}
	if c.MaxControllers == 0 && c.MaxDoers == 0 {
		return fmt.Errorf("%w: 至少需要一個位置", ErrInvalidCapacity)
	}
	if limit > 0 && (c.MaxControllers > limit || c.MaxDoers > limit) {
		return fmt.Errorf("%w: 每個角色最多 %d 人", ErrInvalidCapacity, limit)
	}
	return nil
}

// Join 加入房間並訂閱房間頻道
//
// 檢查順序：名稱 → 房間存在 → 密碼 → 角色容量。
// 全部通過時成員在同一個寫鎖內插入，回傳的 Subscription 只會收到之後的訊息。
func (m *Manager) Join(roomID, connectionID string, role Role, displayName, password string) (*Admission, error) {
	reject := func(reason error, result string) (*Admission, error) {
		m.metrics.admission(result)
		return nil, &AdmissionError{RoomID: roomID, Role: role, Reason: reason}
	}

	if strings.TrimSpace(displayName) == "" {
		return reject(ErrEmptyUsername, "empty_username")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	room, exists := m.rooms[roomID]
	if !exists {
		return reject(ErrRoomNotFound, "not_found")
	}
	if !room.validatePassword(password) {
		return reject(ErrWrongPassword, "wrong_password")
	}
	if !room.hasRoomFor(role) {
		return reject(ErrRoleAtCapacity, "at_capacity")
	}

	session := Session{
		ConnectionID: connectionID,
		RoomID:       roomID,
		Role:         role,
		DisplayName:  displayName,
		JoinedAt:     m.now(),
	}
	room.members[connectionID] = session
	room.everJoined = true

	m.metrics.admission("admitted")
	m.logger.Info("成員加入房間",
		"room_id", roomID,
		"connection_id", connectionID,
		"role", role,
		"username", displayName)

	return &Admission{
		Session:      session,
		Room:         room.summary(),
		Broadcaster:  room.broadcaster,
		Subscription: room.broadcaster.Subscribe(),
	}, nil
}

// CheckAdmission 只檢查、不加入（HTTP 加入頁面用）
func (m *Manager) CheckAdmission(roomID string, role Role, displayName, password string) (*RoomSummary, error) {
	if strings.TrimSpace(displayName) == "" {
		return nil, &AdmissionError{RoomID: roomID, Role: role, Reason: ErrEmptyUsername}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	room, exists := m.rooms[roomID]
	if !exists {
		return nil, &AdmissionError{RoomID: roomID, Role: role, Reason: ErrRoomNotFound}
	}
	if !room.validatePassword(password) {
		return nil, &AdmissionError{RoomID: roomID, Role: role, Reason: ErrWrongPassword}
	}
	if !room.hasRoomFor(role) {
		return nil, &AdmissionError{RoomID: roomID, Role: role, Reason: ErrRoleAtCapacity}
	}

	summary := room.summary()
	return &summary, nil
}

// Leave 移除成員、發佈離開通知；臨時房間空了就一併移除
//
// 回傳房間是否因此被移除。成員不存在時不做任何事。
func (m *Manager) Leave(roomID, connectionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, exists := m.rooms[roomID]
	if !exists {
		return false
	}
	session, ok := room.members[connectionID]
	if !ok {
		return false
	}

	delete(room.members, connectionID)
	room.broadcaster.Publish(m.pipeline.Left(session.DisplayName))
	m.metrics.publishedFragment("left")

	m.logger.Info("成員離開房間",
		"room_id", roomID,
		"connection_id", connectionID,
		"username", session.DisplayName)

	if len(room.members) > 0 || room.permanent {
		return false
	}

	m.deleteRoom(room)
	return true
}

// RemoveRoom 移除空的臨時房間
func (m *Manager) RemoveRoom(roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, exists := m.rooms[roomID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if room.permanent {
		return fmt.Errorf("%w: %s", ErrRoomPermanent, roomID)
	}
	if len(room.members) > 0 {
		return fmt.Errorf("%w: %s", ErrRoomNotEmpty, roomID)
	}

	m.deleteRoom(room)
	return nil
}

// deleteRoom 呼叫者須持有寫鎖
//
// 關閉頻道後，仍在執行的命令再發佈也只是 no-op。
func (m *Manager) deleteRoom(room *Room) {
	delete(m.rooms, room.id)
	room.broadcaster.Close()
	m.metrics.setRooms(len(m.rooms))
	m.logger.Info("房間已移除", "room_id", room.id)
}

// GetRoom 房間快照
func (m *Manager) GetRoom(roomID string) (*RoomSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, exists := m.rooms[roomID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	summary := room.summary()
	return &summary, nil
}

// ListRooms 列出該角色還有位置的房間
//
// 依建立時間由新到舊；時間相同時依建立順序。每次呼叫都是新的快照。
func (m *Manager) ListRooms(role Role) []RoomSummary {
	m.mu.RLock()
	candidates := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		if room.hasRoomFor(role) {
			candidates = append(candidates, room)
		}
	}
	slices.SortFunc(candidates, func(a, b *Room) int {
		if c := b.createdAt.Compare(a.createdAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	result := make([]RoomSummary, 0, len(candidates))
	for _, room := range candidates {
		result = append(result, room.summary())
	}
	m.mu.RUnlock()

	return result
}

// UpdateSignal 設定房間信號並發佈給所有成員
//
// 狀態變更與發佈在同一個臨界區：後到的 UpdateSignal 一定在後面被看到。
func (m *Manager) UpdateSignal(roomID, value string) error {
	if !ValidSignal(value) {
		return fmt.Errorf("%w: %q", ErrInvalidSignal, value)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	room, exists := m.rooms[roomID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}

	room.signal = value
	for _, fragment := range m.pipeline.Signal(value) {
		room.broadcaster.Publish(fragment)
	}
	m.metrics.publishedFragment("signal")
	return nil
}

// PublishFragment 將已渲染好的片段發佈到房間（上傳、NATS 等外部協作者用）
func (m *Manager) PublishFragment(roomID, fragment string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, exists := m.rooms[roomID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	room.broadcaster.Publish(fragment)
	m.metrics.publishedFragment("external")
	return nil
}

// cleanupLoop 定期清理從未有人加入的過期房間
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

// Cleanup 執行清理（公開方法供測試使用），回傳移除的房間數
func (m *Manager) Cleanup() int {
	return m.cleanup()
}

func (m *Manager) cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for _, room := range m.rooms {
		if room.isExpired(now, m.cfg.EmptyRoomTTL) {
			m.deleteRoom(room)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("過期房間已清理", "count", removed)
	}
	return removed
}

// Stop 停止清理並關閉所有房間頻道（連線的轉發迴圈會因此結束）
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()

		m.mu.Lock()
		for _, room := range m.rooms {
			room.broadcaster.Close()
		}
		m.mu.Unlock()

		m.logger.Info("房間管理器已停止")
	})
}

// Stats 統計資訊
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	controllers, doers, permanent := 0, 0, 0
	for _, room := range m.rooms {
		controllers += room.count(RoleController)
		doers += room.count(RoleDoer)
		if room.permanent {
			permanent++
		}
	}

	return map[string]any{
		"total_rooms":     len(m.rooms),
		"permanent_rooms": permanent,
		"total_members":   controllers + doers,
		"controllers":     controllers,
		"doers":           doers,
	}
}
