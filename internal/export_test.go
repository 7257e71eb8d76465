package internal

import "time"

// SetClock 讓測試固定房間的建立時間
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
