package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/koopa0/interaction-rooms/internal/limiter"
)

// 系統設計問題：
//   一條 WebSocket 連線如何同時「把房間訊息推給客戶端」與「處理客戶端輸入」，
//   而且不論哪一邊先結束，清理都只做一次？
//
// 設計方案：
//   ✅ 兩個 goroutine：forwarder（房間 → socket）與 reader（socket → 房間）
//   ✅ errgroup.WithContext：任一方回傳錯誤就取消另一方
//   ✅ context.AfterFunc：context 取消時關閉 socket，讓阻塞中的 ReadMessage 返回
//   ✅ sync.Once：清理（取消訂閱 + Leave）只執行一次
//   ✅ 只有 forwarder 會寫 socket（gorilla/websocket 只允許一個 writer）
//
// 連線狀態：Connecting → Admitted → Active → Terminating → Closed

var (
	errSubscriptionClosed = errors.New("房間頻道已關閉")
	errSessionStopped     = errors.New("連線已停止")
)

// WebSocketHub WebSocket 連線入口
type WebSocketHub struct {
	manager  *Manager
	commands *CommandRegistry
	pipeline *Pipeline
	metrics  *Metrics
	logger   *slog.Logger
	cfg      WebSocketConfig
	limits   LimitsConfig
	upgrader websocket.Upgrader

	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.Mutex // 保護 stopped 與 wg.Add 的先後順序
	stopped     bool
	wg          sync.WaitGroup
	connections atomic.Int64
}

// NewWebSocketHub 創建 WebSocket Hub
func NewWebSocketHub(manager *Manager, commands *CommandRegistry, pipeline *Pipeline, metrics *Metrics, cfg WebSocketConfig, limits LimitsConfig, logger *slog.Logger) *WebSocketHub {
	ctx, cancel := context.WithCancel(context.Background())
	hub := &WebSocketHub{
		manager:  manager,
		commands: commands,
		pipeline: pipeline,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		limits:   limits,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	if !cfg.CheckOrigin {
		hub.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return hub
}

// ServeWS 處理 GET /ws/interaction/{room_id}?role=&username=&password=
func (hub *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	query := r.URL.Query()
	username := query.Get("username")
	password := query.Get("password")

	// 升級後的連線不再被 http.Server 追蹤，由 hub 的 WaitGroup 負責
	if !hub.track() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer hub.wg.Done()

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "room_id", roomID, "error", err)
		return
	}

	role, err := ParseRole(query.Get("role"))
	if err != nil {
		hub.reject(conn, roomID, err)
		return
	}

	connectionID := uuid.New().String()
	admission, err := hub.manager.Join(roomID, connectionID, role, username, password)
	if err != nil {
		hub.reject(conn, roomID, err)
		return
	}

	s := &connectionSession{
		hub:       hub,
		conn:      conn,
		admission: admission,
		frames:    limiter.NewTokenBucket(hub.limits.FrameBurst, hub.limits.FramesPerSecond),
	}
	s.run(hub.ctx)
}

// reject 加入失敗：送出一則錯誤訊息與關閉幀，然後關閉連線
func (hub *WebSocketHub) reject(conn *websocket.Conn, roomID string, reason error) {
	defer conn.Close()

	hub.logger.Info("拒絕 WebSocket 加入", "room_id", roomID, "reason", reason)

	deadline := time.Now().Add(hub.cfg.WriteWait)
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return
	}
	fragment := hub.pipeline.Notice(NoticeError, AdmissionMessage(reason))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(fragment)); err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "admission rejected"))
}

// AdmissionMessage 給使用者看的拒絕原因
func AdmissionMessage(err error) string {
	var admissionErr *AdmissionError
	role := ""
	if errors.As(err, &admissionErr) {
		role = admissionErr.Role.Label()
	}

	switch {
	case errors.Is(err, ErrRoomNotFound):
		return "Room not found."
	case errors.Is(err, ErrWrongPassword):
		return "Wrong password."
	case errors.Is(err, ErrRoleAtCapacity):
		return fmt.Sprintf("Room is full for %s.", role)
	case errors.Is(err, ErrEmptyUsername):
		return "A display name is required."
	case errors.Is(err, ErrInvalidRole):
		return "Invalid role selected."
	default:
		return "Unable to join room."
	}
}

// ConnectionCount 目前活躍的連線數
func (hub *WebSocketHub) ConnectionCount() int64 {
	return hub.connections.Load()
}

// track 登記一條進行中的連線；hub 已停止時回傳 false
func (hub *WebSocketHub) track() bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.stopped {
		return false
	}
	hub.wg.Add(1)
	return true
}

// Stop 拒絕新連線，關閉所有連線並等待清理完成
func (hub *WebSocketHub) Stop() {
	hub.mu.Lock()
	hub.stopped = true
	hub.mu.Unlock()

	hub.cancel()
	hub.wg.Wait()
	hub.logger.Info("WebSocket Hub 已停止")
}

// connectionSession 一條已被接納的連線
type connectionSession struct {
	hub         *WebSocketHub
	conn        *websocket.Conn
	admission   *Admission
	frames      *limiter.TokenBucket
	cleanupOnce sync.Once
}

func (s *connectionSession) logger() *slog.Logger {
	return s.hub.logger.With(
		"room_id", s.admission.Session.RoomID,
		"connection_id", s.admission.Session.ConnectionID)
}

// run Admitted → Active → Terminating → Closed
func (s *connectionSession) run(parent context.Context) {
	s.hub.connections.Add(1)
	s.hub.metrics.connectionOpened()
	defer s.cleanup()

	session := s.admission.Session
	s.admission.Broadcaster.Publish(s.hub.pipeline.Joined(session.DisplayName, session.Role))
	s.hub.metrics.publishedFragment("joined")

	g, ctx := errgroup.WithContext(parent)
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.Close()
	})
	defer stop()

	g.Go(func() error { return s.forward(ctx) })
	g.Go(func() error { return s.read(ctx) })

	err := g.Wait()
	s.logger().Debug("WebSocket 連線結束", "reason", err)
}

// cleanup 只執行一次：取消訂閱、離開房間、關閉 socket
func (s *connectionSession) cleanup() {
	s.cleanupOnce.Do(func() {
		s.admission.Subscription.Close()
		s.hub.manager.Leave(s.admission.Session.RoomID, s.admission.Session.ConnectionID)
		_ = s.conn.Close()
		s.hub.connections.Add(-1)
		s.hub.metrics.connectionClosed()
	})
}

// forward 房間頻道 → socket
//
// 永遠回傳非 nil 錯誤，讓 errgroup 取消 reader。
func (s *connectionSession) forward(ctx context.Context) error {
	ticker := time.NewTicker(s.hub.cfg.PingPeriod)
	defer ticker.Stop()

	sub := s.admission.Subscription
	for {
		select {
		case <-ctx.Done():
			return errSessionStopped

		case message, ok := <-sub.C():
			if !ok {
				// 頻道關閉（房間移除或伺服器關閉），優雅關閉連線
				deadline := time.Now().Add(time.Second)
				if err := s.conn.SetWriteDeadline(deadline); err == nil {
					_ = s.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				}
				return errSubscriptionClosed
			}
			if err := s.write(websocket.TextMessage, []byte(message)); err != nil {
				return fmt.Errorf("write message: %w", err)
			}

		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

func (s *connectionSession) write(messageType int, data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

// read socket → 房間
//
// 不設讀取期限：斷線偵測交給傳輸層（ping 寫入失敗、對方關閉）。
func (s *connectionSession) read(ctx context.Context) error {
	if s.hub.cfg.MaxMessageSize > 0 {
		s.conn.SetReadLimit(s.hub.cfg.MaxMessageSize)
	}

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger().Debug("WebSocket 讀取錯誤", "error", err)
			}
			return fmt.Errorf("read message: %w", err)
		}

		if messageType != websocket.TextMessage {
			continue
		}
		if !s.frames.Allow() {
			s.hub.metrics.frameDiscarded("rate_limited")
			continue
		}
		s.handleFrame(data)
	}
}

// handleFrame 處理一個上行訊息；格式錯誤只丟棄該訊息
func (s *connectionSession) handleFrame(data []byte) {
	in, err := ParseInbound(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, ErrEmptyFrame) {
			reason = "empty"
		}
		s.hub.metrics.frameDiscarded(reason)
		s.logger().Debug("丟棄無效訊息", "error", err)
		return
	}

	session := s.admission.Session
	pub := s.admission.Broadcaster

	if in.ChatMessage != "" {
		if IsCommand(in.ChatMessage) {
			result := s.hub.commands.Dispatch(session.RoomID, in.ChatMessage, pub)
			s.logger().Debug("命令分派", "line", in.ChatMessage, "result", result.String())
		} else {
			pub.Publish(s.hub.pipeline.Chat(session.DisplayName, in.ChatMessage))
			s.hub.metrics.publishedFragment("chat")
		}
	}

	if in.Signal != "" {
		if err := s.hub.manager.UpdateSignal(session.RoomID, in.Signal); err != nil {
			s.hub.metrics.frameDiscarded("invalid_signal")
			s.logger().Debug("信號更新失敗", "signal", in.Signal, "error", err)
		}
	}
}
