package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// FragmentPublisher 接受外部已渲染片段的對象（*Manager 實作）
type FragmentPublisher interface {
	PublishFragment(roomID, fragment string) error
}

// Bridge 把 NATS 上的訊息轉發進房間
//
// 主題格式：<prefix>.<room_id>.publish，訊息內容是已渲染好的 HTML 片段。
// 例如上傳服務處理完檔案後，發佈到 interaction.rooms.lobby.publish，
// lobby 房間的所有成員就會看到那個片段。
//
// 帶有 Content-Type: text/plain 標頭的訊息視為純文字，
// 跳脫後以上傳通知片段發佈。
//
// 帶有 Reply 的訊息會收到 "ok" 或錯誤字串（request/reply 用法）。
type Bridge struct {
	target   FragmentPublisher
	pipeline *Pipeline
	prefix   string
	logger *slog.Logger
	conn   *nats.Conn
}

// NewBridge 創建橋接器（尚未連線）
func NewBridge(target FragmentPublisher, pipeline *Pipeline, prefix string, logger *slog.Logger) *Bridge {
	return &Bridge{
		target:   target,
		pipeline: pipeline,
		prefix:   strings.TrimSuffix(prefix, "."),
		logger:   logger,
	}
}

// contentTypePlain 純文字訊息的標頭值
const contentTypePlain = "text/plain"

// Subject 訂閱的主題
func (b *Bridge) Subject() string {
	return b.prefix + ".*.publish"
}

// Connect 連接 NATS 並開始訂閱
//
//   - MaxReconnects(-1)：無限重連
//   - ReconnectWait(1s)：重連間隔
//   - PingInterval(20s)：心跳檢測
func (b *Bridge) Connect(url string) error {
	conn, err := nats.Connect(
		url,
		nats.Name("interaction-rooms"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("NATS 連線中斷", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.logger.Info("NATS 已重新連線", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("連接 NATS 失敗: %w", err)
	}

	if _, err := conn.Subscribe(b.Subject(), b.HandleMessage); err != nil {
		conn.Close()
		return fmt.Errorf("訂閱 %s 失敗: %w", b.Subject(), err)
	}

	b.conn = conn
	b.logger.Info("NATS 橋接已啟動", "url", url, "subject", b.Subject())
	return nil
}

// HandleMessage 處理一則 NATS 訊息
func (b *Bridge) HandleMessage(msg *nats.Msg) {
	roomID, ok := RoomIDFromSubject(b.prefix, msg.Subject)
	if !ok {
		b.logger.Debug("忽略無法解析的主題", "subject", msg.Subject)
		b.reply(msg, errors.New("invalid subject"))
		return
	}
	if len(msg.Data) == 0 {
		b.reply(msg, errors.New("empty fragment"))
		return
	}

	fragment := string(msg.Data)
	if isPlainText(msg) {
		fragment = b.pipeline.Notice(NoticeUpload, fragment)
	}

	err := b.target.PublishFragment(roomID, fragment)
	if err != nil {
		b.logger.Debug("外部片段發佈失敗", "room_id", roomID, "error", err)
	}
	b.reply(msg, err)
}

func isPlainText(msg *nats.Msg) bool {
	if msg.Header == nil {
		return false
	}
	return strings.HasPrefix(msg.Header.Get("Content-Type"), contentTypePlain)
}

func (b *Bridge) reply(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	payload := []byte("ok")
	if err != nil {
		payload = []byte("error: " + err.Error())
	}
	if rerr := msg.Respond(payload); rerr != nil {
		b.logger.Debug("回覆 NATS 訊息失敗", "error", rerr)
	}
}

// Close 取消訂閱並關閉連線（先 drain 已收到的訊息）
func (b *Bridge) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("NATS drain 失敗", "error", err)
		b.conn.Close()
	}
	b.logger.Info("NATS 橋接已停止")
}

// RoomIDFromSubject 從 <prefix>.<room_id>.publish 取出房間 ID
func RoomIDFromSubject(prefix, subject string) (string, bool) {
	prefix = strings.TrimSuffix(prefix, ".")
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return "", false
	}
	roomID, ok := strings.CutSuffix(rest, ".publish")
	if !ok || roomID == "" || strings.Contains(roomID, ".") {
		return "", false
	}
	return roomID, true
}
