package internal_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/interaction-rooms/internal"
)

type wsTestEnv struct {
	manager  *internal.Manager
	commands *internal.CommandRegistry
	hub      *internal.WebSocketHub
	server   *httptest.Server
}

func testWebSocketConfig() internal.WebSocketConfig {
	return internal.WebSocketConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  4096,
		WriteWait:       time.Second,
		PingPeriod:      time.Second,
	}
}

func testLimitsConfig() internal.LimitsConfig {
	return internal.LimitsConfig{
		FramesPerSecond:   100,
		FrameBurst:        100,
		CommandsPerSecond: 10,
		CommandBurst:      10,
	}
}

func newWSTestEnv(t *testing.T, limits internal.LimitsConfig) *wsTestEnv {
	t.Helper()

	logger := testLogger()
	pipeline := internal.NewPipeline(logger)

	manager := internal.NewManager(testRoomsConfig(), pipeline, nil, logger)
	t.Cleanup(manager.Stop)

	commands := internal.NewCommandRegistry(nil, nil, logger)
	internal.RegisterBuiltins(commands, pipeline, internal.CommandsConfig{CountdownTick: 5 * time.Millisecond})
	t.Cleanup(commands.Stop)

	hub := internal.NewWebSocketHub(manager, commands, pipeline, nil, testWebSocketConfig(), limits, logger)
	handler := internal.NewHandler(manager, hub, pipeline, nil, logger)

	server := httptest.NewServer(handler.Routes())
	t.Cleanup(server.Close)
	t.Cleanup(hub.Stop)

	return &wsTestEnv{manager: manager, commands: commands, hub: hub, server: server}
}

func (env *wsTestEnv) createRoom(t *testing.T, capacity internal.Capacity, password string) string {
	t.Helper()
	room, err := env.manager.CreateRoom(internal.RoleDoer, "host", capacity, password)
	require.NoError(t, err)
	return room.ID
}

func (env *wsTestEnv) dial(t *testing.T, roomID string, role internal.Role, username, password string) *websocket.Conn {
	t.Helper()

	q := url.Values{}
	q.Set("role", string(role))
	q.Set("username", username)
	if password != "" {
		q.Set("password", password)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL(roomID, q), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (env *wsTestEnv) wsURL(roomID string, q url.Values) string {
	return "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/interaction/" + url.PathEscape(roomID) + "?" + q.Encode()
}

// readUntil 讀取直到出現包含 substr 的訊息
func readUntil(t *testing.T, conn *websocket.Conn, substr string) string {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %q", substr)
		if strings.Contains(string(data), substr) {
			return string(data)
		}
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

func TestWebSocket_JoinAndChat(t *testing.T) {
	env := newWSTestEnv(t, testLimitsConfig())
	roomID := env.createRoom(t, internal.Capacity{MaxControllers: 1, MaxDoers: 2}, "")

	alice := env.dial(t, roomID, internal.RoleDoer, "alice", "")
	readUntil(t, alice, "alice (Doer) joined.")

	bob := env.dial(t, roomID, internal.RoleController, "bob", "")
	readUntil(t, alice, "bob (Controller) joined.")
	readUntil(t, bob, "bob (Controller) joined.")

	require.Eventually(t, func() bool {
		return env.hub.ConnectionCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	sendJSON(t, bob, `{"chat_message": "<b>hi</b>", "HEADERS": {"HX-Request": "true"}}`)

	msg := readUntil(t, alice, "hi")
	assert.Contains(t, msg, "bob: ")
	assert.Contains(t, msg, "&lt;b&gt;hi&lt;/b&gt;")

	// 發送者自己也會收到
	readUntil(t, bob, "&lt;b&gt;hi&lt;/b&gt;")
}

func TestWebSocket_Signal(t *testing.T) {
	env := newWSTestEnv(t, testLimitsConfig())
	roomID := env.createRoom(t, internal.Capacity{MaxControllers: 1, MaxDoers: 1}, "")

	doer := env.dial(t, roomID, internal.RoleDoer, "alice", "")
	controller := env.dial(t, roomID, internal.RoleController, "bob", "")
	readUntil(t, doer, "bob (Controller) joined.")

	blue := internal.Palette[2].Value
	sendJSON(t, controller, `{"signal": "`+blue+`"}`)

	circle := readUntil(t, doer, `id="signal-circle"`)
	assert.Contains(t, circle, "background-color: "+blue)
	palette := readUntil(t, doer, `id="view-controller"`)
	assert.Contains(t, palette, "btn-blue active")

	room, err := env.manager.GetRoom(roomID)
	require.NoError(t, err)
	assert.Equal(t, blue, room.Signal)

	// 不在調色盤上的信號被忽略，連線不中斷
	sendJSON(t, controller, `{"signal": "#000000"}`)
	sendJSON(t, controller, `{"chat_message": "still here"}`)
	readUntil(t, doer, "still here")

	room, err = env.manager.GetRoom(roomID)
	require.NoError(t, err)
	assert.Equal(t, blue, room.Signal)
}

func TestWebSocket_MalformedFrameIsDiscarded(t *testing.T) {
	env := newWSTestEnv(t, testLimitsConfig())
	roomID := env.createRoom(t, internal.Capacity{MaxControllers: 1, MaxDoers: 1}, "")

	alice := env.dial(t, roomID, internal.RoleDoer, "alice", "")
	readUntil(t, alice, "joined.")

	sendJSON(t, alice, `this is not json`)
	sendJSON(t, alice, `{"chat_message": "   "}`)
	require.NoError(t, alice.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	sendJSON(t, alice, `{"chat_message": "after"}`)

	msg := readUntil(t, alice, "after")
	assert.Contains(t, msg, "alice: ")
}

func TestWebSocket_Commands(t *testing.T) {
	env := newWSTestEnv(t, testLimitsConfig())
	roomID := env.createRoom(t, internal.Capacity{MaxControllers: 1, MaxDoers: 2}, "")

	alice := env.dial(t, roomID, internal.RoleDoer, "alice", "")
	bob := env.dial(t, roomID, internal.RoleDoer, "bob", "")
	readUntil(t, alice, "bob (Doer) joined.")

	sendJSON(t, alice, `{"chat_message": "/countdown 2 lift off"}`)

	// 所有成員都看得到倒數
	for _, conn := range []*websocket.Conn{alice, bob} {
		readUntil(t, conn, "Starting countdown from 2...")
		readUntil(t, conn, "... 2")
		readUntil(t, conn, "... 1")
		finale := readUntil(t, conn, "lift off")
		assert.Contains(t, finale, "finale")
	}

	// 未知命令不會變成聊天訊息
	sendJSON(t, alice, `{"chat_message": "/dance"}`)
	sendJSON(t, alice, `{"chat_message": "plain"}`)
	msg := readUntil(t, bob, "alice: ")
	assert.Contains(t, msg, "plain")
	assert.NotContains(t, msg, "/dance")
}

func TestWebSocket_AdmissionRejected(t *testing.T) {
	env := newWSTestEnv(t, testLimitsConfig())
	fullRoom := env.createRoom(t, internal.Capacity{MaxControllers: 1, MaxDoers: 1}, "")
	lockedRoom := env.createRoom(t, internal.Capacity{MaxControllers: 1, MaxDoers: 1}, "secret")

	occupant := env.dial(t, fullRoom, internal.RoleDoer, "alice", "")
	readUntil(t, occupant, "joined.")

	tests := []struct {
		name     string
		roomID   string
		role     internal.Role
		username string
		password string
		want     string
	}{
		{name: "role full", roomID: fullRoom, role: internal.RoleDoer, username: "bob", want: "Room is full for Doer."},
		{name: "wrong password", roomID: lockedRoom, role: internal.RoleDoer, username: "bob", password: "guess", want: "Wrong password."},
		{name: "missing password", roomID: lockedRoom, role: internal.RoleDoer, username: "bob", want: "Wrong password."},
		{name: "room not found", roomID: "missing", role: internal.RoleDoer, username: "bob", want: "Room not found."},
		{name: "empty username", roomID: fullRoom, role: internal.RoleController, username: "", want: "A display name is required."},
		{name: "invalid role", roomID: fullRoom, role: internal.Role("admin"), username: "bob", want: "Invalid role selected."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := env.dial(t, tt.roomID, tt.role, tt.username, tt.password)

			msg := readUntil(t, conn, tt.want)
			assert.Contains(t, msg, "error-msg")

			require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
			_, _, err := conn.ReadMessage()
			require.Error(t, err)
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
		})
	}

	// 被拒絕的連線不影響房間
	room, err := env.manager.GetRoom(fullRoom)
	require.NoError(t, err)
	assert.Equal(t, 1, room.Doers)
}

func TestWebSocket_LeaveRemovesRoom(t *testing.T) {
	env := newWSTestEnv(t, testLimitsConfig())
	roomID := env.createRoom(t, internal.Capacity{MaxControllers: 1, MaxDoers: 2}, "")

	alice := env.dial(t, roomID, internal.RoleDoer, "alice", "")
	bob := env.dial(t, roomID, internal.RoleDoer, "bob", "")
	readUntil(t, alice, "bob (Doer) joined.")

	require.NoError(t, bob.Close())
	readUntil(t, alice, "bob left.")

	room, err := env.manager.GetRoom(roomID)
	require.NoError(t, err)
	assert.Equal(t, 1, room.Doers)

	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool {
		_, err := env.manager.GetRoom(roomID)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return env.hub.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_HubStop(t *testing.T) {
	env := newWSTestEnv(t, testLimitsConfig())
	roomID := env.createRoom(t, internal.Capacity{MaxControllers: 1, MaxDoers: 1}, "")

	alice := env.dial(t, roomID, internal.RoleDoer, "alice", "")
	readUntil(t, alice, "joined.")

	env.hub.Stop()
	assert.Zero(t, env.hub.ConnectionCount())

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := alice.ReadMessage()
		if err != nil {
			break
		}
	}

	_, err := env.manager.GetRoom(roomID)
	assert.ErrorIs(t, err, internal.ErrRoomNotFound)

	// 停止後不再接受新連線
	other := env.createRoom(t, internal.Capacity{MaxControllers: 1, MaxDoers: 1}, "")
	q := url.Values{"role": {"doer"}, "username": {"bob"}}
	conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL(other, q), nil)
	if conn != nil {
		_ = conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	room, err := env.manager.GetRoom(other)
	require.NoError(t, err)
	assert.Zero(t, room.Doers)
}

func TestWebSocket_CommandOutlivesRoom(t *testing.T) {
	env := newWSTestEnv(t, testLimitsConfig())
	roomID := env.createRoom(t, internal.Capacity{MaxControllers: 1, MaxDoers: 1}, "")

	var published atomic.Int64
	finished := make(chan struct{})
	env.commands.Register("drumroll", internal.CommandFunc(func(ctx context.Context, _ []string, pub internal.Publisher) {
		defer close(finished)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			pub.Publish("<div>drum</div>")
			published.Add(1)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}))

	alice := env.dial(t, roomID, internal.RoleDoer, "alice", "")
	readUntil(t, alice, "alice (Doer) joined.")

	sendJSON(t, alice, `{"chat_message": "/drumroll"}`)
	readUntil(t, alice, "drum")

	// 最後一人離開，房間移除
	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool {
		_, err := env.manager.GetRoom(roomID)
		return errors.Is(err, internal.ErrRoomNotFound)
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return env.hub.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// 命令仍在執行，發佈到已關閉的頻道不出錯
	afterRemoval := published.Load()
	require.Eventually(t, func() bool {
		return published.Load() > afterRemoval+3
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case <-finished:
		t.Fatal("command stopped when its room was removed")
	default:
	}

	stopped := make(chan struct{})
	go func() {
		env.commands.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("CommandRegistry.Stop did not return")
	}
	<-finished
}

func TestWebSocket_FrameRateLimit(t *testing.T) {
	limits := testLimitsConfig()
	limits.FramesPerSecond = 1
	limits.FrameBurst = 2
	env := newWSTestEnv(t, limits)
	roomID := env.createRoom(t, internal.Capacity{MaxControllers: 1, MaxDoers: 2}, "")

	alice := env.dial(t, roomID, internal.RoleDoer, "alice", "")
	bob := env.dial(t, roomID, internal.RoleDoer, "bob", "")
	readUntil(t, bob, "bob (Doer) joined.")

	for i := 0; i < 5; i++ {
		sendJSON(t, alice, `{"chat_message": "spam"}`)
	}

	received := 0
	for {
		require.NoError(t, bob.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
		_, data, err := bob.ReadMessage()
		if err != nil {
			break
		}
		if strings.Contains(string(data), "spam") {
			received++
		}
	}
	assert.Equal(t, 2, received)
}
