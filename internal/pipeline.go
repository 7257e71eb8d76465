package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/url"
	"strings"
)

// 系統設計問題：
//   伺服器推送給瀏覽器的內容要用什麼格式？
//
// 設計方案：
//   ✅ HTML 片段 + htmx out-of-band swap
//      - 客戶端不需要任何 JS 邏輯，收到片段直接依 id 置換或附加
//      - 聊天與通知：hx-swap-oob="beforeend:#chat-container"（附加）
//      - 信號：hx-swap-oob="true"（依 id 整塊置換）
//   ✅ html/template - 所有使用者輸入（名稱、訊息）都經過轉義
//
// 上行格式是 htmx ws 擴充送出的 JSON：{"chat_message": "...", "signal": "..."}

// DefaultSignal 房間建立時的信號顏色
const DefaultSignal = "#808080"

// Swatch 調色盤上的一個顏色
type Swatch struct {
	Name  string
	Value string
}

// Palette 合法的信號顏色
var Palette = []Swatch{
	{Name: "Red", Value: "#dc322f"},
	{Name: "Green", Value: "#859900"},
	{Name: "Blue", Value: "#268bd2"},
	{Name: "Yellow", Value: "#b58900"},
}

// ValidSignal 信號值是否合法（調色盤或預設色）
func ValidSignal(value string) bool {
	if value == DefaultSignal {
		return true
	}
	for _, s := range Palette {
		if s.Value == value {
			return true
		}
	}
	return false
}

// NoticeKind 系統通知的種類（對應 CSS class）
type NoticeKind string

const (
	NoticeSystem   NoticeKind = "system-msg"
	NoticeCommand  NoticeKind = "command-msg"
	NoticeFinale   NoticeKind = "command-msg finale"
	NoticeError    NoticeKind = "error-msg"
	NoticeUpload   NoticeKind = "upload-msg"
	noticeFallback            = "system-msg"
)

var (
	// ErrMalformedFrame 上行訊息不是合法 JSON
	ErrMalformedFrame = errors.New("無法解析的訊息")
	// ErrEmptyFrame 上行訊息沒有任何可處理的欄位
	ErrEmptyFrame = errors.New("空的訊息")
)

// Inbound 客戶端送來的一個訊息框
type Inbound struct {
	ChatMessage string `json:"chat_message"`
	Signal      string `json:"signal"`
}

// ParseInbound 解析上行訊息；未知欄位（如 htmx 的 HEADERS）會被忽略
func ParseInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	in.ChatMessage = strings.TrimSpace(in.ChatMessage)
	in.Signal = strings.TrimSpace(in.Signal)
	if in.ChatMessage == "" && in.Signal == "" {
		return Inbound{}, ErrEmptyFrame
	}
	return in, nil
}

// IsCommand 聊天內容是否為斜線命令
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}

const fragmentTemplates = `
{{define "chat"}}<div hx-swap-oob="beforeend:#chat-container"><div class="message"><span class="sender">{{.Sender}}: </span><span class="body">{{if .Link}}<a href="{{.Text}}" target="_blank">{{.Text}}</a>{{else}}{{.Text}}{{end}}</span></div></div>{{end}}

{{define "notice"}}<div hx-swap-oob="beforeend:#chat-container"><div class="message {{.Kind}}">{{.Text}}</div></div>{{end}}

{{define "circle"}}<div id="signal-circle" class="signal-circle" style="background-color: {{.Value}};"{{if .OOB}} hx-swap-oob="true"{{end}}></div>{{end}}

{{define "palette"}}<div id="view-controller" class="view-controller"{{if .OOB}} hx-swap-oob="true"{{end}}><form ws-send>{{range .Buttons}}<button class="color-btn btn-{{.Class}}{{if .Active}} active{{end}}" name="signal" value="{{.Value}}">{{.Name}}</button>{{end}}</form></div>{{end}}

{{define "room"}}<div id="room-container" hx-ext="ws" ws-connect="{{.WSURL}}">
<div class="room-header"><h2>Room: {{.Room.Label}} ({{.RoleLabel}})</h2><button hx-get="/interaction" hx-target="body">Leave</button></div>
{{if .IsController}}{{template "palette" .Palette}}{{else}}<div id="view-doer">{{template "circle" .Circle}}<p>Watch the circle!</p></div>{{end}}
<h3>Chat</h3>
<div id="chat-container"><div class="message system-msg">Connected as {{.Username}}.</div></div>
<form ws-send hx-on:htmx:ws-after-send="this.reset()"><input type="text" name="chat_message" placeholder="Type a message or /help" required autocomplete="off"><button type="submit">Send</button></form>
</div>{{end}}

{{define "challenge"}}<div id="password-challenge">
{{if .Wrong}}<p class="error">Wrong password.</p>{{else}}<p>This room requires a password.</p>{{end}}
<form hx-post="/interaction/join" hx-target="#main-container">
<input type="hidden" name="username" value="{{.Username}}">
<input type="hidden" name="role" value="{{.Role}}">
<input type="hidden" name="room_id" value="{{.RoomID}}">
<input type="password" name="password" required autocomplete="off">
<button type="submit">Join</button>
</form>
</div>{{end}}

{{define "list"}}{{if .Items}}<div class="room-list">{{range .Items}}
<div class="room-list-item"><form hx-post="/interaction/join" hx-target="#main-container">
<input type="hidden" name="username" value="{{$.Username}}">
<input type="hidden" name="role" value="{{$.Role}}">
<input type="hidden" name="room_id" value="{{.ID}}">
<div class="room-info"><strong>{{.Label}}</strong> <small>({{.Info}})</small>{{if .HasPassword}} <small class="locked">password</small>{{end}}<br><span class="created">{{.Created}}</span></div>
<button type="submit">Join</button>
</form></div>{{end}}
</div>{{else}}<p>No rooms available.</p>{{end}}{{end}}

{{define "error"}}<div class="error">{{.}} <button hx-get="/interaction" hx-target="body">Back</button></div>{{end}}

{{define "lobby"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Interaction</title>
<script src="https://unpkg.com/htmx.org@1.9.12"></script>
<script src="https://unpkg.com/htmx.org@1.9.12/dist/ext/ws.js"></script>
</head>
<body>
<div id="main-container">
<h1>Interaction</h1>
<form hx-post="/interaction/rooms" hx-target="#main-container">
<h3>Create a room</h3>
<input type="text" name="username" placeholder="Your name" required>
<select name="role"><option value="controller">Controller</option><option value="doer">Doer</option></select>
<label>Controllers <input type="number" name="max_controllers" value="1" min="0"></label>
<label>Doers <input type="number" name="max_doers" value="1" min="0"></label>
<input type="password" name="password" placeholder="Password (optional)" autocomplete="off">
<button type="submit">Create</button>
</form>
<h3>Join a room</h3>
<form hx-get="/interaction/rooms/controller" hx-target="#room-list" hx-include="[name='list_username']"><button type="submit">As controller</button></form>
<form hx-get="/interaction/rooms/doer" hx-target="#room-list" hx-include="[name='list_username']"><button type="submit">As doer</button></form>
<input type="text" name="list_username" placeholder="Your name">
<div id="room-list"></div>
</div>
</body>
</html>{{end}}
`

// Pipeline 將領域事件轉換成推送給客戶端的 HTML 片段
type Pipeline struct {
	tmpl   *template.Template
	logger *slog.Logger
}

// NewPipeline 創建訊息管線
func NewPipeline(logger *slog.Logger) *Pipeline {
	return &Pipeline{
		tmpl:   template.Must(template.New("fragments").Parse(fragmentTemplates)),
		logger: logger,
	}
}

// Chat 聊天訊息片段
//
// 以 http 開頭的內容會變成在新分頁開啟的連結。
func (p *Pipeline) Chat(sender, text string) string {
	text = strings.TrimSpace(text)
	return p.render("chat", struct {
		Sender string
		Text   string
		Link   bool
	}{
		Sender: sender,
		Text:   text,
		Link:   strings.HasPrefix(text, "http"),
	})
}

// Notice 系統通知片段
func (p *Pipeline) Notice(kind NoticeKind, text string) string {
	if kind == "" {
		kind = noticeFallback
	}
	return p.render("notice", struct {
		Kind NoticeKind
		Text string
	}{Kind: kind, Text: text})
}

// Joined 加入通知
func (p *Pipeline) Joined(name string, role Role) string {
	return p.Notice(NoticeSystem, fmt.Sprintf("%s (%s) joined.", name, role.Label()))
}

// Left 離開通知
func (p *Pipeline) Left(name string) string {
	return p.Notice(NoticeSystem, name+" left.")
}

// Signal 信號變更的兩個片段：doer 的圓圈與 controller 的調色盤
func (p *Pipeline) Signal(value string) []string {
	return []string{
		p.render("circle", circleData{Value: value, OOB: true}),
		p.render("palette", newPaletteData(value, true)),
	}
}

// RoomView 進入房間後的主畫面
type RoomView struct {
	Room     RoomSummary
	Role     Role
	Username string
	Password string
}

// WebSocketURL 房間的 WebSocket 連線位址
func (v RoomView) WebSocketURL() string {
	q := url.Values{}
	q.Set("role", string(v.Role))
	q.Set("username", v.Username)
	if v.Password != "" {
		q.Set("password", v.Password)
	}
	return "/ws/interaction/" + url.PathEscape(v.Room.ID) + "?" + q.Encode()
}

// RenderRoom 輸出房間畫面
func (p *Pipeline) RenderRoom(w io.Writer, v RoomView) error {
	return p.tmpl.ExecuteTemplate(w, "room", struct {
		Room         RoomSummary
		RoleLabel    string
		Username     string
		WSURL        string
		IsController bool
		Palette      paletteData
		Circle       circleData
	}{
		Room:         v.Room,
		RoleLabel:    v.Role.Label(),
		Username:     v.Username,
		WSURL:        v.WebSocketURL(),
		IsController: v.Role == RoleController,
		Palette:      newPaletteData(v.Room.Signal, false),
		Circle:       circleData{Value: v.Room.Signal},
	})
}

// JoinForm 加入房間所需的欄位
type JoinForm struct {
	Username string
	Role     Role
	RoomID   string
}

// RenderPasswordChallenge 要求輸入密碼（wrong 表示上一次輸入錯誤）
func (p *Pipeline) RenderPasswordChallenge(w io.Writer, form JoinForm, wrong bool) error {
	return p.tmpl.ExecuteTemplate(w, "challenge", struct {
		JoinForm
		Wrong bool
	}{JoinForm: form, Wrong: wrong})
}

// RenderRoomList 某角色可加入的房間列表
func (p *Pipeline) RenderRoomList(w io.Writer, role Role, username string, rooms []RoomSummary) error {
	type item struct {
		RoomSummary
		Info    string
		Created string
	}
	items := make([]item, 0, len(rooms))
	for _, r := range rooms {
		items = append(items, item{
			RoomSummary: r,
			Info:        fmt.Sprintf("%ss: %d/%d", role.Label(), r.Count(role), r.Max(role)),
			Created:     r.CreatedAt.Format("15:04:05"),
		})
	}
	return p.tmpl.ExecuteTemplate(w, "list", struct {
		Role     Role
		Username string
		Items    []item
	}{Role: role, Username: username, Items: items})
}

// RenderError 錯誤畫面
func (p *Pipeline) RenderError(w io.Writer, message string) error {
	return p.tmpl.ExecuteTemplate(w, "error", message)
}

// RenderLobby 入口頁
func (p *Pipeline) RenderLobby(w io.Writer) error {
	return p.tmpl.ExecuteTemplate(w, "lobby", nil)
}

type circleData struct {
	Value string
	OOB   bool
}

type paletteButton struct {
	Swatch
	Class  string
	Active bool
}

type paletteData struct {
	Buttons []paletteButton
	OOB     bool
}

func newPaletteData(active string, oob bool) paletteData {
	buttons := make([]paletteButton, 0, len(Palette))
	for _, s := range Palette {
		buttons = append(buttons, paletteButton{
			Swatch: s,
			Class:  strings.ToLower(s.Name),
			Active: s.Value == active,
		})
	}
	return paletteData{Buttons: buttons, OOB: oob}
}

// render 執行片段模板；模板是靜態的，失敗只可能是程式錯誤
func (p *Pipeline) render(name string, data any) string {
	var buf bytes.Buffer
	if err := p.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		p.logger.Error("渲染片段失敗", "template", name, "error", err)
		return ""
	}
	return buf.String()
}
