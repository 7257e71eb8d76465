package internal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/koopa0/interaction-rooms/internal/limiter"
)

// Handler HTTP 請求處理器
//
// 頁面類路由回傳 HTML 片段給 htmx；htmx 預設只置換 2xx 回應，
// 所以「可重試」的錯誤畫面（密碼、房間已滿等）也用 200 回傳。
type Handler struct {
	manager  *Manager
	hub      *WebSocketHub
	pipeline *Pipeline
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	createLimiter limiter.Limiter // 可為 nil（不限制建立房間）
}

// NewHandler 創建 HTTP 處理器；gatherer 為 nil 時不提供 /metrics
func NewHandler(manager *Manager, hub *WebSocketHub, pipeline *Pipeline, gatherer prometheus.Gatherer, logger *slog.Logger) *Handler {
	return &Handler{
		manager:  manager,
		hub:      hub,
		pipeline: pipeline,
		gatherer: gatherer,
		logger:   logger,
	}
}

// LimitRoomCreation 以來源 IP 限制建立房間的頻率；須在 Routes 之前呼叫
func (h *Handler) LimitRoomCreation(lim limiter.Limiter) {
	h.createLimiter = lim
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// 頁面
	mux.HandleFunc("GET /interaction", wrap(h.lobby))
	createRoom := h.createRoom
	if h.createLimiter != nil {
		createRoom = h.rateLimit(h.createLimiter, "create:", createRoom)
	}
	mux.HandleFunc("POST /interaction/rooms", wrap(createRoom))
	mux.HandleFunc("GET /interaction/rooms/{role}", wrap(h.listRooms))
	mux.HandleFunc("POST /interaction/join", wrap(h.joinRoom))

	// WebSocket
	mux.HandleFunc("GET /ws/interaction/{room_id}", wrap(h.hub.ServeWS))

	// 健康檢查與監控
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// lobby 入口頁
func (h *Handler) lobby(w http.ResponseWriter, r *http.Request) {
	h.htmlResponse(w, http.StatusOK, h.pipeline.RenderLobby)
}

// createRoom 創建房間並直接進入房間畫面
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.errorView(w, "Invalid form.", http.StatusBadRequest)
		return
	}

	username := strings.TrimSpace(r.PostForm.Get("username"))
	password := r.PostForm.Get("password")

	role, err := ParseRole(r.PostForm.Get("role"))
	if err != nil {
		h.errorView(w, "Invalid role selected.", http.StatusOK)
		return
	}

	capacity, err := parseCapacity(r.PostForm.Get("max_controllers"), r.PostForm.Get("max_doers"))
	if err != nil {
		h.errorView(w, "Room limits must be whole numbers.", http.StatusOK)
		return
	}

	room, err := h.manager.CreateRoom(role, username, capacity, password)
	if err != nil {
		switch {
		case errors.Is(err, ErrEmptyUsername):
			h.errorView(w, "A display name is required.", http.StatusOK)
		case errors.Is(err, ErrInvalidCapacity):
			h.errorView(w, "Invalid room limits.", http.StatusOK)
		default:
			h.logger.Error("創建房間失敗", "error", err)
			h.errorView(w, "Unable to create room.", http.StatusInternalServerError)
		}
		return
	}

	view := RoomView{Room: *room, Role: role, Username: username, Password: password}
	h.htmlResponse(w, http.StatusOK, func(w io.Writer) error {
		return h.pipeline.RenderRoom(w, view)
	})
}

// listRooms 列出某角色可加入的房間
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	role, err := ParseRole(r.PathValue("role"))
	if err != nil {
		h.errorView(w, "Invalid role selected.", http.StatusOK)
		return
	}

	username := strings.TrimSpace(r.URL.Query().Get("username"))
	if username == "" {
		username = strings.TrimSpace(r.URL.Query().Get("list_username"))
	}

	rooms := h.manager.ListRooms(role)
	h.htmlResponse(w, http.StatusOK, func(w io.Writer) error {
		return h.pipeline.RenderRoomList(w, role, username, rooms)
	})
}

// joinRoom 檢查是否可以加入，回傳房間畫面或密碼畫面
func (h *Handler) joinRoom(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.errorView(w, "Invalid form.", http.StatusBadRequest)
		return
	}

	username := strings.TrimSpace(r.PostForm.Get("username"))
	roomID := r.PostForm.Get("room_id")
	password := r.PostForm.Get("password")

	role, err := ParseRole(r.PostForm.Get("role"))
	if err != nil {
		h.errorView(w, "Invalid role selected.", http.StatusOK)
		return
	}

	room, err := h.manager.CheckAdmission(roomID, role, username, password)
	if err != nil {
		if errors.Is(err, ErrWrongPassword) {
			form := JoinForm{Username: username, Role: role, RoomID: roomID}
			h.htmlResponse(w, http.StatusOK, func(w io.Writer) error {
				return h.pipeline.RenderPasswordChallenge(w, form, password != "")
			})
			return
		}
		h.errorView(w, AdmissionMessage(err), http.StatusOK)
		return
	}

	view := RoomView{Room: *room, Role: role, Username: username, Password: password}
	h.htmlResponse(w, http.StatusOK, func(w io.Writer) error {
		return h.pipeline.RenderRoom(w, view)
	})
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats := h.manager.Stats()
	stats["connections"] = h.hub.ConnectionCount()
	h.jsonResponse(w, stats, http.StatusOK)
}

func parseCapacity(controllers, doers string) (Capacity, error) {
	parse := func(s string) (int, error) {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, nil
		}
		return strconv.Atoi(s)
	}

	maxControllers, err := parse(controllers)
	if err != nil {
		return Capacity{}, fmt.Errorf("max_controllers: %w", err)
	}
	maxDoers, err := parse(doers)
	if err != nil {
		return Capacity{}, fmt.Errorf("max_doers: %w", err)
	}
	return Capacity{MaxControllers: maxControllers, MaxDoers: maxDoers}, nil
}

// htmlResponse 先渲染到緩衝區，失敗時才能改回 500
func (h *Handler) htmlResponse(w http.ResponseWriter, status int, render func(io.Writer) error) {
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		h.logger.Error("渲染頁面失敗", "error", err)
		http.Error(w, "內部伺服器錯誤", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.Debug("寫入回應失敗", "error", err)
	}
}

// errorView 返回錯誤畫面
func (h *Handler) errorView(w http.ResponseWriter, message string, status int) {
	h.htmlResponse(w, status, func(w io.Writer) error {
		return h.pipeline.RenderError(w, message)
	})
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				http.Error(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// rateLimit 限流中間件
//
// 限流器出錯時放行（可用性優先）。被限流的請求回 429，並帶 Retry-After。
func (h *Handler) rateLimit(lim limiter.Limiter, prefix string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 100*time.Millisecond)
		defer cancel()

		allowed, err := lim.Allow(ctx, prefix+clientIP(r))
		if err != nil {
			h.logger.Warn("限流檢查失敗，放行", "path", r.URL.Path, "error", err)
		}
		if !allowed {
			w.Header().Set("Retry-After", "1")
			h.errorView(w, "Too many requests. Try again shortly.", http.StatusTooManyRequests)
			return
		}

		next(w, r)
	}
}

// clientIP 取得來源 IP（不信任 X-Forwarded-For）
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap 供 http.ResponseController 使用
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack WebSocket 升級需要取得底層連線
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("底層 ResponseWriter 不支援 Hijack")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}
