package internal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Handler HTTP 請求處理器
//
// 對手搜索與取消走 HTTP（配對結果告訴客戶端該開哪個房間的
// WebSocket），對局本身走 WebSocket。
type Handler struct {
	coordinator *Coordinator
	registry    *Registry
	hub         *Hub
	auth        Authenticator
	logger      *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(coordinator *Coordinator, registry *Registry, hub *Hub, auth Authenticator, logger *slog.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		registry:    registry,
		hub:         hub,
		auth:        auth,
		logger:      logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// 配對 API
	mux.HandleFunc("POST /api/v1/games/find", wrap(h.findGame))
	mux.HandleFunc("POST /api/v1/games/cancel", wrap(h.cancelGame))
	mux.HandleFunc("POST /api/v1/tournaments/find", wrap(h.findTournament))
	mux.HandleFunc("POST /api/v1/tournaments/cancel", wrap(h.cancelTournament))

	// WebSocket 端點
	mux.HandleFunc("GET /ws/duel/{room_id}", h.hub.ServeDuel)
	mux.HandleFunc("GET /ws/tournament/{room_id}", h.hub.ServeTournament)

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// 請求結構
type matchmakingRequest struct {
	UserID  int64  `json:"userId"`
	UserJWT string `json:"userJwt,omitempty"`
}

// resolveUser 解析請求者身份
//
// 帶憑證的請求交給外部驗證者換取身份；憑證驗證失敗即拒絕。
func (h *Handler) resolveUser(r *http.Request, req *matchmakingRequest) (int64, error) {
	if req.UserJWT != "" && h.auth != nil {
		return h.auth.Authenticate(r.Context(), req.UserJWT)
	}
	if req.UserID == 0 {
		return 0, errors.New("missing user identity")
	}
	return req.UserID, nil
}

// findGame 尋找對手
//
// 配對成功：回傳對手 ID 與應加入的房間鍵（等待者先開的房）。
// 無人等待：請求者被排入等待隊列，應自己開房（以自己的 ID 為鍵）等待。
func (h *Handler) findGame(w http.ResponseWriter, r *http.Request) {
	var req matchmakingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
		return
	}

	userID, err := h.resolveUser(r, &req)
	if err != nil {
		h.errorResponse(w, "身份驗證失敗", http.StatusUnauthorized)
		return
	}

	opponentID, matched, err := h.coordinator.FindOpponent(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			h.errorResponse(w, "使用者不存在", http.StatusNotFound)
			return
		}
		h.errorResponse(w, err.Error(), http.StatusConflict)
		return
	}

	if matched {
		h.jsonResponse(w, map[string]any{
			"matched":     true,
			"opponent_id": opponentID,
			"room_key":    DuelRoomKey(opponentID),
		}, http.StatusOK)
		return
	}

	h.jsonResponse(w, map[string]any{
		"matched":  false,
		"room_key": DuelRoomKey(userID),
	}, http.StatusOK)
}

// cancelGame 取消對手搜索（對從未配對的使用者呼叫也安全）
func (h *Handler) cancelGame(w http.ResponseWriter, r *http.Request) {
	var req matchmakingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
		return
	}

	userID, err := h.resolveUser(r, &req)
	if err != nil {
		h.errorResponse(w, "身份驗證失敗", http.StatusUnauthorized)
		return
	}

	if err := h.coordinator.Cancel(r.Context(), userID); err != nil {
		h.errorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.jsonResponse(w, map[string]any{"cancelled": true}, http.StatusOK)
}

// findTournament 尋找或主辦錦標賽
func (h *Handler) findTournament(w http.ResponseWriter, r *http.Request) {
	var req matchmakingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
		return
	}

	userID, err := h.resolveUser(r, &req)
	if err != nil {
		h.errorResponse(w, "身份驗證失敗", http.StatusUnauthorized)
		return
	}

	hostID, hosting, err := h.coordinator.FindOrHostTournament(r.Context(), userID)
	if err != nil {
		h.errorResponse(w, err.Error(), http.StatusConflict)
		return
	}

	h.jsonResponse(w, map[string]any{
		"hosting":  hosting,
		"host_id":  hostID,
		"room_key": TournamentRoomKey(hostID),
	}, http.StatusOK)
}

// cancelTournament 取消錦標賽搜索 / 主辦
func (h *Handler) cancelTournament(w http.ResponseWriter, r *http.Request) {
	var req matchmakingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
		return
	}

	userID, err := h.resolveUser(r, &req)
	if err != nil {
		h.errorResponse(w, "身份驗證失敗", http.StatusUnauthorized)
		return
	}

	if err := h.coordinator.CancelTournament(r.Context(), userID); err != nil {
		h.errorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.jsonResponse(w, map[string]any{"cancelled": true}, http.StatusOK)
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
	stats := h.registry.Stats()
	stats["connections"] = h.hub.ConnectionCount()
	h.jsonResponse(w, stats, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

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

				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
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
