package internal

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   每個開啟的連接一個輕量任務、消息驅動——入站消息如何
//   派發到擁有它的會話，會話廣播又如何扇出到房間的所有連接？
//
// 設計方案：
//   ✅ Hub 負責升級連接、解析房間鍵、向 Registry 申請槽位
//   ✅ readPump / writePump 各一個 goroutine：
//     讀取任務掛起等待下一條入站消息，喚醒後派發給會話
//   ✅ Ping/Pong 心跳檢測死連接（54s Ping / 60s 讀取期限）
//   ✅ 已配對房間的重複連接：在傳輸層接受後以 4001 關閉碼拒絕，
//     不產生任何部分狀態變更

// 心跳與緩衝參數（與代理超時閾值錯開）
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// Connection 一條 WebSocket 連接
type Connection struct {
	ID      uuid.UUID
	UserID  int64
	RoomKey string

	ws  *websocket.Conn
	hub *Hub

	mu     sync.Mutex // 序列化 send 與 close：廣播絕不寫入已關閉的通道
	sendCh chan []byte
	closed bool
}

// send 非阻塞入隊；慢連接的緩衝滿時丟棄（投遞盡力而為）
//
// 與 close 共用連接鎖：拆除中的房間可能仍有其他連接的
// 消息任務在廣播，已關閉的連接靜默丟棄而非崩潰。
func (c *Connection) send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	select {
	case c.sendCh <- data:
	default:
		c.hub.logger.Warn("連接緩衝已滿，丟棄消息",
			"room_key", c.RoomKey,
			"user_id", c.UserID)
	}
}

// close 關閉發送通道（冪等）；寫入任務送完排隊中的
// 消息後會發出關閉幀並關閉底層連接
func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.sendCh)
}

// Hub 連接中心 / 消息路由器
//
// 入站：每連接的讀取任務把消息交給房間的會話處理器。
// 出站：會話請求房間廣播，負載對所有接收者是同一份序列化結果。
type Hub struct {
	registry *Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[uuid.UUID]*Connection
}

// NewHub 創建連接中心
func NewHub(registry *Registry, logger *slog.Logger) *Hub {
	return &Hub{
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 生產環境應檢查來源
				return true
			},
		},
		conns: make(map[uuid.UUID]*Connection),
	}
}

// ServeDuel 對局房連接端點
//
// 路由內嵌對手 / 房間識別字：/ws/duel/{room_id}?user_id=N
func (hub *Hub) ServeDuel(w http.ResponseWriter, r *http.Request) {
	hub.serve(w, r, KindDuel)
}

// ServeTournament 錦標賽報名房連接端點
func (hub *Hub) ServeTournament(w http.ResponseWriter, r *http.Request) {
	hub.serve(w, r, KindTournament)
}

// serve 升級連接並向 Registry 申請槽位
func (hub *Hub) serve(w http.ResponseWriter, r *http.Request, kind RoomKind) {
	roomID, err := strconv.ParseInt(r.PathValue("room_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	key := DuelRoomKey(roomID)
	if kind == KindTournament {
		key = TournamentRoomKey(roomID)
	}

	ws, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	conn := &Connection{
		ID:      uuid.New(),
		UserID:  userID,
		RoomKey: key,
		ws:      ws,
		sendCh:  make(chan []byte, sendBufferSize),
		hub:     hub,
	}

	room, role, err := hub.registry.AcquireOrCreate(key, kind, conn, userID)
	if err != nil {
		// 傳輸層已接受，再以特定關閉碼拒絕；房間狀態不受影響
		hub.reject(ws, err)
		return
	}

	hub.mu.Lock()
	hub.conns[conn.ID] = conn
	hub.mu.Unlock()

	go conn.writePump()
	go conn.readPump()

	hub.logger.Info("WebSocket 連接建立",
		"room_key", key,
		"user_id", userID,
		"role", role,
		"state", room.State())
}

// reject 以關閉碼拒絕已升級的連接
func (hub *Hub) reject(ws *websocket.Conn, cause error) {
	code := websocket.ClosePolicyViolation
	reason := cause.Error()
	if cause == ErrDuplicateRoom || cause == ErrRoomFull {
		code = CloseCodeDuplicateRoom
	}

	deadline := time.Now().Add(writeWait)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()

	hub.logger.Info("連接被拒絕", "close_code", code, "reason", reason)
}

// unregister 移除連接記錄
func (hub *Hub) unregister(conn *Connection) {
	hub.mu.Lock()
	delete(hub.conns, conn.ID)
	hub.mu.Unlock()
}

// ConnectionCount 當前連接數
func (hub *Hub) ConnectionCount() int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.conns)
}

// Stop 關閉所有連接
func (hub *Hub) Stop() {
	hub.mu.Lock()
	conns := make([]*Connection, 0, len(hub.conns))
	for _, conn := range hub.conns {
		conns = append(conns, conn)
	}
	hub.conns = make(map[uuid.UUID]*Connection)
	hub.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}

	hub.logger.Info("連接中心已停止")
}

// readPump 讀取入站消息並派發給會話
//
// 連接任務在這裡掛起等待下一條消息；退出（斷線、心跳超時）
// 觸發槽位釋放——對局中的斷線由會話按棄權處理。
func (c *Connection) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.hub.registry.Release(c.RoomKey, c)
		c.close()
		c.ws.Close()
	}()

	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.hub.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"room_key", c.RoomKey,
					"user_id", c.UserID)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		// 協議錯誤：無法解析的消息忽略，連接保持開啟
		msg := ParseInbound(data)
		if msg == nil {
			c.hub.logger.Debug("忽略無法解析的消息",
				"room_key", c.RoomKey,
				"user_id", c.UserID)
			continue
		}

		room, err := c.hub.registry.Lookup(c.RoomKey)
		if err != nil {
			return // 房間已被拆除
		}
		if session := room.Session(); session != nil {
			session.HandleMessage(c, msg)
		}
	}
}

// writePump 寫出出站消息並維持心跳
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.sendCh:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// 發送通道已關閉：排隊中的消息已全部送出，優雅關閉
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

			// 批量送出隊列中剩餘的消息
			n := len(c.sendCh)
			for i := 0; i < n; i++ {
				if err := c.ws.WriteMessage(websocket.TextMessage, <-c.sendCh); err != nil {
					return
				}
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
