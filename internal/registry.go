package internal

import (
	"log/slog"
	"sync"
	"time"
)

// 系統設計問題：
//   行程範圍的房間目錄是被每個連接任務觸碰的共享可變狀態，
//   如何仲裁併發的連接嘗試，避免重複角色與丟失更新？
//
// 設計方案：
//   ✅ 注入式的目錄服務（顯式生命週期：啟動時創建、關閉時清空），
//     不是從任意呼叫點修改的全域字典
//   ✅ 槽位分配期間持有全域鎖（單寫者紀律）：
//     兩個連接爭奪「第二個槽位」時恰好一個成為 guest，
//     另一個被分配下一個槽位（容量允許時）或被拒絕
//   ✅ 拆除房間時同步取消 tick 任務，再釋放房間鍵，
//     防止孤兒 tick 寫入已銷毀的會話

// 預設參數
const (
	defaultTickInterval = 50 * time.Millisecond
	defaultIdleTimeout  = 10 * time.Minute
	reapInterval        = time.Minute
)

// RegistryOptions Registry 的可選參數（零值使用預設）
type RegistryOptions struct {
	TickInterval  time.Duration // 引擎 tick 間隔
	IdleTimeout   time.Duration // 閒置房間回收閾值
	EngineFactory func() Engine // 引擎構造器（預設 PongEngine）
}

// Registry 房間目錄
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]*Room
	userRoom map[int64]string // 單一成員資格索引：userID -> roomKey

	store    UserStore
	recorder ResultRecorder
	logger   *slog.Logger

	tickInterval time.Duration
	idleTimeout  time.Duration
	newEngine    func() Engine

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry 創建房間目錄並啟動清理循環
func NewRegistry(store UserStore, recorder ResultRecorder, logger *slog.Logger, opts *RegistryOptions) *Registry {
	r := &Registry{
		rooms:        make(map[string]*Room),
		userRoom:     make(map[int64]string),
		store:        store,
		recorder:     recorder,
		logger:       logger,
		tickInterval: defaultTickInterval,
		idleTimeout:  defaultIdleTimeout,
		newEngine:    func() Engine { return NewPongEngine() },
		stopCh:       make(chan struct{}),
	}
	if opts != nil {
		if opts.TickInterval > 0 {
			r.tickInterval = opts.TickInterval
		}
		if opts.IdleTimeout > 0 {
			r.idleTimeout = opts.IdleTimeout
		}
		if opts.EngineFactory != nil {
			r.newEngine = opts.EngineFactory
		}
	}

	r.wg.Add(1)
	go r.reapLoop()

	return r
}

// AcquireOrCreate 解析或創建房間並分配槽位
//
// 契約：
//   - 鍵不存在：創建房間，呼叫者佔第一個槽位（host / player1）
//   - 鍵存在且有空位：按到達順序分配下一個空槽位
//   - 鍵存在且已配對（槽位全滿）：以 ErrDuplicateRoom 拒絕，
//     呼叫方應以 4001 關閉碼關閉連接，絕不靜默合併
//
// 整段槽位分配在全域鎖內完成（單寫者），
// 競速的兩個連接不可能都被告知自己是 guest。
func (reg *Registry) AcquireOrCreate(key string, kind RoomKind, conn *Connection, userID int64) (*Room, Role, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	// 單一成員資格：一個使用者同時至多佔用一個槽位
	if existing, occupied := reg.userRoom[userID]; occupied {
		reg.logger.Warn("使用者已在其他房間",
			"user_id", userID,
			"existing_room", existing,
			"requested_room", key)
		return nil, "", ErrAlreadyInRoom
	}

	room, exists := reg.rooms[key]
	if !exists {
		room = newRoom(key, kind)
		switch kind {
		case KindTournament:
			room.setSession(newTournamentSession(room, reg))
		default:
			room.setSession(newDuelSession(room, reg))
		}
		reg.rooms[key] = room
		reg.logger.Info("房間已創建", "room_key", key, "kind", kind)
	} else if room.Kind != kind {
		return nil, "", ErrRoomKindMismatch
	}

	slot, err := room.addSlot(conn, userID)
	if err != nil {
		return nil, "", err
	}
	reg.userRoom[userID] = key

	reg.logger.Info("槽位已分配",
		"room_key", key,
		"user_id", userID,
		"role", slot.Role,
		"occupied", room.SlotCount())

	return room, slot.Role, nil
}

// Lookup 查找房間
func (reg *Registry) Lookup(key string) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, exists := reg.rooms[key]
	if !exists {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// Release 釋放連接的槽位
//
// 離開使會話失效時（對局房的任何離開、空的報名房），
// 房間被拆除：tick 任務先被同步取消，餘下參與者收到通知，
// 然後房間鍵才被釋放。對同一連接重複呼叫是冪等的。
func (reg *Registry) Release(key string, conn *Connection) {
	reg.mu.Lock()
	room, exists := reg.rooms[key]
	reg.mu.Unlock()
	if !exists {
		return
	}

	slot := room.removeSlot(conn)
	if slot == nil {
		return // 已被釋放過
	}

	reg.mu.Lock()
	delete(reg.userRoom, slot.UserID)
	reg.mu.Unlock()

	reg.logger.Info("槽位已釋放",
		"room_key", key,
		"user_id", slot.UserID,
		"role", slot.Role)

	// 會話處理離開（中止對局、退回報名等），可能同步停掉 tick
	if session := room.Session(); session != nil {
		session.HandleLeave(slot)
	}

	// 對局房的離開總是使會話失效；報名房等到人走光
	switch room.Kind {
	case KindDuel:
		reg.destroyRoom(room)
	case KindTournament:
		if room.SlotCount() == 0 {
			reg.destroyRoom(room)
		}
	}
}

// removeFinished 正常終局後的釋放（由會話的 tick 任務呼叫）
//
// 終局路徑上 tick 任務正在自行結束，這裡只做目錄清理與
// 關閉餘下連接，不等待 tick（避免自我等待死鎖）。
func (reg *Registry) removeFinished(room *Room) {
	reg.destroyRoom(room)
}

// destroyRoom 從目錄移除房間並關閉餘下連接
func (reg *Registry) destroyRoom(room *Room) {
	reg.mu.Lock()
	if _, exists := reg.rooms[room.Key]; !exists {
		reg.mu.Unlock()
		return
	}
	delete(reg.rooms, room.Key)
	for _, id := range room.UserIDs() {
		delete(reg.userRoom, id)
	}
	reg.mu.Unlock()

	// 關閉餘下連接：發送通道被關閉後，寫入任務會先送完
	// 已排隊的廣播（終局 / 離開通知）再送關閉幀
	room.mu.RLock()
	conns := make([]*Connection, 0, len(room.slots))
	for _, slot := range room.slots {
		if slot.Conn != nil {
			conns = append(conns, slot.Conn)
		}
	}
	room.mu.RUnlock()
	for _, conn := range conns {
		conn.close()
	}

	reg.logger.Info("房間已移除", "room_key", room.Key, "state", room.State())
}

// reapLoop 閒置房間清理循環
func (reg *Registry) reapLoop() {
	defer reg.wg.Done()

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reg.Reap()
		case <-reg.stopCh:
			return
		}
	}
}

// Reap 回收閒置房間（公開供測試呼叫）
//
// 卡在 WaitingForBothReady / Registering 的房間沒有自然的
// 退出路徑，超過閾值後在這裡統一拆除。
func (reg *Registry) Reap() {
	now := time.Now()

	reg.mu.Lock()
	var expired []*Room
	for _, room := range reg.rooms {
		if room.expired(now, reg.idleTimeout) {
			expired = append(expired, room)
		}
	}
	reg.mu.Unlock()

	for _, room := range expired {
		room.Broadcast(map[string]any{"roomClosed": true, "reason": "idle_timeout"})
		if !room.State().Terminal() {
			room.setState(StateAborted)
		}
		reg.destroyRoom(room)
		reg.logger.Info("閒置房間已回收", "room_key", room.Key)
	}
}

// Stats 目錄統計
func (reg *Registry) Stats() map[string]any {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	byKind := make(map[RoomKind]int)
	byState := make(map[RoomState]int)
	totalSlots := 0
	for _, room := range reg.rooms {
		byKind[room.Kind]++
		byState[room.State()]++
		totalSlots += room.SlotCount()
	}

	return map[string]any{
		"total_rooms":    len(reg.rooms),
		"occupied_slots": totalSlots,
		"by_kind":        byKind,
		"by_state":       byState,
	}
}

// Stop 停止目錄：停掉清理循環並拆除所有房間
func (reg *Registry) Stop() {
	close(reg.stopCh)
	reg.wg.Wait()

	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.Unlock()

	for _, room := range rooms {
		if session := room.Session(); session != nil {
			if duel, ok := session.(*DuelSession); ok {
				duel.stopTicks()
			}
		}
		reg.destroyRoom(room)
	}

	reg.logger.Info("房間目錄已停止")
}
