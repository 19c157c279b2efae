package internal

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// 系統設計問題：
//   如何在獨立到達、獨立失敗的網路連接之間維護一致的共享房間狀態？
//
// 核心挑戰：
//   1. 槽位競態：兩個連接同時爭奪「第二個槽位」時恰好一個勝出
//   2. 狀態機：對局房與錦標賽房各自有嚴格的合法轉換
//   3. 一致廣播：所有接收者看到同一個 tick 的完整快照
//   4. 資源回收：卡在等待狀態的房間必須被回收
//
// 設計方案：
//   ✅ 顯式標記狀態（tagged state）取代對無型別 map 的成員測試
//   ✅ 槽位固定容量、按到達順序分配
//   ✅ 廣播先序列化一次，再推送到所有連接的發送通道
//   ✅ Registry 的清理循環回收閒置房間

// RoomKind 房間種類
type RoomKind string

const (
	KindDuel       RoomKind = "duel"       // 2 人對局房
	KindTournament RoomKind = "tournament" // 4 人錦標賽報名房
)

// Capacity 該種類的槽位容量
func (k RoomKind) Capacity() int {
	if k == KindTournament {
		return 4
	}
	return 2
}

// RoomState 房間狀態
//
// 對局房狀態機：
//
//	WaitingForBothReady → Active → Finished
//	        └──────────────┴────→ Aborted（斷線 / 取消）
//
// 錦標賽房狀態機：
//
//	Registering → Full（交棒給下游對陣執行，本組件終態）
type RoomState string

const (
	StateWaitingForBothReady RoomState = "waiting_for_both_ready"
	StateActive              RoomState = "active"
	StateFinished            RoomState = "finished"
	StateAborted             RoomState = "aborted"
	StateRegistering         RoomState = "registering"
	StateFull                RoomState = "full"
)

// Terminal 是否為終態
func (s RoomState) Terminal() bool {
	return s == StateFinished || s == StateAborted || s == StateFull
}

// Role 參與者角色
type Role string

const (
	RoleHost    Role = "host"
	RoleGuest   Role = "guest"
	RolePlayer1 Role = "player1"
	RolePlayer2 Role = "player2"
	RolePlayer3 Role = "player3"
	RolePlayer4 Role = "player4"
)

// duelRoles 對局房按到達順序的角色
var duelRoles = []Role{RoleHost, RoleGuest}

// tournamentRoles 錦標賽房按到達順序的角色
var tournamentRoles = []Role{RolePlayer1, RolePlayer2, RolePlayer3, RolePlayer4}

// DuelRoomKey 由發起者 ID 確定性導出對局房鍵
func DuelRoomKey(hostID int64) string {
	return fmt.Sprintf("game_%d", hostID)
}

// TournamentRoomKey 由發起者 ID 確定性導出錦標賽房鍵
func TournamentRoomKey(hostID int64) string {
	return fmt.Sprintf("tournament_%d", hostID)
}

// SemifinalRoomKeys 由錦標賽鍵確定性導出兩場半決賽的對局房鍵
func SemifinalRoomKeys(tournamentKey string) [2]string {
	return [2]string{
		fmt.Sprintf("%s_semi_1", tournamentKey),
		fmt.Sprintf("%s_semi_2", tournamentKey),
	}
}

// Slot 房間槽位
type Slot struct {
	Conn     *Connection
	UserID   int64
	Role     Role
	Ready    bool
	JWT      string
	JoinedAt time.Time
}

// Session 房間的會話邏輯（對局或錦標賽）
type Session interface {
	// HandleMessage 處理已綁定連接的入站消息
	HandleMessage(conn *Connection, msg *Inbound)

	// HandleLeave 處理參與者離開
	// 由 Registry 在釋放槽位之後、銷毀房間之前呼叫。
	HandleLeave(slot *Slot)
}

// Room 房間：把 2（對局）或 4（錦標賽）個參與者綁在同一個鍵下
//
// 不變量：
//   - 槽位數永不超過容量
//   - 同一個鍵同時只映射到一個 Room（由 Registry 仲裁）
//   - 對局房同時至多一個未終止的引擎實例
type Room struct {
	Key  string
	Kind RoomKind

	mu         sync.RWMutex
	state      RoomState
	slots      []*Slot
	session    Session
	createdAt  time.Time
	lastActive time.Time
}

// newRoom 創建房間（初態由種類決定）
func newRoom(key string, kind RoomKind) *Room {
	now := time.Now()
	state := StateWaitingForBothReady
	if kind == KindTournament {
		state = StateRegistering
	}
	return &Room{
		Key:        key,
		Kind:       kind,
		state:      state,
		createdAt:  now,
		lastActive: now,
	}
}

// State 當前狀態
func (r *Room) State() RoomState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// setState 狀態轉換
func (r *Room) setState(s RoomState) {
	r.mu.Lock()
	r.state = s
	r.lastActive = time.Now()
	r.mu.Unlock()
}

// Session 房間的會話物件
func (r *Room) Session() Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session
}

// setSession 綁定會話物件（創建房間時一次性設置）
func (r *Room) setSession(s Session) {
	r.mu.Lock()
	r.session = s
	r.mu.Unlock()
}

// addSlot 按到達順序分配下一個空槽位
//
// 呼叫方（Registry）已對鍵做了單寫者序列化；這裡再以房間鎖
// 保護 slots 切片與廣播讀取之間的互斥。
func (r *Room) addSlot(conn *Connection, userID int64) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.slots) >= r.Kind.Capacity() {
		// 已配對的房間拒絕合併第三者
		return nil, ErrDuplicateRoom
	}

	roles := duelRoles
	if r.Kind == KindTournament {
		roles = tournamentRoles
	}

	slot := &Slot{
		Conn:     conn,
		UserID:   userID,
		Role:     roles[len(r.slots)],
		JoinedAt: time.Now(),
	}
	r.slots = append(r.slots, slot)
	r.lastActive = slot.JoinedAt
	return slot, nil
}

// removeSlot 移除連接對應的槽位；回傳被移除的槽位
func (r *Room) removeSlot(conn *Connection) *Slot {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, slot := range r.slots {
		if slot.Conn == conn {
			r.slots = append(r.slots[:i], r.slots[i+1:]...)
			r.lastActive = time.Now()
			return slot
		}
	}
	return nil
}

// SlotCount 已佔用槽位數
func (r *Room) SlotCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

// Full 槽位是否已滿
func (r *Room) Full() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots) == r.Kind.Capacity()
}

// slotByConn 依連接查槽位
func (r *Room) slotByConn(conn *Connection) *Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, slot := range r.slots {
		if slot.Conn == conn {
			return slot
		}
	}
	return nil
}

// HostSlot 第一個槽位（房主 / player1）
func (r *Room) HostSlot() *Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.slots) == 0 {
		return nil
	}
	return r.slots[0]
}

// UserIDs 按到達順序的使用者 ID
func (r *Room) UserIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.slots))
	for _, slot := range r.slots {
		ids = append(ids, slot.UserID)
	}
	return ids
}

// Broadcast 向房間所有連接廣播同一份負載
//
// 一致性：負載先序列化一次，再推送到每個連接的發送通道，
// 所有接收者看到的是同一個 tick 的狀態，絕不出現新舊混合。
// 投遞是盡力而為：慢連接的緩衝滿時丟棄（不阻塞 tick）。
func (r *Room) Broadcast(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.slots))
	for _, slot := range r.slots {
		if slot.Conn != nil {
			conns = append(conns, slot.Conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		conn.send(data)
	}
}

// touch 更新最後活動時間
func (r *Room) touch() {
	r.mu.Lock()
	r.lastActive = time.Now()
	r.mu.Unlock()
}

// expired 閒置回收判定
//
// 對局進行中的房間不回收（對局長度有限，靠終局與斷線路徑清理）；
// 卡在等待 / 報名狀態的房間超過閾值後回收，避免資源洩漏。
func (r *Room) expired(now time.Time, idleTimeout time.Duration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.state == StateActive {
		return false
	}
	if r.state.Terminal() {
		return true
	}
	return now.Sub(r.lastActive) > idleTimeout
}
