package internal

import (
	"context"
	"log/slog"
	"sync"
)

// TournamentSession 4 人錦標賽報名房的狀態機
//
// 狀態：Registering（初態，槽位 1–3 填充中）→ Full（本組件終態）。
// 報名按到達順序認領第一個空位，認領互斥（同一個槽位序號
// 不可能被兩個報名者同時拿到）。第 4 位完成報名時，四人狀態
// 一次性全部轉為 InTournament，並廣播對陣表。
//
// 本組件不創建內部的半決賽 / 決賽對局房：對陣表廣播帶著由
// 錦標賽鍵確定性導出的兩個半決賽房間鍵（1v2、3v4），
// 由客戶端據此開啟對應的對局房。
type TournamentSession struct {
	room   *Room
	reg    *Registry
	logger *slog.Logger

	mu         sync.Mutex
	registered []int64 // 按認領順序
}

// newTournamentSession 創建錦標賽會話
func newTournamentSession(room *Room, reg *Registry) *TournamentSession {
	return &TournamentSession{
		room:   room,
		reg:    reg,
		logger: reg.logger.With("room_key", room.Key),
	}
}

// HandleMessage 處理入站消息（報名房只認 register）
func (s *TournamentSession) HandleMessage(conn *Connection, msg *Inbound) {
	s.room.touch()

	if msg.Kind() != KindRegister {
		s.logger.Debug("忽略非報名消息", "user_id", msg.UserID)
		return
	}
	s.register(msg.UserID)
}

// register 認領下一個空位
func (s *TournamentSession) register(userID int64) {
	if s.room.State() != StateRegistering {
		return // 狀態錯誤：靜默丟棄
	}

	s.mu.Lock()
	for _, id := range s.registered {
		if id == userID {
			s.mu.Unlock()
			return // 重複報名：冪等
		}
	}
	if len(s.registered) >= s.room.Kind.Capacity() {
		s.mu.Unlock()
		return
	}
	s.registered = append(s.registered, userID)
	claimed := make([]int64, len(s.registered))
	copy(claimed, s.registered)
	s.mu.Unlock()

	hostID := claimed[0]
	s.room.Broadcast(newPlayerMessage(hostID, userID))

	s.logger.Info("錦標賽報名",
		"user_id", userID,
		"claimed", len(claimed))

	if len(claimed) == s.room.Kind.Capacity() {
		s.seal(hostID, claimed)
	}
}

// seal 第 4 位報名完成：狀態全部轉入 InTournament 並廣播對陣表
//
// 四個狀態一次性地在第 4 次報名之後翻轉，之前絕不提前翻轉。
func (s *TournamentSession) seal(hostID int64, participants []int64) {
	ctx := context.Background()

	for _, id := range participants {
		if err := s.reg.store.SetStatus(ctx, id, StatusInTournament); err != nil {
			s.logger.Warn("設置 InTournament 狀態失敗", "user_id", id, "error", err)
		}
	}

	s.room.setState(StateFull)
	s.room.Broadcast(bracketMessage(hostID, participants, SemifinalRoomKeys(s.room.Key)))

	s.logger.Info("錦標賽已滿員，交棒對陣執行",
		"host_id", hostID,
		"participants", participants)
}

// HandleLeave 報名階段的離開：釋放已認領的名額並復原狀態
func (s *TournamentSession) HandleLeave(slot *Slot) {
	if s.room.State() != StateRegistering {
		return // Full 之後由下游對陣執行接手
	}

	s.mu.Lock()
	for i, id := range s.registered {
		if id == slot.UserID {
			s.registered = append(s.registered[:i], s.registered[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	ctx := context.Background()

	// 搜索中 / 主辦中的狀態轉回 Online；從未進入者 CAS 不命中即無害
	for _, from := range []Status{StatusLookingForTourney, StatusHostingTournament} {
		if swapped, err := s.reg.store.CompareAndSwapStatus(ctx, slot.UserID, from, StatusOnline); err == nil && swapped {
			break
		}
	}

	s.room.Broadcast(playerLeftMessage(slot.UserID))
}
