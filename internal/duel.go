package internal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// 系統設計問題：
//   對局會話的狀態跨兩個獨立失敗的連接共享，
//   且有一個獨立調度的背景 tick 任務在推進引擎，
//   如何保證啟動不重複、輸入路由正確、拆除不留孤兒？
//
// 設計方案：
//   ✅ 單次啟動守衛（atomic CAS）：重複的 build 或兩端同時的
//     ready 信號不可能生出兩個引擎或兩條 tick 循環
//   ✅ 輸入按「發送者的使用者身份」路由到球拍，而非連接槽位
//   ✅ tick 任務是會話擁有的可取消工作單元（context + done 通道），
//     拆除時同步取消，取消完成前不釋放房間鍵

// DuelSession 2 人對局房的狀態機
//
// 狀態：WaitingForBothReady（初態）→ Active → Finished（終態）。
// Aborted（終態）可由前兩態在參與者斷線或取消時到達。
type DuelSession struct {
	room   *Room
	reg    *Registry
	logger *slog.Logger

	started  atomic.Bool // 單次啟動守衛
	finished atomic.Bool // 終局 / 中止只發生一次

	// mu 序列化啟動與拆除：tick 任務的句柄（engine / cancel / done）
	// 在鎖內發布，離開路徑在同一把鎖內讀取，
	// 搶先的中止使遲到的啟動放棄，絕不留下孤兒 tick
	mu     sync.Mutex
	engine Engine
	cancel context.CancelFunc
	done   chan struct{}
}

// newDuelSession 創建對局會話
func newDuelSession(room *Room, reg *Registry) *DuelSession {
	return &DuelSession{
		room:   room,
		reg:    reg,
		logger: reg.logger.With("room_key", room.Key),
	}
}

// HandleMessage 處理入站消息
//
// 狀態錯誤（如 Active 之前的移動輸入）靜默丟棄而非套用；
// 無法識別的消息屬於協議錯誤，忽略並保持連接。
func (s *DuelSession) HandleMessage(conn *Connection, msg *Inbound) {
	s.room.touch()

	switch msg.Kind() {
	case KindFirstConnection:
		// 房主登記憑證，供終局記錄前驗證
		s.bindCredential(conn, msg.UserJWT)

	case KindGameReady:
		s.bindCredential(conn, msg.UserJWT)
		allReady := s.markReady(conn)
		s.room.Broadcast(gameReadyMessage())
		if allReady && s.room.Full() {
			s.tryBuild()
		}

	case KindBuildGame:
		s.tryBuild()

	case KindPlayerMovement:
		s.applyMovement(msg)

	default:
		s.logger.Debug("忽略無法識別的消息", "user_id", msg.UserID)
	}
}

// bindCredential 把憑證綁到連接的槽位
func (s *DuelSession) bindCredential(conn *Connection, jwt string) {
	if jwt == "" {
		return
	}
	s.room.mu.Lock()
	for _, slot := range s.room.slots {
		if slot.Conn == conn {
			slot.JWT = jwt
			break
		}
	}
	s.room.mu.Unlock()
}

// markReady 標記就緒；回傳是否雙方皆已就緒
func (s *DuelSession) markReady(conn *Connection) bool {
	s.room.mu.Lock()
	defer s.room.mu.Unlock()

	allReady := len(s.room.slots) > 0
	for _, slot := range s.room.slots {
		if slot.Conn == conn {
			slot.Ready = true
		}
		if !slot.Ready {
			allReady = false
		}
	}
	return allReady
}

// tryBuild 構造引擎並啟動 tick 循環（冪等）
//
// 只在兩個槽位都被佔用後生效；CAS 守衛確保重複的 build
// 觸發（顯式 buildGame 或兩端競速的 ready）只會啟動一次。
func (s *DuelSession) tryBuild() {
	if !s.room.Full() {
		s.logger.Debug("build 被忽略：房間未滿")
		return
	}
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// 中止已搶先發生（參與者在 build 途中離開）：不再啟動
	if s.finished.Load() {
		return
	}

	s.engine = s.reg.newEngine()
	s.done = make(chan struct{})
	s.room.setState(StateActive)

	// 對局開始，雙方狀態進入 InGame（持久化失敗只記錄）
	for _, id := range s.room.UserIDs() {
		if err := s.reg.store.SetStatus(context.Background(), id, StatusInGame); err != nil {
			s.logger.Warn("設置 InGame 狀態失敗", "user_id", id, "error", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.runTicks(ctx)

	// 初始快照：雙方從同一份完整狀態開始
	s.room.Broadcast(snapshotMessage(s.engine.Snapshot()))

	s.logger.Info("對局已啟動", "users", s.room.UserIDs())
}

// applyMovement 套用球拍輸入並廣播完整快照
//
// 輸入按發送者自報的使用者身份路由：與房主 ID 相同 → 一號球拍，
// 否則 → 二號球拍。即使槽位簿記與自報身份短暫不一致，
// 移動的也是正確的球拍。
func (s *DuelSession) applyMovement(msg *Inbound) {
	if s.room.State() != StateActive || s.engine == nil {
		return // 狀態錯誤：靜默丟棄
	}

	paddle := PaddleTwo
	if host := s.room.HostSlot(); host != nil && msg.UserID == host.UserID {
		paddle = PaddleOne
	}

	dir := MoveDown
	if msg.MovementDir == int(MoveUp) {
		dir = MoveUp
	}

	s.engine.ApplyInput(paddle, dir, *msg.PlayerMovement)

	// 套用後廣播當前完整快照（雙拍 + 球），絕不發局部更新
	s.room.Broadcast(snapshotMessage(s.engine.Snapshot()))
}

// runTicks 背景 tick 循環
//
// 獨立於任何單一連接的消息等待：每個間隔推進引擎一步並廣播，
// 終局信號到達時走 finish 收尾。取消經由 context，
// done 通道讓拆除方能同步等待循環真正退出。
func (s *DuelSession) runTicks(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.reg.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := s.engine.Advance()
			s.room.Broadcast(snapshotMessage(result.Snapshot))
			if result.Scored {
				s.room.Broadcast(scoreDataMessage(result.Score))
			}
			if result.Finished {
				s.finish(result)
				return
			}
		}
	}
}

// finish 正常終局收尾（在 tick 任務內執行）
func (s *DuelSession) finish(result TickResult) {
	if !s.finished.CompareAndSwap(false, true) {
		return
	}

	s.room.setState(StateFinished)

	host := s.room.HostSlot()
	ids := s.room.UserIDs()
	gameResult := GameResult{
		Player1Score: result.Score.P1,
		Player2Score: result.Score.P2,
		FinishedAt:   time.Now(),
	}
	if host != nil {
		gameResult.Player1ID = host.UserID
	}
	if len(ids) > 1 {
		gameResult.Player2ID = ids[1]
	}

	ctx := context.Background()

	// 持久化失敗不影響記憶體內的收尾
	if err := s.reg.recorder.RecordResult(ctx, gameResult); err != nil {
		s.logger.Error("記錄對局結果失敗", "error", err)
	}
	for _, id := range ids {
		if err := s.reg.store.SetStatus(ctx, id, StatusOnline); err != nil {
			s.logger.Warn("恢復 Online 狀態失敗", "user_id", id, "error", err)
		}
	}

	s.room.Broadcast(gameEndMessage(gameResult))
	s.reg.removeFinished(s.room)

	s.logger.Info("對局已結束",
		"winner_id", gameResult.WinnerID(),
		"p1_score", result.Score.P1,
		"p2_score", result.Score.P2)
}

// HandleLeave 參與者離開
//
// WaitingForBothReady 或 Active 中的斷線 → Aborted：
// 先同步停掉 tick，Active 中的離開按棄權記錄，
// 餘下參與者恰好收到一次終止通知（離開者的槽位已被移除）。
func (s *DuelSession) HandleLeave(slot *Slot) {
	if !s.finished.CompareAndSwap(false, true) {
		return // 已正常終局或已中止
	}

	// 與併發的 tryBuild 互斥：先進鎖者定勝負——
	// build 先完成則這裡同步停掉它的 tick，中止先到則 build 放棄
	s.mu.Lock()
	defer s.mu.Unlock()

	wasActive := s.room.State() == StateActive
	s.stopTicksLocked()
	s.room.setState(StateAborted)

	ctx := context.Background()

	if wasActive && s.engine != nil {
		// 斷線視為棄權：餘下參與者記勝
		score := s.engine.Score()
		result := GameResult{
			Player1Score: score.P1,
			Player2Score: score.P2,
			Forfeit:      true,
			FinishedAt:   time.Now(),
		}
		host := s.room.HostSlot()
		remaining := s.room.UserIDs()

		if slot.Role == RoleHost {
			result.Player1ID = slot.UserID
			if len(remaining) > 0 {
				result.Player2ID = remaining[0]
				result.Player2Score = WinningScore
			}
		} else {
			result.Player2ID = slot.UserID
			if host != nil {
				result.Player1ID = host.UserID
				result.Player1Score = WinningScore
			}
		}

		if err := s.reg.recorder.RecordResult(ctx, result); err != nil {
			s.logger.Error("記錄棄權結果失敗", "error", err)
		}
	}

	// 離開者與餘下參與者都轉出 InGame / LookingForGame
	if err := s.reg.store.SetStatus(ctx, slot.UserID, StatusOnline); err != nil {
		s.logger.Warn("恢復離開者狀態失敗", "user_id", slot.UserID, "error", err)
	}
	for _, id := range s.room.UserIDs() {
		if err := s.reg.store.SetStatus(ctx, id, StatusOnline); err != nil {
			s.logger.Warn("恢復餘下參與者狀態失敗", "user_id", id, "error", err)
		}
	}

	// 離開者的槽位已被移除，這次廣播只達餘下參與者
	s.room.Broadcast(playerLeftMessage(slot.UserID))

	s.logger.Info("對局已中止",
		"leaver_id", slot.UserID,
		"was_active", wasActive)
}

// stopTicks 同步取消 tick 任務（等待循環真正退出）
func (s *DuelSession) stopTicks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTicksLocked()
}

// stopTicksLocked 取消 tick 任務（需持有 s.mu）
func (s *DuelSession) stopTicksLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}
