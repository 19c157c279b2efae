package internal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// 系統設計問題：
//   兩個使用者各自獨立地搜索對手，如何保證配對互斥——
//   不會有第三個併發搜索者也認領同一個候選人，
//   也不會兩個同時搜索者既互相配對又各配了第三方？
//
// 設計方案：
//   ✅ 等待隊列（FIFO）取代對整個使用者集合的無界掃描循環：
//     候選彈出近常數時間，沒有忙等
//   ✅ 以使用者當前狀態為鍵的 compare-and-set 認領：
//     候選與請求者的狀態推進為一個先候選、後請求者的
//     CAS 序列，失敗即回滾，恰好一個配對成功

// Coordinator 配對協調器
type Coordinator struct {
	store  UserStore
	logger *slog.Logger

	mu             sync.Mutex
	waitingGame    []int64 // 正在搜索對局的使用者，按到達順序
	waitingTourney []int64 // 正在主辦錦標賽的使用者，按到達順序
}

// NewCoordinator 創建配對協調器
func NewCoordinator(store UserStore, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		logger: logger,
	}
}

// FindOpponent 尋找對手
//
// 回傳第一個可認領的等待者；無人等待時把請求者排入隊列並回傳
// none。配對成功時，雙方狀態已原子地推進為 InGame——
// 候選先被 CAS 認領（輸掉認領的併發搜索者會轉向下一個候選
// 或被告知無人可配），請求者再被 CAS 認領，失敗即回滾候選。
func (c *Coordinator) FindOpponent(ctx context.Context, userID int64) (int64, bool, error) {
	// 請求者進入搜索狀態
	swapped, err := c.store.CompareAndSwapStatus(ctx, userID, StatusOnline, StatusLookingForGame)
	if err != nil {
		return 0, false, fmt.Errorf("enter matchmaking: %w", err)
	}
	if !swapped {
		u, err := c.store.Get(ctx, userID)
		if err != nil {
			return 0, false, fmt.Errorf("enter matchmaking: %w", err)
		}
		if u.Status != StatusLookingForGame {
			return 0, false, fmt.Errorf("user %d cannot search while %s", userID, u.Status)
		}
		// 已在搜索中：重入是冪等的
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.waitingGame) > 0 {
		candidate := c.waitingGame[0]
		if candidate == userID {
			c.waitingGame = c.waitingGame[1:]
			continue
		}

		// 認領候選：CAS 失敗表示候選已被別人配走或已取消
		claimed, err := c.store.CompareAndSwapStatus(ctx, candidate, StatusLookingForGame, StatusInGame)
		if err != nil || !claimed {
			c.waitingGame = c.waitingGame[1:]
			if err != nil {
				c.logger.Warn("認領候選失敗", "candidate_id", candidate, "error", err)
			}
			continue
		}

		// 認領請求者：失敗（併發取消）即回滾候選
		claimed, err = c.store.CompareAndSwapStatus(ctx, userID, StatusLookingForGame, StatusInGame)
		if err != nil || !claimed {
			if _, rbErr := c.store.CompareAndSwapStatus(ctx, candidate, StatusInGame, StatusLookingForGame); rbErr != nil {
				c.logger.Error("回滾候選狀態失敗", "candidate_id", candidate, "error", rbErr)
			}
			if err != nil {
				return 0, false, fmt.Errorf("claim requester: %w", err)
			}
			return 0, false, nil
		}

		c.waitingGame = c.waitingGame[1:]
		c.logger.Info("配對成功", "user_id", userID, "opponent_id", candidate)
		return candidate, true, nil
	}

	// 無人等待：排隊
	c.enqueueGameLocked(userID)
	return 0, false, nil
}

// enqueueGameLocked 排入等待隊列（需持有鎖；重複排隊冪等）
func (c *Coordinator) enqueueGameLocked(userID int64) {
	for _, id := range c.waitingGame {
		if id == userID {
			return
		}
	}
	c.waitingGame = append(c.waitingGame, userID)
}

// Cancel 取消搜索
//
// 狀態轉回 Online。對從未實際配對（甚至從未搜索）的使用者
// 呼叫也是安全的：CAS 不命中即不產生任何變更。
func (c *Coordinator) Cancel(ctx context.Context, userID int64) error {
	c.mu.Lock()
	for i, id := range c.waitingGame {
		if id == userID {
			c.waitingGame = append(c.waitingGame[:i], c.waitingGame[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if _, err := c.store.CompareAndSwapStatus(ctx, userID, StatusLookingForGame, StatusOnline); err != nil {
		return fmt.Errorf("cancel search: %w", err)
	}
	return nil
}

// FindOrHostTournament 尋找可加入的錦標賽，否則成為主辦者
//
// 主辦者隊列掃描時按當前狀態驗證：狀態已不是 HostingTournament
// 的條目（滿員或取消）被清出隊列。找到主辦者時回傳其 ID，
// 請求者據此開啟對應的報名房；否則請求者成為主辦者。
func (c *Coordinator) FindOrHostTournament(ctx context.Context, userID int64) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.waitingTourney) > 0 {
		host := c.waitingTourney[0]
		if host == userID {
			c.waitingTourney = c.waitingTourney[1:]
			continue
		}

		u, err := c.store.Get(ctx, host)
		if err != nil || u.Status != StatusHostingTournament {
			c.waitingTourney = c.waitingTourney[1:]
			continue
		}

		// 請求者進入搜索狀態：對局中（或任何非 Online 狀態）的
		// 使用者不得加入，CAS 不命中即拒絕，狀態轉換絕不懸空
		claimed, err := c.store.CompareAndSwapStatus(ctx, userID, StatusOnline, StatusLookingForTourney)
		if err != nil {
			return 0, false, fmt.Errorf("enter tournament search: %w", err)
		}
		if !claimed {
			u, err := c.store.Get(ctx, userID)
			if err != nil {
				return 0, false, fmt.Errorf("enter tournament search: %w", err)
			}
			if u.Status != StatusLookingForTourney {
				return 0, false, fmt.Errorf("user %d cannot join a tournament while %s", userID, u.Status)
			}
			// 已在搜索中：重入是冪等的
		}
		c.logger.Info("加入錦標賽", "user_id", userID, "host_id", host)
		return host, false, nil
	}

	// 沒有可加入的錦標賽：成為主辦者（同樣只允許從 Online 進入）
	claimed, err := c.store.CompareAndSwapStatus(ctx, userID, StatusOnline, StatusHostingTournament)
	if err != nil {
		return 0, false, fmt.Errorf("host tournament: %w", err)
	}
	if !claimed {
		u, err := c.store.Get(ctx, userID)
		if err != nil {
			return 0, false, fmt.Errorf("host tournament: %w", err)
		}
		if u.Status != StatusHostingTournament {
			return 0, false, fmt.Errorf("user %d cannot host a tournament while %s", userID, u.Status)
		}
		// 已在主辦中：重入是冪等的
	}
	c.enqueueTourneyLocked(userID)
	c.logger.Info("主辦錦標賽", "user_id", userID)
	return userID, true, nil
}

// enqueueTourneyLocked 排入主辦者隊列（需持有鎖；重複排隊冪等）
func (c *Coordinator) enqueueTourneyLocked(userID int64) {
	for _, id := range c.waitingTourney {
		if id == userID {
			return
		}
	}
	c.waitingTourney = append(c.waitingTourney, userID)
}

// CancelTournament 取消錦標賽搜索 / 主辦
func (c *Coordinator) CancelTournament(ctx context.Context, userID int64) error {
	c.mu.Lock()
	for i, id := range c.waitingTourney {
		if id == userID {
			c.waitingTourney = append(c.waitingTourney[:i], c.waitingTourney[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	for _, from := range []Status{StatusLookingForTourney, StatusHostingTournament} {
		swapped, err := c.store.CompareAndSwapStatus(ctx, userID, from, StatusOnline)
		if err != nil {
			return fmt.Errorf("cancel tournament search: %w", err)
		}
		if swapped {
			return nil
		}
	}
	return nil
}
