package internal

import (
	"context"
	"sync"
	"time"
)

// 外部協作者契約：
//   使用者檔案、勝負統計與比賽紀錄由外部記錄存儲持有，
//   本核心只透過以下介面讀寫，不擁有其結構描述（schema）。
//
// 設計重點：
//   - CompareAndSwapStatus 是配對互斥的基礎：
//     兩個搜索者同時認領同一候選人時，只有一個 CAS 成功
//   - 持久化失敗不得破壞記憶體內的會話狀態（呼叫方記錄日誌後繼續清理）

// Status 使用者狀態
//
// 狀態不變量：
//   進入 LookingForGame / LookingForTournament 的轉換，最終必須配對地
//   轉出（InGame / InTournament 或回到 Online）——斷線清理負責兜底，
//   不允許因處理器崩潰而永久懸掛。
type Status string

const (
	StatusOnline             Status = "ON"
	StatusOffline            Status = "OFF"
	StatusLookingForGame     Status = "L_GAME"
	StatusLookingForTourney  Status = "L_TOURNAMENT"
	StatusHostingTournament  Status = "H_TOURNAMENT"
	StatusInGame             Status = "IN_GAME"
	StatusInTournament       Status = "IN_TOURNAMENT"
)

// User 使用者檔案（外部存儲的投影）
type User struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Status      Status `json:"status"`
	GamesWon    int    `json:"games_won"`
	GamesLost   int    `json:"games_lost"`
	GamesPlayed int    `json:"games_played"`
	Tournaments int    `json:"tournaments"`
	Points      int64  `json:"points"`
}

// GameResult 一場對局的最終結果
type GameResult struct {
	Player1ID    int64     `json:"player_1"`
	Player2ID    int64     `json:"player_2"`
	Player1Score int       `json:"player_1_score"`
	Player2Score int       `json:"player_2_score"`
	Forfeit      bool      `json:"forfeit"`
	FinishedAt   time.Time `json:"finished_at"`
}

// WinnerID 勝者的使用者 ID
func (r GameResult) WinnerID() int64 {
	if r.Player1Score >= r.Player2Score {
		return r.Player1ID
	}
	return r.Player2ID
}

// LoserID 敗者的使用者 ID
func (r GameResult) LoserID() int64 {
	if r.Player1Score >= r.Player2Score {
		return r.Player2ID
	}
	return r.Player1ID
}

// UserStore 使用者狀態的讀寫介面
type UserStore interface {
	// Get 讀取使用者檔案
	Get(ctx context.Context, id int64) (*User, error)

	// SetStatus 無條件設置使用者狀態
	SetStatus(ctx context.Context, id int64, status Status) error

	// CompareAndSwapStatus 僅在當前狀態等於 from 時轉換到 to。
	// 回傳是否成功轉換；使用者不存在時回傳錯誤。
	CompareAndSwapStatus(ctx context.Context, id int64, from, to Status) (bool, error)
}

// ResultRecorder 比賽結果的記錄介面
type ResultRecorder interface {
	// RecordResult 記錄一場對局結果並更新雙方勝負統計
	RecordResult(ctx context.Context, result GameResult) error

	// RecordTournamentWin 記錄一次錦標賽奪冠
	RecordTournamentWin(ctx context.Context, userID int64) error
}

// Authenticator 憑證驗證（不透明：請求憑證 → 使用者身份）
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (int64, error)
}

// MemoryStore 記憶體內的使用者存儲
//
// 同時實現 UserStore 與 ResultRecorder，用於測試與單機模式。
// 生產部署應改用 HTTPStore 指向外部記錄服務。
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[int64]*User
	results []GameResult
	tokens  map[string]int64 // token -> userID
}

// NewMemoryStore 創建記憶體存儲
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[int64]*User),
		tokens: make(map[string]int64),
	}
}

// PutUser 寫入（或覆蓋）一個使用者，供初始化與測試使用
func (s *MemoryStore) PutUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *u
	s.users[u.ID] = &copied
}

// PutToken 登記一個憑證對應的使用者
func (s *MemoryStore) PutToken(token string, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = userID
}

// Get 讀取使用者檔案
func (s *MemoryStore) Get(_ context.Context, id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, exists := s.users[id]
	if !exists {
		return nil, ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

// SetStatus 無條件設置使用者狀態
func (s *MemoryStore) SetStatus(_ context.Context, id int64, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[id]
	if !exists {
		return ErrUserNotFound
	}
	u.Status = status
	return nil
}

// CompareAndSwapStatus 原子的條件狀態轉換
func (s *MemoryStore) CompareAndSwapStatus(_ context.Context, id int64, from, to Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[id]
	if !exists {
		return false, ErrUserNotFound
	}
	if u.Status != from {
		return false, nil
	}
	u.Status = to
	return true, nil
}

// RecordResult 記錄對局結果並更新統計
func (s *MemoryStore) RecordResult(_ context.Context, result GameResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results = append(s.results, result)

	winner, loser := result.WinnerID(), result.LoserID()
	if u, exists := s.users[winner]; exists {
		u.GamesWon++
		u.GamesPlayed++
		u.Points += 10
	}
	if u, exists := s.users[loser]; exists {
		u.GamesLost++
		u.GamesPlayed++
	}
	return nil
}

// RecordTournamentWin 記錄錦標賽奪冠
func (s *MemoryStore) RecordTournamentWin(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[userID]
	if !exists {
		return ErrUserNotFound
	}
	u.Tournaments++
	u.Points += 50
	return nil
}

// Results 已記錄的對局結果（供測試驗證）
func (s *MemoryStore) Results() []GameResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]GameResult, len(s.results))
	copy(out, s.results)
	return out
}

// Authenticate 以登記的憑證表驗證身份
func (s *MemoryStore) Authenticate(_ context.Context, token string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.tokens[token]
	if !exists {
		return 0, ErrInvalidToken
	}
	return id, nil
}
