package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HTTPStore 透過 HTTP 呼叫外部記錄服務的存儲實現
//
// 外部服務持有使用者檔案、勝負統計與比賽歷史；本核心只呼叫
// 其不透明的操作端點，不擁有其資料結構。
//
// 錯誤處理：
//   外部呼叫失敗回傳錯誤給呼叫方（記錄日誌），
//   不會使記憶體內的會話狀態崩潰或損壞。
type HTTPStore struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPStore 創建指向外部記錄服務的存儲客戶端
func NewHTTPStore(baseURL string, logger *slog.Logger) *HTTPStore {
	return &HTTPStore{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Get 讀取使用者檔案
func (s *HTTPStore) Get(ctx context.Context, id int64) (*User, error) {
	var u User
	if err := s.do(ctx, http.MethodGet, fmt.Sprintf("/users/%d", id), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// SetStatus 無條件設置使用者狀態
func (s *HTTPStore) SetStatus(ctx context.Context, id int64, status Status) error {
	body := map[string]any{"status": status}
	return s.do(ctx, http.MethodPut, fmt.Sprintf("/users/%d/status", id), body, nil)
}

// CompareAndSwapStatus 條件狀態轉換，由外部服務保證原子性
func (s *HTTPStore) CompareAndSwapStatus(ctx context.Context, id int64, from, to Status) (bool, error) {
	body := map[string]any{"from": from, "to": to}
	var resp struct {
		Swapped bool `json:"swapped"`
	}
	if err := s.do(ctx, http.MethodPut, fmt.Sprintf("/users/%d/status/cas", id), body, &resp); err != nil {
		return false, err
	}
	return resp.Swapped, nil
}

// RecordResult 記錄對局結果
func (s *HTTPStore) RecordResult(ctx context.Context, result GameResult) error {
	return s.do(ctx, http.MethodPost, "/results", result, nil)
}

// RecordTournamentWin 記錄錦標賽奪冠
func (s *HTTPStore) RecordTournamentWin(ctx context.Context, userID int64) error {
	body := map[string]any{"user_id": userID}
	return s.do(ctx, http.MethodPost, "/tournaments/win", body, nil)
}

// Authenticate 將憑證交給外部服務驗證，換取使用者身份
func (s *HTTPStore) Authenticate(ctx context.Context, token string) (int64, error) {
	body := map[string]any{"token": token}
	var resp struct {
		UserID int64 `json:"user_id"`
	}
	if err := s.do(ctx, http.MethodPost, "/auth/verify", body, &resp); err != nil {
		return 0, ErrInvalidToken
	}
	return resp.UserID, nil
}

// do 發送請求並解析回應
func (s *HTTPStore) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("call record store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrUserNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("record store returned %d for %s %s", resp.StatusCode, method, path)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
