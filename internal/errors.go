package internal

import "errors"

// 錯誤分類設計：
//   - 協議錯誤（無法解析的消息）：忽略，連接保持開啟
//   - 容量錯誤（房間已滿 / 重複開局）：以特定關閉碼拒絕連接，不產生部分狀態
//   - 狀態錯誤（當前狀態不允許的操作）：靜默丟棄
//   - 持久化錯誤（外部服務呼叫失敗）：記錄日誌，不影響記憶體內的會話清理
var (
	// ErrRoomNotFound 房間不存在
	ErrRoomNotFound = errors.New("room not found")

	// ErrDuplicateRoom 房間已滿且對局進行中，重複連接需以 4001 關閉碼拒絕
	ErrDuplicateRoom = errors.New("room already has an active game")

	// ErrRoomFull 房間容量已滿
	ErrRoomFull = errors.New("room is full")

	// ErrAlreadyInRoom 使用者已在其他房間中（單一成員資格不變量）
	ErrAlreadyInRoom = errors.New("user already occupies a slot in another room")

	// ErrRoomKindMismatch 房間鍵已被另一種房間佔用
	ErrRoomKindMismatch = errors.New("room key already in use by a different room kind")

	// ErrUserNotFound 使用者不存在於外部記錄存儲
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidToken 憑證驗證失敗
	ErrInvalidToken = errors.New("invalid token")
)

// CloseCodeDuplicateRoom WebSocket 關閉碼：房間已有進行中的對局
const CloseCodeDuplicateRoom = 4001
