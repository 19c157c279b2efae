package internal

import "encoding/json"

// 線上協議：
//   入站消息以標記欄位的「存在與否」區分種類（沿用既有客戶端協議），
//   出站消息同樣帶一個布林標記欄位讓客戶端分流。
//   無法識別的消息屬於協議錯誤：忽略、連接保持開啟、僅記錄日誌。

// MessageKind 入站消息種類
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindBuildGame
	KindPlayerMovement
	KindGameReady
	KindFirstConnection
	KindRegister
)

// Inbound 入站消息
//
// 標記欄位使用指標以區分「缺席」與「零值」。
type Inbound struct {
	BuildGame       *bool    `json:"buildGame,omitempty"`
	PlayerMovement  *float64 `json:"playerMovement,omitempty"`
	MovementDir     int      `json:"movementDir,omitempty"`
	GameReady       *bool    `json:"gameReady,omitempty"`
	FirstConnection *bool    `json:"firstConnection,omitempty"`
	Register        *bool    `json:"register,omitempty"`

	UserID  int64  `json:"userId,omitempty"`
	UserJWT string `json:"userJwt,omitempty"`
}

// Kind 判定消息種類
func (m *Inbound) Kind() MessageKind {
	switch {
	case m.BuildGame != nil:
		return KindBuildGame
	case m.PlayerMovement != nil:
		return KindPlayerMovement
	case m.GameReady != nil:
		return KindGameReady
	case m.FirstConnection != nil:
		return KindFirstConnection
	case m.Register != nil:
		return KindRegister
	default:
		return KindUnknown
	}
}

// ParseInbound 解析入站消息；解析失敗回傳 nil（協議錯誤，呼叫方忽略）
func ParseInbound(data []byte) *Inbound {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil
	}
	return &msg
}

// snapshotMessage 完整位置快照廣播
func snapshotMessage(snap Snapshot) map[string]any {
	return map[string]any{
		"gameData": true,
		"ballPosX": snap.BallPosX,
		"ballPosY": snap.BallPosY,
		"p1PosX":   snap.P1PosX,
		"p1PosY":   snap.P1PosY,
		"p2PosX":   snap.P2PosX,
		"p2PosY":   snap.P2PosY,
	}
}

// scoreDataMessage 得分廣播
func scoreDataMessage(score Score) map[string]any {
	return map[string]any{
		"scoreData": true,
		"p1Score":   score.P1,
		"p2Score":   score.P2,
	}
}

// gameEndMessage 終局廣播
func gameEndMessage(result GameResult) map[string]any {
	return map[string]any{
		"gameEnd": map[string]any{
			"winnerId": result.WinnerID(),
			"p1Score":  result.Player1Score,
			"p2Score":  result.Player2Score,
			"forfeit":  result.Forfeit,
		},
	}
}

// gameReadyMessage 就緒信號轉發
func gameReadyMessage() map[string]any {
	return map[string]any{
		"gameReady": true,
		"gameData":  true,
	}
}

// playerLeftMessage 參與者離開 / 對局中止通知
func playerLeftMessage(userID int64) map[string]any {
	return map[string]any{
		"playerLeft": true,
		"userId":     userID,
	}
}

// newPlayerMessage 錦標賽報名廣播
func newPlayerMessage(hostID, userID int64) map[string]any {
	return map[string]any{
		"newPlayer": map[string]any{
			"hostId": hostID,
			"userId": userID,
		},
	}
}

// bracketMessage 滿員後的對陣表廣播
//
// participants 按報名順序排列；兩場半決賽的房間鍵由錦標賽鍵
// 確定性導出，由客戶端據此開啟對應的對局房間。
func bracketMessage(hostID int64, participants []int64, semifinalKeys [2]string) map[string]any {
	return map[string]any{
		"bracket": map[string]any{
			"hostId":       hostID,
			"participants": participants,
			"semifinals": []map[string]any{
				{"roomKey": semifinalKeys[0], "player1": participants[0], "player2": participants[1]},
				{"roomKey": semifinalKeys[1], "player1": participants[2], "player2": participants[3]},
			},
		},
	}
}
