package internal

import (
	"log/slog"
	"os"

	"github.com/google/uuid"
)

// 測試輔助：不經過真實 WebSocket 的連接樁。
// 出站消息入隊到緩衝通道，測試從 Sent 取出驗證。

// NewTestConnection 創建測試用連接
func NewTestConnection(userID int64) *Connection {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return &Connection{
		ID:     uuid.New(),
		UserID: userID,
		sendCh: make(chan []byte, sendBufferSize),
		hub:    &Hub{logger: logger},
	}
}

// Sent 取出目前已入隊的全部出站消息（非阻塞）
func (c *Connection) Sent() [][]byte {
	var out [][]byte
	for {
		select {
		case data, ok := <-c.sendCh:
			if !ok {
				return out
			}
			out = append(out, data)
		default:
			return out
		}
	}
}

// SetBallState 設置球的位置與速度（物理測試用）
func (e *PongEngine) SetBallState(x, y, vx, vy float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ballX, e.ballY = x, y
	e.ballVX, e.ballVY = vx, vy
}

// SetScore 設置比分（終局測試用）
func (e *PongEngine) SetScore(p1, p2 int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.score = Score{P1: p1, P2: p2}
}
