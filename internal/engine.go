package internal

import (
	"math/rand"
	"sync"
)

// 遊戲引擎契約：
//   對局會話把引擎當作黑盒：接受輸入事件（applyInput）、
//   每個 tick 前進一步並產出完整位置快照（advance / snapshot）、
//   在比分達到終局閾值時發出終局信號。
//
// 併發注意：
//   輸入來自各連接的消息任務，tick 來自會話的背景任務，
//   引擎實現必須自行保證內部狀態的互斥。

// PaddleSlot 球拍槽位
type PaddleSlot int

const (
	PaddleOne PaddleSlot = 1 // 房主（host）的球拍
	PaddleTwo PaddleSlot = 2 // 訪客（guest）的球拍
)

// MoveDirection 移動方向
type MoveDirection int

const (
	MoveUp   MoveDirection = 1
	MoveDown MoveDirection = 2
)

// Snapshot 單一 tick 的完整位置快照
//
// 廣播不變量：快照永遠同時包含兩支球拍與球的位置，
// 絕不發送只反映單支球拍更新的局部狀態。
type Snapshot struct {
	BallPosX float64 `json:"ballPosX"`
	BallPosY float64 `json:"ballPosY"`
	P1PosX   float64 `json:"p1PosX"`
	P1PosY   float64 `json:"p1PosY"`
	P2PosX   float64 `json:"p2PosX"`
	P2PosY   float64 `json:"p2PosY"`
}

// Score 當前比分
type Score struct {
	P1 int `json:"p1Score"`
	P2 int `json:"p2Score"`
}

// TickResult 一個 tick 的結果
type TickResult struct {
	Snapshot Snapshot
	Score    Score
	Scored   bool       // 本 tick 有得分
	Finished bool       // 比分達到終局閾值
	Winner   PaddleSlot // Finished 時有效
}

// Engine 遊戲引擎介面（外部協作者）
type Engine interface {
	// ApplyInput 套用一次球拍輸入
	ApplyInput(slot PaddleSlot, dir MoveDirection, amount float64)

	// Advance 前進一個 tick，回傳完整快照與得分事件
	Advance() TickResult

	// Snapshot 當前完整快照（不前進模擬）
	Snapshot() Snapshot

	// Score 當前比分
	Score() Score
}

// 場地與物理常數
const (
	fieldWidth   = 800.0
	fieldHeight  = 600.0
	paddleHeight = 100.0
	paddleWidth  = 10.0
	paddleOneX   = 20.0
	paddleTwoX   = fieldWidth - 20.0 - paddleWidth
	ballSize     = 8.0
	ballSpeed    = 6.0

	// WinningScore 終局比分閾值
	WinningScore = 5
)

// PongEngine 預設的乒乓引擎實現
//
// 簡化的二維物理：球沿速度向量直線前進，碰到上下邊界反彈，
// 碰到球拍水平反彈並依擊中位置微調垂直速度，越過左右邊界得分。
type PongEngine struct {
	mu sync.Mutex

	ballX, ballY   float64
	ballVX, ballVY float64
	p1Y, p2Y       float64
	score          Score
	finished       bool
	winner         PaddleSlot
}

// NewPongEngine 創建預設引擎，球從中心向隨機方向發出
func NewPongEngine() *PongEngine {
	e := &PongEngine{
		p1Y: (fieldHeight - paddleHeight) / 2,
		p2Y: (fieldHeight - paddleHeight) / 2,
	}
	e.resetBall()
	return e
}

// resetBall 把球放回中心並隨機選擇發球方向（需持有鎖或在構造期呼叫）
func (e *PongEngine) resetBall() {
	e.ballX = fieldWidth / 2
	e.ballY = fieldHeight / 2
	e.ballVX = ballSpeed
	if rand.Intn(2) == 0 {
		e.ballVX = -ballSpeed
	}
	e.ballVY = (rand.Float64()*2 - 1) * ballSpeed / 2
}

// ApplyInput 套用球拍輸入
//
// 輸入按發送者的使用者身份路由到球拍槽位（由會話決定），
// 這裡只負責在場地邊界內移動對應球拍。
func (e *PongEngine) ApplyInput(slot PaddleSlot, dir MoveDirection, amount float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finished || amount < 0 {
		return
	}

	delta := amount
	if dir == MoveUp {
		delta = -amount
	}

	switch slot {
	case PaddleOne:
		e.p1Y = clamp(e.p1Y+delta, 0, fieldHeight-paddleHeight)
	case PaddleTwo:
		e.p2Y = clamp(e.p2Y+delta, 0, fieldHeight-paddleHeight)
	}
}

// Advance 前進一個 tick
func (e *PongEngine) Advance() TickResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finished {
		return TickResult{
			Snapshot: e.snapshotLocked(),
			Score:    e.score,
			Finished: true,
			Winner:   e.winner,
		}
	}

	e.ballX += e.ballVX
	e.ballY += e.ballVY

	// 上下邊界反彈
	if e.ballY <= 0 {
		e.ballY = 0
		e.ballVY = -e.ballVY
	} else if e.ballY >= fieldHeight-ballSize {
		e.ballY = fieldHeight - ballSize
		e.ballVY = -e.ballVY
	}

	// 球拍碰撞
	if e.ballVX < 0 && e.ballX <= paddleOneX+paddleWidth && e.ballX >= paddleOneX {
		if e.ballY+ballSize >= e.p1Y && e.ballY <= e.p1Y+paddleHeight {
			e.ballX = paddleOneX + paddleWidth
			e.bounceOffPaddle(e.p1Y)
		}
	} else if e.ballVX > 0 && e.ballX+ballSize >= paddleTwoX && e.ballX <= paddleTwoX+paddleWidth {
		if e.ballY+ballSize >= e.p2Y && e.ballY <= e.p2Y+paddleHeight {
			e.ballX = paddleTwoX - ballSize
			e.bounceOffPaddle(e.p2Y)
		}
	}

	// 得分判定
	scored := false
	if e.ballX < 0 {
		e.score.P2++
		scored = true
		e.resetBall()
	} else if e.ballX > fieldWidth {
		e.score.P1++
		scored = true
		e.resetBall()
	}

	if e.score.P1 >= WinningScore {
		e.finished = true
		e.winner = PaddleOne
	} else if e.score.P2 >= WinningScore {
		e.finished = true
		e.winner = PaddleTwo
	}

	return TickResult{
		Snapshot: e.snapshotLocked(),
		Score:    e.score,
		Scored:   scored,
		Finished: e.finished,
		Winner:   e.winner,
	}
}

// bounceOffPaddle 水平反彈並依擊中位置調整垂直速度（需持有鎖）
func (e *PongEngine) bounceOffPaddle(paddleY float64) {
	e.ballVX = -e.ballVX
	hit := (e.ballY + ballSize/2 - paddleY - paddleHeight/2) / (paddleHeight / 2)
	e.ballVY = hit * ballSpeed
}

// Snapshot 當前完整快照
func (e *PongEngine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// snapshotLocked 組裝快照（需持有鎖）
func (e *PongEngine) snapshotLocked() Snapshot {
	return Snapshot{
		BallPosX: e.ballX,
		BallPosY: e.ballY,
		P1PosX:   paddleOneX,
		P1PosY:   e.p1Y,
		P2PosX:   paddleTwoX,
		P2PosY:   e.p2Y,
	}
}

// Score 當前比分
func (e *PongEngine) Score() Score {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.score
}

// clamp 把值限制在 [lo, hi]
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
