package internal_test

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/pongue-server/internal"
)

// testLogger 靜音日誌（只留 error）
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestRegistry 創建測試用目錄與存儲
func newTestRegistry(t *testing.T, opts *internal.RegistryOptions) (*internal.Registry, *internal.MemoryStore) {
	t.Helper()

	store := internal.NewMemoryStore()
	for id := int64(1); id <= 8; id++ {
		store.PutUser(&internal.User{ID: id, Username: "user", Status: internal.StatusOnline})
	}

	reg := internal.NewRegistry(store, store, testLogger(), opts)
	t.Cleanup(reg.Stop)
	return reg, store
}

// TestRegistry_AcquireOrCreate 測試槽位分配契約
func TestRegistry_AcquireOrCreate(t *testing.T) {
	tests := []struct {
		name     string
		kind     internal.RoomKind
		joins    []int64 // 按到達順序的使用者
		wantRole []internal.Role
		wantErr  []error // 與 joins 對齊；nil 表示成功
	}{
		{
			name:     "duel assigns host then guest",
			kind:     internal.KindDuel,
			joins:    []int64{1, 2},
			wantRole: []internal.Role{internal.RoleHost, internal.RoleGuest},
			wantErr:  []error{nil, nil},
		},
		{
			name:     "third duel connection rejected",
			kind:     internal.KindDuel,
			joins:    []int64{1, 2, 3},
			wantRole: []internal.Role{internal.RoleHost, internal.RoleGuest, ""},
			wantErr:  []error{nil, nil, internal.ErrDuplicateRoom},
		},
		{
			name:  "tournament assigns player1 through player4",
			kind:  internal.KindTournament,
			joins: []int64{1, 2, 3, 4, 5},
			wantRole: []internal.Role{
				internal.RolePlayer1, internal.RolePlayer2,
				internal.RolePlayer3, internal.RolePlayer4, "",
			},
			wantErr: []error{nil, nil, nil, nil, internal.ErrDuplicateRoom},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := newTestRegistry(t, nil)

			for i, userID := range tt.joins {
				conn := internal.NewTestConnection(userID)
				conn.RoomKey = "room_under_test"
				_, role, err := reg.AcquireOrCreate("room_under_test", tt.kind, conn, userID)

				if tt.wantErr[i] != nil {
					assert.ErrorIs(t, err, tt.wantErr[i], "join #%d", i+1)
					continue
				}
				require.NoError(t, err, "join #%d", i+1)
				assert.Equal(t, tt.wantRole[i], role, "join #%d", i+1)
			}
		})
	}
}

// TestRegistry_SingleMembership 一個使用者同時至多佔用一個槽位
func TestRegistry_SingleMembership(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	conn1 := internal.NewTestConnection(1)
	_, _, err := reg.AcquireOrCreate("game_1", internal.KindDuel, conn1, 1)
	require.NoError(t, err)

	// 同一使用者嘗試佔用第二個房間
	conn2 := internal.NewTestConnection(1)
	_, _, err = reg.AcquireOrCreate("game_99", internal.KindDuel, conn2, 1)
	assert.ErrorIs(t, err, internal.ErrAlreadyInRoom)

	// 釋放後可以重新加入
	reg.Release("game_1", conn1)
	conn3 := internal.NewTestConnection(1)
	_, _, err = reg.AcquireOrCreate("game_99", internal.KindDuel, conn3, 1)
	assert.NoError(t, err)
}

// TestRegistry_ConcurrentSecondSlot 競速爭奪第二個槽位時恰好一個勝出
func TestRegistry_ConcurrentSecondSlot(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	host := internal.NewTestConnection(1)
	_, _, err := reg.AcquireOrCreate("game_1", internal.KindDuel, host, 1)
	require.NoError(t, err)

	const racers = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []internal.Role
		losers  int
	)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			conn := internal.NewTestConnection(userID)
			_, role, err := reg.AcquireOrCreate("game_1", internal.KindDuel, conn, userID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				losers++
				return
			}
			winners = append(winners, role)
		}(int64(i + 2))
	}
	wg.Wait()

	// 容量 2：恰好一個競速者拿到 guest，其餘全部被拒絕
	require.Len(t, winners, 1)
	assert.Equal(t, internal.RoleGuest, winners[0])
	assert.Equal(t, racers-1, losers)

	room, err := reg.Lookup("game_1")
	require.NoError(t, err)
	assert.Equal(t, 2, room.SlotCount())
}

// TestRegistry_ReleaseDestroysDuelRoom 對局房的離開使房間被拆除
func TestRegistry_ReleaseDestroysDuelRoom(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	conn := internal.NewTestConnection(1)
	_, _, err := reg.AcquireOrCreate("game_1", internal.KindDuel, conn, 1)
	require.NoError(t, err)

	reg.Release("game_1", conn)

	_, err = reg.Lookup("game_1")
	assert.ErrorIs(t, err, internal.ErrRoomNotFound)

	// 重複釋放是冪等的
	reg.Release("game_1", conn)
}

// TestRegistry_TournamentRoomSurvivesPartialLeave 報名房等到人走光才拆
func TestRegistry_TournamentRoomSurvivesPartialLeave(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	conn1 := internal.NewTestConnection(1)
	conn2 := internal.NewTestConnection(2)
	_, _, err := reg.AcquireOrCreate("tournament_1", internal.KindTournament, conn1, 1)
	require.NoError(t, err)
	_, _, err = reg.AcquireOrCreate("tournament_1", internal.KindTournament, conn2, 2)
	require.NoError(t, err)

	reg.Release("tournament_1", conn1)
	_, err = reg.Lookup("tournament_1")
	assert.NoError(t, err, "房間在還有參與者時不應被拆除")

	reg.Release("tournament_1", conn2)
	_, err = reg.Lookup("tournament_1")
	assert.ErrorIs(t, err, internal.ErrRoomNotFound)
}

// TestRegistry_KindMismatchRejected 鍵被另一種房間佔用時以專用錯誤拒絕
func TestRegistry_KindMismatchRejected(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	conn1 := internal.NewTestConnection(1)
	_, _, err := reg.AcquireOrCreate("shared_key", internal.KindDuel, conn1, 1)
	require.NoError(t, err)

	conn2 := internal.NewTestConnection(2)
	_, _, err = reg.AcquireOrCreate("shared_key", internal.KindTournament, conn2, 2)
	assert.ErrorIs(t, err, internal.ErrRoomKindMismatch)

	// 原房間不受影響
	room, err := reg.Lookup("shared_key")
	require.NoError(t, err)
	assert.Equal(t, internal.KindDuel, room.Kind)
	assert.Equal(t, 1, room.SlotCount())
}

// TestRegistry_ReapIdleRooms 閒置房間回收
func TestRegistry_ReapIdleRooms(t *testing.T) {
	reg, _ := newTestRegistry(t, &internal.RegistryOptions{
		IdleTimeout: 10 * time.Millisecond,
	})

	conn := internal.NewTestConnection(1)
	_, _, err := reg.AcquireOrCreate("game_1", internal.KindDuel, conn, 1)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	reg.Reap()

	_, err = reg.Lookup("game_1")
	assert.ErrorIs(t, err, internal.ErrRoomNotFound)

	// 等待者收到回收通知
	var sawClosed bool
	for _, data := range conn.Sent() {
		if containsKey(t, data, "roomClosed") {
			sawClosed = true
		}
	}
	assert.True(t, sawClosed)
}

// TestRegistry_Stats 目錄統計
func TestRegistry_Stats(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	conn1 := internal.NewTestConnection(1)
	conn2 := internal.NewTestConnection(2)
	_, _, err := reg.AcquireOrCreate("game_1", internal.KindDuel, conn1, 1)
	require.NoError(t, err)
	_, _, err = reg.AcquireOrCreate("tournament_2", internal.KindTournament, conn2, 2)
	require.NoError(t, err)

	stats := reg.Stats()
	assert.Equal(t, 2, stats["total_rooms"])
	assert.Equal(t, 2, stats["occupied_slots"])
}
