package internal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/pongue-server/internal"
)

// joinTournament 進房並送出報名消息
func joinTournament(t *testing.T, reg *internal.Registry, key string, conn *internal.Connection) *internal.Room {
	t.Helper()

	room, _, err := reg.AcquireOrCreate(key, internal.KindTournament, conn, conn.UserID)
	require.NoError(t, err)
	room.Session().HandleMessage(conn, &internal.Inbound{Register: boolPtr(true), UserID: conn.UserID})
	return room
}

// TestTournament_RegistrationFillsInArrivalOrder 報名按到達順序認領名額
//
// 前三位報名後狀態仍不翻轉，第四位完成後四人一次性進入
// InTournament 並廣播對陣表。
func TestTournament_RegistrationFillsInArrivalOrder(t *testing.T) {
	reg, store := newTestRegistry(t, nil)
	key := internal.TournamentRoomKey(1)

	conns := make([]*internal.Connection, 4)
	var room *internal.Room
	for i := range conns {
		conns[i] = internal.NewTestConnection(int64(i + 1))
	}

	for i, conn := range conns[:3] {
		room = joinTournament(t, reg, key, conn)
		assert.Equal(t, internal.StateRegistering, room.State())

		// 提前翻轉是錯的：第 4 位之前狀態保持不變
		u, err := store.Get(t.Context(), conn.UserID)
		require.NoError(t, err)
		assert.NotEqual(t, internal.StatusInTournament, u.Status, "player %d", i+1)
	}

	room = joinTournament(t, reg, key, conns[3])
	assert.Equal(t, internal.StateFull, room.State())

	for _, conn := range conns {
		u, err := store.Get(t.Context(), conn.UserID)
		require.NoError(t, err)
		assert.Equal(t, internal.StatusInTournament, u.Status)
	}

	// 對陣表：報名順序排位，半決賽房間鍵由錦標賽鍵確定性導出
	semis := internal.SemifinalRoomKeys(key)
	for _, conn := range conns {
		msg, ok := lastMessageWithKey(t, conn.Sent(), "bracket")
		require.True(t, ok)
		bracket := msg["bracket"].(map[string]any)
		assert.Equal(t, float64(1), bracket["hostId"])

		pairs := bracket["semifinals"].([]any)
		require.Len(t, pairs, 2)
		first := pairs[0].(map[string]any)
		second := pairs[1].(map[string]any)
		assert.Equal(t, semis[0], first["roomKey"])
		assert.Equal(t, float64(1), first["player1"])
		assert.Equal(t, float64(2), first["player2"])
		assert.Equal(t, semis[1], second["roomKey"])
		assert.Equal(t, float64(3), second["player1"])
		assert.Equal(t, float64(4), second["player2"])
	}
}

// TestTournament_NewPlayerBroadcast 每次報名廣播 newPlayer 給在場所有人
func TestTournament_NewPlayerBroadcast(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	key := internal.TournamentRoomKey(1)

	host := internal.NewTestConnection(1)
	joinTournament(t, reg, key, host)
	joinTournament(t, reg, key, internal.NewTestConnection(2))

	msg, ok := lastMessageWithKey(t, host.Sent(), "newPlayer")
	require.True(t, ok)
	payload := msg["newPlayer"].(map[string]any)
	assert.Equal(t, float64(1), payload["hostId"])
	assert.Equal(t, float64(2), payload["userId"])
}

// TestTournament_DuplicateRegisterIdempotent 重複報名不佔第二個名額
func TestTournament_DuplicateRegisterIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	key := internal.TournamentRoomKey(1)

	host := internal.NewTestConnection(1)
	room := joinTournament(t, reg, key, host)
	room.Session().HandleMessage(host, &internal.Inbound{Register: boolPtr(true), UserID: 1})

	// 只有首次報名產生 newPlayer 廣播
	assert.Equal(t, 1, countMessagesWithKey(t, host.Sent(), "newPlayer"))
	assert.Equal(t, internal.StateRegistering, room.State())
}

// TestTournament_LeaveDuringRegistrationFreesClaim 報名期離開釋放名額
func TestTournament_LeaveDuringRegistrationFreesClaim(t *testing.T) {
	reg, store := newTestRegistry(t, nil)
	key := internal.TournamentRoomKey(1)

	host := internal.NewTestConnection(1)
	second := internal.NewTestConnection(2)
	room := joinTournament(t, reg, key, host)
	joinTournament(t, reg, key, second)

	// 加入者在報名期掛著搜索狀態
	require.NoError(t, store.SetStatus(t.Context(), 2, internal.StatusLookingForTourney))

	reg.Release(key, second)

	// 餘下報名者收到離開通知，離開者狀態復原
	assert.Equal(t, 1, countMessagesWithKey(t, host.Sent(), "playerLeft"))
	u, err := store.Get(t.Context(), 2)
	require.NoError(t, err)
	assert.Equal(t, internal.StatusOnline, u.Status)

	// 名額已釋放：新報名者補位後仍可滿員
	assert.Equal(t, internal.StateRegistering, room.State())
	joinTournament(t, reg, key, internal.NewTestConnection(3))
	joinTournament(t, reg, key, internal.NewTestConnection(4))
	joinTournament(t, reg, key, internal.NewTestConnection(5))
	assert.Equal(t, internal.StateFull, room.State())
}

// TestTournament_RegisterAfterFullDropped 滿員後的報名靜默丟棄
func TestTournament_RegisterAfterFullDropped(t *testing.T) {
	reg, store := newTestRegistry(t, nil)
	key := internal.TournamentRoomKey(1)

	var room *internal.Room
	for id := int64(1); id <= 4; id++ {
		room = joinTournament(t, reg, key, internal.NewTestConnection(id))
	}
	require.Equal(t, internal.StateFull, room.State())

	// 第 5 位連進不了房；即便繞過進房，報名也被丟棄
	extra := internal.NewTestConnection(5)
	_, _, err := reg.AcquireOrCreate(key, internal.KindTournament, extra, 5)
	assert.ErrorIs(t, err, internal.ErrDuplicateRoom)

	room.Session().HandleMessage(extra, &internal.Inbound{Register: boolPtr(true), UserID: 5})
	u, err := store.Get(t.Context(), 5)
	require.NoError(t, err)
	assert.NotEqual(t, internal.StatusInTournament, u.Status)
}
