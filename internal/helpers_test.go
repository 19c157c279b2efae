package internal_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// containsKey 檢查 JSON 訊息是否含有指定鍵
func containsKey(t *testing.T, data []byte, key string) bool {
	t.Helper()

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	_, ok := m[key]
	return ok
}

// decodeMessage 解析 JSON 訊息為通用映射
func decodeMessage(t *testing.T, data []byte) map[string]any {
	t.Helper()

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

// lastMessageWithKey 在一批訊息中找出最後一則含指定鍵的訊息
func lastMessageWithKey(t *testing.T, msgs [][]byte, key string) (map[string]any, bool) {
	t.Helper()

	var found map[string]any
	var ok bool
	for _, data := range msgs {
		if containsKey(t, data, key) {
			found = decodeMessage(t, data)
			ok = true
		}
	}
	return found, ok
}

// countMessagesWithKey 統計含指定鍵的訊息數量
func countMessagesWithKey(t *testing.T, msgs [][]byte, key string) int {
	t.Helper()

	n := 0
	for _, data := range msgs {
		if containsKey(t, data, key) {
			n++
		}
	}
	return n
}
