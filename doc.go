// Package pongueserver 提供即時多人乒乓對戰的會話協調服務。
//
// 實現了一個支援 2 人對局與 4 人淘汰錦標賽的即時遊戲服務器，
// 透過持久的雙向 WebSocket 連接協調參與者，包含以下核心功能：
//
// 房間目錄
//
// 行程範圍的注入式目錄服務，仲裁連接到房間的指派：
//   - 房間鍵由發起者 ID 確定性導出
//   - 槽位按到達順序分配，競速時恰好一個勝出
//   - 已配對房間的重複連接以 4001 關閉碼拒絕
//   - 閒置房間自動回收
//
// 對局會話
//
// 2 槽位房間的狀態機（WaitingForBothReady → Active → Finished / Aborted）：
//   - 引擎啟動冪等（單次啟動守衛）
//   - 背景 tick 任務推進引擎並廣播完整快照
//   - 輸入按發送者身份路由到球拍
//   - 對局中的斷線按棄權記錄並通知餘下參與者
//
// 錦標賽報名
//
// 4 槽位報名房（Registering → Full）：
//   - 報名按到達順序互斥地認領槽位
//   - 第 4 位完成時四人狀態一次性轉入 InTournament
//   - 對陣表廣播帶確定性導出的半決賽房間鍵
//
// 配對協調
//
// 等待隊列 + compare-and-set 認領的互斥配對：
//   - 兩個併發搜索者不可能同時配到同一個第三方
//   - 取消對從未配對的使用者也是安全的
//
// 使用範例
//
// 啟動服務器：
//
//	store := internal.NewMemoryStore()
//	registry := internal.NewRegistry(store, store, logger, nil)
//	hub := internal.NewHub(registry, logger)
//	coordinator := internal.NewCoordinator(store, logger)
//	handler := internal.NewHandler(coordinator, registry, hub, store, logger)
//	log.Fatal(http.ListenAndServe(":8080", handler.Routes()))
//
// 客戶端連接：
//
//	ws://localhost:8080/ws/duel/{room_id}?user_id=N
//	ws://localhost:8080/ws/tournament/{room_id}?user_id=N
//
// 外部協作者
//
// 遊戲物理、使用者檔案持久化與憑證驗證被當作外部協作者消費：
//   - Engine：接受輸入事件、產出位置快照、發出終局信號
//   - UserStore / ResultRecorder：讀寫持久化的使用者狀態與統計
//   - Authenticator：不透明的「憑證 → 使用者身份」函數
package pongueserver
