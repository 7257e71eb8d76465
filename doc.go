// Package interactionrooms 提供即時多房間互動服務。
//
// 多個 WebSocket 客戶端以兩種角色（controller / doer）加入有容量上限的房間，
// 彼此廣播聊天與共享信號，並可用斜線命令觸發伺服器端的腳本行為（如 /countdown）。
//
// # 房間管理
//
//   - 臨時房間：由使用者建立，最後一人離開時移除；建立後無人加入則過期清理
//   - 常駐房間：由配置建立，永不因為空房而移除
//   - 加入檢查：房間存在 → 密碼 → 角色容量，原子完成
//
// # 即時通訊
//
//   - 每房一個有界廣播頻道，緩衝滿時丟棄最舊訊息，發佈永不阻塞
//   - 推送內容是 htmx out-of-band swap 的 HTML 片段
//   - 每條連線兩個 goroutine（轉發、讀取），清理只執行一次
//
// # 周邊
//
//   - 配置：YAML + 環境變數 + 命令列參數
//   - 指標：Prometheus（/metrics）
//   - 命令限流：本地令牌桶，或 Redis 分散式令牌桶
//   - 建立房間限流：依客戶端 IP，超過回 429
//   - 外部發佈：NATS 主題 <prefix>.<room_id>.publish
//
// # 使用範例
//
// 啟動服務器：
//
//	go run ./cmd/server -config config.yaml
//
// 客戶端連接：
//
//	ws://localhost:8080/ws/interaction/{room_id}?role=doer&username=alice
//
// 客戶端送出：
//
//	{"chat_message": "hello"}
//	{"chat_message": "/countdown 3 lift off"}
//	{"signal": "#268bd2"}
package interactionrooms
