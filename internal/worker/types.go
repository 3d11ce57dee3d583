package worker

import (
	"context"
	"time"
)

// Task 代表提交到 Pool 的一個工作單元
type Task struct {
	ID      string                          // 任務識別碼（meta task 的 scheduleId 或 task id）
	Kind    string                          // 任務分類，用於指標標籤
	Run     func(ctx context.Context) error // 實際執行的函式
	Timeout time.Duration                   // 執行超時時間，<= 0 表示不設限
}

// Result 代表任務執行結果
type Result struct {
	TaskID   string        // 任務 ID
	Kind     string        // 任務分類
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
