// Package types 定義了 beaver-sched 系統中使用的核心領域模型
//
// 時間欄位一律使用 Unix 毫秒（int64），與資料庫欄位直接對應。
package types

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// 列舉定義
// ============================================================================

// ScheduleType 計劃的排程方式
type ScheduleType string

const (
	ScheduleNone          ScheduleType = "NONE"           // 不排程，只能透過 API 觸發
	ScheduleDelayed       ScheduleType = "DELAYED"        // 在 NextTriggerAt 觸發一次
	ScheduleFixedRate     ScheduleType = "FIXED_RATE"     // 固定頻率，與執行完成時間無關
	ScheduleFixedInterval ScheduleType = "FIXED_INTERVAL" // 固定間隔，從上次完成後起算
	ScheduleCron          ScheduleType = "CRON"           // Cron 表達式
)

// TriggerType 觸發來源
type TriggerType string

const (
	TriggerSchedule TriggerType = "SCHEDULE" // 由排程器觸發
	TriggerAPI      TriggerType = "API"      // 由 API 手動觸發
	TriggerFollow   TriggerType = "FOLLOW"   // 由上游事件觸發
)

// JobType 任務節點類型，決定一個 JobInstance 如何展開成 Task
type JobType string

const (
	JobNormal    JobType = "NORMAL"
	JobBroadcast JobType = "BROADCAST"
	JobMap       JobType = "MAP"
	JobMapReduce JobType = "MAP_REDUCE"
)

// TaskType 分派給 worker 的最小單位類型
type TaskType string

const (
	TaskNormal    TaskType = "NORMAL"
	TaskBroadcast TaskType = "BROADCAST"
	TaskSplit     TaskType = "SPLIT"
	TaskMap       TaskType = "MAP"
	TaskReduce    TaskType = "REDUCE"
	TaskSub       TaskType = "SUB"
)

// RunStatus PlanInstance 與 JobInstance 共用的狀態
type RunStatus string

const (
	RunScheduling RunStatus = "SCHEDULING" // 已建立，尚未開始執行
	RunExecuting  RunStatus = "EXECUTING"  // 至少一個 Task 已經分派
	RunSucceed    RunStatus = "SUCCEED"    // 成功（終態）
	RunFailed     RunStatus = "FAILED"     // 失敗（終態）
)

// IsTerminal 是否為終態
func (s RunStatus) IsTerminal() bool {
	return s == RunSucceed || s == RunFailed
}

// TaskStatus Task 狀態
type TaskStatus string

const (
	TaskScheduling     TaskStatus = "SCHEDULING"      // 等待分派
	TaskDispatching    TaskStatus = "DISPATCHING"     // 已選定 worker，正在送出
	TaskDispatchFailed TaskStatus = "DISPATCH_FAILED" // 分派失敗（終態）
	TaskExecuting      TaskStatus = "EXECUTING"       // worker 已接受
	TaskSucceed        TaskStatus = "SUCCEED"         // 成功（終態）
	TaskFailed         TaskStatus = "FAILED"          // 執行失敗（終態）
)

// IsTerminal 是否為終態
func (s TaskStatus) IsTerminal() bool {
	return s == TaskSucceed || s == TaskFailed || s == TaskDispatchFailed
}

// IsFailure 是否為失敗終態
func (s TaskStatus) IsFailure() bool {
	return s == TaskFailed || s == TaskDispatchFailed
}

// LoadBalanceType worker 選擇策略
type LoadBalanceType string

const (
	BalanceRandom         LoadBalanceType = "RANDOM"
	BalanceRoundRobin     LoadBalanceType = "ROUND_ROBIN"
	BalanceAppoint        LoadBalanceType = "APPOINT"
	BalanceLFU            LoadBalanceType = "LFU"
	BalanceLRU            LoadBalanceType = "LRU"
	BalanceConsistentHash LoadBalanceType = "CONSISTENT_HASH"
)

// ============================================================================
// 叢集成員
// ============================================================================

// Node broker 節點，依 (Host, Port) 排序
type Node struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// String 回傳 host:port
func (n Node) String() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// Less 依 (Host, Port) 比較
func (n Node) Less(o Node) bool {
	if n.Host != o.Host {
		return n.Host < o.Host
	}
	return n.Port < o.Port
}

// Worker 執行 Task 的遠端節點
type Worker struct {
	ID    string   `json:"id"`
	Group string   `json:"group"`
	Host  string   `json:"host"`
	Port  int      `json:"port"`
	Tags  []string `json:"tags,omitempty"`
}

// Address 回傳 gRPC 撥號地址
func (w Worker) Address() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// HasTags 是否具備所有指定標籤
func (w Worker) HasTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range w.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ============================================================================
// 計劃定義
// ============================================================================

// Plan 使用者定義的可排程單位，版本快照存於 PlanInfo
type Plan struct {
	ID             int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	Name           string       `gorm:"size:128" json:"name"`
	Slot           int          `gorm:"index" json:"slot"`            // hash(id) mod 64，建立時寫入
	CurrentVersion int          `json:"current_version"`              // 目前生效的 PlanInfo 版本
	Enabled        bool         `json:"enabled"`                      // 停用的計劃不會被載入
	TriggerType    TriggerType  `gorm:"size:16" json:"trigger_type"`  // SCHEDULE 才會被排程器載入
	ScheduleType   ScheduleType `gorm:"size:16" json:"schedule_type"` // 排程方式
	ScheduleConf   string       `gorm:"size:128" json:"schedule_conf"`
	NextTriggerAt  int64        `gorm:"index" json:"next_trigger_at"` // 下次觸發時間（Unix 毫秒），0 表示無
	CreatedAt      int64        `gorm:"autoCreateTime:milli" json:"created_at"`
	UpdatedAt      int64        `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

// PlanInfo 計劃的不可變版本快照
type PlanInfo struct {
	ID           int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	PlanID       int64         `gorm:"uniqueIndex:uk_plan_info_version" json:"plan_id"`
	Version      int           `gorm:"uniqueIndex:uk_plan_info_version" json:"version"`
	Workflow     bool          `json:"workflow"` // false 表示單一任務計劃
	Jobs         []WorkflowJob `gorm:"serializer:json" json:"jobs"`
	ScheduleType ScheduleType  `gorm:"size:16" json:"schedule_type"`
	ScheduleConf string        `gorm:"size:128" json:"schedule_conf"`
	CreatedAt    int64         `gorm:"autoCreateTime:milli" json:"created_at"`
}

// WorkflowJob DAG 中的一個任務節點；單一任務計劃只有一個節點
type WorkflowJob struct {
	ID                int64           `json:"id" yaml:"id"`
	Name              string          `json:"name" yaml:"name"`
	Group             string          `json:"group" yaml:"group"` // worker 群組
	Type              JobType         `json:"type" yaml:"type"`
	TriggerType       TriggerType     `json:"trigger_type" yaml:"trigger_type"`
	Parents           []int64         `json:"parents,omitempty" yaml:"parents"`
	Params            string          `json:"params,omitempty" yaml:"params"`
	RetryTimes        int             `json:"retry_times" yaml:"retry_times"`
	RetryInterval     time.Duration   `json:"retry_interval" yaml:"retry_interval"`
	TerminateWithFail bool            `json:"terminate_with_fail" yaml:"terminate_with_fail"`
	LoadBalance       LoadBalanceType `json:"load_balance" yaml:"load_balance"`
	Tags              []string        `json:"tags,omitempty" yaml:"tags"` // worker 必須具備的標籤
}

// UnmarshalYAML 未填寫 terminate_with_fail 時預設為 true
func (j *WorkflowJob) UnmarshalYAML(value *yaml.Node) error {
	type plain WorkflowJob
	out := plain{TerminateWithFail: true}
	if err := value.Decode(&out); err != nil {
		return err
	}
	*j = WorkflowJob(out)
	return nil
}

// PlanDefinition 計劃定義檔（plan apply 使用）
type PlanDefinition struct {
	Name         string        `yaml:"name"`
	TriggerType  TriggerType   `yaml:"trigger_type"`
	ScheduleType ScheduleType  `yaml:"schedule_type"`
	ScheduleConf string        `yaml:"schedule_conf"`
	Workflow     bool          `yaml:"workflow"`
	Jobs         []WorkflowJob `yaml:"jobs"`
}

// ============================================================================
// 執行實例
// ============================================================================

// PlanInstance 計劃的一次觸發；(PlanID, TriggerAt, TriggerType) 唯一
type PlanInstance struct {
	ID          int64       `gorm:"primaryKey;autoIncrement" json:"id"`
	PlanID      int64       `gorm:"uniqueIndex:uk_plan_instance_trigger" json:"plan_id"`
	PlanVersion int         `json:"plan_version"`
	Slot        int         `gorm:"index" json:"slot"`
	TriggerAt   int64       `gorm:"uniqueIndex:uk_plan_instance_trigger" json:"trigger_at"`
	TriggerType TriggerType `gorm:"uniqueIndex:uk_plan_instance_trigger;size:16" json:"trigger_type"`
	Status      RunStatus   `gorm:"index;size:16" json:"status"`
	Message     string      `gorm:"size:1024" json:"message,omitempty"`
	CreatedAt   int64       `gorm:"autoCreateTime:milli" json:"created_at"`
	UpdatedAt   int64       `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

// JobInstance 任務節點在某個 PlanInstance 內的一次執行；重試會建立新的 JobInstance
type JobInstance struct {
	ID             int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	PlanInstanceID int64             `gorm:"uniqueIndex:uk_job_instance_attempt" json:"plan_instance_id"`
	JobID          int64             `gorm:"uniqueIndex:uk_job_instance_attempt" json:"job_id"`
	RetryCount     int               `gorm:"uniqueIndex:uk_job_instance_attempt" json:"retry_count"`
	PlanID         int64             `json:"plan_id"`
	PlanVersion    int               `json:"plan_version"`
	Slot           int               `gorm:"index" json:"slot"`
	Type           JobType           `gorm:"size:16" json:"type"`
	Status         RunStatus         `gorm:"index;size:16" json:"status"`
	TriggerAt      int64             `json:"trigger_at"`
	Attach         map[string]string `gorm:"serializer:json" json:"attach,omitempty"` // 前驅節點的執行結果
	Message        string            `gorm:"size:1024" json:"message,omitempty"`
	CreatedAt      int64             `gorm:"autoCreateTime:milli" json:"created_at"`
	UpdatedAt      int64             `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

// Task 分派給 worker 的最小單位
type Task struct {
	ID             int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	JobInstanceID  int64             `gorm:"index" json:"job_instance_id"`
	PlanInstanceID int64             `gorm:"index" json:"plan_instance_id"`
	PlanID         int64             `json:"plan_id"`
	JobID          int64             `json:"job_id"`
	Slot           int               `gorm:"index" json:"slot"`
	Type           TaskType          `gorm:"size:16" json:"type"`
	Status         TaskStatus        `gorm:"index;size:16" json:"status"`
	Params         string            `json:"params,omitempty"`
	Attach         map[string]string `gorm:"serializer:json" json:"attach,omitempty"` // 建立時複製自 JobInstance
	Result         string            `json:"result,omitempty"`
	Message        string            `gorm:"size:1024" json:"message,omitempty"`
	WorkerID       string            `gorm:"size:64" json:"worker_id,omitempty"` // BROADCAST 建立時即指定
	WorkerAddr     string            `gorm:"size:128" json:"worker_addr,omitempty"`
	TriggerAt      int64             `json:"trigger_at"` // 最早可分派時間（Unix 毫秒）
	DispatchedAt   int64             `json:"dispatched_at"`
	CreatedAt      int64             `gorm:"autoCreateTime:milli" json:"created_at"`
	UpdatedAt      int64             `gorm:"autoUpdateTime:milli" json:"updated_at"`
}
