package rpc

import "github.com/ChuLiYu/beaver-sched/pkg/types"

// DispatchRequest broker → worker
type DispatchRequest struct {
	TaskID         int64             `json:"task_id"`
	JobInstanceID  int64             `json:"job_instance_id"`
	PlanInstanceID int64             `json:"plan_instance_id"`
	PlanID         int64             `json:"plan_id"`
	JobID          int64             `json:"job_id"`
	Type           types.TaskType    `json:"type"`
	Params         string            `json:"params,omitempty"`
	Attach         map[string]string `json:"attach,omitempty"`
	Broker         string            `json:"broker"` // 回報結果的 broker 地址
}

// DispatchResponse Accepted=false 表示 worker 拒絕（例如佇列已滿）
type DispatchResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

// FeedbackRequest worker → broker
type FeedbackRequest struct {
	TaskID   int64  `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Success  bool   `json:"success"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// FeedbackResponse Applied=false 表示重複或過期的回報
type FeedbackResponse struct {
	Applied bool `json:"applied"`
}

// TriggerPlanRequest 以 API 觸發計劃
type TriggerPlanRequest struct {
	PlanID int64 `json:"plan_id"`
}

// TriggerPlanResponse Triggered=false 表示版本過期或重複觸發
type TriggerPlanResponse struct {
	Triggered      bool  `json:"triggered"`
	PlanInstanceID int64 `json:"plan_instance_id,omitempty"`
}

// TriggerJobRequest 觸發 PlanInstance 內等待 API 的節點
type TriggerJobRequest struct {
	PlanInstanceID int64 `json:"plan_instance_id"`
	JobID          int64 `json:"job_id"`
}

// TriggerJobResponse Triggered=false 表示前驅未完成或節點已建立
type TriggerJobResponse struct {
	Triggered bool `json:"triggered"`
}

// NewDispatchRequest 由 Task 組出請求
func NewDispatchRequest(t *types.Task, broker string) *DispatchRequest {
	return &DispatchRequest{
		TaskID:         t.ID,
		JobInstanceID:  t.JobInstanceID,
		PlanInstanceID: t.PlanInstanceID,
		PlanID:         t.PlanID,
		JobID:          t.JobID,
		Type:           t.Type,
		Params:         t.Params,
		Attach:         t.Attach,
		Broker:         broker,
	}
}
