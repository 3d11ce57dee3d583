package strategy

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/beaver-sched/internal/store"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ============================================================================
// Task 分派
// ============================================================================

// DispatchTask 分派一個停在 SCHEDULING 的 Task；延後 Task 到期與健康檢查時使用
func (s *Strategy) DispatchTask(ctx context.Context, taskID int64) error {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != types.TaskScheduling {
		return nil
	}
	if task.TriggerAt > s.now() {
		s.deferTasks([]pending{{task: task}})
		return nil
	}
	ji, err := s.repo.GetJobInstance(ctx, task.JobInstanceID)
	if err != nil {
		return err
	}
	job, _, err := s.jobOf(ctx, s.repo, ji)
	if err != nil {
		return err
	}
	s.flush(ctx, &scheduleContext{dispatch: []pending{{task: task, job: job}}})
	return nil
}

// dispatchOne 在交易外分派單一 Task。
// 分派失敗時走失敗流程，回傳失敗流程產生的後續工作（例如重試的 Task）。
func (s *Strategy) dispatchOne(ctx context.Context, task *types.Task, job *types.WorkflowJob) *scheduleContext {
	if task.TriggerAt > s.now() {
		s.deferTasks([]pending{{task: task, job: job}})
		return nil
	}

	w, err := s.dispatcher.Pick(ctx, task, job)
	if err != nil {
		return s.failTask(ctx, task, types.TaskScheduling, fmt.Sprintf("dispatch failed: %v", err))
	}

	addr := w.Address()
	ok, err := s.repo.UpdateTaskStatus(ctx, task.ID,
		[]types.TaskStatus{types.TaskScheduling}, types.TaskDispatching,
		store.TaskPatch{WorkerID: &w.ID, WorkerAddr: &addr, DispatchedAt: s.now()})
	if err != nil {
		s.log.Errorw("claim task for dispatch failed", "taskId", task.ID, "error", err)
		return nil
	}
	if !ok {
		// 其他 broker 或健康檢查已經處理
		return nil
	}
	task.Status, task.WorkerID, task.WorkerAddr = types.TaskDispatching, w.ID, addr
	s.markExecuting(ctx, task)

	if !s.dispatcher.Send(ctx, w, task) {
		return s.failTask(ctx, task, types.TaskDispatching, fmt.Sprintf("dispatch to worker %s failed", w.ID))
	}

	// worker 可能已經回報結果，CAS 失敗代表 Task 已往前走
	if _, err := s.repo.UpdateTaskStatus(ctx, task.ID,
		[]types.TaskStatus{types.TaskDispatching}, types.TaskExecuting, store.TaskPatch{}); err != nil {
		s.log.Warnw("mark task executing failed", "taskId", task.ID, "error", err)
	}
	return nil
}

// markExecuting 第一個 Task 送出時把 JobInstance 與 PlanInstance 標成 EXECUTING
func (s *Strategy) markExecuting(ctx context.Context, task *types.Task) {
	scheduling := []types.RunStatus{types.RunScheduling}
	if _, err := s.repo.UpdateJobInstanceStatus(ctx, task.JobInstanceID, scheduling, types.RunExecuting, ""); err != nil {
		s.log.Debugw("mark job instance executing failed", "jobInstanceId", task.JobInstanceID, "error", err)
	}
	if _, err := s.repo.UpdatePlanInstanceStatus(ctx, task.PlanInstanceID, scheduling, types.RunExecuting, ""); err != nil {
		s.log.Debugw("mark plan instance executing failed", "planInstanceId", task.PlanInstanceID, "error", err)
	}
}

// failTask 把 Task 標成 DISPATCH_FAILED 並在新的交易內執行失敗流程
func (s *Strategy) failTask(ctx context.Context, task *types.Task, from types.TaskStatus, msg string) *scheduleContext {
	sc, err := s.transact(ctx, func(tx store.Repository, sc *scheduleContext) error {
		ok, err := tx.UpdateTaskStatus(ctx, task.ID, []types.TaskStatus{from}, types.TaskDispatchFailed,
			store.TaskPatch{Message: strPtr(msg)})
		if err != nil || !ok {
			return err
		}
		return s.afterTaskTerminal(ctx, tx, sc, task.ID)
	})
	if err != nil {
		s.log.Errorw("dispatch failure handling failed, health check will retry", "taskId", task.ID, "error", err)
		return nil
	}
	return sc
}
