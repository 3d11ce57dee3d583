package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ChuLiYu/beaver-sched/internal/dag"
	"github.com/ChuLiYu/beaver-sched/internal/store"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

var (
	activeTask = []types.TaskStatus{types.TaskDispatching, types.TaskExecuting}
	activeRun  = []types.RunStatus{types.RunScheduling, types.RunExecuting}
)

// ============================================================================
// Task 回報
// ============================================================================

// HandleSuccess 處理 Task 成功回報；重複或過期的回報回傳 false
func (s *Strategy) HandleSuccess(ctx context.Context, taskID int64, result string) (bool, error) {
	var applied bool
	err := s.execute(ctx, func(tx store.Repository, sc *scheduleContext) error {
		applied = false
		ok, err := tx.UpdateTaskStatus(ctx, taskID, activeTask, types.TaskSucceed, store.TaskPatch{Result: strPtr(result)})
		if err != nil || !ok {
			return err
		}
		applied = true
		return s.afterTaskTerminal(ctx, tx, sc, taskID)
	})
	if err != nil {
		s.log.Errorw("task success handling failed", "taskId", taskID, "error", err)
		return false, err
	}
	if !applied {
		s.log.Debugw("duplicate or late success feedback ignored", "taskId", taskID)
	}
	return applied, nil
}

// HandleFail 處理 Task 失敗（worker 回報或 worker 離線）；重複回報回傳 false
func (s *Strategy) HandleFail(ctx context.Context, taskID int64, msg string) (bool, error) {
	var applied bool
	err := s.execute(ctx, func(tx store.Repository, sc *scheduleContext) error {
		applied = false
		ok, err := tx.UpdateTaskStatus(ctx, taskID, activeTask, types.TaskFailed, store.TaskPatch{Message: strPtr(msg)})
		if err != nil || !ok {
			return err
		}
		applied = true
		return s.afterTaskTerminal(ctx, tx, sc, taskID)
	})
	if err != nil {
		s.log.Errorw("task failure handling failed", "taskId", taskID, "error", err)
		return false, err
	}
	if applied {
		s.log.Warnw("task failed", "taskId", taskID, "message", msg)
	}
	return applied, nil
}

func (s *Strategy) afterTaskTerminal(ctx context.Context, tx store.Repository, sc *scheduleContext, taskID int64) error {
	task, err := tx.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	ji, err := tx.GetJobInstance(ctx, task.JobInstanceID)
	if err != nil {
		return fmt.Errorf("task %d: job instance %d: %w", task.ID, task.JobInstanceID, err)
	}
	if ji.Status.IsTerminal() {
		return nil
	}
	return s.settle(ctx, tx, sc, ji, task.Type)
}

// ============================================================================
// JobInstance 決策
// ============================================================================

// settle 同一階段的 Task 都結束時決定 JobInstance 的下一步，否則等待最後一個
func (s *Strategy) settle(ctx context.Context, tx store.Repository, sc *scheduleContext, ji *types.JobInstance, stage types.TaskType) error {
	tasks, err := tx.ListTasks(ctx, ji.ID)
	if err != nil {
		return err
	}

	var stageTasks []*types.Task
	for _, t := range tasks {
		if t.Type != stage {
			continue
		}
		if !t.Status.IsTerminal() {
			return nil
		}
		stageTasks = append(stageTasks, t)
	}
	for _, t := range stageTasks {
		if t.Status.IsFailure() {
			msg := t.Message
			if msg == "" {
				msg = fmt.Sprintf("task %d %s", t.ID, t.Status)
			}
			return s.failJob(ctx, tx, sc, ji, msg)
		}
	}

	switch stage {
	case types.TaskNormal, types.TaskBroadcast, types.TaskSub, types.TaskReduce:
		return s.finishJob(ctx, tx, sc, ji, types.RunSucceed, "")

	case types.TaskSplit:
		if hasStage(tasks, types.TaskMap) {
			return nil
		}
		shards := splitShards(stageTasks[0].Result)
		if len(shards) == 0 {
			return s.finishJob(ctx, tx, sc, ji, types.RunSucceed, "split produced no shards")
		}
		job, _, err := s.jobOf(ctx, tx, ji)
		if err != nil {
			return err
		}
		maps := make([]*types.Task, len(shards))
		for i, shard := range shards {
			maps[i] = s.stageTask(ji, types.TaskMap, shard)
		}
		if err := tx.InsertTasks(ctx, maps); err != nil {
			return err
		}
		sc.add(s.now(), job, maps...)
		return nil

	case types.TaskMap:
		if ji.Type != types.JobMapReduce {
			return s.finishJob(ctx, tx, sc, ji, types.RunSucceed, "")
		}
		if hasStage(tasks, types.TaskReduce) {
			return nil
		}
		job, _, err := s.jobOf(ctx, tx, ji)
		if err != nil {
			return err
		}
		results := make([]string, len(stageTasks))
		for i, t := range stageTasks {
			results[i] = t.Result
		}
		params, err := json.Marshal(results)
		if err != nil {
			return err
		}
		reduce := s.stageTask(ji, types.TaskReduce, string(params))
		if err := tx.InsertTasks(ctx, []*types.Task{reduce}); err != nil {
			return err
		}
		sc.add(s.now(), job, reduce)
		return nil

	default:
		return &TypeError{Kind: "task", Value: string(stage)}
	}
}

func (s *Strategy) stageTask(ji *types.JobInstance, typ types.TaskType, params string) *types.Task {
	t := s.newTask(ji, typ, params)
	t.TriggerAt = s.now()
	return t
}

func hasStage(tasks []*types.Task, typ types.TaskType) bool {
	for _, t := range tasks {
		if t.Type == typ {
			return true
		}
	}
	return false
}

// splitShards SPLIT 結果以逗號分隔，每段成為一個 MAP Task
func splitShards(result string) []string {
	var out []string
	for _, part := range strings.Split(result, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// finishJob 結束 JobInstance 並推進 DAG
func (s *Strategy) finishJob(ctx context.Context, tx store.Repository, sc *scheduleContext, ji *types.JobInstance, status types.RunStatus, msg string) error {
	ok, err := tx.UpdateJobInstanceStatus(ctx, ji.ID, activeRun, status, msg)
	if err != nil || !ok {
		return err
	}
	ji.Status = status

	pi, err := tx.GetPlanInstance(ctx, ji.PlanInstanceID)
	if err != nil {
		return err
	}
	if pi.Status.IsTerminal() {
		return nil
	}
	g, err := s.graph(ctx, tx, pi.PlanID, pi.PlanVersion)
	if err != nil {
		return err
	}
	if err := s.advance(ctx, tx, sc, pi, g, ji.JobID); err != nil {
		return err
	}
	return s.evaluate(ctx, tx, pi.ID)
}

// failJob 標記 JobInstance 失敗，之後依 terminateWithFail 與重試設定決定去向
func (s *Strategy) failJob(ctx context.Context, tx store.Repository, sc *scheduleContext, ji *types.JobInstance, msg string) error {
	ok, err := tx.UpdateJobInstanceStatus(ctx, ji.ID, activeRun, types.RunFailed, msg)
	if err != nil || !ok {
		return err
	}
	ji.Status = types.RunFailed

	job, g, err := s.jobOf(ctx, tx, ji)
	if err != nil {
		return err
	}
	pi, err := tx.GetPlanInstance(ctx, ji.PlanInstanceID)
	if err != nil {
		return err
	}
	if pi.Status.IsTerminal() {
		return nil
	}

	if !job.TerminateWithFail {
		s.log.Infow("job failed but does not terminate the plan", "planInstanceId", pi.ID, "jobInstanceId", ji.ID, "jobId", job.ID)
		if err := s.advance(ctx, tx, sc, pi, g, ji.JobID); err != nil {
			return err
		}
		return s.evaluate(ctx, tx, pi.ID)
	}

	if ji.RetryCount < job.RetryTimes {
		triggerAt := s.now() + job.RetryInterval.Milliseconds()
		retry, err := s.createJobInstance(ctx, tx, sc, pi, job, ji.RetryCount+1, ji.Attach, triggerAt)
		if err != nil {
			return err
		}
		if retry != nil {
			s.metrics.RecordRetry()
			s.log.Infow("job retry scheduled",
				"planInstanceId", pi.ID, "jobId", job.ID, "jobInstanceId", retry.ID,
				"retryCount", retry.RetryCount, "retryTimes", job.RetryTimes, "triggerAt", triggerAt)
		}
		return nil
	}
	return s.evaluate(ctx, tx, pi.ID)
}

// ============================================================================
// DAG 推進與 PlanInstance 評估
// ============================================================================

// advance 建立 jobID 所有已就緒的後繼節點；API / FOLLOW 節點等待 TriggerJob
func (s *Strategy) advance(ctx context.Context, tx store.Repository, sc *scheduleContext, pi *types.PlanInstance, g *dag.Graph, jobID int64) error {
	succs := g.Successors(jobID)
	if len(succs) == 0 {
		return nil
	}
	jis, err := tx.ListJobInstances(ctx, pi.ID)
	if err != nil {
		return err
	}
	eff := effective(jis)
	if doomed(g, eff) {
		// 計劃必定失敗，只等其餘節點結束
		return nil
	}

	for _, succ := range succs {
		if _, exists := eff[succ.ID]; exists {
			continue
		}
		if waitsForTrigger(succ) {
			continue
		}
		if !s.ready(g, eff, succ.ID) {
			continue
		}
		attach, err := s.collectAttach(ctx, tx, g, eff, succ.ID)
		if err != nil {
			return err
		}
		if _, err := s.createJobInstance(ctx, tx, sc, pi, succ, 0, attach, s.now()); err != nil {
			return err
		}
	}
	return nil
}

// evaluate 依目前的 JobInstance 決定 PlanInstance 是否結束:
//  1. 任一節點尚未結束 → 等待
//  2. 任一中止型節點失敗且沒有重試 → FAILED
//  3. 所有終點節點都已結束 → SUCCEED
//  4. 其他（節點仍在等待外部觸發）→ 等待
func (s *Strategy) evaluate(ctx context.Context, tx store.Repository, planInstanceID int64) error {
	pi, err := tx.GetPlanInstance(ctx, planInstanceID)
	if err != nil {
		return err
	}
	if pi.Status.IsTerminal() {
		return nil
	}
	g, err := s.graph(ctx, tx, pi.PlanID, pi.PlanVersion)
	if err != nil {
		return err
	}
	jis, err := tx.ListJobInstances(ctx, pi.ID)
	if err != nil {
		return err
	}
	eff := effective(jis)

	ids := make([]int64, 0, len(eff))
	for id, ji := range eff {
		if !ji.Status.IsTerminal() {
			return nil
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		ji := eff[id]
		job, ok := g.Node(id)
		if !ok {
			return fmt.Errorf("plan %d version %d has no job %d", pi.PlanID, pi.PlanVersion, id)
		}
		if ji.Status == types.RunFailed && job.TerminateWithFail {
			msg := fmt.Sprintf("job %d failed: %s", id, ji.Message)
			return s.completePlan(ctx, tx, pi, types.RunFailed, msg)
		}
	}

	for _, leaf := range g.Lasts() {
		if _, ok := eff[leaf.ID]; !ok {
			return nil
		}
	}
	return s.completePlan(ctx, tx, pi, types.RunSucceed, "")
}

// doomed 是否已有中止型節點失敗且沒有重試
func doomed(g *dag.Graph, eff map[int64]*types.JobInstance) bool {
	for id, ji := range eff {
		if ji.Status != types.RunFailed {
			continue
		}
		if job, ok := g.Node(id); ok && job.TerminateWithFail {
			return true
		}
	}
	return false
}

func (s *Strategy) completePlan(ctx context.Context, tx store.Repository, pi *types.PlanInstance, status types.RunStatus, msg string) error {
	ok, err := tx.UpdatePlanInstanceStatus(ctx, pi.ID, activeRun, status, msg)
	if err != nil || !ok {
		return err
	}
	s.metrics.RecordPlanFinished(string(status))
	if status == types.RunFailed {
		s.log.Warnw("plan instance failed", "planId", pi.PlanID, "planInstanceId", pi.ID, "message", msg)
	} else {
		s.log.Infow("plan instance succeeded", "planId", pi.PlanID, "planInstanceId", pi.ID)
	}
	return nil
}
