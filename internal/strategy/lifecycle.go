package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ChuLiYu/beaver-sched/internal/dag"
	"github.com/ChuLiYu/beaver-sched/internal/metrics"
	"github.com/ChuLiYu/beaver-sched/internal/store"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ============================================================================
// Plan 觸發
// ============================================================================

// Schedule 觸發計劃，建立 PlanInstance 與起點 JobInstance。
// 版本過期或重複觸發時回傳 nil, nil。
func (s *Strategy) Schedule(ctx context.Context, planID int64, version int, triggerAt time.Time, tt types.TriggerType) (*types.PlanInstance, error) {
	var created *types.PlanInstance
	outcome := metrics.FireStale

	err := s.execute(ctx, func(tx store.Repository, sc *scheduleContext) error {
		created, outcome = nil, metrics.FireStale

		plan, err := tx.LockPlan(ctx, planID)
		if err != nil {
			return fmt.Errorf("lock plan %d: %w", planID, err)
		}
		if plan.CurrentVersion != version {
			return nil
		}
		g, err := s.graph(ctx, tx, planID, version)
		if err != nil {
			return err
		}

		pi := &types.PlanInstance{
			PlanID:      planID,
			PlanVersion: version,
			Slot:        plan.Slot,
			TriggerAt:   triggerAt.UnixMilli(),
			TriggerType: tt,
			Status:      types.RunScheduling,
		}
		ok, err := tx.InsertPlanInstance(ctx, pi)
		if err != nil {
			return fmt.Errorf("insert plan instance: %w", err)
		}
		if !ok {
			outcome = metrics.FireDuplicate
			return nil
		}
		outcome = metrics.FireCreated
		created = pi

		for _, job := range originsFor(g, tt) {
			if _, err := s.createJobInstance(ctx, tx, sc, pi, job, 0, nil, pi.TriggerAt); err != nil {
				return err
			}
		}
		return s.evaluate(ctx, tx, pi.ID)
	})
	if err != nil {
		s.log.Errorw("plan firing failed", "planId", planID, "version", version, "triggerAt", triggerAt, "error", err)
		return nil, err
	}

	s.metrics.RecordPlanFire(outcome)
	switch outcome {
	case metrics.FireStale:
		s.log.Infow("stale plan firing ignored", "planId", planID, "version", version)
	case metrics.FireDuplicate:
		s.log.Infow("duplicate plan firing ignored", "planId", planID, "triggerAt", triggerAt, "triggerType", tt)
	default:
		s.log.Infow("plan fired", "planId", planID, "planInstanceId", created.ID, "triggerAt", triggerAt, "triggerType", tt)
	}
	return created, nil
}

// originsFor 起點節點：SCHEDULE 節點一定建立，API 觸發時再加上 API 節點
func originsFor(g *dag.Graph, tt types.TriggerType) []*types.WorkflowJob {
	var out []*types.WorkflowJob
	for _, job := range g.Origins() {
		switch jobTrigger(job) {
		case types.TriggerSchedule:
			out = append(out, job)
		case types.TriggerAPI:
			if tt == types.TriggerAPI {
				out = append(out, job)
			}
		}
	}
	return out
}

// waitsForTrigger 節點不會隨前驅完成自動建立，只能由 TriggerJob 啟動
func waitsForTrigger(job *types.WorkflowJob) bool {
	tt := jobTrigger(job)
	return tt == types.TriggerAPI || tt == types.TriggerFollow
}

func jobTrigger(job *types.WorkflowJob) types.TriggerType {
	if job.TriggerType == "" {
		return types.TriggerSchedule
	}
	return job.TriggerType
}

// TriggerJob 建立等待外部觸發的節點（API / FOLLOW），前驅必須都已可放行
func (s *Strategy) TriggerJob(ctx context.Context, planInstanceID, jobID int64) (bool, error) {
	var created bool
	err := s.execute(ctx, func(tx store.Repository, sc *scheduleContext) error {
		created = false

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
		job, ok := g.Node(jobID)
		if !ok {
			return fmt.Errorf("plan %d version %d has no job %d", pi.PlanID, pi.PlanVersion, jobID)
		}

		jis, err := tx.ListJobInstances(ctx, pi.ID)
		if err != nil {
			return err
		}
		eff := effective(jis)
		if _, exists := eff[jobID]; exists {
			return nil
		}
		if doomed(g, eff) || !s.ready(g, eff, jobID) {
			return nil
		}
		attach, err := s.collectAttach(ctx, tx, g, eff, jobID)
		if err != nil {
			return err
		}
		ji, err := s.createJobInstance(ctx, tx, sc, pi, job, 0, attach, s.now())
		if err != nil {
			return err
		}
		created = ji != nil
		return s.evaluate(ctx, tx, pi.ID)
	})
	return created, err
}

// ============================================================================
// 建立 JobInstance 與 Task
// ============================================================================

// createJobInstance 建立 JobInstance 並依 job 類型展開 Task；
// 同一 (planInstance, job, retryCount) 已存在時回傳 nil, nil
func (s *Strategy) createJobInstance(ctx context.Context, tx store.Repository, sc *scheduleContext,
	pi *types.PlanInstance, job *types.WorkflowJob, retryCount int, attach map[string]string, triggerAt int64,
) (*types.JobInstance, error) {
	ji := &types.JobInstance{
		PlanInstanceID: pi.ID,
		JobID:          job.ID,
		RetryCount:     retryCount,
		PlanID:         pi.PlanID,
		PlanVersion:    pi.PlanVersion,
		Slot:           pi.Slot,
		Type:           job.Type,
		Status:         types.RunScheduling,
		TriggerAt:      triggerAt,
		Attach:         attach,
	}
	ok, err := tx.InsertJobInstance(ctx, ji)
	if err != nil {
		return nil, fmt.Errorf("insert job instance for job %d: %w", job.ID, err)
	}
	if !ok {
		return nil, nil
	}

	tasks, err := s.initialTasks(ctx, ji, job)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		// 沒有 worker 的 BROADCAST 直接成功
		s.log.Infow("job instance has no tasks, marking succeed", "planInstanceId", pi.ID, "jobInstanceId", ji.ID, "jobId", job.ID)
		return ji, s.finishJob(ctx, tx, sc, ji, types.RunSucceed, "no eligible workers")
	}

	if err := tx.InsertTasks(ctx, tasks); err != nil {
		return nil, fmt.Errorf("insert tasks for job instance %d: %w", ji.ID, err)
	}
	sc.add(s.now(), job, tasks...)
	return ji, nil
}

func (s *Strategy) initialTasks(ctx context.Context, ji *types.JobInstance, job *types.WorkflowJob) ([]*types.Task, error) {
	switch job.Type {
	case types.JobNormal:
		return []*types.Task{s.newTask(ji, types.TaskNormal, job.Params)}, nil

	case types.JobBroadcast:
		workers, err := s.dispatcher.Workers(ctx, job)
		if err != nil {
			return nil, err
		}
		tasks := make([]*types.Task, 0, len(workers))
		for _, w := range workers {
			t := s.newTask(ji, types.TaskBroadcast, job.Params)
			t.WorkerID = w.ID
			tasks = append(tasks, t)
		}
		return tasks, nil

	case types.JobMap, types.JobMapReduce:
		return []*types.Task{s.newTask(ji, types.TaskSplit, job.Params)}, nil

	default:
		return nil, &TypeError{Kind: "job", Value: string(job.Type)}
	}
}

func (s *Strategy) newTask(ji *types.JobInstance, typ types.TaskType, params string) *types.Task {
	return &types.Task{
		JobInstanceID:  ji.ID,
		PlanInstanceID: ji.PlanInstanceID,
		PlanID:         ji.PlanID,
		JobID:          ji.JobID,
		Slot:           ji.Slot,
		Type:           typ,
		Status:         types.TaskScheduling,
		Params:         params,
		Attach:         ji.Attach,
		TriggerAt:      ji.TriggerAt,
	}
}

// ============================================================================
// 扇入判斷與上下文傳遞
// ============================================================================

// passable 前驅是否已放行：成功，或失敗但不中止計劃
func passable(ji *types.JobInstance, job *types.WorkflowJob) bool {
	switch ji.Status {
	case types.RunSucceed:
		return true
	case types.RunFailed:
		return !job.TerminateWithFail
	default:
		return false
	}
}

// ready 節點的所有前驅都已放行
func (s *Strategy) ready(g *dag.Graph, eff map[int64]*types.JobInstance, jobID int64) bool {
	for _, p := range g.Predecessors(jobID) {
		ji, ok := eff[p.ID]
		if !ok || !passable(ji, p) {
			return false
		}
	}
	return true
}

// collectAttach 收集所有前驅最後階段 Task 的結果，key 為前驅 job id
func (s *Strategy) collectAttach(ctx context.Context, tx store.Repository, g *dag.Graph, eff map[int64]*types.JobInstance, jobID int64) (map[string]string, error) {
	preds := g.Predecessors(jobID)
	if len(preds) == 0 {
		return nil, nil
	}
	attach := make(map[string]string, len(preds))
	for _, p := range preds {
		ji := eff[p.ID]
		tasks, err := tx.ListTasks(ctx, ji.ID)
		if err != nil {
			return nil, err
		}
		result, err := stageResult(tasks)
		if err != nil {
			return nil, err
		}
		attach[strconv.FormatInt(p.ID, 10)] = result
	}
	return attach, nil
}

// stageResult 取最後一個階段 Task 的結果：單一 Task 原樣，多個時為 JSON 陣列
func stageResult(tasks []*types.Task) (string, error) {
	if len(tasks) == 0 {
		return "", nil
	}
	last := tasks[len(tasks)-1].Type
	var results []string
	for _, t := range tasks {
		if t.Type == last {
			results = append(results, t.Result)
		}
	}
	if len(results) == 1 {
		return results[0], nil
	}
	data, err := json.Marshal(results)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ============================================================================
// 重新驅動
// ============================================================================

// Resume 重新驅動 PlanInstance：補建漏掉的後繼節點、分派停在 SCHEDULING 的 Task、
// 重新評估狀態。對已完成的實例是 no-op。
func (s *Strategy) Resume(ctx context.Context, planInstanceID int64) error {
	return s.execute(ctx, func(tx store.Repository, sc *scheduleContext) error {
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
		if len(jis) == 0 {
			for _, job := range originsFor(g, pi.TriggerType) {
				if _, err := s.createJobInstance(ctx, tx, sc, pi, job, 0, nil, pi.TriggerAt); err != nil {
					return err
				}
			}
			return s.evaluate(ctx, tx, pi.ID)
		}

		now := s.now()
		for _, ji := range effective(jis) {
			job, ok := g.Node(ji.JobID)
			if !ok {
				return fmt.Errorf("plan %d version %d has no job %d", pi.PlanID, pi.PlanVersion, ji.JobID)
			}
			if passable(ji, job) {
				if err := s.advance(ctx, tx, sc, pi, g, ji.JobID); err != nil {
					return err
				}
				continue
			}
			if ji.Status.IsTerminal() {
				continue
			}
			tasks, err := tx.ListTasks(ctx, ji.ID)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				if t.Status == types.TaskScheduling {
					sc.add(now, job, t)
				}
			}
		}
		return s.evaluate(ctx, tx, pi.ID)
	})
}

// RepairJobInstance 重新驅動所有 Task 已結束但本身仍未結束的 JobInstance
func (s *Strategy) RepairJobInstance(ctx context.Context, jobInstanceID int64) error {
	return s.execute(ctx, func(tx store.Repository, sc *scheduleContext) error {
		ji, err := tx.GetJobInstance(ctx, jobInstanceID)
		if err != nil {
			return err
		}
		if ji.Status.IsTerminal() {
			return nil
		}
		tasks, err := tx.ListTasks(ctx, ji.ID)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return errors.New("job instance has no tasks")
		}
		return s.settle(ctx, tx, sc, ji, tasks[len(tasks)-1].Type)
	})
}
