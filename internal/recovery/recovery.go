// ============================================================================
// Beaver-Sched Recovery - 載入與健康檢查
// ============================================================================
//
// Package: internal/recovery
// 文件: recovery.go
// 功能: 三個週期性 meta task，只處理本節點擁有的 slot
//
//	PLAN_LOAD            計算擁有的 slot，登記新的 / 改版的計劃，取消不再擁有的
//	PLAN_INSTANCE_CHECK  重新驅動卡在 SCHEDULING 的 PlanInstance
//	TASK_STATUS_CHECK    worker 離線或分派逾時的 Task 強制失敗，
//	                     補分派到期的 SCHEDULING Task，修復停住的 JobInstance
//
// 所有修復都經過狀態機的 CAS，重複執行是安全的 no-op。
// 單一實體的錯誤不會中斷整個檢查，最後以 multierr 合併回傳。
//
// ============================================================================

package recovery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-sched/internal/logging"
	"github.com/ChuLiYu/beaver-sched/internal/metatask"
	"github.com/ChuLiYu/beaver-sched/internal/metrics"
	"github.com/ChuLiYu/beaver-sched/internal/slot"
	"github.com/ChuLiYu/beaver-sched/internal/store"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// meta task id
const (
	PlanLoadID          = "plan-load"
	PlanInstanceCheckID = "plan-instance-check"
	TaskStatusCheckID   = "task-status-check"
)

// ============================================================================
// 協作者
// ============================================================================

// Membership 存活的 broker 清單
type Membership interface {
	AliveBrokers(ctx context.Context) ([]types.Node, error)
}

// Liveness worker 是否存活
type Liveness interface {
	IsAlive(ctx context.Context, workerID string) (bool, error)
}

// Lifecycle 狀態機入口
type Lifecycle interface {
	Schedule(ctx context.Context, planID int64, version int, triggerAt time.Time, tt types.TriggerType) (*types.PlanInstance, error)
	Resume(ctx context.Context, planInstanceID int64) error
	HandleFail(ctx context.Context, taskID int64, msg string) (bool, error)
	DispatchTask(ctx context.Context, taskID int64) error
	RepairJobInstance(ctx context.Context, jobInstanceID int64) error
}

// Timer meta task 排程器
type Timer interface {
	Schedule(t metatask.MetaTask) error
	Unschedule(id string) bool
	IsScheduled(id string) bool
	SchedulingByType(typ metatask.Type) []string
}

// Config 檢查參數
type Config struct {
	Self            types.Node    // 本節點地址，用於計算 slot
	LoadInterval    time.Duration // PLAN_LOAD 間隔
	CheckInterval   time.Duration // 兩個健康檢查的間隔
	LoadAhead       time.Duration // 預先載入 nextTriggerAt 在此範圍內的計劃
	Grace           time.Duration // 實體多久沒有變化才視為卡住
	DispatchTimeout time.Duration // DISPATCHING 超過此時間視為分派失敗
	BatchSize       int           // 每次檢查每類實體的上限
}

func (c *Config) applyDefaults() {
	if c.LoadInterval <= 0 {
		c.LoadInterval = 10 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	if c.LoadAhead <= 0 {
		c.LoadAhead = 2 * c.LoadInterval
	}
	if c.Grace <= 0 {
		c.Grace = 30 * time.Second
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
}

// Options 建構選項
type Options struct {
	Config   Config
	Repo     store.Repository
	Members  Membership
	Workers  Liveness
	Strategy Lifecycle
	Timer    Timer
	Clock    clockwork.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Collector
}

type loadedPlan struct {
	planID  int64
	version int
	slot    int
}

// Manager 持有擁有的 slot 並執行三個檢查
type Manager struct {
	cfg      Config
	repo     store.Repository
	members  Membership
	workers  Liveness
	strategy Lifecycle
	timer    Timer
	clock    clockwork.Clock
	log      *zap.SugaredLogger
	metrics  *metrics.Collector

	mu     sync.Mutex
	owned  []int
	loaded map[string]loadedPlan // meta task id → 計劃

	// lostCursor 失聯檢查上一頁的最後 task id，每次檢查往後翻一頁，翻完歸零
	lostCursor int64
}

// New 建立 Manager
func New(opts Options) *Manager {
	opts.Config.applyDefaults()
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Manager{
		cfg:      opts.Config,
		repo:     opts.Repo,
		members:  opts.Members,
		workers:  opts.Workers,
		strategy: opts.Strategy,
		timer:    opts.Timer,
		clock:    opts.Clock,
		log:      logging.OrNop(opts.Logger).Named("recovery").Sugar(),
		metrics:  opts.Metrics,
		loaded:   make(map[string]loadedPlan),
	}
}

// Start 登記三個週期性 meta task，第一次載入立即執行
func (m *Manager) Start() error {
	now := m.clock.Now()
	tasks := []metatask.MetaTask{
		{
			ID: PlanLoadID, Type: metatask.TypePlanLoad, Due: now,
			Schedule: metatask.FixedDelay(m.cfg.LoadInterval),
			Run:      m.LoadPlans,
		},
		{
			ID: PlanInstanceCheckID, Type: metatask.TypePlanInstanceCheck, Due: now.Add(m.cfg.CheckInterval),
			Schedule: metatask.FixedRate(m.cfg.CheckInterval),
			Run:      m.CheckPlanInstances,
		},
		{
			ID: TaskStatusCheckID, Type: metatask.TypeTaskStatusCheck, Due: now.Add(m.cfg.CheckInterval),
			Schedule: metatask.FixedRate(m.cfg.CheckInterval),
			Run:      m.CheckTasks,
		},
	}
	for _, t := range tasks {
		if err := m.timer.Schedule(t); err != nil && !errors.Is(err, metatask.ErrAlreadyScheduled) {
			return fmt.Errorf("register %s: %w", t.ID, err)
		}
	}
	return nil
}

// OwnedSlots 上一次載入計算出的 slot
func (m *Manager) OwnedSlots() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.owned...)
}

// PlanMetaID 計劃 meta task id，版本變更會產生新的 id
func PlanMetaID(planID int64, version int) string {
	return fmt.Sprintf("plan:%d:%d", planID, version)
}

func parsePlanMetaID(id string) (planID int64, version int, ok bool) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 || parts[0] != "plan" {
		return 0, 0, false
	}
	planID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	version, err = strconv.Atoi(parts[2])
	if err != nil {
		return 0, 0, false
	}
	return planID, version, true
}

// ============================================================================
// PLAN_LOAD
// ============================================================================

// LoadPlans 重新計算擁有的 slot，登記到期範圍內的計劃並取消失效的登記
func (m *Manager) LoadPlans(ctx context.Context, _ time.Time) error {
	alive, err := m.members.AliveBrokers(ctx)
	if err != nil {
		return fmt.Errorf("list alive brokers: %w", err)
	}
	owned := slot.Owned(alive, m.cfg.Self)

	m.mu.Lock()
	changed := !slices.Equal(owned, m.owned)
	m.owned = owned
	m.mu.Unlock()
	m.metrics.SetOwnedSlots(len(owned))
	if changed {
		m.log.Infow("owned slots changed", "self", m.cfg.Self.String(), "alive", len(alive), "slots", len(owned))
	}

	now := m.clock.Now()
	plans, err := m.repo.ListSchedulablePlans(ctx, owned, now.Add(m.cfg.LoadAhead).UnixMilli())
	if err != nil {
		return fmt.Errorf("list schedulable plans: %w", err)
	}

	var errs error
	want := make(map[int64]int, len(plans))
	registered := 0
	for _, plan := range plans {
		want[plan.ID] = plan.CurrentVersion
		ok, err := m.register(plan)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if ok {
			registered++
		}
	}

	released, err := m.release(ctx, owned, want)
	errs = multierr.Append(errs, err)

	if registered > 0 || released > 0 {
		m.log.Infow("plans loaded", "registered", registered, "released", released, "slots", len(owned))
	}
	return errs
}

func (m *Manager) register(plan *types.Plan) (bool, error) {
	id := PlanMetaID(plan.ID, plan.CurrentVersion)
	if m.timer.IsScheduled(id) {
		return false, nil
	}
	sched, err := metatask.ForPlan(plan.ScheduleType, plan.ScheduleConf)
	if err != nil {
		return false, fmt.Errorf("plan %d: %w", plan.ID, err)
	}

	err = m.timer.Schedule(metatask.MetaTask{
		ID:       id,
		Type:     metatask.TypePlan,
		Due:      time.UnixMilli(plan.NextTriggerAt),
		Schedule: sched,
		Run:      m.firePlan(plan.ID, plan.CurrentVersion, sched),
	})
	if errors.Is(err, metatask.ErrAlreadyScheduled) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("plan %d: %w", plan.ID, err)
	}

	m.mu.Lock()
	m.loaded[id] = loadedPlan{planID: plan.ID, version: plan.CurrentVersion, slot: plan.Slot}
	m.mu.Unlock()
	return true, nil
}

// release 取消不再屬於本節點、已改版或已停用的計劃
func (m *Manager) release(ctx context.Context, owned []int, want map[int64]int) (int, error) {
	var errs error
	released := 0
	for _, id := range m.timer.SchedulingByType(metatask.TypePlan) {
		planID, version, ok := parsePlanMetaID(id)
		if !ok {
			continue
		}
		if v, loaded := want[planID]; loaded && v == version {
			continue
		}

		m.mu.Lock()
		lp, known := m.loaded[id]
		m.mu.Unlock()

		drop := false
		switch {
		case known && !slot.Owns(owned, lp.slot):
			drop = true
		case want[planID] != 0:
			drop = true // 同一計劃的新版本已經登記
		default:
			plan, err := m.repo.GetPlan(ctx, planID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				drop = true
			case err != nil:
				errs = multierr.Append(errs, fmt.Errorf("plan %d: %w", planID, err))
				continue
			default:
				drop = !plan.Enabled || plan.CurrentVersion != version ||
					plan.ScheduleType == types.ScheduleNone || !slot.Owns(owned, plan.Slot)
			}
		}
		if !drop {
			continue
		}
		if m.timer.Unschedule(id) {
			released++
		}
		m.mu.Lock()
		delete(m.loaded, id)
		m.mu.Unlock()
	}
	return released, errs
}

// firePlan 計劃 meta task 的執行內容：觸發後推進 nextTriggerAt
func (m *Manager) firePlan(planID int64, version int, sched metatask.Schedule) metatask.Func {
	return func(ctx context.Context, due time.Time) error {
		if _, err := m.strategy.Schedule(ctx, planID, version, due, types.TriggerSchedule); err != nil {
			return err
		}
		var next int64
		if at, ok := sched.Next(due, m.clock.Now()); ok {
			next = at.UnixMilli()
		}
		if _, err := m.repo.AdvancePlanTrigger(ctx, planID, version, next); err != nil {
			return fmt.Errorf("advance plan %d trigger: %w", planID, err)
		}
		return nil
	}
}

// ============================================================================
// PLAN_INSTANCE_CHECK
// ============================================================================

// CheckPlanInstances 重新驅動超過 grace 仍在 SCHEDULING 的 PlanInstance
func (m *Manager) CheckPlanInstances(ctx context.Context, _ time.Time) error {
	owned := m.OwnedSlots()
	before := m.clock.Now().Add(-m.cfg.Grace).UnixMilli()

	pis, err := m.repo.ListPlanInstancesByStatus(ctx, owned, types.RunScheduling, before, m.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list stuck plan instances: %w", err)
	}

	var errs error
	for _, pi := range pis {
		if err := m.strategy.Resume(ctx, pi.ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("resume plan instance %d (plan %d): %w", pi.ID, pi.PlanID, err))
		}
	}
	m.metrics.RecordRepair("plan_instance", len(pis))
	if len(pis) > 0 {
		m.log.Infow("stuck plan instances resumed", "count", len(pis))
	}
	return errs
}

// ============================================================================
// TASK_STATUS_CHECK
// ============================================================================

// CheckTasks 處理失聯的 Task、到期未分派的 Task 與停住的 JobInstance
func (m *Manager) CheckTasks(ctx context.Context, _ time.Time) error {
	owned := m.OwnedSlots()
	now := m.clock.Now()
	before := now.Add(-m.cfg.Grace).UnixMilli()

	return multierr.Combine(
		m.failLostTasks(ctx, owned, now, before),
		m.dispatchDueTasks(ctx, owned, now, before),
		m.repairStalled(ctx, owned, before),
	)
}

func (m *Manager) failLostTasks(ctx context.Context, owned []int, now time.Time, before int64) error {
	active := []types.TaskStatus{types.TaskDispatching, types.TaskExecuting}
	m.mu.Lock()
	after := m.lostCursor
	m.mu.Unlock()

	tasks, err := m.repo.ListTasksByStatus(ctx, owned, active, before, after, m.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list active tasks: %w", err)
	}

	next := int64(0)
	if len(tasks) == m.cfg.BatchSize {
		next = tasks[len(tasks)-1].ID
	}
	m.mu.Lock()
	m.lostCursor = next
	m.mu.Unlock()

	var errs error
	alive := make(map[string]bool)
	failed := 0
	dispatchDeadline := now.Add(-m.cfg.DispatchTimeout).UnixMilli()

	for _, t := range tasks {
		var reason string
		if t.Status == types.TaskDispatching && t.DispatchedAt <= dispatchDeadline {
			reason = "dispatch timed out"
		} else {
			ok, cached := alive[t.WorkerID]
			if !cached {
				ok, err = m.workers.IsAlive(ctx, t.WorkerID)
				if err != nil {
					errs = multierr.Append(errs, fmt.Errorf("task %d: worker %s liveness: %w", t.ID, t.WorkerID, err))
					continue
				}
				alive[t.WorkerID] = ok
			}
			if ok {
				continue
			}
			reason = fmt.Sprintf("worker %s offline", t.WorkerID)
		}

		applied, err := m.strategy.HandleFail(ctx, t.ID, reason)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("fail task %d (plan instance %d): %w", t.ID, t.PlanInstanceID, err))
			continue
		}
		if applied {
			failed++
			m.log.Warnw("task force-failed", "taskId", t.ID, "planInstanceId", t.PlanInstanceID, "workerId", t.WorkerID, "reason", reason)
		}
	}
	m.metrics.RecordRepair("task_lost", failed)
	return errs
}

func (m *Manager) dispatchDueTasks(ctx context.Context, owned []int, now time.Time, before int64) error {
	tasks, err := m.repo.ListDueTasks(ctx, owned, now.UnixMilli(), before, m.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list due tasks: %w", err)
	}
	var errs error
	for _, t := range tasks {
		if err := m.strategy.DispatchTask(ctx, t.ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("dispatch task %d (plan instance %d): %w", t.ID, t.PlanInstanceID, err))
		}
	}
	m.metrics.RecordRepair("task_dispatch", len(tasks))
	return errs
}

func (m *Manager) repairStalled(ctx context.Context, owned []int, before int64) error {
	jis, err := m.repo.ListStalledJobInstances(ctx, owned, before, m.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list stalled job instances: %w", err)
	}
	var errs error
	for _, ji := range jis {
		if err := m.strategy.RepairJobInstance(ctx, ji.ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("repair job instance %d (plan instance %d): %w", ji.ID, ji.PlanInstanceID, err))
		}
	}
	m.metrics.RecordRepair("job_instance", len(jis))
	if len(jis) > 0 {
		m.log.Infow("stalled job instances repaired", "count", len(jis))
	}
	return errs
}
