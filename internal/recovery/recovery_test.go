package recovery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ChuLiYu/beaver-sched/internal/metatask"
	"github.com/ChuLiYu/beaver-sched/internal/slot"
	"github.com/ChuLiYu/beaver-sched/internal/store"
	"github.com/ChuLiYu/beaver-sched/internal/store/storetest"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

var (
	t0   = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	self = types.Node{Host: "10.0.0.1", Port: 9090}
	peer = types.Node{Host: "10.0.0.2", Port: 9090}
)

// ============================================================================
// 測試替身
// ============================================================================

type fakeMembers struct {
	mu    sync.Mutex
	nodes []types.Node
	err   error
}

func (f *fakeMembers) AliveBrokers(context.Context) ([]types.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes, f.err
}

type fakeWorkers map[string]bool

func (f fakeWorkers) IsAlive(_ context.Context, id string) (bool, error) {
	return f[id], nil
}

type fireCall struct {
	planID  int64
	version int
	due     time.Time
}

type fakeLifecycle struct {
	mu        sync.Mutex
	fired     []fireCall
	resumed   []int64
	failed    map[int64]string
	dispatch  []int64
	repaired  []int64
	resumeErr error
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{failed: make(map[int64]string)}
}

func (f *fakeLifecycle) Schedule(_ context.Context, planID int64, version int, due time.Time, _ types.TriggerType) (*types.PlanInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, fireCall{planID, version, due})
	return &types.PlanInstance{ID: 1, PlanID: planID}, nil
}

func (f *fakeLifecycle) Resume(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, id)
	return f.resumeErr
}

func (f *fakeLifecycle) HandleFail(_ context.Context, id int64, msg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = msg
	return true, nil
}

func (f *fakeLifecycle) DispatchTask(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatch = append(f.dispatch, id)
	return nil
}

func (f *fakeLifecycle) RepairJobInstance(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repaired = append(f.repaired, id)
	return nil
}

type harness struct {
	ctx       context.Context
	clock     *clockwork.FakeClock
	repo      *store.GormStore
	members   *fakeMembers
	lifecycle *fakeLifecycle
	timer     *metatask.Scheduler
	m         *Manager
}

func newHarness(t *testing.T, workers fakeWorkers) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	h := &harness{
		ctx:       context.Background(),
		clock:     clock,
		repo:      storetest.New(t, clock),
		members:   &fakeMembers{nodes: []types.Node{self}},
		lifecycle: newFakeLifecycle(),
		timer:     metatask.New(metatask.Options{Clock: clock}),
	}
	h.m = New(Options{
		Config:   Config{Self: self, LoadInterval: 10 * time.Second, Grace: 30 * time.Second, DispatchTimeout: time.Minute},
		Repo:     h.repo,
		Members:  h.members,
		Workers:  workers,
		Strategy: h.lifecycle,
		Timer:    h.timer,
		Clock:    clock,
		Logger:   zaptest.NewLogger(t),
	})
	return h
}

func (h *harness) createPlan(t *testing.T, next time.Time) *types.Plan {
	t.Helper()
	plan := &types.Plan{
		Name:          "p",
		Enabled:       true,
		TriggerType:   types.TriggerSchedule,
		ScheduleType:  types.ScheduleFixedRate,
		ScheduleConf:  "1m",
		NextTriggerAt: next.UnixMilli(),
	}
	info := &types.PlanInfo{
		Jobs:         []types.WorkflowJob{{ID: 1, Type: types.JobNormal, TerminateWithFail: true}},
		ScheduleType: plan.ScheduleType,
		ScheduleConf: plan.ScheduleConf,
	}
	require.NoError(t, h.repo.CreatePlan(h.ctx, plan, info))
	return plan
}

// ============================================================================
// PLAN_LOAD
// ============================================================================

func TestStartRegistersCheckTasks(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.m.Start())
	require.NoError(t, h.m.Start(), "second start is a no-op")

	assert.True(t, h.timer.IsScheduled(PlanLoadID))
	assert.True(t, h.timer.IsScheduled(PlanInstanceCheckID))
	assert.True(t, h.timer.IsScheduled(TaskStatusCheckID))

	due, ok := h.timer.NextDue(PlanLoadID)
	require.True(t, ok)
	assert.True(t, due.Equal(t0))
}

func TestLoadPlansRegistersDuePlans(t *testing.T) {
	h := newHarness(t, nil)
	soon := h.createPlan(t, t0.Add(5*time.Second))
	later := h.createPlan(t, t0.Add(time.Hour))
	disabled := h.createPlan(t, t0)
	require.NoError(t, h.repo.SetPlanEnabled(h.ctx, disabled.ID, false))

	require.NoError(t, h.m.LoadPlans(h.ctx, t0))

	assert.Len(t, h.m.OwnedSlots(), slot.SlotSize)
	assert.Equal(t, []string{PlanMetaID(soon.ID, 1)}, h.timer.SchedulingByType(metatask.TypePlan))
	assert.False(t, h.timer.IsScheduled(PlanMetaID(later.ID, 1)))

	due, ok := h.timer.NextDue(PlanMetaID(soon.ID, 1))
	require.True(t, ok)
	assert.True(t, due.Equal(t0.Add(5*time.Second)))

	// 重複載入不會重新登記
	require.NoError(t, h.m.LoadPlans(h.ctx, t0))
	assert.Len(t, h.timer.SchedulingByType(metatask.TypePlan), 1)
}

func TestLoadPlansKeepsRegisteredPlanOutsideHorizon(t *testing.T) {
	h := newHarness(t, nil)
	plan := h.createPlan(t, t0)
	require.NoError(t, h.m.LoadPlans(h.ctx, t0))

	// 觸發後 nextTriggerAt 推進到載入範圍外，登記仍然保留
	_, err := h.repo.AdvancePlanTrigger(h.ctx, plan.ID, 1, t0.Add(time.Hour).UnixMilli())
	require.NoError(t, err)
	require.NoError(t, h.m.LoadPlans(h.ctx, t0))
	assert.True(t, h.timer.IsScheduled(PlanMetaID(plan.ID, 1)))

	require.NoError(t, h.repo.SetPlanEnabled(h.ctx, plan.ID, false))
	require.NoError(t, h.m.LoadPlans(h.ctx, t0))
	assert.False(t, h.timer.IsScheduled(PlanMetaID(plan.ID, 1)))
}

func TestLoadPlansReplacesOldVersion(t *testing.T) {
	h := newHarness(t, nil)
	plan := h.createPlan(t, t0)
	require.NoError(t, h.m.LoadPlans(h.ctx, t0))

	_, err := h.repo.UpdatePlan(h.ctx, plan.ID, &types.PlanInfo{
		Jobs:         []types.WorkflowJob{{ID: 1, Type: types.JobNormal}},
		ScheduleType: types.ScheduleFixedRate,
		ScheduleConf: "5m",
	}, t0.UnixMilli())
	require.NoError(t, err)

	require.NoError(t, h.m.LoadPlans(h.ctx, t0))
	assert.Equal(t, []string{PlanMetaID(plan.ID, 2)}, h.timer.SchedulingByType(metatask.TypePlan))
}

func TestLoadPlansReleasesHandedOverSlots(t *testing.T) {
	h := newHarness(t, nil)
	var plans []*types.Plan
	for i := 0; i < 12; i++ {
		plans = append(plans, h.createPlan(t, t0))
	}
	require.NoError(t, h.m.LoadPlans(h.ctx, t0))
	require.Len(t, h.timer.SchedulingByType(metatask.TypePlan), len(plans))

	h.members.nodes = []types.Node{peer, self}
	require.NoError(t, h.m.LoadPlans(h.ctx, t0))

	owned := h.m.OwnedSlots()
	assert.Len(t, owned, slot.SlotSize/2)
	for _, p := range plans {
		assert.Equal(t, slot.Owns(owned, p.Slot), h.timer.IsScheduled(PlanMetaID(p.ID, 1)), "plan %d slot %d", p.ID, p.Slot)
	}

	// 不在存活清單內時不擁有任何 slot
	h.members.nodes = []types.Node{peer}
	require.NoError(t, h.m.LoadPlans(h.ctx, t0))
	assert.Empty(t, h.m.OwnedSlots())
	assert.Empty(t, h.timer.SchedulingByType(metatask.TypePlan))
}

func TestLoadPlansMembershipError(t *testing.T) {
	h := newHarness(t, nil)
	h.members.err = errors.New("redis down")
	assert.Error(t, h.m.LoadPlans(h.ctx, t0))
}

func TestFirePlanAdvancesTrigger(t *testing.T) {
	h := newHarness(t, nil)
	plan := h.createPlan(t, t0)

	run := h.m.firePlan(plan.ID, 1, metatask.FixedRate(time.Minute))
	h.clock.Advance(2 * time.Second)
	require.NoError(t, run(h.ctx, t0))

	require.Len(t, h.lifecycle.fired, 1)
	assert.Equal(t, plan.ID, h.lifecycle.fired[0].planID)
	assert.True(t, h.lifecycle.fired[0].due.Equal(t0))

	got, err := h.repo.GetPlan(h.ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute).UnixMilli(), got.NextTriggerAt)

	// 一次性計劃觸發後不再有下次
	run = h.m.firePlan(plan.ID, 1, metatask.Once())
	require.NoError(t, run(h.ctx, t0.Add(time.Minute)))
	got, err = h.repo.GetPlan(h.ctx, plan.ID)
	require.NoError(t, err)
	assert.Zero(t, got.NextTriggerAt)
}

func TestParsePlanMetaID(t *testing.T) {
	id, v, ok := parsePlanMetaID(PlanMetaID(42, 3))
	require.True(t, ok)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, 3, v)

	for _, bad := range []string{"task:1", "plan:x:1", "plan:1:y", "plan-load"} {
		_, _, ok := parsePlanMetaID(bad)
		assert.False(t, ok, bad)
	}
}

// ============================================================================
// 健康檢查
// ============================================================================

func TestCheckPlanInstancesResumesStuck(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.m.LoadPlans(h.ctx, t0))

	stuck := &types.PlanInstance{PlanID: 1, PlanVersion: 1, Slot: 3, TriggerAt: 1, TriggerType: types.TriggerSchedule, Status: types.RunScheduling}
	_, err := h.repo.InsertPlanInstance(h.ctx, stuck)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	fresh := &types.PlanInstance{PlanID: 1, PlanVersion: 1, Slot: 3, TriggerAt: 2, TriggerType: types.TriggerSchedule, Status: types.RunScheduling}
	_, err = h.repo.InsertPlanInstance(h.ctx, fresh)
	require.NoError(t, err)

	h.lifecycle.resumeErr = errors.New("boom")
	err = h.m.CheckPlanInstances(h.ctx, h.clock.Now())
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, []int64{stuck.ID}, h.lifecycle.resumed)
}

func TestCheckPlanInstancesWithoutSlots(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.repo.InsertPlanInstance(h.ctx, &types.PlanInstance{PlanID: 1, TriggerAt: 1, TriggerType: types.TriggerSchedule, Status: types.RunScheduling})
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	// 尚未載入，不擁有任何 slot
	require.NoError(t, h.m.CheckPlanInstances(h.ctx, h.clock.Now()))
	assert.Empty(t, h.lifecycle.resumed)
}

func TestCheckTasks(t *testing.T) {
	h := newHarness(t, fakeWorkers{"alive": true})
	require.NoError(t, h.m.LoadPlans(h.ctx, t0))

	task := func(status types.TaskStatus, worker string) *types.Task {
		return &types.Task{
			JobInstanceID: 100, PlanInstanceID: 10, Slot: 5, Type: types.TaskNormal,
			Status: status, WorkerID: worker, TriggerAt: t0.UnixMilli(), DispatchedAt: t0.UnixMilli(),
		}
	}
	dead := task(types.TaskExecuting, "gone")
	healthy := task(types.TaskExecuting, "alive")
	slow := task(types.TaskDispatching, "alive")
	due := task(types.TaskScheduling, "")
	future := task(types.TaskScheduling, "")
	future.TriggerAt = t0.Add(time.Hour).UnixMilli()
	require.NoError(t, h.repo.InsertTasks(h.ctx, []*types.Task{dead, healthy, slow, due, future}))

	stalled := &types.JobInstance{PlanInstanceID: 10, JobID: 1, Slot: 5, Type: types.JobNormal, Status: types.RunExecuting}
	ok, err := h.repo.InsertJobInstance(h.ctx, stalled)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.repo.InsertTasks(h.ctx, []*types.Task{{JobInstanceID: stalled.ID, Slot: 5, Status: types.TaskSucceed}}))

	// grace 之內不處理
	require.NoError(t, h.m.CheckTasks(h.ctx, h.clock.Now()))
	assert.Empty(t, h.lifecycle.failed)
	assert.Empty(t, h.lifecycle.dispatch)
	assert.Empty(t, h.lifecycle.repaired)

	h.clock.Advance(2 * time.Minute)
	require.NoError(t, h.m.CheckTasks(h.ctx, h.clock.Now()))

	assert.Equal(t, map[int64]string{
		dead.ID: "worker gone offline",
		slow.ID: "dispatch timed out",
	}, h.lifecycle.failed)
	assert.Equal(t, []int64{due.ID}, h.lifecycle.dispatch)
	assert.Equal(t, []int64{stalled.ID}, h.lifecycle.repaired)
}

func TestCheckTasksSkipsForeignSlots(t *testing.T) {
	h := newHarness(t, fakeWorkers{})
	h.members.nodes = []types.Node{self, peer}
	require.NoError(t, h.m.LoadPlans(h.ctx, t0))
	owned := h.m.OwnedSlots()

	var mine, theirs int
	for s := 0; s < slot.SlotSize; s++ {
		if slot.Owns(owned, s) {
			mine = s
		} else {
			theirs = s
		}
	}
	tasks := []*types.Task{
		{JobInstanceID: 1, Slot: mine, Status: types.TaskExecuting, WorkerID: "w"},
		{JobInstanceID: 2, Slot: theirs, Status: types.TaskExecuting, WorkerID: "w"},
	}
	require.NoError(t, h.repo.InsertTasks(h.ctx, tasks))
	h.clock.Advance(time.Minute)

	require.NoError(t, h.m.CheckTasks(h.ctx, h.clock.Now()))
	ids := make([]int64, 0, len(h.lifecycle.failed))
	for id := range h.lifecycle.failed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	assert.Equal(t, []int64{tasks[0].ID}, ids)
}

func TestCheckTasksPagesPastHealthyTasks(t *testing.T) {
	h := newHarness(t, fakeWorkers{"alive": true})
	h.m.cfg.BatchSize = 2
	require.NoError(t, h.m.LoadPlans(h.ctx, t0))

	// 兩個長時間執行的健康 Task 排在前面，佔滿一整頁
	tasks := []*types.Task{
		{JobInstanceID: 1, PlanInstanceID: 10, Slot: 5, Type: types.TaskNormal, Status: types.TaskExecuting, WorkerID: "alive"},
		{JobInstanceID: 2, PlanInstanceID: 10, Slot: 5, Type: types.TaskNormal, Status: types.TaskExecuting, WorkerID: "alive"},
		{JobInstanceID: 3, PlanInstanceID: 11, Slot: 5, Type: types.TaskNormal, Status: types.TaskExecuting, WorkerID: "gone"},
	}
	require.NoError(t, h.repo.InsertTasks(h.ctx, tasks))
	lost := tasks[2]

	for pass := 0; pass < 3; pass++ {
		h.clock.Advance(time.Minute)
		require.NoError(t, h.m.CheckTasks(h.ctx, h.clock.Now()))
	}

	h.lifecycle.mu.Lock()
	defer h.lifecycle.mu.Unlock()
	assert.Equal(t, map[int64]string{lost.ID: "worker gone offline"}, h.lifecycle.failed,
		"Task on an offline worker should be failed once the scan pages past healthy tasks")
}

func TestLoadPlansLogsRankChange(t *testing.T) {
	h := newHarness(t, nil)
	core, logs := observer.New(zap.InfoLevel)
	h.m.log = zap.New(core).Sugar()

	h.members.nodes = []types.Node{self, peer}
	require.NoError(t, h.m.LoadPlans(h.ctx, t0))
	first := h.m.OwnedSlots()

	// peer 被排序更前面的節點取代：slot 數相同，rank 改變
	h.members.nodes = []types.Node{{Host: "10.0.0.0", Port: 9090}, self}
	require.NoError(t, h.m.LoadPlans(h.ctx, t0))
	second := h.m.OwnedSlots()

	require.Len(t, second, len(first))
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, logs.FilterMessage("owned slots changed").Len())

	// 成員不變時不重複記錄
	require.NoError(t, h.m.LoadPlans(h.ctx, t0))
	assert.Equal(t, 2, logs.FilterMessage("owned slots changed").Len())
}
