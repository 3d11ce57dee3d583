package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ChuLiYu/beaver-sched/internal/dispatch"
	"github.com/ChuLiYu/beaver-sched/internal/metatask"
	"github.com/ChuLiYu/beaver-sched/internal/store"
	"github.com/ChuLiYu/beaver-sched/internal/store/storetest"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// ============================================================================
// 測試替身
// ============================================================================

type fakeDispatcher struct {
	mu      sync.Mutex
	workers []types.Worker
	pickErr error
	refuse  bool
	sent    []*types.Task
}

func (d *fakeDispatcher) Workers(context.Context, *types.WorkflowJob) ([]types.Worker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.Worker(nil), d.workers...), nil
}

func (d *fakeDispatcher) Pick(_ context.Context, task *types.Task, _ *types.WorkflowJob) (types.Worker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pickErr != nil {
		return types.Worker{}, d.pickErr
	}
	for _, w := range d.workers {
		if task.WorkerID == "" || w.ID == task.WorkerID {
			return w, nil
		}
	}
	return types.Worker{}, dispatch.ErrNoWorker
}

func (d *fakeDispatcher) Send(_ context.Context, _ types.Worker, task *types.Task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refuse {
		return false
	}
	cp := *task
	d.sent = append(d.sent, &cp)
	return true
}

// take 取出目前已送出的 Task 並清空
func (d *fakeDispatcher) take() []*types.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.sent
	d.sent = nil
	return out
}

type fakeTimer struct {
	mu    sync.Mutex
	tasks map[string]metatask.MetaTask
}

func (t *fakeTimer) Schedule(m metatask.MetaTask) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tasks[m.ID]; ok {
		return metatask.ErrAlreadyScheduled
	}
	t.tasks[m.ID] = m
	return nil
}

type harness struct {
	ctx   context.Context
	clock *clockwork.FakeClock
	repo  *store.GormStore
	disp  *fakeDispatcher
	timer *fakeTimer
	s     *Strategy
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	h := &harness{
		ctx:   context.Background(),
		clock: clock,
		repo:  storetest.New(t, clock),
		disp:  &fakeDispatcher{workers: []types.Worker{{ID: "w1", Group: "default", Host: "10.0.0.1", Port: 7000}}},
		timer: &fakeTimer{tasks: make(map[string]metatask.MetaTask)},
	}
	h.s = New(Options{
		Repo:       h.repo,
		Dispatcher: h.disp,
		Timer:      h.timer,
		Clock:      clock,
		Logger:     zaptest.NewLogger(t),
	})
	return h
}

func job(id int64, typ types.JobType, parents ...int64) types.WorkflowJob {
	return types.WorkflowJob{
		ID: id, Name: "job", Group: "default", Type: typ, Parents: parents,
		TerminateWithFail: true, TriggerType: types.TriggerSchedule,
	}
}

func (h *harness) plan(t *testing.T, jobs ...types.WorkflowJob) *types.Plan {
	t.Helper()
	plan := &types.Plan{
		Name:          "p",
		Enabled:       true,
		TriggerType:   types.TriggerSchedule,
		ScheduleType:  types.ScheduleFixedRate,
		ScheduleConf:  "1m",
		NextTriggerAt: t0.UnixMilli(),
	}
	info := &types.PlanInfo{Workflow: len(jobs) > 1, Jobs: jobs, ScheduleType: plan.ScheduleType, ScheduleConf: plan.ScheduleConf}
	require.NoError(t, h.repo.CreatePlan(h.ctx, plan, info))
	return plan
}

func (h *harness) fire(t *testing.T, plan *types.Plan) *types.PlanInstance {
	t.Helper()
	pi, err := h.s.Schedule(h.ctx, plan.ID, plan.CurrentVersion, t0, types.TriggerSchedule)
	require.NoError(t, err)
	require.NotNil(t, pi)
	return pi
}

func (h *harness) planInstance(t *testing.T, id int64) *types.PlanInstance {
	t.Helper()
	pi, err := h.repo.GetPlanInstance(h.ctx, id)
	require.NoError(t, err)
	return pi
}

func (h *harness) jobInstances(t *testing.T, piID int64) map[int64]*types.JobInstance {
	t.Helper()
	jis, err := h.repo.ListJobInstances(h.ctx, piID)
	require.NoError(t, err)
	return effective(jis)
}

func (h *harness) succeed(t *testing.T, task *types.Task, result string) {
	t.Helper()
	ok, err := h.s.HandleSuccess(h.ctx, task.ID, result)
	require.NoError(t, err)
	require.True(t, ok)
}

func (h *harness) fail(t *testing.T, task *types.Task) {
	t.Helper()
	ok, err := h.s.HandleFail(h.ctx, task.ID, "exit 1")
	require.NoError(t, err)
	require.True(t, ok)
}

// ============================================================================
// 觸發
// ============================================================================

func TestSingleJobLifecycle(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, job(1, types.JobNormal))
	pi := h.fire(t, plan)

	sent := h.disp.take()
	require.Len(t, sent, 1)
	assert.Equal(t, types.TaskNormal, sent[0].Type)

	task, err := h.repo.GetTask(h.ctx, sent[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskExecuting, task.Status)
	assert.Equal(t, "w1", task.WorkerID)
	assert.Equal(t, "10.0.0.1:7000", task.WorkerAddr)
	assert.Equal(t, t0.UnixMilli(), task.DispatchedAt)
	assert.Equal(t, types.RunExecuting, h.planInstance(t, pi.ID).Status)

	h.succeed(t, sent[0], "done")

	assert.Equal(t, types.RunSucceed, h.planInstance(t, pi.ID).Status)
	assert.Equal(t, types.RunSucceed, h.jobInstances(t, pi.ID)[1].Status)
}

func TestFeedbackIsIdempotent(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, job(1, types.JobNormal))
	pi := h.fire(t, plan)
	task := h.disp.take()[0]

	h.succeed(t, task, "first")

	ok, err := h.s.HandleSuccess(h.ctx, task.ID, "second")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = h.s.HandleFail(h.ctx, task.ID, "late")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := h.repo.GetTask(h.ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskSucceed, got.Status)
	assert.Equal(t, "first", got.Result)
	assert.Equal(t, types.RunSucceed, h.planInstance(t, pi.ID).Status)
}

func TestDuplicateFiringCreatesOneInstance(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, job(1, types.JobNormal))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pi, err := h.s.Schedule(h.ctx, plan.ID, 1, t0, types.TriggerSchedule)
			assert.NoError(t, err)
			if pi != nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, h.disp.take(), 1)
}

func TestStaleVersionIsIgnored(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, job(1, types.JobNormal))
	_, err := h.repo.UpdatePlan(h.ctx, plan.ID, &types.PlanInfo{
		Jobs: []types.WorkflowJob{job(1, types.JobNormal)}, ScheduleType: types.ScheduleFixedRate, ScheduleConf: "2m",
	}, t0.UnixMilli())
	require.NoError(t, err)

	pi, err := h.s.Schedule(h.ctx, plan.ID, 1, t0, types.TriggerSchedule)
	require.NoError(t, err)
	assert.Nil(t, pi)
	assert.Empty(t, h.disp.take())
}

func TestGraphCacheKeepsLatestVersionOnly(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, job(1, types.JobNormal))
	g1, err := h.s.graph(h.ctx, h.repo, plan.ID, 1)
	require.NoError(t, err)

	for v := 2; v <= 4; v++ {
		_, err := h.repo.UpdatePlan(h.ctx, plan.ID, &types.PlanInfo{
			Workflow: true, Jobs: []types.WorkflowJob{job(1, types.JobNormal), job(int64(v), types.JobNormal, 1)},
			ScheduleType: types.ScheduleFixedRate, ScheduleConf: "1m",
		}, t0.UnixMilli())
		require.NoError(t, err)
		_, err = h.s.graph(h.ctx, h.repo, plan.ID, v)
		require.NoError(t, err)
	}
	require.Len(t, h.s.graphs, 1)
	assert.Equal(t, 4, h.s.graphs[plan.ID].version)

	// 舊版本仍可讀取，但不取代快取中的新版本
	old, err := h.s.graph(h.ctx, h.repo, plan.ID, 1)
	require.NoError(t, err)
	assert.NotSame(t, g1, old)
	_, ok := old.Node(4)
	assert.False(t, ok)
	assert.Equal(t, 4, h.s.graphs[plan.ID].version)

	latest, err := h.s.graph(h.ctx, h.repo, plan.ID, 4)
	require.NoError(t, err)
	assert.Same(t, h.s.graphs[plan.ID].g, latest)
}

func TestUnknownJobTypeRollsBack(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, job(1, types.JobType("WEIRD")))

	pi, err := h.s.Schedule(h.ctx, plan.ID, 1, t0, types.TriggerSchedule)
	require.Error(t, err)
	assert.Nil(t, pi)
	assert.True(t, errors.Is(err, ErrUnknownType))

	var typeErr *TypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Equal(t, "WEIRD", typeErr.Value)

	// 交易回滾後可以重新觸發同一時間點
	stats, err := h.repo.Stats(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, stats.PlanInstances)
}

// ============================================================================
// DAG
// ============================================================================

func TestFanInWaitsForAllPredecessors(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t,
		job(1, types.JobNormal),
		job(2, types.JobNormal),
		job(3, types.JobNormal),
		job(4, types.JobNormal, 1, 2, 3),
	)
	pi := h.fire(t, plan)

	sent := h.disp.take()
	require.Len(t, sent, 3)
	byJob := map[int64]*types.Task{}
	for _, task := range sent {
		byJob[task.JobID] = task
	}

	h.succeed(t, byJob[1], "r1")
	h.succeed(t, byJob[2], "r2")
	_, exists := h.jobInstances(t, pi.ID)[4]
	assert.False(t, exists, "job 4 must wait for job 3")
	assert.Empty(t, h.disp.take())

	h.succeed(t, byJob[3], "r3")
	next := h.disp.take()
	require.Len(t, next, 1)
	assert.Equal(t, int64(4), next[0].JobID)
	assert.Equal(t, map[string]string{"1": "r1", "2": "r2", "3": "r3"}, next[0].Attach)
	assert.Equal(t, types.RunExecuting, h.planInstance(t, pi.ID).Status)

	h.succeed(t, next[0], "r4")
	assert.Equal(t, types.RunSucceed, h.planInstance(t, pi.ID).Status)
}

func TestMapReduceChain(t *testing.T) {
	h := newHarness(t)
	j := job(1, types.JobMapReduce)
	j.Params = "input"
	plan := h.plan(t, j)
	pi := h.fire(t, plan)

	split := h.disp.take()
	require.Len(t, split, 1)
	assert.Equal(t, types.TaskSplit, split[0].Type)
	assert.Equal(t, "input", split[0].Params)

	h.succeed(t, split[0], "a, b,,c")
	maps := h.disp.take()
	require.Len(t, maps, 3)
	params := []string{maps[0].Params, maps[1].Params, maps[2].Params}
	assert.Equal(t, []string{"a", "b", "c"}, params)

	h.succeed(t, maps[0], "A")
	h.succeed(t, maps[1], "B")
	assert.Empty(t, h.disp.take(), "reduce waits for the last map")
	h.succeed(t, maps[2], "C")

	reduce := h.disp.take()
	require.Len(t, reduce, 1)
	assert.Equal(t, types.TaskReduce, reduce[0].Type)
	assert.JSONEq(t, `["A","B","C"]`, reduce[0].Params)

	h.succeed(t, reduce[0], "ABC")
	assert.Equal(t, types.RunSucceed, h.planInstance(t, pi.ID).Status)
	assert.Equal(t, types.RunSucceed, h.jobInstances(t, pi.ID)[1].Status)
}

func TestMapWithEmptySplitFinishes(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, job(1, types.JobMap))
	pi := h.fire(t, plan)

	h.succeed(t, h.disp.take()[0], " , ")
	assert.Empty(t, h.disp.take())
	assert.Equal(t, types.RunSucceed, h.planInstance(t, pi.ID).Status)
}

func TestMapFailureFailsJob(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, job(1, types.JobMap))
	pi := h.fire(t, plan)

	h.succeed(t, h.disp.take()[0], "a,b")
	maps := h.disp.take()
	require.Len(t, maps, 2)

	h.fail(t, maps[0])
	assert.Equal(t, types.RunExecuting, h.planInstance(t, pi.ID).Status, "sibling map still running")
	h.succeed(t, maps[1], "ok")

	assert.Equal(t, types.RunFailed, h.jobInstances(t, pi.ID)[1].Status)
	assert.Equal(t, types.RunFailed, h.planInstance(t, pi.ID).Status)
}

func TestBroadcastTaskPerWorker(t *testing.T) {
	h := newHarness(t)
	h.disp.workers = append(h.disp.workers, types.Worker{ID: "w2", Group: "default", Host: "10.0.0.2", Port: 7000})
	plan := h.plan(t, job(1, types.JobBroadcast))
	pi := h.fire(t, plan)

	sent := h.disp.take()
	require.Len(t, sent, 2)
	assert.ElementsMatch(t, []string{"w1", "w2"}, []string{sent[0].WorkerID, sent[1].WorkerID})

	h.succeed(t, sent[0], "")
	assert.Equal(t, types.RunExecuting, h.planInstance(t, pi.ID).Status)
	h.succeed(t, sent[1], "")
	assert.Equal(t, types.RunSucceed, h.planInstance(t, pi.ID).Status)
}

func TestBroadcastWithoutWorkersSucceeds(t *testing.T) {
	h := newHarness(t)
	h.disp.workers = nil
	plan := h.plan(t, job(1, types.JobBroadcast), job(2, types.JobBroadcast, 1))
	pi := h.fire(t, plan)

	assert.Empty(t, h.disp.take())
	jis := h.jobInstances(t, pi.ID)
	require.Len(t, jis, 2)
	assert.Equal(t, types.RunSucceed, jis[1].Status)
	assert.Equal(t, types.RunSucceed, jis[2].Status)
	assert.Equal(t, types.RunSucceed, h.planInstance(t, pi.ID).Status)
}

func TestAPIJobWaitsForTrigger(t *testing.T) {
	h := newHarness(t)
	second := job(2, types.JobNormal, 1)
	second.TriggerType = types.TriggerAPI
	plan := h.plan(t, job(1, types.JobNormal), second)
	pi := h.fire(t, plan)

	h.succeed(t, h.disp.take()[0], "r1")
	_, exists := h.jobInstances(t, pi.ID)[2]
	assert.False(t, exists)
	assert.Equal(t, types.RunExecuting, h.planInstance(t, pi.ID).Status)

	ok, err := h.s.TriggerJob(h.ctx, pi.ID, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.s.TriggerJob(h.ctx, pi.ID, 2)
	require.NoError(t, err)
	assert.False(t, ok, "second trigger is a no-op")

	sent := h.disp.take()
	require.Len(t, sent, 1)
	assert.Equal(t, "r1", sent[0].Attach["1"])
	h.succeed(t, sent[0], "r2")
	assert.Equal(t, types.RunSucceed, h.planInstance(t, pi.ID).Status)
}

func TestFollowJobWaitsForTrigger(t *testing.T) {
	h := newHarness(t)
	second := job(2, types.JobNormal, 1)
	second.TriggerType = types.TriggerFollow
	plan := h.plan(t, job(1, types.JobNormal), second, job(3, types.JobNormal, 2))
	pi := h.fire(t, plan)

	h.succeed(t, h.disp.take()[0], "r1")
	assert.Empty(t, h.disp.take())
	jis := h.jobInstances(t, pi.ID)
	assert.Len(t, jis, 1)
	assert.Equal(t, types.RunExecuting, h.planInstance(t, pi.ID).Status)

	ok, err := h.s.TriggerJob(h.ctx, pi.ID, 2)
	require.NoError(t, err)
	require.True(t, ok)

	sent := h.disp.take()
	require.Len(t, sent, 1)
	h.succeed(t, sent[0], "r2")

	// 下游的 SCHEDULE 節點照常自動推進
	sent = h.disp.take()
	require.Len(t, sent, 1)
	assert.Equal(t, "r2", sent[0].Attach["2"])
	h.succeed(t, sent[0], "r3")
	assert.Equal(t, types.RunSucceed, h.planInstance(t, pi.ID).Status)
}

// ============================================================================
// 失敗與重試
// ============================================================================

func TestRetryBoundThenPlanFails(t *testing.T) {
	h := newHarness(t)
	j := job(1, types.JobNormal)
	j.RetryTimes = 2
	plan := h.plan(t, j)
	pi := h.fire(t, plan)

	for attempt := 0; attempt < 3; attempt++ {
		sent := h.disp.take()
		require.Len(t, sent, 1, "attempt %d", attempt)
		assert.Equal(t, types.RunExecuting, h.planInstance(t, pi.ID).Status)
		h.fail(t, sent[0])
	}

	assert.Empty(t, h.disp.take())
	jis, err := h.repo.ListJobInstances(h.ctx, pi.ID)
	require.NoError(t, err)
	require.Len(t, jis, 3)
	for i, ji := range jis {
		assert.Equal(t, i, ji.RetryCount)
		assert.Equal(t, types.RunFailed, ji.Status)
	}
	got := h.planInstance(t, pi.ID)
	assert.Equal(t, types.RunFailed, got.Status)
	assert.Contains(t, got.Message, "exit 1")
}

func TestRetryIsDeferredByInterval(t *testing.T) {
	h := newHarness(t)
	j := job(1, types.JobNormal)
	j.RetryTimes = 1
	j.RetryInterval = 30 * time.Second
	plan := h.plan(t, j)
	pi := h.fire(t, plan)

	h.fail(t, h.disp.take()[0])
	assert.Empty(t, h.disp.take())
	require.Len(t, h.timer.tasks, 1)

	var meta metatask.MetaTask
	for _, m := range h.timer.tasks {
		meta = m
	}
	assert.Equal(t, metatask.TypeTask, meta.Type)
	assert.True(t, meta.Due.Equal(t0.Add(30*time.Second)), "due %s", meta.Due)

	h.clock.Advance(30 * time.Second)
	require.NoError(t, meta.Run(h.ctx, meta.Due))

	sent := h.disp.take()
	require.Len(t, sent, 1)
	assert.Equal(t, TaskMetaID(sent[0].ID), meta.ID)
	h.succeed(t, sent[0], "ok")
	assert.Equal(t, types.RunSucceed, h.planInstance(t, pi.ID).Status)
}

func TestNoWorkerFailsPlan(t *testing.T) {
	h := newHarness(t)
	h.disp.pickErr = dispatch.ErrNoWorker
	plan := h.plan(t, job(1, types.JobNormal))
	pi := h.fire(t, plan)

	jis := h.jobInstances(t, pi.ID)
	tasks, err := h.repo.ListTasks(h.ctx, jis[1].ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.TaskDispatchFailed, tasks[0].Status)
	assert.Contains(t, tasks[0].Message, "no available worker")
	assert.Equal(t, types.RunFailed, h.planInstance(t, pi.ID).Status)
}

func TestRefusedDispatchRetries(t *testing.T) {
	h := newHarness(t)
	h.disp.refuse = true
	j := job(1, types.JobNormal)
	j.RetryTimes = 1
	plan := h.plan(t, j)
	pi := h.fire(t, plan)

	// 兩次嘗試都被拒絕，重試在同一個分派佇列內完成
	jis, err := h.repo.ListJobInstances(h.ctx, pi.ID)
	require.NoError(t, err)
	require.Len(t, jis, 2)
	for _, ji := range jis {
		tasks, err := h.repo.ListTasks(h.ctx, ji.ID)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, types.TaskDispatchFailed, tasks[0].Status)
		assert.Equal(t, "w1", tasks[0].WorkerID)
	}
	assert.Equal(t, types.RunFailed, h.planInstance(t, pi.ID).Status)
}

func TestNonTerminatingFailureAdvances(t *testing.T) {
	h := newHarness(t)
	first := job(1, types.JobNormal)
	first.TerminateWithFail = false
	first.RetryTimes = 3 // 不中止的節點不重試
	plan := h.plan(t, first, job(2, types.JobNormal, 1))
	pi := h.fire(t, plan)

	h.fail(t, h.disp.take()[0])
	jis := h.jobInstances(t, pi.ID)
	assert.Equal(t, types.RunFailed, jis[1].Status)
	assert.Equal(t, 0, jis[1].RetryCount)

	next := h.disp.take()
	require.Len(t, next, 1)
	assert.Equal(t, int64(2), next[0].JobID)
	h.succeed(t, next[0], "")
	assert.Equal(t, types.RunSucceed, h.planInstance(t, pi.ID).Status)
}

func TestFailedBranchFailsPlanAndStopsOthers(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, job(1, types.JobNormal), job(2, types.JobNormal), job(3, types.JobNormal, 2))
	pi := h.fire(t, plan)

	sent := h.disp.take()
	require.Len(t, sent, 2)
	byJob := map[int64]*types.Task{sent[0].JobID: sent[0], sent[1].JobID: sent[1]}

	h.fail(t, byJob[1])
	assert.Equal(t, types.RunExecuting, h.planInstance(t, pi.ID).Status, "job 2 still running")

	h.succeed(t, byJob[2], "")
	assert.Equal(t, types.RunFailed, h.planInstance(t, pi.ID).Status)
	assert.Empty(t, h.disp.take(), "no successor after the plan failed")
}

// ============================================================================
// 重新驅動
// ============================================================================

func TestResumeCreatesMissingOrigins(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, job(1, types.JobNormal))
	pi := &types.PlanInstance{
		PlanID: plan.ID, PlanVersion: 1, Slot: plan.Slot,
		TriggerAt: t0.UnixMilli(), TriggerType: types.TriggerSchedule, Status: types.RunScheduling,
	}
	ok, err := h.repo.InsertPlanInstance(h.ctx, pi)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.s.Resume(h.ctx, pi.ID))
	sent := h.disp.take()
	require.Len(t, sent, 1)

	// 再次 Resume 不會重複建立
	require.NoError(t, h.s.Resume(h.ctx, pi.ID))
	assert.Empty(t, h.disp.take())
}

func TestResumeDispatchesStrandedTasks(t *testing.T) {
	h := newHarness(t)
	h.disp.pickErr = errors.New("registry down")
	h.s.timer = nil
	j := job(1, types.JobNormal)
	j.RetryTimes = 1
	j.RetryInterval = time.Minute
	plan := h.plan(t, j)
	pi := h.fire(t, plan)

	// 第一次失敗後的重試 Task 沒有 Timer 可以登記
	h.disp.pickErr = nil
	h.clock.Advance(time.Minute)
	require.NoError(t, h.s.Resume(h.ctx, pi.ID))

	sent := h.disp.take()
	require.Len(t, sent, 1)
	h.succeed(t, sent[0], "")
	assert.Equal(t, types.RunSucceed, h.planInstance(t, pi.ID).Status)
}

func TestRepairJobInstanceSettlesFinishedTasks(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, job(1, types.JobNormal))
	pi := h.fire(t, plan)
	task := h.disp.take()[0]

	// 模擬回報交易在更新 JobInstance 前中斷
	ok, err := h.repo.UpdateTaskStatus(h.ctx, task.ID,
		[]types.TaskStatus{types.TaskExecuting}, types.TaskSucceed, store.TaskPatch{})
	require.NoError(t, err)
	require.True(t, ok)
	ji := h.jobInstances(t, pi.ID)[1]
	assert.Equal(t, types.RunExecuting, ji.Status)

	require.NoError(t, h.s.RepairJobInstance(h.ctx, ji.ID))
	assert.Equal(t, types.RunSucceed, h.jobInstances(t, pi.ID)[1].Status)
	assert.Equal(t, types.RunSucceed, h.planInstance(t, pi.ID).Status)

	require.NoError(t, h.s.RepairJobInstance(h.ctx, ji.ID))
}

func TestDispatchTaskSkipsClaimedTask(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, job(1, types.JobNormal))
	h.fire(t, plan)
	task := h.disp.take()[0]

	require.NoError(t, h.s.DispatchTask(h.ctx, task.ID))
	assert.Empty(t, h.disp.take())
}
