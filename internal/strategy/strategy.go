// ============================================================================
// Beaver-Sched Strategy - 生命週期狀態機
// ============================================================================
//
// Package: internal/strategy
// 文件: strategy.go
// 功能: 推進 Plan → PlanInstance → JobInstance → Task 的狀態
//
// 狀態轉移:
//
//	Plan 觸發      ──> PlanInstance(SCHEDULING) + 起點 JobInstance + Task
//	Task 分派      SCHEDULING ──> DISPATCHING ──> EXECUTING
//	                    └──────────┴──> DISPATCH_FAILED（失敗流程）
//	Task 回報      DISPATCHING/EXECUTING ──> SUCCEED / FAILED
//	JobInstance    同階段最後一個 Task 結束時決定 SUCCEED / FAILED / 下一階段
//	PlanInstance   每次 JobInstance 結束後重新評估
//
// 交易邊界:
//   - 每個入口（Schedule、HandleSuccess、HandleFail ...）是一個交易
//   - 交易內產生的待分派 Task 收集在 scheduleContext，提交後才分派，
//     遠端呼叫永遠不在交易內
//   - 所有狀態更新都是條件更新，影響 0 列代表其他呼叫者已處理，不是錯誤
//
// ============================================================================

package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-sched/internal/dag"
	"github.com/ChuLiYu/beaver-sched/internal/logging"
	"github.com/ChuLiYu/beaver-sched/internal/metatask"
	"github.com/ChuLiYu/beaver-sched/internal/metrics"
	"github.com/ChuLiYu/beaver-sched/internal/store"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

// ErrUnknownType 遇到未知的 job / task 類型，代表資料與程式版本不一致
var ErrUnknownType = errors.New("unknown type")

// TypeError 描述未知類型
type TypeError struct {
	Kind  string // "job" 或 "task"
	Value string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("unknown %s type %q", e.Kind, e.Value)
}

func (e *TypeError) Unwrap() error { return ErrUnknownType }

// ============================================================================
// 協作者
// ============================================================================

// Dispatcher 選擇 worker 並送出 Task
type Dispatcher interface {
	Workers(ctx context.Context, job *types.WorkflowJob) ([]types.Worker, error)
	Pick(ctx context.Context, task *types.Task, job *types.WorkflowJob) (types.Worker, error)
	Send(ctx context.Context, w types.Worker, task *types.Task) bool
}

// Timer 登記一次性 meta task，用於延後分派的 Task
type Timer interface {
	Schedule(t metatask.MetaTask) error
}

// Options 狀態機選項
type Options struct {
	Repo       store.Repository
	Dispatcher Dispatcher
	Timer      Timer // nil 時延後的 Task 只由健康檢查撿起
	Clock      clockwork.Clock
	Logger     *zap.Logger
	Metrics    *metrics.Collector
}

// Strategy 生命週期狀態機
type Strategy struct {
	repo       store.Repository
	dispatcher Dispatcher
	timer      Timer
	clock      clockwork.Clock
	log        *zap.SugaredLogger
	metrics    *metrics.Collector

	graphMu sync.Mutex
	graphs  map[int64]cachedGraph // 每個 plan 只留最新版本
}

// cachedGraph PlanInfo 不可變，同一版本的 DAG 可以重用
type cachedGraph struct {
	version int
	g       *dag.Graph
}

// New 建立狀態機
func New(opts Options) *Strategy {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Strategy{
		repo:       opts.Repo,
		dispatcher: opts.Dispatcher,
		timer:      opts.Timer,
		clock:      opts.Clock,
		log:        logging.OrNop(opts.Logger).Named("strategy").Sugar(),
		metrics:    opts.Metrics,
		graphs:     make(map[int64]cachedGraph),
	}
}

// ============================================================================
// scheduleContext 一次入口呼叫內累積的後續工作
// ============================================================================

type pending struct {
	task *types.Task
	job  *types.WorkflowJob
}

type scheduleContext struct {
	dispatch []pending // 提交後立即分派
	deferred []pending // triggerAt 在未來，交給 Timer
}

func (sc *scheduleContext) add(now int64, job *types.WorkflowJob, tasks ...*types.Task) {
	for _, t := range tasks {
		p := pending{task: t, job: job}
		if t.TriggerAt > now {
			sc.deferred = append(sc.deferred, p)
		} else {
			sc.dispatch = append(sc.dispatch, p)
		}
	}
}

// execute 在交易內執行 fn，提交後處理累積的分派
func (s *Strategy) execute(ctx context.Context, fn func(tx store.Repository, sc *scheduleContext) error) error {
	sc, err := s.transact(ctx, fn)
	if err != nil {
		return err
	}
	s.flush(ctx, sc)
	return nil
}

func (s *Strategy) transact(ctx context.Context, fn func(tx store.Repository, sc *scheduleContext) error) (*scheduleContext, error) {
	var sc *scheduleContext
	err := s.repo.Tx(ctx, func(tx store.Repository) error {
		sc = &scheduleContext{}
		return fn(tx, sc)
	})
	if err != nil {
		return nil, err
	}
	return sc, nil
}

// flush 分派累積的 Task；分派失敗產生的重試 Task 接在同一個佇列後面
func (s *Strategy) flush(ctx context.Context, sc *scheduleContext) {
	queue := sc.dispatch
	s.deferTasks(sc.deferred)

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if next := s.dispatchOne(ctx, p.task, p.job); next != nil {
			queue = append(queue, next.dispatch...)
			s.deferTasks(next.deferred)
		}
	}
}

func (s *Strategy) deferTasks(list []pending) {
	if s.timer == nil {
		return
	}
	for _, p := range list {
		id := p.task.ID
		err := s.timer.Schedule(metatask.MetaTask{
			ID:       TaskMetaID(id),
			Type:     metatask.TypeTask,
			Due:      time.UnixMilli(p.task.TriggerAt),
			Schedule: metatask.Once(),
			Run: func(ctx context.Context, _ time.Time) error {
				return s.DispatchTask(ctx, id)
			},
		})
		if err != nil && !errors.Is(err, metatask.ErrAlreadyScheduled) {
			s.log.Warnw("deferred task not registered, health check will pick it up", "taskId", id, "error", err)
		}
	}
}

// TaskMetaID 延後分派 Task 的 meta task id
func TaskMetaID(taskID int64) string {
	return fmt.Sprintf("task:%d", taskID)
}

// ============================================================================
// 共用查詢
// ============================================================================

func (s *Strategy) now() int64 {
	return s.clock.Now().UnixMilli()
}

// graph 讀取並快取 plan 版本的 DAG；repo 需為目前交易
func (s *Strategy) graph(ctx context.Context, repo store.Repository, planID int64, version int) (*dag.Graph, error) {
	s.graphMu.Lock()
	c, ok := s.graphs[planID]
	s.graphMu.Unlock()
	if ok && c.version == version {
		return c.g, nil
	}

	info, err := repo.GetPlanInfo(ctx, planID, version)
	if err != nil {
		return nil, fmt.Errorf("load plan %d version %d: %w", planID, version, err)
	}
	g, err := dag.FromPlanInfo(info)
	if err != nil {
		return nil, fmt.Errorf("plan %d version %d: %w", planID, version, err)
	}

	// 舊版本只剩收尾中的實例會用到，不覆蓋較新的版本
	s.graphMu.Lock()
	if c, ok := s.graphs[planID]; !ok || c.version < version {
		s.graphs[planID] = cachedGraph{version: version, g: g}
	}
	s.graphMu.Unlock()
	return g, nil
}

// jobOf 回傳 JobInstance 對應的節點定義
func (s *Strategy) jobOf(ctx context.Context, repo store.Repository, ji *types.JobInstance) (*types.WorkflowJob, *dag.Graph, error) {
	g, err := s.graph(ctx, repo, ji.PlanID, ji.PlanVersion)
	if err != nil {
		return nil, nil, err
	}
	job, ok := g.Node(ji.JobID)
	if !ok {
		return nil, nil, fmt.Errorf("plan %d version %d has no job %d", ji.PlanID, ji.PlanVersion, ji.JobID)
	}
	return job, g, nil
}

// effective 每個節點取重試次數最大的 JobInstance
func effective(jis []*types.JobInstance) map[int64]*types.JobInstance {
	out := make(map[int64]*types.JobInstance, len(jis))
	for _, ji := range jis {
		if cur, ok := out[ji.JobID]; !ok || ji.RetryCount > cur.RetryCount {
			out[ji.JobID] = ji
		}
	}
	return out
}

func strPtr(s string) *string { return &s }
