// ============================================================================
// Beaver-Sched Dispatcher - Task 分派
// ============================================================================
//
// Package: internal/dispatch
// 文件: dispatcher.go
// 功能: 找出可用 worker、依 job 的 LoadBalanceType 選一個、送出 Task
//
// 分派分成兩步，讓呼叫者可以在兩步之間用 CAS 佔住 Task:
//
//	Pick(task, job)  → worker / ErrNoWorker
//	Send(worker, task) → accepted
//
// Send 的任何傳輸錯誤、逾時、對方拒絕都回傳 false，不回傳 error；
// 由呼叫者轉進失敗流程。
//
// ============================================================================

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/beaver-sched/internal/logging"
	"github.com/ChuLiYu/beaver-sched/internal/metrics"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ErrNoWorker 沒有符合條件的存活 worker
var ErrNoWorker = errors.New("no available worker")

// WorkerSource 提供存活 worker 清單
type WorkerSource interface {
	AvailableWorkers(ctx context.Context, group string, tags []string) ([]types.Worker, error)
}

// Sender 把 Task 送到 worker；accepted 表示對方明確接受
type Sender interface {
	Send(ctx context.Context, w types.Worker, task *types.Task) (accepted bool, err error)
}

// Options 分派器選項
type Options struct {
	Workers WorkerSource
	Sender  Sender
	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics *metrics.Collector

	Rate    float64       // 每秒送出上限，0 表示不限
	Burst   int           // 突發量
	Timeout time.Duration // 單次送出逾時
}

// Dispatcher 實作 Task 分派
type Dispatcher struct {
	workers   WorkerSource
	sender    Sender
	selectors map[types.LoadBalanceType]Selector
	limiter   *rate.Limiter
	timeout   time.Duration
	log       *zap.SugaredLogger
	metrics   *metrics.Collector
}

// New 建立分派器
func New(opts Options) *Dispatcher {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.Rate) + 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	return &Dispatcher{
		workers:   opts.Workers,
		sender:    opts.Sender,
		selectors: NewSelectors(opts.Clock),
		limiter:   limiter,
		timeout:   opts.Timeout,
		log:       logging.OrNop(opts.Logger).Named("dispatch").Sugar(),
		metrics:   opts.Metrics,
	}
}

// Workers 回傳 job 可用的 worker（BROADCAST 建立 Task 時使用）
func (d *Dispatcher) Workers(ctx context.Context, job *types.WorkflowJob) ([]types.Worker, error) {
	tags := job.Tags
	if job.LoadBalance == types.BalanceAppoint {
		tags = nil // 指定模式的標籤是 worker 名單，不是能力需求
	}
	ws, err := d.workers.AvailableWorkers(ctx, job.Group, tags)
	if err != nil {
		return nil, fmt.Errorf("list workers for group %q: %w", job.Group, err)
	}
	return ws, nil
}

// Pick 選出 Task 的目標 worker，失敗時已記錄指標
func (d *Dispatcher) Pick(ctx context.Context, task *types.Task, job *types.WorkflowJob) (types.Worker, error) {
	w, err := d.pick(ctx, task, job)
	if err != nil {
		d.fail(task, types.Worker{}, "no_worker", err)
	}
	return w, err
}

func (d *Dispatcher) pick(ctx context.Context, task *types.Task, job *types.WorkflowJob) (types.Worker, error) {
	workers, err := d.Workers(ctx, job)
	if err != nil {
		return types.Worker{}, err
	}

	// BROADCAST Task 建立時已綁定 worker
	if task.WorkerID != "" {
		for _, w := range workers {
			if w.ID == task.WorkerID {
				return w, nil
			}
		}
		return types.Worker{}, fmt.Errorf("worker %s: %w", task.WorkerID, ErrNoWorker)
	}
	if len(workers) == 0 {
		return types.Worker{}, ErrNoWorker
	}

	lb := job.LoadBalance
	if lb == "" {
		lb = types.BalanceRoundRobin
	}
	sel, ok := d.selectors[lb]
	if !ok {
		return types.Worker{}, fmt.Errorf("unknown load balance type %q", lb)
	}
	w, ok := sel.Select(Selection{Task: task, Job: job, Workers: workers})
	if !ok {
		return types.Worker{}, ErrNoWorker
	}
	return w, nil
}

// Send 送出 Task，只有對方明確接受才回傳 true
func (d *Dispatcher) Send(ctx context.Context, w types.Worker, task *types.Task) bool {
	if err := d.limiter.Wait(ctx); err != nil {
		d.fail(task, w, "rate_limited", err)
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	accepted, err := d.sender.Send(sendCtx, w, task)
	switch {
	case err != nil:
		d.fail(task, w, "transport", err)
		return false
	case !accepted:
		d.fail(task, w, "refused", nil)
		return false
	}
	d.metrics.RecordDispatch()
	d.log.Debugw("task dispatched", "taskId", task.ID, "jobInstanceId", task.JobInstanceID, "workerId", w.ID)
	return true
}

// Dispatch 選 worker 並送出
func (d *Dispatcher) Dispatch(ctx context.Context, task *types.Task, job *types.WorkflowJob) bool {
	w, err := d.Pick(ctx, task, job)
	if err != nil {
		return false
	}
	return d.Send(ctx, w, task)
}

func (d *Dispatcher) fail(task *types.Task, w types.Worker, reason string, err error) {
	d.metrics.RecordDispatchFailure(reason)
	d.log.Warnw("task dispatch failed",
		"taskId", task.ID,
		"jobInstanceId", task.JobInstanceID,
		"planInstanceId", task.PlanInstanceID,
		"workerId", w.ID,
		"reason", reason,
		"error", err,
	)
}
