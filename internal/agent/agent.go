// ============================================================================
// Beaver-Sched Agent - worker 端執行器
// ============================================================================
//
// Package: internal/agent
// 文件: agent.go
// 功能: 接收 broker 分派的 Task、在有界 Pool 上執行、回報結果
//
// 流程:
//
//	Dispatch(req) ──TrySubmit──> Pool ──> Executor.Execute
//	     │                                     │
//	  佇列滿 → Accepted=false            Feedback(req.Broker)
//
// 存活:
//   - Start 先送一次心跳，失敗就不啟動
//   - 之後每 HeartbeatInterval 刷新 registry
//   - Stop 從 registry 移除自己，broker 的健康檢查會把未回報的 Task 判為失敗
//
// ============================================================================

package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-sched/internal/config"
	"github.com/ChuLiYu/beaver-sched/internal/logging"
	"github.com/ChuLiYu/beaver-sched/internal/rpc"
	"github.com/ChuLiYu/beaver-sched/internal/worker"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

const (
	feedbackAttempts = 3
	feedbackTimeout  = 5 * time.Second
)

// Registry worker 的心跳登記
type Registry interface {
	HeartbeatWorker(ctx context.Context, w types.Worker) error
	RemoveWorker(ctx context.Context, id string) error
}

// Reporter 把結果送回 broker
type Reporter interface {
	Feedback(ctx context.Context, broker string, req *rpc.FeedbackRequest) (*rpc.FeedbackResponse, error)
}

// Options Agent 選項
type Options struct {
	Config   config.AgentConfig
	Registry Registry
	Reporter Reporter
	Executor Executor // nil 時使用 EchoExecutor
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

// Agent worker 端執行器
type Agent struct {
	self     types.Worker
	cfg      config.AgentConfig
	registry Registry
	reporter Reporter
	executor Executor
	clock    clockwork.Clock
	log      *zap.SugaredLogger
	pool     *worker.Pool

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New 建立 Agent；未設定 ID 時產生 UUID
func New(opts Options) *Agent {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Executor == nil {
		opts.Executor = EchoExecutor{}
	}
	cfg := opts.Config
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Agent{
		self: types.Worker{
			ID:    id,
			Group: cfg.Group,
			Host:  cfg.Host,
			Port:  cfg.Port,
			Tags:  cfg.Tags,
		},
		cfg:      cfg,
		registry: opts.Registry,
		reporter: opts.Reporter,
		executor: opts.Executor,
		clock:    opts.Clock,
		log:      logging.OrNop(opts.Logger).Named("agent").With(zap.String("workerId", id)).Sugar(),
		pool:     worker.NewPool(cfg.QueueSize),
		stopCh:   make(chan struct{}),
	}
}

// Worker 回傳本 worker 的登記資料
func (a *Agent) Worker() types.Worker {
	return a.self
}

// Start 啟動 Pool 並開始心跳
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return errors.New("agent already started")
	}

	if err := a.registry.HeartbeatWorker(ctx, a.self); err != nil {
		return fmt.Errorf("register worker %s: %w", a.self.ID, err)
	}
	if err := a.pool.Start(a.cfg.Concurrency); err != nil {
		return err
	}
	a.running = true

	a.wg.Add(2)
	go a.heartbeatLoop()
	go a.resultLoop()

	a.log.Infow("agent started", "address", a.self.Address(), "group", a.self.Group, "tags", a.self.Tags)
	return nil
}

// Stop 停止心跳、移除登記、等待執行中的 Task 結束
func (a *Agent) Stop(ctx context.Context) {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	// 1. 停止心跳，避免移除後又被登記回去
	close(a.stopCh)

	// 2. 移除登記，broker 不再分派新 Task
	if err := a.registry.RemoveWorker(ctx, a.self.ID); err != nil {
		a.log.Warnw("remove worker from registry failed", "error", err)
	}

	// 3. 停止 Pool（取消執行中的 Task），resultLoop 隨結果通道關閉結束
	a.pool.Stop()
	a.wg.Wait()
	a.log.Info("agent stopped")
}

// Dispatch 實作 rpc.WorkerServer
func (a *Agent) Dispatch(_ context.Context, req *rpc.DispatchRequest) (*rpc.DispatchResponse, error) {
	err := a.pool.TrySubmit(worker.Task{
		ID:      strconv.FormatInt(req.TaskID, 10),
		Kind:    string(req.Type),
		Run:     a.run(req),
		Timeout: a.cfg.TaskTimeout,
	})
	switch {
	case err == nil:
		a.log.Debugw("task accepted", "taskId", req.TaskID, "type", req.Type)
		return &rpc.DispatchResponse{Accepted: true}, nil
	case errors.Is(err, worker.ErrPoolFull):
		return &rpc.DispatchResponse{Accepted: false, Message: "queue full"}, nil
	default:
		return &rpc.DispatchResponse{Accepted: false, Message: err.Error()}, nil
	}
}

// run 執行 Task 並回報；回傳的錯誤只代表回報失敗
func (a *Agent) run(req *rpc.DispatchRequest) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		result, err := a.execute(ctx, req)
		fb := &rpc.FeedbackRequest{TaskID: req.TaskID, WorkerID: a.self.ID, Success: err == nil, Result: result}
		if err != nil {
			fb.Error = err.Error()
			a.log.Warnw("task failed", "taskId", req.TaskID, "error", err)
		}
		return a.report(req.Broker, fb)
	}
}

func (a *Agent) execute(ctx context.Context, req *rpc.DispatchRequest) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return a.executor.Execute(ctx, req)
}

// report 送出回報，失敗時以固定間隔重試；broker 端重複回報是安全的
func (a *Agent) report(broker string, fb *rpc.FeedbackRequest) error {
	var err error
	for attempt := 1; attempt <= feedbackAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), feedbackTimeout)
		_, err = a.reporter.Feedback(ctx, broker, fb)
		cancel()
		if err == nil {
			return nil
		}
		if attempt < feedbackAttempts {
			select {
			case <-a.clock.After(time.Duration(attempt) * 200 * time.Millisecond):
			case <-a.stopCh:
				return fmt.Errorf("feedback for task %d to %s: %w", fb.TaskID, broker, err)
			}
		}
	}
	return fmt.Errorf("feedback for task %d to %s: %w", fb.TaskID, broker, err)
}

// heartbeatLoop 定期刷新 registry
func (a *Agent) heartbeatLoop() {
	defer a.wg.Done()

	ticker := a.clock.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HeartbeatInterval)
			if err := a.registry.HeartbeatWorker(ctx, a.self); err != nil {
				a.log.Warnw("worker heartbeat failed", "error", err)
			}
			cancel()
		}
	}
}

// resultLoop 記錄回報失敗的 Task
func (a *Agent) resultLoop() {
	defer a.wg.Done()
	for res := range a.pool.Results() {
		if !res.Success {
			a.log.Errorw("task feedback lost", "taskId", res.TaskID, "type", res.Kind, "error", res.Error, "duration", res.Duration)
		}
	}
}
