// ============================================================================
// Beaver-Sched 控制器 - broker 節點組裝
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組裝 broker 的所有模組並負責啟動、關閉順序
//
// 架構設計:
//   每個 broker 都相同，沒有中心協調者：
//   - Store: 所有狀態都在資料庫，以條件更新避免重複處理
//   - Registry: Redis 心跳，決定存活 broker 與 worker
//   - MetaTask Scheduler + Worker Pool: 計劃觸發、延後分派、健康檢查
//   - Strategy: 生命週期狀態機
//   - Dispatcher: 選 worker 並透過 gRPC 送出
//   - Recovery: 依擁有的 slot 載入計劃與修復卡住的實體
//   - Server: 接收 worker 回報與 API 觸發
//
// 核心循環 (3 個 Goroutine):
//   0. Serve - gRPC 服務
//   1. Heartbeat Loop - 定期刷新本節點心跳，其他節點據此重新分配 slot
//   2. Result Loop - 接收 Pool 的 meta task 執行結果，記錄指標
//
// 啟動順序:
//   1. 心跳一次，讓本節點出現在存活清單
//   2. 啟動 Pool 與計時迴圈
//   3. 登記載入與健康檢查 meta task（第一次載入立即執行）
//   4. 開始接受 gRPC 請求，health 轉為 SERVING
//
// 崩潰恢復:
//   沒有本地狀態需要重放。重新啟動後第一次 PLAN_LOAD 取回擁有的計劃，
//   健康檢查把崩潰時卡在中途的 PlanInstance / Task 重新推進。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/gorm"

	"github.com/ChuLiYu/beaver-sched/internal/config"
	"github.com/ChuLiYu/beaver-sched/internal/dispatch"
	"github.com/ChuLiYu/beaver-sched/internal/logging"
	"github.com/ChuLiYu/beaver-sched/internal/metatask"
	"github.com/ChuLiYu/beaver-sched/internal/metrics"
	"github.com/ChuLiYu/beaver-sched/internal/recovery"
	"github.com/ChuLiYu/beaver-sched/internal/registry"
	"github.com/ChuLiYu/beaver-sched/internal/rpc"
	"github.com/ChuLiYu/beaver-sched/internal/server"
	"github.com/ChuLiYu/beaver-sched/internal/store"
	"github.com/ChuLiYu/beaver-sched/internal/strategy"
	"github.com/ChuLiYu/beaver-sched/internal/worker"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Options 外部注入的依賴，未設定時依配置建立
type Options struct {
	Clock      clockwork.Clock
	Logger     *zap.Logger
	Registerer prometheus.Registerer // nil 時使用 prometheus.DefaultRegisterer
	Listener   net.Listener          // nil 時監聽 node.port
	DialOpts   []grpc.DialOption     // 分派用 gRPC 客戶端的額外選項
}

// Status 節點狀態摘要
type Status struct {
	Node       string       `json:"node"`
	Uptime     string       `json:"uptime"`
	OwnedSlots int          `json:"owned_slots"`
	MetaTasks  int          `json:"meta_tasks"`
	PoolQueue  int          `json:"pool_queue"`
	Instances  *store.Stats `json:"instances,omitempty"`
}

// Controller broker 節點
type Controller struct {
	cfg   *config.Config
	self  types.Node
	clock clockwork.Clock
	log   *zap.SugaredLogger

	db         *gorm.DB
	repo       *store.GormStore
	redis      *redis.Client
	registry   *registry.Registry
	metrics    *metrics.Collector
	pool       *worker.Pool
	scheduler  *metatask.Scheduler
	client     *rpc.Client
	dispatcher *dispatch.Dispatcher
	strategy   *strategy.Strategy
	recovery   *recovery.Manager
	server     *server.Server
	grpc       *grpc.Server
	listener   net.Listener

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
	stopCh    chan struct{}
	loopWg    sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 開啟資料庫與 Redis 連線並組裝所有模組
func NewController(ctx context.Context, cfg *config.Config, opts Options) (*Controller, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	logger := logging.OrNop(opts.Logger)

	// 1. 資料庫
	db, err := store.Open(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 2. Redis
	rdb, err := registry.NewClient(ctx, cfg.Redis)
	if err != nil {
		_ = store.Close(db)
		return nil, fmt.Errorf("failed to connect redis: %w", err)
	}

	c := &Controller{
		cfg:      cfg,
		self:     cfg.Node.Self(),
		clock:    opts.Clock,
		log:      logger.Named("controller").Sugar(),
		db:       db,
		repo:     store.NewGormStore(db, opts.Clock),
		redis:    rdb,
		registry: registry.New(rdb, cfg.Redis, opts.Clock, logger),
		metrics:  metrics.NewCollector(opts.Registerer),
		listener: opts.Listener,
		stopCh:   make(chan struct{}),
	}

	// 3. meta task 執行池與計時迴圈
	c.pool = worker.NewPool(cfg.Scheduler.QueueSize)
	c.scheduler = metatask.New(metatask.Options{
		Clock:   opts.Clock,
		Pool:    c.pool,
		Logger:  logger,
		Metrics: c.metrics,
	})

	// 4. 分派與狀態機
	c.client = rpc.NewClient(c.self.String(), opts.DialOpts...)
	c.dispatcher = dispatch.New(dispatch.Options{
		Workers: c.registry,
		Sender:  c.client,
		Clock:   opts.Clock,
		Logger:  logger,
		Metrics: c.metrics,
		Rate:    cfg.Dispatch.Rate,
		Burst:   cfg.Dispatch.Burst,
		Timeout: cfg.Dispatch.Timeout,
	})
	c.strategy = strategy.New(strategy.Options{
		Repo:       c.repo,
		Dispatcher: c.dispatcher,
		Timer:      c.scheduler,
		Clock:      opts.Clock,
		Logger:     logger,
		Metrics:    c.metrics,
	})

	// 5. 載入與健康檢查
	sc := cfg.Scheduler
	c.recovery = recovery.New(recovery.Options{
		Config: recovery.Config{
			Self:            c.self,
			LoadInterval:    sc.LoadInterval,
			CheckInterval:   sc.CheckInterval,
			LoadAhead:       sc.LoadAhead,
			Grace:           sc.Grace,
			DispatchTimeout: sc.DispatchTimeout,
			BatchSize:       sc.BatchSize,
		},
		Repo:     c.repo,
		Members:  c.registry,
		Workers:  c.registry,
		Strategy: c.strategy,
		Timer:    c.scheduler,
		Clock:    opts.Clock,
		Logger:   logger,
		Metrics:  c.metrics,
	})

	// 6. RPC
	c.server = server.NewServer(server.Options{
		Strategy: c.strategy,
		Plans:    c.repo,
		Clock:    opts.Clock,
		Logger:   logger,
		Metrics:  c.metrics,
	})
	c.grpc = grpc.NewServer()
	c.server.Register(c.grpc)

	return c, nil
}

// Start 啟動 broker
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("controller already started")
	}
	c.startTime = c.clock.Now()

	// 1. 先心跳，第一次載入時本節點才會擁有 slot
	if err := c.registry.HeartbeatBroker(ctx, c.self); err != nil {
		return fmt.Errorf("failed to register broker: %w", err)
	}

	// 2. 啟動 Pool 與計時迴圈
	if err := c.pool.Start(c.cfg.Scheduler.PoolSize); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	c.scheduler.Start()

	// 3. 登記 meta task
	if err := c.recovery.Start(); err != nil {
		c.abortStart(ctx)
		return fmt.Errorf("failed to start recovery: %w", err)
	}

	// 4. gRPC
	if c.listener == nil {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", c.cfg.Node.Port))
		if err != nil {
			c.abortStart(ctx)
			return fmt.Errorf("failed to listen on port %d: %w", c.cfg.Node.Port, err)
		}
		c.listener = lis
	}
	c.loopWg.Add(3)
	go c.serve()
	go c.heartbeatLoop()
	go c.resultLoop()

	c.server.SetServing(true)
	c.started = true
	c.log.Infow("broker started", "node", c.self.String(), "listen", c.listener.Addr().String(), "poolSize", c.cfg.Scheduler.PoolSize)
	return nil
}

// abortStart 收回 Start 已啟動的部分：計時迴圈、Pool 與心跳
func (c *Controller) abortStart(ctx context.Context) {
	c.scheduler.Stop()
	c.pool.Stop()
	if err := c.registry.RemoveBroker(ctx, c.self); err != nil {
		c.log.Warnw("failed to remove broker from registry", "error", err)
	}
}

func (c *Controller) serve() {
	defer c.loopWg.Done()
	if err := c.grpc.Serve(c.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		c.log.Errorw("grpc server stopped", "error", err)
	}
}

// heartbeatLoop 定期刷新本節點心跳
func (c *Controller) heartbeatLoop() {
	defer c.loopWg.Done()
	ticker := c.clock.NewTicker(c.cfg.Node.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Node.HeartbeatInterval)
			if err := c.registry.HeartbeatBroker(ctx, c.self); err != nil {
				c.log.Warnw("broker heartbeat failed", "error", err)
			}
			cancel()
		}
	}
}

// resultLoop 記錄 meta task 執行結果
// 注意：此循環會一直運行到 Pool 關閉為止
func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for {
		result, err := c.pool.ReceiveResult()
		if err != nil {
			if errors.Is(err, worker.ErrPoolClosed) {
				c.log.Debug("result loop stopped")
				return
			}
			c.log.Errorw("failed to receive result", "error", err)
			continue
		}
		c.metrics.ObserveMetaTask(result.Kind, result.Success, result.Duration)
	}
}

// Repository 回傳資料存取層，CLI 與測試使用
func (c *Controller) Repository() store.Repository {
	return c.repo
}

// Addr 回傳 gRPC 監聽地址，Start 之前為空
func (c *Controller) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// GetStatus 回傳節點狀態
func (c *Controller) GetStatus(ctx context.Context) (*Status, error) {
	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = c.clock.Since(c.startTime)
	}
	c.mu.Unlock()

	stats, err := c.repo.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Node:       c.self.String(),
		Uptime:     uptime.String(),
		OwnedSlots: len(c.recovery.OwnedSlots()),
		MetaTasks:  c.scheduler.Len(),
		PoolQueue:  c.pool.QueueLen(),
		Instances:  stats,
	}, nil
}

// gracefulStop 等待處理中的 RPC，ctx 到期時強制關閉
func (c *Controller) gracefulStop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		c.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.grpc.Stop()
		<-done
	}
}

// ============================================================================
// 關閉順序
// ============================================================================
//
//  1. health NOT_SERVING → 負載均衡與探針先把節點摘掉
//  2. close(stopCh)      → 停止心跳
//  3. RemoveBroker       → 其他節點下一次載入就接手本節點的 slot
//  4. scheduler.Stop()   → 不再觸發新的 meta task
//  5. GracefulStop       → 等待處理中的回報完成
//  6. pool.Stop()        → 取消執行中的 meta task，resultLoop 隨 resultCh 關閉結束
//  7. loopWg.Wait()
//  8. 關閉 gRPC 連線、Redis、資料庫
//
// 執行到一半被取消的 meta task 不需要補償：所有狀態轉移都是條件更新，
// 接手的節點由健康檢查繼續推進。
//
// ============================================================================

// Stop 優雅關閉
func (c *Controller) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.log.Info("stopping broker")

	c.server.Shutdown()
	close(c.stopCh)
	if err := c.registry.RemoveBroker(ctx, c.self); err != nil {
		c.log.Warnw("failed to remove broker from registry", "error", err)
	}
	c.scheduler.Stop()
	c.gracefulStop(ctx)
	c.pool.Stop()
	c.loopWg.Wait()

	if err := c.client.Close(); err != nil {
		c.log.Warnw("failed to close rpc client", "error", err)
	}
	if err := c.redis.Close(); err != nil {
		c.log.Warnw("failed to close redis", "error", err)
	}
	if err := store.Close(c.db); err != nil {
		c.log.Warnw("failed to close database", "error", err)
	}
	c.log.Info("broker stopped")
}
