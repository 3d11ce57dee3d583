// ============================================================================
// Beaver-Sched Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和任務分發
//
// 使用者:
//   1. MetaTask Scheduler：計時迴圈只負責取出到期的 meta task，
//      實際的執行內容（計劃觸發、任務分派、健康檢查）交給 Pool，
//      計時迴圈本身永不阻塞在 I/O 上。
//   2. Agent：接收 broker 分派的 Task，佇列滿時直接拒絕。
//
// 架構組件:
//   ┌─────────────┐
//   │  Scheduler  │ --TrySubmit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 並發控制:
//   - taskCh: 帶緩衝 channel，緩衝大小即佇列上限
//   - sendMu: 送出任務時持有讀鎖，Stop 關閉 taskCh 前取得寫鎖，
//     因此不會對已關閉的 channel 送出資料
//   - stopCh: 先於 taskCh 關閉，讓阻塞中的 Submit 立即返回
//
// 錯誤處理:
//   - ErrPoolNotStarted: Pool 未啟動時提交任務
//   - ErrPoolClosed: Pool 已關閉時提交任務
//   - ErrPoolFull: TrySubmit 時佇列已滿
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolFull 表示任務佇列已滿
	ErrPoolFull = errors.New("worker pool queue is full")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker          // 所有啟動的 Worker 實例
	taskCh   chan Task          // 任務通道
	resultCh chan Result        // 結果通道
	stopCh   chan struct{}      // 停止訊號
	ctx      context.Context    // 傳給每個任務的上層 context
	cancel   context.CancelFunc // Stop 時取消執行中的任務
	wg       sync.WaitGroup     // 等待所有 Worker 完成
	sendMu   sync.RWMutex       // 保護 taskCh 的送出與關閉
	started  bool               // Pool 是否已啟動
	stopped  bool               // Pool 是否已停止
	mu       sync.Mutex         // 保護 started 和 stopped
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started") // 防止重複啟動
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(p.ctx, i, p.taskCh, p.resultCh)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交任務，佇列滿時阻塞直到有空位或 Pool 關閉
func (p *Pool) Submit(task Task) error {
	if err := p.checkOpen(); err != nil {
		return err
	}

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// TrySubmit 提交任務，佇列滿時立即返回 ErrPoolFull
func (p *Pool) TrySubmit(task Task) error {
	if err := p.checkOpen(); err != nil {
		return err
	}

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}

	select {
	case p.taskCh <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

func (p *Pool) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	return nil
}

// ReceiveResult 從結果通道接收執行結果
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Results 回傳唯讀結果通道，Stop 完成後關閉
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Stop 關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 關閉 stopCh，讓阻塞中的 Submit 返回
//  3. 取消任務 context
//  4. 取得 sendMu 寫鎖後關閉 taskCh
//  5. 等待所有 Worker 結束，關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.cancel()

	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	p.wg.Wait()

	close(p.resultCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// QueueLen 返回等待中的任務數量
func (p *Pool) QueueLen() int {
	return len(p.taskCh)
}
