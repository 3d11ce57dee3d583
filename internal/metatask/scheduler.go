// ============================================================================
// Beaver-Sched MetaTask Scheduler - 單一計時迴圈
// ============================================================================
//
// Package: internal/metatask
// 文件: scheduler.go
// 功能: 持有所有 meta task（計劃觸發、延遲分派、載入與健康檢查），
//       在到期時交給 worker.Pool 執行，並依 Schedule 重新排程
//
// 狀態機（每個 entry）:
//
//	SCHEDULED ──到期──> FIRING ──執行結束──> SCHEDULED（循環型）
//	                      │
//	                      └──> 移除（一次性 / 已取消）
//
// 重新排程在包住執行函式的 defer 內完成，執行函式回傳錯誤或 panic
// 都不會讓循環任務停止。
//
// 並發控制:
//   - entries / queue 由 mu 保護，計時迴圈、Pool 的 worker 與外部呼叫者
//     （載入任務的 Schedule / Unschedule）會同時存取
//   - 計時迴圈只做「取出到期 entry、TrySubmit」，不做任何 I/O
//   - Pool 佇列滿時 entry 以 retryDelay 後重新入列，不阻塞迴圈
//
// ============================================================================

package metatask

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-sched/internal/logging"
	"github.com/ChuLiYu/beaver-sched/internal/metrics"
	"github.com/ChuLiYu/beaver-sched/internal/worker"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrAlreadyScheduled 相同 scheduleId 已在排程中
	ErrAlreadyScheduled = errors.New("meta task already scheduled")
	// ErrStopped 排程器已停止
	ErrStopped = errors.New("meta task scheduler stopped")
)

// Type 用於將 meta task 分組
type Type string

const (
	TypePlan              Type = "PLAN"
	TypeTask              Type = "TASK"
	TypePlanLoad          Type = "PLAN_LOAD"
	TypeTaskStatusCheck   Type = "TASK_STATUS_CHECK"
	TypePlanInstanceCheck Type = "PLAN_INSTANCE_CHECK"
)

// Func 是 meta task 的執行內容，due 為本次的到期時間
type Func func(ctx context.Context, due time.Time) error

// MetaTask 一個可排程的單位
type MetaTask struct {
	ID       string    // scheduleId，全域唯一
	Type     Type      // 分組
	Due      time.Time // 首次到期時間
	Schedule Schedule  // 重新排程策略
	Run      Func
}

type state int

const (
	stateScheduled state = iota
	stateFiring
)

type entry struct {
	task      MetaTask
	due       time.Time
	state     state
	cancelled bool
	index     int // heap 位置，-1 表示不在 heap 中
}

// Options 排程器選項
type Options struct {
	Clock      clockwork.Clock
	Pool       *worker.Pool // nil 時每次觸發另起 goroutine
	Logger     *zap.Logger
	Metrics    *metrics.Collector
	RetryDelay time.Duration // Pool 佇列滿時的重試延遲
}

// Scheduler 單一計時迴圈的 meta task 排程器
type Scheduler struct {
	clock      clockwork.Clock
	pool       *worker.Pool
	log        *zap.SugaredLogger
	metrics    *metrics.Collector
	retryDelay time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	queue   entryQueue
	stopped bool

	wakeCh  chan struct{}
	stopCh  chan struct{}
	running sync.WaitGroup // 計時迴圈
	inline  sync.WaitGroup // 無 Pool 時的執行 goroutine
}

// New 建立排程器
func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}
	return &Scheduler{
		clock:      opts.Clock,
		pool:       opts.Pool,
		log:        logging.OrNop(opts.Logger).Named("metatask").Sugar(),
		metrics:    opts.Metrics,
		retryDelay: opts.RetryDelay,
		entries:    make(map[string]*entry),
		wakeCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// ============================================================================
// 註冊 / 取消 / 查詢
// ============================================================================

// Schedule 註冊 meta task；scheduleId 已存在時回傳 ErrAlreadyScheduled
func (s *Scheduler) Schedule(t MetaTask) error {
	if t.ID == "" || t.Run == nil {
		return fmt.Errorf("meta task %q: id and run function are required", t.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if _, exists := s.entries[t.ID]; exists {
		return ErrAlreadyScheduled
	}
	if t.Schedule.Kind == "" {
		t.Schedule = Once()
	}

	e := &entry{task: t, due: t.Due, state: stateScheduled}
	s.entries[t.ID] = e
	heap.Push(&s.queue, e)
	s.updateGauge(t.Type)
	s.wake()
	return nil
}

// Unschedule 取消 meta task；執行中的 entry 會在結束後不再重新排程
func (s *Scheduler) Unschedule(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false
	}
	e.cancelled = true
	if e.index >= 0 {
		heap.Remove(&s.queue, e.index)
	}
	delete(s.entries, id)
	s.updateGauge(e.task.Type)
	s.wake()
	return true
}

// IsScheduled 是否已註冊
func (s *Scheduler) IsScheduled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// SchedulingByType 回傳某類型所有已註冊的 scheduleId（已排序）
func (s *Scheduler) SchedulingByType(typ Type) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, e := range s.entries {
		if e.task.Type == typ {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// NextDue 回傳 id 的下次到期時間
func (s *Scheduler) NextDue(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.state != stateScheduled {
		return time.Time{}, false
	}
	return e.due, true
}

// Len 已註冊的 meta task 數量
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// ============================================================================
// 計時迴圈
// ============================================================================

// Start 啟動計時迴圈
func (s *Scheduler) Start() {
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		s.loop()
	}()
}

// Stop 停止計時迴圈，已送入 Pool 的執行由 Pool 的擁有者負責收尾
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	s.running.Wait()
	s.inline.Wait()
}

func (s *Scheduler) loop() {
	const idle = time.Minute

	for {
		s.mu.Lock()
		wait := idle
		if len(s.queue) > 0 {
			wait = s.clock.Until(s.queue[0].due)
		}
		s.mu.Unlock()

		if wait <= 0 {
			s.FireDue()
			continue
		}

		timer := s.clock.NewTimer(wait)
		select {
		case <-timer.Chan():
			s.FireDue()
		case <-s.wakeCh:
			timer.Stop()
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}

// FireDue 取出所有到期的 entry 交給 Pool 執行，回傳送出的數量
func (s *Scheduler) FireDue() int {
	now := s.clock.Now()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0
	}
	var due []*entry
	for len(s.queue) > 0 && !s.queue[0].due.After(now) {
		e := heap.Pop(&s.queue).(*entry)
		e.state = stateFiring
		due = append(due, e)
	}
	s.mu.Unlock()

	launched := 0
	for _, e := range due {
		if s.launch(e) {
			launched++
		}
	}
	return launched
}

func (s *Scheduler) launch(e *entry) bool {
	run := s.wrap(e)

	if s.pool == nil {
		s.inline.Add(1)
		go func() {
			defer s.inline.Done()
			_ = run(context.Background())
		}()
		return true
	}

	err := s.pool.TrySubmit(worker.Task{ID: e.task.ID, Kind: string(e.task.Type), Run: run})
	switch {
	case err == nil:
		return true
	case errors.Is(err, worker.ErrPoolFull):
		s.log.Warnw("worker pool full, delaying meta task", "scheduleId", e.task.ID, "type", e.task.Type)
		s.requeue(e, s.clock.Now().Add(s.retryDelay))
	default:
		s.log.Errorw("meta task not submitted", "scheduleId", e.task.ID, "type", e.task.Type, "error", err)
		s.requeue(e, s.clock.Now().Add(s.retryDelay))
	}
	return false
}

// wrap 包住執行函式，無論結果如何都在 defer 中重新排程
func (s *Scheduler) wrap(e *entry) func(ctx context.Context) error {
	due := e.due
	return func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("meta task %s panicked: %v", e.task.ID, r)
			}
			if err != nil {
				s.log.Errorw("meta task failed", "scheduleId", e.task.ID, "type", e.task.Type, "error", err)
			}
			s.rearm(e, due, s.clock.Now())
		}()
		return e.task.Run(ctx, due)
	}
}

func (s *Scheduler) rearm(e *entry, prevDue, completedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.cancelled || s.entries[e.task.ID] != e {
		return
	}
	next, ok := e.task.Schedule.Next(prevDue, completedAt)
	if !ok {
		delete(s.entries, e.task.ID)
		s.updateGauge(e.task.Type)
		return
	}
	e.due = next
	e.state = stateScheduled
	heap.Push(&s.queue, e)
	s.wake()
}

func (s *Scheduler) requeue(e *entry, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.cancelled || s.entries[e.task.ID] != e {
		return
	}
	e.due = at
	e.state = stateScheduled
	heap.Push(&s.queue, e)
	s.wake()
}

// wake 通知計時迴圈重新計算等待時間，需持有 mu
func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// updateGauge 需持有 mu
func (s *Scheduler) updateGauge(typ Type) {
	if s.metrics == nil {
		return
	}
	n := 0
	for _, e := range s.entries {
		if e.task.Type == typ {
			n++
		}
	}
	s.metrics.SetMetaTasksScheduled(string(typ), n)
}

// ============================================================================
// entryQueue 依到期時間排序的最小堆
// ============================================================================

type entryQueue []*entry

func (q entryQueue) Len() int { return len(q) }

func (q entryQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].task.ID < q[j].task.ID
	}
	return q[i].due.Before(q[j].due)
}

func (q entryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *entryQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *entryQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
