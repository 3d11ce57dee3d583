// ============================================================================
// Beaver-Sched Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露排程器運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - sched_plan_fires_total{outcome}: 計劃觸發結果（created/duplicate/stale）
//      - sched_plan_instances_finished_total{status}: PlanInstance 終態
//      - sched_job_retries_total: 建立的重試 JobInstance
//      - sched_tasks_dispatched_total: worker 接受的 Task
//      - sched_dispatch_failures_total{reason}: 分派失敗原因
//      - sched_task_feedback_total{result}: worker 回報（success/fail/ignored）
//      - sched_recovery_repairs_total{kind}: 健康檢查修復次數
//      - sched_meta_task_runs_total{type,result}: meta task 執行結果
//
//   2. 分佈 (Histogram)：
//      - sched_meta_task_duration_seconds{type}
//
//   3. 狀態 (Gauge)：
//      - sched_owned_slots: 本節點擁有的 slot 數
//      - sched_meta_tasks_scheduled{type}: 已排程的 meta task 數
//
// Prometheus 查詢示例:
//
//   # 分派失敗率
//   rate(sched_dispatch_failures_total[5m]) / rate(sched_tasks_dispatched_total[5m])
//
//   # 重複觸發（多節點競爭同一 slot）
//   rate(sched_plan_fires_total{outcome="duplicate"}[5m])
//
// 所有方法對 nil *Collector 皆為 no-op，測試可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 觸發結果標籤
const (
	FireCreated   = "created"
	FireDuplicate = "duplicate"
	FireStale     = "stale"
)

// RecordFeedback 的 result 標籤
const (
	FeedbackSuccess = "success"
	FeedbackFail    = "fail"
	FeedbackIgnored = "ignored"
)

// Collector Prometheus 指標收集器
type Collector struct {
	planFires        *prometheus.CounterVec
	planFinished     *prometheus.CounterVec
	jobRetries       prometheus.Counter
	tasksDispatched  prometheus.Counter
	dispatchFailures *prometheus.CounterVec
	taskFeedback     *prometheus.CounterVec
	recoveryRepairs  *prometheus.CounterVec
	metaTaskRuns     *prometheus.CounterVec

	metaTaskDuration *prometheus.HistogramVec

	ownedSlots         prometheus.Gauge
	metaTasksScheduled *prometheus.GaugeVec
}

// NewCollector 創建新的指標收集器並註冊到 reg（nil 表示預設註冊器）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		planFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sched_plan_fires_total",
			Help: "Plan firings by outcome",
		}, []string{"outcome"}),
		planFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sched_plan_instances_finished_total",
			Help: "Plan instances that reached a terminal status",
		}, []string{"status"}),
		jobRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_job_retries_total",
			Help: "Retry job instances created",
		}),
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_tasks_dispatched_total",
			Help: "Tasks accepted by a worker",
		}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sched_dispatch_failures_total",
			Help: "Task dispatch failures by reason",
		}, []string{"reason"}),
		taskFeedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sched_task_feedback_total",
			Help: "Task feedback handled by result",
		}, []string{"result"}),
		recoveryRepairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sched_recovery_repairs_total",
			Help: "Entities re-driven by health checks",
		}, []string{"kind"}),
		metaTaskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sched_meta_task_runs_total",
			Help: "Meta task executions by type and result",
		}, []string{"type", "result"}),
		metaTaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sched_meta_task_duration_seconds",
			Help:    "Meta task execution time in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		ownedSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sched_owned_slots",
			Help: "Slots currently owned by this broker",
		}),
		metaTasksScheduled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sched_meta_tasks_scheduled",
			Help: "Meta tasks currently scheduled by type",
		}, []string{"type"}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.planFires,
		c.planFinished,
		c.jobRetries,
		c.tasksDispatched,
		c.dispatchFailures,
		c.taskFeedback,
		c.recoveryRepairs,
		c.metaTaskRuns,
		c.metaTaskDuration,
		c.ownedSlots,
		c.metaTasksScheduled,
	)

	return c
}

// RecordPlanFire 記錄一次計劃觸發的結果
func (c *Collector) RecordPlanFire(outcome string) {
	if c == nil {
		return
	}
	c.planFires.WithLabelValues(outcome).Inc()
}

// RecordPlanFinished 記錄 PlanInstance 進入終態
func (c *Collector) RecordPlanFinished(status string) {
	if c == nil {
		return
	}
	c.planFinished.WithLabelValues(status).Inc()
}

// RecordRetry 記錄建立重試 JobInstance
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.jobRetries.Inc()
}

// RecordDispatch 記錄 Task 被 worker 接受
func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.tasksDispatched.Inc()
}

// RecordDispatchFailure 記錄分派失敗
func (c *Collector) RecordDispatchFailure(reason string) {
	if c == nil {
		return
	}
	c.dispatchFailures.WithLabelValues(reason).Inc()
}

// RecordFeedback 記錄 worker 回報的處理結果
func (c *Collector) RecordFeedback(result string) {
	if c == nil {
		return
	}
	c.taskFeedback.WithLabelValues(result).Inc()
}

// RecordRepair 記錄健康檢查修復
func (c *Collector) RecordRepair(kind string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.recoveryRepairs.WithLabelValues(kind).Add(float64(n))
}

// ObserveMetaTask 記錄一次 meta task 執行
func (c *Collector) ObserveMetaTask(typ string, success bool, d time.Duration) {
	if c == nil {
		return
	}
	result := "success"
	if !success {
		result = "error"
	}
	c.metaTaskRuns.WithLabelValues(typ, result).Inc()
	c.metaTaskDuration.WithLabelValues(typ).Observe(d.Seconds())
}

// SetOwnedSlots 設置擁有的 slot 數
func (c *Collector) SetOwnedSlots(n int) {
	if c == nil {
		return
	}
	c.ownedSlots.Set(float64(n))
}

// SetMetaTasksScheduled 設置某類型已排程的 meta task 數
func (c *Collector) SetMetaTasksScheduled(typ string, n int) {
	if c == nil {
		return
	}
	c.metaTasksScheduled.WithLabelValues(typ).Set(float64(n))
}

// Serve 在 addr 上提供 /metrics，ctx 結束時關閉
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
