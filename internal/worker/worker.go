// ============================================================================
// Beaver-Sched Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes submitted functions, each Worker runs in
// an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Run task function (with optional timeout)
//   3. Send result to resultCh
//   4. Repeat above process until taskCh is closed
//
// Panic Handling:
//   A panicking task is recovered and reported as a failed Result, the
//   Worker keeps serving the channel.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int             // Worker unique identifier, used for logging and debugging
	ctx      context.Context // Pool lifetime context, cancelled on Stop
	taskCh   <-chan Task     // Task channel (read-only)
	resultCh chan<- Result   // Result channel (write-only)
}

// newWorker creates a new Worker instance
func newWorker(ctx context.Context, id int, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		ctx:      ctx,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()
		err := w.execute(task)

		result := Result{
			TaskID:   task.ID,
			Kind:     task.Kind,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}

		select {
		case w.resultCh <- result:
		default:
			// Nobody is draining results, drop rather than stall the worker
		}
	}
}

// execute runs one task function, converting a panic into an error
func (w *Worker) execute(task Task) (err error) {
	ctx, cancel := w.ctx, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(w.ctx, task.Timeout)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()

	if task.Run == nil {
		return fmt.Errorf("task %s has no function", task.ID)
	}
	return task.Run(ctx)
}
