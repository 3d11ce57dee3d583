// ============================================================================
// Beaver-Sched Repository
// ============================================================================
//
// Package: internal/store
// File: store.go
// Function: Persistence contract of the lifecycle engine
//
// Every status mutation is a conditional update keyed by id and the expected
// prior status (or plan version). The returned bool reports whether this
// caller won; "false, nil" is the normal outcome when another broker got
// there first and is never an error.
//
// Range queries used by the load and health-check passes are scoped by slot
// so a broker only ever scans the rows it owns.
//
// ============================================================================

package store

import (
	"context"
	"errors"

	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("record not found")

// TaskPatch carries the optional columns written together with a task status change.
type TaskPatch struct {
	WorkerID     *string
	WorkerAddr   *string
	Result       *string
	Message      *string
	DispatchedAt int64
}

// StatusCount is one row of the status summary.
type StatusCount struct {
	Status string
	Count  int64
}

// Stats summarizes instance rows by status.
type Stats struct {
	PlanInstances []StatusCount
	JobInstances  []StatusCount
	Tasks         []StatusCount
}

// Repository is the storage used by the scheduler.
type Repository interface {
	// Tx runs fn inside one storage transaction.
	Tx(ctx context.Context, fn func(Repository) error) error

	CreatePlan(ctx context.Context, plan *types.Plan, info *types.PlanInfo) error
	UpdatePlan(ctx context.Context, planID int64, info *types.PlanInfo, nextTriggerAt int64) (int, error)
	SetPlanEnabled(ctx context.Context, planID int64, enabled bool) error
	GetPlan(ctx context.Context, planID int64) (*types.Plan, error)
	LockPlan(ctx context.Context, planID int64) (*types.Plan, error)
	GetPlanInfo(ctx context.Context, planID int64, version int) (*types.PlanInfo, error)
	AdvancePlanTrigger(ctx context.Context, planID int64, version int, next int64) (bool, error)
	ListSchedulablePlans(ctx context.Context, slots []int, triggerBefore int64) ([]*types.Plan, error)

	InsertPlanInstance(ctx context.Context, pi *types.PlanInstance) (bool, error)
	GetPlanInstance(ctx context.Context, id int64) (*types.PlanInstance, error)
	UpdatePlanInstanceStatus(ctx context.Context, id int64, from []types.RunStatus, to types.RunStatus, msg string) (bool, error)
	ListPlanInstancesByStatus(ctx context.Context, slots []int, status types.RunStatus, updatedBefore int64, limit int) ([]*types.PlanInstance, error)

	InsertJobInstance(ctx context.Context, ji *types.JobInstance) (bool, error)
	GetJobInstance(ctx context.Context, id int64) (*types.JobInstance, error)
	ListJobInstances(ctx context.Context, planInstanceID int64) ([]*types.JobInstance, error)
	UpdateJobInstanceStatus(ctx context.Context, id int64, from []types.RunStatus, to types.RunStatus, msg string) (bool, error)
	ListStalledJobInstances(ctx context.Context, slots []int, updatedBefore int64, limit int) ([]*types.JobInstance, error)

	InsertTasks(ctx context.Context, tasks []*types.Task) error
	GetTask(ctx context.Context, id int64) (*types.Task, error)
	ListTasks(ctx context.Context, jobInstanceID int64) ([]*types.Task, error)
	UpdateTaskStatus(ctx context.Context, id int64, from []types.TaskStatus, to types.TaskStatus, patch TaskPatch) (bool, error)
	// ListTasksByStatus pages by id: only tasks with id > afterID are returned, in id order.
	ListTasksByStatus(ctx context.Context, slots []int, statuses []types.TaskStatus, updatedBefore, afterID int64, limit int) ([]*types.Task, error)
	ListDueTasks(ctx context.Context, slots []int, triggerBefore, updatedBefore int64, limit int) ([]*types.Task, error)

	Stats(ctx context.Context) (*Stats, error)
}
