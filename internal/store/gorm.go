package store

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ChuLiYu/beaver-sched/internal/slot"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// GormStore implements Repository on top of gorm.
type GormStore struct {
	db    *gorm.DB
	clock clockwork.Clock
}

// NewGormStore wraps db. The clock stamps created_at / updated_at so grace
// windows follow the same time source as the scheduler.
func NewGormStore(db *gorm.DB, clock clockwork.Clock) *GormStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &GormStore{db: db, clock: clock}
}

var _ Repository = (*GormStore)(nil)

func (s *GormStore) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func (s *GormStore) now() int64 {
	return s.clock.Now().UnixMilli()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Tx runs fn in a transaction; nested calls become savepoints.
func (s *GormStore) Tx(ctx context.Context, fn func(Repository) error) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx, clock: s.clock})
	})
}

// ============================================================================
// Plans
// ============================================================================

// CreatePlan inserts a plan with its first version. The slot is derived from
// the generated id, so it is written in a second statement of the same transaction.
func (s *GormStore) CreatePlan(ctx context.Context, plan *types.Plan, info *types.PlanInfo) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		plan.CurrentVersion = 1
		plan.CreatedAt, plan.UpdatedAt = now, now
		if err := tx.Create(plan).Error; err != nil {
			return fmt.Errorf("insert plan: %w", err)
		}
		plan.Slot = slot.Of(plan.ID)
		if err := tx.Model(&types.Plan{}).Where("id = ?", plan.ID).
			Updates(map[string]any{"slot": plan.Slot, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("set plan slot: %w", err)
		}

		info.PlanID = plan.ID
		info.Version = 1
		info.CreatedAt = now
		if err := tx.Create(info).Error; err != nil {
			return fmt.Errorf("insert plan info: %w", err)
		}
		return nil
	})
}

// UpdatePlan appends a new PlanInfo version and makes it current.
func (s *GormStore) UpdatePlan(ctx context.Context, planID int64, info *types.PlanInfo, nextTriggerAt int64) (int, error) {
	var version int
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var plan types.Plan
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&plan, planID).Error; err != nil {
			return notFound(err)
		}
		now := s.now()
		version = plan.CurrentVersion + 1

		info.ID = 0
		info.PlanID = planID
		info.Version = version
		info.CreatedAt = now
		if err := tx.Create(info).Error; err != nil {
			return fmt.Errorf("insert plan info: %w", err)
		}

		res := tx.Model(&types.Plan{}).
			Where("id = ? AND current_version = ?", planID, plan.CurrentVersion).
			Updates(map[string]any{
				"current_version": version,
				"schedule_type":   info.ScheduleType,
				"schedule_conf":   info.ScheduleConf,
				"next_trigger_at": nextTriggerAt,
				"updated_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("plan %d changed concurrently", planID)
		}
		return nil
	})
	return version, err
}

func (s *GormStore) SetPlanEnabled(ctx context.Context, planID int64, enabled bool) error {
	res := s.conn(ctx).Model(&types.Plan{}).Where("id = ?", planID).
		Updates(map[string]any{"enabled": enabled, "updated_at": s.now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) GetPlan(ctx context.Context, planID int64) (*types.Plan, error) {
	var plan types.Plan
	if err := s.conn(ctx).First(&plan, planID).Error; err != nil {
		return nil, notFound(err)
	}
	return &plan, nil
}

// LockPlan reads the plan with SELECT ... FOR UPDATE. Call it inside Tx.
func (s *GormStore) LockPlan(ctx context.Context, planID int64) (*types.Plan, error) {
	var plan types.Plan
	if err := s.conn(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&plan, planID).Error; err != nil {
		return nil, notFound(err)
	}
	return &plan, nil
}

func (s *GormStore) GetPlanInfo(ctx context.Context, planID int64, version int) (*types.PlanInfo, error) {
	var info types.PlanInfo
	err := s.conn(ctx).Where("plan_id = ? AND version = ?", planID, version).First(&info).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &info, nil
}

// AdvancePlanTrigger moves next_trigger_at while the version still matches.
func (s *GormStore) AdvancePlanTrigger(ctx context.Context, planID int64, version int, next int64) (bool, error) {
	res := s.conn(ctx).Model(&types.Plan{}).
		Where("id = ? AND current_version = ?", planID, version).
		Updates(map[string]any{"next_trigger_at": next, "updated_at": s.now()})
	return res.RowsAffected == 1, res.Error
}

// ListSchedulablePlans returns enabled, schedule-triggered plans in slots due before triggerBefore.
func (s *GormStore) ListSchedulablePlans(ctx context.Context, slots []int, triggerBefore int64) ([]*types.Plan, error) {
	if len(slots) == 0 {
		return nil, nil
	}
	var plans []*types.Plan
	err := s.conn(ctx).
		Where("slot IN ? AND enabled = ? AND trigger_type = ?", slots, true, types.TriggerSchedule).
		Where("schedule_type <> ? AND next_trigger_at > 0 AND next_trigger_at <= ?", types.ScheduleNone, triggerBefore).
		Order("id").
		Find(&plans).Error
	return plans, err
}

// ============================================================================
// PlanInstance
// ============================================================================

// InsertPlanInstance returns false when (plan_id, trigger_at, trigger_type) already exists.
func (s *GormStore) InsertPlanInstance(ctx context.Context, pi *types.PlanInstance) (bool, error) {
	now := s.now()
	pi.CreatedAt, pi.UpdatedAt = now, now
	res := s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(pi)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) GetPlanInstance(ctx context.Context, id int64) (*types.PlanInstance, error) {
	var pi types.PlanInstance
	if err := s.conn(ctx).First(&pi, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &pi, nil
}

func (s *GormStore) UpdatePlanInstanceStatus(ctx context.Context, id int64, from []types.RunStatus, to types.RunStatus, msg string) (bool, error) {
	values := map[string]any{"status": to, "updated_at": s.now()}
	if msg != "" {
		values["message"] = truncate(msg)
	}
	res := s.conn(ctx).Model(&types.PlanInstance{}).Where("id = ? AND status IN ?", id, from).Updates(values)
	return res.RowsAffected == 1, res.Error
}

func (s *GormStore) ListPlanInstancesByStatus(ctx context.Context, slots []int, status types.RunStatus, updatedBefore int64, limit int) ([]*types.PlanInstance, error) {
	if len(slots) == 0 {
		return nil, nil
	}
	var out []*types.PlanInstance
	err := s.conn(ctx).
		Where("slot IN ? AND status = ? AND updated_at <= ?", slots, status, updatedBefore).
		Order("id").Limit(limit).
		Find(&out).Error
	return out, err
}

// ============================================================================
// JobInstance
// ============================================================================

// InsertJobInstance returns false when the (plan_instance_id, job_id, retry_count) attempt exists.
func (s *GormStore) InsertJobInstance(ctx context.Context, ji *types.JobInstance) (bool, error) {
	now := s.now()
	ji.CreatedAt, ji.UpdatedAt = now, now
	res := s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(ji)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) GetJobInstance(ctx context.Context, id int64) (*types.JobInstance, error) {
	var ji types.JobInstance
	if err := s.conn(ctx).First(&ji, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &ji, nil
}

func (s *GormStore) ListJobInstances(ctx context.Context, planInstanceID int64) ([]*types.JobInstance, error) {
	var out []*types.JobInstance
	err := s.conn(ctx).Where("plan_instance_id = ?", planInstanceID).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) UpdateJobInstanceStatus(ctx context.Context, id int64, from []types.RunStatus, to types.RunStatus, msg string) (bool, error) {
	values := map[string]any{"status": to, "updated_at": s.now()}
	if msg != "" {
		values["message"] = truncate(msg)
	}
	res := s.conn(ctx).Model(&types.JobInstance{}).Where("id = ? AND status IN ?", id, from).Updates(values)
	return res.RowsAffected == 1, res.Error
}

// ListStalledJobInstances finds running job instances whose tasks are all terminal.
func (s *GormStore) ListStalledJobInstances(ctx context.Context, slots []int, updatedBefore int64, limit int) ([]*types.JobInstance, error) {
	if len(slots) == 0 {
		return nil, nil
	}
	db := s.conn(ctx)
	open := []types.TaskStatus{types.TaskScheduling, types.TaskDispatching, types.TaskExecuting}

	var out []*types.JobInstance
	err := db.Model(&types.JobInstance{}).
		Where("slot IN ? AND status IN ? AND updated_at <= ?", slots,
			[]types.RunStatus{types.RunScheduling, types.RunExecuting}, updatedBefore).
		Where("EXISTS (?)", db.Model(&types.Task{}).Select("1").
			Where("tasks.job_instance_id = job_instances.id")).
		Where("NOT EXISTS (?)", db.Model(&types.Task{}).Select("1").
			Where("tasks.job_instance_id = job_instances.id AND tasks.status IN ?", open)).
		Order("id").Limit(limit).
		Find(&out).Error
	return out, err
}

// ============================================================================
// Task
// ============================================================================

func (s *GormStore) InsertTasks(ctx context.Context, tasks []*types.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	now := s.now()
	for _, t := range tasks {
		t.CreatedAt, t.UpdatedAt = now, now
	}
	return s.conn(ctx).Create(tasks).Error
}

func (s *GormStore) GetTask(ctx context.Context, id int64) (*types.Task, error) {
	var t types.Task
	if err := s.conn(ctx).First(&t, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (s *GormStore) ListTasks(ctx context.Context, jobInstanceID int64) ([]*types.Task, error) {
	var out []*types.Task
	err := s.conn(ctx).Where("job_instance_id = ?", jobInstanceID).Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) UpdateTaskStatus(ctx context.Context, id int64, from []types.TaskStatus, to types.TaskStatus, patch TaskPatch) (bool, error) {
	values := map[string]any{"status": to, "updated_at": s.now()}
	if patch.WorkerID != nil {
		values["worker_id"] = *patch.WorkerID
	}
	if patch.WorkerAddr != nil {
		values["worker_addr"] = *patch.WorkerAddr
	}
	if patch.Result != nil {
		values["result"] = *patch.Result
	}
	if patch.Message != nil {
		values["message"] = truncate(*patch.Message)
	}
	if patch.DispatchedAt > 0 {
		values["dispatched_at"] = patch.DispatchedAt
	}
	res := s.conn(ctx).Model(&types.Task{}).Where("id = ? AND status IN ?", id, from).Updates(values)
	return res.RowsAffected == 1, res.Error
}

func (s *GormStore) ListTasksByStatus(ctx context.Context, slots []int, statuses []types.TaskStatus, updatedBefore, afterID int64, limit int) ([]*types.Task, error) {
	if len(slots) == 0 {
		return nil, nil
	}
	var out []*types.Task
	err := s.conn(ctx).
		Where("slot IN ? AND status IN ? AND updated_at <= ? AND id > ?", slots, statuses, updatedBefore, afterID).
		Order("id").Limit(limit).
		Find(&out).Error
	return out, err
}

// ListDueTasks returns SCHEDULING tasks that are due and have not moved within the grace window.
func (s *GormStore) ListDueTasks(ctx context.Context, slots []int, triggerBefore, updatedBefore int64, limit int) ([]*types.Task, error) {
	if len(slots) == 0 {
		return nil, nil
	}
	var out []*types.Task
	err := s.conn(ctx).
		Where("slot IN ? AND status = ? AND trigger_at <= ? AND updated_at <= ?",
			slots, types.TaskScheduling, triggerBefore, updatedBefore).
		Order("id").Limit(limit).
		Find(&out).Error
	return out, err
}

// ============================================================================
// Stats
// ============================================================================

func (s *GormStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	for _, q := range []struct {
		model any
		out   *[]StatusCount
	}{
		{&types.PlanInstance{}, &st.PlanInstances},
		{&types.JobInstance{}, &st.JobInstances},
		{&types.Task{}, &st.Tasks},
	} {
		err := s.conn(ctx).Model(q.model).
			Select("status, COUNT(*) AS count").
			Group("status").Order("status").
			Scan(q.out).Error
		if err != nil {
			return nil, err
		}
	}
	return st, nil
}

// truncate 截斷到 1024 bytes，不切開多位元組字元
func truncate(msg string) string {
	const max = 1024
	if len(msg) <= max {
		return msg
	}
	n := max
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}
