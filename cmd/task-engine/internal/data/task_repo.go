package data

import (
	"context"
	"time"

	"knowledgehub/cmd/task-engine/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
)

// TaskPO 任务持久化对象
type TaskPO struct {
	ID            string `gorm:"primaryKey;size:64"`
	OwnerID       string `gorm:"size:64;not null;index:idx_owner"`
	Kind          string `gorm:"size:32;not null;index:idx_kind"`
	Priority      int    `gorm:"not null"`
	Status        string `gorm:"size:16;not null;index:idx_status"`
	Args          string `gorm:"type:jsonb"`
	Progress      int    `gorm:"not null;default:0"`
	Result        string `gorm:"type:jsonb"`
	Error         string `gorm:"type:text"`
	EstimatedCost float64
	ActualCost    float64
	SubmittedAt   time.Time `gorm:"index:idx_submitted"`
	StartedAt     *time.Time
	FinishedAt    *time.Time `gorm:"index:idx_finished"`
	UpdatedAt     time.Time
}

// TableName 表名
func (TaskPO) TableName() string {
	return "task_engine.tasks"
}

// TaskRepository 任务仓储实现
type TaskRepository struct {
	data *Data
	log  *log.Helper
}

// NewTaskRepo 创建任务仓储
func NewTaskRepo(data *Data, logger log.Logger) domain.TaskRepository {
	return &TaskRepository{
		data: data,
		log:  log.NewHelper(log.With(logger, "module", "task-repo")),
	}
}

// Create 创建任务
func (r *TaskRepository) Create(ctx context.Context, task *domain.Task) error {
	if err := r.data.db.WithContext(ctx).Create(toTaskPO(task)).Error; err != nil {
		r.log.Errorf("failed to create task %s: %v", task.ID, err)
		return storeErr(err, domain.ErrStoreUnavailable)
	}
	return nil
}

// Update 更新任务（整行覆盖，单写者约定下无并发冲突）
func (r *TaskRepository) Update(ctx context.Context, task *domain.Task) error {
	po := toTaskPO(task)
	err := r.data.db.WithContext(ctx).
		Model(&TaskPO{}).
		Where("id = ?", task.ID).
		Select("*").Omit("id", "submitted_at").
		Updates(po).Error
	if err != nil {
		r.log.Errorf("failed to update task %s: %v", task.ID, err)
		return storeErr(err, domain.ErrTaskNotFound)
	}
	return nil
}

// GetByID 根据ID获取任务
func (r *TaskRepository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	var po TaskPO
	if err := r.data.db.WithContext(ctx).Where("id = ?", id).First(&po).Error; err != nil {
		return nil, storeErr(err, domain.ErrTaskNotFound)
	}
	return toDomainTask(&po), nil
}

// ListByOwner 按提交时间倒序列出用户的任务
func (r *TaskRepository) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*domain.Task, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var pos []TaskPO
	err := r.data.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("submitted_at DESC").
		Limit(limit).Offset(offset).
		Find(&pos).Error
	if err != nil {
		return nil, storeErr(err, domain.ErrStoreUnavailable)
	}

	tasks := make([]*domain.Task, 0, len(pos))
	for i := range pos {
		tasks = append(tasks, toDomainTask(&pos[i]))
	}
	return tasks, nil
}

// RecoverInterrupted 进程重启后把遗留的RUNNING任务标记为失败。
// 运行中任务的进度粒度允许丢失，但任务不允许凭空消失
func (r *TaskRepository) RecoverInterrupted(ctx context.Context) ([]*domain.Task, error) {
	var pos []TaskPO
	if err := r.data.db.WithContext(ctx).
		Where("status = ?", string(domain.TaskStatusRunning)).
		Find(&pos).Error; err != nil {
		return nil, storeErr(err, domain.ErrStoreUnavailable)
	}
	if len(pos) == 0 {
		return nil, nil
	}

	now := time.Now()
	err := r.data.db.WithContext(ctx).
		Model(&TaskPO{}).
		Where("status = ?", string(domain.TaskStatusRunning)).
		Updates(map[string]interface{}{
			"status":      string(domain.TaskStatusFailed),
			"error":       domain.FailReasonProcessRestarted,
			"finished_at": now,
			"updated_at":  now,
		}).Error
	if err != nil {
		return nil, storeErr(err, domain.ErrStoreUnavailable)
	}

	tasks := make([]*domain.Task, 0, len(pos))
	for i := range pos {
		task := toDomainTask(&pos[i])
		task.Fail(domain.FailReasonProcessRestarted, task.ActualCost)
		tasks = append(tasks, task)
	}
	r.log.Warnf("recovered %d interrupted tasks as failed", len(tasks))
	return tasks, nil
}

// PurgeTerminal 删除保留期外的终态任务
func (r *TaskRepository) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	res := r.data.db.WithContext(ctx).
		Where("status IN ?", []string{
			string(domain.TaskStatusSucceeded),
			string(domain.TaskStatusFailed),
			string(domain.TaskStatusCancelled),
		}).
		Where("finished_at < ?", olderThan).
		Delete(&TaskPO{})
	if res.Error != nil {
		return 0, storeErr(res.Error, domain.ErrStoreUnavailable)
	}
	return res.RowsAffected, nil
}

// toTaskPO 领域对象转持久化对象
func toTaskPO(task *domain.Task) *TaskPO {
	return &TaskPO{
		ID:            task.ID,
		OwnerID:       task.OwnerID,
		Kind:          string(task.Kind),
		Priority:      int(task.Priority),
		Status:        string(task.Status),
		Args:          string(task.Args),
		Progress:      task.Progress,
		Result:        string(task.Result),
		Error:         task.Error,
		EstimatedCost: task.EstimatedCost,
		ActualCost:    task.ActualCost,
		SubmittedAt:   task.SubmittedAt,
		StartedAt:     task.StartedAt,
		FinishedAt:    task.FinishedAt,
		UpdatedAt:     task.UpdatedAt,
	}
}

// toDomainTask 持久化对象转领域对象
func toDomainTask(po *TaskPO) *domain.Task {
	task := &domain.Task{
		ID:            po.ID,
		OwnerID:       po.OwnerID,
		Kind:          domain.TaskKind(po.Kind),
		Priority:      domain.TaskPriority(po.Priority),
		Status:        domain.TaskStatus(po.Status),
		Progress:      po.Progress,
		Error:         po.Error,
		EstimatedCost: po.EstimatedCost,
		ActualCost:    po.ActualCost,
		SubmittedAt:   po.SubmittedAt,
		StartedAt:     po.StartedAt,
		FinishedAt:    po.FinishedAt,
		UpdatedAt:     po.UpdatedAt,
	}
	if po.Args != "" {
		task.Args = []byte(po.Args)
	}
	if po.Result != "" {
		task.Result = []byte(po.Result)
	}
	return task
}
