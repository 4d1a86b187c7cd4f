package data

import (
	"context"
	"time"

	"knowledgehub/cmd/task-engine/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// UsageRecordPO 用量流水持久化对象，只追加
type UsageRecordPO struct {
	ID          string `gorm:"primaryKey;size:64"`
	UserID      string `gorm:"size:64;not null;index:idx_usage_user"`
	TaskID      string `gorm:"size:64;not null"`
	Kind        string `gorm:"size:32;not null"`
	Cost        float64
	Succeeded   bool
	ErrorReason string    `gorm:"size:128"`
	CreatedAt   time.Time `gorm:"index:idx_usage_created"`
}

// TableName 表名
func (UsageRecordPO) TableName() string {
	return "task_engine.usage_records"
}

// UsageRepository 用量流水仓储实现
type UsageRepository struct {
	data *Data
	log  *log.Helper
}

// NewUsageRepo 创建用量仓储
func NewUsageRepo(data *Data, logger log.Logger) domain.UsageRepository {
	return &UsageRepository{
		data: data,
		log:  log.NewHelper(log.With(logger, "module", "usage-repo")),
	}
}

// Append 追加一条流水
func (r *UsageRepository) Append(ctx context.Context, record *domain.UsageRecord) error {
	if record.ID == "" {
		record.ID = "usage_" + uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	po := &UsageRecordPO{
		ID:          record.ID,
		UserID:      record.UserID,
		TaskID:      record.TaskID,
		Kind:        string(record.Kind),
		Cost:        record.Cost,
		Succeeded:   record.Succeeded,
		ErrorReason: record.ErrorReason,
		CreatedAt:   record.CreatedAt,
	}
	if err := r.data.db.WithContext(ctx).Create(po).Error; err != nil {
		return storeErr(err, domain.ErrStoreUnavailable)
	}
	return nil
}

// SumByUser 统计用户自since起的用量合计
func (r *UsageRepository) SumByUser(ctx context.Context, userID string, since time.Time) (float64, error) {
	var total float64
	err := r.data.db.WithContext(ctx).
		Model(&UsageRecordPO{}).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Select("COALESCE(SUM(cost), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, storeErr(err, domain.ErrStoreUnavailable)
	}
	return total, nil
}
