package domain

import (
	"context"
	"time"
)

// TaskRepository 任务仓储接口
type TaskRepository interface {
	Create(ctx context.Context, task *Task) error
	Update(ctx context.Context, task *Task) error
	GetByID(ctx context.Context, id string) (*Task, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Task, error)
	// RecoverInterrupted 将所有RUNNING任务标记为FAILED(process_restarted)，
	// 进程重启后调用，返回受影响的任务
	RecoverInterrupted(ctx context.Context) ([]*Task, error)
	// PurgeTerminal 删除在retention之前进入终态的任务，返回删除数量
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error)
}

// BudgetRepository 预算仓储接口
type BudgetRepository interface {
	// GetOrCreate 获取用户当前active预算；不存在或周期已过时创建新周期记录
	// （旧记录置为inactive，从不删除）
	GetOrCreate(ctx context.Context, userID string) (*Budget, error)
	// AddUsed 原子累加used并返回更新后的预算
	AddUsed(ctx context.Context, userID string, cost float64) (*Budget, error)
	// SetAlertLevel 记录已触发的告警档位（只允许上升）
	SetAlertLevel(ctx context.Context, userID string, level int) error
	// SetRole 登记用户角色到active预算记录
	SetRole(ctx context.Context, userID, role string) error
	// Refill 重置或追加额度
	Refill(ctx context.Context, userID string, amount float64, mode RefillMode) (*Budget, error)
	// RefillByRole 对所有持有该角色的active预算批量refill，返回受影响数量
	RefillByRole(ctx context.Context, role string, amount float64, mode RefillMode) (int64, error)
}

// UsageRepository 用量流水仓储接口（只追加）
type UsageRepository interface {
	Append(ctx context.Context, record *UsageRecord) error
	SumByUser(ctx context.Context, userID string, since time.Time) (float64, error)
}
