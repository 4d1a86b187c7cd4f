package data

import (
	"context"
	"fmt"
	"time"

	"knowledgehub/cmd/task-engine/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BudgetPO 预算持久化对象
type BudgetPO struct {
	ID          string  `gorm:"primaryKey;size:64"`
	UserID      string  `gorm:"size:64;not null;index:idx_budget_user"`
	Role        string  `gorm:"size:32;not null;default:member;index:idx_budget_role"`
	Limit       float64 `gorm:"column:limit_amount;not null"`
	Used        float64 `gorm:"not null;default:0"`
	Period      string  `gorm:"size:16;not null"`
	PeriodStart time.Time
	PeriodEnd   time.Time
	Active      bool `gorm:"not null;index:idx_budget_active"`
	AlertLevel  int  `gorm:"not null;default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName 表名
func (BudgetPO) TableName() string {
	return "task_engine.budgets"
}

// BudgetConfig 新建预算的默认参数
type BudgetConfig struct {
	DefaultLimit float64
	Period       domain.BudgetPeriod
}

// BudgetRepository 预算仓储实现
type BudgetRepository struct {
	data *Data
	conf *BudgetConfig
	log  *log.Helper
}

// NewBudgetRepo 创建预算仓储
func NewBudgetRepo(data *Data, conf *BudgetConfig, logger log.Logger) domain.BudgetRepository {
	if conf.DefaultLimit <= 0 {
		conf.DefaultLimit = 100
	}
	if conf.Period == "" {
		conf.Period = domain.PeriodMonthly
	}
	return &BudgetRepository{
		data: data,
		conf: conf,
		log:  log.NewHelper(log.With(logger, "module", "budget-repo")),
	}
}

// GetOrCreate 获取用户当前active预算，不存在或周期已过则滚动到新周期
func (r *BudgetRepository) GetOrCreate(ctx context.Context, userID string) (*domain.Budget, error) {
	var po BudgetPO
	err := r.data.db.WithContext(ctx).
		Where("user_id = ? AND active = ?", userID, true).
		First(&po).Error
	if err == nil {
		budget := toDomainBudget(&po)
		if !budget.Expired(time.Now()) {
			return budget, nil
		}
		return r.rollover(ctx, &po)
	}
	if err != gorm.ErrRecordNotFound {
		return nil, storeErr(err, domain.ErrBudgetNotFound)
	}
	return r.createPeriod(ctx, userID, domain.DefaultRole, r.conf.DefaultLimit)
}

// rollover 关闭过期记录并开新周期，额度与角色沿用旧记录
func (r *BudgetRepository) rollover(ctx context.Context, old *BudgetPO) (*domain.Budget, error) {
	err := r.data.db.WithContext(ctx).
		Model(&BudgetPO{}).
		Where("id = ?", old.ID).
		Updates(map[string]interface{}{"active": false, "updated_at": time.Now()}).Error
	if err != nil {
		return nil, storeErr(err, domain.ErrStoreUnavailable)
	}
	r.log.Infof("budget period rolled over for user %s", old.UserID)
	return r.createPeriod(ctx, old.UserID, old.Role, old.Limit)
}

func (r *BudgetRepository) createPeriod(ctx context.Context, userID, role string, limit float64) (*domain.Budget, error) {
	now := time.Now()
	start, end := r.conf.Period.Window(now)
	if role == "" {
		role = domain.DefaultRole
	}
	po := &BudgetPO{
		ID:          "budget_" + uuid.New().String(),
		UserID:      userID,
		Role:        role,
		Limit:       limit,
		Used:        0,
		Period:      string(r.conf.Period),
		PeriodStart: start,
		PeriodEnd:   end,
		Active:      true,
		AlertLevel:  domain.AlertLevelNone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.data.db.WithContext(ctx).Create(po).Error; err != nil {
		return nil, storeErr(err, domain.ErrStoreUnavailable)
	}
	return toDomainBudget(po), nil
}

// AddUsed 原子累加used并返回更新后的预算
func (r *BudgetRepository) AddUsed(ctx context.Context, userID string, cost float64) (*domain.Budget, error) {
	res := r.data.db.WithContext(ctx).
		Model(&BudgetPO{}).
		Where("user_id = ? AND active = ?", userID, true).
		Updates(map[string]interface{}{
			"used":       gorm.Expr("used + ?", cost),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, storeErr(res.Error, domain.ErrStoreUnavailable)
	}
	if res.RowsAffected == 0 {
		return nil, domain.ErrBudgetNotFound
	}

	var po BudgetPO
	err := r.data.db.WithContext(ctx).
		Where("user_id = ? AND active = ?", userID, true).
		First(&po).Error
	if err != nil {
		return nil, storeErr(err, domain.ErrBudgetNotFound)
	}
	return toDomainBudget(&po), nil
}

// SetAlertLevel 记录已触发的告警档位，只允许上升
func (r *BudgetRepository) SetAlertLevel(ctx context.Context, userID string, level int) error {
	err := r.data.db.WithContext(ctx).
		Model(&BudgetPO{}).
		Where("user_id = ? AND active = ? AND alert_level < ?", userID, true, level).
		Updates(map[string]interface{}{
			"alert_level": level,
			"updated_at":  time.Now(),
		}).Error
	if err != nil {
		return storeErr(err, domain.ErrStoreUnavailable)
	}
	return nil
}

// SetRole 登记用户角色到active预算记录，角色未变化时不产生写入
func (r *BudgetRepository) SetRole(ctx context.Context, userID, role string) error {
	if role == "" {
		role = domain.DefaultRole
	}
	if _, err := r.GetOrCreate(ctx, userID); err != nil {
		return err
	}
	err := r.data.db.WithContext(ctx).
		Model(&BudgetPO{}).
		Where("user_id = ? AND active = ? AND role <> ?", userID, true, role).
		Updates(map[string]interface{}{"role": role, "updated_at": time.Now()}).Error
	if err != nil {
		return storeErr(err, domain.ErrStoreUnavailable)
	}
	return nil
}

// refillUpdates 两种refill模式对应的字段变更
func refillUpdates(amount float64, mode domain.RefillMode) (map[string]interface{}, error) {
	updates := map[string]interface{}{"updated_at": time.Now()}
	switch mode {
	case domain.RefillModeReset:
		updates["used"] = 0
		updates["alert_level"] = domain.AlertLevelNone
		if amount > 0 {
			updates["limit_amount"] = amount
		}
	case domain.RefillModeAdd:
		updates["limit_amount"] = gorm.Expr("limit_amount + ?", amount)
	default:
		return nil, fmt.Errorf("%w: unknown refill mode %q", domain.ErrValidation, mode)
	}
	return updates, nil
}

// Refill 重置或追加额度
func (r *BudgetRepository) Refill(ctx context.Context, userID string, amount float64, mode domain.RefillMode) (*domain.Budget, error) {
	if _, err := r.GetOrCreate(ctx, userID); err != nil {
		return nil, err
	}

	updates, err := refillUpdates(amount, mode)
	if err != nil {
		return nil, err
	}

	err = r.data.db.WithContext(ctx).
		Model(&BudgetPO{}).
		Where("user_id = ? AND active = ?", userID, true).
		Updates(updates).Error
	if err != nil {
		return nil, storeErr(err, domain.ErrStoreUnavailable)
	}

	var po BudgetPO
	err = r.data.db.WithContext(ctx).
		Where("user_id = ? AND active = ?", userID, true).
		First(&po).Error
	if err != nil {
		return nil, storeErr(err, domain.ErrBudgetNotFound)
	}
	r.log.Infof("budget refilled for user %s: mode=%s amount=%.2f", userID, mode, amount)
	return toDomainBudget(&po), nil
}

// RefillByRole 对持有该角色的全部active预算批量refill
func (r *BudgetRepository) RefillByRole(ctx context.Context, role string, amount float64, mode domain.RefillMode) (int64, error) {
	updates, err := refillUpdates(amount, mode)
	if err != nil {
		return 0, err
	}

	res := r.data.db.WithContext(ctx).
		Model(&BudgetPO{}).
		Where("role = ? AND active = ?", role, true).
		Updates(updates)
	if res.Error != nil {
		return 0, storeErr(res.Error, domain.ErrStoreUnavailable)
	}
	r.log.Infof("budget refilled for role %s: mode=%s amount=%.2f updated=%d", role, mode, amount, res.RowsAffected)
	return res.RowsAffected, nil
}

// toDomainBudget 持久化对象转领域对象
func toDomainBudget(po *BudgetPO) *domain.Budget {
	return &domain.Budget{
		ID:          po.ID,
		UserID:      po.UserID,
		Role:        po.Role,
		Limit:       po.Limit,
		Used:        po.Used,
		Period:      domain.BudgetPeriod(po.Period),
		PeriodStart: po.PeriodStart,
		PeriodEnd:   po.PeriodEnd,
		Active:      po.Active,
		AlertLevel:  po.AlertLevel,
		CreatedAt:   po.CreatedAt,
		UpdatedAt:   po.UpdatedAt,
	}
}
