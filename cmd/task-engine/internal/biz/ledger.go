package biz

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"knowledgehub/cmd/task-engine/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// ledgerStripes 按用户分片的互斥锁数量
const ledgerStripes = 64

// LedgerUsecase 预算账本
//
// 系统里唯一需要严格互斥的共享状态。所有余额变更都经由Debit/Refill，
// 同一用户的并发debit通过分片锁串行化，Check只读不加锁。
type LedgerUsecase struct {
	budgets  domain.BudgetRepository
	usage    domain.UsageRepository
	notifier domain.Notifier
	locks    [ledgerStripes]sync.Mutex
	log      *log.Helper
}

// NewLedgerUsecase 创建账本
func NewLedgerUsecase(
	budgets domain.BudgetRepository,
	usage domain.UsageRepository,
	notifier domain.Notifier,
	logger log.Logger,
) *LedgerUsecase {
	return &LedgerUsecase{
		budgets:  budgets,
		usage:    usage,
		notifier: notifier,
		log:      log.NewHelper(log.With(logger, "module", "ledger")),
	}
}

// userLock 用户对应的分片锁
func (uc *LedgerUsecase) userLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &uc.locks[h.Sum32()%ledgerStripes]
}

// Check 只读准入检查：used + estimate是否仍在limit之内（宽限不参与准入，
// 只给实际成本超出估算的记账留余地）。
// 存储不可用时返回ErrStoreUnavailable，调用方按拒绝处理
func (uc *LedgerUsecase) Check(ctx context.Context, userID string, estimatedCost float64) error {
	budget, err := uc.budgets.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	if !budget.CanAfford(estimatedCost) {
		return fmt.Errorf("%w: used %.4f + estimate %.4f over limit %.4f",
			domain.ErrBudgetExceeded, budget.Used, estimatedCost, budget.Limit)
	}
	return nil
}

// Debit 记账：原子累加used并追加一条用量流水。
// 跨过80/95/100%阈值时各触发一次budget_alert，同周期不重复
func (uc *LedgerUsecase) Debit(
	ctx context.Context,
	userID, taskID string,
	kind domain.TaskKind,
	cost float64,
	succeeded bool,
	errorReason string,
) (*domain.UsageRecord, error) {
	mu := uc.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	budget, err := uc.budgets.AddUsed(ctx, userID, cost)
	if err != nil {
		return nil, err
	}

	record := &domain.UsageRecord{
		ID:          uuid.New().String(),
		UserID:      userID,
		TaskID:      taskID,
		Kind:        kind,
		Cost:        cost,
		Succeeded:   succeeded,
		ErrorReason: errorReason,
	}
	if err := uc.usage.Append(ctx, record); err != nil {
		// used已更新，流水缺失只影响审计，记录错误但不回滚
		uc.log.Errorf("failed to append usage record for user %s: %v", userID, err)
	}

	DebitTotal.WithLabelValues(string(kind), succeededLabel(succeeded)).Add(cost)

	if level := budget.CrossedLevel(); level != domain.AlertLevelNone {
		if err := uc.budgets.SetAlertLevel(ctx, userID, level); err != nil {
			uc.log.Warnf("failed to persist alert level for user %s: %v", userID, err)
		} else {
			budget.AlertLevel = level
			uc.notifier.Publish(domain.NewBudgetAlertEvent(budget, level))
			uc.log.Infof("budget alert for user %s: %d%% of limit reached", userID, level)
		}
	}

	return record, nil
}

// Refill 补充额度：reset清零used（amount>0时同时设置新limit），
// add在不动used的前提下增加limit
func (uc *LedgerUsecase) Refill(ctx context.Context, userID string, amount float64, mode domain.RefillMode) (*domain.Budget, error) {
	if mode != domain.RefillModeReset && mode != domain.RefillModeAdd {
		return nil, fmt.Errorf("%w: invalid refill mode %q", domain.ErrValidation, mode)
	}
	if amount < 0 {
		return nil, fmt.Errorf("%w: refill amount must be non-negative", domain.ErrValidation)
	}

	mu := uc.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	budget, err := uc.budgets.Refill(ctx, userID, amount, mode)
	if err != nil {
		return nil, err
	}
	uc.log.Infof("budget refilled for user %s: mode=%s amount=%.4f limit=%.4f used=%.4f",
		userID, mode, amount, budget.Limit, budget.Used)
	return budget, nil
}

// RefillRole 按角色批量补充额度，返回受影响的预算数。
// 角色来自认证token并在提交时登记到预算记录上
func (uc *LedgerUsecase) RefillRole(ctx context.Context, role string, amount float64, mode domain.RefillMode) (int64, error) {
	if role == "" {
		return 0, fmt.Errorf("%w: role is required", domain.ErrValidation)
	}
	if mode != domain.RefillModeReset && mode != domain.RefillModeAdd {
		return 0, fmt.Errorf("%w: invalid refill mode %q", domain.ErrValidation, mode)
	}
	if amount < 0 {
		return 0, fmt.Errorf("%w: refill amount must be non-negative", domain.ErrValidation)
	}

	updated, err := uc.budgets.RefillByRole(ctx, role, amount, mode)
	if err != nil {
		return 0, err
	}
	uc.log.Infof("budget refilled for role %s: mode=%s amount=%.4f updated=%d", role, mode, amount, updated)
	return updated, nil
}

// RecordRole 把用户当前角色登记到active预算记录，供按角色refill筛选
func (uc *LedgerUsecase) RecordRole(ctx context.Context, userID, role string) error {
	if role == "" {
		role = domain.DefaultRole
	}
	return uc.budgets.SetRole(ctx, userID, role)
}

// Status 查询用户当前预算
func (uc *LedgerUsecase) Status(ctx context.Context, userID string) (*domain.Budget, error) {
	return uc.budgets.GetOrCreate(ctx, userID)
}

// IsStoreUnavailable 判断是否为存储不可用错误
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, domain.ErrStoreUnavailable)
}

func succeededLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
