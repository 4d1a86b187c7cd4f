package biz

import (
	"context"
	"errors"

	"knowledgehub/cmd/task-engine/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
)

// AdmissionGate 准入闸口
//
// 在两个时点消费Ledger.Check：任务提交时、出队即将执行前。
// 两次检查之间余额可能被其他任务消耗，所以第二次不可省略。
type AdmissionGate struct {
	ledger *LedgerUsecase
	log    *log.Helper
}

// NewAdmissionGate 创建准入闸口
func NewAdmissionGate(ledger *LedgerUsecase, logger log.Logger) *AdmissionGate {
	return &AdmissionGate{
		ledger: ledger,
		log:    log.NewHelper(log.With(logger, "module", "admission")),
	}
}

// CheckSubmit 提交时预检
func (g *AdmissionGate) CheckSubmit(ctx context.Context, userID string, estimatedCost float64) error {
	err := g.ledger.Check(ctx, userID, estimatedCost)
	if err != nil && IsStoreUnavailable(err) {
		// 存储故障期间拒绝准入，避免失控消费
		g.log.Warnf("admission denied for user %s: %v", userID, err)
	}
	return err
}

// CheckStart 出队后、执行前复检
func (g *AdmissionGate) CheckStart(ctx context.Context, task *domain.Task) error {
	err := g.ledger.Check(ctx, task.OwnerID, task.EstimatedCost)
	if errors.Is(err, domain.ErrBudgetExceeded) {
		g.log.Infof("task %s rejected at start: budget exhausted for user %s", task.ID, task.OwnerID)
	}
	return err
}
