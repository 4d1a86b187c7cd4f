package biz

import (
	"context"
	"sync"
	"testing"

	"knowledgehub/cmd/task-engine/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(defaultLimit float64) (*LedgerUsecase, *memBudgetRepo, *memUsageRepo, *captureNotifier) {
	budgets := newMemBudgetRepo(defaultLimit)
	usage := newMemUsageRepo()
	notifier := &captureNotifier{}
	ledger := NewLedgerUsecase(budgets, usage, notifier, testLogger())
	return ledger, budgets, usage, notifier
}

// TestLedgerCheckLimitBoundary 测试准入边界：估算必须落在limit之内，
// 110%宽限只服务于记账时的实际成本超出，不放宽准入
func TestLedgerCheckLimitBoundary(t *testing.T) {
	ledger, budgets, _, _ := newTestLedger(100)
	ctx := context.Background()

	budgets.setUsed("alice", 95)

	// 95 + 4 = 99，放行
	assert.NoError(t, ledger.Check(ctx, "alice", 4))
	// 正好踩线
	assert.NoError(t, ledger.Check(ctx, "alice", 5))

	// 95 + 10 = 105 > 100，虽在110%宽限内仍拒绝
	err := ledger.Check(ctx, "alice", 10)
	assert.ErrorIs(t, err, domain.ErrBudgetExceeded)

	// 提交闸口同样拒绝
	gate := NewAdmissionGate(ledger, testLogger())
	assert.ErrorIs(t, gate.CheckSubmit(ctx, "alice", 10), domain.ErrBudgetExceeded)
	assert.NoError(t, gate.CheckSubmit(ctx, "alice", 4))

	// 放行的任务记账后余额如实累加
	_, err = ledger.Debit(ctx, "alice", "t1", domain.TaskKindSync, 4, true, "")
	require.NoError(t, err)
	budget, err := ledger.Status(ctx, "alice")
	require.NoError(t, err)
	assert.InDelta(t, 99.0, budget.Used, 1e-9)
}

// TestLedgerDebitConcurrent 测试并发记账不丢账
func TestLedgerDebitConcurrent(t *testing.T) {
	ledger, _, usage, _ := newTestLedger(1000)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Debit(ctx, "bob", "task_x", domain.TaskKindSync, 1, true, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	budget, err := ledger.Status(ctx, "bob")
	require.NoError(t, err)
	assert.InDelta(t, float64(workers), budget.Used, 1e-9)
	assert.Equal(t, workers, usage.count())
}

// TestLedgerAlertsFireOncePerLevel 测试阈值告警每档只触发一次
func TestLedgerAlertsFireOncePerLevel(t *testing.T) {
	ledger, _, _, notifier := newTestLedger(100)
	ctx := context.Background()

	// 0 -> 85：跨过80
	_, err := ledger.Debit(ctx, "carol", "t1", domain.TaskKindSync, 85, true, "")
	require.NoError(t, err)

	// 85 -> 90：无新档
	_, err = ledger.Debit(ctx, "carol", "t2", domain.TaskKindSync, 5, true, "")
	require.NoError(t, err)

	// 90 -> 96：跨过95
	_, err = ledger.Debit(ctx, "carol", "t3", domain.TaskKindSync, 6, true, "")
	require.NoError(t, err)

	// 96 -> 104：跨过100
	_, err = ledger.Debit(ctx, "carol", "t4", domain.TaskKindSync, 8, true, "")
	require.NoError(t, err)

	// 104 -> 106：不再告警
	_, err = ledger.Debit(ctx, "carol", "t5", domain.TaskKindSync, 2, true, "")
	require.NoError(t, err)

	alerts := notifier.byType(domain.EventBudgetAlert)
	require.Len(t, alerts, 3)
	assert.Equal(t, 80, alerts[0].Payload["level"])
	assert.Equal(t, 95, alerts[1].Payload["level"])
	assert.Equal(t, 100, alerts[2].Payload["level"])
}

// TestLedgerDenyOnStoreUnavailable 测试存储不可用时拒绝准入
func TestLedgerDenyOnStoreUnavailable(t *testing.T) {
	ledger, budgets, _, _ := newTestLedger(100)
	gate := NewAdmissionGate(ledger, testLogger())
	ctx := context.Background()

	budgets.setUnavailable(true)

	err := ledger.Check(ctx, "dave", 1)
	assert.True(t, IsStoreUnavailable(err))

	err = gate.CheckSubmit(ctx, "dave", 1)
	assert.Error(t, err, "admission must deny when the store is unreachable")

	budgets.setUnavailable(false)
	assert.NoError(t, gate.CheckSubmit(ctx, "dave", 1))
}

// TestLedgerRefill 测试额度补充两种模式
func TestLedgerRefill(t *testing.T) {
	ledger, budgets, _, _ := newTestLedger(100)
	ctx := context.Background()

	budgets.setUsed("erin", 60)

	// add：额度顺延，used不动
	budget, err := ledger.Refill(ctx, "erin", 50, domain.RefillModeAdd)
	require.NoError(t, err)
	assert.Equal(t, 150.0, budget.Limit)
	assert.Equal(t, 60.0, budget.Used)

	// reset：used清零并设置新limit
	budget, err = ledger.Refill(ctx, "erin", 200, domain.RefillModeReset)
	require.NoError(t, err)
	assert.Equal(t, 200.0, budget.Limit)
	assert.Equal(t, 0.0, budget.Used)

	// 非法模式与负数金额
	_, err = ledger.Refill(ctx, "erin", 10, domain.RefillMode("double"))
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = ledger.Refill(ctx, "erin", -1, domain.RefillModeAdd)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

// TestLedgerRefillByRole 测试按角色批量补充额度
func TestLedgerRefillByRole(t *testing.T) {
	ledger, budgets, _, _ := newTestLedger(100)
	ctx := context.Background()

	require.NoError(t, ledger.RecordRole(ctx, "frank", "developer"))
	require.NoError(t, ledger.RecordRole(ctx, "grace", "developer"))
	require.NoError(t, ledger.RecordRole(ctx, "heidi", "analyst"))
	budgets.setUsed("frank", 40)

	updated, err := ledger.RefillRole(ctx, "developer", 50, domain.RefillModeAdd)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated)

	// 同角色全部加额，used不动；其他角色不受影响
	frank, err := ledger.Status(ctx, "frank")
	require.NoError(t, err)
	assert.Equal(t, 150.0, frank.Limit)
	assert.Equal(t, 40.0, frank.Used)
	heidi, err := ledger.Status(ctx, "heidi")
	require.NoError(t, err)
	assert.Equal(t, 100.0, heidi.Limit)

	// 无人持有的角色刷不到任何记录
	updated, err = ledger.RefillRole(ctx, "intern", 10, domain.RefillModeAdd)
	require.NoError(t, err)
	assert.Equal(t, int64(0), updated)

	// 空角色与非法模式
	_, err = ledger.RefillRole(ctx, "", 10, domain.RefillModeAdd)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = ledger.RefillRole(ctx, "developer", 10, domain.RefillMode("double"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}
