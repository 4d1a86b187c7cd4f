package biz

import (
	"context"
	"encoding/json"
	"testing"

	"knowledgehub/cmd/task-engine/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type schedulerFixture struct {
	scheduler *Scheduler
	queue     *MemoryQueue
	repo      *memTaskRepo
	budgets   *memBudgetRepo
	cancels   *CancelRegistry
	notifier  *captureNotifier
}

func newSchedulerFixture(t *testing.T, defaultLimit float64) *schedulerFixture {
	t.Helper()

	repo := newMemTaskRepo()
	budgets := newMemBudgetRepo(defaultLimit)
	notifier := &captureNotifier{}
	ledger := NewLedgerUsecase(budgets, newMemUsageRepo(), notifier, testLogger())
	gate := NewAdmissionGate(ledger, testLogger())
	registry, err := NewRegistry(
		&testHandler{kind: domain.TaskKindSync, estimate: 2},
		&testHandler{kind: domain.TaskKindGeneration, estimate: 4},
	)
	require.NoError(t, err)

	queue := NewMemoryQueue()
	cancels := NewCancelRegistry()
	return &schedulerFixture{
		scheduler: NewScheduler(queue, repo, gate, registry, cancels, notifier, testLogger()),
		queue:     queue,
		repo:      repo,
		budgets:   budgets,
		cancels:   cancels,
		notifier:  notifier,
	}
}

// TestSubmitValidation 测试提交参数校验
func TestSubmitValidation(t *testing.T) {
	f := newSchedulerFixture(t, 100)
	ctx := context.Background()

	_, err := f.scheduler.Submit(ctx, "", domain.TaskKindSync, domain.TaskPriorityNormal, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.scheduler.Submit(ctx, "alice", domain.TaskKind("espresso"), domain.TaskPriorityNormal, nil)
	assert.ErrorIs(t, err, domain.ErrUnknownKind)

	_, err = f.scheduler.Submit(ctx, "alice", domain.TaskKindSync, domain.TaskPriorityNormal, json.RawMessage(`{not json`))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

// TestSubmitEnqueuesAndPersists 测试成功提交后任务落库并可出队
func TestSubmitEnqueuesAndPersists(t *testing.T) {
	f := newSchedulerFixture(t, 100)
	ctx := context.Background()

	task, err := f.scheduler.Submit(ctx, "alice", domain.TaskKindSync, domain.TaskPriorityHigh, json.RawMessage(`{"source":"wiki"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusQueued, task.Status)
	assert.Equal(t, 2.0, task.EstimatedCost)

	stored, err := f.repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusQueued, stored.Status)

	got, err := f.scheduler.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
}

// TestSubmitBudgetExceeded 测试余额不足时提交被拒：估算必须落在limit之内
func TestSubmitBudgetExceeded(t *testing.T) {
	f := newSchedulerFixture(t, 100)
	ctx := context.Background()

	// 97 + 4 = 101 > 100，拒绝（估算为4的generation任务）
	f.budgets.setUsed("alice", 97)

	_, err := f.scheduler.Submit(ctx, "alice", domain.TaskKindGeneration, domain.TaskPriorityNormal, nil)
	assert.ErrorIs(t, err, domain.ErrBudgetExceeded)

	// 被拒的任务不留痕
	stats, err := f.scheduler.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Queued)

	// 97 + 2 = 99，估算为2的sync任务仍可提交
	_, err = f.scheduler.Submit(ctx, "alice", domain.TaskKindSync, domain.TaskPriorityNormal, nil)
	assert.NoError(t, err)
}

// TestCancelQueuedTask 测试取消排队中的任务
func TestCancelQueuedTask(t *testing.T) {
	f := newSchedulerFixture(t, 100)
	ctx := context.Background()

	task, err := f.scheduler.Submit(ctx, "alice", domain.TaskKindSync, domain.TaskPriorityNormal, nil)
	require.NoError(t, err)

	cancelled, err := f.scheduler.Cancel(ctx, task.ID, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, cancelled.Status)

	// 队列已空，登记的取消信号也已清理
	stats, err := f.scheduler.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Queued)
	assert.False(t, f.cancels.IsRequested(task.ID))

	events := f.notifier.byType(domain.EventTaskCancelled)
	require.Len(t, events, 1)
	assert.Equal(t, task.ID, events[0].TaskID)
}

// TestCancelIdempotent 测试重复取消结果一致
func TestCancelIdempotent(t *testing.T) {
	f := newSchedulerFixture(t, 100)
	ctx := context.Background()

	task, err := f.scheduler.Submit(ctx, "alice", domain.TaskKindSync, domain.TaskPriorityNormal, nil)
	require.NoError(t, err)

	_, err = f.scheduler.Cancel(ctx, task.ID, "alice", false)
	require.NoError(t, err)

	again, err := f.scheduler.Cancel(ctx, task.ID, "alice", false)
	assert.ErrorIs(t, err, domain.ErrNotCancellable)
	assert.Equal(t, domain.TaskStatusCancelled, again.Status)

	// 终态事件不重复
	assert.Len(t, f.notifier.byType(domain.EventTaskCancelled), 1)
}

// TestCancelOwnership 测试非所有者不可取消，管理员可以
func TestCancelOwnership(t *testing.T) {
	f := newSchedulerFixture(t, 100)
	ctx := context.Background()

	task, err := f.scheduler.Submit(ctx, "alice", domain.TaskKindSync, domain.TaskPriorityNormal, nil)
	require.NoError(t, err)

	_, err = f.scheduler.Cancel(ctx, task.ID, "mallory", false)
	assert.ErrorIs(t, err, domain.ErrNotOwner)

	cancelled, err := f.scheduler.Cancel(ctx, task.ID, "ops", true)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, cancelled.Status)
}

// TestCancelUnknownTask 测试取消不存在的任务
func TestCancelUnknownTask(t *testing.T) {
	f := newSchedulerFixture(t, 100)

	_, err := f.scheduler.Cancel(context.Background(), "task_ghost", "alice", false)
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}
