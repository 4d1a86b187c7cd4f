package biz

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"knowledgehub/cmd/task-engine/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type executorFixture struct {
	scheduler *Scheduler
	pool      *ExecutorPool
	repo      *memTaskRepo
	budgets   *memBudgetRepo
	usage     *memUsageRepo
	notifier  *captureNotifier
}

func newExecutorFixture(t *testing.T, config *ExecutorPoolConfig, handlers ...TaskHandler) *executorFixture {
	t.Helper()

	repo := newMemTaskRepo()
	budgets := newMemBudgetRepo(100)
	usage := newMemUsageRepo()
	notifier := &captureNotifier{}
	ledger := NewLedgerUsecase(budgets, usage, notifier, testLogger())
	gate := NewAdmissionGate(ledger, testLogger())
	registry, err := NewRegistry(handlers...)
	require.NoError(t, err)

	cancels := NewCancelRegistry()
	scheduler := NewScheduler(NewMemoryQueue(), repo, gate, registry, cancels, notifier, testLogger())
	pool := NewExecutorPool(scheduler, gate, ledger, registry, repo, notifier, cancels, config, testLogger())

	return &executorFixture{
		scheduler: scheduler,
		pool:      pool,
		repo:      repo,
		budgets:   budgets,
		usage:     usage,
		notifier:  notifier,
	}
}

func (f *executorFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.pool.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.pool.Stop(ctx)
	})
}

func (f *executorFixture) waitStatus(t *testing.T, taskID string, want domain.TaskStatus) *domain.Task {
	t.Helper()
	var got *domain.Task
	require.Eventually(t, func() bool {
		task, err := f.repo.GetByID(context.Background(), taskID)
		if err != nil {
			return false
		}
		got = task
		return task.Status == want
	}, 3*time.Second, 10*time.Millisecond, "task %s did not reach status %s", taskID, want)
	return got
}

// TestExecutorRunsTaskToCompletion 测试任务执行成功的完整路径
func TestExecutorRunsTaskToCompletion(t *testing.T) {
	handler := &testHandler{
		kind:     domain.TaskKindSync,
		estimate: 2,
		run: func(ctx context.Context, args json.RawMessage, report ProgressFunc, cancelled CancelCheck) (json.RawMessage, float64, error) {
			report(30)
			report(70)
			return json.RawMessage(`{"pages":3}`), 3, nil
		},
	}
	f := newExecutorFixture(t, &ExecutorPoolConfig{WorkerNum: 1}, handler)
	f.start(t)

	task, err := f.scheduler.Submit(context.Background(), "alice", domain.TaskKindSync, domain.TaskPriorityNormal, nil)
	require.NoError(t, err)

	done := f.waitStatus(t, task.ID, domain.TaskStatusSucceeded)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, 3.0, done.ActualCost)
	assert.JSONEq(t, `{"pages":3}`, string(done.Result))

	// 实际成本已记账
	budget, err := f.budgets.GetOrCreate(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 3.0, budget.Used)
	assert.Equal(t, 1, f.usage.count())

	// 事件序：started开头，completed收尾，终态事件恰好一条
	events := f.notifier.forTask(task.ID)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventTaskStarted, events[0].Type)
	assert.Equal(t, domain.EventTaskCompleted, events[len(events)-1].Type)
	terminal := 0
	lastProgress := -1
	for _, e := range events {
		switch e.Type {
		case domain.EventTaskCompleted, domain.EventTaskFailed, domain.EventTaskCancelled:
			terminal++
		case domain.EventTaskProgress:
			p := e.Payload["progress"].(int)
			assert.Greater(t, p, lastProgress, "progress events must be monotonic")
			lastProgress = p
		}
	}
	assert.Equal(t, 1, terminal)
}

// TestExecutorTimeout 测试超时放弃：任务失败，已发生成本按进度折算
func TestExecutorTimeout(t *testing.T) {
	handler := &testHandler{
		kind:     domain.TaskKindReport,
		estimate: 10,
		run: func(ctx context.Context, args json.RawMessage, report ProgressFunc, cancelled CancelCheck) (json.RawMessage, float64, error) {
			report(40)
			<-ctx.Done()
			return nil, 0, ctx.Err()
		},
	}
	f := newExecutorFixture(t, &ExecutorPoolConfig{WorkerNum: 1, TaskTimeout: 100 * time.Millisecond}, handler)
	f.start(t)

	task, err := f.scheduler.Submit(context.Background(), "alice", domain.TaskKindReport, domain.TaskPriorityNormal, nil)
	require.NoError(t, err)

	done := f.waitStatus(t, task.ID, domain.TaskStatusFailed)
	assert.Equal(t, domain.FailReasonTimeout, done.Error)
	// 10 * 40% = 4
	assert.InDelta(t, 4.0, done.ActualCost, 1e-9)

	budget, err := f.budgets.GetOrCreate(context.Background(), "alice")
	require.NoError(t, err)
	assert.InDelta(t, 4.0, budget.Used, 1e-9)
}

// TestExecutorCooperativeCancel 测试执行中协作取消：部分成本入账
func TestExecutorCooperativeCancel(t *testing.T) {
	started := make(chan struct{})
	handler := &testHandler{
		kind:     domain.TaskKindSync,
		estimate: 5,
		run: func(ctx context.Context, args json.RawMessage, report ProgressFunc, cancelled CancelCheck) (json.RawMessage, float64, error) {
			close(started)
			for i := 1; i <= 100; i++ {
				if cancelled() {
					return nil, 1.5, context.Canceled
				}
				report(i)
				time.Sleep(5 * time.Millisecond)
			}
			return json.RawMessage(`{}`), 5, nil
		},
	}
	f := newExecutorFixture(t, &ExecutorPoolConfig{WorkerNum: 1}, handler)
	f.start(t)

	task, err := f.scheduler.Submit(context.Background(), "alice", domain.TaskKindSync, domain.TaskPriorityNormal, nil)
	require.NoError(t, err)

	<-started
	_, err = f.scheduler.Cancel(context.Background(), task.ID, "alice", false)
	require.NoError(t, err)

	done := f.waitStatus(t, task.ID, domain.TaskStatusCancelled)
	assert.Equal(t, 1.5, done.ActualCost)

	budget, err := f.budgets.GetOrCreate(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1.5, budget.Used)

	events := f.notifier.forTask(task.ID)
	assert.Equal(t, domain.EventTaskCancelled, events[len(events)-1].Type)
}

// TestExecutorBudgetExceededAtDequeue 测试出队复检失败：任务失败且不记账
func TestExecutorBudgetExceededAtDequeue(t *testing.T) {
	handler := &testHandler{kind: domain.TaskKindSync, estimate: 5}
	f := newExecutorFixture(t, &ExecutorPoolConfig{WorkerNum: 1}, handler)

	// 先提交再耗尽余额，之后才放worker出队
	task, err := f.scheduler.Submit(context.Background(), "alice", domain.TaskKindSync, domain.TaskPriorityNormal, nil)
	require.NoError(t, err)
	f.budgets.setUsed("alice", 111)

	f.start(t)

	done := f.waitStatus(t, task.ID, domain.TaskStatusFailed)
	assert.Equal(t, domain.FailReasonBudgetExceeded, done.Error)
	assert.Equal(t, 0.0, done.ActualCost)
	assert.Equal(t, 0, f.usage.count(), "rejected task must not be debited")

	// 没有started事件，只有一条终态failed
	events := f.notifier.forTask(task.ID)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTaskFailed, events[0].Type)
}

// TestExecutorShutdownInterruptsAsFailed 测试停机打断不冒充用户取消：
// 在执行中的任务落为FAILED(process_restarted)，与重启恢复路径一致
func TestExecutorShutdownInterruptsAsFailed(t *testing.T) {
	started := make(chan struct{})
	handler := &testHandler{
		kind:     domain.TaskKindSync,
		estimate: 5,
		run: func(ctx context.Context, args json.RawMessage, report ProgressFunc, cancelled CancelCheck) (json.RawMessage, float64, error) {
			close(started)
			for !cancelled() {
				time.Sleep(5 * time.Millisecond)
			}
			return nil, 0.5, context.Canceled
		},
	}
	f := newExecutorFixture(t, &ExecutorPoolConfig{WorkerNum: 1}, handler)
	f.start(t)

	task, err := f.scheduler.Submit(context.Background(), "alice", domain.TaskKindSync, domain.TaskPriorityNormal, nil)
	require.NoError(t, err)
	<-started

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.pool.Stop(stopCtx))

	done, err := f.repo.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, done.Status)
	assert.Equal(t, domain.FailReasonProcessRestarted, done.Error)
	assert.Equal(t, 0.5, done.ActualCost)

	// 终态通知是failed而不是cancelled
	events := f.notifier.forTask(task.ID)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventTaskFailed, events[len(events)-1].Type)
	assert.Empty(t, f.notifier.byType(domain.EventTaskCancelled))
}

// corruptOnceQueue 第一次出队返回损坏载荷错误，之后转交真实队列
type corruptOnceQueue struct {
	QueueBackend
	mu     sync.Mutex
	taskID string
	fired  bool
}

func (q *corruptOnceQueue) Dequeue(ctx context.Context) (*domain.Task, error) {
	q.mu.Lock()
	if !q.fired {
		q.fired = true
		q.mu.Unlock()
		return nil, &CorruptTaskError{TaskID: q.taskID, Err: errors.New("invalid character 'x'")}
	}
	q.mu.Unlock()
	return q.QueueBackend.Dequeue(ctx)
}

// TestExecutorCorruptQueuePayload 测试损坏的队列载荷：任务落为失败并通知，不无声丢弃
func TestExecutorCorruptQueuePayload(t *testing.T) {
	repo := newMemTaskRepo()
	budgets := newMemBudgetRepo(100)
	notifier := &captureNotifier{}
	ledger := NewLedgerUsecase(budgets, newMemUsageRepo(), notifier, testLogger())
	gate := NewAdmissionGate(ledger, testLogger())
	registry, err := NewRegistry(&testHandler{kind: domain.TaskKindSync, estimate: 1})
	require.NoError(t, err)

	task := domain.NewTask("alice", domain.TaskKindSync, domain.TaskPriorityNormal, nil, 1)
	require.NoError(t, repo.Create(context.Background(), task))

	queue := &corruptOnceQueue{QueueBackend: NewMemoryQueue(), taskID: task.ID}
	cancels := NewCancelRegistry()
	scheduler := NewScheduler(queue, repo, gate, registry, cancels, notifier, testLogger())
	pool := NewExecutorPool(scheduler, gate, ledger, registry, repo, notifier, cancels, &ExecutorPoolConfig{WorkerNum: 1}, testLogger())

	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})

	var done *domain.Task
	require.Eventually(t, func() bool {
		got, err := repo.GetByID(context.Background(), task.ID)
		if err != nil {
			return false
		}
		done = got
		return got.Status == domain.TaskStatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	assert.Contains(t, done.Error, "corrupt")
	events := notifier.forTask(task.ID)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTaskFailed, events[0].Type)
}

// TestExecutorPanicRecovery 测试任务体panic不拖垮worker
func TestExecutorPanicRecovery(t *testing.T) {
	bomb := &testHandler{
		kind:     domain.TaskKindReport,
		estimate: 1,
		run: func(ctx context.Context, args json.RawMessage, report ProgressFunc, cancelled CancelCheck) (json.RawMessage, float64, error) {
			panic("boom")
		},
	}
	ok := &testHandler{kind: domain.TaskKindSync, estimate: 1}
	f := newExecutorFixture(t, &ExecutorPoolConfig{WorkerNum: 1}, bomb, ok)
	f.start(t)

	bad, err := f.scheduler.Submit(context.Background(), "alice", domain.TaskKindReport, domain.TaskPriorityNormal, nil)
	require.NoError(t, err)
	done := f.waitStatus(t, bad.ID, domain.TaskStatusFailed)
	assert.Contains(t, done.Error, "panic")

	// 同一个worker还能继续执行后续任务
	good, err := f.scheduler.Submit(context.Background(), "alice", domain.TaskKindSync, domain.TaskPriorityNormal, nil)
	require.NoError(t, err)
	f.waitStatus(t, good.ID, domain.TaskStatusSucceeded)
}
