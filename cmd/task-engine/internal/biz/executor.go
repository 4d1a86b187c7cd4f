package biz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"knowledgehub/cmd/task-engine/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
)

const (
	defaultWorkerNum   = 4
	defaultTaskTimeout = 5 * time.Minute

	// 落库失败时的重试参数：执行中的任务允许跑完，完成状态对存储重试
	persistAttempts = 3
	persistBackoff  = 200 * time.Millisecond
)

// ExecutorPoolConfig Executor池配置
type ExecutorPoolConfig struct {
	WorkerNum   int
	TaskTimeout time.Duration
}

// ExecutorPool 有界并发worker池
//
// 每个worker循环：出队 → 准入复检 → 标记RUNNING → 监督执行任务体 →
// 终态落库 + 记账 + 通知。任务体错误从不逃出循环，每条路径恰好
// 产生一个终态和一条终态通知。
type ExecutorPool struct {
	scheduler *Scheduler
	gate      *AdmissionGate
	ledger    *LedgerUsecase
	registry  *Registry
	repo      domain.TaskRepository
	notifier  domain.Notifier
	cancels   *CancelRegistry

	workerNum   int
	taskTimeout time.Duration

	running int64
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *log.Helper
}

// NewExecutorPool 创建Executor池
func NewExecutorPool(
	scheduler *Scheduler,
	gate *AdmissionGate,
	ledger *LedgerUsecase,
	registry *Registry,
	repo domain.TaskRepository,
	notifier domain.Notifier,
	cancels *CancelRegistry,
	config *ExecutorPoolConfig,
	logger log.Logger,
) *ExecutorPool {
	if config == nil {
		config = &ExecutorPoolConfig{}
	}
	if config.WorkerNum <= 0 {
		config.WorkerNum = defaultWorkerNum
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = defaultTaskTimeout
	}
	return &ExecutorPool{
		scheduler:   scheduler,
		gate:        gate,
		ledger:      ledger,
		registry:    registry,
		repo:        repo,
		notifier:    notifier,
		cancels:     cancels,
		workerNum:   config.WorkerNum,
		taskTimeout: config.TaskTimeout,
		log:         log.NewHelper(log.With(logger, "module", "executor")),
	}
}

// Start 启动workers，实现kratos transport.Server
func (p *ExecutorPool) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.log.Infof("starting %d executor workers", p.workerNum)
	for i := 0; i < p.workerNum; i++ {
		p.wg.Add(1)
		go p.runWorker(runCtx, i)
	}
	return nil
}

// Stop 停止workers，等待在跑的任务体让出
func (p *ExecutorPool) Stop(ctx context.Context) error {
	p.log.Info("stopping executor workers")
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("executor workers did not drain before shutdown deadline")
	}
	return nil
}

// RunningCount 在执行的任务数
func (p *ExecutorPool) RunningCount() int {
	return int(atomic.LoadInt64(&p.running))
}

// runWorker 单个worker循环。Dequeue阻塞挂起，队列空时CPU占用为零
func (p *ExecutorPool) runWorker(ctx context.Context, workerID int) {
	defer p.wg.Done()
	p.log.Infof("executor worker %d started", workerID)

	for {
		task, err := p.scheduler.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.log.Infof("executor worker %d stopped", workerID)
				return
			}
			var corrupt *CorruptTaskError
			if errors.As(err, &corrupt) {
				p.failCorrupt(ctx, corrupt)
				continue
			}
			p.log.Errorf("worker %d: dequeue failed: %v", workerID, err)
			time.Sleep(time.Second)
			continue
		}
		p.execute(ctx, workerID, task)
	}
}

// failCorrupt 队列载荷损坏的任务落为失败并通知，而不是无声丢弃
func (p *ExecutorPool) failCorrupt(ctx context.Context, corrupt *CorruptTaskError) {
	task, err := p.repo.GetByID(ctx, corrupt.TaskID)
	if err != nil {
		p.log.Errorf("cannot fail corrupt task %s: %v", corrupt.TaskID, err)
		return
	}
	if task.Status.IsTerminal() {
		return
	}
	task.Fail("corrupt queue payload", 0)
	p.finalizeTask(ctx, task, domain.EventTaskFailed, 0, false, "corrupt queue payload")
	p.log.Errorf("task %s failed: corrupt queue payload: %v", task.ID, corrupt.Err)
}

// bodyResult 任务体执行结果
type bodyResult struct {
	result []byte
	cost   float64
	err    error
}

// execState 单次执行的写保护。进度回调运行在任务体goroutine，
// 终结运行在worker goroutine，finalized之后任务对象不再被任务体触碰，
// 保住单写者不变式
type execState struct {
	mu        sync.Mutex
	finalized bool
}

// execute 执行一个任务直至终态
func (p *ExecutorPool) execute(ctx context.Context, workerID int, task *domain.Task) {
	// 排队期间请求过取消：不起跑，直接终结
	if p.cancels.IsRequested(task.ID) {
		task.Cancel(0)
		p.finalizeTask(ctx, task, domain.EventTaskCancelled, 0, false, "cancelled")
		return
	}

	// 出队时复检：提交后余额可能已被消耗
	if err := p.gate.CheckStart(ctx, task); err != nil {
		if IsStoreUnavailable(err) {
			// 存储故障拒绝准入，但任务不作废：放回队列稍后再试
			p.log.Warnf("worker %d: admission store unavailable, requeueing task %s", workerID, task.ID)
			if rerr := p.scheduler.Requeue(ctx, task); rerr != nil {
				p.log.Errorf("worker %d: requeue of task %s failed: %v", workerID, task.ID, rerr)
			}
			time.Sleep(time.Second)
			return
		}
		task.Fail(domain.FailReasonBudgetExceeded, 0)
		p.finalizeTask(ctx, task, domain.EventTaskFailed, 0, false, domain.FailReasonBudgetExceeded)
		return
	}

	handler, ok := p.registry.Get(task.Kind)
	if !ok {
		task.Fail(domain.ErrHandlerUnavailable.Error(), 0)
		p.finalizeTask(ctx, task, domain.EventTaskFailed, 0, false, domain.ErrHandlerUnavailable.Error())
		return
	}

	task.Start()
	p.persist(ctx, task)
	atomic.AddInt64(&p.running, 1)
	RunningTasks.Inc()
	p.notifier.Publish(domain.NewTaskEvent(domain.EventTaskStarted, task, nil))
	p.log.Infof("worker %d: task %s started (kind=%s)", workerID, task.ID, task.Kind)

	st := &execState{}
	report := func(percent int) {
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.finalized || !task.AdvanceProgress(percent) {
			return
		}
		if err := p.repo.Update(ctx, task); err != nil {
			p.log.Warnf("failed to persist progress of task %s: %v", task.ID, err)
		}
		p.notifier.Publish(domain.NewTaskEvent(domain.EventTaskProgress, task,
			map[string]interface{}{"progress": task.Progress}))
	}
	cancelled := func() bool {
		return p.cancels.IsRequested(task.ID) || ctx.Err() != nil
	}

	// 任务体在自己的受监督goroutine里执行：超时后worker放弃等待并
	// 终结任务，失控的任务体无法再碰池的簿记（execState挡住进度回调）
	bodyCtx, cancelBody := context.WithCancel(ctx)
	defer cancelBody()

	resCh := make(chan bodyResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- bodyResult{err: fmt.Errorf("task body panic: %v", r)}
			}
		}()
		out, cost, err := handler.Run(bodyCtx, task.Args, report, cancelled)
		resCh <- bodyResult{result: out, cost: cost, err: err}
	}()

	timer := time.NewTimer(p.taskTimeout)
	defer timer.Stop()

	var res bodyResult
	var timedOut bool
	select {
	case res = <-resCh:
	case <-timer.C:
		timedOut = true
		cancelBody()
	}

	st.mu.Lock()
	st.finalized = true
	progress := task.Progress
	st.mu.Unlock()

	atomic.AddInt64(&p.running, -1)
	RunningTasks.Dec()

	switch {
	case timedOut:
		// 超时视同任务体错误；已发生成本按进度比例折算
		incurred := task.EstimatedCost * float64(progress) / 100
		task.Fail(domain.FailReasonTimeout, incurred)
		p.finalizeTask(ctx, task, domain.EventTaskFailed, incurred, false, domain.FailReasonTimeout)
		p.log.Warnf("worker %d: task %s abandoned after %s timeout", workerID, task.ID, p.taskTimeout)

	case errors.Is(res.err, context.Canceled) && p.cancels.IsRequested(task.ID):
		task.Cancel(res.cost)
		p.finalizeTask(ctx, task, domain.EventTaskCancelled, res.cost, false, "cancelled")
		p.log.Infof("worker %d: task %s cancelled at %.0f%% progress", workerID, task.ID, float64(progress))

	case errors.Is(res.err, context.Canceled) && ctx.Err() != nil:
		// 停机打断而非用户取消：走进程重启语义，下次启动的恢复路径与之一致
		task.Fail(domain.FailReasonProcessRestarted, res.cost)
		p.finalizeTask(ctx, task, domain.EventTaskFailed, res.cost, false, domain.FailReasonProcessRestarted)
		p.log.Warnf("worker %d: task %s interrupted by shutdown", workerID, task.ID)

	case res.err != nil:
		task.Fail(res.err.Error(), res.cost)
		p.finalizeTask(ctx, task, domain.EventTaskFailed, res.cost, false, res.err.Error())
		p.log.Errorf("worker %d: task %s failed: %v", workerID, task.ID, res.err)

	default:
		task.Complete(res.result, res.cost)
		p.finalizeTask(ctx, task, domain.EventTaskCompleted, res.cost, true, "")
		p.log.Infof("worker %d: task %s succeeded (cost=%.4f)", workerID, task.ID, res.cost)
	}

	TaskDuration.WithLabelValues(string(task.Kind), string(task.Status)).Observe(task.Duration().Seconds())
}

// finalizeTask 终态统一收口：落库、记账、恰好一条终态通知
func (p *ExecutorPool) finalizeTask(ctx context.Context, task *domain.Task, event domain.EventType, cost float64, succeeded bool, reason string) {
	p.persist(ctx, task)

	if succeeded || cost > 0 {
		if _, err := p.ledger.Debit(ctx, task.OwnerID, task.ID, task.Kind, cost, succeeded, reason); err != nil {
			p.log.Errorf("failed to debit %.4f for task %s: %v", cost, task.ID, err)
		}
	}

	p.cancels.Clear(task.ID)
	p.notifier.Publish(domain.NewTaskEvent(event, task, taskEventPayload(task)))
	TaskFinishedTotal.WithLabelValues(string(task.Kind), string(task.Status)).Inc()
}

// persist 带重试落库
func (p *ExecutorPool) persist(ctx context.Context, task *domain.Task) {
	var err error
	for i := 0; i < persistAttempts; i++ {
		if err = p.repo.Update(ctx, task); err == nil {
			return
		}
		time.Sleep(persistBackoff * time.Duration(i+1))
	}
	p.log.Errorf("failed to persist task %s after %d attempts: %v", task.ID, persistAttempts, err)
}

// taskEventPayload 终态事件负载
func taskEventPayload(task *domain.Task) map[string]interface{} {
	payload := map[string]interface{}{
		"progress":    task.Progress,
		"actual_cost": task.ActualCost,
	}
	if task.Error != "" {
		payload["error"] = task.Error
	}
	return payload
}
