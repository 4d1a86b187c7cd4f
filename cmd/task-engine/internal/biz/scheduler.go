package biz

import (
	"context"
	"encoding/json"
	"fmt"

	"knowledgehub/cmd/task-engine/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
)

// Scheduler 任务调度器
//
// 持有排队中的任务并按(priority desc, submitted_at asc)交给Executor。
// 队列内部结构只能通过Submit/Dequeue/Cancel触达。
type Scheduler struct {
	queue    QueueBackend
	repo     domain.TaskRepository
	gate     *AdmissionGate
	registry *Registry
	cancels  *CancelRegistry
	notifier domain.Notifier
	log      *log.Helper
}

// NewScheduler 创建调度器
func NewScheduler(
	queue QueueBackend,
	repo domain.TaskRepository,
	gate *AdmissionGate,
	registry *Registry,
	cancels *CancelRegistry,
	notifier domain.Notifier,
	logger log.Logger,
) *Scheduler {
	return &Scheduler{
		queue:    queue,
		repo:     repo,
		gate:     gate,
		registry: registry,
		cancels:  cancels,
		notifier: notifier,
		log:      log.NewHelper(log.With(logger, "module", "scheduler")),
	}
}

// Submit 校验、准入预检、落库并入队，返回新任务
func (s *Scheduler) Submit(ctx context.Context, ownerID string, kind domain.TaskKind, priority domain.TaskPriority, args json.RawMessage) (*domain.Task, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", domain.ErrValidation)
	}
	if !domain.IsValidKind(kind) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownKind, kind)
	}
	if len(args) > 0 && !json.Valid(args) {
		return nil, fmt.Errorf("%w: args must be valid JSON", domain.ErrValidation)
	}

	estimate, err := s.registry.Estimate(kind, args)
	if err != nil {
		return nil, err
	}

	if err := s.gate.CheckSubmit(ctx, ownerID, estimate); err != nil {
		return nil, err
	}

	task := domain.NewTask(ownerID, kind, priority, args, estimate)
	if err := s.repo.Create(ctx, task); err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		task.Fail("failed to enqueue task", 0)
		if uerr := s.repo.Update(ctx, task); uerr != nil {
			s.log.Errorf("failed to mark unenqueued task %s failed: %v", task.ID, uerr)
		}
		return nil, err
	}

	TaskSubmittedTotal.WithLabelValues(string(kind), priority.String()).Inc()
	s.log.Infof("task %s submitted: owner=%s kind=%s priority=%s estimate=%.4f",
		task.ID, ownerID, kind, priority, estimate)
	return task, nil
}

// Dequeue 阻塞获取下一个任务，空闲Executor挂起于此
func (s *Scheduler) Dequeue(ctx context.Context) (*domain.Task, error) {
	return s.queue.Dequeue(ctx)
}

// Requeue 将任务放回队列（准入复检因存储故障无法完成时使用）
func (s *Scheduler) Requeue(ctx context.Context, task *domain.Task) error {
	return s.queue.Enqueue(ctx, task)
}

// Cancel 取消任务。QUEUED直接转CANCELLED；RUNNING登记协作取消信号；
// 终态任务返回ErrNotCancellable，重复调用结果一致
func (s *Scheduler) Cancel(ctx context.Context, taskID, requesterID string, isAdmin bool) (*domain.Task, error) {
	task, err := s.repo.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.OwnerID != requesterID && !isAdmin {
		return nil, domain.ErrNotOwner
	}
	if !task.IsCancellable() {
		return task, domain.ErrNotCancellable
	}

	// 先登记信号再尝试从队列摘除：任务恰好在此刻被worker取走时，
	// worker起跑前会看到取消请求
	s.cancels.Request(taskID)

	removed, err := s.queue.Remove(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if removed {
		task.Cancel(0)
		if err := s.repo.Update(ctx, task); err != nil {
			return nil, err
		}
		s.cancels.Clear(taskID)
		s.notifier.Publish(domain.NewTaskEvent(domain.EventTaskCancelled, task, nil))
		TaskFinishedTotal.WithLabelValues(string(task.Kind), string(task.Status)).Inc()
		s.log.Infof("task %s cancelled while queued by %s", taskID, requesterID)
		return task, nil
	}

	// 已在执行：取消是建议性的，任务体在安全点观察到信号后退出
	s.log.Infof("cancellation requested for running task %s by %s", taskID, requesterID)
	return task, nil
}

// Stats 队列统计
func (s *Scheduler) Stats(ctx context.Context) (*QueueStats, error) {
	return s.queue.Stats(ctx)
}
