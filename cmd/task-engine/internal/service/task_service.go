package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"knowledgehub/cmd/task-engine/internal/biz"
	"knowledgehub/cmd/task-engine/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
)

// SubmitTaskRequest 提交任务请求
type SubmitTaskRequest struct {
	Kind     string          `json:"kind" binding:"required"`
	Priority string          `json:"priority"`
	Args     json.RawMessage `json:"args"`
}

// TaskView 任务视图
type TaskView struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"owner_id"`
	Kind          string          `json:"kind"`
	Priority      string          `json:"priority"`
	Status        string          `json:"status"`
	Progress      int             `json:"progress"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	EstimatedCost float64         `json:"estimated_cost"`
	ActualCost    float64         `json:"actual_cost"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

// BudgetView 预算视图
type BudgetView struct {
	UserID      string    `json:"user_id"`
	Role        string    `json:"role"`
	Limit       float64   `json:"limit"`
	Used        float64   `json:"used"`
	Remaining   float64   `json:"remaining"`
	Status      string    `json:"status"`
	Period      string    `json:"period"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	AlertLevel  int       `json:"alert_level"`
}

// RefillRequest 额度补充请求，目标为单个用户或一个角色的全部用户，二选一
type RefillRequest struct {
	UserID string  `json:"user_id"`
	Role   string  `json:"role"`
	Amount float64 `json:"amount"`
	Mode   string  `json:"mode" binding:"required"`
}

// RefillResult 额度补充结果：按用户补充时带回预算快照
type RefillResult struct {
	Updated int64       `json:"updated"`
	Budget  *BudgetView `json:"budget,omitempty"`
}

// EngineStats 引擎运行统计
type EngineStats struct {
	Queued      int            `json:"queued"`
	PerPriority map[string]int `json:"per_priority"`
	Running     int            `json:"running"`
}

// TaskService 任务引擎对外服务
type TaskService struct {
	scheduler *biz.Scheduler
	ledger    *biz.LedgerUsecase
	pool      *biz.ExecutorPool
	sweeper   *biz.RetentionSweeper
	repo      domain.TaskRepository
	log       *log.Helper
}

// NewTaskService 创建任务服务
func NewTaskService(
	scheduler *biz.Scheduler,
	ledger *biz.LedgerUsecase,
	pool *biz.ExecutorPool,
	sweeper *biz.RetentionSweeper,
	repo domain.TaskRepository,
	logger log.Logger,
) *TaskService {
	return &TaskService{
		scheduler: scheduler,
		ledger:    ledger,
		pool:      pool,
		sweeper:   sweeper,
		repo:      repo,
		log:       log.NewHelper(log.With(logger, "module", "task-service")),
	}
}

// Submit 提交任务。提交者的角色顺带登记到预算记录，供按角色refill筛选
func (s *TaskService) Submit(ctx context.Context, ownerID string, roles []string, req *SubmitTaskRequest) (*TaskView, error) {
	task, err := s.scheduler.Submit(ctx, ownerID, domain.TaskKind(req.Kind), domain.ParsePriority(req.Priority), req.Args)
	if err != nil {
		s.log.WithContext(ctx).Errorf("failed to submit task: %v", err)
		return nil, err
	}
	if err := s.ledger.RecordRole(ctx, ownerID, primaryRole(roles)); err != nil {
		s.log.WithContext(ctx).Warnf("failed to record role for user %s: %v", ownerID, err)
	}
	return toTaskView(task), nil
}

// primaryRole token携带的首个角色，预算记录按它归类
func primaryRole(roles []string) string {
	if len(roles) == 0 {
		return domain.DefaultRole
	}
	return roles[0]
}

// Get 查询任务，仅任务所有者与管理员可见
func (s *TaskService) Get(ctx context.Context, taskID, requesterID string, isAdmin bool) (*TaskView, error) {
	task, err := s.repo.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.OwnerID != requesterID && !isAdmin {
		return nil, domain.ErrNotOwner
	}
	return toTaskView(task), nil
}

// List 列出用户的任务，按提交时间倒序
func (s *TaskService) List(ctx context.Context, ownerID string, limit, offset int) ([]*TaskView, error) {
	tasks, err := s.repo.ListByOwner(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	views := make([]*TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, toTaskView(t))
	}
	return views, nil
}

// Cancel 取消任务
func (s *TaskService) Cancel(ctx context.Context, taskID, requesterID string, isAdmin bool) (*TaskView, error) {
	task, err := s.scheduler.Cancel(ctx, taskID, requesterID, isAdmin)
	if err != nil {
		return nil, err
	}
	return toTaskView(task), nil
}

// BudgetStatus 查询用户预算
func (s *TaskService) BudgetStatus(ctx context.Context, userID string) (*BudgetView, error) {
	budget, err := s.ledger.Status(ctx, userID)
	if err != nil {
		return nil, err
	}
	return toBudgetView(budget), nil
}

// Refill 管理员补充额度，目标是user_id或role，恰好其一
func (s *TaskService) Refill(ctx context.Context, req *RefillRequest) (*RefillResult, error) {
	if (req.UserID == "") == (req.Role == "") {
		return nil, fmt.Errorf("%w: exactly one of user_id or role is required", domain.ErrValidation)
	}

	if req.Role != "" {
		updated, err := s.ledger.RefillRole(ctx, req.Role, req.Amount, domain.RefillMode(req.Mode))
		if err != nil {
			return nil, err
		}
		return &RefillResult{Updated: updated}, nil
	}

	budget, err := s.ledger.Refill(ctx, req.UserID, req.Amount, domain.RefillMode(req.Mode))
	if err != nil {
		return nil, err
	}
	return &RefillResult{Updated: 1, Budget: toBudgetView(budget)}, nil
}

// Stats 管理员查询运行统计
func (s *TaskService) Stats(ctx context.Context) (*EngineStats, error) {
	qs, err := s.scheduler.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &EngineStats{
		Queued:      qs.Queued,
		PerPriority: qs.PerPriority,
		Running:     s.pool.RunningCount(),
	}, nil
}

// Cleanup 管理员触发一次终态任务清理
func (s *TaskService) Cleanup(ctx context.Context) (int64, error) {
	return s.sweeper.Sweep(ctx)
}

func toTaskView(t *domain.Task) *TaskView {
	return &TaskView{
		ID:            t.ID,
		OwnerID:       t.OwnerID,
		Kind:          string(t.Kind),
		Priority:      t.Priority.String(),
		Status:        string(t.Status),
		Progress:      t.Progress,
		Result:        t.Result,
		Error:         t.Error,
		EstimatedCost: t.EstimatedCost,
		ActualCost:    t.ActualCost,
		SubmittedAt:   t.SubmittedAt,
		StartedAt:     t.StartedAt,
		FinishedAt:    t.FinishedAt,
	}
}

func toBudgetView(b *domain.Budget) *BudgetView {
	return &BudgetView{
		UserID:      b.UserID,
		Role:        b.Role,
		Limit:       b.Limit,
		Used:        b.Used,
		Remaining:   b.Remaining(),
		Status:      string(b.Status()),
		Period:      string(b.Period),
		PeriodStart: b.PeriodStart,
		PeriodEnd:   b.PeriodEnd,
		AlertLevel:  b.AlertLevel,
	}
}
