package biz

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"knowledgehub/cmd/task-engine/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
)

func testLogger() log.Logger {
	return log.NewStdLogger(io.Discard)
}

// memTaskRepo 进程内任务仓储
type memTaskRepo struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
}

func newMemTaskRepo() *memTaskRepo {
	return &memTaskRepo{tasks: make(map[string]*domain.Task)}
}

func (r *memTaskRepo) Create(ctx context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *task
	r.tasks[task.ID] = &cp
	return nil
}

func (r *memTaskRepo) Update(ctx context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[task.ID]; !ok {
		return domain.ErrTaskNotFound
	}
	cp := *task
	r.tasks[task.ID] = &cp
	return nil
}

func (r *memTaskRepo) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	cp := *task
	return &cp, nil
}

func (r *memTaskRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Task
	for _, t := range r.tasks {
		if t.OwnerID == ownerID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memTaskRepo) RecoverInterrupted(ctx context.Context) ([]*domain.Task, error) {
	return nil, nil
}

func (r *memTaskRepo) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var purged int64
	for id, t := range r.tasks {
		if t.Status.IsTerminal() && t.FinishedAt != nil && t.FinishedAt.Before(olderThan) {
			delete(r.tasks, id)
			purged++
		}
	}
	return purged, nil
}

// memBudgetRepo 进程内预算仓储。unavailable置位后所有操作模拟存储故障
type memBudgetRepo struct {
	mu           sync.Mutex
	budgets      map[string]*domain.Budget
	defaultLimit float64
	unavailable  bool
}

func newMemBudgetRepo(defaultLimit float64) *memBudgetRepo {
	return &memBudgetRepo{
		budgets:      make(map[string]*domain.Budget),
		defaultLimit: defaultLimit,
	}
}

func (r *memBudgetRepo) setUnavailable(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unavailable = v
}

func (r *memBudgetRepo) getOrCreateLocked(userID string) *domain.Budget {
	b, ok := r.budgets[userID]
	if !ok {
		now := time.Now()
		start, end := domain.PeriodMonthly.Window(now)
		b = &domain.Budget{
			ID:          "budget_" + userID,
			UserID:      userID,
			Role:        domain.DefaultRole,
			Limit:       r.defaultLimit,
			Period:      domain.PeriodMonthly,
			PeriodStart: start,
			PeriodEnd:   end,
			Active:      true,
		}
		r.budgets[userID] = b
	}
	return b
}

func (r *memBudgetRepo) GetOrCreate(ctx context.Context, userID string) (*domain.Budget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unavailable {
		return nil, fmt.Errorf("%w: connection refused", domain.ErrStoreUnavailable)
	}
	cp := *r.getOrCreateLocked(userID)
	return &cp, nil
}

func (r *memBudgetRepo) AddUsed(ctx context.Context, userID string, cost float64) (*domain.Budget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unavailable {
		return nil, fmt.Errorf("%w: connection refused", domain.ErrStoreUnavailable)
	}
	b := r.getOrCreateLocked(userID)
	b.Used += cost
	cp := *b
	return &cp, nil
}

func (r *memBudgetRepo) SetAlertLevel(ctx context.Context, userID string, level int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unavailable {
		return fmt.Errorf("%w: connection refused", domain.ErrStoreUnavailable)
	}
	b := r.getOrCreateLocked(userID)
	if level > b.AlertLevel {
		b.AlertLevel = level
	}
	return nil
}

func (r *memBudgetRepo) SetRole(ctx context.Context, userID, role string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unavailable {
		return fmt.Errorf("%w: connection refused", domain.ErrStoreUnavailable)
	}
	r.getOrCreateLocked(userID).Role = role
	return nil
}

func applyRefill(b *domain.Budget, amount float64, mode domain.RefillMode) {
	switch mode {
	case domain.RefillModeReset:
		b.Used = 0
		b.AlertLevel = domain.AlertLevelNone
		if amount > 0 {
			b.Limit = amount
		}
	case domain.RefillModeAdd:
		b.Limit += amount
	}
}

func (r *memBudgetRepo) Refill(ctx context.Context, userID string, amount float64, mode domain.RefillMode) (*domain.Budget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unavailable {
		return nil, fmt.Errorf("%w: connection refused", domain.ErrStoreUnavailable)
	}
	b := r.getOrCreateLocked(userID)
	applyRefill(b, amount, mode)
	cp := *b
	return &cp, nil
}

func (r *memBudgetRepo) RefillByRole(ctx context.Context, role string, amount float64, mode domain.RefillMode) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unavailable {
		return 0, fmt.Errorf("%w: connection refused", domain.ErrStoreUnavailable)
	}
	var updated int64
	for _, b := range r.budgets {
		if b.Active && b.Role == role {
			applyRefill(b, amount, mode)
			updated++
		}
	}
	return updated, nil
}

// setUsed 测试直接调整余额
func (r *memBudgetRepo) setUsed(userID string, used float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreateLocked(userID).Used = used
}

// memUsageRepo 进程内用量流水
type memUsageRepo struct {
	mu      sync.Mutex
	records []*domain.UsageRecord
}

func newMemUsageRepo() *memUsageRepo {
	return &memUsageRepo{}
}

func (r *memUsageRepo) Append(ctx context.Context, record *domain.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *record
	r.records = append(r.records, &cp)
	return nil
}

func (r *memUsageRepo) SumByUser(ctx context.Context, userID string, since time.Time) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total float64
	for _, rec := range r.records {
		if rec.UserID == userID {
			total += rec.Cost
		}
	}
	return total, nil
}

func (r *memUsageRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// captureNotifier 记录发布的事件供断言
type captureNotifier struct {
	mu     sync.Mutex
	events []*domain.NotificationEvent
}

func (n *captureNotifier) Publish(event *domain.NotificationEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *captureNotifier) byType(t domain.EventType) []*domain.NotificationEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*domain.NotificationEvent
	for _, e := range n.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (n *captureNotifier) forTask(taskID string) []*domain.NotificationEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*domain.NotificationEvent
	for _, e := range n.events {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

// testHandler 可编程的任务处理器
type testHandler struct {
	kind     domain.TaskKind
	estimate float64
	run      func(ctx context.Context, args json.RawMessage, report ProgressFunc, cancelled CancelCheck) (json.RawMessage, float64, error)
}

func (h *testHandler) Kind() domain.TaskKind { return h.kind }

func (h *testHandler) EstimateCost(args json.RawMessage) float64 { return h.estimate }

func (h *testHandler) Run(ctx context.Context, args json.RawMessage, report ProgressFunc, cancelled CancelCheck) (json.RawMessage, float64, error) {
	if h.run == nil {
		return json.RawMessage(`{}`), h.estimate, nil
	}
	return h.run(ctx, args, report, cancelled)
}
