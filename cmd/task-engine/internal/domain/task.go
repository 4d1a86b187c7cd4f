package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskKind 任务类型（封闭集合，启动时注册处理器）
type TaskKind string

const (
	TaskKindGeneration TaskKind = "generation" // AI文档生成
	TaskKindSync       TaskKind = "sync"       // 数据源批量同步
	TaskKindReport     TaskKind = "report"     // 报表构建
	TaskKindCodeDocs   TaskKind = "code_docs"  // 代码文档生成
)

// ValidKinds 所有受支持的任务类型
var ValidKinds = []TaskKind{TaskKindGeneration, TaskKindSync, TaskKindReport, TaskKindCodeDocs}

// IsValidKind 检查任务类型是否受支持
func IsValidKind(k TaskKind) bool {
	for _, v := range ValidKinds {
		if v == k {
			return true
		}
	}
	return false
}

// TaskStatus 任务状态
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"    // 排队中
	TaskStatusRunning   TaskStatus = "running"   // 执行中
	TaskStatusSucceeded TaskStatus = "succeeded" // 成功
	TaskStatusFailed    TaskStatus = "failed"    // 失败
	TaskStatusCancelled TaskStatus = "cancelled" // 已取消
)

// IsTerminal 是否为终态
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskPriority 任务优先级
type TaskPriority int

const (
	TaskPriorityLow    TaskPriority = 0
	TaskPriorityNormal TaskPriority = 5
	TaskPriorityHigh   TaskPriority = 10
	TaskPriorityUrgent TaskPriority = 20
)

// ParsePriority 解析优先级字符串，未知值回落到normal
func ParsePriority(s string) TaskPriority {
	switch s {
	case "low":
		return TaskPriorityLow
	case "high":
		return TaskPriorityHigh
	case "urgent":
		return TaskPriorityUrgent
	default:
		return TaskPriorityNormal
	}
}

// String 优先级名称
func (p TaskPriority) String() string {
	switch p {
	case TaskPriorityLow:
		return "low"
	case TaskPriorityHigh:
		return "high"
	case TaskPriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// 失败原因常量
const (
	FailReasonBudgetExceeded   = "budget_exceeded"
	FailReasonTimeout          = "task_timeout"
	FailReasonProcessRestarted = "process_restarted"
)

// Task 后台任务聚合根
//
// 单写者约定：QUEUED阶段归Scheduler所有，RUNNING及之后仅由取走它的
// 那个Executor修改，任何时刻不存在两个worker并发写同一个任务。
type Task struct {
	ID            string
	OwnerID       string
	Kind          TaskKind
	Priority      TaskPriority
	Status        TaskStatus
	Args          json.RawMessage
	Progress      int // 0-100，RUNNING期间单调不减
	Result        json.RawMessage
	Error         string
	EstimatedCost float64
	ActualCost    float64
	SubmittedAt   time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	UpdatedAt     time.Time
}

// NewTask 创建新任务（QUEUED状态）
func NewTask(ownerID string, kind TaskKind, priority TaskPriority, args json.RawMessage, estimatedCost float64) *Task {
	now := time.Now()
	return &Task{
		ID:            "task_" + uuid.New().String(),
		OwnerID:       ownerID,
		Kind:          kind,
		Priority:      priority,
		Status:        TaskStatusQueued,
		Args:          args,
		EstimatedCost: estimatedCost,
		SubmittedAt:   now,
		UpdatedAt:     now,
	}
}

// Start 进入执行状态
func (t *Task) Start() {
	now := time.Now()
	t.Status = TaskStatusRunning
	t.StartedAt = &now
	t.UpdatedAt = now
}

// Complete 任务成功
func (t *Task) Complete(result json.RawMessage, actualCost float64) {
	now := time.Now()
	t.Status = TaskStatusSucceeded
	t.Result = result
	t.ActualCost = actualCost
	t.Progress = 100
	t.FinishedAt = &now
	t.UpdatedAt = now
}

// Fail 任务失败
func (t *Task) Fail(reason string, actualCost float64) {
	now := time.Now()
	t.Status = TaskStatusFailed
	t.Error = reason
	t.ActualCost = actualCost
	t.FinishedAt = &now
	t.UpdatedAt = now
}

// Cancel 任务取消
func (t *Task) Cancel(actualCost float64) {
	now := time.Now()
	t.Status = TaskStatusCancelled
	t.ActualCost = actualCost
	t.FinishedAt = &now
	t.UpdatedAt = now
}

// AdvanceProgress 推进进度，只允许单调不减
func (t *Task) AdvanceProgress(p int) bool {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	if p <= t.Progress {
		return false
	}
	t.Progress = p
	t.UpdatedAt = time.Now()
	return true
}

// IsCancellable QUEUED或RUNNING才可取消
func (t *Task) IsCancellable() bool {
	return t.Status == TaskStatusQueued || t.Status == TaskStatusRunning
}

// Duration 执行时长
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	if t.FinishedAt == nil {
		return time.Since(*t.StartedAt)
	}
	return t.FinishedAt.Sub(*t.StartedAt)
}
