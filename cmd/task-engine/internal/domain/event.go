package domain

import (
	"fmt"
	"time"
)

// EventType 通知事件类型
type EventType string

const (
	EventTaskStarted   EventType = "task_started"
	EventTaskProgress  EventType = "task_progress"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskCancelled EventType = "task_cancelled"
	EventBudgetAlert   EventType = "budget_alert"
	EventSystemAlert   EventType = "system_alert"
)

// NotificationEvent 通知事件，短暂存在：由Executor/Ledger产生，
// Hub分发后即丢弃，离线积压仅保留有限条数
type NotificationEvent struct {
	UserID    string                 `json:"user_id"`
	TaskID    string                 `json:"task_id,omitempty"`
	Type      EventType              `json:"event_type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewTaskEvent 构造任务生命周期事件
func NewTaskEvent(eventType EventType, task *Task, payload map[string]interface{}) *NotificationEvent {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["kind"] = string(task.Kind)
	payload["status"] = string(task.Status)
	return &NotificationEvent{
		UserID:    task.OwnerID,
		TaskID:    task.ID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// NewBudgetAlertEvent 构造预算阈值告警事件
func NewBudgetAlertEvent(budget *Budget, level int) *NotificationEvent {
	return &NotificationEvent{
		UserID: budget.UserID,
		Type:   EventBudgetAlert,
		Payload: map[string]interface{}{
			"level":   level,
			"limit":   budget.Limit,
			"used":    budget.Used,
			"status":  string(budget.Status()),
			"message": fmt.Sprintf("budget usage reached %d%% of limit", level),
		},
		Timestamp: time.Now(),
	}
}

// Notifier 事件下发接口，实现方不得阻塞调用者
type Notifier interface {
	Publish(event *NotificationEvent)
}
