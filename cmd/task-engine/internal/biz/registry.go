package biz

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"knowledgehub/cmd/task-engine/internal/domain"
)

// ProgressFunc 进度上报回调，percent取0-100，非单调上报会被忽略
type ProgressFunc func(percent int)

// CancelCheck 协作式取消检查。任务体必须在安全恢复点轮询它；
// 签名显式出现在Run上，漏掉检查在代码评审时可见
type CancelCheck func() bool

// TaskHandler 任务类型处理器，每种TaskKind一个实现
type TaskHandler interface {
	// Kind 处理的任务类型
	Kind() domain.TaskKind
	// EstimateCost 提交时的成本预估，用于准入检查
	EstimateCost(args json.RawMessage) float64
	// Run 执行任务体：返回结果、实际产生的成本、错误。
	// 实现必须周期性上报进度并在安全点检查cancelled
	Run(ctx context.Context, args json.RawMessage, report ProgressFunc, cancelled CancelCheck) (json.RawMessage, float64, error)
}

// Registry 任务处理器注册表，启动时构建、之后只读
type Registry struct {
	handlers map[domain.TaskKind]TaskHandler
}

// NewRegistry 创建注册表，重复注册同一类型视为装配错误
func NewRegistry(handlers ...TaskHandler) (*Registry, error) {
	r := &Registry{handlers: make(map[domain.TaskKind]TaskHandler, len(handlers))}
	for _, h := range handlers {
		if _, dup := r.handlers[h.Kind()]; dup {
			return nil, fmt.Errorf("duplicate handler for kind %s", h.Kind())
		}
		r.handlers[h.Kind()] = h
	}
	return r, nil
}

// Get 查找处理器
func (r *Registry) Get(kind domain.TaskKind) (TaskHandler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// Estimate 预估任务成本
func (r *Registry) Estimate(kind domain.TaskKind, args json.RawMessage) (float64, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrUnknownKind, kind)
	}
	return h.EstimateCost(args), nil
}

// CancelRegistry 取消请求登记表
//
// Scheduler写入取消请求，Executor的CancelCheck读取；
// 任务进入终态后由Executor清理
type CancelRegistry struct {
	mu        sync.Mutex
	requested map[string]struct{}
}

// NewCancelRegistry 创建取消登记表
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{requested: make(map[string]struct{})}
}

// Request 登记取消请求
func (c *CancelRegistry) Request(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requested[taskID] = struct{}{}
}

// IsRequested 是否已请求取消
func (c *CancelRegistry) IsRequested(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.requested[taskID]
	return ok
}

// Clear 任务终结后清理
func (c *CancelRegistry) Clear(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.requested, taskID)
}
