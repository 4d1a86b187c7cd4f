package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"knowledgehub/cmd/task-engine/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
)

// ProviderConfig 外部协作方配置
type ProviderConfig struct {
	// StepDelay 每步模拟耗时，生产部署换成真实客户端
	StepDelay time.Duration
}

// 各操作的单步成本
var operationCosts = map[string]float64{
	"generate":  2.0,
	"sync":      0.1,
	"report":    5.0,
	"code_docs": 0.5,
}

// StubProvider 内建的外部操作实现。按操作类型模拟耗时并返回固定结构结果，
// 用于自包含部署和集成测试
type StubProvider struct {
	delay time.Duration
	log   *log.Helper
}

// NewStubProvider 创建内建Provider
func NewStubProvider(c *ProviderConfig, logger log.Logger) biz.ProviderClient {
	delay := 50 * time.Millisecond
	if c != nil && c.StepDelay > 0 {
		delay = c.StepDelay
	}
	return &StubProvider{
		delay: delay,
		log:   log.NewHelper(log.With(logger, "module", "provider-stub")),
	}
}

// Invoke 执行一次外部操作
func (p *StubProvider) Invoke(ctx context.Context, operation string, payload map[string]interface{}) (json.RawMessage, float64, error) {
	cost, ok := operationCosts[operation]
	if !ok {
		return nil, 0, fmt.Errorf("unknown provider operation: %s", operation)
	}

	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}

	out, err := json.Marshal(map[string]interface{}{
		"operation": operation,
		"input":     payload,
		"status":    "ok",
	})
	if err != nil {
		return nil, cost, fmt.Errorf("failed to encode provider result: %w", err)
	}
	return out, cost, nil
}
