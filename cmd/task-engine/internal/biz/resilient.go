package biz

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/sony/gobreaker"
)

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// ResilientProvider 带熔断的Provider包装。
// 外部服务持续故障时快速失败，不让worker空耗在注定失败的调用上
type ResilientProvider struct {
	base    ProviderClient
	breaker *gobreaker.CircuitBreaker
	log     *log.Helper
}

// NewResilientProvider 创建带熔断的Provider
func NewResilientProvider(base ProviderClient, config *BreakerConfig, logger log.Logger) *ResilientProvider {
	if config == nil {
		config = &BreakerConfig{
			Name:             "provider",
			MaxRequests:      3,
			Interval:         10 * time.Second,
			Timeout:          30 * time.Second,
			FailureThreshold: 0.5,
			MinRequests:      5,
		}
	}

	helper := log.NewHelper(log.With(logger, "module", "provider-breaker"))
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < config.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			helper.Warnf("circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return &ResilientProvider{base: base, breaker: breaker, log: helper}
}

// Invoke 经熔断器调用外部服务
func (p *ResilientProvider) Invoke(ctx context.Context, operation string, payload map[string]interface{}) (json.RawMessage, float64, error) {
	type invokeResult struct {
		out  json.RawMessage
		cost float64
	}

	res, err := p.breaker.Execute(func() (interface{}, error) {
		out, cost, err := p.base.Invoke(ctx, operation, payload)
		if err != nil {
			return invokeResult{cost: cost}, err
		}
		return invokeResult{out: out, cost: cost}, nil
	})

	r, _ := res.(invokeResult)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, 0, fmt.Errorf("provider unavailable: %w", err)
		}
		return nil, r.cost, err
	}
	return r.out, r.cost, nil
}
