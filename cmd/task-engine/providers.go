package main

import (
	"fmt"
	"time"

	"knowledgehub/cmd/task-engine/internal/biz"
	"knowledgehub/cmd/task-engine/internal/data"
	"knowledgehub/cmd/task-engine/internal/domain"
	"knowledgehub/cmd/task-engine/internal/server"
	ws "knowledgehub/cmd/task-engine/internal/websocket"
	"knowledgehub/pkg/auth"
	"knowledgehub/pkg/events"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"
)

// 配置转换与按配置选型的构造函数，供wire装配使用

func provideDatabaseConfig(c *Config) *data.DatabaseConfig {
	return &data.DatabaseConfig{
		Driver:          c.Data.Database.Driver,
		Source:          c.Data.Database.Source,
		MaxIdleConns:    c.Data.Database.MaxIdleConns,
		MaxOpenConns:    c.Data.Database.MaxOpenConns,
		ConnMaxLifetime: parseDuration(c.Data.Database.ConnMaxLifetime, time.Hour),
	}
}

func provideRedisConfig(c *Config) *data.RedisConfig {
	return &data.RedisConfig{
		Addr:     c.Data.Redis.Addr,
		Password: c.Data.Redis.Password,
		DB:       c.Data.Redis.DB,
		PoolSize: c.Data.Redis.PoolSize,
	}
}

func provideBudgetConfig(c *Config) *data.BudgetConfig {
	return &data.BudgetConfig{
		DefaultLimit: c.Budget.DefaultLimit,
		Period:       domain.BudgetPeriod(c.Budget.Period),
	}
}

func provideHTTPConfig(c *Config) *server.HTTPConfig {
	return &server.HTTPConfig{
		Addr:    c.Server.HTTP.Addr,
		Timeout: parseDuration(c.Server.HTTP.Timeout, 30*time.Second),
	}
}

func provideExecutorConfig(c *Config) *biz.ExecutorPoolConfig {
	return &biz.ExecutorPoolConfig{
		WorkerNum:   c.Executor.WorkerNum,
		TaskTimeout: parseDuration(c.Executor.TaskTimeout, 0),
	}
}

func provideSweeperConfig(c *Config) *biz.SweeperConfig {
	return &biz.SweeperConfig{
		Retention:     parseDuration(c.Sweeper.Retention, 0),
		SweepInterval: parseDuration(c.Sweeper.SweepInterval, 0),
	}
}

func provideHubConfig(c *Config) *ws.HubConfig {
	return &ws.HubConfig{BacklogSize: c.Hub.BacklogSize}
}

func provideJWTManager(c *Config) *auth.JWTManager {
	return auth.NewJWTManager(c.Auth.JWTSecret, parseDuration(c.Auth.AccessExpiry, 24*time.Hour))
}

// provideQueue 按配置选择队列后端：redis用于多实例部署，默认进程内存队列
func provideQueue(c *Config, rdb *redis.Client, logger log.Logger) (biz.QueueBackend, error) {
	switch c.Queue.Backend {
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("queue backend is redis but redis is not configured")
		}
		return biz.NewRedisQueue(rdb, c.Queue.Prefix, logger), nil
	case "", "memory":
		return biz.NewMemoryQueue(), nil
	default:
		return nil, fmt.Errorf("unknown queue backend: %s", c.Queue.Backend)
	}
}

// provideProviderClient 内建Provider外面包一层熔断
func provideProviderClient(c *Config, logger log.Logger) biz.ProviderClient {
	stub := data.NewStubProvider(&data.ProviderConfig{
		StepDelay: parseDuration(c.Provider.StepDelay, 0),
	}, logger)
	return biz.NewResilientProvider(stub, nil, logger)
}

func provideRegistry(provider biz.ProviderClient, logger log.Logger) (*biz.Registry, error) {
	return biz.NewRegistry(
		biz.NewGenerationHandler(provider, logger),
		biz.NewSyncHandler(provider, logger),
		biz.NewReportHandler(provider, logger),
		biz.NewCodeDocsHandler(provider, logger),
	)
}

// providePublisher Kafka未配置时返回nil，事件镜像整体关闭
func providePublisher(c *Config) (events.Publisher, error) {
	if len(c.Events.Brokers) == 0 {
		return nil, nil
	}
	conf := events.DefaultPublisherConfig()
	conf.Brokers = c.Events.Brokers
	if c.Events.Topic != "" {
		conf.Topic = c.Events.Topic
	}
	return events.NewKafkaPublisher(conf)
}

func provideEventSink(publisher events.Publisher, logger log.Logger) (*data.EventSink, func()) {
	sink := data.NewEventSink(publisher, logger)
	cleanup := func() {
		if sink != nil {
			sink.Close()
		}
	}
	return sink, cleanup
}

// provideNotifier WebSocket Hub为主通道，Kafka镜像可选
func provideNotifier(hub *ws.Hub, sink *data.EventSink) domain.Notifier {
	if sink == nil {
		return hub
	}
	return data.NewFanoutNotifier(hub, sink)
}
