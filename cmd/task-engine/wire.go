//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package main

import (
	"knowledgehub/cmd/task-engine/internal/biz"
	"knowledgehub/cmd/task-engine/internal/data"
	"knowledgehub/cmd/task-engine/internal/server"
	"knowledgehub/cmd/task-engine/internal/service"
	"knowledgehub/cmd/task-engine/internal/websocket"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// wireApp init kratos application.
func wireApp(*Config, log.Logger) (*kratos.App, func(), error) {
	panic(wire.Build(
		// Data layer
		provideDatabaseConfig,
		provideRedisConfig,
		provideBudgetConfig,
		data.NewDB,
		data.NewRedis,
		data.NewData,
		data.NewTaskRepo,
		data.NewBudgetRepo,
		data.NewUsageRepo,

		// Notification
		provideHubConfig,
		websocket.NewHub,
		providePublisher,
		provideEventSink,
		provideNotifier,

		// Business logic layer
		provideQueue,
		provideProviderClient,
		provideRegistry,
		provideExecutorConfig,
		provideSweeperConfig,
		biz.NewCancelRegistry,
		biz.NewLedgerUsecase,
		biz.NewAdmissionGate,
		biz.NewScheduler,
		biz.NewExecutorPool,
		biz.NewRetentionSweeper,

		// Service layer
		service.NewTaskService,

		// Server layer
		provideHTTPConfig,
		provideJWTManager,
		server.NewHTTPServer,

		// App
		newApp,
	))
}
