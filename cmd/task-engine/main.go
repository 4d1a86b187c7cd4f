package main

import (
	"context"
	"flag"
	"os"
	"syscall"

	"knowledgehub/cmd/task-engine/internal/biz"
	"knowledgehub/cmd/task-engine/internal/domain"
	"knowledgehub/pkg/observability"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/config"
	"github.com/go-kratos/kratos/v2/config/file"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/tracing"
	"github.com/go-kratos/kratos/v2/transport/http"

	_ "go.uber.org/automaxprocs"
)

// go build -ldflags "-X main.Version=x.y.z"
var (
	// Name is the name of the compiled software.
	Name string = "task-engine"
	// Version is the version of the compiled software.
	Version string = "v1.0.0"
	// flagconf is the config flag.
	flagconf string

	id, _ = os.Hostname()
)

func init() {
	flag.StringVar(&flagconf, "conf", "../../configs/task-engine.yaml", "config path, eg: -conf config.yaml")
}

func main() {
	flag.Parse()
	logger := log.With(log.NewStdLogger(os.Stdout),
		"ts", log.DefaultTimestamp,
		"caller", log.DefaultCaller,
		"service.id", id,
		"service.name", Name,
		"service.version", Version,
		"trace.id", tracing.TraceID(),
		"span.id", tracing.SpanID(),
	)
	helper := log.NewHelper(logger)

	c := config.New(
		config.WithSource(
			file.NewSource(flagconf),
		),
	)
	defer c.Close()

	if err := c.Load(); err != nil {
		helper.Fatalf("Failed to load config from %s: %v", flagconf, err)
	}

	var bc Config
	if err := c.Scan(&bc); err != nil {
		helper.Fatalf("Failed to scan config: %v", err)
	}

	shutdownTracing, err := observability.InitTracing(context.Background(), observability.TracingConfig{
		ServiceName:    Name,
		ServiceVersion: Version,
		Environment:    bc.Trace.Environment,
		Endpoint:       bc.Trace.Endpoint,
		SamplingRate:   bc.Trace.SamplingRate,
	})
	if err != nil {
		helper.Fatalf("Failed to init tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	app, cleanup, err := wireApp(&bc, logger)
	if err != nil {
		helper.Fatalf("Failed to initialize application: %v", err)
	}
	defer cleanup()

	helper.Infof("Starting %s %s", Name, Version)
	if err := app.Run(); err != nil {
		helper.Fatalf("Failed to run application: %v", err)
	}
}

// newApp 创建Kratos应用。ExecutorPool和RetentionSweeper与HTTP服务器
// 同为受管Server；workers起跑前先回收上次进程遗留的RUNNING任务
func newApp(
	logger log.Logger,
	hs *http.Server,
	pool *biz.ExecutorPool,
	sweeper *biz.RetentionSweeper,
	repo domain.TaskRepository,
	notifier domain.Notifier,
) *kratos.App {
	helper := log.NewHelper(logger)

	return kratos.New(
		kratos.ID(id),
		kratos.Name(Name),
		kratos.Version(Version),
		kratos.Metadata(map[string]string{}),
		kratos.Logger(logger),
		kratos.BeforeStart(func(ctx context.Context) error {
			recovered, err := repo.RecoverInterrupted(ctx)
			if err != nil {
				return err
			}
			for _, task := range recovered {
				notifier.Publish(domain.NewTaskEvent(domain.EventTaskFailed, task, map[string]interface{}{
					"error": domain.FailReasonProcessRestarted,
				}))
			}
			if len(recovered) > 0 {
				helper.Warnf("marked %d interrupted tasks as failed on startup", len(recovered))
			}
			return nil
		}),
		kratos.Server(
			hs,
			pool,
			sweeper,
		),
		kratos.Signal(syscall.SIGTERM, syscall.SIGINT),
	)
}
