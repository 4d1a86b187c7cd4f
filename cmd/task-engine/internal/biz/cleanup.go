package biz

import (
	"context"
	"time"

	"knowledgehub/cmd/task-engine/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
)

const (
	defaultRetention     = 7 * 24 * time.Hour
	defaultSweepInterval = time.Hour
)

// SweeperConfig 清理器配置
type SweeperConfig struct {
	Retention     time.Duration
	SweepInterval time.Duration
}

// RetentionSweeper 终态任务保留期清理器
//
// 周期性清除超过保留期的终态任务，同时刷新队列深度指标。
// 管理接口也可随时触发一次Sweep
type RetentionSweeper struct {
	repo      domain.TaskRepository
	scheduler *Scheduler
	retention time.Duration
	interval  time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
	log       *log.Helper
}

// NewRetentionSweeper 创建清理器
func NewRetentionSweeper(repo domain.TaskRepository, scheduler *Scheduler, config *SweeperConfig, logger log.Logger) *RetentionSweeper {
	if config == nil {
		config = &SweeperConfig{}
	}
	if config.Retention <= 0 {
		config.Retention = defaultRetention
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaultSweepInterval
	}
	return &RetentionSweeper{
		repo:      repo,
		scheduler: scheduler,
		retention: config.Retention,
		interval:  config.SweepInterval,
		done:      make(chan struct{}),
		log:       log.NewHelper(log.With(logger, "module", "sweeper")),
	}
}

// Start 启动清理循环，实现kratos transport.Server
func (s *RetentionSweeper) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Infof("retention sweeper started: retention=%s interval=%s", s.retention, s.interval)
		for {
			select {
			case <-runCtx.Done():
				s.log.Info("retention sweeper stopped")
				return
			case <-ticker.C:
				if _, err := s.Sweep(runCtx); err != nil {
					s.log.Errorf("sweep failed: %v", err)
				}
				s.refreshQueueMetrics(runCtx)
			}
		}
	}()
	return nil
}

// Stop 停止清理循环
func (s *RetentionSweeper) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return nil
}

// Sweep 清除一轮过期终态任务，返回删除数量
func (s *RetentionSweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.retention)
	purged, err := s.repo.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		s.log.Infof("purged %d terminal tasks finished before %s", purged, cutoff.Format(time.RFC3339))
	}
	return purged, nil
}

// refreshQueueMetrics 刷新队列深度指标
func (s *RetentionSweeper) refreshQueueMetrics(ctx context.Context) {
	stats, err := s.scheduler.Stats(ctx)
	if err != nil {
		s.log.Warnf("failed to refresh queue metrics: %v", err)
		return
	}
	for priority, n := range stats.PerPriority {
		QueueDepth.WithLabelValues(priority).Set(float64(n))
	}
}
