package biz

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"knowledgehub/cmd/task-engine/internal/domain"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"
)

// 出队阻塞时长，到期后重试以便观察ctx取消
const redisPopBlock = 5 * time.Second

// 优先级从高到低对应的队列后缀，BZPOPMIN按key顺序检查，
// 天然得到优先级降序 + 同级按score(入队时间)FIFO
var priorityBands = []domain.TaskPriority{
	domain.TaskPriorityUrgent,
	domain.TaskPriorityHigh,
	domain.TaskPriorityNormal,
	domain.TaskPriorityLow,
}

// RedisQueue Redis实现的任务队列（多节点部署）
//
// 每个优先级一个sorted set，member为task ID，score为入队时间；
// 任务体序列化后存入hash，出队时取回并删除。
type RedisQueue struct {
	client *redis.Client
	prefix string
	logger *log.Helper
}

// NewRedisQueue 创建Redis队列
func NewRedisQueue(client *redis.Client, prefix string, logger log.Logger) *RedisQueue {
	if prefix == "" {
		prefix = "taskengine"
	}
	return &RedisQueue{
		client: client,
		prefix: prefix,
		logger: log.NewHelper(log.With(logger, "module", "redis-queue")),
	}
}

// bandKey 优先级队列键
func (q *RedisQueue) bandKey(p domain.TaskPriority) string {
	return fmt.Sprintf("%s:queue:%s", q.prefix, p.String())
}

// dataKey 任务体hash键
func (q *RedisQueue) dataKey() string {
	return q.prefix + ":queue:data"
}

// Enqueue 入队任务
func (q *RedisQueue) Enqueue(ctx context.Context, task *domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.dataKey(), task.ID, data)
	pipe.ZAdd(ctx, q.bandKey(task.Priority), &redis.Z{
		Score:  float64(task.SubmittedAt.UnixMicro()),
		Member: task.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Errorf("failed to enqueue task %s: %v", task.ID, err)
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// Dequeue 阻塞出队
func (q *RedisQueue) Dequeue(ctx context.Context) (*domain.Task, error) {
	keys := make([]string, 0, len(priorityBands))
	for _, p := range priorityBands {
		keys = append(keys, q.bandKey(p))
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := q.client.BZPopMin(ctx, redisPopBlock, keys...).Result()
		if err != nil {
			if err == redis.Nil {
				continue // 阻塞超时，重试
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to dequeue task: %w", err)
		}

		taskID, _ := res.Member.(string)
		data, err := q.client.HGet(ctx, q.dataKey(), taskID).Result()
		if err == redis.Nil {
			// 任务体已被Remove清掉，视为已取消
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load task %s: %w", taskID, err)
		}
		q.client.HDel(ctx, q.dataKey(), taskID)

		var task domain.Task
		if err := json.Unmarshal([]byte(data), &task); err != nil {
			// 载荷已出队，交给调用方把任务落为失败而不是无声丢弃
			q.logger.Errorf("failed to unmarshal task %s: %v", taskID, err)
			return nil, &CorruptTaskError{TaskID: taskID, Err: err}
		}
		return &task, nil
	}
}

// Remove 移除排队中的任务
func (q *RedisQueue) Remove(ctx context.Context, taskID string) (bool, error) {
	removed := false
	for _, p := range priorityBands {
		n, err := q.client.ZRem(ctx, q.bandKey(p), taskID).Result()
		if err != nil {
			return false, fmt.Errorf("failed to remove task %s: %w", taskID, err)
		}
		if n > 0 {
			removed = true
			break
		}
	}
	if removed {
		q.client.HDel(ctx, q.dataKey(), taskID)
	}
	return removed, nil
}

// Stats 队列统计
func (q *RedisQueue) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{PerPriority: make(map[string]int)}
	for _, p := range priorityBands {
		n, err := q.client.ZCard(ctx, q.bandKey(p)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get queue depth: %w", err)
		}
		stats.PerPriority[p.String()] = int(n)
		stats.Queued += int(n)
	}
	return stats, nil
}
