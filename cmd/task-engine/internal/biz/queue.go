package biz

import (
	"container/heap"
	"context"
	"sync"

	"knowledgehub/cmd/task-engine/internal/domain"
)

// QueueStats 队列统计
type QueueStats struct {
	Queued      int            `json:"queued"`
	PerPriority map[string]int `json:"per_priority"`
}

// QueueBackend 任务队列后端接口
//
// 两种实现：单机内存堆、多机Redis有序集合，Scheduler不感知差异。
// 出队顺序约定：优先级降序，同优先级按提交顺序FIFO。
type QueueBackend interface {
	// Enqueue 入队任务
	Enqueue(ctx context.Context, task *domain.Task) error
	// Dequeue 阻塞出队，直到有任务或ctx结束；ctx结束返回ctx.Err()
	Dequeue(ctx context.Context) (*domain.Task, error)
	// Remove 移除仍在排队的任务，已被worker取走返回false
	Remove(ctx context.Context, taskID string) (bool, error)
	// Stats 队列统计
	Stats(ctx context.Context) (*QueueStats, error)
}

// CorruptTaskError 队列中的任务体无法反序列化。
// 载荷已从队列移除，调用方拿task ID把任务落为失败，避免任务无声消失
type CorruptTaskError struct {
	TaskID string
	Err    error
}

func (e *CorruptTaskError) Error() string {
	return "corrupt queue payload for task " + e.TaskID + ": " + e.Err.Error()
}

func (e *CorruptTaskError) Unwrap() error { return e.Err }

// queueItem 堆元素
type queueItem struct {
	task  *domain.Task
	seq   uint64 // 入队序号，同优先级FIFO
	index int
}

// taskHeap 按(priority desc, seq asc)排序的堆
type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// MemoryQueue 进程内优先级队列（单节点部署）
type MemoryQueue struct {
	mu     sync.Mutex
	items  taskHeap
	byID   map[string]*queueItem
	seq    uint64
	notify chan struct{}
}

// NewMemoryQueue 创建内存队列
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		byID:   make(map[string]*queueItem),
		notify: make(chan struct{}, 1),
	}
}

// Enqueue 入队任务
func (q *MemoryQueue) Enqueue(ctx context.Context, task *domain.Task) error {
	q.mu.Lock()
	q.seq++
	item := &queueItem{task: task, seq: q.seq}
	heap.Push(&q.items, item)
	q.byID[task.ID] = item
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue 阻塞出队
func (q *MemoryQueue) Dequeue(ctx context.Context) (*domain.Task, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			item := heap.Pop(&q.items).(*queueItem)
			delete(q.byID, item.task.ID)
			remaining := q.items.Len()
			q.mu.Unlock()

			// 队列仍非空时补发信号，避免并发等待者漏唤醒
			if remaining > 0 {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return item.task, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// Remove 移除排队中的任务
func (q *MemoryQueue) Remove(ctx context.Context, taskID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byID[taskID]
	if !ok {
		return false, nil
	}
	heap.Remove(&q.items, item.index)
	delete(q.byID, taskID)
	return true, nil
}

// Stats 队列统计
func (q *MemoryQueue) Stats(ctx context.Context) (*QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := &QueueStats{
		Queued:      q.items.Len(),
		PerPriority: make(map[string]int),
	}
	for _, item := range q.items {
		stats.PerPriority[item.task.Priority.String()]++
	}
	return stats, nil
}
