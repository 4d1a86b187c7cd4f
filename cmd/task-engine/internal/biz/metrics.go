package biz

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TaskSubmittedTotal 提交任务总数
	TaskSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "task_engine",
			Subsystem: "scheduler",
			Name:      "submitted_total",
			Help:      "Total number of tasks submitted",
		},
		[]string{"kind", "priority"},
	)

	// TaskFinishedTotal 进入终态的任务计数
	TaskFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "task_engine",
			Subsystem: "executor",
			Name:      "finished_total",
			Help:      "Total number of tasks reaching a terminal state",
		},
		[]string{"kind", "status"},
	)

	// RunningTasks 在执行的任务数
	RunningTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "task_engine",
			Subsystem: "executor",
			Name:      "running_tasks",
			Help:      "Number of tasks currently running",
		},
	)

	// QueueDepth 队列深度
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "task_engine",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Number of queued tasks per priority",
		},
		[]string{"priority"},
	)

	// TaskDuration 任务执行时长
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "task_engine",
			Subsystem: "executor",
			Name:      "duration_seconds",
			Help:      "Task execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind", "status"},
	)

	// DebitTotal 记账金额累计
	DebitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "task_engine",
			Subsystem: "ledger",
			Name:      "debit_total",
			Help:      "Total cost debited against user budgets",
		},
		[]string{"kind", "outcome"},
	)
)
