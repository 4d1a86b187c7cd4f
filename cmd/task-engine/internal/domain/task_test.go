package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewTaskDefaults 测试新任务的初始状态
func TestNewTaskDefaults(t *testing.T) {
	task := NewTask("user-1", TaskKindGeneration, TaskPriorityHigh, []byte(`{"prompt":"hi"}`), 2.5)

	require.True(t, strings.HasPrefix(task.ID, "task_"), "task id should carry task_ prefix")
	assert.Equal(t, TaskStatusQueued, task.Status)
	assert.Equal(t, 0, task.Progress)
	assert.Equal(t, 2.5, task.EstimatedCost)
	assert.Nil(t, task.StartedAt)
	assert.Nil(t, task.FinishedAt)
	assert.False(t, task.Status.IsTerminal())
}

// TestTaskLifecycle 测试状态迁移
func TestTaskLifecycle(t *testing.T) {
	t.Run("complete", func(t *testing.T) {
		task := NewTask("user-1", TaskKindSync, TaskPriorityNormal, nil, 1)
		task.Start()
		assert.Equal(t, TaskStatusRunning, task.Status)
		require.NotNil(t, task.StartedAt)

		task.Complete([]byte(`{"ok":true}`), 0.8)
		assert.Equal(t, TaskStatusSucceeded, task.Status)
		assert.Equal(t, 100, task.Progress)
		assert.Equal(t, 0.8, task.ActualCost)
		assert.True(t, task.Status.IsTerminal())
		assert.False(t, task.IsCancellable())
	})

	t.Run("fail", func(t *testing.T) {
		task := NewTask("user-1", TaskKindSync, TaskPriorityNormal, nil, 1)
		task.Start()
		task.Fail(FailReasonTimeout, 0.3)
		assert.Equal(t, TaskStatusFailed, task.Status)
		assert.Equal(t, FailReasonTimeout, task.Error)
		assert.Equal(t, 0.3, task.ActualCost)
		assert.True(t, task.Status.IsTerminal())
	})

	t.Run("cancel while queued", func(t *testing.T) {
		task := NewTask("user-1", TaskKindSync, TaskPriorityNormal, nil, 1)
		assert.True(t, task.IsCancellable())
		task.Cancel(0)
		assert.Equal(t, TaskStatusCancelled, task.Status)
		assert.True(t, task.Status.IsTerminal())
		assert.False(t, task.IsCancellable())
	})
}

// TestAdvanceProgress 测试进度单调性与截断
func TestAdvanceProgress(t *testing.T) {
	task := NewTask("user-1", TaskKindReport, TaskPriorityNormal, nil, 5)
	task.Start()

	assert.True(t, task.AdvanceProgress(10))
	assert.Equal(t, 10, task.Progress)

	// 回退被忽略
	assert.False(t, task.AdvanceProgress(5))
	assert.Equal(t, 10, task.Progress)

	// 重复值被忽略
	assert.False(t, task.AdvanceProgress(10))

	// 越界截断到100
	assert.True(t, task.AdvanceProgress(150))
	assert.Equal(t, 100, task.Progress)

	assert.False(t, task.AdvanceProgress(-5))
	assert.Equal(t, 100, task.Progress)
}

// TestParsePriority 测试优先级解析
func TestParsePriority(t *testing.T) {
	cases := []struct {
		in   string
		want TaskPriority
	}{
		{"low", TaskPriorityLow},
		{"normal", TaskPriorityNormal},
		{"high", TaskPriorityHigh},
		{"urgent", TaskPriorityUrgent},
		{"", TaskPriorityNormal},
		{"bogus", TaskPriorityNormal},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ParsePriority(c.in), "input %q", c.in)
	}
}

// TestIsValidKind 测试任务类型校验
func TestIsValidKind(t *testing.T) {
	assert.True(t, IsValidKind(TaskKindGeneration))
	assert.True(t, IsValidKind(TaskKindCodeDocs))
	assert.False(t, IsValidKind(TaskKind("espresso")))
}
