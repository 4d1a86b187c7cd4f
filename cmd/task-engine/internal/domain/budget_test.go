package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestCanAffordLimitBoundary 测试准入边界：估算必须落在limit之内，宽限不参与
func TestCanAffordLimitBoundary(t *testing.T) {
	b := &Budget{Limit: 100, Used: 95}

	// 95 + 4 = 99 < 100
	assert.True(t, b.CanAfford(4))

	// 正好踩线
	assert.True(t, b.CanAfford(5))

	// 95 + 10 = 105 > 100，即使在110%宽限内也拒绝
	assert.False(t, b.CanAfford(10))

	// 已超限后任何正估算都被拒
	b.Used = 100.5
	assert.False(t, b.CanAfford(0.01))
}

// TestBudgetStatus 测试健康状态阈值
func TestBudgetStatus(t *testing.T) {
	cases := []struct {
		used float64
		want BudgetStatus
	}{
		{0, BudgetStatusActive},
		{79.9, BudgetStatusActive},
		{80, BudgetStatusWarning},
		{94.9, BudgetStatusWarning},
		{95, BudgetStatusCritical},
		{99.9, BudgetStatusCritical},
		{100, BudgetStatusExceeded},
		{108, BudgetStatusExceeded},
	}
	for _, c := range cases {
		b := &Budget{Limit: 100, Used: c.used}
		assert.Equal(t, c.want, b.Status(), "used=%v", c.used)
	}

	// limit为0视同超限
	assert.Equal(t, BudgetStatusExceeded, (&Budget{Limit: 0, Used: 0}).Status())
}

// TestCrossedLevel 测试阈值告警只升不重复
func TestCrossedLevel(t *testing.T) {
	b := &Budget{Limit: 100, Used: 85}

	assert.Equal(t, AlertLevelWarning, b.CrossedLevel())

	// 已告警过80，不再重复
	b.AlertLevel = AlertLevelWarning
	assert.Equal(t, AlertLevelNone, b.CrossedLevel())

	// 一次跨两档时返回最高档
	b.Used = 101
	assert.Equal(t, AlertLevelExceeded, b.CrossedLevel())

	b.AlertLevel = AlertLevelExceeded
	b.Used = 105
	assert.Equal(t, AlertLevelNone, b.CrossedLevel())
}

// TestRemaining 测试剩余额度不为负
func TestRemaining(t *testing.T) {
	assert.Equal(t, 30.0, (&Budget{Limit: 100, Used: 70}).Remaining())
	assert.Equal(t, 0.0, (&Budget{Limit: 100, Used: 108}).Remaining())
}

// TestPeriodWindow 测试周期窗口计算
func TestPeriodWindow(t *testing.T) {
	// 2026-08-26是周三
	now := time.Date(2026, 8, 26, 15, 4, 5, 0, time.UTC)

	start, end := PeriodDaily.Window(now)
	assert.Equal(t, time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC), end)

	start, end = PeriodWeekly.Window(now)
	assert.Equal(t, time.Monday, start.Weekday())
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, start.AddDate(0, 0, 7), end)

	start, end = PeriodMonthly.Window(now)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), end)

	start, end = PeriodYearly.Window(now)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), end)

	b := &Budget{PeriodEnd: end}
	assert.False(t, b.Expired(end.Add(-time.Second)))
	assert.True(t, b.Expired(end))
}
