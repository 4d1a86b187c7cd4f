package domain

import "time"

// OverageFactor 预算宽限系数：used最多允许到limit的110%。
// 宽限只为记账留余地（实际成本可能超出估算），准入判断用limit本身
const OverageFactor = 1.1

// DefaultRole 新建预算的默认角色
const DefaultRole = "member"

// BudgetPeriod 预算周期
type BudgetPeriod string

const (
	PeriodDaily   BudgetPeriod = "daily"
	PeriodWeekly  BudgetPeriod = "weekly"
	PeriodMonthly BudgetPeriod = "monthly"
	PeriodYearly  BudgetPeriod = "yearly"
)

// Window 计算包含now的周期窗口
func (p BudgetPeriod) Window(now time.Time) (start, end time.Time) {
	switch p {
	case PeriodDaily:
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		end = start.AddDate(0, 0, 1)
	case PeriodWeekly:
		// 周一为一周起点
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, -(weekday - 1))
		end = start.AddDate(0, 0, 7)
	case PeriodYearly:
		start = time.Date(now.Year(), 1, 1, 0, 0, 0, 0, now.Location())
		end = start.AddDate(1, 0, 0)
	default: // monthly
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		end = start.AddDate(0, 1, 0)
	}
	return start, end
}

// BudgetStatus 预算健康状态
type BudgetStatus string

const (
	BudgetStatusActive   BudgetStatus = "ACTIVE"
	BudgetStatusWarning  BudgetStatus = "WARNING"  // >= 80%
	BudgetStatusCritical BudgetStatus = "CRITICAL" // >= 95%
	BudgetStatusExceeded BudgetStatus = "EXCEEDED" // >= 100%
)

// 告警阈值（占limit的百分比），每个周期每档最多触发一次
const (
	AlertLevelNone     = 0
	AlertLevelWarning  = 80
	AlertLevelCritical = 95
	AlertLevelExceeded = 100
)

// Budget 用户预算，同一用户同一时刻只有一条active记录
type Budget struct {
	ID     string
	UserID string
	// Role 所有者角色，来自认证token，按角色批量refill时用作筛选键
	Role        string
	Limit       float64
	Used        float64
	Period      BudgetPeriod
	PeriodStart time.Time
	PeriodEnd   time.Time
	Active      bool
	// AlertLevel 本周期已触发的最高告警档位，保证阈值告警单调只升不降
	AlertLevel int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Remaining 剩余额度（不含宽限）
func (b *Budget) Remaining() float64 {
	r := b.Limit - b.Used
	if r < 0 {
		return 0
	}
	return r
}

// CanAfford 估算成本是否仍在limit之内。准入不吃宽限：
// limit=100、used=95时估算10的任务必须被拒
func (b *Budget) CanAfford(estimatedCost float64) bool {
	return b.Used+estimatedCost <= b.Limit
}

// Status 当前健康状态
func (b *Budget) Status() BudgetStatus {
	if b.Limit <= 0 {
		return BudgetStatusExceeded
	}
	ratio := b.Used / b.Limit * 100
	switch {
	case ratio >= AlertLevelExceeded:
		return BudgetStatusExceeded
	case ratio >= AlertLevelCritical:
		return BudgetStatusCritical
	case ratio >= AlertLevelWarning:
		return BudgetStatusWarning
	default:
		return BudgetStatusActive
	}
}

// CrossedLevel 返回used新到达且尚未告警过的最高档位，无新跨越返回AlertLevelNone
func (b *Budget) CrossedLevel() int {
	if b.Limit <= 0 {
		return AlertLevelNone
	}
	ratio := b.Used / b.Limit * 100
	level := AlertLevelNone
	for _, th := range []int{AlertLevelWarning, AlertLevelCritical, AlertLevelExceeded} {
		if ratio >= float64(th) && b.AlertLevel < th {
			level = th
		}
	}
	return level
}

// Expired 周期是否已结束
func (b *Budget) Expired(now time.Time) bool {
	return !now.Before(b.PeriodEnd)
}

// RefillMode 额度补充模式
type RefillMode string

const (
	RefillModeReset RefillMode = "reset" // used清零，可选调整limit
	RefillModeAdd   RefillMode = "add"   // limit增加，不动used（未用额度顺延）
)

// UsageRecord 用量流水，只追加不修改
type UsageRecord struct {
	ID          string
	UserID      string
	TaskID      string
	Kind        TaskKind
	Cost        float64
	Succeeded   bool
	ErrorReason string
	CreatedAt   time.Time
}
