// Package rulespec 定义站点访问规则的类型规范
package rulespec

import "github.com/google/uuid"

// MatchMode URL 匹配模式
type MatchMode string

const (
	// 正向匹配模式
	MatchEquals     MatchMode = "equals"     // URL 精确匹配
	MatchStartsWith MatchMode = "startsWith" // URL 前缀匹配
	MatchEndsWith   MatchMode = "endsWith"   // URL 后缀匹配
	MatchContains   MatchMode = "contains"   // URL 包含匹配
	MatchRegex      MatchMode = "regex"      // URL 正则匹配

	// 反向匹配模式，语义为对应正向模式的逻辑取反
	MatchNotEquals     MatchMode = "notEquals"     // URL 精确不匹配
	MatchNotStartsWith MatchMode = "notStartsWith" // URL 非前缀匹配
	MatchNotEndsWith   MatchMode = "notEndsWith"   // URL 非后缀匹配
	MatchNotContains   MatchMode = "notContains"   // URL 不包含匹配
	MatchNotRegex      MatchMode = "notRegex"      // URL 正则不匹配
)

// ActionType 规则动作类型
type ActionType string

const (
	ActionAllow ActionType = "allow" // 放行
	ActionBlock ActionType = "block" // 拦截
	ActionLimit ActionType = "limit" // 限时访问
)

// LimitState 限时动作的配额状态
// AllowedMinutes / ResetAfterMinutes / DelayMinutes 为策略参数，创建或编辑时设定；
// UsedMinutes / LastResetAt / LastUsedAt 为引擎在浏览过程中维护的计量字段
type LimitState struct {
	AllowedMinutes    float64 `json:"allowedMinutes"`    // 窗口内允许的使用分钟数，0 表示不限制
	ResetAfterMinutes float64 `json:"resetAfterMinutes"` // 窗口长度（分钟），0 表示不重置
	DelayMinutes      float64 `json:"delayMinutes"`      // 启动延迟（分钟），0 表示无延迟
	UsedMinutes       float64 `json:"usedMinutes"`       // 当前窗口内已使用分钟数
	LastResetAt       int64   `json:"lastResetAt"`       // 当前窗口起点（毫秒时间戳）
	LastUsedAt        int64   `json:"lastUsedAt"`        // 最近一次计量时刻（毫秒时间戳）
}

// Action 规则动作，封闭和类型：Limit 仅在 Type 为 ActionLimit 时非空
type Action struct {
	Type  ActionType  `json:"type"`            // 动作类型
	Limit *LimitState `json:"limit,omitempty"` // 限时状态，仅 limit 动作持有
}

// Rule 站点访问规则
// 规则以有序序列存储，顺序即用户可见的优先级，匹配时首个命中的启用规则生效
type Rule struct {
	ID        string    `json:"id"`        // 规则唯一标识符，创建时分配且不可变
	Title     string    `json:"title"`     // 显示名称
	Pattern   string    `json:"pattern"`   // 匹配串，按 MatchMode 解释
	MatchMode MatchMode `json:"matchMode"` // 匹配模式
	Action    Action    `json:"action"`    // 命中后的动作
	Enabled   bool      `json:"enabled"`   // 是否启用，禁用的规则在匹配时跳过
}

// NewRule 创建一条新规则（带 UUID，默认启用）
func NewRule(title string) Rule {
	return Rule{
		ID:        uuid.New().String(),
		Title:     title,
		MatchMode: MatchContains,
		Action:    Action{Type: ActionAllow},
		Enabled:   true,
	}
}

// IsNegated 判断是否为反向匹配模式
func (m MatchMode) IsNegated() bool {
	switch m {
	case MatchNotEquals, MatchNotStartsWith, MatchNotEndsWith, MatchNotContains, MatchNotRegex:
		return true
	}
	return false
}

// Positive 返回反向模式对应的正向模式，正向模式返回自身
func (m MatchMode) Positive() MatchMode {
	switch m {
	case MatchNotEquals:
		return MatchEquals
	case MatchNotStartsWith:
		return MatchStartsWith
	case MatchNotEndsWith:
		return MatchEndsWith
	case MatchNotContains:
		return MatchContains
	case MatchNotRegex:
		return MatchRegex
	}
	return m
}
