package model

import (
	"time"
)

// Setting 键值存储表
// 规则序列、弹窗设置与启动时间戳均以整文档形式存放于此
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`  // 存储键
	Value     string    `gorm:"type:text" json:"value"` // 存储值（JSON 文档或标量）
	UpdatedAt time.Time `json:"updatedAt"`              // 更新时间
}

// 预定义的存储 Key
const (
	SettingKeySiteRules     = "siteRules"       // 规则序列（JSON 数组，顺序即优先级）
	SettingKeyPopupSettings = "popupSettings"   // 内容隐藏偏好（JSON 文档）
	SettingKeyLastStartup   = "lastStartupTime" // 最近一次进程启动时间戳（毫秒，仅本地作用域）
)

// VerdictRecord 裁决历史表
// 仅落库触发重定向的裁决（拦截与限额），放行不记录
type VerdictRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ContextID string    `gorm:"index" json:"contextId"` // 产生裁决的页面上下文
	URL       string    `json:"url"`                    // 被拦截的原始地址
	RuleTitle string    `json:"ruleTitle"`              // 命中规则的显示名称
	Reason    string    `gorm:"index" json:"reason"`    // block 或 limit
	AllowedAt int64     `json:"allowedAt"`              // limit 裁决携带的解封时刻（毫秒）
	Timestamp int64     `gorm:"index" json:"timestamp"` // 裁决时刻（毫秒）
	CreatedAt time.Time `json:"createdAt"`
}
