package domain

// ContextID 页面上下文ID
// 每个被跟踪的浏览器标签页对应一个独立的上下文实例图
type ContextID string

// RuleID 规则ID
type RuleID string

// Feature 内容隐藏功能开关名
type Feature string

const (
	FeatureHideShorts Feature = "hideShorts" // 隐藏短视频推荐
	FeatureExtraMode  Feature = "extraMode"  // 增强隐藏模式
)

// TargetID 浏览器标签页目标ID
type TargetID string

// TargetInfo 标签页目标的摘要视图
type TargetInfo struct {
	ID      TargetID `json:"id"`
	URL     string   `json:"url"`
	Title   string   `json:"title"`
	Tracked bool     `json:"tracked"` // 是否已有页面上下文在跟踪
}

// NavigationEvent 导航事件：检测到页面地址变化
type NavigationEvent struct {
	Context   ContextID `json:"context"`   // 事件所属的页面上下文
	URL       string    `json:"url"`       // 变化后的新地址
	Timestamp int64     `json:"timestamp"` // 检测到变化的时刻（毫秒时间戳）
}

// UptimeReply getUptime 消息的应答
type UptimeReply struct {
	UptimeSec int64 `json:"uptimeSec"` // 进程启动以来的秒数
}

// FeatureToggle toggleFeature 消息的载荷，广播到各页面上下文
type FeatureToggle struct {
	Feature Feature `json:"feature"` // 功能名
	Enabled bool    `json:"enabled"` // 开关状态
}
