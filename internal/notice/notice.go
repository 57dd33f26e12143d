// Package notice 定义拦截提示页的重定向契约与倒计时逻辑
package notice

import (
	"net/url"
	"strconv"
	"time"
)

// Reason 重定向原因
type Reason string

const (
	ReasonBlock Reason = "block" // 命中拦截规则
	ReasonLimit Reason = "limit" // 配额耗尽或启动延迟未到
)

// 提示页查询参数名
const (
	paramReason    = "reason"
	paramTargetURL = "targetUrl"
	paramRuleTitle = "ruleTitle"
	paramAllowedAt = "allowedAt"
)

// Params 提示页的结构化参数
// limit 原因额外携带 AllowedAt：允许再次访问的绝对时刻（毫秒时间戳）
type Params struct {
	Reason    Reason `json:"reason"`
	TargetURL string `json:"targetUrl"` // 被拦截的原始地址
	RuleTitle string `json:"ruleTitle"` // 命中规则的显示名称
	AllowedAt int64  `json:"allowedAt,omitempty"`
}

// Values 将参数编码为查询串（自动百分号转义）
func (p Params) Values() url.Values {
	v := url.Values{}
	v.Set(paramReason, string(p.Reason))
	v.Set(paramTargetURL, p.TargetURL)
	v.Set(paramRuleTitle, p.RuleTitle)
	if p.Reason == ReasonLimit {
		v.Set(paramAllowedAt, strconv.FormatInt(p.AllowedAt, 10))
	}
	return v
}

// BuildURL 构造指向提示页的完整地址
func (p Params) BuildURL(base string) string {
	return base + "?" + p.Values().Encode()
}

// ParseValues 从查询串还原参数
// 参数缺失或损坏时返回 ok=false，提示页据此渲染空白而非报错
func ParseValues(v url.Values) (Params, bool) {
	p := Params{
		Reason:    Reason(v.Get(paramReason)),
		TargetURL: v.Get(paramTargetURL),
		RuleTitle: v.Get(paramRuleTitle),
	}

	switch p.Reason {
	case ReasonBlock:
		// 无需倒计时参数
	case ReasonLimit:
		at, err := strconv.ParseInt(v.Get(paramAllowedAt), 10, 64)
		if err != nil {
			return Params{}, false
		}
		p.AllowedAt = at
	default:
		return Params{}, false
	}

	if p.TargetURL == "" {
		return Params{}, false
	}
	return p, true
}

// Countdown 倒计时视图：每秒用当前时刻重新计算
type Countdown struct {
	AllowedAt int64 // 解封时刻（毫秒时间戳）
}

// Remaining 距解封的剩余时长，已到期时为 0
func (c Countdown) Remaining(now time.Time) time.Duration {
	d := time.UnixMilli(c.AllowedAt).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Due 是否已到解封时刻，到期后提示页执行回跳
func (c Countdown) Due(now time.Time) bool {
	return !now.Before(time.UnixMilli(c.AllowedAt))
}
