package rulespec

import (
	"regexp"

	"sitelimit/pkg/errx"
)

// validModes 全部合法的匹配模式
var validModes = map[MatchMode]struct{}{
	MatchEquals: {}, MatchNotEquals: {},
	MatchStartsWith: {}, MatchNotStartsWith: {},
	MatchEndsWith: {}, MatchNotEndsWith: {},
	MatchContains: {}, MatchNotContains: {},
	MatchRegex: {}, MatchNotRegex: {},
}

// Validate 校验规则内容的合法性
// 表单提交与预设应用均需先通过校验，非法规则不会进入引擎
func (r *Rule) Validate() error {
	if r.Title == "" {
		return errx.New(errx.CodeInvalidRule, "规则名称不能为空")
	}
	if r.Pattern == "" {
		return errx.New(errx.CodeInvalidRule, "匹配串不能为空")
	}
	if _, ok := validModes[r.MatchMode]; !ok {
		return errx.New(errx.CodeInvalidRule, "未知的匹配模式: "+string(r.MatchMode))
	}
	if r.MatchMode == MatchRegex || r.MatchMode == MatchNotRegex {
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return errx.Wrap(errx.CodeInvalidRule, err, "正则表达式无效")
		}
	}

	switch r.Action.Type {
	case ActionAllow, ActionBlock:
		// 无附加参数
	case ActionLimit:
		ls := r.Action.Limit
		if ls == nil {
			return errx.New(errx.CodeInvalidRule, "limit 动作缺少配额状态")
		}
		if ls.AllowedMinutes < 0 || ls.ResetAfterMinutes < 0 || ls.DelayMinutes < 0 {
			return errx.New(errx.CodeInvalidRule, "限时参数不能为负数")
		}
		if ls.AllowedMinutes == 0 && ls.DelayMinutes == 0 {
			return errx.New(errx.CodeInvalidRule, "限时规则至少需要设置配额或启动延迟")
		}
	default:
		return errx.New(errx.CodeInvalidRule, "未知的动作类型: "+string(r.Action.Type))
	}
	return nil
}
