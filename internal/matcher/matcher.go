// Package matcher 实现 URL 与规则匹配串的纯函数比对
package matcher

import (
	"strings"

	"sitelimit/internal/regexutil"
	"sitelimit/pkg/errx"
	"sitelimit/pkg/rulespec"
)

// regexCache 进程级正则编译缓存，匹配为只读操作，可安全共享
var regexCache = regexutil.New()

// Matches 判断 url 在给定匹配模式下是否命中 pattern
// 反向模式是对应正向模式的精确逻辑取反，不携带独立语义；
// 未知模式属于编程错误，返回错误而非静默视为不匹配
func Matches(mode rulespec.MatchMode, url, pattern string) (bool, error) {
	if mode.IsNegated() {
		ok, err := Matches(mode.Positive(), url, pattern)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}

	switch mode {
	case rulespec.MatchEquals:
		return url == pattern, nil
	case rulespec.MatchStartsWith:
		return strings.HasPrefix(url, pattern), nil
	case rulespec.MatchEndsWith:
		return strings.HasSuffix(url, pattern), nil
	case rulespec.MatchContains:
		return strings.Contains(url, pattern), nil
	case rulespec.MatchRegex:
		return regexCache.Match(url, pattern)
	default:
		return false, errx.New(errx.CodeUnknownMatchMode, "未知的匹配模式: "+string(mode))
	}
}
