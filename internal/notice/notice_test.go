package notice_test

import (
	"net/url"
	"testing"
	"time"

	"sitelimit/internal/notice"
)

// TestParams_RoundTrip 测试参数编码与解析的往返
func TestParams_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		p    notice.Params
	}{
		{"拦截", notice.Params{
			Reason:    notice.ReasonBlock,
			TargetURL: "https://youtube.com/shorts/xyz?t=1&x=中文",
			RuleTitle: "屏蔽 Shorts",
		}},
		{"限时", notice.Params{
			Reason:    notice.ReasonLimit,
			TargetURL: "https://bilibili.com/video/1",
			RuleTitle: "B站限时",
			AllowedAt: 1_756_512_000_000,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.p.BuildURL("/notice")
			u, err := url.Parse(raw)
			if err != nil {
				t.Fatalf("构造的地址无法解析: %v", err)
			}

			got, ok := notice.ParseValues(u.Query())
			if !ok {
				t.Fatal("解析应成功")
			}
			if got != tt.p {
				t.Errorf("往返结果不符:\n存入: %+v\n读出: %+v", tt.p, got)
			}
		})
	}
}

// TestParseValues_Invalid 测试缺失或损坏参数返回 ok=false
func TestParseValues_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"空查询串", ""},
		{"未知原因", "reason=teapot&targetUrl=https%3A%2F%2Fa.com"},
		{"limit 缺少解封时刻", "reason=limit&targetUrl=https%3A%2F%2Fa.com&ruleTitle=x"},
		{"limit 时刻损坏", "reason=limit&targetUrl=https%3A%2F%2Fa.com&allowedAt=soon"},
		{"缺少目标地址", "reason=block&ruleTitle=x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := url.ParseQuery(tt.query)
			if _, ok := notice.ParseValues(v); ok {
				t.Error("非法参数应返回 ok=false")
			}
		})
	}
}

// TestCountdown 测试倒计时计算与到期判定
func TestCountdown(t *testing.T) {
	allowedAt := time.UnixMilli(1_756_512_000_000)
	c := notice.Countdown{AllowedAt: allowedAt.UnixMilli()}

	before := allowedAt.Add(-90 * time.Second)
	if got := c.Remaining(before); got != 90*time.Second {
		t.Errorf("剩余时长预期 90s，实际 %v", got)
	}
	if c.Due(before) {
		t.Error("未到期不应判定为到期")
	}

	if !c.Due(allowedAt) {
		t.Error("恰好到期应判定为到期")
	}

	after := allowedAt.Add(time.Second)
	if got := c.Remaining(after); got != 0 {
		t.Errorf("过期后剩余时长应为 0，实际 %v", got)
	}
	if !c.Due(after) {
		t.Error("过期后应判定为到期")
	}
}
