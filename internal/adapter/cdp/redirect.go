package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sitelimit/internal/logger"
	"sitelimit/internal/notice"
	"sitelimit/pkg/domain"

	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"
)

// redirectTimeout 单次导航指令的超时上限
const redirectTimeout = 3 * time.Second

// Redirector 把重定向契约落地为标签页导航：命中拦截或限额时
// 把标签页跳转到提示页，参数经查询串传递
type Redirector struct {
	session *TargetSession
	base    string // 提示页基址
	log     logger.Logger
}

// NewRedirector 创建指向提示页的重定向执行器
func NewRedirector(s *TargetSession, noticeBase string, l logger.Logger) *Redirector {
	if l == nil {
		l = logger.NewNop()
	}
	return &Redirector{session: s, base: noticeBase, log: l}
}

// Redirect 将标签页导航到提示页
func (r *Redirector) Redirect(p notice.Params) {
	if r.session == nil || r.session.Client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.session.Ctx, redirectTimeout)
	defer cancel()

	target := p.BuildURL(r.base)
	if _, err := r.session.Client.Page.Navigate(ctx, page.NewNavigateArgs(target)); err != nil {
		r.log.Err(err, "提示页跳转失败", "targetID", string(r.session.ID), "url", target)
		return
	}
	r.log.Info("已跳转提示页", "targetID", string(r.session.ID), "reason", string(p.Reason), "from", p.TargetURL)
}

// FeatureInjector 把功能开关广播落地为页面内脚本：
// 在页面全局写入开关状态，页面脚本据此隐藏或恢复内容
type FeatureInjector struct {
	session *TargetSession
	log     logger.Logger
}

// NewFeatureInjector 创建功能开关注入器
func NewFeatureInjector(s *TargetSession, l logger.Logger) *FeatureInjector {
	if l == nil {
		l = logger.NewNop()
	}
	return &FeatureInjector{session: s, log: l}
}

// Apply 把开关状态写入页面全局并派发变更事件，页面无需整页重载
func (f *FeatureInjector) Apply(t domain.FeatureToggle) {
	if f.session == nil || f.session.Client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(f.session.Ctx, redirectTimeout)
	defer cancel()

	name, _ := json.Marshal(string(t.Feature))
	expr := fmt.Sprintf(`(function(){
  window.__sitelimitFeatures = window.__sitelimitFeatures || {};
  window.__sitelimitFeatures[%s] = %t;
  window.dispatchEvent(new CustomEvent("sitelimit-feature", {detail: {feature: %s, enabled: %t}}));
})()`, name, t.Enabled, name, t.Enabled)

	if _, err := f.session.Client.Runtime.Evaluate(ctx, runtime.NewEvaluateArgs(expr)); err != nil {
		f.log.Err(err, "功能开关注入失败", "targetID", string(f.session.ID), "feature", string(t.Feature))
		return
	}
	f.log.Debug("功能开关已注入", "targetID", string(f.session.ID), "feature", string(t.Feature), "enabled", t.Enabled)
}
