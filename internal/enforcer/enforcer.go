// Package enforcer 实现规则裁决核心：导航事件分派与限时子协议
package enforcer

import (
	"context"
	"sync"
	"time"

	"sitelimit/internal/logger"
	"sitelimit/internal/matcher"
	"sitelimit/internal/notice"
	"sitelimit/internal/rulestore"
	"sitelimit/internal/uptime"
	"sitelimit/pkg/rulespec"
)

const (
	// FreshnessWindow 计量新鲜度窗口：距上次计量超过该时长的间隔不计入使用量，
	// 以此限制标签页挂起/关闭造成的计量误差，避免把空闲时间算作使用
	FreshnessWindow = 30 * time.Second

	// MonitorInterval 监控循环的轮询间隔
	MonitorInterval = 5 * time.Second
)

// Redirector 重定向契约的接收方，由提示页承接
type Redirector interface {
	Redirect(p notice.Params)
}

// Engine 裁决引擎
// 每个页面上下文持有独立实例；同一实例同时最多运行一个监控循环
type Engine struct {
	store    *rulestore.Store
	oracle   *uptime.Oracle
	redirect Redirector
	log      logger.Logger

	now             func() time.Time
	monitorInterval time.Duration

	mu          sync.Mutex
	currentURL  string
	monitoring  bool
	monitorStop chan struct{}
}

// New 创建裁决引擎
func New(store *rulestore.Store, oracle *uptime.Oracle, r Redirector, l logger.Logger) *Engine {
	if l == nil {
		l = logger.NewNop()
	}
	return &Engine{
		store:           store,
		oracle:          oracle,
		redirect:        r,
		log:             l,
		now:             time.Now,
		monitorInterval: MonitorInterval,
	}
}

// SetNow 注入时钟，仅测试使用
func (e *Engine) SetNow(now func() time.Time) { e.now = now }

// SetMonitorInterval 覆盖监控轮询间隔，仅测试与配置调优使用
func (e *Engine) SetMonitorInterval(d time.Duration) {
	if d > 0 {
		e.monitorInterval = d
	}
}

// OnNavigation 处理一次导航事件：取首个命中的启用规则并分派其动作
// 无命中即隐式放行。匹配器返回的错误属于编程级故障，向上传播
func (e *Engine) OnNavigation(ctx context.Context, url string) error {
	e.mu.Lock()
	e.currentURL = url
	e.mu.Unlock()

	e.store.EnsureLoaded(ctx)

	rule, found, err := e.findMatch(url)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	switch rule.Action.Type {
	case rulespec.ActionAllow:
		e.log.Debug("命中放行规则", "rule", rule.Title, "url", url)
		return nil
	case rulespec.ActionBlock:
		e.log.Info("命中拦截规则", "rule", rule.Title, "url", url)
		e.redirect.Redirect(notice.Params{
			Reason:    notice.ReasonBlock,
			TargetURL: url,
			RuleTitle: rule.Title,
		})
		return nil
	case rulespec.ActionLimit:
		return e.applyLimit(ctx, rule, url)
	default:
		// 类型系统应使此分支不可达
		e.log.Error("未知的动作类型", "type", string(rule.Action.Type), "rule", rule.ID)
		return nil
	}
}

// findMatch 按序列顺序查找首个命中的启用规则
func (e *Engine) findMatch(url string) (rulespec.Rule, bool, error) {
	for _, r := range e.store.GetAll() {
		if !r.Enabled {
			continue
		}
		ok, err := matcher.Matches(r.MatchMode, url, r.Pattern)
		if err != nil {
			return rulespec.Rule{}, false, err
		}
		if ok {
			return r, true, nil
		}
	}
	return rulespec.Rule{}, false, nil
}

// applyLimit 限时子协议：计量 -> 延迟闸 -> 配额闸 -> 准入并监控
func (e *Engine) applyLimit(ctx context.Context, rule rulespec.Rule, url string) error {
	// Step A: 计量本次访问并持久化
	ls := e.updateUsage(ctx, rule)

	now := e.now()

	// Step B: 延迟闸——进程运行时长未跨过启动延迟时拒绝
	delaySeconds := ls.DelayMinutes * 60
	up := e.oracle.UptimeSeconds(ctx)
	if delaySeconds > float64(up) {
		allowedAt := now.UnixMilli() + int64((delaySeconds-float64(up))*1000)
		e.log.Info("启动延迟未到", "rule", rule.Title, "uptimeSec", up)
		e.redirect.Redirect(notice.Params{
			Reason:    notice.ReasonLimit,
			TargetURL: url,
			RuleTitle: rule.Title,
			AllowedAt: allowedAt,
		})
		return nil
	}

	// Step C: 配额闸——窗口内用量已达上限时拒绝
	if quotaExhausted(ls) {
		e.log.Info("配额已耗尽", "rule", rule.Title, "usedMinutes", ls.UsedMinutes)
		e.redirect.Redirect(limitParams(rule.Title, url, ls))
		return nil
	}

	// Step D: 准入，页面停留期间启动监控循环（至多一个）
	e.startMonitor(ctx, rule.ID)
	return nil
}

// updateUsage 计量一次使用并持久化，返回更新后的配额状态
// 距上次计量 ≤ 新鲜度窗口时按实际间隔累加用量；
// 窗口超期时惰性重置（每个超期窗口恰好一次）；无论如何刷新 LastUsedAt
func (e *Engine) updateUsage(ctx context.Context, rule rulespec.Rule) rulespec.LimitState {
	nowMS := e.now().UnixMilli()
	ls := *rule.Action.Limit

	if gap := nowMS - ls.LastUsedAt; gap >= 0 && gap <= FreshnessWindow.Milliseconds() {
		ls.UsedMinutes += float64(gap) / 60000
	}

	if ls.ResetAfterMinutes > 0 && nowMS-ls.LastResetAt >= int64(ls.ResetAfterMinutes*60000) {
		ls.UsedMinutes = 0
		ls.LastResetAt = nowMS
	}

	ls.LastUsedAt = nowMS

	if err := e.store.ReplaceLimitState(ctx, rule.ID, ls); err != nil {
		// 规则可能已被并发删除或改写，按正常状态迁移处理
		e.log.Warn("配额状态持久化跳过", "rule", rule.ID, "reason", err.Error())
	}
	return ls
}

// quotaExhausted 判断窗口内用量是否已达上限，配额为 0 表示不限制
func quotaExhausted(ls rulespec.LimitState) bool {
	return ls.AllowedMinutes > 0 && ls.UsedMinutes >= ls.AllowedMinutes
}

// limitParams 构造配额耗尽的重定向参数，解封时刻为当前窗口的重置时刻
func limitParams(title, url string, ls rulespec.LimitState) notice.Params {
	return notice.Params{
		Reason:    notice.ReasonLimit,
		TargetURL: url,
		RuleTitle: title,
		AllowedAt: ls.LastResetAt + int64(ls.ResetAfterMinutes*60000),
	}
}

// startMonitor 启动监控循环，已有循环在运行时直接返回
func (e *Engine) startMonitor(ctx context.Context, ruleID string) {
	e.mu.Lock()
	if e.monitoring {
		e.mu.Unlock()
		return
	}
	e.monitoring = true
	stop := make(chan struct{})
	e.monitorStop = stop
	e.mu.Unlock()

	go e.monitorLoop(ctx, ruleID, stop)
}

// Monitoring 返回监控循环是否在运行
func (e *Engine) Monitoring() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.monitoring
}

// StopMonitor 取消正在运行的监控循环（页面上下文销毁时调用）
func (e *Engine) StopMonitor() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopMonitorLocked()
}

func (e *Engine) stopMonitorLocked() {
	if e.monitoring && e.monitorStop != nil {
		close(e.monitorStop)
		e.monitorStop = nil
		e.monitoring = false
	}
}

// monitorLoop 监控循环：页面停留在命中地址期间持续计量与验额
// 每拍从外部存储整体重载规则再按 ID 取用，不信任内存中的旧计量值
func (e *Engine) monitorLoop(ctx context.Context, ruleID string, stop chan struct{}) {
	ticker := time.NewTicker(e.monitorInterval)
	defer ticker.Stop()
	defer e.clearMonitoring(stop)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if done := e.monitorTick(ctx, ruleID); done {
				return
			}
		}
	}
}

// monitorTick 单次监控检查，返回 true 表示循环应退出
func (e *Engine) monitorTick(ctx context.Context, ruleID string) bool {
	e.store.Load(ctx)

	rule, err := e.store.GetByID(ruleID)
	if err != nil {
		// 规则已删除，正常退出
		e.log.Debug("监控退出：规则已删除", "rule", ruleID)
		return true
	}

	e.mu.Lock()
	url := e.currentURL
	e.mu.Unlock()

	// 规则被禁用、不再命中当前地址、或不再是限时动作时静默退出，
	// 这些都是正常的状态迁移而非故障
	if !rule.Enabled || rule.Action.Type != rulespec.ActionLimit {
		e.log.Debug("监控退出：规则已禁用或动作已变更", "rule", ruleID)
		return true
	}
	ok, err := matcher.Matches(rule.MatchMode, url, rule.Pattern)
	if err != nil || !ok {
		e.log.Debug("监控退出：当前地址不再命中", "rule", ruleID, "url", url)
		return true
	}

	// 用新加载的值复查配额闸
	if quotaExhausted(*rule.Action.Limit) {
		e.log.Info("监控中配额耗尽", "rule", rule.Title, "usedMinutes", rule.Action.Limit.UsedMinutes)
		e.redirect.Redirect(limitParams(rule.Title, url, *rule.Action.Limit))
		return true
	}

	e.updateUsage(ctx, rule)
	return false
}

// clearMonitoring 监控循环退出时复位运行标记
// 仅当标记仍属于本循环时复位，避免误清后继循环的状态
func (e *Engine) clearMonitoring(stop chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.monitorStop == stop {
		e.monitorStop = nil
		e.monitoring = false
	}
}
