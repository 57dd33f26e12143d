// Package service 实现服务层：装配页面上下文并承接消息契约
package service

import (
	"context"
	"sync"
	"time"

	"sitelimit/internal/config"
	"sitelimit/internal/enforcer"
	"sitelimit/internal/logger"
	"sitelimit/internal/rulestore"
	"sitelimit/internal/scheduler"
	"sitelimit/internal/notice"
	"sitelimit/internal/settings"
	"sitelimit/internal/storage/model"
	"sitelimit/internal/storage/repo"
	"sitelimit/internal/uptime"
	"sitelimit/internal/watcher"
	"sitelimit/pkg/domain"
	"sitelimit/pkg/errx"
	"sitelimit/pkg/rulespec"

	"github.com/google/uuid"
)

// pageContext 单个页面上下文的实例图
// 规则存储、预言机等进程级组件显式注入共享；执行器、检测器与
// 裁决引擎每个上下文独立一份，"一个上下文至多一个监控循环"因此成立
type pageContext struct {
	id       domain.ContextID
	runner   *scheduler.Runner
	engine   *enforcer.Engine
	cancel   context.CancelFunc
	onToggle func(domain.FeatureToggle)
}

type svc struct {
	store    *rulestore.Store
	oracle   *uptime.Oracle
	popup    *settings.Repo
	verdicts *repo.VerdictRepo
	cfg      *config.Config
	log      logger.Logger

	mu       sync.Mutex
	contexts map[domain.ContextID]*pageContext
}

// New 创建服务层实例
// verdicts 可为 nil，此时不落库裁决历史
func New(store *rulestore.Store, oracle *uptime.Oracle, popup *settings.Repo, verdicts *repo.VerdictRepo, cfg *config.Config, l logger.Logger) *svc {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &svc{
		store:    store,
		oracle:   oracle,
		popup:    popup,
		verdicts: verdicts,
		cfg:      cfg,
		log:      l,
		contexts: make(map[domain.ContextID]*pageContext),
	}
}

// recordingRedirector 在转发重定向契约的同时落库裁决历史
type recordingRedirector struct {
	id       domain.ContextID
	inner    enforcer.Redirector
	verdicts *repo.VerdictRepo
	now      func() time.Time
}

func (r *recordingRedirector) Redirect(p notice.Params) {
	r.verdicts.Record(model.VerdictRecord{
		ContextID: string(r.id),
		URL:       p.TargetURL,
		RuleTitle: p.RuleTitle,
		Reason:    string(p.Reason),
		AllowedAt: p.AllowedAt,
		Timestamp: r.now().UnixMilli(),
	})
	r.inner.Redirect(p)
}

// StartContext 装配并启动一个页面上下文
// source 为地址源，redirect 承接重定向契约，onToggle 可为 nil
// （未运行内容隐藏逻辑的上下文收不到广播是预期的良性情形）
func (s *svc) StartContext(ctx context.Context, source watcher.AddressFunc, redirect enforcer.Redirector, onToggle func(domain.FeatureToggle)) (domain.ContextID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := domain.ContextID(uuid.New().String())
	pcCtx, cancel := context.WithCancel(ctx)

	if s.verdicts != nil {
		redirect = &recordingRedirector{id: id, inner: redirect, verdicts: s.verdicts, now: time.Now}
	}

	runner := scheduler.New(time.Duration(s.cfg.Tick.NavigationMS)*time.Millisecond, s.log)
	engine := enforcer.New(s.store, s.oracle, redirect, s.log)
	engine.SetMonitorInterval(time.Duration(s.cfg.Tick.MonitorMS) * time.Millisecond)

	w := watcher.New(source, runner)
	w.AddListener(func(url string) {
		if err := engine.OnNavigation(pcCtx, url); err != nil {
			s.log.Err(err, "导航裁决失败", "context", string(id), "url", url)
		}
	})

	runner.Run(pcCtx)

	s.contexts[id] = &pageContext{
		id:       id,
		runner:   runner,
		engine:   engine,
		cancel:   cancel,
		onToggle: onToggle,
	}
	s.log.Info("页面上下文已启动", "context", string(id))
	return id, nil
}

// StopContext 销毁页面上下文，停止其轮询与监控循环
func (s *svc) StopContext(id domain.ContextID) error {
	s.mu.Lock()
	pc, ok := s.contexts[id]
	if ok {
		delete(s.contexts, id)
	}
	s.mu.Unlock()

	if !ok {
		return errx.New(errx.CodeContextNotFound, "页面上下文不存在: "+string(id))
	}

	pc.engine.StopMonitor()
	pc.runner.Stop()
	pc.cancel()
	s.log.Info("页面上下文已停止", "context", string(id))
	return nil
}

// Close 停止全部页面上下文
func (s *svc) Close() {
	s.mu.Lock()
	contexts := make([]*pageContext, 0, len(s.contexts))
	for _, pc := range s.contexts {
		contexts = append(contexts, pc)
	}
	s.contexts = make(map[domain.ContextID]*pageContext)
	s.mu.Unlock()

	for _, pc := range contexts {
		pc.engine.StopMonitor()
		pc.runner.Stop()
		pc.cancel()
	}
}

// ListRules 返回规则序列副本
func (s *svc) ListRules(ctx context.Context) []rulespec.Rule {
	s.store.EnsureLoaded(ctx)
	return s.store.GetAll()
}

// AddRule 新增规则
func (s *svc) AddRule(ctx context.Context, r rulespec.Rule) (rulespec.Rule, error) {
	s.store.EnsureLoaded(ctx)
	return s.store.Add(ctx, r)
}

// UpdateRule 部分更新规则
func (s *svc) UpdateRule(ctx context.Context, id string, p rulestore.Patch) (rulespec.Rule, error) {
	s.store.EnsureLoaded(ctx)
	return s.store.Update(ctx, id, p)
}

// DeleteRule 删除规则
func (s *svc) DeleteRule(ctx context.Context, id string) bool {
	s.store.EnsureLoaded(ctx)
	return s.store.Delete(ctx, id)
}

// ToggleRule 翻转规则启用状态
func (s *svc) ToggleRule(ctx context.Context, id string) (rulespec.Rule, error) {
	s.store.EnsureLoaded(ctx)
	return s.store.ToggleEnabled(ctx, id)
}

// ReorderRules 重排规则序列
func (s *svc) ReorderRules(ctx context.Context, ids []string) {
	s.store.EnsureLoaded(ctx)
	s.store.Reorder(ctx, ids)
}

// ApplyPreset 应用预设：据预设目录构造规则并落库
func (s *svc) ApplyPreset(ctx context.Context, presetID string) (rulespec.Rule, error) {
	r, ok := rulespec.Preset(presetID)
	if !ok {
		return rulespec.Rule{}, errx.New(errx.CodePresetNotFound, "预设不存在: "+presetID)
	}
	s.store.EnsureLoaded(ctx)
	return s.store.Add(ctx, r)
}

// RecentVerdicts 查询最近的裁决历史，未配置裁决落库时返回空
func (s *svc) RecentVerdicts(ctx context.Context, limit int) ([]model.VerdictRecord, error) {
	if s.verdicts == nil {
		return nil, nil
	}
	return s.verdicts.Recent(ctx, limit)
}

// GetUptime 应答 getUptime 消息
func (s *svc) GetUptime(ctx context.Context) domain.UptimeReply {
	return domain.UptimeReply{UptimeSec: s.oracle.UptimeSeconds(ctx)}
}

// PopupSettings 读取内容隐藏偏好
func (s *svc) PopupSettings(ctx context.Context) settings.PopupSettings {
	return s.popup.Load(ctx)
}

// ToggleFeature 持久化功能开关并广播到全部页面上下文
// 页面上下文无需整页重载即可更新内容隐藏行为
func (s *svc) ToggleFeature(ctx context.Context, t domain.FeatureToggle) error {
	if err := s.popup.SetFeature(ctx, t.Feature, t.Enabled); err != nil {
		return err
	}

	s.mu.Lock()
	listeners := make([]func(domain.FeatureToggle), 0, len(s.contexts))
	for _, pc := range s.contexts {
		if pc.onToggle != nil {
			listeners = append(listeners, pc.onToggle)
		}
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(t)
	}
	s.log.Debug("功能开关已广播", "feature", string(t.Feature), "enabled", t.Enabled)
	return nil
}
