package api

import (
	"context"

	"sitelimit/internal/config"
	"sitelimit/internal/enforcer"
	"sitelimit/internal/logger"
	"sitelimit/internal/rulestore"
	"sitelimit/internal/service"
	"sitelimit/internal/settings"
	"sitelimit/internal/storage/model"
	"sitelimit/internal/storage/repo"
	"sitelimit/internal/uptime"
	"sitelimit/internal/watcher"
	"sitelimit/pkg/domain"
	"sitelimit/pkg/rulespec"
)

// Service 服务接口
type Service interface {
	// StartContext 启动页面上下文
	StartContext(ctx context.Context, source watcher.AddressFunc, redirect enforcer.Redirector, onToggle func(domain.FeatureToggle)) (domain.ContextID, error)

	// StopContext 停止页面上下文
	StopContext(id domain.ContextID) error

	// Close 停止全部页面上下文
	Close()

	// ListRules 列出规则
	ListRules(ctx context.Context) []rulespec.Rule

	// AddRule 新增规则
	AddRule(ctx context.Context, r rulespec.Rule) (rulespec.Rule, error)

	// UpdateRule 部分更新规则
	UpdateRule(ctx context.Context, id string, p rulestore.Patch) (rulespec.Rule, error)

	// DeleteRule 删除规则
	DeleteRule(ctx context.Context, id string) bool

	// ToggleRule 翻转规则启用状态
	ToggleRule(ctx context.Context, id string) (rulespec.Rule, error)

	// ReorderRules 重排规则序列
	ReorderRules(ctx context.Context, ids []string)

	// ApplyPreset 应用预设规则
	ApplyPreset(ctx context.Context, presetID string) (rulespec.Rule, error)

	// RecentVerdicts 查询最近的裁决历史
	RecentVerdicts(ctx context.Context, limit int) ([]model.VerdictRecord, error)

	// GetUptime 获取系统运行时长
	GetUptime(ctx context.Context) domain.UptimeReply

	// PopupSettings 读取内容隐藏偏好
	PopupSettings(ctx context.Context) settings.PopupSettings

	// ToggleFeature 切换功能开关并广播
	ToggleFeature(ctx context.Context, t domain.FeatureToggle) error
}

// NewService 创建并返回服务接口实现
func NewService(store *rulestore.Store, oracle *uptime.Oracle, popup *settings.Repo, verdicts *repo.VerdictRepo, cfg *config.Config, l logger.Logger) Service {
	return service.New(store, oracle, popup, verdicts, cfg, l)
}
