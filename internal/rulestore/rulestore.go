// Package rulestore 管理有序规则序列及其持久化
package rulestore

import (
	"context"
	"encoding/json"
	"sync"

	"sitelimit/internal/logger"
	"sitelimit/internal/storage/model"
	"sitelimit/pkg/errx"
	"sitelimit/pkg/rulespec"
)

// KV 规则存储依赖的外部键值存储
// 生产实现为 storage/repo 的 SettingsRepo，测试使用内存伪实现
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// Store 规则存储
// 内存中的序列是外部存储的缓存，外部可能被其他页面上下文改写，
// 引擎在跨轮询周期信任计量字段前必须先 Load 刷新
type Store struct {
	kv  KV
	log logger.Logger

	mu     sync.Mutex
	rules  []rulespec.Rule
	loaded bool
}

// New 创建规则存储实例
func New(kv KV, l logger.Logger) *Store {
	if l == nil {
		l = logger.NewNop()
	}
	return &Store{kv: kv, log: l}
}

// Load 从外部存储整体加载规则序列，替换内存缓存
// 不存在或读取/解析失败时降级为空序列，只记录日志不向上传播
func (s *Store) Load(ctx context.Context) []rulespec.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.kv.Get(ctx, model.SettingKeySiteRules)
	if err != nil || raw == "" {
		if err != nil {
			s.log.Warn("加载规则失败，使用空规则集", "error", err.Error())
		}
		s.rules = nil
		s.loaded = true
		return nil
	}

	var rules []rulespec.Rule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		s.log.Err(err, "规则数据解析失败，使用空规则集")
		s.rules = nil
		s.loaded = true
		return nil
	}

	s.rules = rules
	s.loaded = true
	return s.copyLocked()
}

// EnsureLoaded 惰性加载：首次访问时从外部存储读取，之后复用缓存
func (s *Store) EnsureLoaded(ctx context.Context) {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	if !loaded {
		s.Load(ctx)
	}
}

// Save 将当前内存序列整体持久化
// 持久化失败只记录日志（尽力而为语义），不影响内存状态
func (s *Store) Save(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked(ctx)
}

func (s *Store) saveLocked(ctx context.Context) {
	data, err := json.Marshal(s.rules)
	if err != nil {
		s.log.Err(err, "规则序列化失败")
		return
	}
	if err := s.kv.Set(ctx, model.SettingKeySiteRules, string(data)); err != nil {
		s.log.Err(err, "规则持久化失败")
	}
}

// Add 校验并追加一条新规则（分配新 ID），随后持久化
func (s *Store) Add(ctx context.Context, r rulespec.Rule) (rulespec.Rule, error) {
	if err := r.Validate(); err != nil {
		return rulespec.Rule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// 无论入参是否带 ID，落库时都重新分配，保证 ID 唯一且由存储层掌控
	assigned := rulespec.NewRule(r.Title)
	r.ID = assigned.ID
	s.rules = append(s.rules, cloneRule(r))
	s.saveLocked(ctx)
	return r, nil
}

// Patch 规则的部分更新字段，nil 表示保持原值
type Patch struct {
	Title     *string
	Pattern   *string
	MatchMode *rulespec.MatchMode
	Enabled   *bool
	Action    *rulespec.Action
}

// Update 按 ID 更新规则内容，ID 与序列位置保持不变
func (s *Store) Update(ctx context.Context, id string, p Patch) (rulespec.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return rulespec.Rule{}, errx.New(errx.CodeRuleNotFound, "规则不存在: "+id)
	}

	updated := s.rules[idx]
	if p.Title != nil {
		updated.Title = *p.Title
	}
	if p.Pattern != nil {
		updated.Pattern = *p.Pattern
	}
	if p.MatchMode != nil {
		updated.MatchMode = *p.MatchMode
	}
	if p.Enabled != nil {
		updated.Enabled = *p.Enabled
	}
	if p.Action != nil {
		updated.Action = *p.Action
	}

	if err := updated.Validate(); err != nil {
		return rulespec.Rule{}, err
	}

	s.rules[idx] = updated
	s.saveLocked(ctx)
	return updated, nil
}

// ReplaceLimitState 替换限时规则的配额状态并持久化
// 供引擎在计量时使用，非 limit 规则调用视为规则已被用户改写
func (s *Store) ReplaceLimitState(ctx context.Context, id string, ls rulespec.LimitState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return errx.New(errx.CodeRuleNotFound, "规则不存在: "+id)
	}
	if s.rules[idx].Action.Type != rulespec.ActionLimit {
		return errx.New(errx.CodeRuleNotFound, "规则已不再是限时动作: "+id)
	}

	state := ls
	s.rules[idx].Action.Limit = &state
	s.saveLocked(ctx)
	return nil
}

// Delete 按 ID 删除规则，返回是否确有删除
func (s *Store) Delete(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return false
	}
	s.rules = append(s.rules[:idx], s.rules[idx+1:]...)
	s.saveLocked(ctx)
	return true
}

// ToggleEnabled 翻转规则的启用状态
func (s *Store) ToggleEnabled(ctx context.Context, id string) (rulespec.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return rulespec.Rule{}, errx.New(errx.CodeRuleNotFound, "规则不存在: "+id)
	}
	s.rules[idx].Enabled = !s.rules[idx].Enabled
	s.saveLocked(ctx)
	return s.rules[idx], nil
}

// Reorder 按给定 ID 序列重排规则
// 序列中缺失的规则按原有相对顺序追加到末尾，防止有损的重排输入丢规则
func (s *Store) Reorder(ctx context.Context, ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[string]rulespec.Rule, len(s.rules))
	for _, r := range s.rules {
		byID[r.ID] = r
	}

	reordered := make([]rulespec.Rule, 0, len(s.rules))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		r, ok := byID[id]
		if !ok {
			// 未知 ID 静默忽略
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		reordered = append(reordered, r)
	}

	// 安全网：遗漏的规则保持原相对顺序补到末尾
	for _, r := range s.rules {
		if _, ok := seen[r.ID]; !ok {
			reordered = append(reordered, r)
		}
	}

	s.rules = reordered
	s.saveLocked(ctx)
}

// GetByID 按 ID 查找规则
func (s *Store) GetByID(id string) (rulespec.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return rulespec.Rule{}, errx.New(errx.CodeRuleNotFound, "规则不存在: "+id)
	}
	return cloneRule(s.rules[idx]), nil
}

// GetAll 返回当前序列的副本
func (s *Store) GetAll() []rulespec.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

func (s *Store) copyLocked() []rulespec.Rule {
	out := make([]rulespec.Rule, len(s.rules))
	for i, r := range s.rules {
		out[i] = cloneRule(r)
	}
	return out
}

// cloneRule 深拷贝规则，避免配额状态指针在调用方与缓存间共享
func cloneRule(r rulespec.Rule) rulespec.Rule {
	if r.Action.Limit != nil {
		ls := *r.Action.Limit
		r.Action.Limit = &ls
	}
	return r
}

func (s *Store) indexLocked(id string) int {
	for i := range s.rules {
		if s.rules[i].ID == id {
			return i
		}
	}
	return -1
}
