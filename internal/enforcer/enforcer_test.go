package enforcer_test

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"sitelimit/internal/enforcer"
	"sitelimit/internal/logger"
	"sitelimit/internal/notice"
	"sitelimit/internal/rulestore"
	"sitelimit/internal/uptime"
	"sitelimit/pkg/rulespec"
)

// fakeKV 内存键值存储伪实现
type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeKV() *fakeKV { return &fakeKV{data: make(map[string]string)} }

func (f *fakeKV) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[key], nil
}

func (f *fakeKV) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

// redirectRecorder 记录重定向调用的伪提示页
type redirectRecorder struct {
	mu    sync.Mutex
	calls []notice.Params
}

func (r *redirectRecorder) Redirect(p notice.Params) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, p)
}

func (r *redirectRecorder) snapshot() []notice.Params {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notice.Params, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *redirectRecorder) waitCount(t *testing.T, n int) []notice.Params {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		got := r.snapshot()
		if len(got) >= n {
			return got
		}
		select {
		case <-deadline:
			t.Fatalf("等待 %d 次重定向超时，已收到: %+v", n, got)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// fakeClock 可推进的测试时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_756_512_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fixture 组装一套独立的引擎实例图
type fixture struct {
	kv     *fakeKV
	store  *rulestore.Store
	oracle *uptime.Oracle
	sink   *redirectRecorder
	clock  *fakeClock
	engine *enforcer.Engine
}

func newFixture() *fixture {
	kv := newFakeKV()
	store := rulestore.New(kv, logger.NewNop())
	oracle := uptime.New(kv, logger.NewNop())
	sink := &redirectRecorder{}
	clock := newFakeClock()
	oracle.SetNow(clock.Now)
	eng := enforcer.New(store, oracle, sink, logger.NewNop())
	eng.SetNow(clock.Now)
	return &fixture{kv: kv, store: store, oracle: oracle, sink: sink, clock: clock, engine: eng}
}

func (f *fixture) addBlock(t *testing.T, title, pattern string) rulespec.Rule {
	t.Helper()
	r := rulespec.NewRule(title)
	r.Pattern = pattern
	r.Action = rulespec.Action{Type: rulespec.ActionBlock}
	added, err := f.store.Add(context.Background(), r)
	if err != nil {
		t.Fatalf("新增规则失败: %v", err)
	}
	return added
}

func (f *fixture) addAllow(t *testing.T, title, pattern string) rulespec.Rule {
	t.Helper()
	r := rulespec.NewRule(title)
	r.Pattern = pattern
	r.Action = rulespec.Action{Type: rulespec.ActionAllow}
	added, err := f.store.Add(context.Background(), r)
	if err != nil {
		t.Fatalf("新增规则失败: %v", err)
	}
	return added
}

func (f *fixture) addLimit(t *testing.T, title, pattern string, ls rulespec.LimitState) rulespec.Rule {
	t.Helper()
	r := rulespec.NewRule(title)
	r.Pattern = pattern
	state := ls
	r.Action = rulespec.Action{Type: rulespec.ActionLimit, Limit: &state}
	added, err := f.store.Add(context.Background(), r)
	if err != nil {
		t.Fatalf("新增规则失败: %v", err)
	}
	return added
}

// TestEngine_BlockRedirect 端到端：命中拦截规则触发 block 重定向
func TestEngine_BlockRedirect(t *testing.T) {
	f := newFixture()
	f.addBlock(t, "屏蔽 Shorts", "youtube.com/shorts")

	url := "https://youtube.com/shorts/xyz"
	if err := f.engine.OnNavigation(context.Background(), url); err != nil {
		t.Fatalf("导航处理失败: %v", err)
	}

	calls := f.sink.snapshot()
	if len(calls) != 1 {
		t.Fatalf("预期一次重定向，实际 %d 次", len(calls))
	}
	got := calls[0]
	if got.Reason != notice.ReasonBlock || got.TargetURL != url || got.RuleTitle != "屏蔽 Shorts" {
		t.Errorf("重定向参数不符: %+v", got)
	}
}

// TestEngine_NoMatchImplicitAllow 无命中与全禁用时隐式放行
func TestEngine_NoMatchImplicitAllow(t *testing.T) {
	f := newFixture()
	blocked := f.addBlock(t, "屏蔽", "blocked.example")

	if err := f.engine.OnNavigation(context.Background(), "https://other.example/"); err != nil {
		t.Fatalf("导航处理失败: %v", err)
	}
	if len(f.sink.snapshot()) != 0 {
		t.Error("无命中不应触发重定向")
	}

	// 禁用唯一命中规则后同样放行
	if _, err := f.store.ToggleEnabled(context.Background(), blocked.ID); err != nil {
		t.Fatalf("禁用失败: %v", err)
	}
	if err := f.engine.OnNavigation(context.Background(), "https://blocked.example/"); err != nil {
		t.Fatalf("导航处理失败: %v", err)
	}
	if len(f.sink.snapshot()) != 0 {
		t.Error("唯一命中规则被禁用后不应触发重定向")
	}
}

// TestEngine_FirstMatchWins 序列顺序决定生效规则
func TestEngine_FirstMatchWins(t *testing.T) {
	f := newFixture()
	allow := f.addAllow(t, "放行", "example.com")
	block := f.addBlock(t, "拦截", "example.com")

	// 放行规则在前：不重定向
	if err := f.engine.OnNavigation(context.Background(), "https://example.com/a"); err != nil {
		t.Fatalf("导航处理失败: %v", err)
	}
	if len(f.sink.snapshot()) != 0 {
		t.Error("首个命中为放行规则时不应重定向")
	}

	// 调换顺序后拦截规则先命中
	f.store.Reorder(context.Background(), []string{block.ID, allow.ID})
	if err := f.engine.OnNavigation(context.Background(), "https://example.com/b"); err != nil {
		t.Fatalf("导航处理失败: %v", err)
	}
	if got := f.sink.waitCount(t, 1); got[0].Reason != notice.ReasonBlock {
		t.Errorf("重排后预期 block 重定向: %+v", got)
	}
}

// TestEngine_ReorderNonMatching 重排不命中的规则不改变裁决
func TestEngine_ReorderNonMatching(t *testing.T) {
	f := newFixture()
	other := f.addBlock(t, "无关", "unrelated.example")
	hit := f.addBlock(t, "命中", "target.example")

	f.store.Reorder(context.Background(), []string{hit.ID, other.ID})
	if err := f.engine.OnNavigation(context.Background(), "https://target.example/"); err != nil {
		t.Fatalf("导航处理失败: %v", err)
	}

	calls := f.sink.snapshot()
	if len(calls) != 1 || calls[0].RuleTitle != "命中" {
		t.Errorf("生效规则不应受无关规则位置影响: %+v", calls)
	}
}

// TestEngine_UsageAccounting 计量：新鲜间隔累加，超窗间隔不计
func TestEngine_UsageAccounting(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	now := f.clock.Now().UnixMilli()

	rule := f.addLimit(t, "限时", "site.example", rulespec.LimitState{
		AllowedMinutes:    100,
		ResetAfterMinutes: 600,
		UsedMinutes:       1,
		LastResetAt:       now,
		LastUsedAt:        now - 1000, // 1 秒前计量过
	})

	if err := f.engine.OnNavigation(ctx, "https://site.example/"); err != nil {
		t.Fatalf("导航处理失败: %v", err)
	}
	f.engine.StopMonitor()

	got, _ := f.store.GetByID(rule.ID)
	wantUsed := 1 + 1.0/60
	if math.Abs(got.Action.Limit.UsedMinutes-wantUsed) > 1e-9 {
		t.Errorf("1 秒间隔预期累加 1/60 分钟: used=%v", got.Action.Limit.UsedMinutes)
	}
	if got.Action.Limit.LastUsedAt != now {
		t.Errorf("LastUsedAt 未刷新: %d", got.Action.Limit.LastUsedAt)
	}

	// 距上次计量 31 秒：该间隔不计入用量
	f.clock.Advance(31 * time.Second)
	if err := f.engine.OnNavigation(ctx, "https://site.example/page2"); err != nil {
		t.Fatalf("导航处理失败: %v", err)
	}
	f.engine.StopMonitor()

	got, _ = f.store.GetByID(rule.ID)
	if math.Abs(got.Action.Limit.UsedMinutes-wantUsed) > 1e-9 {
		t.Errorf("超窗间隔不应累加用量: used=%v", got.Action.Limit.UsedMinutes)
	}
	if got.Action.Limit.LastUsedAt != f.clock.Now().UnixMilli() {
		t.Error("超窗间隔后 LastUsedAt 仍应刷新")
	}
}

// TestEngine_LazyReset 窗口超期时惰性重置用量
func TestEngine_LazyReset(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	resetAt := f.clock.Now().UnixMilli()

	rule := f.addLimit(t, "限时", "site.example", rulespec.LimitState{
		AllowedMinutes:    10,
		ResetAfterMinutes: 60,
		UsedMinutes:       10,
		LastResetAt:       resetAt,
		LastUsedAt:        resetAt,
	})

	// 窗口过期 1 毫秒后访问：重置并放行
	f.clock.Advance(time.Hour + time.Millisecond)
	if err := f.engine.OnNavigation(ctx, "https://site.example/"); err != nil {
		t.Fatalf("导航处理失败: %v", err)
	}
	f.engine.StopMonitor()

	if len(f.sink.snapshot()) != 0 {
		t.Error("重置后的访问不应被拒绝")
	}
	got, _ := f.store.GetByID(rule.ID)
	if got.Action.Limit.UsedMinutes != 0 {
		t.Errorf("用量未归零: %v", got.Action.Limit.UsedMinutes)
	}
	if got.Action.Limit.LastResetAt != f.clock.Now().UnixMilli() {
		t.Errorf("LastResetAt 未更新为调用时刻: %d", got.Action.Limit.LastResetAt)
	}
}

// TestEngine_QuotaGate 端到端：配额耗尽触发 limit 重定向
func TestEngine_QuotaGate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// 进程已运行 1 小时，延迟闸不拦
	f.oracle.MarkStartup(ctx)
	f.clock.Advance(time.Hour)
	resetAt := f.clock.Now().UnixMilli() - 1000

	f.addLimit(t, "B站限时", "bilibili.com", rulespec.LimitState{
		AllowedMinutes:    10,
		ResetAfterMinutes: 60,
		UsedMinutes:       10,
		LastResetAt:       resetAt,
		LastUsedAt:        f.clock.Now().UnixMilli() - 31_000, // 间隔超窗，用量维持 10
	})

	url := "https://bilibili.com/video/1"
	if err := f.engine.OnNavigation(ctx, url); err != nil {
		t.Fatalf("导航处理失败: %v", err)
	}

	calls := f.sink.snapshot()
	if len(calls) != 1 {
		t.Fatalf("预期一次重定向，实际 %d 次", len(calls))
	}
	got := calls[0]
	if got.Reason != notice.ReasonLimit || got.TargetURL != url || got.RuleTitle != "B站限时" {
		t.Errorf("重定向参数不符: %+v", got)
	}
	wantAllowedAt := resetAt + 60*60_000
	if got.AllowedAt != wantAllowedAt {
		t.Errorf("解封时刻预期 %d（窗口重置时刻），实际 %d", wantAllowedAt, got.AllowedAt)
	}
	if f.engine.Monitoring() {
		t.Error("拒绝后不应启动监控循环")
	}
}

// TestEngine_DelayGate 端到端：启动延迟未到触发 limit 重定向
func TestEngine_DelayGate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// 进程运行 120 秒，延迟要求 60 分钟
	f.oracle.MarkStartup(ctx)
	f.clock.Advance(120 * time.Second)

	f.addLimit(t, "新闻延迟", "news.example", rulespec.LimitState{
		AllowedMinutes:    30,
		ResetAfterMinutes: 60,
		DelayMinutes:      60,
	})

	url := "https://news.example/today"
	if err := f.engine.OnNavigation(ctx, url); err != nil {
		t.Fatalf("导航处理失败: %v", err)
	}

	calls := f.sink.snapshot()
	if len(calls) != 1 {
		t.Fatalf("预期一次重定向，实际 %d 次", len(calls))
	}
	got := calls[0]
	if got.Reason != notice.ReasonLimit {
		t.Errorf("原因不符: %+v", got)
	}
	wantAllowedAt := f.clock.Now().UnixMilli() + (3600-120)*1000
	if got.AllowedAt != wantAllowedAt {
		t.Errorf("解封时刻预期 %d，实际 %d", wantAllowedAt, got.AllowedAt)
	}
}

// TestEngine_MonitorQuotaExhaustion 监控循环中配额跨过上限触发重定向并退出
func TestEngine_MonitorQuotaExhaustion(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.engine.SetMonitorInterval(20 * time.Millisecond)

	f.oracle.MarkStartup(ctx)
	f.clock.Advance(time.Hour)
	now := f.clock.Now().UnixMilli()

	f.addLimit(t, "限时", "site.example", rulespec.LimitState{
		AllowedMinutes:    10,
		ResetAfterMinutes: 60,
		UsedMinutes:       9.9,
		LastResetAt:       now,
		LastUsedAt:        now,
	})

	if err := f.engine.OnNavigation(ctx, "https://site.example/"); err != nil {
		t.Fatalf("导航处理失败: %v", err)
	}
	if !f.engine.Monitoring() {
		t.Fatal("准入后应启动监控循环")
	}

	// 每拍之间推进 20 秒（新鲜窗口内），用量逐拍上涨直至耗尽
	deadline := time.After(2 * time.Second)
	for len(f.sink.snapshot()) == 0 {
		f.clock.Advance(20 * time.Second)
		select {
		case <-deadline:
			t.Fatal("监控循环未在配额耗尽时重定向")
		case <-time.After(20 * time.Millisecond):
		}
	}

	got := f.sink.snapshot()[0]
	if got.Reason != notice.ReasonLimit {
		t.Errorf("原因不符: %+v", got)
	}

	// 重定向后循环退出
	waitMonitorStopped(t, f.engine)
}

// TestEngine_MonitorStopsOnRuleChange 规则被改写/删除/禁用时监控静默退出
func TestEngine_MonitorStopsOnRuleChange(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, f *fixture, id string)
	}{
		{"规则删除", func(t *testing.T, f *fixture, id string) {
			if !f.store.Delete(context.Background(), id) {
				t.Fatal("删除失败")
			}
		}},
		{"规则禁用", func(t *testing.T, f *fixture, id string) {
			if _, err := f.store.ToggleEnabled(context.Background(), id); err != nil {
				t.Fatalf("禁用失败: %v", err)
			}
		}},
		{"动作改为放行", func(t *testing.T, f *fixture, id string) {
			allow := rulespec.Action{Type: rulespec.ActionAllow}
			if _, err := f.store.Update(context.Background(), id, rulestore.Patch{Action: &allow}); err != nil {
				t.Fatalf("更新失败: %v", err)
			}
		}},
		{"匹配串改写", func(t *testing.T, f *fixture, id string) {
			p := "elsewhere.example"
			if _, err := f.store.Update(context.Background(), id, rulestore.Patch{Pattern: &p}); err != nil {
				t.Fatalf("更新失败: %v", err)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			ctx := context.Background()
			f.engine.SetMonitorInterval(20 * time.Millisecond)
			f.oracle.MarkStartup(ctx)
			f.clock.Advance(time.Hour)
			now := f.clock.Now().UnixMilli()

			rule := f.addLimit(t, "限时", "site.example", rulespec.LimitState{
				AllowedMinutes:    100,
				ResetAfterMinutes: 600,
				LastResetAt:       now,
				LastUsedAt:        now,
			})

			if err := f.engine.OnNavigation(ctx, "https://site.example/"); err != nil {
				t.Fatalf("导航处理失败: %v", err)
			}
			if !f.engine.Monitoring() {
				t.Fatal("准入后应启动监控循环")
			}

			tt.mutate(t, f, rule.ID)
			waitMonitorStopped(t, f.engine)

			if len(f.sink.snapshot()) != 0 {
				t.Error("状态迁移导致的退出不应触发重定向")
			}
		})
	}
}

// TestEngine_SingleMonitor 重入导航不会启动第二个监控循环
func TestEngine_SingleMonitor(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.engine.SetMonitorInterval(20 * time.Millisecond)
	f.oracle.MarkStartup(ctx)
	f.clock.Advance(time.Hour)
	now := f.clock.Now().UnixMilli()

	rule := f.addLimit(t, "限时", "site.example", rulespec.LimitState{
		AllowedMinutes:    100,
		ResetAfterMinutes: 600,
		LastResetAt:       now,
		LastUsedAt:        now,
	})

	// 同一命中地址上的多次导航（SPA 路由切换）
	for _, u := range []string{"https://site.example/a", "https://site.example/b", "https://site.example/c"} {
		if err := f.engine.OnNavigation(ctx, u); err != nil {
			t.Fatalf("导航处理失败: %v", err)
		}
	}
	if !f.engine.Monitoring() {
		t.Fatal("监控循环应在运行")
	}

	// 推进一段时间后用量应只按单循环节奏累计
	f.clock.Advance(10 * time.Second)
	time.Sleep(60 * time.Millisecond)
	f.engine.StopMonitor()
	waitMonitorStopped(t, f.engine)

	got, _ := f.store.GetByID(rule.ID)
	// 单循环下用量至多为总推进时长 10 秒 ≈ 1/6 分钟（外加导航时的零间隔计量）
	if got.Action.Limit.UsedMinutes > 10.0/60+1e-9 {
		t.Errorf("用量超出单监控循环的上界，疑似重复计量: used=%v", got.Action.Limit.UsedMinutes)
	}
}

func waitMonitorStopped(t *testing.T, e *enforcer.Engine) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for e.Monitoring() {
		select {
		case <-deadline:
			t.Fatal("监控循环未退出")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
