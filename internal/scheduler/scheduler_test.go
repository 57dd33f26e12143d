package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"sitelimit/internal/logger"
	"sitelimit/internal/scheduler"
)

// TestRunner_AddTask 测试任务注册返回递增位置
func TestRunner_AddTask(t *testing.T) {
	r := scheduler.New(time.Second, logger.NewNop())
	defer r.Stop()

	if pos := r.AddTask(func() {}); pos != 0 {
		t.Errorf("首个任务位置预期 0，实际 %d", pos)
	}
	if pos := r.AddTask(func() {}); pos != 1 {
		t.Errorf("第二个任务位置预期 1，实际 %d", pos)
	}
}

// TestRunner_TickRunsAllTasks 测试节拍触发全部任务
func TestRunner_TickRunsAllTasks(t *testing.T) {
	r := scheduler.New(10*time.Millisecond, logger.NewNop())
	defer r.Stop()

	var a, b atomic.Int64
	r.AddTask(func() { a.Add(1) })
	r.AddTask(func() { b.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Run(ctx)
	// 重复启动应为幂等
	r.Run(ctx)

	deadline := time.After(2 * time.Second)
	for a.Load() < 3 || b.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("任务未按节拍执行: a=%d b=%d", a.Load(), b.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestRunner_PanicIsolation 测试单任务 panic 不影响其他任务与后续节拍
func TestRunner_PanicIsolation(t *testing.T) {
	r := scheduler.New(10*time.Millisecond, logger.NewNop())
	defer r.Stop()

	var healthy atomic.Int64
	r.AddTask(func() { panic("boom") })
	r.AddTask(func() { healthy.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Run(ctx)

	deadline := time.After(2 * time.Second)
	for healthy.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("panic 任务拖垮了后续执行: healthy=%d", healthy.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestRunner_Stop 测试停止后任务不再执行
func TestRunner_Stop(t *testing.T) {
	r := scheduler.New(10*time.Millisecond, logger.NewNop())

	var n atomic.Int64
	r.AddTask(func() { n.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Run(ctx)

	deadline := time.After(2 * time.Second)
	for n.Load() < 1 {
		select {
		case <-deadline:
			t.Fatal("任务从未执行")
		case <-time.After(10 * time.Millisecond):
		}
	}

	r.Stop()
	// 重复停止不应 panic
	r.Stop()

	stopped := n.Load()
	time.Sleep(100 * time.Millisecond)
	if n.Load() > stopped+1 {
		t.Errorf("停止后任务仍在执行: %d -> %d", stopped, n.Load())
	}
}
