// Package scheduler 实现固定节拍的周期任务执行器
package scheduler

import (
	"context"
	"sync"
	"time"

	"sitelimit/internal/logger"
)

// Runner 周期任务执行器
// 持有一组无参回调，按固定间隔逐个执行；单个任务的 panic 被隔离，
// 不会中断本拍其余任务，也不会停止后续节拍
type Runner struct {
	interval time.Duration
	log      logger.Logger

	mu       sync.Mutex
	tasks    []func()
	once     sync.Once
	stopOnce sync.Once
	done     chan struct{}
}

// New 创建执行器
// interval 非正时使用默认 1 秒节拍
func New(interval time.Duration, l logger.Logger) *Runner {
	if interval <= 0 {
		interval = time.Second
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &Runner{
		interval: interval,
		log:      l,
		done:     make(chan struct{}),
	}
}

// AddTask 注册一个任务，返回其在任务列表中的位置
func (r *Runner) AddTask(fn func()) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, fn)
	return len(r.tasks) - 1
}

// Run 启动节拍循环，重复调用只生效一次
// 节拍随 ctx 取消或 Stop 结束，预期与宿主上下文同生命周期
func (r *Runner) Run(ctx context.Context) {
	r.once.Do(func() {
		go r.loop(ctx)
	})
}

// Stop 停止节拍循环
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *Runner) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick 执行当前注册的全部任务
func (r *Runner) tick() {
	r.mu.Lock()
	tasks := make([]func(), len(r.tasks))
	copy(tasks, r.tasks)
	r.mu.Unlock()

	for i, fn := range tasks {
		r.runOne(i, fn)
	}
}

// runOne 执行单个任务并吸收其 panic
func (r *Runner) runOne(pos int, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("周期任务异常", "position", pos, "panic", rec)
		}
	}()
	fn()
}
