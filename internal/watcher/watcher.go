// Package watcher 通过轮询当前页面地址检测导航变化
package watcher

import (
	"sync"

	"sitelimit/internal/scheduler"
)

// AddressFunc 返回当前页面地址，读取失败时返回空串
type AddressFunc func() string

// Listener 导航事件回调，入参为变化后的新地址
type Listener func(url string)

// Watcher 导航变化检测器
// 每拍读取一次当前地址，与上次记录不同时更新记录并通知全部监听者；
// 地址未变化时不发事件。这是感知前端路由（SPA）跳转的唯一手段，
// 一拍之内的多次快速跳转会塌缩为最后观察到的地址
type Watcher struct {
	source AddressFunc

	mu        sync.Mutex
	last      string
	seen      bool
	listeners []Listener
}

// New 创建检测器并向执行器注册唯一的轮询任务
func New(source AddressFunc, runner *scheduler.Runner) *Watcher {
	w := &Watcher{source: source}
	runner.AddTask(w.tick)
	return w
}

// AddListener 注册导航事件监听者
func (w *Watcher) AddListener(fn Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// tick 单次轮询：读地址、比对、必要时广播
func (w *Watcher) tick() {
	url := w.source()
	// 空串表示地址读取失败，本拍视为无观察
	if url == "" {
		return
	}

	w.mu.Lock()
	if w.seen && url == w.last {
		w.mu.Unlock()
		return
	}
	w.last = url
	w.seen = true
	listeners := make([]Listener, len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(url)
	}
}
