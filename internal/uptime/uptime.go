// Package uptime 记录进程级启动时间并换算运行时长
package uptime

import (
	"context"
	"strconv"
	"time"

	"sitelimit/internal/logger"
	"sitelimit/internal/storage/model"
)

// KV 启动时间戳依赖的外部键值存储
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// Oracle 进程运行时长预言机
// 仅持久化一个时间戳：最近一次进程启动时刻，每次启动时重写
type Oracle struct {
	kv  KV
	log logger.Logger
	now func() time.Time
}

// New 创建预言机实例
func New(kv KV, l logger.Logger) *Oracle {
	if l == nil {
		l = logger.NewNop()
	}
	return &Oracle{kv: kv, log: l, now: time.Now}
}

// SetNow 注入时钟，仅测试使用
func (o *Oracle) SetNow(now func() time.Time) { o.now = now }

// MarkStartup 记录当前时刻为进程启动时间
func (o *Oracle) MarkStartup(ctx context.Context) {
	ms := o.now().UnixMilli()
	if err := o.kv.Set(ctx, model.SettingKeyLastStartup, strconv.FormatInt(ms, 10)); err != nil {
		o.log.Err(err, "启动时间戳持久化失败")
	}
}

// UptimeSeconds 返回自进程启动以来的秒数
// 时间戳缺失或损坏按"刚刚启动"处理，返回 0
func (o *Oracle) UptimeSeconds(ctx context.Context) int64 {
	nowMS := o.now().UnixMilli()

	raw, err := o.kv.Get(ctx, model.SettingKeyLastStartup)
	if err != nil || raw == "" {
		return 0
	}
	startMS, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		o.log.Warn("启动时间戳损坏，按刚启动处理", "value", raw)
		return 0
	}
	if startMS > nowMS {
		return 0
	}
	return (nowMS - startMS) / 1000
}
