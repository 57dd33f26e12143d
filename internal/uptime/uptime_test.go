package uptime_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"sitelimit/internal/logger"
	"sitelimit/internal/uptime"
)

type fakeKV struct {
	data map[string]string
	fail bool
}

func (f *fakeKV) Get(_ context.Context, key string) (string, error) {
	if f.fail {
		return "", errors.New("storage unavailable")
	}
	return f.data[key], nil
}

func (f *fakeKV) Set(_ context.Context, key, value string) error {
	if f.fail {
		return errors.New("storage unavailable")
	}
	f.data[key] = value
	return nil
}

// TestOracle_Uptime 测试启动时间标记与运行时长换算
func TestOracle_Uptime(t *testing.T) {
	kv := &fakeKV{data: make(map[string]string)}
	o := uptime.New(kv, logger.NewNop())

	base := time.UnixMilli(1_756_512_000_000)
	o.SetNow(func() time.Time { return base })
	o.MarkStartup(context.Background())

	// 两分钟后
	o.SetNow(func() time.Time { return base.Add(2 * time.Minute) })
	if got := o.UptimeSeconds(context.Background()); got != 120 {
		t.Errorf("预期运行时长 120 秒，实际 %d", got)
	}

	// 重启后重新标记，时长归零
	o.SetNow(func() time.Time { return base.Add(10 * time.Minute) })
	o.MarkStartup(context.Background())
	if got := o.UptimeSeconds(context.Background()); got != 0 {
		t.Errorf("重启后预期运行时长 0，实际 %d", got)
	}
}

// TestOracle_MissingTimestamp 测试时间戳缺失或损坏时按刚启动处理
func TestOracle_MissingTimestamp(t *testing.T) {
	kv := &fakeKV{data: make(map[string]string)}
	o := uptime.New(kv, logger.NewNop())

	if got := o.UptimeSeconds(context.Background()); got != 0 {
		t.Errorf("缺失时间戳预期返回 0，实际 %d", got)
	}

	kv.data["lastStartupTime"] = "not-a-number"
	if got := o.UptimeSeconds(context.Background()); got != 0 {
		t.Errorf("损坏时间戳预期返回 0，实际 %d", got)
	}

	kv.fail = true
	if got := o.UptimeSeconds(context.Background()); got != 0 {
		t.Errorf("存储故障预期返回 0，实际 %d", got)
	}
}
