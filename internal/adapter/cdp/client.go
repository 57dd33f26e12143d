// Package cdp 通过 Chrome DevTools 协议为页面上下文提供地址源与重定向执行
package cdp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sitelimit/internal/logger"
	"sitelimit/pkg/domain"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/rpcc"
)

// addressReadTimeout 单次地址读取的超时上限，小于导航轮询周期
const addressReadTimeout = 800 * time.Millisecond

// TargetSession 代表一个已附着的浏览器标签页会话
type TargetSession struct {
	ID     domain.TargetID
	Client *cdp.Client
	Conn   *rpcc.Conn
	Ctx    context.Context
	Cancel context.CancelFunc
}

// Browser 负责管理与浏览器的 CDP 连接
type Browser struct {
	devtoolsURL string
	log         logger.Logger
	mu          sync.RWMutex
	sessions    map[domain.TargetID]*TargetSession
}

// NewBrowser 创建浏览器连接管理器
func NewBrowser(url string, l logger.Logger) *Browser {
	if l == nil {
		l = logger.NewNop()
	}
	return &Browser{
		devtoolsURL: url,
		log:         l,
		sessions:    make(map[domain.TargetID]*TargetSession),
	}
}

// TestConnection 测试与浏览器的连通性
func (b *Browser) TestConnection(ctx context.Context) error {
	dt := devtool.New(b.devtoolsURL)
	_, err := dt.List(ctx)
	return err
}

// ListTargets 获取浏览器当前所有的标签页目标（仅返回 type == "page"）
func (b *Browser) ListTargets(ctx context.Context) ([]domain.TargetInfo, error) {
	dt := devtool.New(b.devtoolsURL)
	targets, err := dt.List(ctx)
	if err != nil {
		return nil, err
	}

	res := make([]domain.TargetInfo, 0)
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, t := range targets {
		if t == nil || t.Type != "page" {
			continue
		}
		id := domain.TargetID(t.ID)
		_, tracked := b.sessions[id]
		res = append(res, domain.TargetInfo{
			ID:      id,
			URL:     t.URL,
			Title:   t.Title,
			Tracked: tracked,
		})
	}
	return res, nil
}

// Attach 附着到一个指定的标签页目标
func (b *Browser) Attach(ctx context.Context, id domain.TargetID) (*TargetSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.sessions[id]; ok {
		b.log.Info("目标已存在，复用现有会话", "targetID", string(id))
		return s, nil
	}

	dt := devtool.New(b.devtoolsURL)
	targets, err := dt.List(ctx)
	if err != nil {
		b.log.Err(err, "获取目标列表失败")
		return nil, err
	}

	var target *devtool.Target
	for _, t := range targets {
		if string(t.ID) == string(id) {
			target = t
			break
		}
	}

	if target == nil {
		b.log.Warn("目标未找到", "targetID", string(id))
		return nil, fmt.Errorf("cdp: target not found: %s", id)
	}

	sessionCtx, sessionCancel := context.WithCancel(ctx)

	conn, err := rpcc.DialContext(sessionCtx, target.WebSocketDebuggerURL,
		rpcc.WithWriteBufferSize(16*1024*1024),
		rpcc.WithCompression())
	if err != nil {
		sessionCancel()
		b.log.Err(err, "CDP 连接建立失败", "targetID", string(id), "wsURL", target.WebSocketDebuggerURL)
		return nil, err
	}

	s := &TargetSession{
		ID:     id,
		Client: cdp.NewClient(conn),
		Conn:   conn,
		Ctx:    sessionCtx,
		Cancel: sessionCancel,
	}
	b.sessions[id] = s
	b.log.Info("目标附着成功", "targetID", string(id), "url", target.URL)
	return s, nil
}

// Detach 断开与目标的连接
func (b *Browser) Detach(id domain.TargetID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.sessions[id]; ok {
		delete(b.sessions, id)
		// 先取消 context，再关闭连接
		if s.Cancel != nil {
			s.Cancel()
		}
		if s.Conn != nil {
			return s.Conn.Close()
		}
	}
	return nil
}

// AddressFunc 为指定目标构造地址源：每次调用读取目标的当前地址
// 读取失败返回空串，地址检测按"本拍无观察"处理
func (b *Browser) AddressFunc(id domain.TargetID) func() string {
	return func() string {
		ctx, cancel := context.WithTimeout(context.Background(), addressReadTimeout)
		defer cancel()

		dt := devtool.New(b.devtoolsURL)
		targets, err := dt.List(ctx)
		if err != nil {
			b.log.Debug("地址读取失败", "targetID", string(id), "err", err.Error())
			return ""
		}
		for _, t := range targets {
			if t != nil && string(t.ID) == string(id) {
				return t.URL
			}
		}
		return ""
	}
}
