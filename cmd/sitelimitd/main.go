// sitelimitd 网站访问策略守护进程
// 连接（或启动）浏览器，按规则序列对页面导航执行放行、拦截与限时
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	adapter "sitelimit/internal/adapter/cdp"
	"sitelimit/internal/browser"
	"sitelimit/internal/config"
	"sitelimit/internal/httpapi"
	"sitelimit/internal/logger"
	"sitelimit/internal/rulestore"
	"sitelimit/internal/settings"
	"sitelimit/internal/storage/db"
	"sitelimit/internal/storage/model"
	"sitelimit/internal/storage/repo"
	"sitelimit/internal/uptime"
	"sitelimit/pkg/api"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configDir := flag.String("config", "", "配置目录（查找 config.yaml）")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		return err
	}

	l := logger.NewZeroLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	devtoolsURL := cfg.Browser.DevToolsURL
	if cfg.Browser.Launch {
		b, err := browser.Launch(ctx, browser.Options{
			ExecPath:    cfg.Browser.ExecPath,
			UserDataDir: cfg.Browser.UserDataDir,
		})
		if err != nil {
			return fmt.Errorf("启动浏览器失败: %w", err)
		}
		defer func() { _ = b.Stop(5 * time.Second) }()
		devtoolsURL = b.DevToolsURL
		l.Info("受管浏览器已启动", "devtools", devtoolsURL)
	}

	gdb, err := db.New(db.Options{Name: cfg.Sqlite.Db, Prefix: cfg.Sqlite.Prefix})
	if err != nil {
		return fmt.Errorf("打开数据库失败: %w", err)
	}
	if err := db.Migrate(gdb, &model.Setting{}, &model.VerdictRecord{}); err != nil {
		return fmt.Errorf("迁移数据库失败: %w", err)
	}

	kv := repo.NewSettingsRepo(gdb)
	verdicts := repo.NewVerdictRepo(gdb)
	defer verdicts.Stop()

	store := rulestore.New(kv, l)
	oracle := uptime.New(kv, l)
	popup := settings.NewRepo(kv, l)

	// 每次进程启动刷新启动时间戳，运行时长从此刻起算
	oracle.MarkStartup(ctx)

	svc := api.NewService(store, oracle, popup, verdicts, cfg, l)
	defer svc.Close()

	noticeBase := "http://" + cfg.Listen + "/notice"
	server := httpapi.NewServer(ctx, svc, adapter.NewBrowser(devtoolsURL, l), noticeBase, l)

	httpSrv := &http.Server{Addr: cfg.Listen, Handler: server.Handler()}
	errCh := make(chan error, 1)
	go func() {
		l.Info("消息接口已监听", "addr", cfg.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("消息接口异常退出: %w", err)
	case <-ctx.Done():
	}

	l.Info("收到退出信号，开始停机")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		l.Err(err, "消息接口停机失败")
	}
	return nil
}
