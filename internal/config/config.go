// Package config 定义进程配置与加载逻辑
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 配置文件结构体
type Config struct {
	Version string `mapstructure:"version" yaml:"version"`
	Sqlite  struct {
		Db     string `mapstructure:"db" yaml:"db"`
		Prefix string `mapstructure:"prefix" yaml:"prefix"`
	} `mapstructure:"sqlite" yaml:"sqlite"`
	Log struct {
		Level  string   `mapstructure:"level" yaml:"level"`
		Writer []string `mapstructure:"writer" yaml:"writer"`
	} `mapstructure:"log" yaml:"log"`
	// Tick 轮询粒度（毫秒），直接决定导航检测延迟与配额计量精度
	Tick struct {
		NavigationMS int `mapstructure:"navigationMS" yaml:"navigationMS"`
		MonitorMS    int `mapstructure:"monitorMS" yaml:"monitorMS"`
	} `mapstructure:"tick" yaml:"tick"`
	Listen string `mapstructure:"listen" yaml:"listen"` // 消息接口监听地址
	// Browser 受管浏览器设置：Launch 为真时由本进程启动浏览器，
	// 否则连接 DevToolsURL 指向的既有实例
	Browser struct {
		DevToolsURL string `mapstructure:"devtoolsURL" yaml:"devtoolsURL"`
		Launch      bool   `mapstructure:"launch" yaml:"launch"`
		ExecPath    string `mapstructure:"execPath" yaml:"execPath"`
		UserDataDir string `mapstructure:"userDataDir" yaml:"userDataDir"`
	} `mapstructure:"browser" yaml:"browser"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	cfg := &Config{Version: "1.0.0"}
	cfg.Sqlite.Db = "sitelimit.db"
	cfg.Sqlite.Prefix = "sitelimit_"
	cfg.Log.Level = "info"
	cfg.Log.Writer = []string{"file", "console"}
	cfg.Tick.NavigationMS = 1000
	cfg.Tick.MonitorMS = 5000
	cfg.Listen = "127.0.0.1:8732"
	cfg.Browser.DevToolsURL = "http://127.0.0.1:9222"
	return cfg
}

// Load 加载配置：默认值 < 配置文件 < 环境变量
// dir 为空时只在当前目录查找 config.yaml；文件不存在不视为错误
func Load(dir string) (*Config, error) {
	def := NewConfig()

	v := viper.New()
	v.SetConfigName("config")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("SITELIMIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("version", def.Version)
	v.SetDefault("sqlite.db", def.Sqlite.Db)
	v.SetDefault("sqlite.prefix", def.Sqlite.Prefix)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.writer", def.Log.Writer)
	v.SetDefault("tick.navigationMS", def.Tick.NavigationMS)
	v.SetDefault("tick.monitorMS", def.Tick.MonitorMS)
	v.SetDefault("listen", def.Listen)
	v.SetDefault("browser.devtoolsURL", def.Browser.DevToolsURL)
	v.SetDefault("browser.launch", def.Browser.Launch)
	v.SetDefault("browser.execPath", def.Browser.ExecPath)
	v.SetDefault("browser.userDataDir", def.Browser.UserDataDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return cfg, nil
}
