package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Gateway GatewayConfig `json:"gateway"`
	Runner  RunnerConfig  `json:"runner"`
	Confirm ConfirmConfig `json:"confirm"`
	Monitor MonitorConfig `json:"monitor"`
	Plugins PluginsConfig `json:"plugins"`
	Logging LoggingConfig `json:"logging"`
	Metrics MetricsConfig `json:"metrics"`
	Alerts  AlertsConfig  `json:"alerts"`
}

// ServerConfig 控制管理面 HTTP 服务的监听地址与运维令牌。
type ServerConfig struct {
	Address  string `json:"address"`
	APIToken string `json:"api_token"`
}

// GatewayConfig 控制聊天桥接的接入与会话参数。
type GatewayConfig struct {
	Token                 string  `json:"token"`
	AllowAnyOrigin        bool    `json:"allow_any_origin"`
	CommandPrefix         string  `json:"command_prefix"`
	RequestTimeoutSeconds float64 `json:"request_timeout_seconds"`
}

// RequestTimeout 返回等待桥接应答的时长。
func (c GatewayConfig) RequestTimeout() time.Duration {
	return seconds(c.RequestTimeoutSeconds, 10*time.Second)
}

// RunnerConfig 描述任务运行器的访问信息。
type RunnerConfig struct {
	BaseURL        string  `json:"base_url"`
	Token          string  `json:"token"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

// Timeout 返回单次运行器请求的超时。
func (c RunnerConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds, 15*time.Second)
}

// ConfirmConfig 控制高危操作的二次确认窗口。
type ConfirmConfig struct {
	TTLSeconds float64 `json:"ttl_seconds"`
}

// TTL 返回确认窗口时长。
func (c ConfirmConfig) TTL() time.Duration {
	return seconds(c.TTLSeconds, 2*time.Minute)
}

// MonitorConfig 控制任务监控的提醒节奏与推送事件的来源。轮询间隔和
// 重连退避是插件级参数，写在各自的清单里。
type MonitorConfig struct {
	ReminderIntervalSeconds float64      `json:"reminder_interval_seconds"`
	Source                  SourceConfig `json:"source"`
}

// ReminderInterval 返回运行中任务的提醒间隔。
func (c MonitorConfig) ReminderInterval() time.Duration {
	return seconds(c.ReminderIntervalSeconds, 5*time.Minute)
}

// SourceConfig 描述推送监控的事件来源，driver 可选 memory、redis、amqp。
// channel 只对 redis 生效，queue 只对 amqp 生效，留空用各自的默认名。
type SourceConfig struct {
	Driver  string `json:"driver"`
	URL     string `json:"url"`
	Channel string `json:"channel"`
	Queue   string `json:"queue"`
}

// PluginsConfig 控制插件清单的发现目录，以及按名字覆盖清单默认启用
// 状态的开关。
type PluginsConfig struct {
	Dir       string          `json:"dir"`
	Overrides map[string]bool `json:"overrides"`
}

// LoggingConfig 描述进程日志与审计日志的输出方式。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	AddSource   bool        `json:"add_source"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// MetricsConfig 控制 Prometheus 指标的暴露。
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// AlertsConfig 控制运维告警的去向，channels 可选 log、chat。
// 选择 chat 渠道时需要同时配置 ops_room。
type AlertsConfig struct {
	OpsRoom  string   `json:"ops_room"`
	Channels []string `json:"channels"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Gateway.CommandPrefix == "" {
		c.Gateway.CommandPrefix = "!"
	}

	if c.Runner.BaseURL == "" {
		c.Runner.BaseURL = "http://127.0.0.1:9000"
	}

	if c.Monitor.Source.Driver == "" {
		c.Monitor.Source.Driver = "memory"
	}

	if c.Plugins.Dir == "" {
		c.Plugins.Dir = filepath.Join(baseDir, "plugins")
	} else if !filepath.IsAbs(c.Plugins.Dir) {
		c.Plugins.Dir = filepath.Join(baseDir, c.Plugins.Dir)
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "chatops"
	}

	if len(c.Alerts.Channels) == 0 {
		c.Alerts.Channels = []string{"log"}
	}
}

// seconds 把以秒计的配置值换算成时长，非正值取默认。
func seconds(v float64, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v * float64(time.Second))
}
