package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"ChatOps-Relay/internal/api"
	"ChatOps-Relay/internal/builtin"
	"ChatOps-Relay/internal/chat"
	"ChatOps-Relay/internal/command"
	"ChatOps-Relay/internal/config"
	"ChatOps-Relay/internal/confirm"
	"ChatOps-Relay/internal/gateway"
	"ChatOps-Relay/internal/monitor"
	"ChatOps-Relay/internal/observability"
	"ChatOps-Relay/internal/observability/alerting"
	"ChatOps-Relay/internal/orchestrator"
	"ChatOps-Relay/internal/registry"
	"ChatOps-Relay/internal/runner"
	"ChatOps-Relay/pkg/logger"
	"ChatOps-Relay/pkg/plugin"
)

const shutdownGrace = 30 * time.Second

// main 是 ChatOps 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("chatopsd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CHATOPS_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "chatops.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		AddSource:   cfg.Logging.AddSource,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(cfg.Metrics.Namespace)
	}

	// 聊天网关。桥接进程通过 WebSocket 接入，其余组件只认 chat.Client。
	gw := gateway.New(gateway.Config{
		Token:          cfg.Gateway.Token,
		AllowAnyOrigin: cfg.Gateway.AllowAnyOrigin,
		RequestTimeout: cfg.Gateway.RequestTimeout(),
	},
		gateway.WithMetrics(metrics),
		gateway.WithGatewayLogger(logger.Named("gateway")),
	)
	defer gw.Close()

	runnerClient, err := runner.NewClient(runner.Config{
		BaseURL: cfg.Runner.BaseURL,
		Token:   cfg.Runner.Token,
		Timeout: cfg.Runner.Timeout(),
	})
	if err != nil {
		return err
	}

	notifier := chat.NewNotifier(gw, gw, chat.WithNotifierLogger(logger.Named("notifier")))

	broker := confirm.NewBroker(cfg.Confirm.TTL(), confirmNotices{notifier}, logger.Named("confirm"))
	defer broker.Close()

	reg := registry.NewRegistry()

	// 推送监控的事件源按驱动分发构建。memory 驱动没有外部依赖，
	// 只适合单进程演示。
	var source monitor.Source
	switch cfg.Monitor.Source.Driver {
	case "", "memory":
		source = monitor.NewMemorySource(256)
	case "redis":
		opt, err := redis.ParseURL(cfg.Monitor.Source.URL)
		if err != nil {
			return fmt.Errorf("解析 Redis 地址失败: %w", err)
		}
		source, err = monitor.NewRedisSource(monitor.RedisSourceConfig{
			Address:  opt.Addr,
			Password: opt.Password,
			DB:       opt.DB,
			Channel:  cfg.Monitor.Source.Channel,
		}, logger.Named("monitor.source"))
		if err != nil {
			return err
		}
	case "amqp":
		source, err = monitor.NewAMQPSource(monitor.AMQPSourceConfig{
			URL:   cfg.Monitor.Source.URL,
			Queue: cfg.Monitor.Source.Queue,
		}, logger.Named("monitor.source"))
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的事件源驱动: %s", cfg.Monitor.Source.Driver)
	}
	defer func() {
		if err := source.Close(); err != nil {
			logger.L().Warn("关闭事件源失败", slog.Any("error", err))
		}
	}()

	var channels []alerting.Notifier
	for _, ch := range cfg.Alerts.Channels {
		switch ch {
		case "log":
			channels = append(channels, &alerting.LogNotifier{Log: logger.Named("alerts")})
		case "chat":
			channels = append(channels, &alerting.ChatNotifier{Sender: gw, RoomID: cfg.Alerts.OpsRoom})
		default:
			return fmt.Errorf("未知的告警渠道: %s", ch)
		}
	}
	alerts := alerting.NewFanout(channels...)

	mux := command.NewMux()

	// 编排器与插件管理器互相需要对方：插件通过回报入口上报状态，
	// 编排器通过管理器查询监控槽。状态转发器先占住回报入口的位置，
	// 编排器建好后再绑定。
	relay := &statusRelay{}

	factories := plugin.NewRegistry()
	builtin.Register(factories, logger.Named("plugin"))

	managerOpts := []plugin.Option{
		plugin.WithLogger(logger.Named("plugin-manager")),
		plugin.WithResource(monitor.ResourcePoller, runnerClient),
		plugin.WithResource(monitor.ResourceReporter, relay),
		plugin.WithResource(monitor.ResourceSource, source),
		plugin.WithResource(builtin.ResourceCommands, mux),
		plugin.WithResource(builtin.ResourceSender, gw),
		plugin.WithResource(builtin.ResourceOpsRoom, cfg.Alerts.OpsRoom),
	}
	for name, enabled := range cfg.Plugins.Overrides {
		managerOpts = append(managerOpts, plugin.WithEnableOverride(name, enabled))
	}
	manager := plugin.NewManager(factories, managerOpts...)

	orc := orchestrator.New(runnerClient, reg, broker, notifier,
		orchestrator.WithSlots(manager),
		orchestrator.WithPluginAdmin(manager),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithAlerts(alerts),
		orchestrator.WithConfirmTTL(cfg.Confirm.TTL()),
		orchestrator.WithReminderInterval(cfg.Monitor.ReminderInterval()),
		orchestrator.WithLogger(logger.Named("orchestrator")),
	)
	relay.bind(orc)

	orc.Start()
	defer orc.Close()

	if err := orc.RegisterCommands(mux); err != nil {
		return err
	}

	bot := command.NewBot(mux, gw,
		command.WithPrefix(cfg.Gateway.CommandPrefix),
		command.WithResponder(broker),
		command.WithCommandHook(metrics.CommandHandled),
		command.WithBotLogger(logger.Named("bot")),
	)
	bot.Bind(gw)

	if err := manager.Discover(cfg.Plugins.Dir); err != nil {
		return err
	}
	manager.LoadAll(ctx)
	manager.StartAll(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		manager.StopAll(stopCtx)
	}()

	server := api.NewServer(cfg.Server.Address, cfg.Server.APIToken, manager, reg,
		api.WithGatewayHandler(gw),
		api.WithReadiness(gw.Connected),
		api.WithMetrics(metrics),
		api.WithAudit(logger.Audit()),
		api.WithServerLogger(logger.Named("api")),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// confirmNotices 把通知器适配成确认代理需要的最小接口。
type confirmNotices struct {
	notifier *chat.Notifier
}

func (n confirmNotices) NotYourConfirmation(roomID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n.notifier.NotYourConfirmation(ctx, roomID, userID)
}

// statusRelay 在插件与编排器之间转发状态汇报，解开两者的构造顺序。
// 绑定发生在任何任务附加之前，未绑定时的汇报直接丢弃。
type statusRelay struct {
	mu  sync.Mutex
	dst monitor.Reporter
}

func (r *statusRelay) bind(dst monitor.Reporter) {
	r.mu.Lock()
	r.dst = dst
	r.mu.Unlock()
}

func (r *statusRelay) ReportStatus(taskID string, status registry.Status, detail string) {
	r.mu.Lock()
	dst := r.dst
	r.mu.Unlock()
	if dst != nil {
		dst.ReportStatus(taskID, status, detail)
	}
}
