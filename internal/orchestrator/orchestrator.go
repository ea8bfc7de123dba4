// Package orchestrator 把解析后的聊天命令串成任务运行器上的完整流水线：
// 参数解析、确认询问、启动登记、监控附加、状态转发与周期提醒。每条命令
// 的流水线在自己的协程里走完，等待确认不会阻塞其他命令。
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ChatOps-Relay/internal/chat"
	"ChatOps-Relay/internal/confirm"
	xerrors "ChatOps-Relay/internal/errors"
	"ChatOps-Relay/internal/monitor"
	"ChatOps-Relay/internal/observability"
	"ChatOps-Relay/internal/observability/alerting"
	"ChatOps-Relay/internal/registry"
	"ChatOps-Relay/internal/runner"
	"ChatOps-Relay/pkg/logger"
	"ChatOps-Relay/pkg/plugin"
)

const (
	defaultConfirmTTL       = 2 * time.Minute
	defaultReminderInterval = 5 * time.Minute
	notifyTimeout           = 10 * time.Second
	lifecycleTimeout        = 30 * time.Second
)

// Runner 是编排器需要的任务运行器能力子集。
type Runner interface {
	ListProjects(ctx context.Context) ([]runner.Project, error)
	ListTemplates(ctx context.Context, projectID string) ([]runner.Template, error)
	StartTask(ctx context.Context, projectID, templateID string, parameters map[string]string) (string, error)
	TaskState(ctx context.Context, taskID string) (runner.TaskState, error)
	StopTask(ctx context.Context, taskID string) error
	TaskOutput(ctx context.Context, taskID string) (string, error)
}

var _ Runner = (*runner.Client)(nil)

// Slots 暴露监控槽的当前占用者，由插件管理器实现。
type Slots interface {
	MonitorSlot() (plugin.Plugin, string, bool)
}

// monitorCapable 由监控插件实现，暴露底层监控器。
type monitorCapable interface {
	Monitor() monitor.Monitor
}

// Orchestrator 是命令流水线与状态转发的汇聚点。
type Orchestrator struct {
	runner   Runner
	reg      *registry.Registry
	broker   *confirm.Broker
	notifier *chat.Notifier
	slots    Slots
	admin    PluginAdmin
	metrics  *observability.Metrics
	alerts   alerting.Dispatcher
	log      *slog.Logger

	confirmTTL       time.Duration
	reminderInterval time.Duration

	// monitors 记录每个任务附加时的监控器引用。槽位换人不影响在途
	// 任务，终态或显式停止时按这份引用解除附加。
	mu       sync.Mutex
	monitors map[string]monitor.Monitor

	root    context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// Option 调整编排器的可选依赖与参数。
type Option func(*Orchestrator)

// WithSlots 注入监控槽查询入口。
func WithSlots(slots Slots) Option {
	return func(o *Orchestrator) { o.slots = slots }
}

// WithPluginAdmin 注入插件运维入口，注册 plugins/enable/disable/reload 动词。
func WithPluginAdmin(admin PluginAdmin) Option {
	return func(o *Orchestrator) { o.admin = admin }
}

// WithMetrics 注入指标；为空时相关埋点静默跳过。
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithAlerts 注入告警派发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) { o.alerts = d }
}

// WithConfirmTTL 调整确认窗口时长。
func WithConfirmTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.confirmTTL = ttl
		}
	}
}

// WithReminderInterval 调整运行中任务的提醒间隔。
func WithReminderInterval(interval time.Duration) Option {
	return func(o *Orchestrator) {
		if interval > 0 {
			o.reminderInterval = interval
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// New 创建编排器。
func New(rn Runner, reg *registry.Registry, broker *confirm.Broker, notifier *chat.Notifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runner:           rn,
		reg:              reg,
		broker:           broker,
		notifier:         notifier,
		log:              logger.Named("orchestrator"),
		confirmTTL:       defaultConfirmTTL,
		reminderInterval: defaultReminderInterval,
		monitors:         make(map[string]monitor.Monitor),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Start 启动提醒巡检协程。
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.root, o.cancel = context.WithCancel(context.Background())
	o.started = true
	o.mu.Unlock()

	o.wg.Add(1)
	go o.remindLoop()
}

// Close 结束后台协程。在途任务的监控由插件管理器的停机流程收尾。
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
}

// remindLoop 周期扫描在途任务并发送运行提醒。ClaimReminder 在注册表锁
// 内完成窗口判断与刷新，同一窗口不会提醒两次；任何状态通知也会顺带
// 刷新窗口，状态刚变过的任务不会紧跟着再收到一条提醒。
func (o *Orchestrator) remindLoop() {
	defer o.wg.Done()
	if o.reminderInterval <= 0 {
		return
	}
	tick := o.reminderInterval / 4
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-o.root.Done():
			return
		case <-ticker.C:
		}
		for _, rec := range o.reg.Active() {
			claimed, ok := o.reg.ClaimReminder(rec.TaskID, o.reminderInterval)
			if !ok {
				continue
			}
			ctx, cancel := o.notifyContext()
			o.notifier.TaskReminder(ctx, claimed)
			cancel()
			o.metrics.ReminderSent()
			o.log.Debug("已发送运行提醒", slog.String("task_id", claimed.TaskID))
		}
	}
}

// attachMonitor 把任务交给当前槽占用者，并记住这一引用。
func (o *Orchestrator) attachMonitor(rec registry.TaskRecord) bool {
	if o.slots == nil {
		return false
	}
	occupant, name, ok := o.slots.MonitorSlot()
	if !ok {
		return false
	}
	capable, ok := occupant.(monitorCapable)
	if !ok {
		o.log.Warn("监控槽占用者未暴露监控接口", slog.String("plugin", name))
		return false
	}
	mon := capable.Monitor()
	if mon == nil {
		return false
	}
	if err := mon.Attach(rec); err != nil {
		o.log.Error("附加任务监控失败",
			slog.String("task_id", rec.TaskID),
			slog.String("plugin", name),
			slog.Any("error", err),
		)
		return false
	}
	o.mu.Lock()
	o.monitors[rec.TaskID] = mon
	o.mu.Unlock()
	o.log.Info("任务已附加到监控器",
		slog.String("task_id", rec.TaskID),
		slog.String("plugin", name),
	)
	return true
}

// forgetMonitor 解除任务与监控器的关联。重复调用无害。
func (o *Orchestrator) forgetMonitor(taskID string) {
	o.mu.Lock()
	mon := o.monitors[taskID]
	delete(o.monitors, taskID)
	o.mu.Unlock()
	if mon != nil {
		mon.Detach(taskID)
	}
}

// pipelineContext 返回流水线使用的根上下文。流水线的生命周期跟随进程
// 而不是触发它的那条入站消息。
func (o *Orchestrator) pipelineContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.root != nil {
		return o.root
	}
	return context.Background()
}

func (o *Orchestrator) notifyContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(o.pipelineContext(), notifyTimeout)
}

// alert 把事件交给告警派发器，失败只记日志。
func (o *Orchestrator) alert(event alerting.Event) {
	if o.alerts == nil {
		return
	}
	ctx, cancel := o.notifyContext()
	defer cancel()
	if err := o.alerts.Notify(ctx, event); err != nil {
		o.log.Warn("派发告警失败", slog.Any("error", err))
	}
}

// userMessage 把内部错误压成一行可读文案。带错误码的错误只取登记的
// 描述，绝不把调用栈或内部细节发进聊天房间。
func userMessage(err error) string {
	if e, ok := xerrors.From(err); ok && e.Message() != "" {
		return e.Message()
	}
	return err.Error()
}
