package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "ChatOps-Relay/internal/errors"
	"ChatOps-Relay/internal/registry"
	"ChatOps-Relay/pkg/plugin"
)

const defaultPollInterval = 10 * time.Second

// PollMonitor 按固定间隔轮询运行器获取任务状态。每个任务一条可取消的
// 观察协程；轮询在循环体内同步执行，上一次没结束之前不会叠加下一次。
// 观察协程的生命周期由监控器自己持有，不随调用方的请求上下文结束。
type PollMonitor struct {
	poller   Poller
	reporter Reporter
	interval time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	watchers map[string]context.CancelFunc
	root     context.Context
	cancel   context.CancelFunc
	started  bool
	draining bool
	wg       sync.WaitGroup
}

// NewPollMonitor 创建轮询监控器。
func NewPollMonitor(poller Poller, reporter Reporter, interval time.Duration, log *slog.Logger) *PollMonitor {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &PollMonitor{
		poller:   poller,
		reporter: reporter,
		interval: interval,
		log:      log,
		watchers: make(map[string]context.CancelFunc),
	}
}

// Start 启动监控器。之后才能 Attach。
func (m *PollMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	if m.poller == nil || m.reporter == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "轮询监控缺少运行器或回报入口")
	}
	m.root, m.cancel = context.WithCancel(context.Background())
	m.started = true
	m.draining = false
	return nil
}

// Attach 实现 Monitor。重复附加同一个任务是无害的。
func (m *PollMonitor) Attach(rec registry.TaskRecord) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return xerrors.New(xerrors.CodeUnavailable, "轮询监控尚未启动")
	}
	if m.draining {
		m.mu.Unlock()
		return xerrors.New(xerrors.CodeUnavailable, "轮询监控正在退场，不再接收新任务")
	}
	if _, exists := m.watchers[rec.TaskID]; exists {
		m.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(m.root)
	m.watchers[rec.TaskID] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Info("开始轮询任务状态",
		slog.String("task_id", rec.TaskID),
		slog.Duration("interval", m.interval),
	)
	go m.watch(ctx, rec)
	return nil
}

// Detach 实现 Monitor。
func (m *PollMonitor) Detach(taskID string) {
	if m.forget(taskID) {
		m.log.Debug("停止轮询任务", slog.String("task_id", taskID))
	}
}

// Drain 停止接收新任务，但已附加的任务继续观察到终态。监控槽换人时
// 在途任务仍由本监控器负责，正对应这里的语义。
func (m *PollMonitor) Drain() {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()
}

// Shutdown 硬停机：取消全部观察协程，并为尚未终态的任务补发 Failed，
// 保证注册表不会留下悬空记录。
func (m *PollMonitor) Shutdown() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	remaining := make([]string, 0, len(m.watchers))
	for taskID := range m.watchers {
		remaining = append(remaining, taskID)
	}
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	for _, taskID := range remaining {
		m.reporter.ReportStatus(taskID, registry.StatusFailed, "monitor shut down")
	}
}

// Diagnostics 暴露给插件 Status 钩子的运行信息。
func (m *PollMonitor) Diagnostics() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"strategy": "poll",
		"watching": len(m.watchers),
		"interval": m.interval.String(),
		"draining": m.draining,
	}
}

func (m *PollMonitor) watch(ctx context.Context, rec registry.TaskRecord) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.forget(rec.TaskID)
			leak := xerrors.New(CodeMonitorLeak, fmt.Sprintf("watcher panicked: %v", r))
			m.log.Error("任务观察协程崩溃，补发终态",
				slog.String("task_id", rec.TaskID),
				slog.Any("error", leak),
			)
			m.reporter.ReportStatus(rec.TaskID, registry.StatusFailed, "watcher crashed")
		}
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.forget(rec.TaskID)
			return
		case <-ticker.C:
		}

		state, err := m.poller.TaskState(ctx, rec.TaskID)
		if err != nil {
			if ctx.Err() != nil {
				m.forget(rec.TaskID)
				return
			}
			if xerrors.RetryableError(err) {
				m.log.Warn("轮询任务状态失败，下个周期重试",
					slog.String("task_id", rec.TaskID),
					slog.Any("error", err),
				)
				continue
			}
			m.forget(rec.TaskID)
			m.reporter.ReportStatus(rec.TaskID, registry.StatusFailed, "status query failed: "+err.Error())
			return
		}

		status, ok := registry.ParseStatus(state.Status)
		if !ok {
			m.log.Warn("无法识别的任务状态",
				slog.String("task_id", rec.TaskID),
				slog.String("raw", state.Status),
			)
			continue
		}
		m.reporter.ReportStatus(rec.TaskID, status, state.Detail)
		if status.Terminal() {
			m.forget(rec.TaskID)
			return
		}
	}
}

// forget 把任务移出观察表并取消其协程，返回是否确有此任务。
func (m *PollMonitor) forget(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, ok := m.watchers[taskID]
	if !ok {
		return false
	}
	delete(m.watchers, taskID)
	cancel()
	return true
}

// PollPlugin 把轮询监控包装成 task_monitor 插件。
type PollPlugin struct {
	mon *PollMonitor
	log *slog.Logger
}

var _ plugin.Plugin = (*PollPlugin)(nil)

// NewPollPlugin 是注册到插件工厂表的构造函数。
func NewPollPlugin(log *slog.Logger) *PollPlugin {
	return &PollPlugin{log: log}
}

// Init 从执行上下文取得协作方并组装监控器。
func (p *PollPlugin) Init(ectx *plugin.ExecutionContext) error {
	poller, reporter, err := monitorDeps(ectx)
	if err != nil {
		return err
	}
	interval := durationFromConfig(ectx.Config, "interval_seconds", defaultPollInterval)
	p.mon = NewPollMonitor(poller, reporter, interval, p.log)
	return nil
}

// Start 实现插件生命周期。
func (p *PollPlugin) Start(*plugin.ExecutionContext) error {
	return p.mon.Start()
}

// Stop 转为退场模式：不再接收新任务，在途任务继续观察。
func (p *PollPlugin) Stop(*plugin.ExecutionContext) error {
	p.mon.Drain()
	return nil
}

// Cleanup 硬停机，补发终态。
func (p *PollPlugin) Cleanup(*plugin.ExecutionContext) error {
	p.mon.Shutdown()
	return nil
}

// Status 实现插件诊断。
func (p *PollPlugin) Status() map[string]any {
	if p.mon == nil {
		return map[string]any{"strategy": "poll", "state": "uninitialised"}
	}
	return p.mon.Diagnostics()
}

// Monitor 暴露底层监控器，供编排器 Attach/Detach。
func (p *PollPlugin) Monitor() Monitor {
	return p.mon
}

// monitorDeps 从资源表取出轮询器与回报入口。
func monitorDeps(ectx *plugin.ExecutionContext) (Poller, Reporter, error) {
	raw, ok := ectx.Resource(ResourcePoller)
	if !ok {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "资源表缺少运行器客户端")
	}
	poller, ok := raw.(Poller)
	if !ok {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "运行器资源类型不正确")
	}
	raw, ok = ectx.Resource(ResourceReporter)
	if !ok {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "资源表缺少状态回报入口")
	}
	reporter, ok := raw.(Reporter)
	if !ok {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "状态回报资源类型不正确")
	}
	return poller, reporter, nil
}

// durationFromConfig 读取以秒计的时长配置。YAML 解码可能给出多种数值
// 类型，这里统一吸收。
func durationFromConfig(config map[string]any, key string, fallback time.Duration) time.Duration {
	raw, ok := config[key]
	if !ok {
		return fallback
	}
	switch v := raw.(type) {
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case int64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	}
	return fallback
}
