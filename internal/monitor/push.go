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

const defaultReconnectDelay = 3 * time.Second

// PushMonitor 订阅事件源获取任务状态。连接断开时自动为每个在观任务
// 起一条轮询回退协程，重连成功后收回回退并补查一次，期间已经汇报过的
// 状态靠每任务的严重级别水位线挡掉，终态只会从这里发出一次。
type PushMonitor struct {
	source   Source
	poller   Poller
	reporter Reporter
	interval time.Duration
	backoff  time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	watched  map[string]*pushTask
	root     context.Context
	cancel   context.CancelFunc
	started  bool
	draining bool
	degraded bool
	wg       sync.WaitGroup
}

type pushTask struct {
	rec          registry.TaskRecord
	watermark    int
	fallbackStop context.CancelFunc
}

// NewPushMonitor 创建推送监控器。poller 用于断连时的回退轮询。
func NewPushMonitor(source Source, poller Poller, reporter Reporter, interval, backoff time.Duration, log *slog.Logger) *PushMonitor {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if backoff <= 0 {
		backoff = defaultReconnectDelay
	}
	if log == nil {
		log = slog.Default()
	}
	return &PushMonitor{
		source:   source,
		poller:   poller,
		reporter: reporter,
		interval: interval,
		backoff:  backoff,
		log:      log,
		watched:  make(map[string]*pushTask),
	}
}

// Start 启动订阅循环。
func (m *PushMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	if m.source == nil || m.poller == nil || m.reporter == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "推送监控缺少事件源、运行器或回报入口")
	}
	m.root, m.cancel = context.WithCancel(context.Background())
	m.started = true
	m.draining = false
	// 在第一次订阅成功之前按降级状态对待，新附加的任务先走轮询。
	m.degraded = true
	m.wg.Add(1)
	go m.run()
	return nil
}

// Attach 实现 Monitor。降级期间附加的任务立即进入轮询回退。
func (m *PushMonitor) Attach(rec registry.TaskRecord) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return xerrors.New(xerrors.CodeUnavailable, "推送监控尚未启动")
	}
	if m.draining {
		m.mu.Unlock()
		return xerrors.New(xerrors.CodeUnavailable, "推送监控正在退场，不再接收新任务")
	}
	if _, exists := m.watched[rec.TaskID]; exists {
		m.mu.Unlock()
		return nil
	}
	task := &pushTask{rec: rec, watermark: rec.Status.Severity()}
	m.watched[rec.TaskID] = task

	var fallbackCtx context.Context
	if m.degraded {
		ctx, cancel := context.WithCancel(m.root)
		task.fallbackStop = cancel
		fallbackCtx = ctx
		m.wg.Add(1)
	}
	m.mu.Unlock()

	m.log.Info("开始订阅任务状态事件",
		slog.String("task_id", rec.TaskID),
		slog.Bool("degraded", fallbackCtx != nil),
	)
	if fallbackCtx != nil {
		go m.fallbackWatch(fallbackCtx, rec)
	}
	return nil
}

// Detach 实现 Monitor。
func (m *PushMonitor) Detach(taskID string) {
	m.mu.Lock()
	task, ok := m.watched[taskID]
	if ok {
		if task.fallbackStop != nil {
			task.fallbackStop()
		}
		delete(m.watched, taskID)
	}
	m.mu.Unlock()
	if ok {
		m.log.Debug("停止订阅任务", slog.String("task_id", taskID))
	}
}

// Drain 停止接收新任务；在观任务继续由本监控器负责。
func (m *PushMonitor) Drain() {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()
}

// Shutdown 硬停机：结束订阅循环与回退协程，为尚未终态的任务补发
// Failed，并关闭事件源。
func (m *PushMonitor) Shutdown() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	remaining := make([]string, 0, len(m.watched))
	for taskID := range m.watched {
		remaining = append(remaining, taskID)
	}
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	_ = m.source.Close()
	for _, taskID := range remaining {
		m.reporter.ReportStatus(taskID, registry.StatusFailed, "monitor shut down")
	}
}

// Diagnostics 暴露给插件 Status 钩子的运行信息。
func (m *PushMonitor) Diagnostics() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"strategy": "push",
		"watching": len(m.watched),
		"degraded": m.degraded,
		"draining": m.draining,
		"interval": m.interval.String(),
	}
}

// run 维持订阅：断开即开启回退，退避后重连。
func (m *PushMonitor) run() {
	defer m.wg.Done()
	for {
		err := m.source.Subscribe(m.root, m.handleReady, m.handleEvent)
		if m.root.Err() != nil {
			return
		}
		if err != nil {
			m.log.Warn("事件源连接断开，回退到轮询", slog.Any("error", err))
		} else {
			m.log.Warn("事件源订阅意外结束，回退到轮询")
		}
		m.beginFallback()

		select {
		case <-m.root.Done():
			return
		case <-time.After(m.backoff):
		}
	}
}

// handleReady 在订阅建立后收回全部回退协程，并为每个在观任务补查一次
// 状态，堵住断连窗口内漏掉的迁移；重复状态被水位线吸收。
func (m *PushMonitor) handleReady() {
	m.mu.Lock()
	wasDegraded := m.degraded
	m.degraded = false
	var resync []registry.TaskRecord
	for _, task := range m.watched {
		if task.fallbackStop != nil {
			task.fallbackStop()
			task.fallbackStop = nil
		}
		if wasDegraded {
			resync = append(resync, task.rec)
			m.wg.Add(1)
		}
	}
	m.mu.Unlock()

	if wasDegraded {
		m.log.Info("事件源已连接，恢复推送汇报", slog.Int("resync", len(resync)))
	}
	for _, rec := range resync {
		go m.resyncOnce(rec)
	}
}

func (m *PushMonitor) resyncOnce(rec registry.TaskRecord) {
	defer m.wg.Done()
	ctx, cancel := context.WithTimeout(m.root, m.interval)
	defer cancel()
	state, err := m.poller.TaskState(ctx, rec.TaskID)
	if err != nil {
		m.log.Debug("恢复补查失败，交由推送事件覆盖",
			slog.String("task_id", rec.TaskID),
			slog.Any("error", err),
		)
		return
	}
	if status, ok := registry.ParseStatus(state.Status); ok {
		m.deliver(rec.TaskID, status, state.Detail)
	}
}

func (m *PushMonitor) handleEvent(ev Event) {
	status, ok := registry.ParseStatus(ev.Status)
	if !ok {
		m.log.Warn("无法识别的事件状态",
			slog.String("task_id", ev.TaskID),
			slog.String("raw", ev.Status),
		)
		return
	}
	m.deliver(ev.TaskID, status, ev.Detail)
}

// deliver 是唯一的汇报出口：低于等于水位线的状态被丢弃，终态把任务
// 移出观察表，保证推送、回退、补查三条路径合流后不重复上报。
func (m *PushMonitor) deliver(taskID string, status registry.Status, detail string) {
	m.mu.Lock()
	task, ok := m.watched[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	sev := status.Severity()
	if sev <= task.watermark {
		m.mu.Unlock()
		m.log.Debug("跳过不高于水位线的状态",
			slog.String("task_id", taskID),
			slog.String("status", string(status)),
		)
		return
	}
	task.watermark = sev
	if status.Terminal() {
		if task.fallbackStop != nil {
			task.fallbackStop()
		}
		delete(m.watched, taskID)
	}
	m.mu.Unlock()

	m.reporter.ReportStatus(taskID, status, detail)
}

// beginFallback 为每个还没有回退协程的在观任务起一条轮询协程。
func (m *PushMonitor) beginFallback() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.degraded = true
	type launch struct {
		ctx context.Context
		rec registry.TaskRecord
	}
	var launches []launch
	for _, task := range m.watched {
		if task.fallbackStop != nil {
			continue
		}
		ctx, cancel := context.WithCancel(m.root)
		task.fallbackStop = cancel
		m.wg.Add(1)
		launches = append(launches, launch{ctx: ctx, rec: task.rec})
	}
	m.mu.Unlock()

	if len(launches) > 0 {
		m.log.Warn("降级为轮询回退", slog.Int("tasks", len(launches)))
	}
	for _, l := range launches {
		go m.fallbackWatch(l.ctx, l.rec)
	}
}

// fallbackWatch 是断连期间的每任务轮询，与推送共用 deliver 出口。
func (m *PushMonitor) fallbackWatch(ctx context.Context, rec registry.TaskRecord) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			leak := xerrors.New(CodeMonitorLeak, fmt.Sprintf("fallback watcher panicked: %v", r))
			m.log.Error("回退观察协程崩溃，补发终态",
				slog.String("task_id", rec.TaskID),
				slog.Any("error", leak),
			)
			m.deliver(rec.TaskID, registry.StatusFailed, "watcher crashed")
		}
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		state, err := m.poller.TaskState(ctx, rec.TaskID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if xerrors.RetryableError(err) {
				continue
			}
			m.deliver(rec.TaskID, registry.StatusFailed, "status query failed: "+err.Error())
			return
		}
		status, ok := registry.ParseStatus(state.Status)
		if !ok {
			continue
		}
		m.deliver(rec.TaskID, status, state.Detail)
		if status.Terminal() {
			return
		}
	}
}

// PushPlugin 把推送监控包装成 task_monitor 插件。
type PushPlugin struct {
	mon *PushMonitor
	log *slog.Logger
}

var _ plugin.Plugin = (*PushPlugin)(nil)

// NewPushPlugin 是注册到插件工厂表的构造函数。
func NewPushPlugin(log *slog.Logger) *PushPlugin {
	return &PushPlugin{log: log}
}

// Init 从执行上下文取得事件源与协作方并组装监控器。
func (p *PushPlugin) Init(ectx *plugin.ExecutionContext) error {
	poller, reporter, err := monitorDeps(ectx)
	if err != nil {
		return err
	}
	raw, ok := ectx.Resource(ResourceSource)
	if !ok {
		return xerrors.New(xerrors.CodeInitializationFailure, "资源表缺少事件源")
	}
	source, ok := raw.(Source)
	if !ok {
		return xerrors.New(xerrors.CodeInitializationFailure, "事件源资源类型不正确")
	}
	interval := durationFromConfig(ectx.Config, "interval_seconds", defaultPollInterval)
	backoff := durationFromConfig(ectx.Config, "reconnect_seconds", defaultReconnectDelay)
	p.mon = NewPushMonitor(source, poller, reporter, interval, backoff, p.log)
	return nil
}

// Start 实现插件生命周期。
func (p *PushPlugin) Start(*plugin.ExecutionContext) error {
	return p.mon.Start()
}

// Stop 转为退场模式。
func (p *PushPlugin) Stop(*plugin.ExecutionContext) error {
	p.mon.Drain()
	return nil
}

// Cleanup 硬停机。
func (p *PushPlugin) Cleanup(*plugin.ExecutionContext) error {
	p.mon.Shutdown()
	return nil
}

// Status 实现插件诊断。
func (p *PushPlugin) Status() map[string]any {
	if p.mon == nil {
		return map[string]any{"strategy": "push", "state": "uninitialised"}
	}
	return p.mon.Diagnostics()
}

// Monitor 暴露底层监控器，供编排器 Attach/Detach。
func (p *PushPlugin) Monitor() Monitor {
	return p.mon
}
