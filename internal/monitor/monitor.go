// Package monitor 实现任务监控策略。监控器从运行器（轮询）或事件源
// （推送）获得任务状态，统一汇报给编排器的状态回报入口；每个被附加的
// 任务都保证最终收到一个终态汇报，崩溃的观察协程会降级为 Failed 上报，
// 注册表里不会留下永远悬空的记录。
package monitor

import (
	"context"

	xerrors "ChatOps-Relay/internal/errors"
	"ChatOps-Relay/internal/registry"
	"ChatOps-Relay/internal/runner"
)

// CodeMonitorLeak 表示观察协程异常退出，由兜底逻辑补发终态。
const CodeMonitorLeak xerrors.Code = "MONITOR_LEAK"

func init() {
	xerrors.Register(CodeMonitorLeak, xerrors.Attributes{
		Message:   "task watcher exited abnormally",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// 插件通过 ExecutionContext 的资源表取得协作方，键名在此约定。
const (
	// ResourcePoller 指向查询任务状态的运行器客户端。
	ResourcePoller = "monitor.poller"
	// ResourceReporter 指向编排器的状态回报入口。
	ResourceReporter = "monitor.reporter"
	// ResourceSource 指向推送监控使用的事件源。
	ResourceSource = "monitor.source"
)

// Monitor 是任务监控策略的公共契约。Attach 之后任务由监控器负责到底：
// 即便监控槽后来换了占用者，已附加的任务仍由原监控器汇报。
type Monitor interface {
	// Attach 开始观察一个任务。
	Attach(rec registry.TaskRecord) error
	// Detach 停止观察一个任务。重复调用是无害的。
	Detach(taskID string)
}

// Reporter 消费监控器产出的状态汇报。由编排器实现，背后是注册表的
// 幂等推进，重复汇报会被吸收。
type Reporter interface {
	ReportStatus(taskID string, status registry.Status, detail string)
}

// Poller 查询任务的即时状态，由运行器客户端实现。
type Poller interface {
	TaskState(ctx context.Context, taskID string) (runner.TaskState, error)
}
