// Package builtin 收拢编译进宿主的插件实现，并把它们登记到插件工厂表。
// 清单文件只在这张表里挑选实现，不会引入新的插件形状。
package builtin

import (
	"log/slog"

	"ChatOps-Relay/internal/monitor"
	"ChatOps-Relay/pkg/plugin"
)

// 内建实现的名字，清单里的 name 字段必须与之对应。
const (
	NamePollMonitor = "poll-monitor"
	NamePushMonitor = "push-monitor"
	NameHelp        = "help"
	NamePresence    = "presence"
)

// 宿主通过资源表向插件提供协作方，键名在此约定。监控类资源的键
// 由 internal/monitor 导出。
const (
	// ResourceCommands 指向命令分发器，command_extension 插件在
	// Start 时向它注册动词，Stop 时注销。
	ResourceCommands = "command.mux"
	// ResourceSender 指向聊天发送器。
	ResourceSender = "chat.sender"
	// ResourceOpsRoom 指向运维播报房间的 ID。
	ResourceOpsRoom = "chat.ops_room"
)

// Register 把全部内建插件的工厂登记到注册表。重复登记是装配错误，
// 直接 panic。
func Register(reg *plugin.Registry, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	reg.MustRegister(NamePollMonitor, func() plugin.Plugin { return monitor.NewPollPlugin(log) })
	reg.MustRegister(NamePushMonitor, func() plugin.Plugin { return monitor.NewPushPlugin(log) })
	reg.MustRegister(NameHelp, func() plugin.Plugin { return NewHelpPlugin(log) })
	reg.MustRegister(NamePresence, func() plugin.Plugin { return NewPresencePlugin(log) })
}
