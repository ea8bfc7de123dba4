package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"ChatOps-Relay/internal/command"
	xerrors "ChatOps-Relay/internal/errors"
	"ChatOps-Relay/internal/observability/alerting"
	"ChatOps-Relay/pkg/plugin"
)

// 插件运维的错误码。插件管理器用哨兵错误表达结果，这里在聊天边界换成
// 带属性的错误码，日志与告警都按码归类。
const (
	CodeDiscoveryFailed xerrors.Code = "DISCOVERY_FAILED"
	CodeLifecycleFailed xerrors.Code = "LIFECYCLE_FAILED"
	CodeSlotConflict    xerrors.Code = "SLOT_CONFLICT"
)

func init() {
	xerrors.Register(CodeDiscoveryFailed, xerrors.Attributes{
		Message:   "plugin discovery failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeLifecycleFailed, xerrors.Attributes{
		Message:   "plugin lifecycle operation failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeSlotConflict, xerrors.Attributes{
		Message:   "task monitor slot occupied",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// PluginAdmin 是编排器需要的插件运维能力，由插件管理器实现。
type PluginAdmin interface {
	Enable(ctx context.Context, name string) error
	Disable(ctx context.Context, name string) error
	Reload(ctx context.Context, name string) error
	Status() []plugin.InstanceStatus
}

var _ PluginAdmin = (*plugin.Manager)(nil)

func (o *Orchestrator) registerAdminCommands(mux *command.Mux) error {
	verbs := []struct {
		verb, help string
		handler    command.HandlerFunc
	}{
		{"plugins", "plugins — list plugins and their states", o.handlePlugins},
		{"enable", "enable <plugin> — enable and start a plugin", o.handleEnable},
		{"disable", "disable <plugin> — stop and disable a plugin", o.handleDisable},
		{"reload", "reload <plugin> — reload a plugin from its manifest", o.handleReload},
	}
	for _, v := range verbs {
		if err := mux.Handle(v.verb, v.help, v.handler); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) handlePlugins(_ context.Context, cmd command.Command) {
	nctx, cancel := o.notifyContext()
	defer cancel()

	statuses := o.admin.Status()
	if len(statuses) == 0 {
		_, _ = o.notifier.Post(nctx, cmd.RoomID, "No plugins are loaded.")
		return
	}
	lines := make([]string, 0, len(statuses)+1)
	lines = append(lines, fmt.Sprintf("🔌 %d plugin(s):", len(statuses)))
	for _, s := range statuses {
		line := fmt.Sprintf("• %s v%s [%s] %s", s.Name, s.Version, s.Type, s.State)
		if !s.Enabled {
			line += " (disabled)"
		}
		if s.Reason != "" {
			line += " — " + s.Reason
		}
		lines = append(lines, line)
	}
	_, _ = o.notifier.Post(nctx, cmd.RoomID, strings.Join(lines, "\n"))
}

func (o *Orchestrator) handleEnable(_ context.Context, cmd command.Command) {
	o.adminOp(cmd, "enable", o.admin.Enable)
}

func (o *Orchestrator) handleDisable(_ context.Context, cmd command.Command) {
	o.adminOp(cmd, "disable", o.admin.Disable)
}

func (o *Orchestrator) handleReload(_ context.Context, cmd command.Command) {
	o.adminOp(cmd, "reload", o.admin.Reload)
}

// adminOp 统一执行插件生命周期操作并把结果译成聊天提示。
func (o *Orchestrator) adminOp(cmd command.Command, op string, run func(context.Context, string) error) {
	nctx, cancel := o.notifyContext()
	defer cancel()

	if len(cmd.Args) == 0 {
		o.notifier.Error(nctx, cmd.RoomID, "Usage: !"+op+" <plugin>")
		return
	}
	name := cmd.Args[0]

	opCtx, opCancel := context.WithTimeout(o.pipelineContext(), lifecycleTimeout)
	defer opCancel()
	err := run(opCtx, name)
	if err == nil {
		_, _ = o.notifier.Postf(nctx, cmd.RoomID, "✅ Plugin %s %sd.", name, op)
		o.log.Info("插件生命周期操作完成",
			slog.String("plugin", name),
			slog.String("op", op),
			slog.String("requester_id", cmd.SenderID),
		)
		return
	}

	switch {
	case errors.Is(err, plugin.ErrNotFound):
		o.notifier.Error(nctx, cmd.RoomID, "No plugin named \""+name+"\".")
	case errors.Is(err, plugin.ErrBusy):
		o.notifier.Error(nctx, cmd.RoomID, "Plugin "+name+" is busy with another lifecycle operation, try again shortly.")
	case errors.Is(err, plugin.ErrSlotOccupied):
		conflict := xerrors.Wrap(CodeSlotConflict, err, "monitor slot already occupied")
		o.log.Warn("监控槽冲突", slog.String("plugin", name), slog.Any("error", conflict))
		o.notifier.Error(nctx, cmd.RoomID, "Can't "+op+" "+name+": "+err.Error()+". Disable the current monitor first.")
	default:
		failure := xerrors.Wrap(CodeLifecycleFailed, err, "plugin "+op+" failed")
		o.log.Error("插件生命周期操作失败",
			slog.String("plugin", name),
			slog.String("op", op),
			slog.Any("error", failure),
		)
		event := alerting.FromError("plugin-manager", failure)
		event.Plugin = name
		o.alert(event)
		o.notifier.Error(nctx, cmd.RoomID, "Plugin "+op+" for "+name+" failed: "+err.Error())
	}
}
