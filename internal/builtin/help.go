package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"ChatOps-Relay/internal/chat"
	"ChatOps-Relay/internal/command"
	xerrors "ChatOps-Relay/internal/errors"
	"ChatOps-Relay/pkg/plugin"
)

// HelpPlugin 是 command_extension 插件，注册 help 动词，按注册表
// 实时列出当前可用的全部命令。
type HelpPlugin struct {
	log      *slog.Logger
	mux      *command.Mux
	sender   chat.Sender
	prefix   string
	requests atomic.Int64
}

var _ plugin.Plugin = (*HelpPlugin)(nil)

// NewHelpPlugin 是注册到插件工厂表的构造函数。
func NewHelpPlugin(log *slog.Logger) *HelpPlugin {
	return &HelpPlugin{log: log, prefix: command.DefaultPrefix}
}

// Init 从资源表取得命令分发器与发送器。
func (p *HelpPlugin) Init(ectx *plugin.ExecutionContext) error {
	raw, ok := ectx.Resource(ResourceCommands)
	if !ok {
		return xerrors.New(xerrors.CodeInitializationFailure, "资源表缺少命令分发器")
	}
	mux, ok := raw.(*command.Mux)
	if !ok {
		return xerrors.New(xerrors.CodeInitializationFailure, "命令分发器资源类型不正确")
	}
	raw, ok = ectx.Resource(ResourceSender)
	if !ok {
		return xerrors.New(xerrors.CodeInitializationFailure, "资源表缺少聊天发送器")
	}
	sender, ok := raw.(chat.Sender)
	if !ok {
		return xerrors.New(xerrors.CodeInitializationFailure, "聊天发送器资源类型不正确")
	}
	p.mux = mux
	p.sender = sender
	if prefix, ok := ectx.Config["prefix"].(string); ok && prefix != "" {
		p.prefix = prefix
	}
	return nil
}

// Start 注册 help 动词。
func (p *HelpPlugin) Start(*plugin.ExecutionContext) error {
	return p.mux.Handle("help", "list available commands", p.handle)
}

// Stop 注销动词，给重载后的新实例让位。
func (p *HelpPlugin) Stop(*plugin.ExecutionContext) error {
	p.mux.Unregister("help")
	return nil
}

// Cleanup 无需额外清理。
func (p *HelpPlugin) Cleanup(*plugin.ExecutionContext) error {
	return nil
}

// Status 实现插件诊断。
func (p *HelpPlugin) Status() map[string]any {
	if p.mux == nil {
		return map[string]any{"state": "uninitialised"}
	}
	return map[string]any{
		"verbs":    len(p.mux.Verbs()),
		"requests": p.requests.Load(),
	}
}

func (p *HelpPlugin) handle(ctx context.Context, cmd command.Command) {
	p.requests.Add(1)
	var b strings.Builder
	b.WriteString("🤖 Available commands:")
	for _, v := range p.mux.Verbs() {
		fmt.Fprintf(&b, "\n• `%s%s`", p.prefix, v.Verb)
		if v.Help != "" {
			fmt.Fprintf(&b, " — %s", v.Help)
		}
	}
	if _, err := p.sender.SendMessage(ctx, cmd.RoomID, b.String()); err != nil {
		p.log.Warn("发送帮助信息失败",
			slog.String("room_id", cmd.RoomID),
			slog.Any("error", err),
		)
	}
}
