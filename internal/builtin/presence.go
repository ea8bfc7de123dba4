package builtin

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ChatOps-Relay/internal/chat"
	xerrors "ChatOps-Relay/internal/errors"
	"ChatOps-Relay/pkg/plugin"
)

// 播报消息不能拖住插件生命周期，超时直接放弃。
const announceTimeout = 5 * time.Second

// PresencePlugin 是 core 插件，在运维房间播报宿主的上线与下线，
// 并通过诊断暴露运行时长。
type PresencePlugin struct {
	log    *slog.Logger
	sender chat.Sender
	room   string

	mu        sync.Mutex
	startedAt time.Time
	announced int
}

var _ plugin.Plugin = (*PresencePlugin)(nil)

// NewPresencePlugin 是注册到插件工厂表的构造函数。
func NewPresencePlugin(log *slog.Logger) *PresencePlugin {
	return &PresencePlugin{log: log}
}

// Init 确定播报房间与发送器。清单配置的 room_id 优先于宿主资源表；
// 两边都没有房间时播报关闭，插件只记录运行时长。
func (p *PresencePlugin) Init(ectx *plugin.ExecutionContext) error {
	if room, ok := ectx.Config["room_id"].(string); ok && room != "" {
		p.room = room
	} else if raw, ok := ectx.Resource(ResourceOpsRoom); ok {
		if room, ok := raw.(string); ok {
			p.room = room
		}
	}
	if p.room == "" {
		p.log.Debug("未配置运维房间，presence 只记录运行时长")
		return nil
	}

	raw, ok := ectx.Resource(ResourceSender)
	if !ok {
		return xerrors.New(xerrors.CodeInitializationFailure, "资源表缺少聊天发送器")
	}
	sender, ok := raw.(chat.Sender)
	if !ok {
		return xerrors.New(xerrors.CodeInitializationFailure, "聊天发送器资源类型不正确")
	}
	p.sender = sender
	return nil
}

// Start 记录启动时刻并播报上线。
func (p *PresencePlugin) Start(ectx *plugin.ExecutionContext) error {
	p.mu.Lock()
	p.startedAt = time.Now()
	p.mu.Unlock()
	p.announce(ectx.C, "🟢 ChatOps relay is online.")
	return nil
}

// Stop 播报下线并清零运行时长。
func (p *PresencePlugin) Stop(ectx *plugin.ExecutionContext) error {
	p.announce(ectx.C, "🔴 ChatOps relay is going offline.")
	p.mu.Lock()
	p.startedAt = time.Time{}
	p.mu.Unlock()
	return nil
}

// Cleanup 无需额外清理。
func (p *PresencePlugin) Cleanup(*plugin.ExecutionContext) error {
	return nil
}

// Status 实现插件诊断。
func (p *PresencePlugin) Status() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := map[string]any{
		"announcements": p.announced,
		"running":       !p.startedAt.IsZero(),
	}
	if !p.startedAt.IsZero() {
		st["started_at"] = p.startedAt.UTC().Format(time.RFC3339)
		st["uptime_seconds"] = int64(time.Since(p.startedAt).Seconds())
	}
	return st
}

func (p *PresencePlugin) announce(ctx context.Context, text string) {
	if p.sender == nil || p.room == "" {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, announceTimeout)
	defer cancel()
	if _, err := p.sender.SendMessage(ctx, p.room, text); err != nil {
		p.log.Warn("播报在线状态失败",
			slog.String("room_id", p.room),
			slog.Any("error", err),
		)
		return
	}
	p.mu.Lock()
	p.announced++
	p.mu.Unlock()
}
