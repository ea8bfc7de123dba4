package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"ChatOps-Relay/internal/chat"
	xerrors "ChatOps-Relay/internal/errors"
	"ChatOps-Relay/pkg/logger"
)

// Channel 表示告警通知渠道。
type Channel string

// 支持的通知渠道
const (
	// ChannelChat 把告警发进运维房间，聊天就是这套系统的首要界面。
	ChannelChat Channel = "chat"
	// ChannelLog 把告警落到结构化日志，供采集系统接走。
	ChannelLog Channel = "log"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	Component  string
	Plugin     string
	TaskID     string
	Metadata   map[string]string
	OccurredAt time.Time
}

// FromError 从带错误码的错误构造告警事件。
func FromError(component string, err error) Event {
	return Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		Component:  component,
		OccurredAt: time.Now(),
	}
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ChatNotifier 把告警发到运维聊天房间。
type ChatNotifier struct {
	Sender chat.Sender
	RoomID string
}

// Channel 返回聊天渠道。
func (n *ChatNotifier) Channel() Channel { return ChannelChat }

// Notify 发送聊天告警。
func (n *ChatNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || n.RoomID == "" {
		logger.L().Warn("ChatNotifier 未正确配置，跳过发送", slog.String("code", string(event.Code)))
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s: %s", severityIcon(event.Severity), event.Severity, event.Code, event.Message)
	if event.Component != "" {
		fmt.Fprintf(&b, "\ncomponent: %s", event.Component)
	}
	if event.Plugin != "" {
		fmt.Fprintf(&b, "\nplugin: %s", event.Plugin)
	}
	if event.TaskID != "" {
		fmt.Fprintf(&b, "\ntask: %s", event.TaskID)
	}
	for _, key := range sortedKeys(event.Metadata) {
		fmt.Fprintf(&b, "\n%s: %s", key, event.Metadata[key])
	}
	_, err := n.Sender.SendMessage(ctx, n.RoomID, b.String())
	return err
}

// LogNotifier 把告警写入结构化日志。
type LogNotifier struct {
	Log *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录告警日志。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	log := n.Log
	if log == nil {
		log = logger.L()
	}
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("component", event.Component),
		slog.Time("occurred_at", event.OccurredAt),
	}
	if event.Plugin != "" {
		attrs = append(attrs, slog.String("plugin", event.Plugin))
	}
	if event.TaskID != "" {
		attrs = append(attrs, slog.String("task_id", event.TaskID))
	}
	switch event.Severity {
	case xerrors.SeverityCritical:
		log.Error("触发告警: "+event.Message, attrs...)
	case xerrors.SeverityWarning:
		log.Warn("触发告警: "+event.Message, attrs...)
	default:
		log.Info("触发告警: "+event.Message, attrs...)
	}
	return nil
}

func severityIcon(severity xerrors.Severity) string {
	switch severity {
	case xerrors.SeverityCritical:
		return "🚨"
	case xerrors.SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
