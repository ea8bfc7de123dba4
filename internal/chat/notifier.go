package chat

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ChatOps-Relay/internal/registry"
	"ChatOps-Relay/pkg/logger"
)

// defaultNameTTL 是展示名缓存的默认有效期。
const defaultNameTTL = 10 * time.Minute

// Notifier 统一负责所有发往聊天房间的通知：消息模板、展示名缓存以及
// 发送失败的兜底日志都集中在这里，流水线各阶段只调用语义化的方法。
type Notifier struct {
	sender Sender
	names  Directory
	log    *slog.Logger

	mu      sync.Mutex
	cache   map[string]cachedName
	nameTTL time.Duration
}

type cachedName struct {
	name    string
	expires time.Time
}

// NotifierOption 定义可选配置。
type NotifierOption func(*Notifier)

// WithNameTTL 调整展示名缓存的有效期。
func WithNameTTL(ttl time.Duration) NotifierOption {
	return func(n *Notifier) {
		if ttl > 0 {
			n.nameTTL = ttl
		}
	}
}

// WithNotifierLogger 指定日志输出。
func WithNotifierLogger(log *slog.Logger) NotifierOption {
	return func(n *Notifier) {
		if log != nil {
			n.log = log
		}
	}
}

// NewNotifier 构造通知器。
func NewNotifier(sender Sender, names Directory, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		sender:  sender,
		names:   names,
		log:     logger.Named("notifier"),
		cache:   make(map[string]cachedName),
		nameTTL: defaultNameTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

// Post 发送纯文本通知，失败时记录日志并返回错误。
func (n *Notifier) Post(ctx context.Context, roomID, text string) (string, error) {
	id, err := n.sender.SendMessage(ctx, roomID, text)
	if err != nil {
		n.log.Error("发送聊天通知失败", slog.Any("error", err), slog.String("room_id", roomID))
		return "", err
	}
	return id, nil
}

// Postf 按格式化模板发送纯文本通知。
func (n *Notifier) Postf(ctx context.Context, roomID, format string, args ...any) (string, error) {
	return n.Post(ctx, roomID, fmt.Sprintf(format, args...))
}

func (n *Notifier) postFormatted(ctx context.Context, roomID, text, htmlBody string) (string, error) {
	id, err := n.sender.SendFormatted(ctx, roomID, text, htmlBody)
	if err != nil {
		n.log.Error("发送富文本通知失败", slog.Any("error", err), slog.String("room_id", roomID))
		return "", err
	}
	return id, nil
}

// Mention 返回用户的展示名，查询失败时退回用户 ID。结果带 TTL 缓存，
// 避免同一任务的每条状态通知都去聊天侧查询一次。
func (n *Notifier) Mention(ctx context.Context, userID string) string {
	if userID == "" {
		return "someone"
	}
	now := time.Now()
	n.mu.Lock()
	if cached, ok := n.cache[userID]; ok && now.Before(cached.expires) {
		n.mu.Unlock()
		return cached.name
	}
	n.mu.Unlock()

	name := userID
	if n.names != nil {
		resolved, err := n.names.DisplayName(ctx, userID)
		if err == nil && strings.TrimSpace(resolved) != "" {
			name = strings.TrimSpace(resolved)
		} else if err != nil {
			n.log.Debug("查询展示名失败", slog.Any("error", err), slog.String("user_id", userID))
		}
	}

	n.mu.Lock()
	n.cache[userID] = cachedName{name: name, expires: now.Add(n.nameTTL)}
	n.mu.Unlock()
	return name
}

// ConfirmationPrompt 发送确认询问，返回询问消息的 ID，供表情回应路由使用。
func (n *Notifier) ConfirmationPrompt(ctx context.Context, roomID, requesterID, action string, ttl time.Duration) (string, error) {
	window := ttl.Round(time.Second)
	text := fmt.Sprintf("%s: confirm \"%s\"? React 👍 / 👎 or reply yes/no within %s.",
		n.Mention(ctx, requesterID), action, window)
	htmlBody := fmt.Sprintf("%s: confirm <b>%s</b>? React 👍 / 👎 or reply yes/no within %s.",
		html.EscapeString(n.Mention(ctx, requesterID)), html.EscapeString(action), window)
	return n.postFormatted(ctx, roomID, text, htmlBody)
}

// ConfirmationCancelled 通知请求人任务已被取消。
func (n *Notifier) ConfirmationCancelled(ctx context.Context, roomID, requesterID, action string) {
	_, _ = n.Postf(ctx, roomID, "🚫 %s cancelled \"%s\" — nothing was started.", n.Mention(ctx, requesterID), action)
}

// ConfirmationExpired 通知确认窗口已过期。
func (n *Notifier) ConfirmationExpired(ctx context.Context, roomID, action string) {
	_, _ = n.Postf(ctx, roomID, "⏳ Confirmation for \"%s\" expired — nothing was started.", action)
}

// NotYourConfirmation 对非请求人的回应给出中性的提示。
func (n *Notifier) NotYourConfirmation(ctx context.Context, roomID, senderID string) {
	_, _ = n.Postf(ctx, roomID, "Only the requester can confirm or cancel this one, %s.", n.Mention(ctx, senderID))
}

// TaskStarted 通知任务已提交给任务运行器。
func (n *Notifier) TaskStarted(ctx context.Context, rec registry.TaskRecord) {
	_, _ = n.Postf(ctx, roomOf(rec), "🚀 Started \"%s\" (task %s) in project %s for %s.",
		rec.Label(), rec.TaskID, rec.ProjectID, n.Mention(ctx, rec.RequesterID))
}

// TaskRunning 通知任务进入运行状态。每个任务至多发送一次。
func (n *Notifier) TaskRunning(ctx context.Context, rec registry.TaskRecord) {
	_, _ = n.Postf(ctx, roomOf(rec), "🏃 \"%s\" (task %s) is now running.", rec.Label(), rec.TaskID)
}

// TaskCompleted 发送终态通知，并点名最初的请求人。
func (n *Notifier) TaskCompleted(ctx context.Context, rec registry.TaskRecord) {
	icon := "✅"
	verb := "succeeded"
	switch rec.Status {
	case registry.StatusFailed:
		icon = "❌"
		verb = "failed"
	case registry.StatusStopped:
		icon = "⏹"
		verb = "was stopped"
	}
	line := fmt.Sprintf("%s %s: \"%s\" (task %s) %s after %s.",
		icon, n.Mention(ctx, rec.RequesterID), rec.Label(), rec.TaskID, verb,
		time.Since(rec.StartedAt).Round(time.Second))
	if rec.Status == registry.StatusFailed && rec.Detail != "" {
		line += " " + rec.Detail
	}
	_, _ = n.Post(ctx, roomOf(rec), line)
}

// TaskReminder 发送周期性的运行提醒。
func (n *Notifier) TaskReminder(ctx context.Context, rec registry.TaskRecord) {
	_, _ = n.Postf(ctx, roomOf(rec), "⏱ Still running: \"%s\" (task %s), started %s ago.",
		rec.Label(), rec.TaskID, time.Since(rec.StartedAt).Round(time.Second))
}

// MonitoringUnavailable 在没有任务监控插件可用时提醒房间：任务已启动，
// 但不会有后续状态通知。
func (n *Notifier) MonitoringUnavailable(ctx context.Context, rec registry.TaskRecord) {
	_, _ = n.Postf(ctx, roomOf(rec), "⚠️ \"%s\" (task %s) started, but no task monitor is active — you won't get status updates.",
		rec.Label(), rec.TaskID)
}

// Error 发送一条面向用户的错误提示。调用方负责保证文案可读，
// 这里绝不会把堆栈或内部错误细节发进聊天房间。
func (n *Notifier) Error(ctx context.Context, roomID, text string) {
	_, _ = n.Postf(ctx, roomID, "⚠️ %s", text)
}

func roomOf(rec registry.TaskRecord) string {
	return rec.RoomID
}
