package command

import (
	"context"
	"fmt"
	"log/slog"

	"ChatOps-Relay/internal/chat"
	xerrors "ChatOps-Relay/internal/errors"
)

// Responder 先于命令解析消费入站事件，确认代理用它接收表情回应和
// 简短答复。返回 true 表示事件已被消费。
type Responder interface {
	HandleReaction(chat.Reaction) bool
	HandleMessage(chat.Message) bool
}

// Bot 把聊天事件流接到命令分发器上。每条命令在独立协程里执行，
// 慢命令不会阻塞事件回调。
type Bot struct {
	prefix    string
	mux       *Mux
	responder Responder
	sender    chat.Sender
	log       *slog.Logger
	onCommand func(verb string)
}

// BotOption 配置 Bot 的可选行为。
type BotOption func(*Bot)

// WithPrefix 覆盖命令前缀。
func WithPrefix(prefix string) BotOption {
	return func(b *Bot) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithResponder 挂接确认代理等前置消费者。
func WithResponder(responder Responder) BotOption {
	return func(b *Bot) {
		b.responder = responder
	}
}

// WithCommandHook 在每条命令分发前调用，一般用于指标计数。
func WithCommandHook(hook func(verb string)) BotOption {
	return func(b *Bot) {
		b.onCommand = hook
	}
}

// WithBotLogger 设置日志器。
func WithBotLogger(log *slog.Logger) BotOption {
	return func(b *Bot) {
		if log != nil {
			b.log = log
		}
	}
}

// NewBot 创建命令机器人。
func NewBot(mux *Mux, sender chat.Sender, opts ...BotOption) *Bot {
	b := &Bot{
		prefix: DefaultPrefix,
		mux:    mux,
		sender: sender,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Bind 把机器人注册到聊天事件流上。必须在事件流启动前调用。
func (b *Bot) Bind(events chat.Events) {
	events.OnMessage(b.handleMessage)
	events.OnReaction(b.handleReaction)
}

func (b *Bot) handleReaction(ctx context.Context, r chat.Reaction) {
	if b.responder != nil {
		b.responder.HandleReaction(r)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg chat.Message) {
	cmd, isCommand, err := Parse(msg, b.prefix)
	if !isCommand {
		if b.responder != nil {
			b.responder.HandleMessage(msg)
		}
		return
	}
	if err != nil {
		b.log.Debug("命令解析失败",
			slog.String("room_id", msg.RoomID),
			slog.Any("error", err),
		)
		b.reply(ctx, msg.RoomID, fmt.Sprintf("⚠️ I couldn't parse that. Try `%shelp`.", b.prefix))
		return
	}

	if b.onCommand != nil {
		b.onCommand(cmd.Verb)
	}
	b.log.Info("收到命令",
		slog.String("command_id", cmd.ID),
		slog.String("verb", cmd.Verb),
		slog.String("room_id", cmd.RoomID),
		slog.String("sender_id", cmd.SenderID),
	)

	go func() {
		if err := b.mux.Dispatch(ctx, cmd); err != nil {
			if xerrors.CodeOf(err) == xerrors.CodeNotFound {
				b.reply(ctx, cmd.RoomID, fmt.Sprintf("⚠️ Unknown command `%s`. Try `%shelp`.", cmd.Verb, b.prefix))
				return
			}
			b.log.Warn("命令分发失败",
				slog.String("command_id", cmd.ID),
				slog.String("verb", cmd.Verb),
				slog.Any("error", err),
			)
		}
	}()
}

func (b *Bot) reply(ctx context.Context, roomID, text string) {
	if b.sender == nil {
		return
	}
	if _, err := b.sender.SendMessage(ctx, roomID, text); err != nil {
		b.log.Warn("发送回复失败",
			slog.String("room_id", roomID),
			slog.Any("error", err),
		)
	}
}
