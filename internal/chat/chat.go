package chat

import (
	"context"
	"time"
)

// Message 表示从聊天房间收到的一条文本消息。
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// Reaction 表示对某条消息的表情回应。
type Reaction struct {
	MessageID string `json:"message_id"`
	RoomID    string `json:"room_id"`
	SenderID  string `json:"sender_id"`
	Key       string `json:"key"`
}

// MessageHandler 处理入站消息。实现必须快速返回，耗时工作应当自行起协程。
type MessageHandler func(ctx context.Context, msg Message)

// ReactionHandler 处理入站表情回应。
type ReactionHandler func(ctx context.Context, reaction Reaction)

// Sender 负责向聊天房间发送消息，返回消息 ID。
type Sender interface {
	SendMessage(ctx context.Context, roomID, text string) (string, error)
	SendFormatted(ctx context.Context, roomID, text, html string) (string, error)
}

// Directory 负责查询用户的展示名。
type Directory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Events 注册入站事件的处理器。注册必须发生在事件流启动之前。
type Events interface {
	OnMessage(handler MessageHandler)
	OnReaction(handler ReactionHandler)
}

// Client 聚合聊天协作方的全部能力。本仓库不实现聊天协议本身，
// 只依赖这一组接口；网关适配器负责把它桥接到真实的聊天系统。
type Client interface {
	Sender
	Directory
	Events
}
