// Package command 把聊天消息解析成结构化命令，并按动词分发给各自的
// 处理器。动词由进程启动时的内建命令和 command_extension 插件共同注册；
// 插件在停止时注销自己的动词，重载后由新实例重新注册。
package command

import (
	"strings"

	"github.com/google/uuid"

	"ChatOps-Relay/internal/chat"
	xerrors "ChatOps-Relay/internal/errors"
)

// CodeCommandInvalid 表示消息带有命令前缀但无法解析成有效命令。
const CodeCommandInvalid xerrors.Code = "COMMAND_INVALID"

func init() {
	xerrors.Register(CodeCommandInvalid, xerrors.Attributes{
		Message:   "command could not be parsed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// DefaultPrefix 是命令消息的默认前缀。
const DefaultPrefix = "!"

// Command 是一条解析后的聊天命令。
type Command struct {
	// ID 是本次命令的关联标识，贯穿日志与通知。
	ID        string
	Verb      string
	Args      []string
	Options   map[string]string
	RoomID    string
	SenderID  string
	MessageID string
	Raw       string
}

// Option 返回命令的某个 key=value 选项。
func (c Command) Option(key string) (string, bool) {
	value, ok := c.Options[key]
	return value, ok
}

// Parse 尝试把一条聊天消息解析成命令。不带前缀的消息返回 ok=false；
// 带前缀但动词为空的消息返回错误。位置参数与 key=value 选项可以混写，
// 选项的相对顺序不影响语义。
func Parse(msg chat.Message, prefix string) (Command, bool, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	body := strings.TrimSpace(msg.Body)
	if !strings.HasPrefix(body, prefix) {
		return Command{}, false, nil
	}

	fields := strings.Fields(strings.TrimPrefix(body, prefix))
	if len(fields) == 0 || fields[0] == "" {
		return Command{}, true, xerrors.New(CodeCommandInvalid, "命令动词不能为空",
			xerrors.WithMetadata("room_id", msg.RoomID))
	}

	cmd := Command{
		ID:        uuid.NewString(),
		Verb:      strings.ToLower(fields[0]),
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		MessageID: msg.ID,
		Raw:       body,
	}
	for _, field := range fields[1:] {
		if key, value, ok := strings.Cut(field, "="); ok && key != "" {
			if cmd.Options == nil {
				cmd.Options = make(map[string]string)
			}
			cmd.Options[strings.ToLower(key)] = value
			continue
		}
		cmd.Args = append(cmd.Args, field)
	}
	return cmd, true, nil
}
