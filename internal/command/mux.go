package command

import (
	"context"
	"sort"
	"sync"

	xerrors "ChatOps-Relay/internal/errors"
)

// HandlerFunc 处理一条已解析的命令。实现自行负责向房间回复。
type HandlerFunc func(ctx context.Context, cmd Command)

// VerbHelp 描述一个已注册动词及其帮助文本。
type VerbHelp struct {
	Verb string
	Help string
}

type muxEntry struct {
	handler HandlerFunc
	help    string
}

// Mux 按动词分发命令。
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]muxEntry
}

// NewMux 创建一个空的命令分发器。
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]muxEntry)}
}

// Handle 注册一个动词。动词冲突是装配错误，直接拒绝。
func (m *Mux) Handle(verb, help string, handler HandlerFunc) error {
	if verb == "" || handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "注册命令需要动词和处理器")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.handlers[verb]; exists {
		return xerrors.New(xerrors.CodeConflict, "命令动词已被注册",
			xerrors.WithMetadata("verb", verb))
	}
	m.handlers[verb] = muxEntry{handler: handler, help: help}
	return nil
}

// Unregister 移除一个动词。移除未注册的动词是无害的，插件停止时用它
// 收回自己注册过的命令。
func (m *Mux) Unregister(verb string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, verb)
}

// Dispatch 把命令交给对应的处理器。未注册的动词返回 NOT_FOUND。
func (m *Mux) Dispatch(ctx context.Context, cmd Command) error {
	m.mu.RLock()
	entry, ok := m.handlers[cmd.Verb]
	m.mu.RUnlock()
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "未知命令",
			xerrors.WithMetadata("verb", cmd.Verb))
	}
	entry.handler(ctx, cmd)
	return nil
}

// Verbs 返回全部已注册动词及帮助文本，按动词排序。
func (m *Mux) Verbs() []VerbHelp {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]VerbHelp, 0, len(m.handlers))
	for verb, entry := range m.handlers {
		out = append(out, VerbHelp{Verb: verb, Help: entry.help})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Verb < out[j].Verb })
	return out
}
