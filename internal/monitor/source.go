package monitor

import (
	"context"
	"sync"

	xerrors "ChatOps-Relay/internal/errors"
)

// Source 是推送监控的事件来源。Subscribe 建立订阅后调用 ready 一次，
// 然后把事件交给 handler，直到连接断开（返回错误）或 ctx 结束（返回
// nil）。监控器负责重连与回退，实现只需要如实汇报连接的生与死。
type Source interface {
	Subscribe(ctx context.Context, ready func(), handler func(Event)) error
	Close() error
}

// MemorySource 用 channel 模拟事件源，主要用于测试和本地开发。
// Fail 可以注入一次连接断开，配合测试推送监控的回退与恢复。
type MemorySource struct {
	mu     sync.Mutex
	events chan Event
	faults chan error
	closed bool
}

// NewMemorySource 创建一个内存事件源。
func NewMemorySource(size int) *MemorySource {
	if size <= 0 {
		size = 64
	}
	return &MemorySource{
		events: make(chan Event, size),
		faults: make(chan error, 1),
	}
}

// Publish 投递一条事件。
func (s *MemorySource) Publish(ev Event) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return xerrors.New(xerrors.CodeUnavailable, "事件源已关闭")
	}
	s.events <- ev
	return nil
}

// Fail 模拟一次连接断开，当前的 Subscribe 调用会带着该错误返回。
func (s *MemorySource) Fail(err error) {
	select {
	case s.faults <- err:
	default:
	}
}

// Subscribe 实现 Source。
func (s *MemorySource) Subscribe(ctx context.Context, ready func(), handler func(Event)) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return xerrors.New(xerrors.CodeUnavailable, "事件源已关闭")
	}
	if ready != nil {
		ready()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.faults:
			return err
		case ev := <-s.events:
			handler(ev)
		}
	}
}

// Close 实现 Source。
func (s *MemorySource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
