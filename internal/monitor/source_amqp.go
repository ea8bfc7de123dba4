package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPSourceConfig 描述 RabbitMQ 事件源的连接参数。
type AMQPSourceConfig struct {
	URL        string
	Queue      string
	Durable    bool
	AutoDelete bool
}

// AMQPSource 消费 RabbitMQ 队列里的任务状态事件。事件是广播性质的
// 通知，消费即确认，不做失败重投。每次订阅使用独立的 channel，
// 连接断开后在下一次订阅时重新拨号。
type AMQPSource struct {
	cfg AMQPSourceConfig
	log *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

// NewAMQPSource 创建 RabbitMQ 事件源并验证连接可用。
func NewAMQPSource(cfg AMQPSourceConfig, log *slog.Logger) (*AMQPSource, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	if cfg.Queue == "" {
		cfg.Queue = "chatops.task-events"
	}
	if log == nil {
		log = slog.Default()
	}
	s := &AMQPSource{cfg: cfg, log: log}
	if _, err := s.connection(); err != nil {
		return nil, err
	}
	return s, nil
}

// connection 返回一条可用连接，必要时重新拨号。
func (s *AMQPSource) connection() (*amqp.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("RabbitMQ 事件源已关闭")
	}
	if s.conn != nil && !s.conn.IsClosed() {
		return s.conn, nil
	}
	conn, err := amqp.Dial(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	s.conn = conn
	return conn, nil
}

// Subscribe 实现 Source。
func (s *AMQPSource) Subscribe(ctx context.Context, ready func(), handler func(Event)) error {
	conn, err := s.connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	defer ch.Close()
	if _, err := ch.QueueDeclare(s.cfg.Queue, s.cfg.Durable, s.cfg.AutoDelete, false, false, nil); err != nil {
		return fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	msgs, err := ch.Consume(s.cfg.Queue, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}
	if ready != nil {
		ready()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("RabbitMQ 消费通道已关闭")
			}
			ev, err := ParseEvent(msg.Body)
			if err != nil {
				s.log.Warn("丢弃无法解析的任务事件",
					slog.String("queue", s.cfg.Queue),
					slog.Any("error", err),
				)
				continue
			}
			handler(ev)
		}
	}
}

// Close 实现 Source。
func (s *AMQPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn == nil {
		return nil
	}
	conn := s.conn
	s.conn = nil
	return conn.Close()
}
