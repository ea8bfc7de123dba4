package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisSourceConfig 描述 Redis Pub/Sub 事件源的连接参数。
type RedisSourceConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// RedisSource 订阅 Redis Pub/Sub 频道，把任务状态事件转交给推送监控。
type RedisSource struct {
	client  *redis.Client
	channel string
	log     *slog.Logger
}

// NewRedisSource 创建 Redis 事件源。
func NewRedisSource(cfg RedisSourceConfig, log *slog.Logger) (*RedisSource, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "chatops:task-events"
	}
	if log == nil {
		log = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisSource{client: client, channel: channel, log: log}, nil
}

// Subscribe 实现 Source。订阅确认后调用 ready，通道被关闭视为断连。
func (s *RedisSource) Subscribe(ctx context.Context, ready func(), handler func(Event)) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("订阅 Redis 频道失败: %w", err)
	}
	if ready != nil {
		ready()
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("Redis 订阅通道已关闭")
			}
			ev, err := ParseEvent([]byte(msg.Payload))
			if err != nil {
				s.log.Warn("丢弃无法解析的任务事件",
					slog.String("channel", s.channel),
					slog.Any("error", err),
				)
				continue
			}
			handler(ev)
		}
	}
}

// Close 实现 Source。
func (s *RedisSource) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
