package task

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	xerrors "task-processor/internal/errors"
)

// RedisSinkConfig 描述 Redis 事件通道的连接参数。
type RedisSinkConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// RedisSink 通过 PUBLISH 将任务事件推送到 Redis 频道。
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisSink 创建 Redis Sink 并校验连通性。
func NewRedisSink(ctx context.Context, cfg RedisSinkConfig) (*RedisSink, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeBrokerFailure, err, "连接 Redis 失败")
	}
	return NewRedisSinkWithClient(client, cfg.Channel), nil
}

// NewRedisSinkWithClient 使用已有客户端构造 Sink。
func NewRedisSinkWithClient(client redis.UniversalClient, channel string) *RedisSink {
	if channel == "" {
		channel = "task-processor:events"
	}
	return &RedisSink{client: client, channel: channel}
}

// Name 实现 EventSink。
func (s *RedisSink) Name() string { return "redis" }

// Send 将事件发布到频道。
func (s *RedisSink) Send(ctx context.Context, event Event) error {
	payload, err := encodeEvent(event)
	if err != nil {
		return fmt.Errorf("编码任务事件失败: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
