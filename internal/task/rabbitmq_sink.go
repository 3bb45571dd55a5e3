package task

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "task-processor/internal/errors"
)

// RabbitMQSinkConfig 描述 RabbitMQ 事件交换机的连接参数。
type RabbitMQSinkConfig struct {
	URL      string
	Exchange string
	Durable  bool
}

// RabbitMQSink 将任务事件发布到 fanout 交换机，路由键为任务状态。
type RabbitMQSink struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewRabbitMQSink 建立连接并声明交换机。
func NewRabbitMQSink(cfg RabbitMQSinkConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "task-processor.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBrokerFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeBrokerFailure, err, "创建 RabbitMQ channel 失败")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeBrokerFailure, err, "声明 RabbitMQ 交换机失败")
	}
	return &RabbitMQSink{conn: conn, ch: ch, exchange: exchange}, nil
}

// Name 实现 EventSink。
func (s *RabbitMQSink) Name() string { return "rabbitmq" }

// Send 发布一条 JSON 事件。
func (s *RabbitMQSink) Send(ctx context.Context, event Event) error {
	payload, err := encodeEvent(event)
	if err != nil {
		return fmt.Errorf("编码任务事件失败: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return xerrors.New(xerrors.CodeBrokerFailure, "RabbitMQ 连接已关闭")
	}
	return s.ch.PublishWithContext(ctx, s.exchange, string(event.Task.Status), false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   event.TaskID,
		Body:        payload,
	})
}

// Close 关闭 RabbitMQ 连接。
func (s *RabbitMQSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
