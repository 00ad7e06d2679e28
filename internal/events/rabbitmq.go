package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "plumcp/internal/errors"
)

// RabbitMQConfig 描述 RabbitMQ 事件队列的连接参数。
type RabbitMQConfig struct {
	URL     string `yaml:"url"`
	Queue   string `yaml:"queue"`
	Durable bool   `yaml:"durable"`
}

// channel 是 RabbitMQSink 用到的 amqp.Channel 子集。
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQSink 把事件以 JSON 消息投递到 RabbitMQ 队列。
type RabbitMQSink struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    channel
	queue string
}

// NewRabbitMQSink 连接 RabbitMQ 并声明队列。
func NewRabbitMQSink(cfg RabbitMQConfig) (*RabbitMQSink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "plumcp.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "创建 RabbitMQ channel 失败")
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "声明 RabbitMQ 队列失败")
	}
	return &RabbitMQSink{conn: conn, ch: ch, queue: queue}, nil
}

// Publish 实现 Sink。amqp.Channel 不支持并发发布，因此串行化调用。
func (s *RabbitMQSink) Publish(ctx context.Context, ev Event) error {
	if s == nil || s.ch == nil {
		return xerrors.New(xerrors.CodePublishFailure, "RabbitMQ 队列未初始化")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "序列化事件失败")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Type:         string(ev.Type),
		Timestamp:    ev.OccurredAt,
		Body:         body,
	}); err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "RabbitMQ 发布事件失败")
	}
	return nil
}

// Close 关闭 RabbitMQ 连接。
func (s *RabbitMQSink) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
