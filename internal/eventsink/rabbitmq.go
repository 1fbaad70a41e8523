package eventsink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 事件队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Durable    bool
	AutoDelete bool
}

// RabbitMQSink 将事件发布到 RabbitMQ 队列。
type RabbitMQSink struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQSink 建立连接并声明队列。
func NewRabbitMQSink(cfg RabbitMQConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "pluginhub.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQSink{conn: conn, ch: ch, queue: queue}, nil
}

// Publish 以持久化消息投递事件。amqp.Channel 不是并发安全的，因此加锁。
func (s *RabbitMQSink) Publish(ctx context.Context, payload []byte) error {
	if s == nil || s.ch == nil {
		return errors.New("RabbitMQ 投递器未初始化")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.ch.PublishWithContext(ctx, "", s.queue, false, false, publishing(payload))
	if err != nil {
		return sinkError(err, "rabbitmq")
	}
	return nil
}

func publishing(payload []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	}
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
