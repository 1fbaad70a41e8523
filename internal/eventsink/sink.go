// Package eventsink forwards plugin lifecycle events from the in-process bus
// to external brokers.
package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	xerrors "PluginHub/internal/errors"
	"PluginHub/pkg/plugin"
)

// Publisher 负责把事件信封投递到外部系统。
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Envelope 是投递到外部系统的事件格式。
type Envelope struct {
	Source string       `json:"source"`
	Sent   time.Time    `json:"sent"`
	Event  plugin.Event `json:"event"`
}

// Encode 将事件序列化为 JSON 信封。
func Encode(source string, evt plugin.Event) ([]byte, error) {
	raw, err := json.Marshal(Envelope{Source: source, Sent: time.Now().UTC(), Event: evt})
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	return raw, nil
}

// Decode 解析事件信封。
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("解析事件失败: %w", err)
	}
	return env, nil
}

// Config 描述事件投递目标。
type Config struct {
	Driver     string `json:"driver"`
	URL        string `json:"url"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	Queue      string `json:"queue"`
	MaxLen     int64  `json:"max_len"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
	Buffer     int    `json:"buffer"`
}

// Open 根据驱动名称构建事件投递器。
func Open(cfg Config) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemorySink(cfg.Buffer), nil
	case "redis":
		return NewRedisSink(RedisConfig{Address: cfg.URL, Password: cfg.Password, DB: cfg.DB, Queue: cfg.Queue, MaxLen: cfg.MaxLen})
	case "rabbitmq", "amqp":
		return NewRabbitMQSink(RabbitMQConfig{URL: cfg.URL, Queue: cfg.Queue, Durable: cfg.Durable, AutoDelete: cfg.AutoDelete})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的事件驱动: %s", cfg.Driver))
	}
}

func sinkError(cause error, driver string) error {
	return xerrors.Wrap(xerrors.CodeEventSinkFailure, cause, "投递事件失败", xerrors.WithMetadata("driver", driver))
}
