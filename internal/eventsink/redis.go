package eventsink

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 事件列表的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Queue    string
	// MaxLen 限制列表长度，0 表示不裁剪。
	MaxLen int64
}

// RedisSink 将事件 LPUSH 到 Redis list。
type RedisSink struct {
	client *redis.Client
	queue  string
	maxLen int64
}

// NewRedisSink 创建 Redis 事件投递器。
func NewRedisSink(cfg RedisConfig) (*RedisSink, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisSink(client, cfg), nil
}

func newRedisSink(client *redis.Client, cfg RedisConfig) *RedisSink {
	queue := cfg.Queue
	if queue == "" {
		queue = "pluginhub:events"
	}
	return &RedisSink{client: client, queue: queue, maxLen: cfg.MaxLen}
}

// Publish 投递事件，并在配置了 MaxLen 时裁剪列表。
func (s *RedisSink) Publish(ctx context.Context, payload []byte) error {
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.queue, payload)
	if s.maxLen > 0 {
		pipe.LTrim(ctx, s.queue, 0, s.maxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return sinkError(err, "redis")
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
