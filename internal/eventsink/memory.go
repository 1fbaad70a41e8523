package eventsink

import (
	"context"
	"errors"
	"sync"

	"PluginHub/pkg/plugin"
)

// MemorySink 在内存中保留最近的事件，供 API 查询与测试使用。
type MemorySink struct {
	mu     sync.RWMutex
	size   int
	items  [][]byte
	closed bool
}

// NewMemorySink 创建容量为 size 的环形缓冲。
func NewMemorySink(size int) *MemorySink {
	if size <= 0 {
		size = 256
	}
	return &MemorySink{size: size}
}

// Publish 记录事件，超出容量时丢弃最旧的一条。
func (s *MemorySink) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("事件缓冲已关闭")
	}
	if len(s.items) == s.size {
		copy(s.items, s.items[1:])
		s.items = s.items[:s.size-1]
	}
	s.items = append(s.items, append([]byte(nil), payload...))
	return nil
}

// Recent 按时间倒序返回最多 limit 条事件。
func (s *MemorySink) Recent(limit int) []plugin.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.items) {
		limit = len(s.items)
	}
	out := make([]plugin.Event, 0, limit)
	for i := len(s.items) - 1; i >= 0 && len(out) < limit; i-- {
		env, err := Decode(s.items[i])
		if err != nil {
			continue
		}
		out = append(out, env.Event)
	}
	return out
}

func (s *MemorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
