package eventsink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"PluginHub/pkg/logger"
	"PluginHub/pkg/plugin"
)

// Forwarder 订阅事件总线并异步投递到 Publisher。
type Forwarder struct {
	pub     Publisher
	source  string
	timeout time.Duration
	log     *slog.Logger

	mu          sync.RWMutex
	closed      bool
	queue       chan plugin.Event
	unsubscribe func()
	dropped     atomic.Int64
	failed      atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// ForwarderOption 调整转发器行为。
type ForwarderOption func(*Forwarder)

// WithSource 设置信封中的来源标识。
func WithSource(source string) ForwarderOption {
	return func(f *Forwarder) { f.source = source }
}

// WithBuffer 设置待投递事件的缓冲长度。
func WithBuffer(n int) ForwarderOption {
	return func(f *Forwarder) {
		if n > 0 {
			f.queue = make(chan plugin.Event, n)
		}
	}
}

// WithPublishTimeout 设置单次投递超时。
func WithPublishTimeout(d time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// NewForwarder 创建转发器，调用 Start 后开始订阅。
func NewForwarder(pub Publisher, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		pub:     pub,
		source:  "pluginhub",
		timeout: 5 * time.Second,
		log:     logger.Named("event-forwarder"),
		queue:   make(chan plugin.Event, 1024),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start 订阅所有主题并启动投递协程。总线处理器只做入队，缓冲满时丢弃事件。
func (f *Forwarder) Start(bus *plugin.Bus) {
	f.startOnce.Do(func() {
		f.unsubscribe = bus.Subscribe(plugin.AllTopics, func(evt plugin.Event) {
			f.mu.RLock()
			defer f.mu.RUnlock()
			if f.closed {
				return
			}
			select {
			case f.queue <- evt:
			default:
				f.dropped.Add(1)
				f.log.Warn("event dropped", slog.String("event", evt.Name), slog.String("plugin_id", evt.PluginID))
			}
		})
		go f.run()
	})
}

func (f *Forwarder) run() {
	defer close(f.done)
	for evt := range f.queue {
		f.forward(evt)
	}
}

func (f *Forwarder) forward(evt plugin.Event) {
	payload, err := Encode(f.source, evt)
	if err != nil {
		f.failed.Add(1)
		f.log.Error("encode event failed", slog.String("event", evt.Name), slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	if err := f.pub.Publish(ctx, payload); err != nil {
		f.failed.Add(1)
		f.log.Error("publish event failed", slog.String("event", evt.Name), slog.String("error", err.Error()))
	}
}

// Stop 取消订阅，投递完缓冲中的事件后返回。
func (f *Forwarder) Stop(ctx context.Context) error {
	started := false
	f.startOnce.Do(func() { close(f.done) })
	f.stopOnce.Do(func() {
		if f.unsubscribe != nil {
			started = true
			f.unsubscribe()
			f.mu.Lock()
			f.closed = true
			close(f.queue)
			f.mu.Unlock()
		}
	})
	if !started {
		return nil
	}
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats 返回丢弃与投递失败的事件数。
func (f *Forwarder) Stats() (dropped, failed int64) {
	return f.dropped.Load(), f.failed.Load()
}
