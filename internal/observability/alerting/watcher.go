package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "PluginHub/internal/errors"
	"PluginHub/pkg/logger"
	"PluginHub/pkg/plugin"
)

// 触发告警判定的事件。
var watchedEvents = []string{
	plugin.EventPluginInstallFailed,
	plugin.EventPluginUpdateFailed,
	plugin.EventPluginUninstallFailed,
	plugin.EventHookError,
	plugin.EventMiddlewareError,
}

// Watcher 订阅失败事件，对需要告警的错误码发送通知。
type Watcher struct {
	dispatcher Dispatcher
	cooldown   time.Duration
	timeout    time.Duration
	now        func() time.Time
	log        *slog.Logger

	mu     sync.Mutex
	recent map[string]time.Time
	wg     sync.WaitGroup
	unsubs []func()
}

// NewWatcher 创建告警监听器。cooldown 内相同插件与错误码的告警只发送一次。
func NewWatcher(d Dispatcher, cooldown time.Duration) *Watcher {
	if cooldown < 0 {
		cooldown = 0
	}
	return &Watcher{
		dispatcher: d,
		cooldown:   cooldown,
		timeout:    10 * time.Second,
		now:        time.Now,
		log:        logger.Named("alerting"),
		recent:     make(map[string]time.Time),
	}
}

// Attach 订阅总线上的失败事件。
func (w *Watcher) Attach(bus *plugin.Bus) {
	for _, name := range watchedEvents {
		w.unsubs = append(w.unsubs, bus.Subscribe(name, w.handle))
	}
}

// Close 取消订阅并等待在途通知完成。
func (w *Watcher) Close() {
	for _, unsub := range w.unsubs {
		unsub()
	}
	w.unsubs = nil
	w.wg.Wait()
}

func (w *Watcher) handle(evt plugin.Event) {
	alert, ok := w.classify(evt)
	if !ok || !w.admit(alert) {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		if err := w.dispatcher.Notify(ctx, alert); err != nil {
			w.log.Warn("alert dispatch failed", slog.String("plugin_id", alert.PluginID), slog.String("error", err.Error()))
		}
	}()
}

func (w *Watcher) classify(evt plugin.Event) (Event, bool) {
	code, _ := evt.Payload["code"].(string)
	if code == "" {
		return Event{}, false
	}
	attr := xerrors.AttributesOf(xerrors.Code(code))
	if !attr.Alert {
		return Event{}, false
	}
	msg, _ := evt.Payload["error"].(string)
	if msg == "" {
		msg = attr.Message
	}
	meta := map[string]string{"event_id": evt.ID}
	for k, v := range evt.Payload {
		switch k {
		case "code", "error", "pluginId":
			continue
		}
		meta[k] = fmt.Sprint(v)
	}
	return Event{
		Code:       xerrors.Code(code),
		Message:    msg,
		Severity:   attr.Severity,
		PluginID:   evt.PluginID,
		Source:     evt.Name,
		Metadata:   meta,
		OccurredAt: evt.Time,
	}, true
}

func (w *Watcher) admit(alert Event) bool {
	if w.cooldown == 0 {
		return true
	}
	key := alert.PluginID + "|" + string(alert.Code)
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if last, ok := w.recent[key]; ok && now.Sub(last) < w.cooldown {
		return false
	}
	w.recent[key] = now
	return true
}
