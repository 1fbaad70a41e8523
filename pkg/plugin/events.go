package plugin

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lifecycle and auxiliary event names.
const (
	EventPluginRegistered      = "plugin_registered"
	EventPluginUnregistered    = "plugin_unregistered"
	EventPluginInstalled       = "plugin_installed"
	EventPluginInstallFailed   = "plugin_install_failed"
	EventPluginUpdated         = "plugin_updated"
	EventPluginUpdateFailed    = "plugin_update_failed"
	EventPluginUninstalled     = "plugin_uninstalled"
	EventPluginUninstallFailed = "plugin_uninstall_failed"
	EventPluginEnabled         = "plugin_enabled"
	EventPluginDisabled        = "plugin_disabled"
	EventUpdatesAvailable      = "updates_available"

	EventHookRegistered       = "hook_registered"
	EventMiddlewareRegistered = "middleware_registered"
	EventHookError            = "hook_error"
	EventMiddlewareError      = "middleware_error"
	EventPermissionGranted    = "permission_granted"
	EventPermissionRevoked    = "permission_revoked"
	EventComponentCreated     = "component_created"
	EventComponentRendered    = "component_rendered"
	EventCatalogRefreshed     = "catalog_refreshed"
)

// AllTopics subscribes a handler to every event.
const AllTopics = "*"

// Event is a published notification. Payload always carries "pluginId"
// when the event concerns a single plugin.
type Event struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	PluginID string         `json:"pluginId,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	Time     time.Time      `json:"time"`
}

// Handler receives events. Handlers run synchronously on the publisher's goroutine.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus maps topics to ordered subscriber lists.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64
	log    *slog.Logger
}

// NewBus returns an empty bus. A nil logger discards subscriber panics silently.
func NewBus(log *slog.Logger) *Bus {
	return &Bus{subs: make(map[string][]subscription), log: log}
}

// Subscribe registers h for topic (or AllTopics) and returns a function
// that removes the subscription.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[topic]
			for i, s := range list {
				if s.id == id {
					b.subs[topic] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers an event to topic subscribers then wildcard subscribers,
// each in subscription order.
func (b *Bus) Publish(name, pluginID string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	if pluginID != "" {
		payload["pluginId"] = pluginID
	}
	evt := Event{
		ID:       newID(),
		Name:     name,
		PluginID: pluginID,
		Payload:  payload,
		Time:     time.Now().UTC(),
	}

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs[name])+len(b.subs[AllTopics]))
	targets = append(targets, b.subs[name]...)
	targets = append(targets, b.subs[AllTopics]...)
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(s.handler, evt)
	}
	return evt
}

func (b *Bus) deliver(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil && b.log != nil {
			b.log.Error("event handler panicked", slog.String("event", evt.Name), slog.Any("panic", r))
		}
	}()
	h(evt)
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
