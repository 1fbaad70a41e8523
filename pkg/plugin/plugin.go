package plugin

import (
	"context"
	"log/slog"
)

// Module is the entry point every loaded plugin implements.
type Module interface {
	// Init prepares the plugin. Hooks and middleware are registered here.
	Init(ctx context.Context, api *API) error
	// Destroy releases any resources held by the plugin.
	Destroy(ctx context.Context) error
}

// BaseModule provides no-op lifecycle hooks for embedding.
type BaseModule struct{}

// Init implements Module.
func (BaseModule) Init(context.Context, *API) error { return nil }

// Destroy implements Module.
func (BaseModule) Destroy(context.Context) error { return nil }

// ModuleFuncs adapts plain functions to Module. Nil funcs are no-ops.
type ModuleFuncs struct {
	InitFunc    func(ctx context.Context, api *API) error
	DestroyFunc func(ctx context.Context) error
}

// Init implements Module.
func (m ModuleFuncs) Init(ctx context.Context, api *API) error {
	if m.InitFunc == nil {
		return nil
	}
	return m.InitFunc(ctx, api)
}

// Destroy implements Module.
func (m ModuleFuncs) Destroy(ctx context.Context) error {
	if m.DestroyFunc == nil {
		return nil
	}
	return m.DestroyFunc(ctx)
}

// State is the lifecycle position of a plugin id.
type State int

const (
	StateUncatalogued State = iota
	StateAvailable
	StateInstalling
	StateInstalled
	StateUninstalling
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateUncatalogued:
		return "uncatalogued"
	case StateAvailable:
		return "available"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateUninstalling:
		return "uninstalling"
	case StateRemoved:
		return "removed"
	}
	return "unknown"
}

// API is the capability scoped handle a plugin receives at Init.
type API struct {
	descriptor Descriptor
	manager    *Manager
	caps       *Capabilities
	log        *slog.Logger
	epoch      uint64
}

// ID returns the plugin id.
func (a *API) ID() string { return a.descriptor.ID }

// Descriptor returns a copy of the plugin descriptor.
func (a *API) Descriptor() Descriptor { return a.descriptor.Clone() }

// Logger returns a logger tagged with the plugin id.
func (a *API) Logger() *slog.Logger { return a.log }

// Capabilities returns the permission gated capability surface.
func (a *API) Capabilities() *Capabilities { return a.caps }

// RegisterHook adds a hook owned by this plugin.
func (a *API) RegisterHook(name string, priority int, fn Callback) (string, error) {
	return a.manager.registerHook(a, name, priority, fn)
}

// RegisterMiddleware adds middleware owned by this plugin.
func (a *API) RegisterMiddleware(t MiddlewareType, priority int, fn Callback) (string, error) {
	return a.manager.registerMiddleware(a, t, priority, fn)
}

// Emit publishes a custom event on behalf of this plugin.
func (a *API) Emit(name string, payload map[string]any) {
	a.manager.bus.Publish(name, a.descriptor.ID, payload)
}

// Resource returns a host supplied shared resource.
func (a *API) Resource(key string) (any, bool) {
	v, ok := a.manager.resources[key]
	return v, ok
}

// Option modifies the behaviour of a plugin manager instance.
type Option func(*Manager)

// WithLoader overrides the default loader.
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithCatalog sets the catalog source. Defaults to the configured marketplace.
func WithCatalog(source CatalogSource) Option {
	return func(m *Manager) {
		if source != nil {
			m.catalog = source
		}
	}
}

// WithStateStore sets the persistence backend.
func WithStateStore(store StateStore) Option {
	return func(m *Manager) {
		if store != nil {
			m.store = store
		}
	}
}

// WithUIHost sets the UI collaborator used by DOM capabilities.
func WithUIHost(host UIHost) Option {
	return func(m *Manager) {
		if host != nil {
			m.ui = host
		}
	}
}

// WithBus shares an event bus with the host.
func WithBus(bus *Bus) Option {
	return func(m *Manager) {
		if bus != nil {
			m.bus = bus
		}
	}
}

// WithObserver attaches lifecycle and execution metrics.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithLogger overrides the manager logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithResource registers a shared resource exposed to all plugins.
func WithResource(key string, value any) Option {
	return func(m *Manager) {
		if key == "" || value == nil {
			return
		}
		if m.resources == nil {
			m.resources = make(map[string]any)
		}
		m.resources[key] = value
	}
}

// WithHeapSampler replaces the heap sampler used for memory accounting.
func WithHeapSampler(s HeapSampler) Option {
	return func(m *Manager) {
		if s != nil {
			m.sampler = s
		}
	}
}
