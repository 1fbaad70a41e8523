package plugin

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"

	xerrors "PluginHub/internal/errors"
)

// Core hook names. Plugins may register any other name as well.
const (
	HookBeforePageLoad        = "before_page_load"
	HookAfterPageLoad         = "after_page_load"
	HookBeforeComponentRender = "before_component_render"
	HookAfterComponentRender  = "after_component_render"
	HookBeforeFormSubmit      = "before_form_submit"
	HookAfterFormSubmit       = "after_form_submit"
	HookBeforeAPICall         = "before_api_call"
	HookAfterAPICall          = "after_api_call"
	HookBeforeNavigation      = "before_navigation"
	HookAfterNavigation       = "after_navigation"
	HookUserLogin             = "user_login"
	HookUserLogout            = "user_logout"
	HookErrorOccurred         = "error_occurred"
	HookPerformanceMetric     = "performance_metric"
)

// MiddlewareType names a middleware chain.
type MiddlewareType string

const (
	MiddlewareRequest   MiddlewareType = "request"
	MiddlewareResponse  MiddlewareType = "response"
	MiddlewareComponent MiddlewareType = "component"
	MiddlewareEvent     MiddlewareType = "event"
)

// Valid reports whether t is a known middleware chain.
func (t MiddlewareType) Valid() bool {
	switch t {
	case MiddlewareRequest, MiddlewareResponse, MiddlewareComponent, MiddlewareEvent:
		return true
	}
	return false
}

// Registration is a hook or middleware owned by a plugin.
type Registration struct {
	ID       string `json:"id"`
	PluginID string `json:"pluginId"`
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	// Middleware distinguishes middleware from hooks.
	Middleware bool `json:"middleware"`

	callback Callback
	seq      uint64
}

// Runner executes a plugin callback; the Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, pluginID string, fn Callback, data any, next Next) (any, error)
}

// HookRegistry keeps hooks and middleware in ascending priority order.
// Equal priorities keep registration order.
type HookRegistry struct {
	mu         sync.RWMutex
	hooks      map[string][]*Registration
	middleware map[MiddlewareType][]*Registration
	seq        uint64

	runner Runner
	active func(pluginID string) bool
	bus    *Bus
	log    *slog.Logger
}

// NewHookRegistry builds a registry that runs callbacks through runner and
// skips plugins for which active returns false.
func NewHookRegistry(runner Runner, active func(string) bool, bus *Bus, log *slog.Logger) *HookRegistry {
	if active == nil {
		active = func(string) bool { return true }
	}
	return &HookRegistry{
		hooks:      make(map[string][]*Registration),
		middleware: make(map[MiddlewareType][]*Registration),
		runner:     runner,
		active:     active,
		bus:        bus,
		log:        log,
	}
}

// RegisterHook adds fn under name and returns the registration id.
func (h *HookRegistry) RegisterHook(name, pluginID string, priority int, fn Callback) (string, error) {
	if name == "" || fn == nil {
		return "", invalid(pluginID, "hook name and callback are required")
	}
	reg := h.insert(func(r *Registration) { h.hooks[name] = insertSorted(h.hooks[name], r) },
		&Registration{ID: newID(), PluginID: pluginID, Name: name, Priority: priority, callback: fn})
	if h.bus != nil {
		h.bus.Publish(EventHookRegistered, pluginID, map[string]any{"hook": name, "hookId": reg.ID, "priority": priority})
	}
	return reg.ID, nil
}

// RegisterMiddleware adds fn to the chain of type t and returns the registration id.
func (h *HookRegistry) RegisterMiddleware(t MiddlewareType, pluginID string, priority int, fn Callback) (string, error) {
	if !t.Valid() {
		return "", invalid(pluginID, "unknown middleware type %q", t)
	}
	if fn == nil {
		return "", invalid(pluginID, "middleware callback is required")
	}
	reg := h.insert(func(r *Registration) { h.middleware[t] = insertSorted(h.middleware[t], r) },
		&Registration{ID: newID(), PluginID: pluginID, Name: string(t), Priority: priority, Middleware: true, callback: fn})
	if h.bus != nil {
		h.bus.Publish(EventMiddlewareRegistered, pluginID, map[string]any{"type": string(t), "middlewareId": reg.ID, "priority": priority})
	}
	return reg.ID, nil
}

func (h *HookRegistry) insert(add func(*Registration), reg *Registration) *Registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if reg.seq == 0 {
		h.seq++
		reg.seq = h.seq
	}
	add(reg)
	return reg
}

func insertSorted(list []*Registration, reg *Registration) []*Registration {
	list = append(list, reg)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority < list[j].Priority
		}
		return list[i].seq < list[j].seq
	})
	return list
}

// Hooks returns the registrations under name in execution order.
func (h *HookRegistry) Hooks(name string) []Registration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return copyRegs(h.hooks[name])
}

// Middleware returns the registrations of chain t in execution order.
func (h *HookRegistry) Middleware(t MiddlewareType) []Registration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return copyRegs(h.middleware[t])
}

func copyRegs(list []*Registration) []Registration {
	out := make([]Registration, 0, len(list))
	for _, r := range list {
		out = append(out, *r)
	}
	return out
}

// RemovePlugin drops every registration owned by pluginID and returns them
// so they can be restored.
func (h *HookRegistry) RemovePlugin(pluginID string) []Registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	var removed []Registration
	owned := func(r *Registration) bool {
		if r.PluginID == pluginID {
			removed = append(removed, *r)
			return true
		}
		return false
	}
	for name, list := range h.hooks {
		if list = slices.DeleteFunc(list, owned); len(list) == 0 {
			delete(h.hooks, name)
		} else {
			h.hooks[name] = list
		}
	}
	for t, list := range h.middleware {
		if list = slices.DeleteFunc(list, owned); len(list) == 0 {
			delete(h.middleware, t)
		} else {
			h.middleware[t] = list
		}
	}
	return removed
}

// Restore re-inserts registrations previously returned by RemovePlugin.
func (h *HookRegistry) Restore(regs []Registration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range regs {
		reg := regs[i]
		if reg.Middleware {
			t := MiddlewareType(reg.Name)
			h.middleware[t] = insertSorted(h.middleware[t], &reg)
		} else {
			h.hooks[reg.Name] = insertSorted(h.hooks[reg.Name], &reg)
		}
	}
}

// ExecuteHook runs the hooks under name in priority order, threading each
// result into the next hook. A failing hook is logged and skipped; the
// chain continues with the data it was given.
func (h *HookRegistry) ExecuteHook(ctx context.Context, name string, data any) any {
	for _, reg := range h.Hooks(name) {
		if !h.active(reg.PluginID) {
			continue
		}
		result, err := h.runner.Run(ctx, reg.PluginID, reg.callback, data, nil)
		if err != nil {
			h.report(EventHookError, reg, err)
			continue
		}
		data = result
	}
	return data
}

// ExecuteMiddleware runs the chain of type t. Each middleware receives a
// next continuation; final runs after the last middleware. A failing
// middleware is logged and the chain resumes at the following middleware.
func (h *HookRegistry) ExecuteMiddleware(ctx context.Context, t MiddlewareType, data any, final Next) (any, error) {
	chain := h.Middleware(t)
	if final == nil {
		final = passThrough
	}
	var step func(ctx context.Context, index int, data any) (any, error)
	step = func(ctx context.Context, index int, data any) (any, error) {
		for index < len(chain) && !h.active(chain[index].PluginID) {
			index++
		}
		if index >= len(chain) {
			return final(ctx, data)
		}
		reg := chain[index]
		g := &nextGuard{}
		next := func(ctx context.Context, data any) (any, error) {
			if !g.enter() {
				return nil, errMiddlewareSkipped
			}
			result, err := step(ctx, index+1, data)
			g.finish(result, err)
			return result, err
		}
		result, err := h.runner.Run(ctx, reg.PluginID, reg.callback, data, next)
		if err != nil {
			h.report(EventMiddlewareError, reg, err)
			if g.abandon() {
				return step(ctx, index+1, data)
			}
			if result, ok, downErr := g.outcome(); ok {
				return result, downErr
			}
			return nil, err
		}
		return result, nil
	}
	return step(ctx, 0, data)
}

var errMiddlewareSkipped = errors.New("plugin: middleware already skipped after failure")

// nextGuard 保证下游链路对一次中间件调用至多执行一次。
type nextGuard struct {
	mu        sync.Mutex
	called    bool
	abandoned bool
	done      bool
	result    any
	err       error
}

func (g *nextGuard) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.abandoned || g.called {
		return false
	}
	g.called = true
	return true
}

func (g *nextGuard) finish(result any, err error) {
	g.mu.Lock()
	g.done, g.result, g.err = true, result, err
	g.mu.Unlock()
}

// abandon 在 next 从未被调用时返回 true，此后 next 不再生效。
func (g *nextGuard) abandon() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.called {
		return false
	}
	g.abandoned = true
	return true
}

func (g *nextGuard) outcome() (any, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.result, g.done, g.err
}

func (h *HookRegistry) report(event string, reg Registration, err error) {
	if h.log != nil {
		h.log.Warn(event,
			slog.String("plugin_id", reg.PluginID),
			slog.String("name", reg.Name),
			slog.String("registration_id", reg.ID),
			slog.String("error", err.Error()))
	}
	if h.bus != nil {
		h.bus.Publish(event, reg.PluginID, map[string]any{
			"name":  reg.Name,
			"error": err.Error(),
			"code":  string(xerrors.CodeOf(err)),
		})
	}
}
