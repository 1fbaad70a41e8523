package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/metrics"
	"slices"
	"sync"
	"time"

	xerrors "PluginHub/internal/errors"
)

// Next continues a hook or middleware chain with data.
type Next func(ctx context.Context, data any) (any, error)

// Callback is a plugin supplied function run under a sandbox budget.
type Callback func(ctx context.Context, data any, next Next) (any, error)

// Restrictions limit what network targets a plugin may reach.
type Restrictions struct {
	AllowedDomains []string `yaml:"allowedDomains" json:"allowedDomains"`
	AllowedPaths   []string `yaml:"allowedPaths" json:"allowedPaths"`
	AllowedMethods []string `yaml:"allowedMethods" json:"allowedMethods"`
}

func (r Restrictions) clone() Restrictions {
	return Restrictions{
		AllowedDomains: slices.Clone(r.AllowedDomains),
		AllowedPaths:   slices.Clone(r.AllowedPaths),
		AllowedMethods: slices.Clone(r.AllowedMethods),
	}
}

// Limits is the execution budget of one sandbox.
type Limits struct {
	MaxExecutionTime time.Duration `yaml:"maxExecutionTime" json:"maxExecutionTime"`
	MaxMemoryBytes   uint64        `yaml:"maxMemoryBytes" json:"maxMemoryBytes"`
	Restrictions     Restrictions  `yaml:"restrictions" json:"restrictions"`
}

// Sandbox is the per plugin budget and permission record. It accounts for
// time and memory; it is not an isolation boundary.
type Sandbox struct {
	PluginID        string        `json:"pluginId"`
	Limits          Limits        `json:"limits"`
	Permissions     []Permission  `json:"permissions"`
	ExecutionTime   time.Duration `json:"executionTime"`
	PeakMemoryDelta int64         `json:"peakMemoryDeltaBytes"`
	Calls           uint64        `json:"calls"`
	Timeouts        uint64        `json:"timeouts"`
	OverBudget      uint64        `json:"overBudget"`
	Epoch           uint64        `json:"epoch"`
}

func (s *Sandbox) snapshot() Sandbox {
	dup := *s
	dup.Permissions = slices.Clone(s.Permissions)
	dup.Limits.Restrictions = s.Limits.Restrictions.clone()
	return dup
}

func (s *Sandbox) has(p Permission) bool {
	return slices.Contains(s.Permissions, p)
}

// HeapSampler reports current heap usage in bytes.
type HeapSampler func() uint64

// runtimeHeap samples live heap object bytes without stopping the world.
func runtimeHeap() uint64 {
	sample := []metrics.Sample{{Name: "/memory/classes/heap/objects:bytes"}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return sample[0].Value.Uint64()
}

// ExecutionObserver receives per call accounting. Implemented by the metrics package.
type ExecutionObserver interface {
	ObserveExecution(pluginID string, elapsed time.Duration, memDelta int64, err error)
}

// Executor runs plugin callbacks under their sandbox budget.
type Executor struct {
	mu        sync.RWMutex
	sandboxes map[string]*Sandbox
	epoch     uint64
	sample    HeapSampler
	observer  ExecutionObserver
	bus       *Bus
	log       *slog.Logger
}

// NewExecutor constructs an executor. bus and observer may be nil.
func NewExecutor(bus *Bus, observer ExecutionObserver, log *slog.Logger) *Executor {
	return &Executor{
		sandboxes: make(map[string]*Sandbox),
		sample:    runtimeHeap,
		observer:  observer,
		bus:       bus,
		log:       log,
	}
}

// Create registers the sandbox for pluginID.
func (e *Executor) Create(pluginID string, perms []Permission, limits Limits) (Sandbox, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sandboxes[pluginID]; ok {
		return Sandbox{}, xerrors.New(CodeAlreadyExists, "sandbox for "+pluginID+" already exists", xerrors.WithMetadata("plugin_id", pluginID))
	}
	e.epoch++
	sb := &Sandbox{
		PluginID:    pluginID,
		Limits:      Limits{MaxExecutionTime: limits.MaxExecutionTime, MaxMemoryBytes: limits.MaxMemoryBytes, Restrictions: limits.Restrictions.clone()},
		Permissions: slices.Clone(perms),
		Epoch:       e.epoch,
	}
	e.sandboxes[pluginID] = sb
	return sb.snapshot(), nil
}

// Remove deletes the sandbox for pluginID. Completions of calls started
// before removal are discarded.
func (e *Executor) Remove(pluginID string) {
	e.mu.Lock()
	delete(e.sandboxes, pluginID)
	e.mu.Unlock()
}

// Stats returns a snapshot of the sandbox for pluginID.
func (e *Executor) Stats(pluginID string) (Sandbox, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sb, ok := e.sandboxes[pluginID]
	if !ok {
		return Sandbox{}, notFound("sandbox", pluginID)
	}
	return sb.snapshot(), nil
}

// Epoch returns the generation of pluginID's sandbox.
func (e *Executor) Epoch(pluginID string) (uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sb, ok := e.sandboxes[pluginID]
	if !ok {
		return 0, false
	}
	return sb.Epoch, true
}

// HasPermission reports whether pluginID's sandbox grants p.
func (e *Executor) HasPermission(pluginID string, p Permission) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sb, ok := e.sandboxes[pluginID]
	return ok && sb.has(p)
}

// Restrictions returns the network restrictions of pluginID's sandbox.
func (e *Executor) Restrictions(pluginID string) (Restrictions, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sb, ok := e.sandboxes[pluginID]
	if !ok {
		return Restrictions{}, notFound("sandbox", pluginID)
	}
	return sb.Limits.Restrictions.clone(), nil
}

// Grant adds a permission to the sandbox.
func (e *Executor) Grant(pluginID string, p Permission) error {
	e.mu.Lock()
	sb, ok := e.sandboxes[pluginID]
	if !ok {
		e.mu.Unlock()
		return notFound("sandbox", pluginID)
	}
	changed := !sb.has(p)
	if changed {
		sb.Permissions = append(sb.Permissions, p)
	}
	e.mu.Unlock()
	if changed && e.bus != nil {
		e.bus.Publish(EventPermissionGranted, pluginID, map[string]any{"permission": string(p)})
	}
	return nil
}

// Revoke removes a permission from the sandbox.
func (e *Executor) Revoke(pluginID string, p Permission) error {
	e.mu.Lock()
	sb, ok := e.sandboxes[pluginID]
	if !ok {
		e.mu.Unlock()
		return notFound("sandbox", pluginID)
	}
	before := len(sb.Permissions)
	sb.Permissions = slices.DeleteFunc(sb.Permissions, func(v Permission) bool { return v == p })
	changed := len(sb.Permissions) != before
	e.mu.Unlock()
	if changed && e.bus != nil {
		e.bus.Publish(EventPermissionRevoked, pluginID, map[string]any{"permission": string(p)})
	}
	return nil
}

type runResult struct {
	value any
	err   error
}

// Run executes fn under pluginID's time budget. If the budget elapses first
// the call fails with ExecutionTimeout; fn keeps running until it observes
// its cancelled context and its result is dropped.
func (e *Executor) Run(ctx context.Context, pluginID string, fn Callback, data any, next Next) (any, error) {
	e.mu.RLock()
	sb, ok := e.sandboxes[pluginID]
	var budget time.Duration
	var epoch uint64
	if ok {
		budget = sb.Limits.MaxExecutionTime
		epoch = sb.Epoch
	}
	e.mu.RUnlock()
	if !ok {
		return nil, notFound("sandbox", pluginID)
	}
	if next == nil {
		next = passThrough
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	before := e.sample()
	start := time.Now()
	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: fmt.Errorf("plugin %s panicked: %v", pluginID, r)}
			}
		}()
		value, err := fn(callCtx, data, next)
		done <- runResult{value: value, err: err}
	}()

	var timer <-chan time.Time
	if budget > 0 {
		t := time.NewTimer(budget)
		defer t.Stop()
		timer = t.C
	}

	select {
	case res := <-done:
		elapsed := time.Since(start)
		delta := int64(e.sample()) - int64(before)
		e.account(pluginID, epoch, elapsed, delta, false)
		if e.observer != nil {
			e.observer.ObserveExecution(pluginID, elapsed, delta, res.err)
		}
		return res.value, res.err
	case <-timer:
		e.account(pluginID, epoch, time.Since(start), 0, true)
		err := xerrors.New(CodeExecutionTimeout,
			fmt.Sprintf("plugin %s execution timeout after %s", pluginID, budget),
			xerrors.WithMetadata("plugin_id", pluginID))
		if e.observer != nil {
			e.observer.ObserveExecution(pluginID, budget, 0, err)
		}
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// account updates the sandbox only if it is still the one the call started on.
func (e *Executor) account(pluginID string, epoch uint64, elapsed time.Duration, delta int64, timedOut bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sb, ok := e.sandboxes[pluginID]
	if !ok || sb.Epoch != epoch {
		return
	}
	sb.Calls++
	if timedOut {
		sb.Timeouts++
		return
	}
	sb.ExecutionTime += elapsed
	if delta > sb.PeakMemoryDelta {
		sb.PeakMemoryDelta = delta
	}
	if sb.Limits.MaxMemoryBytes > 0 && delta > 0 && uint64(delta) > sb.Limits.MaxMemoryBytes {
		sb.OverBudget++
		if e.log != nil {
			e.log.Warn("plugin exceeded memory budget",
				slog.String("plugin_id", pluginID),
				slog.Int64("delta_bytes", delta),
				slog.Uint64("budget_bytes", sb.Limits.MaxMemoryBytes))
		}
	}
}

func passThrough(_ context.Context, data any) (any, error) { return data, nil }
