package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/sync/semaphore"

	xerrors "PluginHub/internal/errors"
	"PluginHub/pkg/logger"
)

// Keys under which the manager persists its state.
const (
	KeyInstalledPlugins = "plugin_manager_installed"
	KeyManagerConfig    = "plugin_manager_config"
)

// Observer receives lifecycle and execution measurements.
type Observer interface {
	ExecutionObserver
	ObserveTransition(op, pluginID string, elapsed time.Duration, err error)
	SetPlugins(installed, active int)
}

type nopObserver struct{}

func (nopObserver) ObserveExecution(string, time.Duration, int64, error)   {}
func (nopObserver) ObserveTransition(string, string, time.Duration, error) {}
func (nopObserver) SetPlugins(int, int)                                    {}

// DependencyStrategy selects how Install treats unmet dependencies.
type DependencyStrategy int

const (
	// DependenciesInstall installs missing dependencies first.
	DependenciesInstall DependencyStrategy = iota
	// DependenciesFail rejects the install when any dependency is unmet.
	DependenciesFail
)

// InstallOptions tunes a single Install call.
type InstallOptions struct {
	// Version to install; empty or "latest" selects the catalog version.
	Version  string
	Strategy DependencyStrategy
}

// Manager orchestrates catalog, resolution, sandboxing and the plugin lifecycle.
type Manager struct {
	cfgMu sync.RWMutex
	cfg   ManagerConfig

	registry *Registry
	resolver *Resolver
	executor *Executor
	hooks    *HookRegistry
	bus      *Bus

	loader     Loader
	catalog    CatalogSource
	store      StateStore
	ui         UIHost
	observer   Observer
	log        *slog.Logger
	resources  map[string]any
	sampler    HeapSampler
	httpClient *http.Client

	// inflight maps a plugin id to the transition holding it.
	inflight cmap.ConcurrentMap[string, string]
	installs *semaphore.Weighted

	updatesMu sync.RWMutex
	updates   map[string]UpdateInfo

	persistMu sync.Mutex
	closeOnce sync.Once
}

// NewManager constructs a manager using the supplied configuration and options.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid plugin manager config")
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginConfig{}
	}
	m := &Manager{
		cfg:        cfg,
		registry:   NewRegistry(),
		ui:         headlessHost{},
		observer:   nopObserver{},
		log:        logger.Named("plugin-manager"),
		resources:  make(map[string]any),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		inflight:   cmap.New[string](),
		updates:    make(map[string]UpdateInfo),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bus == nil {
		m.bus = NewBus(m.log)
	}
	if m.catalog == nil {
		if cfg.MarketplaceURL != "" {
			m.catalog = NewHTTPCatalog(cfg.MarketplaceURL, m.httpClient)
		} else {
			m.catalog = &StaticCatalog{}
		}
	}
	if m.loader == nil {
		m.loader = MuxLoader{
			Static: NewStaticLoader(),
			Lua:    LuaLoader{Fetcher: LocatorFetcher{Dir: cfg.PluginDir, Client: m.httpClient}},
			Native: GoPluginLoader{Dir: cfg.PluginDir},
		}
	}
	m.resolver = NewResolver(m.registry)
	m.executor = NewExecutor(m.bus, m.observer, m.log)
	if m.sampler != nil {
		m.executor.sample = m.sampler
	}
	var runner Runner = m.executor
	if !cfg.SandboxEnabled {
		runner = directRunner{}
	}
	m.hooks = NewHookRegistry(runner, m.isActive, m.bus, m.log)
	m.installs = semaphore.NewWeighted(int64(max(1, cfg.MaxConcurrentInstalls)))
	return m, nil
}

// directRunner calls plugin code without a time budget.
type directRunner struct{}

func (directRunner) Run(ctx context.Context, _ string, fn Callback, data any, next Next) (any, error) {
	if next == nil {
		next = passThrough
	}
	return fn(ctx, data, next)
}

func (m *Manager) config() ManagerConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// Config returns the current configuration.
func (m *Manager) Config() ManagerConfig { return m.config() }

// Bus exposes the event bus.
func (m *Manager) Bus() *Bus { return m.bus }

// Subscribe registers h for topic; AllTopics receives every event.
func (m *Manager) Subscribe(topic string, h Handler) func() { return m.bus.Subscribe(topic, h) }

// Start restores persisted configuration and plugins, then refreshes the
// catalog and computes pending updates. Catalog failures are logged.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.loadConfig(ctx); err != nil {
		m.log.Warn("load persisted config failed", slog.String("error", err.Error()))
	}
	if err := m.RefreshCatalog(ctx); err != nil {
		m.log.Warn("catalog refresh failed", slog.String("error", err.Error()))
	}
	if err := m.restoreInstalled(ctx); err != nil {
		return err
	}
	if _, err := m.CheckUpdates(ctx); err != nil {
		m.log.Warn("update check failed", slog.String("error", err.Error()))
	}
	return nil
}

// Close destroys every loaded plugin without touching persisted state.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	m.closeOnce.Do(func() {
		installed := m.registry.ListInstalled()
		for i := len(installed) - 1; i >= 0; i-- {
			if _, err := m.teardown(ctx, installed[i].ID(), false); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// RefreshCatalog replaces the catalog with the source's current listing.
func (m *Manager) RefreshCatalog(ctx context.Context) error {
	entries, err := m.catalog.Fetch(ctx)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			err = xerrors.Wrap(CodeCatalogUnavailable, err, "fetch plugin catalog")
		}
		return err
	}
	m.registry.ReplaceCatalog(entries)
	m.bus.Publish(EventCatalogRefreshed, "", map[string]any{"count": len(entries)})
	return nil
}

// Registry exposes catalog queries.
func (m *Manager) Registry() *Registry { return m.registry }

// Search queries the catalog.
func (m *Manager) Search(query string, filters SearchFilters) []CatalogEntry {
	return m.registry.Search(query, filters)
}

// Details returns the catalog entry for id.
func (m *Manager) Details(id string) (CatalogEntry, error) { return m.registry.Get(id) }

// Recommendations returns catalog entries similar to id.
func (m *Manager) Recommendations(id string, limit int) ([]CatalogEntry, error) {
	return m.registry.Recommendations(id, limit)
}

// State reports the lifecycle position of id.
func (m *Manager) State(id string) State {
	if op, ok := m.inflight.Get(id); ok {
		switch op {
		case "install":
			return StateInstalling
		case "uninstall":
			return StateUninstalling
		}
	}
	if m.registry.IsInstalled(id) {
		return StateInstalled
	}
	if _, err := m.registry.Get(id); err == nil {
		return StateAvailable
	}
	return StateUncatalogued
}

// acquire takes the per-id transition lock without blocking.
func (m *Manager) acquire(id, op string) error {
	if m.inflight.SetIfAbsent(id, op) {
		return nil
	}
	current, _ := m.inflight.Get(id)
	return xerrors.New(CodeTransitionInProgress,
		fmt.Sprintf("plugin %s: %s already in progress", id, current),
		xerrors.WithMetadata("plugin_id", id), xerrors.WithMetadata("operation", current))
}

func (m *Manager) release(id string) { m.inflight.Remove(id) }

type installTxnKey struct{}

// installTxn records every plugin installed during one top-level call so a
// failure can undo them in reverse order.
type installTxn struct {
	mu  sync.Mutex
	ids []string
}

func (t *installTxn) add(id string) {
	t.mu.Lock()
	t.ids = append(t.ids, id)
	t.mu.Unlock()
}

func (t *installTxn) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.ids)
}

// Install installs id and, by default, any missing dependencies first. On
// failure every plugin installed by the call is removed again.
func (m *Manager) Install(ctx context.Context, id string, opts InstallOptions) (InstalledPlugin, error) {
	if err := m.acquire(id, "install"); err != nil {
		return InstalledPlugin{}, err
	}
	defer m.release(id)
	if err := m.installs.Acquire(ctx, 1); err != nil {
		return InstalledPlugin{}, err
	}
	defer m.installs.Release(1)

	start := time.Now()
	rec, err := m.install(ctx, id, opts)
	m.observer.ObserveTransition("install", id, time.Since(start), err)
	return rec.Public(), err
}

// install runs without the top-level lock; the caller holds the lock for id.
func (m *Manager) install(ctx context.Context, id string, opts InstallOptions) (rec InstalledPlugin, err error) {
	txn, nested := ctx.Value(installTxnKey{}).(*installTxn)
	if !nested {
		txn = &installTxn{}
		ctx = context.WithValue(ctx, installTxnKey{}, txn)
	}
	defer func() {
		if err == nil {
			return
		}
		if !nested {
			m.rollback(ctx, txn.snapshot())
		}
		m.bus.Publish(EventPluginInstallFailed, id, map[string]any{
			"error": err.Error(),
			"code":  string(xerrors.CodeOf(err)),
		})
	}()

	if m.registry.IsInstalled(id) {
		return InstalledPlugin{}, xerrors.New(CodeAlreadyInstalled, "plugin "+id+" is already installed", xerrors.WithMetadata("plugin_id", id))
	}
	entry, err := m.registry.Get(id)
	if err != nil {
		return InstalledPlugin{}, err
	}
	desc, err := m.catalog.Descriptor(ctx, entry, opts.Version)
	if err != nil {
		return InstalledPlugin{}, err
	}
	if desc.ID != id {
		return InstalledPlugin{}, invalid(id, "descriptor id %q does not match %q", desc.ID, id)
	}
	if err := m.validate(desc); err != nil {
		return InstalledPlugin{}, err
	}

	if _, err := m.resolver.Check(desc); err != nil {
		if opts.Strategy == DependenciesFail {
			return InstalledPlugin{}, err
		}
		installDep := func(ctx context.Context, dep Dependency) error {
			if err := m.acquire(dep.ID, "install"); err != nil {
				return err
			}
			defer m.release(dep.ID)
			_, err := m.install(ctx, dep.ID, InstallOptions{Version: m.dependencyVersion(dep), Strategy: opts.Strategy})
			return err
		}
		if err := m.resolver.InstallDependenciesFirst(ctx, desc, installDep); err != nil {
			return InstalledPlugin{}, err
		}
		if _, err := m.resolver.Check(desc); err != nil {
			return InstalledPlugin{}, err
		}
	}

	rec, err = m.register(ctx, desc, time.Now().UTC(), true)
	if err != nil {
		return InstalledPlugin{}, err
	}
	txn.add(id)
	m.bus.Publish(EventPluginInstalled, id, map[string]any{"version": desc.Version})
	m.reportDownload(ctx, id, desc.Version)
	return rec, nil
}

// dependencyVersion picks the exact required release when published and
// otherwise the catalog version if it is compatible.
func (m *Manager) dependencyVersion(dep Dependency) string {
	entry, err := m.registry.Get(dep.ID)
	if err != nil {
		return dep.Version
	}
	if _, ok := entry.Release(dep.Version); ok {
		return dep.Version
	}
	if IsCompatible(entry.Version, dep.Version) {
		return entry.Version
	}
	return dep.Version
}

// rollback removes ids in reverse install order. Failures are logged.
func (m *Manager) rollback(ctx context.Context, ids []string) {
	ctx = context.WithoutCancel(ctx)
	for i := len(ids) - 1; i >= 0; i-- {
		if err := m.acquire(ids[i], "uninstall"); err != nil {
			m.log.Error("rollback install skipped", slog.String("plugin_id", ids[i]), slog.String("error", err.Error()))
			continue
		}
		_, err := m.teardown(ctx, ids[i], true)
		m.release(ids[i])
		if err != nil {
			m.log.Error("rollback install failed", slog.String("plugin_id", ids[i]), slog.String("error", err.Error()))
		}
	}
}

func (m *Manager) reportDownload(ctx context.Context, id, version string) {
	reporter, ok := m.catalog.(DownloadReporter)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := reporter.ReportDownload(ctx, id, version); err != nil {
			m.log.Debug("report download failed", slog.String("plugin_id", id), slog.String("error", err.Error()))
		}
	}()
}

func (m *Manager) validate(desc Descriptor) error {
	cfg := m.config()
	if err := ValidateDescriptor(desc, cfg.AllowExperimental); err != nil {
		return err
	}
	return cfg.policyFor(desc.ID).Validate(desc)
}

// register loads desc, creates its sandbox, runs Init and records it as
// installed. Any failure leaves no trace of the plugin.
func (m *Manager) register(ctx context.Context, desc Descriptor, installDate time.Time, active bool) (InstalledPlugin, error) {
	cfg := m.config()
	if cfg.MaxPlugins > 0 && len(m.registry.ListInstalled()) >= cfg.MaxPlugins {
		return InstalledPlugin{}, invalid(desc.ID, "maximum number of plugins (%d) reached", cfg.MaxPlugins)
	}
	mod, err := m.loader.Load(ctx, desc)
	if err != nil {
		return InstalledPlugin{}, err
	}
	sb, err := m.executor.Create(desc.ID, desc.Permissions, cfg.limitsFor(desc.ID))
	if err != nil {
		return InstalledPlugin{}, err
	}
	api := &API{
		descriptor: desc.Clone(),
		manager:    m,
		caps:       newCapabilities(desc.ID, m),
		log:        m.log.With(slog.String("plugin_id", desc.ID)),
		epoch:      sb.Epoch,
	}
	cleanup := func() {
		m.hooks.RemovePlugin(desc.ID)
		m.executor.Remove(desc.ID)
	}
	if err := m.runModule(ctx, desc.ID, func(ctx context.Context) error { return mod.Init(ctx, api) }); err != nil {
		cleanup()
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			err = xerrors.Wrap(CodeLoadFailed, err, "initialise plugin "+desc.ID, xerrors.WithMetadata("plugin_id", desc.ID))
		}
		return InstalledPlugin{}, err
	}
	rec := InstalledPlugin{Descriptor: desc.Clone(), InstallDate: installDate, Active: active, instance: mod}
	if err := m.registry.RecordInstalled(rec); err != nil {
		cleanup()
		if derr := mod.Destroy(ctx); derr != nil {
			m.log.Warn("destroy after failed register", slog.String("plugin_id", desc.ID), slog.String("error", derr.Error()))
		}
		return InstalledPlugin{}, err
	}
	m.persistInstalled(ctx)
	m.bus.Publish(EventPluginRegistered, desc.ID, map[string]any{"version": desc.Version})
	m.refreshGauge()
	m.log.Info("plugin registered", slog.String("plugin_id", desc.ID), slog.String("version", desc.Version))
	return rec, nil
}

// runModule runs a lifecycle callback under the plugin's sandbox budget
// when sandboxing is enabled.
func (m *Manager) runModule(ctx context.Context, id string, fn func(context.Context) error) error {
	if !m.config().SandboxEnabled {
		return fn(ctx)
	}
	_, err := m.executor.Run(ctx, id, func(ctx context.Context, _ any, _ Next) (any, error) {
		return nil, fn(ctx)
	}, nil, nil)
	return err
}

// teardown destroys id's module and drops every trace of it. A failing
// Destroy restores the hook registrations and keeps the plugin installed.
func (m *Manager) teardown(ctx context.Context, id string, persist bool) (InstalledPlugin, error) {
	rec, err := m.registry.Installed(id)
	if err != nil {
		return InstalledPlugin{}, err
	}
	removed := m.hooks.RemovePlugin(id)
	if rec.instance != nil {
		if err := m.runModule(ctx, id, rec.instance.Destroy); err != nil {
			m.hooks.Restore(removed)
			return InstalledPlugin{}, xerrors.Wrap(xerrors.CodeOf(err), err, "destroy plugin "+id, xerrors.WithMetadata("plugin_id", id))
		}
	}
	m.executor.Remove(id)
	rec, err = m.registry.RemoveInstalled(id)
	if err != nil {
		return InstalledPlugin{}, err
	}
	m.clearUpdate(id)
	if persist {
		m.persistInstalled(ctx)
	}
	m.bus.Publish(EventPluginUnregistered, id, map[string]any{"version": rec.Version()})
	m.refreshGauge()
	return rec, nil
}

// Uninstall removes id. It fails while other installed plugins depend on it.
// With cascade, dependencies left without dependents are removed as well.
func (m *Manager) Uninstall(ctx context.Context, id string, cascade bool) error {
	if err := m.acquire(id, "uninstall"); err != nil {
		return err
	}
	defer m.release(id)
	start := time.Now()
	err := m.uninstall(ctx, id, cascade)
	m.observer.ObserveTransition("uninstall", id, time.Since(start), err)
	return err
}

func (m *Manager) uninstall(ctx context.Context, id string, cascade bool) (err error) {
	defer func() {
		if err != nil {
			m.bus.Publish(EventPluginUninstallFailed, id, map[string]any{
				"error": err.Error(),
				"code":  string(xerrors.CodeOf(err)),
			})
		}
	}()
	if !m.registry.IsInstalled(id) {
		return notFound("installed plugin", id)
	}
	if dependents := m.registry.Dependents(id); len(dependents) > 0 {
		return xerrors.New(CodeHasDependents,
			fmt.Sprintf("plugin %s is required by %v", id, dependents),
			xerrors.WithMetadata("plugin_id", id), xerrors.WithMetadata("dependents", strings.Join(dependents, ",")))
	}
	rec, err := m.teardown(ctx, id, true)
	if err != nil {
		return err
	}
	m.bus.Publish(EventPluginUninstalled, id, map[string]any{"version": rec.Version()})
	m.log.Info("plugin uninstalled", slog.String("plugin_id", id))

	if !cascade {
		return nil
	}
	for _, dep := range rec.Descriptor.Dependencies {
		if !m.registry.IsInstalled(dep.ID) || len(m.registry.Dependents(dep.ID)) > 0 {
			continue
		}
		if err := m.acquire(dep.ID, "uninstall"); err != nil {
			m.log.Warn("cascade uninstall skipped", slog.String("plugin_id", dep.ID), slog.String("error", err.Error()))
			continue
		}
		if err := m.uninstall(ctx, dep.ID, true); err != nil {
			m.log.Warn("cascade uninstall failed", slog.String("plugin_id", dep.ID), slog.String("error", err.Error()))
		}
		m.release(dep.ID)
	}
	return nil
}

// Update replaces id with version, or with the pending update when version
// is empty. If the new version cannot be installed, or breaks a dependent,
// the previous record is reinstalled and the original error returned.
func (m *Manager) Update(ctx context.Context, id, version string) (InstalledPlugin, error) {
	if err := m.acquire(id, "update"); err != nil {
		return InstalledPlugin{}, err
	}
	defer m.release(id)
	start := time.Now()
	rec, err := m.update(ctx, id, version)
	m.observer.ObserveTransition("update", id, time.Since(start), err)
	return rec.Public(), err
}

func (m *Manager) update(ctx context.Context, id, version string) (InstalledPlugin, error) {
	fail := func(err error, payload map[string]any) (InstalledPlugin, error) {
		if payload == nil {
			payload = map[string]any{}
		}
		payload["error"] = err.Error()
		payload["code"] = string(xerrors.CodeOf(err))
		m.bus.Publish(EventPluginUpdateFailed, id, payload)
		return InstalledPlugin{}, err
	}
	backup, err := m.registry.Installed(id)
	if err != nil {
		return fail(err, nil)
	}
	if version == "" {
		info, ok := m.pendingUpdate(id)
		if !ok {
			return fail(xerrors.New(CodeNoUpdate, "no update available for "+id, xerrors.WithMetadata("plugin_id", id)), nil)
		}
		version = info.LatestVersion
	}
	if version == backup.Version() {
		return fail(xerrors.New(CodeNoUpdate, fmt.Sprintf("plugin %s is already at %s", id, version), xerrors.WithMetadata("plugin_id", id)), nil)
	}
	dependents := m.registry.Dependents(id)
	position := m.registry.InstalledIndex(id)
	// Rollback must complete even when ctx is cancelled.
	rbCtx := context.WithoutCancel(ctx)

	if _, err := m.teardown(rbCtx, id, false); err != nil {
		return fail(err, map[string]any{"fromVersion": backup.Version(), "toVersion": version})
	}
	txn := &installTxn{}
	rec, err := m.install(context.WithValue(ctx, installTxnKey{}, txn), id, InstallOptions{Version: version})
	if err == nil {
		err = m.checkDependents(rec, dependents)
	}
	if err != nil {
		if m.registry.IsInstalled(id) {
			if _, terr := m.teardown(rbCtx, id, false); terr != nil {
				m.log.Error("remove incompatible update failed", slog.String("plugin_id", id), slog.String("error", terr.Error()))
			}
		}
		m.rollback(rbCtx, slices.DeleteFunc(txn.snapshot(), func(v string) bool { return v == id }))
		_, rbErr := m.register(rbCtx, backup.Descriptor, backup.InstallDate, backup.Active)
		if rbErr != nil {
			m.log.Error("update rollback failed", slog.String("plugin_id", id), slog.String("error", rbErr.Error()))
		} else if merr := m.registry.MoveInstalled(id, position); merr == nil {
			m.persistInstalled(rbCtx)
		}
		return fail(err, map[string]any{"fromVersion": backup.Version(), "toVersion": version, "rolledBack": rbErr == nil})
	}
	if !backup.Active {
		if _, aerr := m.registry.SetActive(id, false); aerr == nil {
			m.persistInstalled(ctx)
			m.refreshGauge()
		}
		rec.Active = false
	}
	m.clearUpdate(id)
	m.bus.Publish(EventPluginUpdated, id, map[string]any{"fromVersion": backup.Version(), "toVersion": rec.Version()})
	m.log.Info("plugin updated", slog.String("plugin_id", id), slog.String("from", backup.Version()), slog.String("to", rec.Version()))
	return rec, nil
}

// checkDependents verifies every former dependent still accepts rec.
func (m *Manager) checkDependents(rec InstalledPlugin, dependents []string) error {
	for _, other := range dependents {
		dependent, err := m.registry.Installed(other)
		if err != nil {
			continue
		}
		for _, dep := range dependent.Descriptor.Dependencies {
			if dep.ID != rec.ID() || IsCompatible(rec.Version(), dep.Version) {
				continue
			}
			return &DependencyError{
				PluginID: other,
				Report: DependencyReport{Incompatible: []IncompatibleDependency{{
					Dependency: dep,
					Installed:  rec.Version(),
				}}},
			}
		}
	}
	return nil
}

// Enable marks id active. Enabling an active plugin is a no-op.
func (m *Manager) Enable(ctx context.Context, id string) error {
	return m.setActive(ctx, id, true)
}

// Disable marks id inactive; its hooks stay registered but are skipped.
func (m *Manager) Disable(ctx context.Context, id string) error {
	return m.setActive(ctx, id, false)
}

func (m *Manager) setActive(ctx context.Context, id string, active bool) error {
	op, event := "enable", EventPluginEnabled
	if !active {
		op, event = "disable", EventPluginDisabled
	}
	if err := m.acquire(id, op); err != nil {
		return err
	}
	defer m.release(id)
	changed, err := m.registry.SetActive(id, active)
	if err != nil || !changed {
		return err
	}
	m.persistInstalled(ctx)
	m.refreshGauge()
	m.bus.Publish(event, id, nil)
	return nil
}

func (m *Manager) isActive(id string) bool {
	rec, err := m.registry.Installed(id)
	return err == nil && rec.Active
}

// Installed returns the installed record for id.
func (m *Manager) Installed(id string) (InstalledPlugin, error) {
	rec, err := m.registry.Installed(id)
	return rec.Public(), err
}

// IsInstalled reports whether id is installed.
func (m *Manager) IsInstalled(id string) bool { return m.registry.IsInstalled(id) }

// ListInstalled returns installed records in installation order.
func (m *Manager) ListInstalled() []InstalledPlugin {
	list := m.registry.ListInstalled()
	for i := range list {
		list[i] = list[i].Public()
	}
	return list
}

// SandboxStats returns the accounting snapshot for id.
func (m *Manager) SandboxStats(id string) (Sandbox, error) { return m.executor.Stats(id) }

// Grant adds a permission to id's sandbox.
func (m *Manager) Grant(id string, p Permission) error {
	if !p.Known() {
		return invalid(id, "unknown permission %q", p)
	}
	return m.executor.Grant(id, p)
}

// Revoke removes a permission from id's sandbox.
func (m *Manager) Revoke(id string, p Permission) error { return m.executor.Revoke(id, p) }

// CheckUpdates recomputes pending updates against the catalog.
func (m *Manager) CheckUpdates(ctx context.Context) ([]UpdateInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var found []UpdateInfo
	for _, rec := range m.registry.ListInstalled() {
		entry, err := m.registry.Get(rec.ID())
		if err != nil || !IsNewer(entry.Version, rec.Version()) {
			continue
		}
		release, _ := entry.Release("")
		found = append(found, UpdateInfo{
			PluginID:       rec.ID(),
			CurrentVersion: rec.Version(),
			LatestVersion:  entry.Version,
			Changelog:      entry.Changelog,
			Channel:        release.Channel,
		})
	}
	next := make(map[string]UpdateInfo, len(found))
	for _, u := range found {
		next[u.PluginID] = u
	}
	m.updatesMu.Lock()
	m.updates = next
	m.updatesMu.Unlock()
	if len(found) > 0 {
		m.bus.Publish(EventUpdatesAvailable, "", map[string]any{"updates": found, "count": len(found)})
	}
	return found, nil
}

// Updates returns pending updates ordered by plugin id.
func (m *Manager) Updates() []UpdateInfo {
	m.updatesMu.RLock()
	defer m.updatesMu.RUnlock()
	out := make([]UpdateInfo, 0, len(m.updates))
	for _, u := range m.updates {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b UpdateInfo) int {
		switch {
		case a.PluginID < b.PluginID:
			return -1
		case a.PluginID > b.PluginID:
			return 1
		}
		return 0
	})
	return out
}

func (m *Manager) pendingUpdate(id string) (UpdateInfo, bool) {
	m.updatesMu.RLock()
	defer m.updatesMu.RUnlock()
	u, ok := m.updates[id]
	return u, ok
}

func (m *Manager) clearUpdate(id string) {
	m.updatesMu.Lock()
	delete(m.updates, id)
	m.updatesMu.Unlock()
}

// AutoUpdate applies pending updates published on the configured channel.
// It returns the ids that were updated.
func (m *Manager) AutoUpdate(ctx context.Context) []string {
	cfg := m.config()
	if !cfg.AutoUpdate {
		return nil
	}
	var updated []string
	for _, u := range m.Updates() {
		channel := u.Channel
		if channel == "" {
			channel = "stable"
		}
		if channel != cfg.UpdateChannel {
			continue
		}
		if _, err := m.Update(ctx, u.PluginID, u.LatestVersion); err != nil {
			m.log.Warn("auto update failed", slog.String("plugin_id", u.PluginID), slog.String("error", err.Error()))
			continue
		}
		updated = append(updated, u.PluginID)
	}
	return updated
}

// RunScheduler refreshes the catalog, checks for updates and applies
// auto-updates every UpdateInterval until ctx is cancelled.
func (m *Manager) RunScheduler(ctx context.Context) {
	interval := m.config().UpdateInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one scheduler round.
func (m *Manager) Tick(ctx context.Context) {
	if err := m.RefreshCatalog(ctx); err != nil {
		m.log.Warn("catalog refresh failed", slog.String("error", err.Error()))
	}
	if _, err := m.CheckUpdates(ctx); err != nil {
		m.log.Warn("update check failed", slog.String("error", err.Error()))
		return
	}
	m.AutoUpdate(ctx)
}

// Stats summarises the installed set.
func (m *Manager) Stats() Stats {
	installed := m.registry.ListInstalled()
	stats := Stats{
		TotalInstalled: len(installed),
		CatalogSize:    len(m.registry.Catalog()),
		Categories:     map[string]int{},
		Authors:        map[string]int{},
	}
	m.updatesMu.RLock()
	stats.Updates = len(m.updates)
	m.updatesMu.RUnlock()
	for _, rec := range installed {
		if rec.Active {
			stats.ActivePlugins++
		}
		if rec.Descriptor.Author != "" {
			stats.Authors[rec.Descriptor.Author]++
		}
		category := "uncategorized"
		if entry, err := m.registry.Get(rec.ID()); err == nil && entry.Category != "" {
			category = entry.Category
		}
		stats.Categories[category]++
	}
	return stats
}

func (m *Manager) refreshGauge() {
	installed := m.registry.ListInstalled()
	active := 0
	for _, rec := range installed {
		if rec.Active {
			active++
		}
	}
	m.observer.SetPlugins(len(installed), active)
}

// ExecuteHook runs every active hook registered under name.
func (m *Manager) ExecuteHook(ctx context.Context, name string, data any) any {
	return m.hooks.ExecuteHook(ctx, name, data)
}

// ExecuteMiddleware threads data through the middleware chain of type t,
// ending in final.
func (m *Manager) ExecuteMiddleware(ctx context.Context, t MiddlewareType, data any, final Next) (any, error) {
	return m.hooks.ExecuteMiddleware(ctx, t, data, final)
}

// Hooks lists registrations for name.
func (m *Manager) Hooks(name string) []Registration { return m.hooks.Hooks(name) }

// Middleware lists registrations for t.
func (m *Manager) Middleware(t MiddlewareType) []Registration { return m.hooks.Middleware(t) }

// registrationAllowed accepts registrations only from the API handed to the
// live sandbox of an installed or installing plugin.
func (m *Manager) registrationAllowed(api *API) error {
	id := api.descriptor.ID
	epoch, ok := m.executor.Epoch(id)
	if !ok || epoch != api.epoch {
		return notFound("installed plugin", id)
	}
	if !m.registry.IsInstalled(id) && !m.inflight.Has(id) {
		return notFound("installed plugin", id)
	}
	return nil
}

func (m *Manager) registerHook(api *API, name string, priority int, fn Callback) (string, error) {
	if err := m.registrationAllowed(api); err != nil {
		return "", err
	}
	return m.hooks.RegisterHook(name, api.descriptor.ID, priority, fn)
}

func (m *Manager) registerMiddleware(api *API, t MiddlewareType, priority int, fn Callback) (string, error) {
	if err := m.registrationAllowed(api); err != nil {
		return "", err
	}
	return m.hooks.RegisterMiddleware(t, api.descriptor.ID, priority, fn)
}

// UpdateConfig applies runtime settings and persists them.
func (m *Manager) UpdateConfig(ctx context.Context, patch ConfigPatch) (ManagerConfig, error) {
	m.cfgMu.Lock()
	next := m.cfg
	next.apply(patch)
	if err := next.Validate(); err != nil {
		m.cfgMu.Unlock()
		return m.config(), xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid config update")
	}
	m.cfg = next
	m.cfgMu.Unlock()
	if err := m.saveConfig(ctx, next); err != nil {
		return next, err
	}
	return next, nil
}

type persistedPlugin struct {
	Descriptor  Descriptor `json:"descriptor"`
	InstallDate time.Time  `json:"installDate"`
	Active      bool       `json:"active"`
}

// persistInstalled writes the installed set. Failures are logged; the
// in-memory state stays authoritative.
func (m *Manager) persistInstalled(ctx context.Context) {
	if m.store == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	installed := m.registry.ListInstalled()
	records := make([]persistedPlugin, 0, len(installed))
	for _, rec := range installed {
		records = append(records, persistedPlugin{Descriptor: rec.Descriptor, InstallDate: rec.InstallDate, Active: rec.Active})
	}
	raw, err := json.Marshal(records)
	if err == nil {
		err = m.store.Set(context.WithoutCancel(ctx), KeyInstalledPlugins, raw)
	}
	if err != nil {
		m.log.Error("persist installed plugins failed", slog.String("error", err.Error()))
	}
}

// restoreInstalled reloads persisted plugins in their original order.
// Plugins that fail to load are logged and skipped.
func (m *Manager) restoreInstalled(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	raw, ok, err := m.store.Get(ctx, KeyInstalledPlugins)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "read installed plugins")
	}
	if !ok {
		return nil
	}
	var records []persistedPlugin
	if err := json.Unmarshal(raw, &records); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode installed plugins")
	}
	for _, rec := range records {
		id := rec.Descriptor.ID
		if err := m.acquire(id, "install"); err != nil {
			m.log.Warn("restore plugin skipped", slog.String("plugin_id", id), slog.String("error", err.Error()))
			continue
		}
		_, err := m.register(ctx, rec.Descriptor, rec.InstallDate, rec.Active)
		m.release(id)
		if err != nil {
			m.log.Error("restore plugin failed", slog.String("plugin_id", id), slog.String("error", err.Error()))
		}
	}
	return nil
}

func (m *Manager) saveConfig(ctx context.Context, cfg ManagerConfig) error {
	if m.store == nil {
		return nil
	}
	patch := ConfigPatch{
		AutoUpdate:        &cfg.AutoUpdate,
		UpdateChannel:     &cfg.UpdateChannel,
		AllowExperimental: &cfg.AllowExperimental,
		UpdateInterval:    &cfg.UpdateInterval,
		DebugMode:         &cfg.DebugMode,
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, KeyManagerConfig, raw); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "persist manager config")
	}
	return nil
}

func (m *Manager) loadConfig(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	raw, ok, err := m.store.Get(ctx, KeyManagerConfig)
	if err != nil || !ok {
		return err
	}
	var patch ConfigPatch
	if err := json.Unmarshal(raw, &patch); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode manager config")
	}
	m.cfgMu.Lock()
	m.cfg.apply(patch)
	m.cfgMu.Unlock()
	return nil
}
