package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"PluginHub/pkg/logger"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (s *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return slices.Clone(v), ok, nil
}

func (s *memStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = slices.Clone(value)
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func entry(id, version string, deps ...Dependency) CatalogEntry {
	return CatalogEntry{Descriptor: Descriptor{
		ID:           id,
		Name:         id,
		Version:      version,
		Main:         "builtin:" + id,
		Dependencies: deps,
	}}
}

func dep(id, version string) Dependency { return Dependency{ID: id, Version: version} }

// testHarness wires a manager to a static catalog and loader.
type testHarness struct {
	m       *Manager
	catalog *StaticCatalog
	loader  *StaticLoader
	store   *memStore

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, entries []CatalogEntry, mutate func(*ManagerConfig), opts ...Option) *testHarness {
	t.Helper()
	h := &testHarness{
		catalog: &StaticCatalog{Entries: entries, Releases: map[string]Descriptor{}},
		loader:  NewStaticLoader(),
		store:   newMemStore(),
	}
	for _, e := range entries {
		h.loader.Register(e.ID, func() Module { return BaseModule{} })
	}
	h.m = h.build(t, mutate, opts...)
	return h
}

func (h *testHarness) build(t *testing.T, mutate func(*ManagerConfig), opts ...Option) *Manager {
	t.Helper()
	cfg := DefaultManagerConfig()
	cfg.MarketplaceURL = ""
	cfg.Sandbox.MaxExecutionTime = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	base := []Option{
		WithCatalog(h.catalog),
		WithLoader(h.loader),
		WithStateStore(h.store),
		WithLogger(logger.Discard()),
	}
	m, err := NewManager(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	m.Subscribe(AllTopics, func(evt Event) {
		h.mu.Lock()
		h.events = append(h.events, evt)
		h.mu.Unlock()
	})
	if err := m.RefreshCatalog(context.Background()); err != nil {
		t.Fatalf("refresh catalog: %v", err)
	}
	return m
}

func (h *testHarness) named(name string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for _, evt := range h.events {
		if evt.Name == name {
			ids = append(ids, evt.PluginID)
		}
	}
	return ids
}

func installedIDs(m *Manager) []string {
	var ids []string
	for _, rec := range m.ListInstalled() {
		ids = append(ids, rec.ID())
	}
	return ids
}

func TestInstallInstallsDependenciesFirst(t *testing.T) {
	h := newHarness(t, []CatalogEntry{
		entry("reports", "1.0.0", dep("core", "1.0.0")),
		entry("core", "1.2.0"),
	}, nil)
	ctx := context.Background()

	rec, err := h.m.Install(ctx, "reports", InstallOptions{})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if !rec.Active || rec.Version() != "1.0.0" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if diff := cmp.Diff([]string{"core", "reports"}, installedIDs(h.m)); diff != "" {
		t.Fatalf("install order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"core", "reports"}, h.named(EventPluginInstalled)); diff != "" {
		t.Fatalf("installed events mismatch (-want +got):\n%s", diff)
	}
	if _, err := h.m.Install(ctx, "reports", InstallOptions{}); !errors.Is(err, ErrAlreadyInstalled) {
		t.Fatalf("expected already installed, got %v", err)
	}
}

func TestInstallFailStrategyRejectsMissingDependency(t *testing.T) {
	h := newHarness(t, []CatalogEntry{
		entry("reports", "1.0.0", dep("core", "1.0.0")),
		entry("core", "1.0.0"),
	}, nil)

	_, err := h.m.Install(context.Background(), "reports", InstallOptions{Strategy: DependenciesFail})
	if !errors.Is(err, ErrDependencyUnsatisfied) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	var de *DependencyError
	if !errors.As(err, &de) || len(de.Report.Missing) != 1 || de.Report.Missing[0].ID != "core" {
		t.Fatalf("unexpected report: %+v", de)
	}
	if ids := installedIDs(h.m); len(ids) != 0 {
		t.Fatalf("expected nothing installed, got %v", ids)
	}
	if diff := cmp.Diff([]string{"reports"}, h.named(EventPluginInstallFailed)); diff != "" {
		t.Fatalf("failure events mismatch (-want +got):\n%s", diff)
	}
}

func TestInstallRejectsIncompatibleInstalledDependency(t *testing.T) {
	h := newHarness(t, []CatalogEntry{
		entry("reports", "1.0.0", dep("core", "2.0.0")),
		entry("core", "1.4.0"),
	}, nil)
	ctx := context.Background()
	if _, err := h.m.Install(ctx, "core", InstallOptions{}); err != nil {
		t.Fatalf("install core: %v", err)
	}
	_, err := h.m.Install(ctx, "reports", InstallOptions{})
	var de *DependencyError
	if !errors.As(err, &de) || len(de.Report.Incompatible) != 1 {
		t.Fatalf("expected incompatible dependency, got %v", err)
	}
	if diff := cmp.Diff([]string{"core"}, installedIDs(h.m)); diff != "" {
		t.Fatalf("installed set changed (-want +got):\n%s", diff)
	}
}

func TestInstallRollsBackDependenciesOnFailure(t *testing.T) {
	h := newHarness(t, []CatalogEntry{
		entry("suite", "1.0.0", dep("core", "1.0.0"), dep("broken", "1.0.0")),
		entry("core", "1.0.0"),
		entry("broken", "1.0.0"),
	}, nil)
	h.loader.Register("broken", func() Module {
		return ModuleFuncs{InitFunc: func(context.Context, *API) error { return errors.New("boom") }}
	})

	_, err := h.m.Install(context.Background(), "suite", InstallOptions{})
	if !errors.Is(err, ErrDependencyUnsatisfied) || !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("expected wrapped load failure, got %v", err)
	}
	if ids := installedIDs(h.m); len(ids) != 0 {
		t.Fatalf("expected rollback to empty set, got %v", ids)
	}
	if diff := cmp.Diff([]string{"core"}, h.named(EventPluginUnregistered)); diff != "" {
		t.Fatalf("rollback events mismatch (-want +got):\n%s", diff)
	}
	if _, err := h.m.SandboxStats("core"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected sandbox removed, got %v", err)
	}
}

func TestInstallMissingCatalogDependency(t *testing.T) {
	h := newHarness(t, []CatalogEntry{entry("reports", "1.0.0", dep("ghost", "1.0.0"))}, nil)
	_, err := h.m.Install(context.Background(), "reports", InstallOptions{})
	if !errors.Is(err, ErrDependencyUnsatisfied) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unsatisfied not-found dependency, got %v", err)
	}
	if ids := installedIDs(h.m); len(ids) != 0 {
		t.Fatalf("expected nothing installed, got %v", ids)
	}
}

func TestInstallDetectsCycle(t *testing.T) {
	h := newHarness(t, []CatalogEntry{
		entry("alpha", "1.0.0", dep("beta", "1.0.0")),
		entry("beta", "1.0.0", dep("alpha", "1.0.0")),
	}, nil)

	_, err := h.m.Install(context.Background(), "alpha", InstallOptions{})
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("expected cyclic dependency, got %v", err)
	}
	if !errors.Is(err, ErrDependencyUnsatisfied) {
		t.Fatalf("cycle should also be unsatisfied, got %v", err)
	}
	var de *DependencyError
	if !errors.As(err, &de) {
		t.Fatalf("expected dependency error, got %T", err)
	}
	if diff := cmp.Diff([]string{"alpha", "beta", "alpha"}, de.Cycle); diff != "" {
		t.Fatalf("cycle mismatch (-want +got):\n%s", diff)
	}
	if ids := installedIDs(h.m); len(ids) != 0 {
		t.Fatalf("expected nothing installed, got %v", ids)
	}
}

func TestUninstallRespectsDependents(t *testing.T) {
	h := newHarness(t, []CatalogEntry{
		entry("reports", "1.0.0", dep("core", "1.0.0")),
		entry("core", "1.0.0"),
	}, nil)
	ctx := context.Background()
	if _, err := h.m.Install(ctx, "reports", InstallOptions{}); err != nil {
		t.Fatalf("install: %v", err)
	}

	if err := h.m.Uninstall(ctx, "core", false); !errors.Is(err, ErrHasDependents) {
		t.Fatalf("expected has dependents, got %v", err)
	}
	if diff := cmp.Diff([]string{"core", "reports"}, installedIDs(h.m)); diff != "" {
		t.Fatalf("installed set changed (-want +got):\n%s", diff)
	}
	if err := h.m.Uninstall(ctx, "reports", true); err != nil {
		t.Fatalf("cascade uninstall: %v", err)
	}
	if ids := installedIDs(h.m); len(ids) != 0 {
		t.Fatalf("expected cascade to remove core, got %v", ids)
	}
	if diff := cmp.Diff([]string{"reports", "core"}, h.named(EventPluginUninstalled)); diff != "" {
		t.Fatalf("uninstall events mismatch (-want +got):\n%s", diff)
	}
	if err := h.m.Uninstall(ctx, "reports", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUninstallKeepsPluginWhenDestroyFails(t *testing.T) {
	h := newHarness(t, []CatalogEntry{entry("sticky", "1.0.0")}, nil)
	h.loader.Register("sticky", func() Module {
		return ModuleFuncs{
			InitFunc: func(_ context.Context, api *API) error {
				_, err := api.RegisterHook(HookAfterPageLoad, 10, func(_ context.Context, data any, _ Next) (any, error) {
					return "seen", nil
				})
				return err
			},
			DestroyFunc: func(context.Context) error { return errors.New("busy") },
		}
	})
	ctx := context.Background()
	if _, err := h.m.Install(ctx, "sticky", InstallOptions{}); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := h.m.Uninstall(ctx, "sticky", false); err == nil {
		t.Fatal("expected destroy failure")
	}
	if !h.m.IsInstalled("sticky") {
		t.Fatal("plugin should remain installed")
	}
	if got := h.m.ExecuteHook(ctx, HookAfterPageLoad, "data"); got != "seen" {
		t.Fatalf("expected hooks restored, got %v", got)
	}
}

func versionedCatalog(h *testHarness) {
	core := entry("core", "1.1.0")
	core.Versions = []Release{{Version: "1.0.0"}, {Version: "1.1.0"}, {Version: "2.0.0"}}
	core.Changelog = "faster"
	h.catalog.Entries = []CatalogEntry{core, entry("ext", "1.0.0", dep("core", "1.0.0"))}
}

func TestUpdateAppliesPendingVersion(t *testing.T) {
	h := newHarness(t, nil, nil)
	versionedCatalog(h)
	h.loader.Register("core", func() Module { return BaseModule{} })
	h.loader.Register("ext", func() Module { return BaseModule{} })
	ctx := context.Background()
	if err := h.m.RefreshCatalog(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := h.m.Install(ctx, "core", InstallOptions{Version: "1.0.0"}); err != nil {
		t.Fatalf("install core: %v", err)
	}
	if _, err := h.m.Install(ctx, "ext", InstallOptions{}); err != nil {
		t.Fatalf("install ext: %v", err)
	}
	if err := h.m.Disable(ctx, "core"); err != nil {
		t.Fatalf("disable: %v", err)
	}

	updates, err := h.m.CheckUpdates(ctx)
	if err != nil {
		t.Fatalf("check updates: %v", err)
	}
	want := []UpdateInfo{{PluginID: "core", CurrentVersion: "1.0.0", LatestVersion: "1.1.0", Changelog: "faster"}}
	if diff := cmp.Diff(want, updates); diff != "" {
		t.Fatalf("updates mismatch (-want +got):\n%s", diff)
	}

	rec, err := h.m.Update(ctx, "core", "")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rec.Version() != "1.1.0" || rec.Active {
		t.Fatalf("unexpected updated record: %+v", rec)
	}
	if len(h.m.Updates()) != 0 {
		t.Fatalf("expected pending updates cleared, got %v", h.m.Updates())
	}
	if !h.m.IsInstalled("ext") {
		t.Fatal("dependent should stay installed")
	}
	if _, err := h.m.Update(ctx, "core", ""); !errors.Is(err, ErrNoUpdate) {
		t.Fatalf("expected no update, got %v", err)
	}
}

func TestUpdateRollsBackOnInitFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	versionedCatalog(h)
	h.loader.Register("core", func() Module {
		return ModuleFuncs{InitFunc: func(_ context.Context, api *API) error {
			if api.Descriptor().Version == "1.1.0" {
				return errors.New("bad release")
			}
			return nil
		}}
	})
	ctx := context.Background()
	if err := h.m.RefreshCatalog(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	before, err := h.m.Install(ctx, "core", InstallOptions{Version: "1.0.0"})
	if err != nil {
		t.Fatalf("install: %v", err)
	}

	if _, err := h.m.Update(ctx, "core", "1.1.0"); !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("expected load failure, got %v", err)
	}
	after, err := h.m.Installed("core")
	if err != nil {
		t.Fatalf("core missing after rollback: %v", err)
	}
	if after.Version() != "1.0.0" || !after.InstallDate.Equal(before.InstallDate) || !after.Active {
		t.Fatalf("rollback did not restore record: before %+v after %+v", before, after)
	}
	if diff := cmp.Diff([]string{"core"}, h.named(EventPluginUpdateFailed)); diff != "" {
		t.Fatalf("update failure events mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateRollsBackWhenDependentBreaks(t *testing.T) {
	h := newHarness(t, nil, nil)
	versionedCatalog(h)
	h.loader.Register("core", func() Module { return BaseModule{} })
	h.loader.Register("ext", func() Module { return BaseModule{} })
	ctx := context.Background()
	if err := h.m.RefreshCatalog(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := h.m.Install(ctx, "ext", InstallOptions{}); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := h.m.Update(ctx, "core", "2.0.0"); !errors.Is(err, ErrDependencyUnsatisfied) {
		t.Fatalf("expected dependent incompatibility, got %v", err)
	}
	rec, err := h.m.Installed("core")
	if err != nil || rec.Version() == "2.0.0" {
		t.Fatalf("expected previous core restored, got %+v, %v", rec, err)
	}
}

func persistedIDs(t *testing.T, h *testHarness) []string {
	t.Helper()
	raw, ok, err := h.store.Get(context.Background(), KeyInstalledPlugins)
	if err != nil || !ok {
		t.Fatalf("read persisted set: ok=%v err=%v", ok, err)
	}
	var records []persistedPlugin
	if err := json.Unmarshal(raw, &records); err != nil {
		t.Fatalf("decode persisted set: %v", err)
	}
	var ids []string
	for _, rec := range records {
		ids = append(ids, rec.Descriptor.ID+"@"+rec.Descriptor.Version)
	}
	return ids
}

func TestUpdateRollsBackWhenContextExpires(t *testing.T) {
	h := newHarness(t, nil, nil)
	versionedCatalog(h)
	h.loader.Register("core", func() Module {
		return ModuleFuncs{InitFunc: func(ctx context.Context, api *API) error {
			if api.Descriptor().Version == "1.1.0" {
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		}}
	})
	bg := context.Background()
	if err := h.m.RefreshCatalog(bg); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	before, err := h.m.Install(bg, "core", InstallOptions{Version: "1.0.0"})
	if err != nil {
		t.Fatalf("install: %v", err)
	}

	ctx, cancel := context.WithTimeout(bg, 20*time.Millisecond)
	defer cancel()
	if _, err := h.m.Update(ctx, "core", "1.1.0"); err == nil {
		t.Fatal("expected update to fail when its context expires")
	}

	after, err := h.m.Installed("core")
	if err != nil {
		t.Fatalf("core missing after failed update: %v", err)
	}
	if after.Version() != "1.0.0" || !after.Active || !after.InstallDate.Equal(before.InstallDate) {
		t.Fatalf("rollback did not restore record: before %+v after %+v", before, after)
	}
	if diff := cmp.Diff([]string{"core@1.0.0"}, persistedIDs(t, h)); diff != "" {
		t.Fatalf("persisted set mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateFailureUndoesNewDependenciesAndKeepsOrder(t *testing.T) {
	h := newHarness(t, nil, nil)
	versionedCatalog(h)
	h.catalog.Entries = append(h.catalog.Entries, entry("util", "1.0.0"))
	h.catalog.Releases["core@2.0.0"] = Descriptor{
		ID:           "core",
		Name:         "core",
		Version:      "2.0.0",
		Main:         "builtin:core",
		Dependencies: []Dependency{dep("util", "1.0.0")},
	}
	for _, id := range []string{"core", "ext", "util"} {
		h.loader.Register(id, func() Module { return BaseModule{} })
	}
	ctx := context.Background()
	if err := h.m.RefreshCatalog(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := h.m.Install(ctx, "core", InstallOptions{Version: "1.0.0"}); err != nil {
		t.Fatalf("install core: %v", err)
	}
	if _, err := h.m.Install(ctx, "ext", InstallOptions{}); err != nil {
		t.Fatalf("install ext: %v", err)
	}

	if _, err := h.m.Update(ctx, "core", "2.0.0"); !errors.Is(err, ErrDependencyUnsatisfied) {
		t.Fatalf("expected dependent incompatibility, got %v", err)
	}
	if diff := cmp.Diff([]string{"core", "ext"}, installedIDs(h.m)); diff != "" {
		t.Fatalf("installed order mismatch (-want +got):\n%s", diff)
	}
	if h.m.IsInstalled("util") {
		t.Fatal("dependency pulled in by the failed update should be removed")
	}
	if diff := cmp.Diff([]string{"core@1.0.0", "ext@1.0.0"}, persistedIDs(t, h)); diff != "" {
		t.Fatalf("persisted set mismatch (-want +got):\n%s", diff)
	}
}

func TestEnableDisableIdempotent(t *testing.T) {
	h := newHarness(t, []CatalogEntry{entry("banner", "1.0.0")}, nil)
	h.loader.Register("banner", func() Module {
		return ModuleFuncs{InitFunc: func(_ context.Context, api *API) error {
			_, err := api.RegisterHook(HookBeforePageLoad, 10, func(_ context.Context, data any, _ Next) (any, error) {
				return data.(int) + 1, nil
			})
			return err
		}}
	})
	ctx := context.Background()
	if _, err := h.m.Install(ctx, "banner", InstallOptions{}); err != nil {
		t.Fatalf("install: %v", err)
	}
	if got := h.m.ExecuteHook(ctx, HookBeforePageLoad, 1); got != 2 {
		t.Fatalf("expected hook to run, got %v", got)
	}
	for range 2 {
		if err := h.m.Disable(ctx, "banner"); err != nil {
			t.Fatalf("disable: %v", err)
		}
	}
	if got := h.m.ExecuteHook(ctx, HookBeforePageLoad, 1); got != 1 {
		t.Fatalf("disabled hook should be skipped, got %v", got)
	}
	for range 2 {
		if err := h.m.Enable(ctx, "banner"); err != nil {
			t.Fatalf("enable: %v", err)
		}
	}
	if n := len(h.named(EventPluginDisabled)); n != 1 {
		t.Fatalf("expected one disable event, got %d", n)
	}
	if n := len(h.named(EventPluginEnabled)); n != 1 {
		t.Fatalf("expected one enable event, got %d", n)
	}
	if err := h.m.Enable(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSystemAccessRequiresExperimental(t *testing.T) {
	privileged := entry("shell", "1.0.0")
	privileged.Permissions = []Permission{PermissionSystem}

	h := newHarness(t, []CatalogEntry{privileged}, nil)
	if _, err := h.m.Install(context.Background(), "shell", InstallOptions{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation failure, got %v", err)
	}

	h = newHarness(t, []CatalogEntry{privileged}, func(cfg *ManagerConfig) { cfg.AllowExperimental = true })
	if _, err := h.m.Install(context.Background(), "shell", InstallOptions{}); err != nil {
		t.Fatalf("install with experimental allowed: %v", err)
	}
}

func TestPolicyDeniesPermission(t *testing.T) {
	e := entry("tracker", "1.0.0")
	e.Permissions = []Permission{PermissionLocation}
	h := newHarness(t, []CatalogEntry{e}, func(cfg *ManagerConfig) {
		cfg.Defaults = PermissionPolicy{Denied: []Permission{PermissionLocation}}
	})
	if _, err := h.m.Install(context.Background(), "tracker", InstallOptions{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected policy rejection, got %v", err)
	}
}

func TestMaxPluginsLimit(t *testing.T) {
	h := newHarness(t, []CatalogEntry{entry("one", "1.0.0"), entry("two", "1.0.0")},
		func(cfg *ManagerConfig) { cfg.MaxPlugins = 1 })
	ctx := context.Background()
	if _, err := h.m.Install(ctx, "one", InstallOptions{}); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := h.m.Install(ctx, "two", InstallOptions{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected limit error, got %v", err)
	}
}

func TestConcurrentTransitionRejected(t *testing.T) {
	h := newHarness(t, []CatalogEntry{entry("slow", "1.0.0")}, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	h.loader.Register("slow", func() Module {
		return ModuleFuncs{InitFunc: func(ctx context.Context, _ *API) error {
			close(started)
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}
	})
	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		_, err := h.m.Install(ctx, "slow", InstallOptions{})
		done <- err
	}()
	<-started
	if state := h.m.State("slow"); state != StateInstalling {
		t.Fatalf("expected installing state, got %s", state)
	}
	if _, err := h.m.Install(ctx, "slow", InstallOptions{}); !errors.Is(err, ErrTransitionInProgress) {
		t.Fatalf("expected transition in progress, got %v", err)
	}
	if err := h.m.Uninstall(ctx, "slow", false); !errors.Is(err, ErrTransitionInProgress) {
		t.Fatalf("expected transition in progress, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("install: %v", err)
	}
	if state := h.m.State("slow"); state != StateInstalled {
		t.Fatalf("expected installed state, got %s", state)
	}
}

func TestRegistrationRejectedAfterUninstall(t *testing.T) {
	h := newHarness(t, []CatalogEntry{entry("late", "1.0.0")}, nil)
	var captured *API
	h.loader.Register("late", func() Module {
		return ModuleFuncs{InitFunc: func(_ context.Context, api *API) error {
			captured = api
			return nil
		}}
	})
	ctx := context.Background()
	if _, err := h.m.Install(ctx, "late", InstallOptions{}); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := captured.RegisterHook(HookUserLogin, 1, passThroughCallback); err != nil {
		t.Fatalf("register while installed: %v", err)
	}
	if err := h.m.Uninstall(ctx, "late", false); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if _, err := captured.RegisterHook(HookUserLogin, 1, passThroughCallback); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected registration rejected, got %v", err)
	}
	if regs := h.m.Hooks(HookUserLogin); len(regs) != 0 {
		t.Fatalf("expected no hooks, got %+v", regs)
	}
}

func passThroughCallback(_ context.Context, data any, _ Next) (any, error) { return data, nil }

func TestStartRestoresPersistedPlugins(t *testing.T) {
	h := newHarness(t, []CatalogEntry{
		entry("reports", "1.0.0", dep("core", "1.0.0")),
		entry("core", "1.0.0"),
	}, nil)
	ctx := context.Background()
	if _, err := h.m.Install(ctx, "reports", InstallOptions{}); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := h.m.Disable(ctx, "reports"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	auto := true
	if _, err := h.m.UpdateConfig(ctx, ConfigPatch{AutoUpdate: &auto}); err != nil {
		t.Fatalf("update config: %v", err)
	}
	before := h.m.ListInstalled()
	if err := h.m.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	restored := h.build(t, nil)
	if err := restored.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	after := restored.ListInstalled()
	if diff := cmp.Diff(before, after, cmp.AllowUnexported(InstalledPlugin{})); diff != "" {
		t.Fatalf("restored set mismatch (-want +got):\n%s", diff)
	}
	if !restored.Config().AutoUpdate {
		t.Fatal("expected persisted config to be restored")
	}
}

func TestAutoUpdateFollowsChannel(t *testing.T) {
	h := newHarness(t, nil, func(cfg *ManagerConfig) { cfg.AutoUpdate = true })
	stable := entry("stable", "1.1.0")
	stable.Versions = []Release{{Version: "1.0.0"}, {Version: "1.1.0", Channel: "stable"}}
	beta := entry("beta", "1.1.0")
	beta.Versions = []Release{{Version: "1.0.0"}, {Version: "1.1.0", Channel: "beta"}}
	h.catalog.Entries = []CatalogEntry{stable, beta}
	h.loader.Register("stable", func() Module { return BaseModule{} })
	h.loader.Register("beta", func() Module { return BaseModule{} })
	ctx := context.Background()
	if err := h.m.RefreshCatalog(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	for _, id := range []string{"stable", "beta"} {
		if _, err := h.m.Install(ctx, id, InstallOptions{Version: "1.0.0"}); err != nil {
			t.Fatalf("install %s: %v", id, err)
		}
	}
	if _, err := h.m.CheckUpdates(ctx); err != nil {
		t.Fatalf("check updates: %v", err)
	}
	if diff := cmp.Diff([]string{"stable"}, h.m.AutoUpdate(ctx)); diff != "" {
		t.Fatalf("auto update mismatch (-want +got):\n%s", diff)
	}
	rec, _ := h.m.Installed("beta")
	if rec.Version() != "1.0.0" {
		t.Fatalf("beta channel should not auto update, got %s", rec.Version())
	}
}

func TestStatsSummarisesInstalledSet(t *testing.T) {
	a := entry("a", "1.0.0")
	a.Category, a.Author = "circulation", "acme"
	b := entry("b", "1.0.0")
	b.Author = "acme"
	h := newHarness(t, []CatalogEntry{a, b, entry("c", "1.0.0")}, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := h.m.Install(ctx, id, InstallOptions{}); err != nil {
			t.Fatalf("install %s: %v", id, err)
		}
	}
	if err := h.m.Disable(ctx, "b"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	want := Stats{
		TotalInstalled: 2,
		ActivePlugins:  1,
		CatalogSize:    3,
		Categories:     map[string]int{"circulation": 1, "uncategorized": 1},
		Authors:        map[string]int{"acme": 2},
	}
	if diff := cmp.Diff(want, h.m.Stats()); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
}
